package feed

import "net/http"

// BrowserUserAgent は通常のデスクトップブラウザを装うUser-Agent。
const BrowserUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/134.0.0.0 Safari/537.36"

// DefaultReferer は取得元サイト内を遷移してきたように見せるためのReferer。
const DefaultReferer = "https://www.marines.mil/News/Messages/MARADMINS/"

// browserHeaders はブラウザのトップレベル遷移と同等のヘッダー一式。
// 中間キャッシュによる古い応答を避けるため、no-cacheを明示する。
var browserHeaders = map[string]string{
	"Accept":                    "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8,application/signed-exchange;v=b3;q=0.7",
	"Accept-Language":           "en-US,en;q=0.9",
	"Cache-Control":             "no-cache",
	"Pragma":                    "no-cache",
	"Priority":                  "u=0, i",
	"Sec-Ch-Ua":                 `"Chromium";v="134", "Not:A-Brand";v="24", "Google Chrome";v="134"`,
	"Sec-Ch-Ua-Mobile":          "?0",
	"Sec-Ch-Ua-Platform":        `"macOS"`,
	"Sec-Fetch-Dest":            "document",
	"Sec-Fetch-Mode":            "navigate",
	"Sec-Fetch-User":            "?1",
	"Upgrade-Insecure-Requests": "1",
	"User-Agent":                BrowserUserAgent,
}

// SetBrowserHeaders はリクエストにブラウザ相当のヘッダーを設定する。
// refererが空の場合はリンクを直接開いた遷移として扱う。
func SetBrowserHeaders(req *http.Request, referer string) {
	for k, v := range browserHeaders {
		req.Header.Set(k, v)
	}
	if referer != "" {
		req.Header.Set("Referer", referer)
		req.Header.Set("Sec-Fetch-Site", "same-origin")
	} else {
		req.Header.Set("Sec-Fetch-Site", "none")
	}
}

// cacheHeaders は古い応答の調査用にログへ残すレスポンスヘッダー。
var cacheHeaders = []string{"Cache-Control", "Age", "X-Cache", "CF-Cache-Status", "Expires", "Last-Modified", "ETag"}
