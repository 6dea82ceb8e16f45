package feed

import "net/http"

// FetchResult はHTTPステータスコードに基づくフェッチ結果の分類。
type FetchResult int

const (
	// FetchResultOK は取得成功（2xx）。
	FetchResultOK FetchResult = iota
	// FetchResultThrottled はブロックされた（403）。再試行せず次回サイクルに委ねる。
	FetchResultThrottled
	// FetchResultRetry は一時的な失敗（429/5xx）。
	FetchResultRetry
	// FetchResultFail はその他の失敗。
	FetchResultFail
)

// ClassifyHTTPStatus はHTTPステータスコードをフェッチ結果に分類する。
func ClassifyHTTPStatus(statusCode int) FetchResult {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return FetchResultOK
	case statusCode == http.StatusForbidden:
		return FetchResultThrottled
	case statusCode == http.StatusTooManyRequests:
		return FetchResultRetry
	case statusCode >= 500:
		return FetchResultRetry
	default:
		return FetchResultFail
	}
}
