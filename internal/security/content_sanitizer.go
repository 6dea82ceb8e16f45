package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// ContentSanitizer はフィードと記事本文のHTMLを扱う2種類のポリシーを保持する。
// どちらのポリシーもゴルーチン間で共有してよい。
type ContentSanitizer struct {
	strict *bluemonday.Policy
	email  *bluemonday.Policy
}

// NewContentSanitizer はContentSanitizerを生成する。
//   - strict: 全タグを除去する（フィードのdescription用）
//   - email: メールクライアントで安全に表示できるタグのみ許可する（通知本文用）
func NewContentSanitizer() *ContentSanitizer {
	p := bluemonday.NewPolicy()

	p.AllowElements(
		"p", "br", "div", "span", "ul", "ol", "li",
		"blockquote", "pre", "code",
		"strong", "em", "b", "i", "u",
		"h1", "h2", "h3", "h4",
		"table", "thead", "tbody", "tr", "th", "td",
	)

	// 通知メールは常に絶対URLでリンクする。target指定はメールクライアントに任せる。
	p.AllowAttrs("href").OnElements("a")
	p.AllowURLSchemes("http", "https", "mailto")
	p.AllowRelativeURLs(false)
	p.RequireParseableURLs(true)
	p.RequireNoReferrerOnLinks(true)

	return &ContentSanitizer{
		strict: bluemonday.StrictPolicy(),
		email:  p,
	}
}

// StripTags はHTMLタグをすべて除去し、実体参照を戻して前後の空白を除去する。
func (s *ContentSanitizer) StripTags(raw string) string {
	return strings.TrimSpace(html.UnescapeString(s.strict.Sanitize(raw)))
}

// SanitizeEmail は通知本文をメール向けの許可リストでサニタイズする。
func (s *ContentSanitizer) SanitizeEmail(rawHTML string) string {
	return s.email.Sanitize(rawHTML)
}
