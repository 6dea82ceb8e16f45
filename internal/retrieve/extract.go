package retrieve

import (
	"log/slog"
	"net/url"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

const (
	bodyMarker = `<div class="body-text">`
	bodyEnd    = `</div>`
)

// Extractor は取得した文書から通知本文の領域を切り出す。
type Extractor struct {
	logger *slog.Logger
}

// NewExtractor はExtractorを生成する。
func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger}
}

// Extract は本文領域のHTMLを返す。
// 発行元のテンプレートは本文をbody-textのdivに置くため、マーカーから次の</div>までを切り出す。
// マーカーが無い場合は汎用の可読性抽出にフォールバックし、それも失敗すれば文書全体を返す。
func (e *Extractor) Extract(link, doc string) string {
	doc = strings.ReplaceAll(doc, "(slash)", "/")

	if start := strings.Index(doc, bodyMarker); start >= 0 {
		rest := doc[start+len(bodyMarker):]
		if end := strings.Index(rest, bodyEnd); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
		return strings.TrimSpace(rest)
	}

	e.logger.Warn("本文マーカーが見つかりません。可読性抽出にフォールバックします",
		slog.String("link", link),
	)

	pageURL, _ := url.Parse(link)
	article, err := readability.FromReader(strings.NewReader(doc), pageURL)
	if err != nil || strings.TrimSpace(article.Content) == "" {
		if err != nil {
			e.logger.Warn("可読性抽出に失敗しました。文書全体を使用します",
				slog.String("link", link),
				slog.String("error", err.Error()),
			)
		}
		return doc
	}
	return strings.TrimSpace(article.Content)
}
