package feed

import (
	"bytes"
	"log/slog"
	"slices"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/samber/lo"

	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/security"
)

// maxLoggedPayload はパース失敗時にログへ残す生データの最大長。
const maxLoggedPayload = 64 * 1024

// Parser はフィード文書をFeedItemの列に変換する。
type Parser struct {
	logger    *slog.Logger
	sanitizer *security.ContentSanitizer
}

// NewParser はParserを生成する。
func NewParser(logger *slog.Logger, sanitizer *security.ContentSanitizer) *Parser {
	return &Parser{logger: logger, sanitizer: sanitizer}
}

// Parse はフィード文書を解析し、フィード上の順序（新しい順）でFeedItemを返す。
// 解析に失敗した場合はエラーと生データをログに残してmodel.ErrMalformedFeedを返す。
// descriptionが空の項目は重複排除キーにならないため警告を出してスキップする。
func (p *Parser) Parse(raw []byte) ([]model.FeedItem, error) {
	parsed, err := p.parse(raw)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("フィードのメタデータ",
		slog.String("pub_date", parsed.Published),
		slog.String("last_build_date", parsed.Updated),
		slog.Int("items", len(parsed.Items)),
	)

	items := make([]model.FeedItem, 0, len(parsed.Items))
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		item := model.FeedItem{
			Title:       strings.TrimSpace(it.Title),
			Link:        strings.TrimSpace(it.Link),
			Description: p.sanitizer.StripTags(it.Description),
			PubDate:     strings.TrimSpace(it.Published),
		}
		if item.Description == "" {
			p.logger.Warn("descriptionが空の項目をスキップします",
				slog.String("title", item.Title),
				slog.String("link", item.Link),
			)
			continue
		}
		items = append(items, item)
	}

	return items, nil
}

// LatestPubDate はフィード先頭項目の公開日時を返す。
// 項目がない場合はチャンネルのpubDateを返す。
func (p *Parser) LatestPubDate(raw []byte) (string, error) {
	parsed, err := p.parse(raw)
	if err != nil {
		return "", err
	}
	for _, it := range parsed.Items {
		if it != nil && strings.TrimSpace(it.Published) != "" {
			return strings.TrimSpace(it.Published), nil
		}
	}
	return strings.TrimSpace(parsed.Published), nil
}

func (p *Parser) parse(raw []byte) (*gofeed.Feed, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(raw))
	if err != nil {
		payload := string(raw)
		if len(payload) > maxLoggedPayload {
			payload = payload[:maxLoggedPayload]
		}
		p.logger.Error("フィードの解析に失敗しました",
			slog.String("error", err.Error()),
			slog.String("payload", payload),
		)
		return nil, model.Wrap(model.ErrMalformedFeed, err)
	}
	return parsed, nil
}

// OldestFirst は処理順（古い順）に並べ替えた新しいスライスを返す。
// 途中で失敗しても新しい項目が未処理のまま残り、次回の変更検知で再処理される。
func OldestFirst(items []model.FeedItem) []model.FeedItem {
	return lo.Reverse(slices.Clone(items))
}
