// Package ingest はフィードの新着検知から通知発行までのパイプラインを提供する。
// 軽量ポーリング（Poller）と本処理（Scraper）を分け、スナップショットを明示的に受け渡す。
package ingest

import (
	"context"

	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/queue"
)

// FeedSource はフィード文書の取得インターフェース。
type FeedSource interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// FeedParser はフィード文書の解析インターフェース。
type FeedParser interface {
	Parse(raw []byte) ([]model.FeedItem, error)
	LatestPubDate(raw []byte) (string, error)
}

// ContentRetriever は記事本文の取得インターフェース。
type ContentRetriever interface {
	Retrieve(ctx context.Context, link string) (string, error)
}

// Summarizer は本文要約のインターフェース。
type Summarizer interface {
	Summarize(ctx context.Context, bodyHTML string) (string, error)
}

// MessageBuilder は通知メッセージ組み立てのインターフェース。
type MessageBuilder interface {
	Build(article model.EnrichedArticle) (model.NotificationMessage, error)
}

// Publisher はブロードキャスト発行のインターフェース。
type Publisher interface {
	Publish(ctx context.Context, msg model.NotificationMessage) (queue.PublishResult, error)
}
