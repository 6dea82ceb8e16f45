package model

import (
	"strings"
	"time"
)

// FeedItem はフィードから取得した1件の公開物を表す。
// FeedParserが生成し、以降は変更しない。
type FeedItem struct {
	Title       string
	Link        string
	Description string // HTMLタグ除去・前後空白除去済み
	PubDate     string // フィード上の公開日時文字列（比較は文字列一致で行う）
}

// Key は重複排除キーを返す。
// 説明文は日時グループと通し番号を含むため、タイトルやリンクより衝突しにくい。
func (i FeedItem) Key() string {
	return strings.TrimSpace(i.Description)
}

// FeedSnapshot はフィード全体で最後に確認した公開日時を表す。
// ポーリングとスクレイプの間で明示的に受け渡す。
type FeedSnapshot struct {
	LatestPubDate string
	CheckedAt     time.Time
}

// EnrichedArticle は要約と本文で補強された新着記事。MessageBuilderへの入力で、永続化しない。
type EnrichedArticle struct {
	Item     FeedItem
	Summary  string
	BodyHTML string
}
