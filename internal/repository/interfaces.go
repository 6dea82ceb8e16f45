// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/feedrelay/internal/model"
)

// NoticeRepository は配信済みお知らせ（重複排除レコード）の永続化インターフェース。
// すべての読み取りはプライマリに対して行い、直前の書き込みが必ず見える。
type NoticeRepository interface {
	// Exists は重複排除キーに一致するレコードが存在するかを返す。
	Exists(ctx context.Context, key string) (bool, error)

	// ExistsByPubDate は公開日時が一致するレコードが存在するかを返す。
	// 軽量ポーリングでの新着判定に使用する。
	ExistsByPubDate(ctx context.Context, pubDate string) (bool, error)

	// Record は配信済みとして記録する。同一キーの再記録は何もしない（冪等）。
	Record(ctx context.Context, item model.FeedItem) error
}

// SnapshotRepository は直近のポーリング結果の永続化インターフェース。
// 保存した行は運用時の確認用で、判定には使わない。
type SnapshotRepository interface {
	// SaveSnapshot はスナップショットを上書き保存する。
	SaveSnapshot(ctx context.Context, snapshot model.FeedSnapshot) error
}

// SubscriberRepository は購読者の参照インターフェース。
// 購読者の登録・更新・削除は外部システムの責務であり、ここでは扱わない。
type SubscriberRepository interface {
	// ListEligible は確認済み購読者をemail昇順で最大limit件返す。
	// cursorが空文字の場合は先頭から取得する。
	// 返却ページのNextCursorが空文字であれば最終ページ。
	ListEligible(ctx context.Context, cursor string, limit int) (*model.SubscriberPage, error)
}
