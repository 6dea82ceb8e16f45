package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresSubscriberRepo はPostgreSQLを使用した購読者リポジトリ。
type PostgresSubscriberRepo struct {
	db *sql.DB
}

// NewPostgresSubscriberRepo はPostgresSubscriberRepoを生成する。
func NewPostgresSubscriberRepo(db *sql.DB) *PostgresSubscriberRepo {
	return &PostgresSubscriberRepo{db: db}
}

// ListEligible は確認済み購読者をemail昇順のキーセットページングで返す。
// limit+1件を取得して次ページの有無を判定する。
func (r *PostgresSubscriberRepo) ListEligible(ctx context.Context, cursor string, limit int) (*model.SubscriberPage, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limitは1以上を指定してください: %d", limit)
	}

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT email, verified, token
		 FROM subscribers
		 WHERE verified = true AND email > $1
		 ORDER BY email ASC
		 LIMIT $2`,
		after, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("購読者一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	subscribers := make([]model.Subscriber, 0, limit)
	for rows.Next() {
		var s model.Subscriber
		if err := rows.Scan(&s.Email, &s.Verified, &s.Token); err != nil {
			return nil, fmt.Errorf("購読者のスキャンに失敗しました: %w", err)
		}
		subscribers = append(subscribers, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("購読者一覧の走査に失敗しました: %w", err)
	}

	page := &model.SubscriberPage{Subscribers: subscribers}
	if len(subscribers) > limit {
		page.Subscribers = subscribers[:limit]
		page.NextCursor = encodeCursor(page.Subscribers[limit-1].Email)
	}
	return page, nil
}
