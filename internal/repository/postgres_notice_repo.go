package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

// PostgresNoticeRepo はPostgreSQLを使用した重複排除ストア。
// スナップショットも同じテーブル群で管理するためSnapshotRepositoryも実装する。
type PostgresNoticeRepo struct {
	db *sql.DB
}

// NewPostgresNoticeRepo はPostgresNoticeRepoを生成する。
func NewPostgresNoticeRepo(db *sql.DB) *PostgresNoticeRepo {
	return &PostgresNoticeRepo{db: db}
}

// Exists は重複排除キーに一致するレコードが存在するかを返す。
func (r *PostgresNoticeRepo) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM notices WHERE description = $1)`,
		key,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("お知らせの存在確認に失敗しました: %w", err)
	}
	return exists, nil
}

// ExistsByPubDate は公開日時が一致するレコードが存在するかを返す。
func (r *PostgresNoticeRepo) ExistsByPubDate(ctx context.Context, pubDate string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM notices WHERE pub_date = $1)`,
		pubDate,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("公開日時によるお知らせの検索に失敗しました: %w", err)
	}
	return exists, nil
}

// Record は配信済みとして記録する。
// 既に同じキーが存在する場合は何もしない。
func (r *PostgresNoticeRepo) Record(ctx context.Context, item model.FeedItem) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO notices (description, title, link, pub_date)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (description) DO NOTHING`,
		item.Key(), item.Title, item.Link, item.PubDate,
	)
	if err != nil {
		return fmt.Errorf("お知らせの記録に失敗しました: %w", err)
	}
	return nil
}

// SaveSnapshot はスナップショットを上書き保存する。
func (r *PostgresNoticeRepo) SaveSnapshot(ctx context.Context, snapshot model.FeedSnapshot) error {
	checkedAt := snapshot.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feed_snapshot (id, latest_pub_date, checked_at)
		 VALUES (1, $1, $2)
		 ON CONFLICT (id) DO UPDATE
		 SET latest_pub_date = EXCLUDED.latest_pub_date, checked_at = EXCLUDED.checked_at`,
		snapshot.LatestPubDate, checkedAt,
	)
	if err != nil {
		return fmt.Errorf("スナップショットの保存に失敗しました: %w", err)
	}
	return nil
}
