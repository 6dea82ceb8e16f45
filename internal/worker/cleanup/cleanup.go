// Package cleanup はストリームの保持期間管理ジョブを提供する。
// 保持期間（デフォルト30日）を超過したブロードキャスト・配信ジョブ・デッドレターを
// 日次バッチで削除する。重複排除レコードは削除しない。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Trimmer はストリームの古いエントリを削除するインターフェース。
type Trimmer interface {
	TrimBefore(ctx context.Context, stream string, cutoff time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したストリームエントリの削除ジョブ。
// 日次実行のバッチジョブとして設計されており、冪等な削除処理を保証する。
type CleanupJob struct {
	trimmer       Trimmer
	streams       []string
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // エントリの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
// デフォルトの保持日数は30日。
func NewCleanupJob(trimmer Trimmer, streams []string, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		trimmer:       trimmer,
		streams:       streams,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Run は保持期間を超過したエントリを各ストリームから削除する。
// 1つのストリームで失敗しても残りのストリームは処理する。
// 冪等: 削除対象がない場合でもエラーにならない。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := time.Now()
	cutoff := j.now().AddDate(0, 0, -j.RetentionDays)

	var errs []error
	var total int64
	for _, stream := range j.streams {
		n, err := j.trimmer.TrimBefore(ctx, stream, cutoff)
		if err != nil {
			j.logger.Error("ストリームのクリーンアップに失敗しました",
				slog.String("stream", stream),
				slog.String("error", err.Error()),
				slog.Int("retention_days", j.RetentionDays),
			)
			errs = append(errs, err)
			continue
		}
		total += n
		j.logger.Debug("ストリームをトリムしました",
			slog.String("stream", stream),
			slog.Int64("deleted_count", n),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("ストリームクリーンアップの実行に失敗: %w", errors.Join(errs...))
	}

	j.logger.Info("ストリームクリーンアップジョブが完了しました",
		slog.Int64("deleted_count", total),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

// Start は起動直後に1回、以降はintervalごとにRunを実行する。
// コンテキストがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	j.runLogged(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runLogged(ctx)
		}
	}
}

func (j *CleanupJob) runLogged(ctx context.Context) {
	if err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}
}
