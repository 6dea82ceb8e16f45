// Package fanout はブロードキャストを購読者ごとの配信ジョブに展開する。
package fanout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/queue"
	"github.com/hitoshi/feedrelay/internal/repository"
)

// GroupName はブロードキャストを消費するコンシューマーグループ名。
const GroupName = "expander"

// JobQueue は配信ジョブの投入インターフェース。
type JobQueue interface {
	Enqueue(ctx context.Context, jobs []model.DeliveryJob) (int, error)
}

// Config はExpanderの設定。
type Config struct {
	PageSize         int
	DeadLetterStream string
	// MaxDeliveries を超えて再取得されたブロードキャストはデッドレターへ移す。0以下は無制限。
	MaxDeliveries int64
	// DeveloperEmail が空でなければ、配信先をこのアドレス1件に限定する。
	// 内部設定からのみ有効化でき、HTTP経由では切り替えられない。
	DeveloperEmail string
}

// Expander はブロードキャスト1件を確認済み購読者全員分の配信ジョブに展開する。
type Expander struct {
	consumer    queue.StreamConsumer
	subscribers repository.SubscriberRepository
	jobs        JobQueue
	cfg         Config
	logger      *slog.Logger
	metrics     metrics.MetricsCollector
}

// NewExpander はExpanderを生成する。PageSizeが0以下の場合は500を使う。
func NewExpander(
	consumer queue.StreamConsumer,
	subscribers repository.SubscriberRepository,
	jobs JobQueue,
	cfg Config,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Expander {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 500
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Expander{
		consumer:    consumer,
		subscribers: subscribers,
		jobs:        jobs,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
	}
}

// Expand はブロードキャストを配信ジョブに展開して投入し、投入件数を返す。
// 購読者はカーソルでページングし、最終ページまで投入する。
func (e *Expander) Expand(ctx context.Context, b model.Broadcast) (int, error) {
	env, err := model.UnmarshalEnvelope([]byte(b.Message))
	if err != nil {
		return 0, fmt.Errorf("%w: 封筒の復元に失敗 (%s): %v", queue.ErrMalformedEntry, b.ID, err)
	}

	toJob := func(s model.Subscriber, _ int) model.DeliveryJob {
		return model.DeliveryJob{
			ID:          b.ID + ":" + s.Email,
			Email:       s.Email,
			Subject:     b.Subject,
			MessageBody: env.Full,
		}
	}

	if e.cfg.DeveloperEmail != "" {
		e.logger.Warn("開発者モード: 配信先を開発者アドレスに限定します",
			slog.String("broadcast_id", b.ID),
			slog.String("email", e.cfg.DeveloperEmail),
		)
		n, err := e.jobs.Enqueue(ctx, []model.DeliveryJob{toJob(model.Subscriber{Email: e.cfg.DeveloperEmail}, 0)})
		e.metrics.RecordDeliveries(metrics.DeliveryEnqueued, n)
		return n, err
	}

	total := 0
	cursor := ""
	pages := 0
	for {
		page, err := e.subscribers.ListEligible(ctx, cursor, e.cfg.PageSize)
		if err != nil {
			return total, fmt.Errorf("購読者の取得に失敗 (page %d): %w", pages+1, err)
		}
		pages++

		n, err := e.jobs.Enqueue(ctx, lo.Map(page.Subscribers, toJob))
		total += n
		e.metrics.RecordDeliveries(metrics.DeliveryEnqueued, n)
		if err != nil {
			return total, err
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	e.logger.Info("配信ジョブを展開しました",
		slog.String("broadcast_id", b.ID),
		slog.String("subject", b.Subject),
		slog.Int("jobs", total),
		slog.Int("pages", pages),
	)
	return total, nil
}

// RunOnce は放置されたブロードキャストの再取得と新規の読み取りを行い、1件ずつ展開する。
// 全ページの投入が終わったブロードキャストだけをACKする。処理件数を返す。
func (e *Expander) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := e.consumer.Reclaim(ctx)
	if err != nil {
		return 0, err
	}
	fresh, err := e.consumer.Read(ctx)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, m := range append(reclaimed, fresh...) {
		if e.cfg.MaxDeliveries > 0 && m.Deliveries > e.cfg.MaxDeliveries {
			e.logger.Error("ブロードキャストを展開できないままデッドレターへ移します",
				slog.String("stream_id", m.ID),
				slog.Int64("deliveries", m.Deliveries),
			)
			e.deadLetter(ctx, m, fmt.Sprintf("配送回数の上限（%d回）を超えました", e.cfg.MaxDeliveries))
			continue
		}

		b, err := queue.BroadcastFromMessage(m)
		if err == nil {
			_, err = e.Expand(ctx, b)
		}
		if err != nil {
			e.logger.Error("ブロードキャストの展開に失敗しました",
				slog.String("stream_id", m.ID),
				slog.Int64("deliveries", m.Deliveries),
				slog.String("error", err.Error()),
			)
			// 形式不正はデッドレターへ。それ以外は保留のまま再取得を待つ
			if errors.Is(err, queue.ErrMalformedEntry) {
				e.deadLetter(ctx, m, err.Error())
			}
			continue
		}

		if err := e.consumer.Ack(ctx, m.ID); err != nil {
			return handled, err
		}
		handled++
	}
	return handled, nil
}

// Start はコンテキストがキャンセルされるまでRunOnceを繰り返す。
// 処理対象が無い場合はidleだけ待機する。
func (e *Expander) Start(ctx context.Context, idle time.Duration) error {
	if err := e.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	e.logger.Info("展開ワーカーを開始しました")

	for {
		n, err := e.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			e.logger.Error("展開ワーカーの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			e.logger.Info("展開ワーカーを停止しました")
			return nil
		case <-time.After(idle):
		}
	}
}

func (e *Expander) deadLetter(ctx context.Context, m queue.Message, reason string) {
	if e.cfg.DeadLetterStream == "" {
		return
	}
	if err := e.consumer.DeadLetter(ctx, e.cfg.DeadLetterStream, m, reason); err != nil {
		e.logger.Error("デッドレターへの移動に失敗しました",
			slog.String("stream_id", m.ID),
			slog.String("error", err.Error()),
		)
	}
}
