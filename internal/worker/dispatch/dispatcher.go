// Package dispatch は配信ジョブを取り出して購読者へメールを送信する。
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedrelay/internal/mail"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/queue"
)

// GroupName は配信キューを消費するコンシューマーグループ名。
const GroupName = "dispatcher"

// Renderer はメール本文を描画するインターフェース。
type Renderer interface {
	Render(title, htmlMsg, email string) (string, error)
}

// Config はDispatcherの設定。
type Config struct {
	RatePerSec       float64 // 送信レート上限（通/秒）
	MaxDeliveries    int64   // これを超えて配送されたジョブはデッドレターへ移す
	Concurrency      int
	DeadLetterStream string
}

// Dispatcher は配信ジョブを1件ずつ送信し、成功したものだけACKする。
// 失敗したジョブはACKせず、可視性タイムアウト後に再取得される。
type Dispatcher struct {
	consumer queue.StreamConsumer
	renderer Renderer
	sender   mail.Sender
	limiter  *rate.Limiter
	cfg      Config
	logger   *slog.Logger
	metrics  metrics.MetricsCollector
}

// NewDispatcher はDispatcherを生成する。
func NewDispatcher(
	consumer queue.StreamConsumer,
	renderer Renderer,
	sender mail.Sender,
	cfg Config,
	logger *slog.Logger,
	m metrics.MetricsCollector,
) *Dispatcher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.MaxDeliveries <= 0 {
		cfg.MaxDeliveries = 5
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{
		consumer: consumer,
		renderer: renderer,
		sender:   sender,
		limiter:  rate.NewLimiter(limit, 1),
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
	}
}

// Dispatch はジョブ1件分のメールを描画して送信する。
func (d *Dispatcher) Dispatch(ctx context.Context, job model.DeliveryJob) error {
	body, err := d.renderer.Render(job.Subject, job.MessageBody, job.Email)
	if err != nil {
		return err
	}
	if err := d.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("送信レートの待機に失敗: %w", err)
	}
	return d.sender.Send(ctx, job.Email, job.Subject, body)
}

// RunOnce は再取得と新規読み取りを行い、ジョブを並列に送信する。処理したエントリ数を返す。
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := d.consumer.Reclaim(ctx)
	if err != nil {
		return 0, err
	}
	fresh, err := d.consumer.Read(ctx)
	if err != nil {
		return 0, err
	}
	msgs := append(reclaimed, fresh...)

	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for _, m := range msgs {
		g.Go(func() error {
			d.handle(ctx, m)
			return nil
		})
	}
	g.Wait()

	return len(msgs), nil
}

func (d *Dispatcher) handle(ctx context.Context, m queue.Message) {
	if m.Deliveries > d.cfg.MaxDeliveries {
		d.deadLetter(ctx, m, fmt.Sprintf("配送回数の上限（%d回）を超えました", d.cfg.MaxDeliveries))
		return
	}

	job, err := queue.JobFromMessage(m)
	if err != nil {
		d.deadLetter(ctx, m, err.Error())
		return
	}

	if err := d.Dispatch(ctx, job); err != nil {
		d.metrics.RecordDeliveries(metrics.DeliveryFailed, 1)
		d.logger.Error("メール送信に失敗しました",
			slog.String("job_id", job.ID),
			slog.String("email", job.Email),
			slog.Int64("deliveries", job.Deliveries),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := d.consumer.Ack(ctx, m.ID); err != nil {
		// 送信済みだがACKできなかったジョブは再送される（少なくとも1回の配信）
		d.logger.Error("配信ジョブのACKに失敗しました",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
	d.metrics.RecordDeliveries(metrics.DeliverySent, 1)
	d.logger.Info("メールを送信しました",
		slog.String("job_id", job.ID),
		slog.String("email", job.Email),
		slog.String("subject", job.Subject),
	)
}

func (d *Dispatcher) deadLetter(ctx context.Context, m queue.Message, reason string) {
	d.logger.Error("配信ジョブをデッドレターへ移します",
		slog.String("stream_id", m.ID),
		slog.String("email", m.Values[queue.FieldEmail]),
		slog.Int64("deliveries", m.Deliveries),
		slog.String("reason", reason),
	)
	if err := d.consumer.DeadLetter(ctx, d.cfg.DeadLetterStream, m, reason); err != nil {
		d.logger.Error("デッドレターへの移動に失敗しました",
			slog.String("stream_id", m.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	d.metrics.RecordDeliveries(metrics.DeliveryDeadLettered, 1)
}

// Start はコンテキストがキャンセルされるまでRunOnceを繰り返す。
// 処理対象が無い場合はidleだけ待機する。
func (d *Dispatcher) Start(ctx context.Context, idle time.Duration) error {
	if err := d.consumer.EnsureGroup(ctx); err != nil {
		return err
	}
	d.logger.Info("配信ワーカーを開始しました",
		slog.Float64("rate_per_sec", d.cfg.RatePerSec),
		slog.Int("concurrency", d.cfg.Concurrency),
	)

	for {
		n, err := d.RunOnce(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("配信ワーカーの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			d.logger.Info("配信ワーカーを停止しました")
			return nil
		case <-time.After(idle):
		}
	}
}
