package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

// Pipeline はポーリングとスクレイプを1サイクルとしてまとめる。
type Pipeline struct {
	poller  *Poller
	scraper *Scraper
	logger  *slog.Logger
}

// NewPipeline はPipelineを生成する。
func NewPipeline(poller *Poller, scraper *Scraper, logger *slog.Logger) *Pipeline {
	return &Pipeline{poller: poller, scraper: scraper, logger: logger}
}

// Poll は新着判定のみを行う。
func (p *Pipeline) Poll(ctx context.Context) (model.FeedSnapshot, bool, error) {
	return p.poller.Check(ctx)
}

// Scrape は新着判定の結果に関係なくスクレイプを行う。
func (p *Pipeline) Scrape(ctx context.Context, snapshot model.FeedSnapshot) (Result, error) {
	return p.scraper.Run(ctx, snapshot)
}

// RunCycle は新着判定を行い、新しい公開があればスクレイプする。
func (p *Pipeline) RunCycle(ctx context.Context) error {
	snapshot, found, err := p.poller.Check(ctx)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	_, err = p.scraper.Run(ctx, snapshot)
	return err
}

// CycleRunner は1サイクル分の処理を実行するインターフェース。
type CycleRunner interface {
	RunCycle(ctx context.Context) error
}

// Scheduler は一定間隔でパイプラインを起動する。
type Scheduler struct {
	pipeline CycleRunner
	logger   *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(pipeline CycleRunner, logger *slog.Logger) *Scheduler {
	return &Scheduler{pipeline: pipeline, logger: logger}
}

// Start はティッカーでサイクルを起動する。起動直後に1回実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("ポーリングスケジューラを開始しました",
		slog.Duration("interval", interval),
	)

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ポーリングスケジューラを停止しました")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は1サイクルを実行し、結果をログに記録する。
// 403による取得延期は次回サイクルに委ねるためWARNとする。
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()
	err := s.pipeline.RunCycle(ctx)

	switch {
	case err == nil:
		s.logger.Info("ポーリングサイクルが完了しました",
			slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
		)
	case errors.Is(err, model.ErrThrottled):
		s.logger.Warn("フィード取得がブロックされました。次回サイクルで再試行します",
			slog.String("error", err.Error()),
		)
	default:
		s.logger.Error("ポーリングサイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}
