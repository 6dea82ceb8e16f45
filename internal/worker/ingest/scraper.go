package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hitoshi/feedrelay/internal/feed"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/repository"
	"github.com/hitoshi/feedrelay/internal/summarize"
)

// Result は1回のスクレイプの集計。
type Result struct {
	New      int  // 発行・記録まで完了した件数
	Existing int  // 記録済みでスキップした件数
	Stopped  bool // 途中で打ち切ったか
}

// Scraper はフィード全体を取得し、未記録の項目を古い順に通知する。
type Scraper struct {
	source           FeedSource
	parser           FeedParser
	notices          repository.NoticeRepository
	retriever        ContentRetriever
	summarizer       Summarizer
	builder          MessageBuilder
	publisher        Publisher
	url              string
	summarizeTimeout time.Duration
	logger           *slog.Logger
	metrics          metrics.MetricsCollector
}

// ScraperDeps はScraperが依存する各段。
type ScraperDeps struct {
	Source     FeedSource
	Parser     FeedParser
	Notices    repository.NoticeRepository
	Retriever  ContentRetriever
	Summarizer Summarizer
	Builder    MessageBuilder
	Publisher  Publisher
}

// NewScraper はScraperを生成する。
func NewScraper(deps ScraperDeps, url string, summarizeTimeout time.Duration, logger *slog.Logger, m metrics.MetricsCollector) *Scraper {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Scraper{
		source:           deps.Source,
		parser:           deps.Parser,
		notices:          deps.Notices,
		retriever:        deps.Retriever,
		summarizer:       deps.Summarizer,
		builder:          deps.Builder,
		publisher:        deps.Publisher,
		url:              url,
		summarizeTimeout: summarizeTimeout,
		logger:           logger,
		metrics:          m,
	}
}

// Run はフィードを取得して未記録の項目を処理する。
// snapshotの公開日時がすでに記録済みであればフィード全体を取得せずに終わる。
// 本文取得が遮断された場合はそこで打ち切り、より新しい項目を次回サイクルに残す。
// 発行と記録の失敗は致命的として即座に返す。
func (s *Scraper) Run(ctx context.Context, snapshot model.FeedSnapshot) (Result, error) {
	var res Result

	if snapshot.LatestPubDate != "" {
		recorded, err := s.notices.ExistsByPubDate(ctx, snapshot.LatestPubDate)
		if err != nil {
			return res, model.Wrap(model.ErrPersistence, err)
		}
		if recorded {
			s.logger.Info("指定された公開日時は記録済みのため、スクレイプを省略します",
				slog.String("snapshot_pub_date", snapshot.LatestPubDate),
			)
			return res, nil
		}
	}

	raw, err := s.source.Fetch(ctx, s.url)
	if err != nil {
		return res, err
	}

	items, err := s.parser.Parse(raw)
	if err != nil {
		return res, err
	}

	s.logger.Info("スクレイプを開始します",
		slog.Int("item_count", len(items)),
		slog.String("snapshot_pub_date", snapshot.LatestPubDate),
	)

	for _, item := range feed.OldestFirst(items) {
		if err := ctx.Err(); err != nil {
			res.Stopped = true
			return res, err
		}

		processed, err := s.processItem(ctx, item)
		if err != nil {
			res.Stopped = true
			if errors.Is(err, model.ErrContentBlocked) {
				s.logger.Warn("本文を取得できないため、残りの項目は次回サイクルで処理します",
					slog.String("description", item.Key()),
					slog.String("link", item.Link),
					slog.String("error", err.Error()),
				)
			}
			return res, err
		}
		if processed {
			res.New++
		} else {
			res.Existing++
		}
	}

	s.logger.Info("スクレイプが完了しました",
		slog.Int("new", res.New),
		slog.Int("existing", res.Existing),
	)
	return res, nil
}

// processItem は1項目を処理する。記録済みならfalseを返す。
func (s *Scraper) processItem(ctx context.Context, item model.FeedItem) (bool, error) {
	start := time.Now()
	key := item.Key()

	exists, err := s.notices.Exists(ctx, key)
	if err != nil {
		return false, model.Wrap(model.ErrPersistence, err)
	}
	if exists {
		s.metrics.RecordItem(metrics.ItemExisting)
		s.logger.Info("EXISTING", slog.String("description", key))
		return false, nil
	}

	s.logger.Info("NEW",
		slog.String("description", key),
		slog.String("link", item.Link),
	)

	body, err := s.retriever.Retrieve(ctx, item.Link)
	if err != nil {
		return false, err
	}

	article := model.EnrichedArticle{
		Item:     item,
		Summary:  s.summarize(ctx, item, body),
		BodyHTML: body,
	}

	msg, err := s.builder.Build(article)
	if err != nil {
		return false, err
	}

	published, err := s.publisher.Publish(ctx, msg)
	if err != nil {
		s.logger.Error("ブロードキャストの発行に失敗しました",
			slog.String("link", item.Link),
			slog.String("error", err.Error()),
		)
		return false, err
	}

	if err := s.notices.Record(ctx, item); err != nil {
		s.logger.Error("重複排除レコードの保存に失敗しました",
			slog.String("link", item.Link),
			slog.String("broadcast_id", published.BroadcastID),
			slog.String("error", err.Error()),
		)
		return false, model.Wrap(model.ErrPersistence, err)
	}

	s.metrics.RecordItem(metrics.ItemNew)
	s.metrics.RecordItemLatency(time.Since(start))
	s.logger.Info("新着を通知しました",
		slog.String("description", key),
		slog.String("subject", msg.Subject),
		slog.String("broadcast_id", published.BroadcastID),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return true, nil
}

// summarize は要約を生成する。失敗時はプレースホルダーで代替し、処理を止めない。
func (s *Scraper) summarize(ctx context.Context, item model.FeedItem, body string) string {
	if s.summarizeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.summarizeTimeout)
		defer cancel()
	}

	summary, err := s.summarizer.Summarize(ctx, body)
	if err != nil {
		s.metrics.RecordSummary(false)
		s.logger.Error("要約の生成に失敗しました。プレースホルダーを使用します",
			slog.String("link", item.Link),
			slog.String("error", err.Error()),
		)
		return summarize.Placeholder
	}
	s.metrics.RecordSummary(true)
	return summary
}
