package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http/cookiejar"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/feedrelay/internal/config"
	"github.com/hitoshi/feedrelay/internal/database"
	"github.com/hitoshi/feedrelay/internal/feed"
	"github.com/hitoshi/feedrelay/internal/handler"
	"github.com/hitoshi/feedrelay/internal/mail"
	"github.com/hitoshi/feedrelay/internal/message"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/queue"
	"github.com/hitoshi/feedrelay/internal/repository"
	"github.com/hitoshi/feedrelay/internal/retrieve"
	"github.com/hitoshi/feedrelay/internal/security"
	"github.com/hitoshi/feedrelay/internal/summarize"
	"github.com/hitoshi/feedrelay/internal/worker/cleanup"
	"github.com/hitoshi/feedrelay/internal/worker/dispatch"
	"github.com/hitoshi/feedrelay/internal/worker/fanout"
	"github.com/hitoshi/feedrelay/internal/worker/ingest"
)

// consumerBlock はストリーム読み取り時の最大待機時間。
const consumerBlock = 5 * time.Second

// infra はプロセス内で共有する外部接続とメトリクス。
type infra struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Collector
}

// openInfra はDBとRedisに接続する。呼び出し側はcloseを必ず呼ぶこと。
func openInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*infra, error) {
	db, err := database.Connect(ctx, cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	logger.Info("database connection established")

	rdb, err := queue.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("redis connection established")

	registry := prometheus.NewRegistry()
	return &infra{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		redis:    rdb,
		registry: registry,
		metrics:  metrics.NewCollector(registry),
	}, nil
}

func (in *infra) close() {
	if err := in.redis.Close(); err != nil {
		in.logger.Warn("failed to close redis client", slog.String("error", err.Error()))
	}
	if err := in.db.Close(); err != nil {
		in.logger.Warn("failed to close database", slog.String("error", err.Error()))
	}
}

// healthChecks は/healthで確認する依存先を返す。
func (in *infra) healthChecks() map[string]handler.HealthCheck {
	return map[string]handler.HealthCheck{
		"database": in.db.PingContext,
		"redis":    func(ctx context.Context) error { return in.redis.Ping(ctx).Err() },
	}
}

// buildPipeline はポーリングからブロードキャスト発行までの依存関係を組み立てる。
func (in *infra) buildPipeline() (*ingest.Pipeline, error) {
	cfg := in.cfg

	fetcher, err := feed.NewFetcher(in.logger, in.metrics, cfg.FeedFetchTimeout, cfg.FeedFetchRetries)
	if err != nil {
		return nil, err
	}
	sanitizer := security.NewContentSanitizer()
	parser := feed.NewParser(in.logger, sanitizer)
	notices := repository.NewPostgresNoticeRepo(in.db)

	retriever, err := in.buildRetriever()
	if err != nil {
		return nil, err
	}

	prompt, err := summarize.LoadPromptConfig(cfg.SummarizerPromptFile)
	if err != nil {
		return nil, err
	}
	credentials := summarize.NewCredentialCache(cfg.HostedRuntime, cfg.SummarizerKeyFile, cfg.SummarizerAPIKey)
	summarizer := summarize.NewSummarizer(prompt, credentials, in.logger)

	builder := message.NewBuilder(sanitizer, in.logger)
	publisher := queue.NewTopicPublisher(in.redis, cfg.FanoutTopic, in.logger, in.metrics)

	poller := ingest.NewPoller(fetcher, parser, notices, notices, cfg.FeedPollURL, in.logger)
	scraper := ingest.NewScraper(ingest.ScraperDeps{
		Source:     fetcher,
		Parser:     parser,
		Notices:    notices,
		Retriever:  retriever,
		Summarizer: summarizer,
		Builder:    builder,
		Publisher:  publisher,
	}, cfg.FeedURL, cfg.SummarizerTimeout, in.logger, in.metrics)

	return ingest.NewPipeline(poller, scraper, in.logger), nil
}

// buildRetriever はHTTP取得とブラウザ描画の2段構成のRetrieverを組み立てる。
func (in *infra) buildRetriever() (*retrieve.Retriever, error) {
	cfg := in.cfg
	guard := security.NewLinkGuard()

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jarの作成に失敗しました: %w", err)
	}
	strategies := []retrieve.Strategy{
		retrieve.NewHTTPStrategy(guard.NewSafeClient(cfg.RetrieveTimeout, jar), cfg.RetrieveDelay, in.logger),
	}
	if cfg.BrowserEnabled {
		strategies = append(strategies,
			retrieve.NewBrowserStrategy(cfg.BrowserPath, cfg.BrowserSettle, cfg.BrowserTimeout, in.logger))
	}

	return retrieve.NewRetriever(in.logger, in.metrics, guard, retrieve.NewExtractor(in.logger), strategies...), nil
}

// buildExpander は購読者展開ワーカーを組み立てる。
func (in *infra) buildExpander() *fanout.Expander {
	cfg := in.cfg
	consumer := queue.NewConsumer(in.redis, queue.ConsumerConfig{
		Stream:     cfg.FanoutTopic,
		Group:      fanout.GroupName,
		Name:       consumerName(),
		Block:      consumerBlock,
		Visibility: cfg.QueueVisibilityTimeout,
	})
	jobs := queue.NewWorkQueue(in.redis, cfg.DeliveryQueue, queue.DefaultChunkSize)

	fanoutCfg := fanout.Config{
		PageSize:         cfg.SubscriberPageSize,
		DeadLetterStream: cfg.DeadLetterQueue,
		MaxDeliveries:    cfg.QueueMaxDeliveries,
	}
	if cfg.DeveloperMode {
		fanoutCfg.DeveloperEmail = cfg.DeveloperEmail
	}

	return fanout.NewExpander(consumer, repository.NewPostgresSubscriberRepo(in.db), jobs, fanoutCfg, in.logger, in.metrics)
}

// buildDispatcher はメール配信ワーカーを組み立てる。
func (in *infra) buildDispatcher() (*dispatch.Dispatcher, error) {
	cfg := in.cfg
	renderer, err := mail.NewRenderer()
	if err != nil {
		return nil, err
	}
	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.MailFrom,
		ReplyTo:  cfg.MailReplyTo,
		Timeout:  30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	consumer := queue.NewConsumer(in.redis, queue.ConsumerConfig{
		Stream:     cfg.DeliveryQueue,
		Group:      dispatch.GroupName,
		Name:       consumerName(),
		BatchSize:  int64(max(cfg.DispatchConcurrency, 1)) * 4,
		Block:      consumerBlock,
		Visibility: cfg.QueueVisibilityTimeout,
	})

	return dispatch.NewDispatcher(consumer, renderer, sender, dispatch.Config{
		RatePerSec:       cfg.MailRatePerSec,
		MaxDeliveries:    cfg.QueueMaxDeliveries,
		Concurrency:      cfg.DispatchConcurrency,
		DeadLetterStream: cfg.DeadLetterQueue,
	}, in.logger, in.metrics), nil
}

// buildCleanup はストリームの保持期間管理ジョブを組み立てる。
func (in *infra) buildCleanup() *cleanup.CleanupJob {
	cfg := in.cfg
	job := cleanup.NewCleanupJob(queue.NewTrimmer(in.redis), retentionStreams(cfg), in.logger)
	job.RetentionDays = cfg.RetentionDays
	return job
}

// retentionStreams は保持期間で切り詰めるストリームを返す。
// デッドレターは調査用に残すため対象外とする。
func retentionStreams(cfg *config.Config) []string {
	return []string{cfg.FanoutTopic, cfg.DeliveryQueue}
}

// consumerName はホスト名とランダムな接尾辞からコンシューマー名を作る。
// 同一ホストで複数プロセスを起動しても衝突しない。
func consumerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "feedrelay"
	}
	return host + "-" + uuid.NewString()[:8]
}
