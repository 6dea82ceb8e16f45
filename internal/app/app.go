package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hitoshi/feedrelay/internal/config"
	"github.com/hitoshi/feedrelay/internal/database"
	"github.com/hitoshi/feedrelay/internal/handler"
	"github.com/hitoshi/feedrelay/internal/logger"
	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/worker/ingest"
)

// workerIdle はキューが空のときにワーカーが次の読み取りまで待つ時間。
const workerIdle = time.Second

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run は指定されたサブコマンドを実行する。
// SIGINTまたはSIGTERMを受信するとctxをキャンセルし、各モードをグレースフルに停止する。
func Run(ctx context.Context, w io.Writer, cmd Command) error {
	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("developer_mode", cfg.DeveloperMode),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	case CommandServe, CommandWorker, CommandPoll, CommandScrape, CommandExpand, CommandDispatch:
	default:
		return fmt.Errorf("unknown command: %q", cmd)
	}

	in, err := openInfra(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer in.close()

	switch cmd {
	case CommandServe:
		return runServe(ctx, in)
	case CommandWorker:
		return runWorker(ctx, in)
	case CommandPoll, CommandScrape:
		return runTrigger(ctx, in, cmd)
	case CommandExpand:
		return runExpand(ctx, in)
	default:
		return runDispatch(ctx, in)
	}
}

// runServe は起動エンドポイントを持つHTTPサーバーを起動する。
func runServe(ctx context.Context, in *infra) error {
	pipeline, err := in.buildPipeline()
	if err != nil {
		return err
	}

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:        in.logger,
		HealthChecks:  in.healthChecks(),
		Metrics:       metrics.Handler(in.registry),
		Pipeline:      pipeline,
		InternalToken: in.cfg.InternalToken,
	})
	if in.cfg.InternalToken == "" {
		in.logger.Warn("INTERNAL_TOKEN is not set; /internal endpoints will reject all requests")
	}

	return serveHTTP(ctx, in.logger, in.cfg.ServerPort, router)
}

// runWorker はポーリングスケジューラ・展開・配信・クリーンアップを同一プロセスで起動する。
// /healthと/metricsも公開する。
func runWorker(ctx context.Context, in *infra) error {
	pipeline, err := in.buildPipeline()
	if err != nil {
		return err
	}
	dispatcher, err := in.buildDispatcher()
	if err != nil {
		return err
	}
	expander := in.buildExpander()
	cleanupJob := in.buildCleanup()
	scheduler := ingest.NewScheduler(pipeline, in.logger)

	in.logger.Info("worker starting",
		slog.Duration("poll_interval", in.cfg.PollInterval),
		slog.Int("dispatch_concurrency", in.cfg.DispatchConcurrency),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		scheduler.Start(ctx, in.cfg.PollInterval)
		return nil
	})
	g.Go(func() error { return expander.Start(ctx, workerIdle) })
	g.Go(func() error { return dispatcher.Start(ctx, workerIdle) })
	g.Go(func() error {
		// クリーンアップジョブを日次でバックグラウンド実行
		cleanupJob.Start(ctx, 24*time.Hour)
		return nil
	})
	g.Go(func() error { return serveHTTP(ctx, in.logger, in.cfg.ServerPort, in.opsRouter()) })

	err = g.Wait()
	in.logger.Info("worker stopped gracefully")
	return err
}

// runTrigger はpollまたはscrapeを1回だけ実行する。
// 403による取得延期は成功として終了し、それ以外の失敗はエラーを返す。
func runTrigger(ctx context.Context, in *infra, cmd Command) error {
	pipeline, err := in.buildPipeline()
	if err != nil {
		return err
	}

	var res ingest.Result
	if cmd == CommandPoll {
		err = pipeline.RunCycle(ctx)
	} else {
		res, err = pipeline.Scrape(ctx, model.FeedSnapshot{})
	}

	if model.StatusFor(err) != http.StatusOK {
		return err
	}
	if err != nil {
		in.logger.Warn("フィード取得がブロックされたため次回サイクルに委ねます",
			slog.String("error", err.Error()),
		)
		return nil
	}
	in.logger.Info("trigger completed",
		slog.String("command", string(cmd)),
		slog.Int("new", res.New),
		slog.Int("existing", res.Existing),
	)
	return nil
}

// runExpand は購読者展開ワーカーのみを起動する。
func runExpand(ctx context.Context, in *infra) error {
	expander := in.buildExpander()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return expander.Start(ctx, workerIdle) })
	g.Go(func() error { return serveHTTP(ctx, in.logger, in.cfg.ServerPort, in.opsRouter()) })
	return g.Wait()
}

// runDispatch はメール配信ワーカーのみを起動する。
// 配信の並列度はプロセス数で水平に増やす。
func runDispatch(ctx context.Context, in *infra) error {
	dispatcher, err := in.buildDispatcher()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Start(ctx, workerIdle) })
	g.Go(func() error { return serveHTTP(ctx, in.logger, in.cfg.ServerPort, in.opsRouter()) })
	return g.Wait()
}

// opsRouter は/healthと/metricsのみを公開するルーターを返す。
func (in *infra) opsRouter() http.Handler {
	return handler.NewRouter(&handler.RouterDeps{
		Logger:       in.logger,
		HealthChecks: in.healthChecks(),
		Metrics:      metrics.Handler(in.registry),
	})
}

// serveHTTP はctxがキャンセルされるまでHTTPサーバーを動かし、その後グレースフルに停止する。
func serveHTTP(ctx context.Context, logger *slog.Logger, port string, h http.Handler) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // 起動エンドポイントはスクレイプ完了まで応答しない
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info("HTTP server stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
