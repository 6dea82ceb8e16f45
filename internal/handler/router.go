package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedrelay/internal/middleware"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ヘルスチェック対象（名前→疎通確認）
	HealthChecks map[string]HealthCheck

	// Prometheusスクレイプ用ハンドラー。nilの場合は/metricsを公開しない。
	Metrics http.Handler

	// 起動エンドポイント。nilの場合は/internal/*を公開しない。
	Pipeline      PipelineInterface
	InternalToken string
	TriggerRate   rate.Limit
	TriggerBurst  int
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → (/internal/* のみ) InternalToken → TriggerRateLimit
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	// --- 認証不要のルート ---
	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthChecks, deps.Logger))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	if deps.Pipeline == nil {
		return r
	}

	// --- 内部トークンが必要なルート ---
	triggerRate := deps.TriggerRate
	if triggerRate == 0 {
		triggerRate = middleware.DefaultTriggerRate
	}
	triggerBurst := max(deps.TriggerBurst, 1)

	triggers := NewTriggerHandler(deps.Pipeline, deps.Logger)
	r.Route("/internal", func(r chi.Router) {
		r.Use(middleware.NewInternalTokenMiddleware(deps.InternalToken, deps.Logger))
		r.Use(middleware.NewTriggerRateLimitMiddleware(triggerRate, triggerBurst, deps.Logger))

		r.Post("/poll", triggers.Poll)
		r.Post("/scrape", triggers.Scrape)
	})

	return r
}
