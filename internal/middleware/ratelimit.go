package middleware

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"golang.org/x/time/rate"
)

// DefaultTriggerRate は起動エンドポイント全体のデフォルトレート（1回/分）。
const DefaultTriggerRate = rate.Limit(1.0 / 60.0)

// NewTriggerRateLimitMiddleware は起動エンドポイント全体で共有するレート制限ミドルウェアを返す。
// 外部スケジューラの多重起動でフィード取得元へ負荷をかけないようにする。
func NewTriggerRateLimitMiddleware(limit rate.Limit, burst int, logger *slog.Logger) func(next http.Handler) http.Handler {
	limiter := rate.NewLimiter(limit, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("rate limit exceeded",
					slog.String("path", r.URL.Path),
				)
				writeRateLimitResponse(w, limit)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeRateLimitResponse(w http.ResponseWriter, r rate.Limit) {
	// Retry-Afterの算出: 1トークンが補充されるまでの秒数
	retryAfterSec := 1
	if r > 0 && r != rate.Inf {
		retryAfterSec = max(int(math.Ceil(1.0/float64(r))), 1)
	}

	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSec))
	WriteStatus(w, http.StatusTooManyRequests, StatusBody{
		Status:  "error",
		Code:    "rate_limit_exceeded",
		Message: "Too many requests. Please try again later.",
	})
}
