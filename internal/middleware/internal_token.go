package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// NewInternalTokenMiddleware は Authorization: Bearer <token> を検証するミドルウェアを返す。
// tokenが空の場合はすべてのリクエストを拒否する。
func NewInternalTokenMiddleware(token string, logger *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				logger.Warn("内部トークンの検証に失敗しました",
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", r.RemoteAddr),
				)
				WriteStatus(w, http.StatusUnauthorized, StatusBody{
					Status:  "error",
					Code:    "UNAUTHORIZED",
					Message: "認証に失敗しました。",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
