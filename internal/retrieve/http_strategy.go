package retrieve

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/feedrelay/internal/feed"
)

// maxPageSize は記事ページの最大読み取りサイズ（10MB）。
const maxPageSize = 10 * 1024 * 1024

// HTTPStrategy はブラウザ相当のヘッダーで通常のGETを行う第1ティア。
// 連続アクセスによるレート制限を避けるため、リクエスト前に固定の待機を入れる。
type HTTPStrategy struct {
	client *http.Client
	delay  time.Duration
	logger *slog.Logger
}

// NewHTTPStrategy はHTTPStrategyを生成する。
func NewHTTPStrategy(client *http.Client, delay time.Duration, logger *slog.Logger) *HTTPStrategy {
	return &HTTPStrategy{client: client, delay: delay, logger: logger}
}

// Name はティア名を返す。
func (s *HTTPStrategy) Name() string { return "http" }

// Fetch はリンク先をHTTPで取得する。
func (s *HTTPStrategy) Fetch(ctx context.Context, link string) Result {
	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{Outcome: TransportError, Err: ctx.Err()}
		case <-timer.C:
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return Result{Outcome: TransportError, Err: fmt.Errorf("リクエスト作成に失敗: %w", err)}
	}
	feed.SetBrowserHeaders(req, "")

	s.logger.Debug("HTTPで本文を取得します", slog.String("link", link))

	resp, err := s.client.Do(req)
	if err != nil {
		return Result{Outcome: TransportError, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return Result{Outcome: Blocked, Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Outcome: TransportError, Err: fmt.Errorf("HTTPステータス %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return Result{Outcome: TransportError, Err: fmt.Errorf("レスポンス読み取りに失敗: %w", err)}
	}

	doc := string(body)
	if isBlockPage(doc) {
		return Result{Outcome: Blocked, Err: fmt.Errorf("遮断ページを受信しました")}
	}
	return Result{Outcome: Success, Body: doc}
}
