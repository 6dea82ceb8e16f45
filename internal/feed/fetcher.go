// Package feed は外部フィードの取得と解析を提供する。
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

// maxFeedBodySize はフィード本文の最大読み取りサイズ（10MB）。
const maxFeedBodySize = 10 * 1024 * 1024

// Fetcher はフィード文書をブラウザ相当のリクエストで取得する。
// 403はブロックとみなして再試行せず、通信エラーと一時的な失敗のみ即時再試行する。
type Fetcher struct {
	client  *http.Client
	logger  *slog.Logger
	metrics metrics.MetricsCollector
	retries int
	timeout time.Duration
}

// NewFetcher はFetcherを生成する。
// Cookieはpublicsuffixに基づくjarで保持し、再試行間でブラウザと同様のセッションを維持する。
func NewFetcher(logger *slog.Logger, m metrics.MetricsCollector, timeout time.Duration, retries int) (*Fetcher, error) {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("cookie jarの作成に失敗しました: %w", err)
	}
	client := &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}
	return NewFetcherWithClient(client, logger, m, timeout, retries), nil
}

// NewFetcherWithClient は任意のHTTPクライアントでFetcherを生成する。
func NewFetcherWithClient(client *http.Client, logger *slog.Logger, m metrics.MetricsCollector, timeout time.Duration, retries int) *Fetcher {
	if m == nil {
		m = metrics.Nop{}
	}
	if retries < 0 {
		retries = 0
	}
	return &Fetcher{
		client:  client,
		logger:  logger,
		metrics: m,
		retries: retries,
		timeout: timeout,
	}
}

// Fetch はフィード文書を取得する。
//   - 403: model.ErrThrottled（再試行しない）
//   - 通信エラー、429、5xx: 最大retries回まで即時再試行し、尽きたらmodel.ErrConnectivity
//   - 200で本文が空: model.ErrEmptyResponse
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	defer func() {
		f.metrics.RecordFetchLatency(time.Since(start))
	}()

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			f.logger.Warn("フィード取得を再試行します",
				slog.String("url", url),
				slog.Int("attempt", attempt+1),
				slog.String("error", lastErr.Error()),
			)
		}

		body, err := f.fetchOnce(ctx, url)
		if err == nil {
			f.metrics.RecordFeedFetch(metrics.FetchOK)
			return body, nil
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			break
		}
	}

	switch {
	case errors.Is(lastErr, model.ErrThrottled):
		f.metrics.RecordFeedFetch(metrics.FetchThrottled)
	case errors.Is(lastErr, model.ErrEmptyResponse):
		f.metrics.RecordFeedFetch(metrics.FetchEmpty)
	default:
		f.metrics.RecordFeedFetch(metrics.FetchConnectivity)
	}
	return nil, lastErr
}

// fetchOnce は1回分のHTTP取得を行う。再試行可能な失敗はErrConnectivityで返す。
func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.Wrap(model.ErrConnectivity, fmt.Errorf("リクエスト作成に失敗: %w", err))
	}
	SetBrowserHeaders(req, DefaultReferer)

	f.logger.Debug("フィードを取得します", slog.String("url", url))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, model.Wrap(model.ErrConnectivity, err)
	}
	defer resp.Body.Close()

	f.metrics.RecordHTTPStatus(resp.StatusCode)
	f.logCacheHeaders(url, resp)

	switch ClassifyHTTPStatus(resp.StatusCode) {
	case FetchResultOK:
	case FetchResultThrottled:
		f.logger.Warn("フィード取得が403でブロックされました。次回サイクルに委ねます",
			slog.String("url", url),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.Wrapf(model.ErrThrottled, "HTTPステータス %d", resp.StatusCode)
	case FetchResultRetry:
		return nil, model.Wrapf(model.ErrConnectivity, "一時的なHTTPステータス %d", resp.StatusCode)
	default:
		// 再試行しても結果は変わらないため回復不能として返す
		return nil, &model.PipelineError{
			Code:        model.ErrCodeConnectivity,
			Message:     fmt.Sprintf("予期しないHTTPステータス %d", resp.StatusCode),
			Recoverable: false,
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBodySize))
	if err != nil {
		return nil, model.Wrap(model.ErrConnectivity, fmt.Errorf("レスポンス読み取りに失敗: %w", err))
	}
	if len(body) == 0 {
		f.logger.Error("フィードのレスポンスボディが空です",
			slog.String("url", url),
			slog.Int("http_status", resp.StatusCode),
		)
		return nil, model.ErrEmptyResponse
	}

	return body, nil
}

// retryable は即時再試行の対象となる失敗かを返す。
func retryable(err error) bool {
	return errors.Is(err, model.ErrConnectivity) && model.IsRecoverable(err)
}

// logCacheHeaders はキャッシュ関連のレスポンスヘッダーをDEBUGで記録する。
func (f *Fetcher) logCacheHeaders(url string, resp *http.Response) {
	attrs := []any{slog.String("url", url), slog.Int("http_status", resp.StatusCode)}
	for _, h := range cacheHeaders {
		if v := resp.Header.Get(h); v != "" {
			attrs = append(attrs, slog.String(h, v))
		}
	}
	f.logger.Debug("フィードのレスポンスヘッダー", attrs...)
}
