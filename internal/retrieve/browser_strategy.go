package retrieve

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/hitoshi/feedrelay/internal/feed"
)

// webdriverMask はnavigator.webdriverを隠すスクリプト。
const webdriverMask = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`

// renderFunc はリンク先を描画して文書全体のHTMLを返す。
type renderFunc func(ctx context.Context, link string) (string, error)

// BrowserStrategy はヘッドレスブラウザで描画した文書を取得する第2ティア。
// 呼び出しごとにブラウザを起動し、終了時に破棄する。
type BrowserStrategy struct {
	execPath string
	settle   time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	render   renderFunc
}

// NewBrowserStrategy はBrowserStrategyを生成する。execPathが空の場合はPATHから探索する。
func NewBrowserStrategy(execPath string, settle, timeout time.Duration, logger *slog.Logger) *BrowserStrategy {
	s := &BrowserStrategy{
		execPath: execPath,
		settle:   settle,
		timeout:  timeout,
		logger:   logger,
	}
	s.render = s.renderChrome
	return s
}

// Name はティア名を返す。
func (s *BrowserStrategy) Name() string { return "browser" }

// Fetch はヘッドレスブラウザでリンク先を描画し、文書全体を返す。
func (s *BrowserStrategy) Fetch(ctx context.Context, link string) Result {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	s.logger.Debug("ヘッドレスブラウザで本文を取得します", slog.String("link", link))

	doc, err := s.render(ctx, link)
	if err != nil {
		return Result{Outcome: TransportError, Err: fmt.Errorf("ブラウザ描画に失敗: %w", err)}
	}
	if isBlockPage(doc) {
		return Result{Outcome: Blocked, Err: fmt.Errorf("遮断ページを受信しました")}
	}
	return Result{Outcome: Success, Body: doc}
}

func (s *BrowserStrategy) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", "new"),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.NoSandbox,
		chromedp.UserAgent(feed.BrowserUserAgent),
	)
	if s.execPath != "" {
		opts = append(opts, chromedp.ExecPath(s.execPath))
	}
	return opts
}

func (s *BrowserStrategy) renderChrome(ctx context.Context, link string) (string, error) {
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, s.allocatorOptions()...)
	defer cancelAlloc()

	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(browserCtx,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(webdriverMask).Do(ctx)
			return err
		}),
		chromedp.Navigate(link),
		chromedp.Sleep(s.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", err
	}
	return html, nil
}
