package retrieve

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/feedrelay/internal/model"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// コンパイル時にインターフェースの実装を検証する。
var (
	_ Strategy = (*HTTPStrategy)(nil)
	_ Strategy = (*BrowserStrategy)(nil)
	_ Strategy = (*fakeStrategy)(nil)
)

type fakeStrategy struct {
	name   string
	result Result
	calls  int
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Fetch(_ context.Context, _ string) Result {
	f.calls++
	return f.result
}

type fakeValidator struct {
	err error
}

func (f fakeValidator) ValidateLink(string) error { return f.err }

const articleDoc = `<html><body><div class="header">nav</div>` +
	`<div class="body-text"><p>R 101200Z OCT 26</p><p>See https:(slash)(slash)example.mil</p></div>` +
	`<div class="footer">foot</div></body></html>`

func TestRetriever_FirstTierSuccess(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	tier1 := &fakeStrategy{name: "http", result: Result{Outcome: Success, Body: articleDoc}}
	tier2 := &fakeStrategy{name: "browser", result: Result{Outcome: Success, Body: "unused"}}

	r := NewRetriever(logger, nil, nil, NewExtractor(logger), tier1, tier2)
	body, err := r.Retrieve(context.Background(), "https://example.mil/a")
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	want := `<p>R 101200Z OCT 26</p><p>See https://example.mil</p>`
	if body != want {
		t.Errorf("body = %q, want %q", body, want)
	}
	if tier2.calls != 0 {
		t.Errorf("第1ティア成功時に第2ティアが呼ばれました（%d回）", tier2.calls)
	}
}

func TestRetriever_BlockedFallsBackToNextTier(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	tier1 := &fakeStrategy{name: "http", result: Result{Outcome: Blocked, Err: errors.New("403")}}
	tier2 := &fakeStrategy{name: "browser", result: Result{Outcome: Success, Body: articleDoc}}

	r := NewRetriever(logger, nil, nil, NewExtractor(logger), tier1, tier2)
	if _, err := r.Retrieve(context.Background(), "https://example.mil/a"); err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if tier2.calls != 1 {
		t.Errorf("第2ティアの呼び出し回数 = %d, want 1", tier2.calls)
	}
	if !strings.Contains(buf.String(), "遮断") {
		t.Error("遮断時のWARNログが出力されていません")
	}
}

func TestRetriever_AllTiersBlocked_ReturnsContentBlocked(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	tier1 := &fakeStrategy{name: "http", result: Result{Outcome: Blocked, Err: errors.New("403")}}
	tier2 := &fakeStrategy{name: "browser", result: Result{Outcome: TransportError, Err: errors.New("crashed")}}

	r := NewRetriever(logger, nil, nil, NewExtractor(logger), tier1, tier2)
	_, err := r.Retrieve(context.Background(), "https://example.mil/a")
	if !errors.Is(err, model.ErrContentBlocked) {
		t.Fatalf("err = %v, want ErrContentBlocked", err)
	}
	if model.IsRecoverable(err) {
		t.Error("ErrContentBlockedは回復可能として扱われるべきではありません")
	}
}

func TestRetriever_OnlyTransportErrors_ReturnsConnectivity(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	tier1 := &fakeStrategy{name: "http", result: Result{Outcome: TransportError, Err: errors.New("reset")}}
	tier2 := &fakeStrategy{name: "browser", result: Result{Outcome: TransportError, Err: errors.New("timeout")}}

	r := NewRetriever(logger, nil, nil, NewExtractor(logger), tier1, tier2)
	_, err := r.Retrieve(context.Background(), "https://example.mil/a")
	if !errors.Is(err, model.ErrConnectivity) {
		t.Fatalf("err = %v, want ErrConnectivity", err)
	}
	if !strings.Contains(err.Error(), "reset") || !strings.Contains(err.Error(), "timeout") {
		t.Errorf("全ティアの原因がエラーに含まれていません: %v", err)
	}
}

func TestRetriever_InvalidLink_ReturnsContentBlocked(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)
	tier1 := &fakeStrategy{name: "http", result: Result{Outcome: Success, Body: articleDoc}}

	r := NewRetriever(logger, nil, fakeValidator{err: errors.New("private address")}, NewExtractor(logger), tier1)
	_, err := r.Retrieve(context.Background(), "http://127.0.0.1/")
	if !errors.Is(err, model.ErrContentBlocked) {
		t.Fatalf("err = %v, want ErrContentBlocked", err)
	}
	if tier1.calls != 0 {
		t.Error("検証失敗時にティアが呼ばれました")
	}
}

func TestHTTPStrategy_Success(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(articleDoc))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	s := NewHTTPStrategy(srv.Client(), 0, newTestLogger(&buf))
	res := s.Fetch(context.Background(), srv.URL)
	if res.Outcome != Success {
		t.Fatalf("Outcome = %v, want success (err=%v)", res.Outcome, res.Err)
	}
	if res.Body != articleDoc {
		t.Errorf("Body = %q", res.Body)
	}
	if gotUA == "" || strings.Contains(gotUA, "Go-http-client") {
		t.Errorf("ブラウザ相当のUser-Agentが設定されていません: %q", gotUA)
	}
}

func TestHTTPStrategy_Forbidden_IsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	res := NewHTTPStrategy(srv.Client(), 0, newTestLogger(&buf)).Fetch(context.Background(), srv.URL)
	if res.Outcome != Blocked {
		t.Errorf("Outcome = %v, want blocked", res.Outcome)
	}
}

func TestHTTPStrategy_AccessDeniedPage_IsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html><h1>Access Denied</h1></html>"))
	}))
	defer srv.Close()

	var buf bytes.Buffer
	res := NewHTTPStrategy(srv.Client(), 0, newTestLogger(&buf)).Fetch(context.Background(), srv.URL)
	if res.Outcome != Blocked {
		t.Errorf("Outcome = %v, want blocked", res.Outcome)
	}
}

func TestHTTPStrategy_ServerError_IsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	res := NewHTTPStrategy(srv.Client(), 0, newTestLogger(&buf)).Fetch(context.Background(), srv.URL)
	if res.Outcome != TransportError {
		t.Errorf("Outcome = %v, want transport_error", res.Outcome)
	}
}

func TestHTTPStrategy_DelayHonorsContextCancel(t *testing.T) {
	var buf bytes.Buffer
	s := NewHTTPStrategy(http.DefaultClient, time.Hour, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	res := s.Fetch(ctx, "http://example.invalid/")
	if res.Outcome != TransportError || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Outcome = %v err = %v, want transport_error / context.Canceled", res.Outcome, res.Err)
	}
	if time.Since(start) > time.Second {
		t.Error("キャンセル済みコンテキストで待機が打ち切られませんでした")
	}
}

func TestBrowserStrategy_ClassifiesRenderedDocument(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		err  error
		want Outcome
	}{
		{name: "rendered", doc: articleDoc, want: Success},
		{name: "block page", doc: "<title>Access Denied</title>", want: Blocked},
		{name: "browser failure", err: errors.New("chrome not found"), want: TransportError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			s := NewBrowserStrategy("", 0, time.Second, newTestLogger(&buf))
			s.render = func(ctx context.Context, link string) (string, error) {
				if _, ok := ctx.Deadline(); !ok {
					t.Error("描画コンテキストにタイムアウトが設定されていません")
				}
				return tt.doc, tt.err
			}
			if got := s.Fetch(context.Background(), "https://example.mil/a").Outcome; got != tt.want {
				t.Errorf("Outcome = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBrowserStrategy_AllocatorOptionsIncludeExecPath(t *testing.T) {
	var buf bytes.Buffer
	withPath := NewBrowserStrategy("/usr/bin/chromium", 0, 0, newTestLogger(&buf))
	withoutPath := NewBrowserStrategy("", 0, 0, newTestLogger(&buf))

	if len(withPath.allocatorOptions()) != len(withoutPath.allocatorOptions())+1 {
		t.Error("ExecPath指定時にオプションが追加されていません")
	}
}

func TestExtractor_FallsBackToReadability(t *testing.T) {
	var buf bytes.Buffer
	e := NewExtractor(newTestLogger(&buf))

	doc := `<html><head><title>Notice</title></head><body><article>` +
		strings.Repeat("<p>This administrative message announces the annual training requirement for all units and describes the reporting procedure in detail.</p>", 5) +
		`</article></body></html>`

	got := e.Extract("https://example.mil/a", doc)
	if !strings.Contains(got, "annual training requirement") {
		t.Errorf("可読性抽出の結果に本文が含まれていません: %q", got)
	}
	if !strings.Contains(buf.String(), "本文マーカーが見つかりません") {
		t.Error("フォールバック時のWARNログが出力されていません")
	}
}

func TestExtractor_UnterminatedMarkerReturnsRest(t *testing.T) {
	var buf bytes.Buffer
	e := NewExtractor(newTestLogger(&buf))

	got := e.Extract("https://example.mil/a", `<div class="body-text"> tail text`)
	if got != "tail text" {
		t.Errorf("got %q, want %q", got, "tail text")
	}
}
