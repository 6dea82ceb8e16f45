package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedrelay/internal/feed"
	"github.com/hitoshi/feedrelay/internal/message"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/queue"
	"github.com/hitoshi/feedrelay/internal/repository"
	"github.com/hitoshi/feedrelay/internal/security"
	"github.com/hitoshi/feedrelay/internal/summarize"
)

// コンパイル時にインターフェースの実装を検証する。
var (
	_ FeedSource                    = (*feed.Fetcher)(nil)
	_ FeedParser                    = (*feed.Parser)(nil)
	_ Summarizer                    = (*summarize.Summarizer)(nil)
	_ MessageBuilder                = (*message.Builder)(nil)
	_ Publisher                     = (*queue.TopicPublisher)(nil)
	_ repository.NoticeRepository   = (*memNotices)(nil)
	_ repository.SnapshotRepository = (*memNotices)(nil)
	_ CycleRunner                   = (*Pipeline)(nil)
)

const (
	feedURL = "https://feed.example.mil/rss?max=20"
	pollURL = "https://feed.example.mil/rss?max=1"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- フェイク定義 ---

type fakeSource struct {
	mu    sync.Mutex
	docs  map[string]string
	err   error
	calls map[string]int
}

func (f *fakeSource) Fetch(_ context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[url]++
	if f.err != nil {
		return nil, f.err
	}
	return []byte(f.docs[url]), nil
}

type memNotices struct {
	mu        sync.Mutex
	items     map[string]model.FeedItem
	snapshot  *model.FeedSnapshot
	recordErr error
	existsErr error
}

func newMemNotices() *memNotices {
	return &memNotices{items: map[string]model.FeedItem{}}
}

func (m *memNotices) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.existsErr != nil {
		return false, m.existsErr
	}
	_, ok := m.items[key]
	return ok, nil
}

func (m *memNotices) ExistsByPubDate(_ context.Context, pubDate string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range m.items {
		if it.PubDate == pubDate {
			return true, nil
		}
	}
	return false, nil
}

func (m *memNotices) Record(_ context.Context, item model.FeedItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	if _, ok := m.items[item.Key()]; !ok {
		m.items[item.Key()] = item
	}
	return nil
}

func (m *memNotices) SaveSnapshot(_ context.Context, s model.FeedSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshot = &s
	return nil
}

type fakeRetriever struct {
	errs  map[string]error
	calls []string
}

func (f *fakeRetriever) Retrieve(_ context.Context, link string) (string, error) {
	f.calls = append(f.calls, link)
	if err := f.errs[link]; err != nil {
		return "", err
	}
	return "<p>Body of " + link + "</p>", nil
}

type fakeSummarizer struct {
	out   string
	err   error
	calls int
}

func (f *fakeSummarizer) Summarize(context.Context, string) (string, error) {
	f.calls++
	return f.out, f.err
}

type fakePublisher struct {
	msgs []model.NotificationMessage
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, msg model.NotificationMessage) (queue.PublishResult, error) {
	if f.err != nil {
		return queue.PublishResult{}, f.err
	}
	f.msgs = append(f.msgs, msg)
	return queue.PublishResult{BroadcastID: fmt.Sprintf("b-%d", len(f.msgs))}, nil
}

// --- ヘルパー ---

func testItem(n int) model.FeedItem {
	return model.FeedItem{
		Title:       fmt.Sprintf("MARADMIN %03d/26 NOTICE %d", n, n),
		Link:        fmt.Sprintf("https://www.example.mil/Article/%d/", n),
		Description: fmt.Sprintf("DTG%03d Example notice %d", n, n),
		PubDate:     fmt.Sprintf("Mon, %02d Oct 2026 12:00:00 GMT", n),
	}
}

// rssFor はフィード順（新しい順）のRSS文書を生成する。
func rssFor(items ...model.FeedItem) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="utf-8"?><rss version="2.0"><channel><title>Notices</title>`)
	for _, it := range items {
		fmt.Fprintf(&b, `<item><title>%s</title><link>%s</link><description>&lt;p&gt;%s&lt;/p&gt;</description><pubDate>%s</pubDate></item>`,
			it.Title, it.Link, it.Description, it.PubDate)
	}
	b.WriteString(`</channel></rss>`)
	return b.String()
}

// newestFirst は番号の大きい順に項目を並べる。
func newestFirst(ns ...int) []model.FeedItem {
	items := make([]model.FeedItem, 0, len(ns))
	for i := len(ns) - 1; i >= 0; i-- {
		items = append(items, testItem(ns[i]))
	}
	return items
}

type harness struct {
	source     *fakeSource
	notices    *memNotices
	retriever  *fakeRetriever
	summarizer *fakeSummarizer
	publisher  *fakePublisher
	scraper    *Scraper
	poller     *Poller
	logs       *bytes.Buffer
}

func newHarness(t *testing.T, feedItems []model.FeedItem) *harness {
	t.Helper()
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	h := &harness{
		source: &fakeSource{docs: map[string]string{
			feedURL: rssFor(feedItems...),
			pollURL: rssFor(feedItems[:1]...),
		}},
		notices:    newMemNotices(),
		retriever:  &fakeRetriever{errs: map[string]error{}},
		summarizer: &fakeSummarizer{out: "<p>BLUF: test</p>"},
		publisher:  &fakePublisher{},
		logs:       &buf,
	}

	parser := feed.NewParser(logger, security.NewContentSanitizer())
	h.scraper = NewScraper(ScraperDeps{
		Source:     h.source,
		Parser:     parser,
		Notices:    h.notices,
		Retriever:  h.retriever,
		Summarizer: h.summarizer,
		Builder:    message.NewBuilder(nil, logger),
		Publisher:  h.publisher,
	}, feedURL, time.Second, logger, nil)
	h.poller = NewPoller(h.source, parser, h.notices, h.notices, pollURL, logger)
	return h
}

// --- テスト ---

func TestScraper_NewItemHappyPath(t *testing.T) {
	h := newHarness(t, newestFirst(1))

	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if res.New != 1 || res.Existing != 0 || res.Stopped {
		t.Errorf("Result = %+v, want New=1", res)
	}

	if len(h.publisher.msgs) != 1 {
		t.Fatalf("発行回数 = %d, want 1", len(h.publisher.msgs))
	}
	msg := h.publisher.msgs[0]
	if msg.Subject != "MARADMIN 001/26 NOTICE 1" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if !strings.HasPrefix(msg.FullPayload, "<p>BLUF: test</p>") {
		t.Errorf("本文の先頭に要約がありません: %q", msg.FullPayload)
	}
	data, _ := msg.Envelope().Marshal()
	if len(data) > model.MaxEnvelopeBytes {
		t.Errorf("封筒サイズ = %d, want <= %d", len(data), model.MaxEnvelopeBytes)
	}

	if ok, _ := h.notices.Exists(context.Background(), "DTG001 Example notice 1"); !ok {
		t.Error("重複排除レコードが書き込まれていません")
	}
}

func TestScraper_DuplicateItemIsLogOnly(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.notices.Record(context.Background(), testItem(1))

	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if res.Existing != 1 || res.New != 0 {
		t.Errorf("Result = %+v, want Existing=1", res)
	}
	if len(h.retriever.calls) != 0 {
		t.Errorf("本文取得が呼ばれました: %v", h.retriever.calls)
	}
	if len(h.publisher.msgs) != 0 {
		t.Errorf("発行が呼ばれました: %d回", len(h.publisher.msgs))
	}
	if !strings.Contains(h.logs.String(), `"msg":"EXISTING"`) {
		t.Error("EXISTINGログが出力されていません")
	}
}

func TestScraper_ReprocessingIsIdempotent(t *testing.T) {
	h := newHarness(t, newestFirst(1, 2))

	if _, err := h.scraper.Run(context.Background(), model.FeedSnapshot{}); err != nil {
		t.Fatalf("1回目: 予期しないエラー: %v", err)
	}
	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if err != nil {
		t.Fatalf("2回目: 予期しないエラー: %v", err)
	}
	if res.New != 0 || res.Existing != 2 {
		t.Errorf("2回目のResult = %+v, want Existing=2", res)
	}
	if len(h.publisher.msgs) != 2 {
		t.Errorf("発行回数 = %d, want 2", len(h.publisher.msgs))
	}
	if h.summarizer.calls != 2 {
		t.Errorf("要約回数 = %d, want 2", h.summarizer.calls)
	}
}

func TestScraper_BlockedItemStopsBatchAndLeavesNewerItems(t *testing.T) {
	h := newHarness(t, newestFirst(1, 2, 3, 4, 5))
	h.retriever.errs[testItem(3).Link] = model.Wrapf(model.ErrContentBlocked, "blocked")

	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if !errors.Is(err, model.ErrContentBlocked) {
		t.Fatalf("err = %v, want ErrContentBlocked", err)
	}
	if res.New != 2 || !res.Stopped {
		t.Errorf("Result = %+v, want New=2 Stopped=true", res)
	}

	ctx := context.Background()
	for _, n := range []int{1, 2} {
		if ok, _ := h.notices.Exists(ctx, testItem(n).Key()); !ok {
			t.Errorf("項目%dが記録されていません", n)
		}
	}
	for _, n := range []int{3, 4, 5} {
		if ok, _ := h.notices.Exists(ctx, testItem(n).Key()); ok {
			t.Errorf("項目%dが記録されています", n)
		}
	}
	if len(h.publisher.msgs) != 2 {
		t.Errorf("発行回数 = %d, want 2", len(h.publisher.msgs))
	}
	for _, link := range h.retriever.calls {
		if link == testItem(4).Link || link == testItem(5).Link {
			t.Errorf("打ち切り後の項目を取得しました: %s", link)
		}
	}

	// 次回の新着判定は引き続き新しい公開を検知する
	_, found, err := h.poller.Check(ctx)
	if err != nil {
		t.Fatalf("Check: 予期しないエラー: %v", err)
	}
	if !found {
		t.Error("打ち切り後の新着判定で新しい公開が検知されませんでした")
	}
}

func TestScraper_RecordedSnapshotSkipsFullFetch(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.notices.Record(context.Background(), testItem(1))

	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{LatestPubDate: testItem(1).PubDate})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if res.New != 0 || res.Existing != 0 {
		t.Errorf("Result = %+v, want zero", res)
	}
	if h.source.calls[feedURL] != 0 {
		t.Errorf("フィード全体の取得回数 = %d, want 0", h.source.calls[feedURL])
	}
}

func TestScraper_UnrecordedSnapshotScrapes(t *testing.T) {
	h := newHarness(t, newestFirst(1, 2))
	h.notices.Record(context.Background(), testItem(1))

	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{LatestPubDate: testItem(2).PubDate})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if res.New != 1 || res.Existing != 1 {
		t.Errorf("Result = %+v, want New=1 Existing=1", res)
	}
	if h.source.calls[feedURL] != 1 {
		t.Errorf("フィード全体の取得回数 = %d, want 1", h.source.calls[feedURL])
	}
}

func TestScraper_SummaryFailureUsesPlaceholder(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.summarizer.err = model.Wrapf(model.ErrSummarization, "overloaded")

	res, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if err != nil {
		t.Fatalf("要約失敗でパイプラインが中断しました: %v", err)
	}
	if res.New != 1 {
		t.Errorf("Result = %+v, want New=1", res)
	}
	if !strings.HasPrefix(h.publisher.msgs[0].FullPayload, summarize.Placeholder) {
		t.Errorf("プレースホルダーが使われていません: %q", h.publisher.msgs[0].FullPayload)
	}
}

func TestScraper_PublishFailureIsFatalAndNotRecorded(t *testing.T) {
	h := newHarness(t, newestFirst(1, 2))
	h.publisher.err = model.Wrapf(model.ErrPublish, "redis down")

	_, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if !errors.Is(err, model.ErrPublish) {
		t.Fatalf("err = %v, want ErrPublish", err)
	}
	if ok, _ := h.notices.Exists(context.Background(), testItem(1).Key()); ok {
		t.Error("発行に失敗した項目が記録されています")
	}
}

func TestScraper_RecordFailureIsPersistenceError(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.notices.recordErr = errors.New("connection refused")

	_, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("err = %v, want ErrPersistence", err)
	}
	if model.StatusFor(err) != 500 {
		t.Errorf("StatusFor = %d, want 500", model.StatusFor(err))
	}
}

func TestScraper_FeedThrottledIsDeferred(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.source.err = model.Wrapf(model.ErrThrottled, "403")

	_, err := h.scraper.Run(context.Background(), model.FeedSnapshot{})
	if !errors.Is(err, model.ErrThrottled) {
		t.Fatalf("err = %v, want ErrThrottled", err)
	}
	if model.StatusFor(err) != 200 {
		t.Errorf("StatusFor = %d, want 200", model.StatusFor(err))
	}
}

func TestPoller_NoNewPublication(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.notices.Record(context.Background(), testItem(1))

	snapshot, found, err := h.poller.Check(context.Background())
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if found {
		t.Error("記録済みの公開を新着と判定しました")
	}
	if snapshot.LatestPubDate != testItem(1).PubDate {
		t.Errorf("LatestPubDate = %q, want %q", snapshot.LatestPubDate, testItem(1).PubDate)
	}
	h.notices.mu.Lock()
	saved := h.notices.snapshot
	h.notices.mu.Unlock()
	if saved == nil || saved.LatestPubDate != testItem(1).PubDate {
		t.Errorf("スナップショットが保存されていません: %+v", saved)
	}
}

func TestPoller_FetchErrorPropagates(t *testing.T) {
	h := newHarness(t, newestFirst(1))
	h.source.err = model.Wrapf(model.ErrEmptyResponse, "empty")

	if _, _, err := h.poller.Check(context.Background()); !errors.Is(err, model.ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestPipeline_RunCycle(t *testing.T) {
	h := newHarness(t, newestFirst(1, 2))
	var buf bytes.Buffer
	p := NewPipeline(h.poller, h.scraper, newTestLogger(&buf))

	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("1回目: 予期しないエラー: %v", err)
	}
	if len(h.publisher.msgs) != 2 {
		t.Fatalf("発行回数 = %d, want 2", len(h.publisher.msgs))
	}

	// 2回目は新着なしでスクレイプ自体が走らない
	if err := p.RunCycle(context.Background()); err != nil {
		t.Fatalf("2回目: 予期しないエラー: %v", err)
	}
	if h.source.calls[feedURL] != 1 {
		t.Errorf("フィード全体の取得回数 = %d, want 1", h.source.calls[feedURL])
	}
}

type countingRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingRunner) RunCycle(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func TestScheduler_RunOnceLogsThrottledAsWarn(t *testing.T) {
	var buf bytes.Buffer
	s := NewScheduler(&countingRunner{err: model.Wrapf(model.ErrThrottled, "403")}, newTestLogger(&buf))

	s.RunOnce(context.Background())

	if !strings.Contains(buf.String(), `"level":"WARN"`) {
		t.Errorf("403はWARNで記録されるべきです: %s", buf.String())
	}
	if strings.Contains(buf.String(), `"level":"ERROR"`) {
		t.Error("403がERRORで記録されました")
	}
}

func TestScheduler_StartRunsImmediatelyAndStops(t *testing.T) {
	var buf bytes.Buffer
	runner := &countingRunner{}
	s := NewScheduler(runner, newTestLogger(&buf))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, 10*time.Millisecond)
		close(done)
	}()

	time.Sleep(55 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("キャンセル後にスケジューラが停止しませんでした")
	}

	runner.mu.Lock()
	defer runner.mu.Unlock()
	if runner.calls < 2 {
		t.Errorf("実行回数 = %d, want >= 2", runner.calls)
	}
}
