package message

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/security"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

const testLink = "https://www.example.mil/News/Messages/Article/4001/"

func serializedSize(t *testing.T, msg model.NotificationMessage) int {
	t.Helper()
	data, err := msg.Envelope().Marshal()
	if err != nil {
		t.Fatalf("シリアライズに失敗: %v", err)
	}
	return len(data)
}

func article(title, link, summary, body string) model.EnrichedArticle {
	return model.EnrichedArticle{
		Item:     model.FeedItem{Title: title, Link: link},
		Summary:  summary,
		BodyHTML: body,
	}
}

func TestBuild_SmallMessageUnchanged(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(nil, newTestLogger(&buf))

	msg, err := b.Build(article("MARADMIN 001/26 TEST", testLink, "<p>BLUF: test</p>", "<p>body</p>"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if msg.Subject != "MARADMIN 001/26 TEST" {
		t.Errorf("Subject = %q", msg.Subject)
	}
	if msg.FullPayload != "<p>BLUF: test</p><p>body</p>" {
		t.Errorf("FullPayload = %q", msg.FullPayload)
	}
	if msg.ShortPayload != "MARADMIN 001/26 TEST "+testLink {
		t.Errorf("ShortPayload = %q", msg.ShortPayload)
	}
}

func TestBuild_OversizedArticleIsTruncatedWithFooter(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(nil, newTestLogger(&buf))

	summary := "<p>BLUF: test</p>"
	body := strings.Repeat("a", 300000-len(summary))

	msg, err := b.Build(article("Oversized notice", testLink, summary, body))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if size := serializedSize(t, msg); size > model.MaxEnvelopeBytes {
		t.Errorf("封筒サイズ = %d, want <= %d", size, model.MaxEnvelopeBytes)
	}
	if !strings.HasSuffix(msg.FullPayload, Footer(testLink)) {
		t.Errorf("本文がフッターで終わっていません: ...%q", msg.FullPayload[len(msg.FullPayload)-120:])
	}
	if !strings.Contains(msg.FullPayload, "Visit "+testLink+" to read the entire message.") {
		t.Error("フッターにリンクが含まれていません")
	}
	if !strings.Contains(buf.String(), "切り詰めました") {
		t.Error("切り詰めのログが出力されていません")
	}
}

func TestBuild_TruncationBoundAcrossSizes(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(nil, newTestLogger(&buf))

	// ASCII、3バイト文字、4バイト文字、エスケープで膨らむ文字の組み合わせ
	units := []string{"x", "語", "🙂", "\"", "\n", "\x01", "a語🙂\"\\"}
	sizes := []int{0, 1000, model.MaxEnvelopeBytes - 200, model.MaxEnvelopeBytes, model.MaxEnvelopeBytes + 7, 400000, 1 << 20}

	for _, unit := range units {
		for _, size := range sizes {
			body := strings.Repeat(unit, size/len(unit)+1)
			msg, err := b.Build(article("Title", testLink, "<p>BLUF: s</p>", body))
			if err != nil {
				t.Fatalf("unit=%q size=%d: 予期しないエラー: %v", unit, size, err)
			}
			if got := serializedSize(t, msg); got > model.MaxEnvelopeBytes {
				t.Errorf("unit=%q size=%d: 封筒サイズ = %d, want <= %d", unit, size, got, model.MaxEnvelopeBytes)
			}
			if !utf8.ValidString(msg.FullPayload) {
				t.Errorf("unit=%q size=%d: 本文に不正なUTF-8が含まれています", unit, size)
			}
		}
	}
}

func TestBuild_InvalidUTF8InputIsRepaired(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(nil, newTestLogger(&buf))

	msg, err := b.Build(article("Title", testLink, "", "ok\xffok"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if msg.FullPayload != "ok\uFFFDok" {
		t.Errorf("FullPayload = %q", msg.FullPayload)
	}
}

func TestBuild_FixedFieldsTooLarge(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(nil, newTestLogger(&buf))

	// フッターにリンクが入るため、リンクが上限を超えると本文を空にしても収まらない
	hugeLink := "https://example.mil/" + strings.Repeat("p", model.MaxEnvelopeBytes)
	_, err := b.Build(article("Title", hugeLink, "", strings.Repeat("a", 300000)))
	if !errors.Is(err, model.ErrMessageTooLarge) {
		t.Fatalf("err = %v, want ErrMessageTooLarge", err)
	}
}

func TestBuild_ShortPayloadCapped(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(nil, newTestLogger(&buf))

	link := "https://example.mil/" + strings.Repeat("語", 1000)
	msg, err := b.Build(article("Title", link, "", "body"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if len(msg.ShortPayload) > MaxShortBytes {
		t.Errorf("ShortPayload = %d bytes, want <= %d", len(msg.ShortPayload), MaxShortBytes)
	}
	if !utf8.ValidString(msg.ShortPayload) {
		t.Error("ShortPayloadが文字の途中で切られています")
	}
}

func TestBuild_SanitizesBody(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(security.NewContentSanitizer(), newTestLogger(&buf))

	msg, err := b.Build(article("Title", testLink, "<p>BLUF: s</p>", `<p>ok</p><script>alert(1)</script>`))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	if strings.Contains(msg.FullPayload, "script") {
		t.Errorf("scriptが除去されていません: %q", msg.FullPayload)
	}
	if !strings.HasPrefix(msg.FullPayload, "<p>BLUF: s</p>") {
		t.Errorf("要約が先頭にありません: %q", msg.FullPayload)
	}
}

func TestBuild_SanitizesSummary(t *testing.T) {
	var buf bytes.Buffer
	b := NewBuilder(security.NewContentSanitizer(), newTestLogger(&buf))

	summary := `<p>BLUF: x<script>alert(1)</script><img src="https://evil.example/t.gif"></p>`
	msg, err := b.Build(article("Title", testLink, summary, "<p>body<script>alert(2)</script></p>"))
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}
	for _, bad := range []string{"script", "alert", "<img", "evil.example"} {
		if strings.Contains(msg.FullPayload, bad) {
			t.Errorf("要約の危険なマークアップが残っています（%s）: %q", bad, msg.FullPayload)
		}
	}
	if msg.FullPayload != "<p>BLUF: x</p><p>body</p>" {
		t.Errorf("FullPayload = %q, want %q", msg.FullPayload, "<p>BLUF: x</p><p>body</p>")
	}
}

func TestEnvelope_DoesNotEscapeHTML(t *testing.T) {
	msg := model.NotificationMessage{Subject: "s", ShortPayload: "s l", FullPayload: "<p>a & b</p>"}
	data, err := msg.Envelope().Marshal()
	if err != nil {
		t.Fatal(err)
	}
	want := `{"default":"s","sms":"s l","full":"<p>a & b</p>"}`
	if string(data) != want {
		t.Errorf("got %s, want %s", data, want)
	}
}
