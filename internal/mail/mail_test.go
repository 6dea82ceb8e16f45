package mail

import (
	"bytes"
	"strings"
	"testing"
)

func TestRenderer_Render(t *testing.T) {
	r, err := NewRenderer()
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	got, err := r.Render("MARADMIN 001/26 <TEST>", "<p>BLUF: test</p><p>body</p>", "user@example.com")
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if !strings.Contains(got, "<p>BLUF: test</p><p>body</p>") {
		t.Error("本文HTMLがエスケープされずに埋め込まれていません")
	}
	if !strings.Contains(got, "MARADMIN 001/26 &lt;TEST&gt;") {
		t.Error("件名がエスケープされていません")
	}
	if !strings.Contains(got, "user@example.com") {
		t.Error("宛先アドレスが含まれていません")
	}
}

func TestSMTPSender_NewMessage(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{
		Host:    "localhost",
		Port:    2525,
		From:    `"Notices" <notices@example.com>`,
		ReplyTo: "reply@example.com",
	})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	msg, err := s.newMessage("user@example.com", "Subject line", "<p>hello</p>")
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	var buf bytes.Buffer
	if _, err := msg.WriteTo(&buf); err != nil {
		t.Fatalf("メッセージの書き出しに失敗: %v", err)
	}
	raw := buf.String()

	for _, want := range []string{
		"To: <user@example.com>",
		"Reply-To: <reply@example.com>",
		"Subject: Subject line",
		"notices@example.com",
		"text/html",
	} {
		if !strings.Contains(raw, want) {
			t.Errorf("メッセージに %q が含まれていません", want)
		}
	}
}

func TestSMTPSender_InvalidRecipient(t *testing.T) {
	s, err := NewSMTPSender(SMTPConfig{Host: "localhost", Port: 2525, From: "notices@example.com"})
	if err != nil {
		t.Fatalf("予期しないエラー: %v", err)
	}

	if _, err := s.newMessage("not-an-address", "s", "b"); err == nil {
		t.Error("不正な宛先でエラーになりませんでした")
	}
}

func TestNewSMTPSender_RequiresHost(t *testing.T) {
	if _, err := NewSMTPSender(SMTPConfig{Port: 25}); err == nil {
		t.Error("ホスト未指定でエラーになりませんでした")
	}
}
