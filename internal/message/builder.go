// Package message は通知メッセージを組み立て、封筒全体をサイズ上限内に収める。
package message

import (
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/security"
)

// MaxShortBytes はSMS向け抜粋の最大バイト数。
const MaxShortBytes = 1600

// Footer は切り詰めた本文の末尾に付ける定型文を返す。
func Footer(link string) string {
	return fmt.Sprintf("...<br />Message Truncated.  Visit %s to read the entire message.", link)
}

// Builder はNotificationMessageを組み立てる。
type Builder struct {
	budget    int
	sanitizer *security.ContentSanitizer
	logger    *slog.Logger
}

// NewBuilder はBuilderを生成する。sanitizerがnilの場合は要約と本文をそのまま使う。
func NewBuilder(sanitizer *security.ContentSanitizer, logger *slog.Logger) *Builder {
	return &Builder{
		budget:    model.MaxEnvelopeBytes,
		sanitizer: sanitizer,
		logger:    logger,
	}
}

// Build は記事から件名・抜粋・全文を組み立てる。
// 全文は要約と本文を連結したうえでまとめてサニタイズする。
// シリアライズ後の封筒がサイズ上限を超える場合は本文を切り詰めてフッターを付ける。
// 固定フィールドだけで上限を超える場合はmodel.ErrMessageTooLargeを返す。
func (b *Builder) Build(article model.EnrichedArticle) (model.NotificationMessage, error) {
	link := article.Item.Link
	payload := article.Summary + article.BodyHTML
	if b.sanitizer != nil {
		payload = b.sanitizer.SanitizeEmail(payload)
	}

	subject := Subject(article.Item.Title)
	msg := model.NotificationMessage{
		Subject:      subject,
		ShortPayload: cutAtRune(subject+" "+link, MaxShortBytes),
	}

	payload = strings.ToValidUTF8(payload, "\uFFFD")
	msg.FullPayload = payload

	size, err := envelopeSize(msg)
	if err != nil {
		return model.NotificationMessage{}, err
	}
	if size <= b.budget {
		return msg, nil
	}

	footer := Footer(link)
	overshoot := size - b.budget
	keep := max(0, len(payload)-overshoot-len(footer))
	msg.FullPayload = truncate(payload, keep) + footer

	size, err = envelopeSize(msg)
	if err != nil {
		return model.NotificationMessage{}, err
	}
	if size > b.budget {
		// エスケープで膨らんだ分だけもう一度縮める
		keep = max(0, keep-(size-b.budget))
		msg.FullPayload = truncate(payload, keep) + footer
		size, err = envelopeSize(msg)
		if err != nil {
			return model.NotificationMessage{}, err
		}
	}
	if size > b.budget {
		return model.NotificationMessage{}, model.Wrapf(model.ErrMessageTooLarge,
			"固定フィールドだけでサイズ上限を超えています（%d > %d バイト）", size, b.budget)
	}

	b.logger.Info("本文をサイズ上限に合わせて切り詰めました",
		slog.String("subject", subject),
		slog.Int("original_bytes", len(payload)),
		slog.Int("kept_bytes", len(msg.FullPayload)-len(footer)),
		slog.Int("envelope_bytes", size),
	)
	return msg, nil
}

// truncate はpayloadの先頭keepバイトを返す。
// マルチバイト文字の途中で切らないよう、文字の先頭まで戻してから置換デコードする。
func truncate(payload string, keep int) string {
	if keep >= len(payload) {
		return payload
	}
	for keep > 0 && !utf8.RuneStart(payload[keep]) {
		keep--
	}
	return strings.ToValidUTF8(payload[:keep], "\uFFFD")
}

func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return truncate(s, n)
}

func envelopeSize(msg model.NotificationMessage) (int, error) {
	data, err := msg.Envelope().Marshal()
	if err != nil {
		return 0, fmt.Errorf("封筒のシリアライズに失敗: %w", err)
	}
	return len(data), nil
}
