// Package mail は購読者への通知メールの描画と送信を行う。
package mail

import (
	"context"
	"fmt"
	"time"

	gomail "github.com/wneessen/go-mail"
)

// Sender は1通のHTMLメールを送信するインターフェース。
type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// SMTPConfig はSMTP送信の設定。
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	ReplyTo  string
	Timeout  time.Duration
}

// SMTPSender はSMTPでメールを送信する。
type SMTPSender struct {
	client  *gomail.Client
	from    string
	replyTo string
}

// NewSMTPSender はSMTPSenderを生成する。Usernameが空の場合は認証しない。
func NewSMTPSender(cfg SMTPConfig) (*SMTPSender, error) {
	opts := []gomail.Option{
		gomail.WithPort(cfg.Port),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, gomail.WithTimeout(cfg.Timeout))
	}
	if cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(cfg.Username),
			gomail.WithPassword(cfg.Password),
		)
	}

	client, err := gomail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("SMTPクライアントの生成に失敗: %w", err)
	}
	return &SMTPSender{client: client, from: cfg.From, replyTo: cfg.ReplyTo}, nil
}

// Send はメールを1通送信する。
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	msg, err := s.newMessage(to, subject, htmlBody)
	if err != nil {
		return err
	}
	if err := s.client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("メール送信に失敗 (%s): %w", to, err)
	}
	return nil
}

func (s *SMTPSender) newMessage(to, subject, htmlBody string) (*gomail.Msg, error) {
	msg := gomail.NewMsg()
	if err := msg.From(s.from); err != nil {
		return nil, fmt.Errorf("送信元アドレスが不正です: %w", err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("宛先アドレスが不正です: %w", err)
	}
	if s.replyTo != "" {
		if err := msg.ReplyTo(s.replyTo); err != nil {
			return nil, fmt.Errorf("返信先アドレスが不正です: %w", err)
		}
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextHTML, htmlBody)
	return msg, nil
}
