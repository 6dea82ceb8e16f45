// Package summarize は通知本文からBLUF形式の要約を生成する。
package summarize

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/aktagon/llmkit/anthropic"
	"github.com/aktagon/llmkit/anthropic/types"

	"github.com/hitoshi/feedrelay/internal/model"
)

// Placeholder は要約に失敗した場合に本文の前に置く文言。
const Placeholder = "<p>BLUF: Unable to generate summary.</p>"

const blufPrefix = "BLUF:"

// promptFunc はモデルへのリクエストを送り、応答テキストを返す。
type promptFunc func(ctx context.Context, system, user, apiKey string, cfg *PromptConfig) (string, error)

// Summarizer は本文をMarkdownに変換してモデルに要約させる。
type Summarizer struct {
	prompt      *PromptConfig
	credentials *CredentialCache
	converter   *md.Converter
	logger      *slog.Logger
	send        promptFunc
}

// NewSummarizer はSummarizerを生成する。
func NewSummarizer(prompt *PromptConfig, credentials *CredentialCache, logger *slog.Logger) *Summarizer {
	return &Summarizer{
		prompt:      prompt,
		credentials: credentials,
		converter:   md.NewConverter("", true, nil),
		logger:      logger,
		send:        sendAnthropic,
	}
}

// Summarize は本文HTMLの要約を<p>BLUF: ...</p>の形で返す。応答テキストはエスケープする。
// 失敗時はmodel.ErrSummarizationを返す。呼び出し側はPlaceholderで代替する。
func (s *Summarizer) Summarize(ctx context.Context, bodyHTML string) (string, error) {
	apiKey, err := s.credentials.Key(ctx)
	if err != nil {
		return "", model.Wrap(model.ErrSummarization, err)
	}

	text, err := s.converter.ConvertString(bodyHTML)
	if err != nil {
		s.logger.Warn("本文のMarkdown変換に失敗しました。HTMLのまま送信します",
			slog.String("error", err.Error()),
		)
		text = bodyHTML
	}
	if limit := s.prompt.ContentMaxChars; limit > 0 && len(text) > limit {
		text = strings.ToValidUTF8(text[:limit], "")
	}

	s.logger.Debug("要約を生成します",
		slog.String("model", s.prompt.Model),
		slog.Int("input_chars", len(text)),
	)

	out, err := s.send(ctx, s.prompt.System, text, apiKey, s.prompt)
	if err != nil {
		return "", model.Wrap(model.ErrSummarization, err)
	}

	out = strings.TrimSpace(out)
	if out == "" {
		return "", model.Wrapf(model.ErrSummarization, "要約の応答が空です")
	}
	if !strings.HasPrefix(out, blufPrefix) {
		out = blufPrefix + " " + out
	}
	// 応答はプレーンテキストとして扱い、メール本文にマークアップを持ち込ませない
	return "<p>" + html.EscapeString(out) + "</p>", nil
}

func sendAnthropic(ctx context.Context, system, user, apiKey string, cfg *PromptConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	settings := types.RequestSettings{
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
	}

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		response, err := anthropic.PromptWithSettings(system, user, "", apiKey, settings)
		if err != nil {
			ch <- reply{err: fmt.Errorf("要約リクエストに失敗: %w", err)}
			return
		}
		if len(response.Content) == 0 {
			ch <- reply{err: fmt.Errorf("応答にコンテンツがありません")}
			return
		}
		ch <- reply{text: response.Content[0].Text}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.text, r.err
	}
}
