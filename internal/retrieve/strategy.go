// Package retrieve は記事本文を段階的なフォールバックで取得する。
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hitoshi/feedrelay/internal/metrics"
	"github.com/hitoshi/feedrelay/internal/model"
)

// BlockMarker はCDNのボット遮断ページに含まれる文言。
const BlockMarker = "Access Denied"

// Outcome は1ティア分の取得結果の種別。
type Outcome int

const (
	// Success は本文を取得できた。
	Success Outcome = iota
	// Blocked は遮断された（403または遮断ページ）。
	Blocked
	// TransportError は通信レベルで失敗した。
	TransportError
)

// String はメトリクスとログ用のラベルを返す。
func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Blocked:
		return "blocked"
	case TransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

// Result は1ティア分の取得結果。
type Result struct {
	Outcome Outcome
	Body    string
	Err     error
}

// Strategy は本文取得の1ティア。
type Strategy interface {
	// Name はログとメトリクス用のティア名を返す。
	Name() string
	// Fetch はリンク先の文書全体を取得する。
	Fetch(ctx context.Context, link string) Result
}

// LinkValidator はリンク取得前の安全性検証のインターフェース。
type LinkValidator interface {
	ValidateLink(rawURL string) error
}

// Retriever は登録順にティアを試し、成功した文書から本文領域を抽出する。
// 次のティアに進むのはBlockedまたはTransportErrorの場合のみ。
type Retriever struct {
	strategies []Strategy
	guard      LinkValidator
	extractor  *Extractor
	logger     *slog.Logger
	metrics    metrics.MetricsCollector
}

// NewRetriever はRetrieverを生成する。guardがnilの場合はリンク検証を行わない。
func NewRetriever(logger *slog.Logger, m metrics.MetricsCollector, guard LinkValidator, extractor *Extractor, strategies ...Strategy) *Retriever {
	if m == nil {
		m = metrics.Nop{}
	}
	return &Retriever{
		strategies: strategies,
		guard:      guard,
		extractor:  extractor,
		logger:     logger,
		metrics:    m,
	}
}

// Retrieve はリンク先の本文HTMLを返す。
//   - いずれかのティアが遮断を返し、全ティアが失敗した場合: model.ErrContentBlocked
//   - 通信エラーのみで全ティアが失敗した場合: model.ErrConnectivity
func (r *Retriever) Retrieve(ctx context.Context, link string) (string, error) {
	if r.guard != nil {
		if err := r.guard.ValidateLink(link); err != nil {
			r.logger.Error("記事リンクの検証に失敗しました",
				slog.String("link", link),
				slog.String("error", err.Error()),
			)
			return "", model.Wrap(model.ErrContentBlocked, err)
		}
	}

	var (
		blocked bool
		errs    []error
	)
	for _, s := range r.strategies {
		res := s.Fetch(ctx, link)
		r.metrics.RecordRetrieval(s.Name(), res.Outcome.String())

		switch res.Outcome {
		case Success:
			r.logger.Info("本文を取得しました",
				slog.String("link", link),
				slog.String("tier", s.Name()),
				slog.Int("bytes", len(res.Body)),
			)
			return r.extractor.Extract(link, res.Body), nil
		case Blocked:
			blocked = true
			r.logger.Warn("本文取得が遮断されました。次のティアを試します",
				slog.String("link", link),
				slog.String("tier", s.Name()),
			)
		default:
			r.logger.Warn("本文取得で通信エラーが発生しました。次のティアを試します",
				slog.String("link", link),
				slog.String("tier", s.Name()),
				slog.String("error", errString(res.Err)),
			)
		}
		if res.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), res.Err))
		}

		if ctx.Err() != nil {
			break
		}
	}

	cause := errors.Join(errs...)
	if blocked {
		return "", model.Wrap(model.ErrContentBlocked, cause)
	}
	if cause == nil {
		cause = errors.New("取得ティアが登録されていません")
	}
	return "", model.Wrap(model.ErrConnectivity, cause)
}

// isBlockPage は文書がボット遮断ページかを判定する。
func isBlockPage(body string) bool {
	return strings.Contains(body, BlockMarker)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
