// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"net/http"
)

// PipelineError はパイプライン各段の失敗を表す型付きエラー。
// Codeで分類し、Recoverableは次回サイクルでの自然回復が見込めるかを示す。
type PipelineError struct {
	Code        string // エラーコード
	Message     string // エラーメッセージ
	Recoverable bool   // 次回サイクルに委ねてよいか
	Err         error  // 原因
}

// Error はerrorインターフェースを実装する。
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrThrottled) のように番兵値と比較できる。
func (e *PipelineError) Is(target error) bool {
	var t *PipelineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeThrottled       = "THROTTLED_FETCH"
	ErrCodeConnectivity    = "CONNECTIVITY"
	ErrCodeMalformedFeed   = "MALFORMED_FEED"
	ErrCodeEmptyResponse   = "EMPTY_RESPONSE"
	ErrCodeContentBlocked  = "CONTENT_BLOCKED"
	ErrCodeSummarization   = "SUMMARIZATION_FAILURE"
	ErrCodePersistence     = "PERSISTENCE_FAILURE"
	ErrCodePublish         = "PUBLISH_FAILURE"
	ErrCodeMessageTooLarge = "MESSAGE_TOO_LARGE"
)

// 番兵エラー。errors.Isでの比較専用。
var (
	ErrThrottled       = &PipelineError{Code: ErrCodeThrottled, Message: "フィード取得がブロックされました（403）", Recoverable: true}
	ErrConnectivity    = &PipelineError{Code: ErrCodeConnectivity, Message: "接続に失敗しました", Recoverable: true}
	ErrMalformedFeed   = &PipelineError{Code: ErrCodeMalformedFeed, Message: "フィードの解析に失敗しました"}
	ErrEmptyResponse   = &PipelineError{Code: ErrCodeEmptyResponse, Message: "レスポンスボディが空です"}
	ErrContentBlocked  = &PipelineError{Code: ErrCodeContentBlocked, Message: "全ティアで本文取得がブロックされました"}
	ErrSummarization   = &PipelineError{Code: ErrCodeSummarization, Message: "要約の生成に失敗しました", Recoverable: true}
	ErrPersistence     = &PipelineError{Code: ErrCodePersistence, Message: "重複排除レコードの保存に失敗しました"}
	ErrPublish         = &PipelineError{Code: ErrCodePublish, Message: "ブロードキャストの発行に失敗しました"}
	ErrMessageTooLarge = &PipelineError{Code: ErrCodeMessageTooLarge, Message: "固定フィールドだけでサイズ上限を超えています"}
)

// Wrap は番兵エラーのコードを引き継いだ新しいPipelineErrorを生成する。
func Wrap(sentinel *PipelineError, err error) *PipelineError {
	return &PipelineError{
		Code:        sentinel.Code,
		Message:     sentinel.Message,
		Recoverable: sentinel.Recoverable,
		Err:         err,
	}
}

// Wrapf は書式付きメッセージでPipelineErrorを生成する。
func Wrapf(sentinel *PipelineError, format string, args ...any) *PipelineError {
	return &PipelineError{
		Code:        sentinel.Code,
		Message:     fmt.Sprintf(format, args...),
		Recoverable: sentinel.Recoverable,
	}
}

// IsRecoverable はエラーが次回サイクルで回復可能かを返す。
func IsRecoverable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}
	return false
}

// StatusFor は起動単位の結果をHTTPステータスに変換する。
// 成功または処理対象なしは200、403による取得延期も200（次回サイクルに委ねる）、
// それ以外の失敗は500とする。
func StatusFor(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if errors.Is(err, ErrThrottled) {
		return http.StatusOK
	}
	return http.StatusInternalServerError
}
