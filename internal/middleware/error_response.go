package middleware

import (
	"encoding/json"
	"net/http"
)

// StatusBody は起動エンドポイントの統一レスポンスフォーマット。
type StatusBody struct {
	Status  string `json:"status"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// WriteStatus はステータスコードとJSONボディを書き込む。
func WriteStatus(w http.ResponseWriter, statusCode int, body StatusBody) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、呼び出し元には一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteStatus(w, http.StatusInternalServerError, StatusBody{
		Status:  "error",
		Code:    "INTERNAL_ERROR",
		Message: "内部エラーが発生しました。",
	})
}
