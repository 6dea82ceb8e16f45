package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/hitoshi/feedrelay/internal/middleware"
	"github.com/hitoshi/feedrelay/internal/model"
	"github.com/hitoshi/feedrelay/internal/worker/ingest"
)

// PipelineInterface はトリガーハンドラーが必要とするパイプラインのインターフェース。
type PipelineInterface interface {
	// Poll は軽量フィードで新着の有無を判定する。
	Poll(ctx context.Context) (model.FeedSnapshot, bool, error)
	// Scrape はフル件数のフィードを処理する。
	Scrape(ctx context.Context, snapshot model.FeedSnapshot) (ingest.Result, error)
}

// TriggerHandler は外部スケジューラからの起動を受け付けるHTTPハンドラー。
type TriggerHandler struct {
	pipeline PipelineInterface
	logger   *slog.Logger
}

// NewTriggerHandler はTriggerHandlerを生成する。
func NewTriggerHandler(pipeline PipelineInterface, logger *slog.Logger) *TriggerHandler {
	return &TriggerHandler{pipeline: pipeline, logger: logger}
}

// scrapeRequest はスクレイプ起動リクエストのボディ（省略可）。
type scrapeRequest struct {
	LatestPubDate string `json:"latest_pub_date"`
}

// triggerResponse は起動結果のレスポンス。
type triggerResponse struct {
	Status        string `json:"status"`
	Found         *bool  `json:"found,omitempty"`
	LatestPubDate string `json:"latest_pub_date,omitempty"`
	New           int    `json:"new"`
	Existing      int    `json:"existing"`
	Deferred      bool   `json:"deferred,omitempty"`
	Code          string `json:"code,omitempty"`
}

// Poll は新着判定を行い、新しい公開があればそのままスクレイプする。
// POST /internal/poll
func (h *TriggerHandler) Poll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snapshot, found, err := h.pipeline.Poll(ctx)
	if err != nil {
		h.writeResult(w, triggerResponse{}, err)
		return
	}

	resp := triggerResponse{Found: &found, LatestPubDate: snapshot.LatestPubDate}
	if !found {
		h.writeResult(w, resp, nil)
		return
	}

	res, err := h.pipeline.Scrape(ctx, snapshot)
	resp.New, resp.Existing = res.New, res.Existing
	h.writeResult(w, resp, err)
}

// Scrape は新着判定を省略してスクレイプする。
// ボディのlatest_pub_dateはポーリング結果の引き継ぎに使う。
// POST /internal/scrape
func (h *TriggerHandler) Scrape(w http.ResponseWriter, r *http.Request) {
	var req scrapeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteStatus(w, http.StatusBadRequest, middleware.StatusBody{
			Status:  "error",
			Code:    "INVALID_REQUEST",
			Message: "リクエストボディが不正です。",
		})
		return
	}

	res, err := h.pipeline.Scrape(r.Context(), model.FeedSnapshot{LatestPubDate: req.LatestPubDate})
	h.writeResult(w, triggerResponse{LatestPubDate: req.LatestPubDate, New: res.New, Existing: res.Existing}, err)
}

// writeResult はエラーをステータスコードに変換してレスポンスを書き込む。
// 403による取得延期は200で返し、次回サイクルに委ねる。
func (h *TriggerHandler) writeResult(w http.ResponseWriter, resp triggerResponse, err error) {
	status := model.StatusFor(err)
	resp.Status = "ok"

	if err != nil {
		var pe *model.PipelineError
		if errors.As(err, &pe) {
			resp.Code = pe.Code
		}
		if status == http.StatusOK {
			resp.Deferred = true
			h.logger.Warn("フィード取得がブロックされたため次回サイクルに委ねます",
				slog.String("error", err.Error()),
			)
		} else {
			resp.Status = "error"
			h.logger.Error("パイプラインの実行に失敗しました",
				slog.String("error", err.Error()),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
