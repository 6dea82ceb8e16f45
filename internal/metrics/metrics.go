// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// フィード取得結果のラベル値
const (
	FetchOK           = "ok"
	FetchThrottled    = "throttled"
	FetchConnectivity = "connectivity"
	FetchEmpty        = "empty"
	FetchMalformed    = "malformed"
)

// 記事処理結果のラベル値
const (
	ItemNew      = "new"
	ItemExisting = "existing"
	ItemSkipped  = "skipped"
)

// 配信結果のラベル値
const (
	DeliveryEnqueued     = "enqueued"
	DeliverySent         = "sent"
	DeliveryFailed       = "failed"
	DeliveryDeadLettered = "dead_lettered"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやパイプラインの各段から利用する。
type MetricsCollector interface {
	RecordFeedFetch(outcome string)
	RecordHTTPStatus(statusCode int)
	RecordFetchLatency(duration time.Duration)
	RecordItem(outcome string)
	RecordRetrieval(tier, outcome string)
	RecordSummary(ok bool)
	RecordBroadcastPublished()
	RecordDeliveries(outcome string, count int)
	RecordItemLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	feedFetch    *prometheus.CounterVec
	httpStatus   *prometheus.CounterVec
	fetchLatency prometheus.Histogram
	items        *prometheus.CounterVec
	retrievals   *prometheus.CounterVec
	summaries    *prometheus.CounterVec
	broadcasts   prometheus.Counter
	deliveries   *prometheus.CounterVec
	itemLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		feedFetch: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_feed_fetch_total",
			Help: "結果別のフィード取得回数",
		}, []string{"outcome"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrelay_fetch_latency_seconds",
			Help:    "フィード取得のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_items_total",
			Help: "処理結果別の記事数",
		}, []string{"outcome"}),
		retrievals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_retrievals_total",
			Help: "ティア・結果別の本文取得回数",
		}, []string{"tier", "outcome"}),
		summaries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_summaries_total",
			Help: "要約生成の成否別回数",
		}, []string{"result"}),
		broadcasts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedrelay_broadcasts_published_total",
			Help: "発行したブロードキャストの合計数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedrelay_deliveries_total",
			Help: "結果別の配信ジョブ数",
		}, []string{"outcome"}),
		itemLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedrelay_item_latency_seconds",
			Help:    "新着1件あたりの取得から発行までの所要時間（秒）",
			Buckets: []float64{1, 2, 5, 10, 30, 60, 120, 300},
		}),
	}

	reg.MustRegister(
		c.feedFetch,
		c.httpStatus,
		c.fetchLatency,
		c.items,
		c.retrievals,
		c.summaries,
		c.broadcasts,
		c.deliveries,
		c.itemLatency,
	)

	return c
}

// RecordFeedFetch はフィード取得結果を記録する。
func (c *Collector) RecordFeedFetch(outcome string) {
	c.feedFetch.WithLabelValues(outcome).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFetchLatency はフィード取得のレイテンシを記録する。
func (c *Collector) RecordFetchLatency(duration time.Duration) {
	c.fetchLatency.Observe(duration.Seconds())
}

// RecordItem は記事の処理結果を記録する。
func (c *Collector) RecordItem(outcome string) {
	c.items.WithLabelValues(outcome).Inc()
}

// RecordRetrieval は本文取得のティアと結果を記録する。
func (c *Collector) RecordRetrieval(tier, outcome string) {
	c.retrievals.WithLabelValues(tier, outcome).Inc()
}

// RecordSummary は要約生成の成否を記録する。
func (c *Collector) RecordSummary(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	c.summaries.WithLabelValues(result).Inc()
}

// RecordBroadcastPublished はブロードキャスト発行を記録する。
func (c *Collector) RecordBroadcastPublished() {
	c.broadcasts.Inc()
}

// RecordDeliveries は配信ジョブの結果を件数付きで記録する。
func (c *Collector) RecordDeliveries(outcome string, count int) {
	c.deliveries.WithLabelValues(outcome).Add(float64(count))
}

// RecordItemLatency は新着1件の処理時間を記録する。
func (c *Collector) RecordItemLatency(duration time.Duration) {
	c.itemLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。ワンショット実行やテストで使用する。
type Nop struct{}

func (Nop) RecordFeedFetch(string)           {}
func (Nop) RecordHTTPStatus(int)             {}
func (Nop) RecordFetchLatency(time.Duration) {}
func (Nop) RecordItem(string)                {}
func (Nop) RecordRetrieval(string, string)   {}
func (Nop) RecordSummary(bool)               {}
func (Nop) RecordBroadcastPublished()        {}
func (Nop) RecordDeliveries(string, int)     {}
func (Nop) RecordItemLatency(time.Duration)  {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
