// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ワーカーやハンドラー層から利用する。
type MetricsCollector interface {
	RecordPlannerRun(plannedJobs int)
	RecordDelivery(platform string, success bool)
	RecordDeliveryLatency(platform string, duration time.Duration)
	RecordDeadLetter(platform string)
	RecordHTTPStatus(statusCode int)
	RecordFeedRender(format string, cacheHit bool)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	plannerRuns     prometheus.Counter
	jobsPlanned     prometheus.Counter
	deliveries      *prometheus.CounterVec
	deliveryLatency *prometheus.HistogramVec
	deadLetters     *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	feedRenders     *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		plannerRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_planner_runs_total",
			Help: "プランナーサイクル実行の合計数",
		}),
		jobsPlanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "newsrelay_jobs_planned_total",
			Help: "プランニングされた配信ジョブの合計数",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_deliveries_total",
			Help: "プラットフォーム別・結果別の配信試行数",
		}, []string{"platform", "outcome"}),
		deliveryLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "newsrelay_delivery_latency_seconds",
			Help:    "配信試行のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"platform"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_dead_letters_total",
			Help: "デッドレターに到達したジョブの合計数",
		}, []string{"platform"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		feedRenders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "newsrelay_feed_renders_total",
			Help: "公開フィードのレンダリング数（フォーマット別・キャッシュ別）",
		}, []string{"format", "cache"}),
	}

	reg.MustRegister(
		c.plannerRuns,
		c.jobsPlanned,
		c.deliveries,
		c.deliveryLatency,
		c.deadLetters,
		c.httpStatus,
		c.feedRenders,
	)

	return c
}

// RecordPlannerRun はプランナーサイクルの完了とプランニング件数を記録する。
func (c *Collector) RecordPlannerRun(plannedJobs int) {
	c.plannerRuns.Inc()
	c.jobsPlanned.Add(float64(plannedJobs))
}

// RecordDelivery は配信試行の結果を記録する。
func (c *Collector) RecordDelivery(platform string, success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	c.deliveries.WithLabelValues(platform, outcome).Inc()
}

// RecordDeliveryLatency は配信試行のレイテンシを記録する。
func (c *Collector) RecordDeliveryLatency(platform string, duration time.Duration) {
	c.deliveryLatency.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordDeadLetter はデッドレター到達を記録する。
func (c *Collector) RecordDeadLetter(platform string) {
	c.deadLetters.WithLabelValues(platform).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordFeedRender は公開フィードのレンダリングを記録する。
func (c *Collector) RecordFeedRender(format string, cacheHit bool) {
	cache := "miss"
	if cacheHit {
		cache = "hit"
	}
	c.feedRenders.WithLabelValues(format, cache).Inc()
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
