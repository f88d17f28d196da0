// Package metrics はゲートウェイのPrometheusメトリクスを定義する。
package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/sessiongate/internal/backend"
)

const namespace = "sessiongate"

// Metrics はゲートウェイが記録するメトリクスの集合。
// backend.LeaseObserverとして接続プールに渡せる。
type Metrics struct {
	requestDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	leaseWait       *prometheus.HistogramVec
	activeLeases    prometheus.Gauge
	exhaustedTotal  prometheus.Counter
	operations      *prometheus.CounterVec
	errorsTotal     *prometheus.CounterVec
}

var _ backend.LeaseObserver = (*Metrics)(nil)

// New はメトリクスを生成してregに登録する。
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status_code"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "route", "status_code"}),
		leaseWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "lease_wait_seconds",
			Help:      "Time spent waiting for a pooled connection.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}, []string{"result"}),
		activeLeases: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "active_leases",
			Help:      "Number of connections currently leased.",
		}),
		exhaustedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "exhausted_total",
			Help:      "Total number of lease attempts that timed out.",
		}),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "operations_total",
			Help:      "Total number of session operations by outcome.",
		}, []string{"operation", "outcome"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "classified_errors_total",
			Help:      "Total number of classified error responses by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(
		m.requestDuration,
		m.requestsTotal,
		m.leaseWait,
		m.activeLeases,
		m.exhaustedTotal,
		m.operations,
		m.errorsTotal,
	)
	return m
}

func (m *Metrics) LeaseAcquired(wait time.Duration) {
	m.leaseWait.WithLabelValues("acquired").Observe(wait.Seconds())
	m.activeLeases.Inc()
}

func (m *Metrics) LeaseFailed(wait time.Duration, exhausted bool) {
	result := "failed"
	if exhausted {
		result = "exhausted"
		m.exhaustedTotal.Inc()
	}
	m.leaseWait.WithLabelValues(result).Observe(wait.Seconds())
}

func (m *Metrics) LeaseReleased() {
	m.activeLeases.Dec()
}

// ObserveOperation はセッション操作の結果を記録する。outcomeは "ok" または分類名。
func (m *Metrics) ObserveOperation(operation, outcome string) {
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveError はクライアントに返した分類済みエラーを記録する。
func (m *Metrics) ObserveError(kind string) {
	m.errorsTotal.WithLabelValues(kind).Inc()
}

// Middleware はHTTPリクエストの件数と処理時間を記録するginミドルウェアを返す。
// /metrics と /health は記録しない。
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if path == "/metrics" || strings.HasPrefix(path, "/health") {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := strconv.Itoa(c.Writer.Status())
		m.requestDuration.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.requestsTotal.WithLabelValues(c.Request.Method, route, status).Inc()
	}
}
