package monitoring

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 监控指标
//
// 所有 Record 方法对 nil 接收者安全，未启用监控时可直接传 nil。
type Metrics struct {
	// HTTP 请求指标
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// 网关指标
	GatewayRequests   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	RateLimitBlocks   prometheus.Counter
	QuotaBlocks       prometheus.Counter
	IngressBlocks     prometheus.Counter

	// 后台任务指标
	BackgroundFailures *prometheus.CounterVec
	BackgroundDropped  prometheus.Counter

	// 错误指标
	PanicsTotal prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewMetrics 创建监控指标并注册到给定的注册表
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitegate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		HTTPResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitegate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "endpoint"},
		),

		GatewayRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegate_gateway_requests_total",
				Help: "Custom route requests by outcome and status",
			},
			[]string{"outcome", "status"},
		),

		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sitegate_execution_duration_seconds",
				Help:    "Sandboxed route execution time in seconds",
				Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"result"},
		),

		RateLimitBlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sitegate_rate_limit_blocks_total",
				Help: "Requests rejected by the per-route daily limit",
			},
		),

		QuotaBlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sitegate_quota_blocks_total",
				Help: "API key requests rejected for exhausted quota",
			},
		),

		IngressBlocks: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sitegate_ingress_throttled_total",
				Help: "Requests rejected by the per-IP ingress limiter",
			},
		),

		BackgroundFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sitegate_background_task_failures_total",
				Help: "Failed fire-and-forget tasks",
			},
			[]string{"task"},
		),

		BackgroundDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sitegate_background_tasks_overflow_total",
				Help: "Background tasks run outside the worker pool because its queue was full",
			},
		),

		PanicsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "sitegate_panics_total",
				Help: "Total number of recovered panics",
			},
		),

		gatherer: reg,
	}
}

// RecordHTTPRequest 记录 HTTP 请求指标
func (m *Metrics) RecordHTTPRequest(method, endpoint string, status int, duration time.Duration, responseSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
	if responseSize >= 0 {
		m.HTTPResponseSize.WithLabelValues(method, endpoint).Observe(float64(responseSize))
	}
}

// RecordGatewayOutcome 记录网关处理结果
func (m *Metrics) RecordGatewayOutcome(outcome string, status int) {
	if m == nil {
		return
	}
	m.GatewayRequests.WithLabelValues(outcome, strconv.Itoa(status)).Inc()
}

// RecordExecution 记录一次沙箱执行
func (m *Metrics) RecordExecution(duration time.Duration, failed bool) {
	if m == nil {
		return
	}
	result := "success"
	if failed {
		result = "error"
	}
	m.ExecutionDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// RecordRateLimitBlock 记录每日限流拒绝
func (m *Metrics) RecordRateLimitBlock() {
	if m == nil {
		return
	}
	m.RateLimitBlocks.Inc()
}

// RecordQuotaBlock 记录额度耗尽拒绝
func (m *Metrics) RecordQuotaBlock() {
	if m == nil {
		return
	}
	m.QuotaBlocks.Inc()
}

// RecordIngressBlock 记录入口限流拒绝
func (m *Metrics) RecordIngressBlock() {
	if m == nil {
		return
	}
	m.IngressBlocks.Inc()
}

// RecordBackgroundFailure 记录后台任务失败
func (m *Metrics) RecordBackgroundFailure(task string) {
	if m == nil {
		return
	}
	m.BackgroundFailures.WithLabelValues(task).Inc()
}

// RecordBackgroundOverflow 记录绕过协程池执行的后台任务
func (m *Metrics) RecordBackgroundOverflow() {
	if m == nil {
		return
	}
	m.BackgroundDropped.Inc()
}

// RecordPanic 记录 panic
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// HTTPHandler 返回 Prometheus HTTP 处理器
func (m *Metrics) HTTPHandler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
