package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultNamespace 指标名前缀
const DefaultNamespace = "ipadump"

// Metrics Prometheus 指标收集器
//
// 每个实例持有独立的 Registry，同一进程内可以创建多个实例（测试中常见）。
type Metrics struct {
	registry *prometheus.Registry
	logger   logrus.FieldLogger

	// HTTP 请求指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// 运行指标
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	runsInFlight prometheus.Gauge

	// 消息与传输指标
	messagesTotal    *prometheus.CounterVec
	transfersTotal   *prometheus.CounterVec
	transferBytes    prometheus.Counter
	transferDuration *prometheus.HistogramVec
	reconnectsTotal  prometheus.Counter
	archiveSizeBytes prometheus.Gauge
	deviceAttempts   prometheus.Counter
}

// New 创建指标收集器
func New(logger logrus.FieldLogger, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		logger:   logger,

		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests to the status server",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latencies in seconds",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "path"},
		),

		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of dump runs by outcome",
			},
			[]string{"status", "failure_type"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Dump run duration in seconds",
				Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 7200},
			},
			[]string{"status"},
		),
		runsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "runs_in_flight",
				Help:      "Number of dump runs currently in progress",
			},
		),

		messagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "script_messages_total",
				Help:      "Total number of messages received from the injected script",
			},
			[]string{"kind"},
		),
		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfers_total",
				Help:      "Total number of remote transfers",
			},
			[]string{"kind", "result"}, // kind: file/directory, result: success/failure
		),
		transferBytes: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transfer_bytes_total",
				Help:      "Total bytes received over the remote channel",
			},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transfer_duration_seconds",
				Help:      "Remote transfer duration in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
			},
			[]string{"kind"},
		),
		reconnectsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ssh_reconnects_total",
				Help:      "Total number of automatic SSH reconnects",
			},
		),
		archiveSizeBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "archive_size_bytes",
				Help:      "Size of the last written archive",
			},
		),
		deviceAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_enumeration_attempts_total",
				Help:      "Total number of device enumeration attempts",
			},
		),
	}

	logger.Debug("Prometheus metrics initialized")
	return m
}

// Registry 返回底层 Registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPMiddleware HTTP 请求监控中间件
func (m *Metrics) HTTPMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

// Handler 返回 /metrics 的 gin handler
func (m *Metrics) Handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordRunStarted 记录运行开始
func (m *Metrics) RecordRunStarted() {
	m.runsInFlight.Inc()
}

// RecordRunFinished 记录运行结束，failureType 成功时为空
func (m *Metrics) RecordRunFinished(status, failureType string, duration time.Duration) {
	m.runsInFlight.Dec()
	m.runsTotal.WithLabelValues(status, failureType).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordMessage 记录一条脚本消息
func (m *Metrics) RecordMessage(kind string) {
	m.messagesTotal.WithLabelValues(kind).Inc()
}

// RecordTransfer 记录一次传输
func (m *Metrics) RecordTransfer(kind string, success bool, bytes int64, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.transfersTotal.WithLabelValues(kind, result).Inc()
	m.transferDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if bytes > 0 {
		m.transferBytes.Add(float64(bytes))
	}
}

// RecordReconnects 累加重连次数
func (m *Metrics) RecordReconnects(n int64) {
	if n > 0 {
		m.reconnectsTotal.Add(float64(n))
	}
}

// RecordArchive 记录归档大小
func (m *Metrics) RecordArchive(size int64) {
	m.archiveSizeBytes.Set(float64(size))
}

// RecordDeviceAttempt 记录一次设备枚举
func (m *Metrics) RecordDeviceAttempt() {
	m.deviceAttempts.Inc()
}

// WriteTextfile 以 node_exporter textfile 格式写出当前指标，path 为空时跳过
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return err
	}
	m.logger.WithField("path", path).Debug("Metrics textfile written")
	return nil
}
