// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/BaSui01/fleetguard/agent/faulttolerance"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// Collector 同时实现 faulttolerance.Observer，把管理器事件转换为 Prometheus 计数。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 故障容错指标
	faultEventsTotal       *prometheus.CounterVec
	healthTransitions      *prometheus.CounterVec
	circuitTransitions     *prometheus.CounterVec
	recoveryOutcomes       *prometheus.CounterVec
	taskResultsTotal       *prometheus.CounterVec
	taskResultDuration     *prometheus.HistogramVec
	handoffDeliveryFailure prometheus.Counter

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	registerer prometheus.Registerer
	namespace  string
	logger     *zap.Logger
}

// NewCollectorWithRegistry 创建指标收集器，注册到指定 Registry
func NewCollectorWithRegistry(reg prometheus.Registerer, namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		registerer: reg,
		namespace:  namespace,
		logger:     logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 故障容错指标
	c.faultEventsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fault_events_total",
			Help:      "Total number of fault tolerance events by type",
		},
		[]string{"type"},
	)

	c.healthTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_health_transitions_total",
			Help:      "Total number of agent health transitions by target state",
		},
		[]string{"to_state"},
	)

	c.circuitTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Total number of circuit breaker transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.recoveryOutcomes = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_outcomes_total",
			Help:      "Total number of recovery outcomes",
		},
		[]string{"outcome"},
	)

	c.taskResultsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_results_total",
			Help:      "Total number of reported task results",
		},
		[]string{"status"},
	)

	c.taskResultDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_result_duration_seconds",
			Help:      "Reported task duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"status"},
	)

	c.handoffDeliveryFailure = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoff_delivery_failures_total",
			Help:      "Total number of handoffs the sink rejected",
		},
	)

	// 数据库指标
	c.dbConnectionsOpen = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🛡️ 故障容错指标记录
// =============================================================================

// OnFaultEvent 实现 faulttolerance.Observer
func (c *Collector) OnFaultEvent(e faulttolerance.Event) {
	c.faultEventsTotal.WithLabelValues(string(e.Type)).Inc()

	switch e.Type {
	case faulttolerance.EventAgentUnresponsive:
		c.healthTransitions.WithLabelValues(string(faulttolerance.HealthUnresponsive)).Inc()
	case faulttolerance.EventAgentFailed:
		c.healthTransitions.WithLabelValues(string(faulttolerance.HealthFailed)).Inc()
	case faulttolerance.EventAgentRecovered:
		c.healthTransitions.WithLabelValues(string(faulttolerance.HealthHealthy)).Inc()
	case faulttolerance.EventCircuitOpened, faulttolerance.EventCircuitHalfOpen, faulttolerance.EventCircuitClosed:
		c.circuitTransitions.WithLabelValues(e.From, e.To).Inc()
	case faulttolerance.EventRestartConfirmed:
		c.recoveryOutcomes.WithLabelValues("restart_confirmed").Inc()
	case faulttolerance.EventRestartUnconfirmed:
		c.recoveryOutcomes.WithLabelValues("restart_unconfirmed").Inc()
	case faulttolerance.EventTaskRedistributed:
		c.recoveryOutcomes.WithLabelValues("redistributed").Inc()
	case faulttolerance.EventTaskRolledBack:
		c.recoveryOutcomes.WithLabelValues("rolled_back").Inc()
	case faulttolerance.EventRecoveryAbandoned:
		c.recoveryOutcomes.WithLabelValues("abandoned").Inc()
	case faulttolerance.EventRecoveryUnhandled:
		c.recoveryOutcomes.WithLabelValues("unhandled").Inc()
	case faulttolerance.EventHandoffFailed:
		c.handoffDeliveryFailure.Inc()
	}
}

// RecordTaskResult 记录一次任务结果上报
func (c *Collector) RecordTaskResult(success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	c.taskResultsTotal.WithLabelValues(status).Inc()
	c.taskResultDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// =============================================================================
// 🗄️ 数据库指标记录
// =============================================================================

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

// RecordDBQuery 记录数据库查询
func (c *Collector) RecordDBQuery(database, operation string, duration time.Duration) {
	c.dbQueryDuration.WithLabelValues(database, operation).Observe(duration.Seconds())
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

var _ faulttolerance.Observer = (*Collector)(nil)
