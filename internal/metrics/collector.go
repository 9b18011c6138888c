// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 任务与工作流指标
	taskTransitions   *prometheus.CounterVec
	advanceOutcomes   *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationErrors   *prometheus.CounterVec

	// 交接指标
	handoffsCreated      *prometheus.CounterVec
	handoffsAccepted     *prometheus.CounterVec
	stalePendingHandoffs prometheus.Gauge

	// 工作发现指标
	discoveryRequests *prometheus.CounterVec
	discoveryResults  prometheus.Histogram

	// Agent 扫描指标
	sweepRuns    *prometheus.CounterVec
	agentsSwept  prometheus.Counter
	agentsByStat *prometheus.GaugeVec

	// 缓存指标
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	// 数据库指标
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec
	dbQueryDuration   *prometheus.HistogramVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 任务与工作流指标
	c.taskTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Total number of committed task state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	c.advanceOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_advance_total",
			Help:      "Workflow advance submissions by outcome",
		},
		[]string{"outcome"}, // advanced, completed, validation_failed, error
	)

	c.operationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "coordination_operation_duration_seconds",
			Help:      "Duration of coordination operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	c.operationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordination_errors_total",
			Help:      "Coordination operation failures by error code",
		},
		[]string{"operation", "code"},
	)

	// 交接指标
	c.handoffsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_created_total",
			Help:      "Total number of handoff packages created",
		},
		[]string{"to_capability"},
	)

	c.handoffsAccepted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_accepted_total",
			Help:      "Total number of handoff packages accepted",
		},
		[]string{"to_capability"},
	)

	c.stalePendingHandoffs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_pending_handoffs",
			Help:      "Unaccepted handoff packages older than the configured age",
		},
	)

	// 工作发现指标
	c.discoveryRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_requests_total",
			Help:      "Total number of work discovery requests",
		},
		[]string{"result"}, // found, empty, at_capacity, error
	)

	c.discoveryResults = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_results",
			Help:      "Number of tasks returned per discovery request",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	// Agent 扫描指标
	c.sweepRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_sweep_runs_total",
			Help:      "Total number of unresponsive-agent sweeps",
		},
		[]string{"status"},
	)

	c.agentsSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agents_marked_unresponsive_total",
			Help:      "Total number of agents marked unresponsive by the sweep",
		},
	)

	c.agentsByStat = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agents",
			Help:      "Registered agents by status",
		},
		[]string{"status"},
	)

	// 缓存指标
	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache_type"},
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache_type"},
	)

	// 数据库指标
	c.dbConnectionsOpen = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	c.dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "db_query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"database", "operation"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

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
// 📋 任务与工作流指标记录
// =============================================================================

// RecordTaskTransition 记录任务状态转换
func (c *Collector) RecordTaskTransition(fromState, toState string) {
	c.taskTransitions.WithLabelValues(fromState, toState).Inc()
}

// RecordAdvance 记录工作流推进结果
func (c *Collector) RecordAdvance(outcome string) {
	c.advanceOutcomes.WithLabelValues(outcome).Inc()
}

// RecordOperation 记录协调操作耗时；code 为空表示成功
func (c *Collector) RecordOperation(operation, code string, duration time.Duration) {
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if code != "" {
		c.operationErrors.WithLabelValues(operation, code).Inc()
	}
}

// =============================================================================
// 🤝 交接指标记录
// =============================================================================

// RecordHandoffCreated 记录交接包创建
func (c *Collector) RecordHandoffCreated(toCapability string) {
	c.handoffsCreated.WithLabelValues(toCapability).Inc()
}

// RecordHandoffAccepted 记录交接包接受
func (c *Collector) RecordHandoffAccepted(toCapability string) {
	c.handoffsAccepted.WithLabelValues(toCapability).Inc()
}

// SetStalePendingHandoffs 设置等待过久的交接包数量
func (c *Collector) SetStalePendingHandoffs(n int) {
	c.stalePendingHandoffs.Set(float64(n))
}

// =============================================================================
// 🔍 工作发现与扫描指标记录
// =============================================================================

// RecordDiscovery 记录一次工作发现
func (c *Collector) RecordDiscovery(result string, returned int) {
	c.discoveryRequests.WithLabelValues(result).Inc()
	c.discoveryResults.Observe(float64(returned))
}

// RecordSweep 记录一次无响应扫描
func (c *Collector) RecordSweep(status string, swept int) {
	c.sweepRuns.WithLabelValues(status).Inc()
	c.agentsSwept.Add(float64(swept))
}

// SetAgentsByStatus 设置各状态的 Agent 数量
func (c *Collector) SetAgentsByStatus(counts map[string]int) {
	c.agentsByStat.Reset()
	for status, n := range counts {
		c.agentsByStat.WithLabelValues(status).Set(float64(n))
	}
}

// =============================================================================
// 💾 缓存指标记录
// =============================================================================

// RecordCacheHit 记录缓存命中
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss 记录缓存未命中
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
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
