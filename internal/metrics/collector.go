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

// Collector 指标收集器。nil Collector 的所有记录方法都是空操作。
type Collector struct {
	// 节点指标
	nodesDispatched  *prometheus.CounterVec
	nodeTransitions  *prometheus.CounterVec
	nodeDuration     *prometheus.HistogramVec
	workflowsStarted *prometheus.CounterVec

	// 汇合指标
	batchesCreated *prometheus.CounterVec
	batchesFired   *prometheus.CounterVec

	// 锁指标
	lockWait     *prometheus.HistogramVec
	lockTimeouts prometheus.Counter

	// 队列指标
	queueDepth *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器，registerer 为空时注册到默认 Registry
func NewCollector(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 节点指标
	c.nodesDispatched = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_dispatched_total",
			Help:      "Total number of node execution requests sent to a queue",
		},
		[]string{"queue"},
	)

	c.nodeTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Total number of node lifecycle transitions",
		},
		[]string{"class", "state"},
	)

	c.nodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "node_duration_seconds",
			Help:      "Node business logic duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"class", "status"},
	)

	c.workflowsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_started_total",
			Help:      "Total number of started workflows",
		},
		[]string{"class", "nested"},
	)

	// 汇合指标
	c.batchesCreated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_batches_created_total",
			Help:      "Total number of join batches created",
		},
		[]string{"kind"}, // kind: single, group
	)

	c.batchesFired = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_batches_fired_total",
			Help:      "Total number of join batches whose completion callback fired",
		},
		[]string{"kind"},
	)

	// 锁指标
	c.lockWait = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring successor locks",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"outcome"},
	)

	c.lockTimeouts = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_timeouts_total",
			Help:      "Total number of lock acquisitions that exhausted their attempts",
		},
	)

	// 队列指标
	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Number of pending execution requests per queue",
		},
		[]string{"queue"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🧩 节点指标记录
// =============================================================================

// RecordDispatch 记录一次派发
func (c *Collector) RecordDispatch(queue string) {
	if c == nil {
		return
	}
	c.nodesDispatched.WithLabelValues(queue).Inc()
}

// RecordTransition 记录节点状态转换（enqueued, started, finished, failed）
func (c *Collector) RecordTransition(class, state string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(class, state).Inc()
}

// RecordNodeDuration 记录节点业务逻辑耗时
func (c *Collector) RecordNodeDuration(class, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.nodeDuration.WithLabelValues(class, status).Observe(duration.Seconds())
}

// RecordWorkflowStart 记录工作流启动
func (c *Collector) RecordWorkflowStart(class string, nested bool) {
	if c == nil {
		return
	}
	c.workflowsStarted.WithLabelValues(class, boolLabel(nested)).Inc()
}

// =============================================================================
// 🔗 汇合指标记录
// =============================================================================

// RecordBatchCreated 记录批次创建
func (c *Collector) RecordBatchCreated(kind string) {
	if c == nil {
		return
	}
	c.batchesCreated.WithLabelValues(kind).Inc()
}

// RecordBatchFired 记录批次回调触发
func (c *Collector) RecordBatchFired(kind string) {
	if c == nil {
		return
	}
	c.batchesFired.WithLabelValues(kind).Inc()
}

// =============================================================================
// 🔒 锁指标记录
// =============================================================================

// RecordLockWait 记录锁等待
func (c *Collector) RecordLockWait(acquired bool, duration time.Duration) {
	if c == nil {
		return
	}
	outcome := "acquired"
	if !acquired {
		outcome = "timeout"
		c.lockTimeouts.Inc()
	}
	c.lockWait.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordQueueDepth 记录队列积压
func (c *Collector) RecordQueueDepth(queue string, depth int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
