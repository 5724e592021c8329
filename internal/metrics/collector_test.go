package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// =============================================================================
// 🧪 Collector 测试
// =============================================================================

func newTestCollector() *Collector {
	return NewCollector("test", prometheus.NewRegistry(), zap.NewNop())
}

func TestNewCollector(t *testing.T) {
	collector := newTestCollector()

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.nodesDispatched)
	assert.NotNil(t, collector.nodeTransitions)
	assert.NotNil(t, collector.batchesFired)
	assert.NotNil(t, collector.lockWait)
}

func TestCollector_RecordDispatch(t *testing.T) {
	collector := newTestCollector()

	collector.RecordDispatch("dwf")
	collector.RecordDispatch("dwf")
	collector.RecordDispatch("critical")

	assert.Equal(t, 2.0, testutil.ToFloat64(collector.nodesDispatched.WithLabelValues("dwf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.nodesDispatched.WithLabelValues("critical")))
}

func TestCollector_RecordTransition(t *testing.T) {
	collector := newTestCollector()

	collector.RecordTransition("Fetch", "started")
	collector.RecordTransition("Fetch", "finished")
	collector.RecordNodeDuration("Fetch", "finished", 20*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.nodeTransitions.WithLabelValues("Fetch", "finished")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.nodeDuration))
}

func TestCollector_RecordBatches(t *testing.T) {
	collector := newTestCollector()

	collector.RecordBatchCreated("group")
	collector.RecordBatchCreated("single")
	collector.RecordBatchFired("group")

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesCreated.WithLabelValues("group")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.batchesFired.WithLabelValues("group")))
	assert.Equal(t, 0.0, testutil.ToFloat64(collector.batchesFired.WithLabelValues("single")))
}

func TestCollector_RecordLockWait(t *testing.T) {
	collector := newTestCollector()

	collector.RecordLockWait(true, time.Millisecond)
	collector.RecordLockWait(false, time.Second)

	assert.Equal(t, 1.0, testutil.ToFloat64(collector.lockTimeouts))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.lockWait))
}

func TestCollector_QueueAndWorkflow(t *testing.T) {
	collector := newTestCollector()

	collector.RecordQueueDepth("dwf", 7)
	collector.RecordWorkflowStart("Pipeline", true)

	assert.Equal(t, 7.0, testutil.ToFloat64(collector.queueDepth.WithLabelValues("dwf")))
	assert.Equal(t, 1.0, testutil.ToFloat64(collector.workflowsStarted.WithLabelValues("Pipeline", "true")))
}

func TestCollector_NilIsNoop(t *testing.T) {
	var collector *Collector

	assert.NotPanics(t, func() {
		collector.RecordDispatch("dwf")
		collector.RecordTransition("A", "started")
		collector.RecordNodeDuration("A", "finished", time.Second)
		collector.RecordWorkflowStart("W", false)
		collector.RecordBatchCreated("group")
		collector.RecordBatchFired("group")
		collector.RecordLockWait(false, time.Second)
		collector.RecordQueueDepth("dwf", 1)
	})
}
