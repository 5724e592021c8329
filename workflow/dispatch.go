package workflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/internal/metrics"
	"github.com/BaSui01/dagflow/types"
	"go.uber.org/zap"
)

// Request asks the execution backend to perform one node.
type Request struct {
	Queue      string `json:"queue"`
	WorkflowID string `json:"workflow_id"`
	NodeName   string `json:"node_name"`

	// BatchID is set when the node's completion feeds a join batch.
	BatchID string            `json:"batch_id,omitempty"`
	Trace   map[string]string `json:"trace,omitempty"`
}

// Dispatcher hands execution requests to the asynchronous backend. It
// must not block on execution.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, req Request) error

// Dispatch calls f(ctx, req).
func (f DispatcherFunc) Dispatch(ctx context.Context, req Request) error {
	return f(ctx, req)
}

// QueueKey returns the Redis list holding requests for queue.
func QueueKey(namespace, queue string) string {
	return fmt.Sprintf("%s.queue.%s", namespace, queue)
}

// RedisDispatcher pushes requests onto per-queue Redis lists consumed by
// Worker.
type RedisDispatcher struct {
	kv        *kvstore.Client
	namespace string
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewRedisDispatcher creates a dispatcher writing to namespace queues.
func NewRedisDispatcher(kv *kvstore.Client, namespace string, m *metrics.Collector, logger *zap.Logger) *RedisDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisDispatcher{
		kv:        kv,
		namespace: namespace,
		metrics:   m,
		logger:    logger.With(zap.String("component", "dispatcher")),
	}
}

// Dispatch LPUSHes the request; the queue defaults to the namespace.
func (d *RedisDispatcher) Dispatch(ctx context.Context, req Request) error {
	if req.Queue == "" {
		req.Queue = d.namespace
	}
	data, err := json.Marshal(req)
	if err != nil {
		return types.NewError(types.ErrDispatchFailed, "encode request").WithCause(err)
	}
	if err := d.kv.LPush(ctx, QueueKey(d.namespace, req.Queue), string(data)); err != nil {
		return types.Errorf(types.ErrDispatchFailed, "push %s", req.NodeName).WithCause(err)
	}

	d.metrics.RecordDispatch(req.Queue)
	d.logger.Debug("node dispatched",
		zap.String("queue", req.Queue),
		zap.String("workflow_id", req.WorkflowID),
		zap.String("node", req.NodeName),
		zap.String("batch_id", req.BatchID),
	)
	return nil
}
