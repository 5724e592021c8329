package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/internal/pool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// WorkerConfig configures a queue consumer.
type WorkerConfig struct {
	// Queues to consume; defaults to the engine namespace.
	Queues []string

	// Concurrency bounds the nodes executing at once.
	Concurrency int

	// PollTimeout is the blocking pop timeout per poll.
	PollTimeout time.Duration

	// RateLimit caps polls per second per queue; 0 disables it.
	RateLimit float64
}

// Worker consumes execution requests from Redis queues and performs them
// on a bounded goroutine pool.
type Worker struct {
	engine  *Engine
	kv      *kvstore.Client
	config  WorkerConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewWorker creates a worker for engine reading from kv.
func NewWorker(engine *Engine, kv *kvstore.Client, config WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(config.Queues) == 0 {
		config.Queues = []string{engine.namespace}
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 5
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 2 * time.Second
	}

	w := &Worker{
		engine: engine,
		kv:     kv,
		config: config,
		logger: logger.With(zap.String("component", "worker")),
	}
	w.limiter = rate.NewLimiter(pollLimit(config.RateLimit), 1)
	return w
}

// SetRateLimit changes the poll rate of a running worker; 0 disables it.
func (w *Worker) SetRateLimit(perSecond float64) {
	w.limiter.SetLimit(pollLimit(perSecond))
}

func pollLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Run consumes every configured queue until ctx is cancelled, then waits
// for in-flight nodes to finish.
func (w *Worker) Run(ctx context.Context) error {
	tasks := pool.NewBounded(w.config.Concurrency, w.logger)

	w.logger.Info("worker started",
		zap.Strings("queues", w.config.Queues),
		zap.Int("concurrency", w.config.Concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	for _, queue := range w.config.Queues {
		queue := queue
		g.Go(func() error {
			return w.consume(gctx, tasks, queue)
		})
	}
	err := g.Wait()

	tasks.Close()
	stats := tasks.Stats()
	w.logger.Info("worker stopped",
		zap.Int64("completed", stats.Completed),
		zap.Int64("failed", stats.Failed),
	)

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) consume(ctx context.Context, tasks *pool.Bounded, queue string) error {
	key := QueueKey(w.engine.namespace, queue)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return nil
		}

		_, payload, err := w.kv.BRPop(ctx, w.config.PollTimeout, key)
		if kvstore.IsNotFound(err) {
			w.reportDepth(ctx, queue, key)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("poll failed", zap.String("queue", queue), zap.Error(err))
			if !sleepCtx(ctx, w.config.PollTimeout) {
				return nil
			}
			continue
		}

		var req Request
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			w.logger.Error("discarding malformed request", zap.String("queue", queue), zap.Error(err))
			continue
		}

		// In-flight nodes outlive shutdown so their state is not torn.
		taskCtx := context.WithoutCancel(ctx)
		err = tasks.Submit(ctx, func(context.Context) error {
			return w.perform(taskCtx, req)
		})
		if err != nil {
			// The request was popped but never ran; put it back.
			w.requeue(key, payload)
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) perform(ctx context.Context, req Request) error {
	err := w.engine.Perform(ctx, req)
	if err != nil {
		w.logger.Warn("perform failed",
			zap.String("workflow_id", req.WorkflowID),
			zap.String("node", req.NodeName),
			zap.Error(err),
		)
	}
	return err
}

func (w *Worker) requeue(key, payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.kv.Redis().RPush(ctx, key, payload).Err(); err != nil {
		w.logger.Error("requeue failed", zap.String("key", key), zap.Error(err))
	}
}

func (w *Worker) reportDepth(ctx context.Context, queue, key string) {
	if w.engine.metrics == nil {
		return
	}
	if depth, err := w.kv.LLen(ctx, key); err == nil {
		w.engine.metrics.RecordQueueDepth(queue, depth)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
