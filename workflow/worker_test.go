package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func runWorker(t *testing.T, h *harness, cfg WorkerConfig) (stop func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	worker := NewWorker(h.engine, h.kv, cfg, zap.NewNop())
	go func() { done <- worker.Run(ctx) }()

	return func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
}

func TestWorker_RunsWorkflowToCompletion(t *testing.T) {
	for _, tt := range bothModes {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			stop := runWorker(t, h, WorkerConfig{Concurrency: 4, PollTimeout: time.Second})
			defer stop()

			w := startDiamond(t, h, tt.mode)

			testutil.AssertEventuallyTrue(t, func() bool {
				return h.count("D") == 1
			}, 10*time.Second)

			fresh, err := h.engine.FindWorkflow(context.Background(), w.ID)
			require.NoError(t, err)
			assert.True(t, fresh.Succeeded())
			assert.Equal(t, 1, h.count("E"))
		})
	}
}

func TestWorker_ConsumesNamedQueues(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("Step")
	require.NoError(t, h.registry.RegisterWorkflow("QueuedWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		_, err := w.Run(ctx, "Step", OnQueue("io"))
		return err
	}))
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, "QueuedWorkflow")
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))

	stop := runWorker(t, h, WorkerConfig{Queues: []string{"io"}, PollTimeout: time.Second, RateLimit: 100})
	defer stop()

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.count("Step") == 1
	}, 10*time.Second)
}

func TestWorker_DiscardsMalformedRequests(t *testing.T) {
	h := newHarness(t)
	startDiamond(t, h, CallbackImmediate)
	_, err := h.mr.Lpush(QueueKey(DefaultNamespace, DefaultNamespace), "{not json")
	require.NoError(t, err)

	stop := runWorker(t, h, WorkerConfig{PollTimeout: time.Second})
	defer stop()

	testutil.AssertEventuallyTrue(t, func() bool {
		return h.count("D") == 1
	}, 10*time.Second)
}

func TestWorker_Defaults(t *testing.T) {
	h := newHarness(t)
	worker := NewWorker(h.engine, h.kv, WorkerConfig{}, nil)

	assert.Equal(t, []string{DefaultNamespace}, worker.config.Queues)
	assert.Equal(t, 5, worker.config.Concurrency)
	assert.Equal(t, 2*time.Second, worker.config.PollTimeout)
	assert.Equal(t, rate.Inf, worker.limiter.Limit())
}

func TestWorker_SetRateLimit(t *testing.T) {
	h := newHarness(t)
	worker := NewWorker(h.engine, h.kv, WorkerConfig{RateLimit: 5}, nil)
	assert.Equal(t, rate.Limit(5), worker.limiter.Limit())

	worker.SetRateLimit(20)
	assert.Equal(t, rate.Limit(20), worker.limiter.Limit())

	worker.SetRateLimit(0)
	assert.Equal(t, rate.Inf, worker.limiter.Limit())
}
