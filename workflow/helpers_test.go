package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/internal/kvstore"
	"github.com/BaSui01/dagflow/testutil"
	"github.com/BaSui01/dagflow/types"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// harness wires an engine to miniredis and runs dispatched requests
// synchronously so graph progress is deterministic.
type harness struct {
	t        *testing.T
	mr       *miniredis.Miniredis
	kv       *kvstore.Client
	registry *Registry
	engine   *Engine

	mu        sync.Mutex
	performed []string
	payloads  map[string][]Payload
	fail      map[string]error
}

func testLockOptions() LockOptions {
	return LockOptions{
		Lease:        5 * time.Second,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  200,
	}
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	mr, kv := testutil.NewRedis(t)
	h := &harness{
		t:        t,
		mr:       mr,
		kv:       kv,
		registry: NewRegistry(),
		payloads: make(map[string][]Payload),
		fail:     make(map[string]error),
	}
	opts = append([]Option{WithLockOptions(testLockOptions()), WithLogger(zap.NewNop())}, opts...)
	h.engine = NewEngine(kv, h.registry, opts...)
	return h
}

// job returns a JobFunc that records the run, captures payloads and
// outputs {"by": class}.
func (h *harness) job() JobFunc {
	return func(ctx context.Context, node *Node) error {
		payloads, err := node.Payloads(ctx)
		if err != nil {
			return err
		}

		h.mu.Lock()
		h.performed = append(h.performed, node.Class)
		h.payloads[node.Class] = payloads
		failure := h.fail[node.Class]
		h.mu.Unlock()

		if failure != nil {
			return failure
		}
		return node.SetOutput(map[string]string{"by": node.Class})
	}
}

func (h *harness) registerJobs(classes ...string) {
	h.t.Helper()
	for _, class := range classes {
		require.NoError(h.t, h.registry.RegisterJobFunc(class, h.job()))
	}
}

func (h *harness) failOn(class string) {
	h.mu.Lock()
	h.fail[class] = errors.New(class + " exploded")
	h.mu.Unlock()
}

func (h *harness) ran() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.performed...)
}

func (h *harness) count(class string) int {
	n := 0
	for _, c := range h.ran() {
		if c == class {
			n++
		}
	}
	return n
}

// pending lists queued requests without consuming them.
func (h *harness) pending() []Request {
	h.t.Helper()
	ctx := context.Background()

	keys, err := h.kv.Keys(ctx, h.engine.Namespace()+".queue.*")
	require.NoError(h.t, err)
	sort.Strings(keys)

	var reqs []Request
	for _, key := range keys {
		items, err := h.kv.Redis().LRange(ctx, key, 0, -1).Result()
		require.NoError(h.t, err)
		for i := len(items) - 1; i >= 0; i-- {
			var req Request
			require.NoError(h.t, json.Unmarshal([]byte(items[i]), &req))
			reqs = append(reqs, req)
		}
	}
	return reqs
}

// pop removes the oldest queued request; ok is false when all queues are empty.
func (h *harness) pop() (Request, bool) {
	h.t.Helper()
	ctx := context.Background()

	keys, err := h.kv.Keys(ctx, h.engine.Namespace()+".queue.*")
	require.NoError(h.t, err)
	sort.Strings(keys)

	for _, key := range keys {
		item, err := h.kv.Redis().RPop(ctx, key).Result()
		if err != nil {
			continue
		}
		var req Request
		require.NoError(h.t, json.Unmarshal([]byte(item), &req))
		return req, true
	}
	return Request{}, false
}

// drain performs queued requests until none remain. Job failures are
// expected in some scenarios and are not fatal.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 1000; i++ {
		req, ok := h.pop()
		if !ok {
			return
		}
		err := h.engine.Perform(context.Background(), req)
		if err != nil && !isJobFailure(err) {
			h.t.Fatalf("perform %s: %v", req.NodeName, err)
		}
	}
	h.t.Fatal("queue never drained")
}

func (h *harness) node(t *testing.T, w *Workflow, ref string) *Node {
	t.Helper()
	v, err := h.engine.Store().FindNode(context.Background(), w.FindNode(ref).Name(), w.ID)
	require.NoError(t, err)
	n, ok := v.(*Node)
	require.True(t, ok, "%s is not a node", ref)
	return n
}

func isJobFailure(err error) bool {
	return types.IsErrorCode(err, types.ErrJobFailed)
}

// diamond declares A -> {B, C} -> E -> D.
func diamond(ctx context.Context, w *Workflow, _ ...any) error {
	a, err := w.Run(ctx, "A")
	if err != nil {
		return err
	}
	b, err := w.Run(ctx, "B", After(a))
	if err != nil {
		return err
	}
	c, err := w.Run(ctx, "C", After(a))
	if err != nil {
		return err
	}
	e, err := w.Run(ctx, "E", After(b, c))
	if err != nil {
		return err
	}
	_, err = w.Run(ctx, "D", After(e))
	return err
}
