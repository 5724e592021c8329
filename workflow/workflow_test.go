package workflow

import (
	"context"
	"testing"

	"github.com/BaSui01/dagflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflow_SetupResolvesEdges(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("A", "B", "C", "E", "D")
	require.NoError(t, h.registry.RegisterWorkflow("DiamondWorkflow", diamond))

	w, err := h.engine.NewWorkflow(context.Background(), "DiamondWorkflow")
	require.NoError(t, err)
	require.Len(t, w.Nodes, 5)
	assert.Empty(t, w.Dependencies())

	a, b, c, e, d := w.Nodes[0], w.Nodes[1], w.Nodes[2], w.Nodes[3], w.Nodes[4]
	assert.Empty(t, a.Predecessors())
	assert.Equal(t, []string{b.Name(), c.Name()}, a.Successors())
	assert.Equal(t, []string{a.Name()}, b.Predecessors())
	assert.Equal(t, []string{b.Name(), c.Name()}, e.Predecessors())
	assert.Equal(t, []string{d.Name()}, e.Successors())
	assert.Empty(t, d.Successors())

	leaves := w.LeafNodes()
	require.Len(t, leaves, 1)
	assert.Equal(t, d.Name(), leaves[0].Name())
}

func TestWorkflow_BeforeAndDuplicateEdges(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("A", "B")
	require.NoError(t, h.registry.RegisterWorkflow("EdgeWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		b, err := w.Run(ctx, "B")
		if err != nil {
			return err
		}
		_, err = w.Run(ctx, "A", Before(b), Before("B"))
		return err
	}))

	w, err := h.engine.NewWorkflow(context.Background(), "EdgeWorkflow")
	require.NoError(t, err)

	b := w.FindNode("B")
	a := w.FindNode("A")
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.Equal(t, []string{a.Name()}, b.Predecessors())
	assert.Equal(t, []string{b.Name()}, a.Successors())
}

func TestWorkflow_UnknownDependency(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("A")
	require.NoError(t, h.registry.RegisterWorkflow("BrokenWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		_, err := w.Run(ctx, "A", After("Ghost"))
		return err
	}))

	_, err := h.engine.NewWorkflow(context.Background(), "BrokenWorkflow")
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidDependency))
}

func TestWorkflow_SetupTwice(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("A")
	require.NoError(t, h.registry.RegisterWorkflow("OnceWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		_, err := w.Run(ctx, "A")
		return err
	}))

	w, err := h.engine.NewWorkflow(context.Background(), "OnceWorkflow")
	require.NoError(t, err)

	err = w.Setup(context.Background())
	assert.True(t, types.IsErrorCode(err, types.ErrAlreadySetup))
	assert.Len(t, w.Nodes, 1)
}

func TestWorkflow_RunUnknownClass(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.RegisterWorkflow("TypoWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		_, err := w.Run(ctx, "Missing")
		return err
	}))

	_, err := h.engine.NewWorkflow(context.Background(), "TypoWorkflow")
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownClass))

	_, err = h.engine.NewWorkflow(context.Background(), "NoSuchWorkflow")
	assert.True(t, types.IsErrorCode(err, types.ErrUnknownClass))
}

func TestWorkflow_ArgumentsReachConfigurator(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("Step")
	require.NoError(t, h.registry.RegisterWorkflow("FanWorkflow", func(ctx context.Context, w *Workflow, args ...any) error {
		count := args[0].(int)
		for i := 0; i < count; i++ {
			if _, err := w.Run(ctx, "Step", WithParams(map[string]any{"i": i}), OnQueue("fan")); err != nil {
				return err
			}
		}
		return nil
	}))

	ctx := context.Background()
	w, err := h.engine.CreateWorkflow(ctx, "FanWorkflow", 3)
	require.NoError(t, err)
	require.Len(t, w.Nodes, 3)

	require.NoError(t, w.Start(ctx))
	queued := h.pending()
	require.Len(t, queued, 3)
	for _, req := range queued {
		assert.Equal(t, "fan", req.Queue)
	}

	n := h.node(t, w, w.Nodes[2].Name())
	assert.EqualValues(t, 2, n.Params["i"])
}

func TestWorkflow_StatusLifecycle(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("A", "B", "C", "E", "D")
	require.NoError(t, h.registry.RegisterWorkflow("DiamondWorkflow", diamond))
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, "DiamondWorkflow")
	require.NoError(t, err)
	assert.False(t, w.Started())
	assert.Equal(t, StatusRunning, w.Status())

	require.NoError(t, w.Stop(ctx))
	fresh, err := h.engine.FindWorkflow(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, fresh.Stopped)
	assert.Equal(t, StatusStopped, fresh.Status())

	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Reload(ctx))
	assert.False(t, w.Stopped)
	assert.True(t, w.Running())
	assert.Equal(t, StatusRunning, w.Status())

	h.drain()
	require.NoError(t, w.Reload(ctx))
	assert.Equal(t, StatusFinished, w.Status())
}

func TestWorkflow_ReloadKeepsDeclarationOrder(t *testing.T) {
	h := newHarness(t)
	h.registerJobs("A", "B", "C", "E", "D")
	require.NoError(t, h.registry.RegisterWorkflow("DiamondWorkflow", diamond))
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, "DiamondWorkflow")
	require.NoError(t, err)

	fresh, err := h.engine.FindWorkflow(ctx, w.ID)
	require.NoError(t, err)
	require.Len(t, fresh.Nodes, len(w.Nodes))
	for i := range w.Nodes {
		assert.Equal(t, w.Nodes[i].Name(), fresh.Nodes[i].Name())
	}
}

func TestWorkflow_OutputPayload(t *testing.T) {
	h := newHarness(t)
	w := startDiamond(t, h, CallbackImmediate)
	h.drain()
	require.NoError(t, w.Reload(context.Background()))

	outputs := w.OutputPayload()
	require.Len(t, outputs, 1)
	assert.JSONEq(t, `{"by":"D"}`, string(outputs[0]))
	assert.JSONEq(t, `[{"by":"D"}]`, string(w.ResultPayload()))

	payloads, err := w.Payloads(context.Background())
	require.NoError(t, err)
	assert.Nil(t, payloads)
}

func TestWorkflow_EmptyWorkflow(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.RegisterWorkflow("EmptyWorkflow", nil))
	ctx := context.Background()

	w, err := h.engine.CreateWorkflow(ctx, "EmptyWorkflow")
	require.NoError(t, err)
	require.NoError(t, w.Start(ctx))

	assert.Empty(t, h.pending())
	assert.True(t, w.Finished())
	assert.Nil(t, w.ResultPayload())
}

func TestWorkflow_NestedReadiness(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registerJobs("A", "L1")
	require.NoError(t, h.registry.RegisterWorkflow("SubWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		_, err := w.Run(ctx, "L1")
		return err
	}))
	require.NoError(t, h.registry.RegisterWorkflow("ParentWorkflow", func(ctx context.Context, w *Workflow, _ ...any) error {
		a, err := w.Run(ctx, "A")
		if err != nil {
			return err
		}
		_, err = w.Run(ctx, "SubWorkflow", After(a))
		return err
	}))

	parent, err := h.engine.CreateWorkflow(ctx, "ParentWorkflow")
	require.NoError(t, err)

	sub, ok := parent.FindNode("SubWorkflow").(*Workflow)
	require.True(t, ok)
	assert.Equal(t, parent.ID, sub.ParentID)
	assert.Equal(t, parent.CallbackMode, sub.CallbackMode)

	ready, err := sub.ReadyToStart(ctx)
	require.NoError(t, err)
	assert.False(t, ready)

	a := h.node(t, parent, "A")
	a.Start()
	a.Finish()
	require.NoError(t, a.Persist(ctx))

	ready, err = sub.ReadyToStart(ctx)
	require.NoError(t, err)
	assert.True(t, ready)

	require.NoError(t, sub.Start(ctx))
	ready, err = sub.ReadyToStart(ctx)
	require.NoError(t, err)
	assert.False(t, ready)
}
