package main

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/testutil"
	"github.com/BaSui01/dagflow/workflow"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newDemoEngine(t *testing.T) (*workflow.Engine, *workflow.Worker) {
	t.Helper()
	_, kv := testutil.NewRedis(t)
	engine := workflow.NewEngine(kv, demoRegistry(), workflow.WithLogger(zap.NewNop()))
	worker := workflow.NewWorker(engine, kv, workflow.WorkerConfig{
		Concurrency: 4,
		PollTimeout: time.Second,
	}, zap.NewNop())
	return engine, worker
}

func TestDemoWorkflow_RunsToCompletion(t *testing.T) {
	engine, worker := newDemoEngine(t)
	ctx := testutil.TestContext(t)

	w, err := startWorkflow(ctx, engine, "DemoWorkflow", []string{"a.csv", "b.csv"})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- worker.Run(runCtx) }()

	var fresh *workflow.Workflow
	testutil.AssertEventuallyTrue(t, func() bool {
		fresh, err = engine.FindWorkflow(ctx, w.ID)
		return err == nil && fresh.Finished()
	}, 15*time.Second)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, fresh.Succeeded())
	assert.Equal(t, workflow.StatusFinished, fresh.Status())

	merge := fresh.FindNode("Merge")
	require.NotNil(t, merge)
	var out map[string]string
	require.NoError(t, json.Unmarshal(merge.ResultPayload(), &out))
	assert.Contains(t, out["merged"], `"step":"parsed"`)
	assert.Contains(t, out["merged"], `"step":"enriched"`)

	var buf bytes.Buffer
	printWorkflow(&buf, fresh, 0)
	assert.Contains(t, buf.String(), "DemoWorkflow "+w.ID+" [finished]")
	assert.Contains(t, buf.String(), "  ReportWorkflow ")
	assert.NotContains(t, buf.String(), "pending")
}

func TestStartWorkflow_UnknownClass(t *testing.T) {
	engine, _ := newDemoEngine(t)
	_, err := startWorkflow(testutil.TestContext(t), engine, "NoSuchWorkflow", nil)
	assert.Error(t, err)
}

func TestPrintWorkflow_ShowsStateAndStopped(t *testing.T) {
	engine, _ := newDemoEngine(t)
	ctx := testutil.TestContext(t)

	w, err := startWorkflow(ctx, engine, "DemoWorkflow", nil)
	require.NoError(t, err)
	require.NoError(t, w.Stop(ctx))

	fresh, err := engine.FindWorkflow(ctx, w.ID)
	require.NoError(t, err)

	var buf bytes.Buffer
	printWorkflow(&buf, fresh, 0)
	out := buf.String()
	assert.Contains(t, out, "(stopped)")
	assert.Contains(t, out, "enqueued")
	assert.Contains(t, out, "pending")
}

func TestVertexState(t *testing.T) {
	tests := []struct {
		name string
		node *workflow.Node
		want string
	}{
		{"pending", &workflow.Node{}, "pending"},
		{"enqueued", &workflow.Node{EnqueuedAt: 1}, "enqueued"},
		{"running", &workflow.Node{EnqueuedAt: 1, StartedAt: 2}, "running"},
		{"succeeded", &workflow.Node{StartedAt: 2, FinishedAt: 3}, "succeeded"},
		{"failed", &workflow.Node{StartedAt: 2, FinishedAt: 3, FailedAt: 3}, "failed"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, vertexState(tt.node))
		})
	}
}

func TestRunStartAndShow_UseEnvironmentConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	t.Setenv("DAGFLOW_REDIS_ADDR", mr.Addr())
	t.Setenv("DAGFLOW_REDIS_HEALTH_CHECK_INTERVAL", "0s")

	var out bytes.Buffer
	require.NoError(t, runStart([]string{"DemoWorkflow", "x.csv"}, &out))
	id := bytes.TrimSpace(out.Bytes())
	require.NotEmpty(t, id)

	out.Reset()
	require.NoError(t, runShow([]string{string(id)}, &out))
	assert.Contains(t, out.String(), "DemoWorkflow "+string(id)+" [running]")

	require.NoError(t, runStop([]string{string(id)}))
	out.Reset()
	require.NoError(t, runShow([]string{string(id)}, &out))
	assert.Contains(t, out.String(), "(stopped)")
}

func TestRunShow_Usage(t *testing.T) {
	var out bytes.Buffer
	assert.Error(t, runShow(nil, &out))
}

type fakeWorker struct{ rate float64 }

func (f *fakeWorker) SetRateLimit(perSecond float64) { f.rate = perSecond }

func TestApplyReload(t *testing.T) {
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	worker := &fakeWorker{}

	next := config.DefaultConfig()
	next.Log.Level = "debug"
	next.Worker.RateLimit = 12

	applyReload(level, worker)(config.DefaultConfig(), next, []config.Change{
		{Path: "Log.Level"},
		{Path: "Worker.RateLimit"},
	})
	assert.Equal(t, zap.DebugLevel, level.Level())
	assert.Equal(t, 12.0, worker.rate)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zap.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zap.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zap.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zap.InfoLevel, parseLevel("verbose"))
}
