package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/workflow"
)

// =============================================================================
// 🧩 示例工作流
// =============================================================================
// DemoWorkflow:
//
//	Fetch → {Parse, Enrich} → Merge → ReportWorkflow(Summarize → Publish)
//
// 启动参数（可选）作为抓取源，例如 dagflow start DemoWorkflow a.csv b.csv
// =============================================================================

// demoRegistry 注册 Worker 可执行的示例任务和工作流
func demoRegistry() *workflow.Registry {
	r := workflow.NewRegistry()
	mustRegister(r.RegisterJobFunc("Fetch", fetchJob))
	mustRegister(r.RegisterJobFunc("Parse", stepJob("parsed")))
	mustRegister(r.RegisterJobFunc("Enrich", stepJob("enriched")))
	mustRegister(r.RegisterJobFunc("Merge", mergeJob))
	mustRegister(r.RegisterJobFunc("Summarize", stepJob("summary")))
	mustRegister(r.RegisterJobFunc("Publish", stepJob("published")))
	mustRegister(r.RegisterWorkflow("DemoWorkflow", configureDemo))
	mustRegister(r.RegisterWorkflow("ReportWorkflow", configureReport))
	return r
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}

func configureDemo(ctx context.Context, w *workflow.Workflow, args ...any) error {
	sources := make([]string, 0, len(args))
	for _, a := range args {
		sources = append(sources, fmt.Sprint(a))
	}
	if len(sources) == 0 {
		sources = []string{"default"}
	}

	fetch, err := w.Run(ctx, "Fetch", workflow.WithParams(map[string]any{"sources": sources}))
	if err != nil {
		return err
	}
	parse, err := w.Run(ctx, "Parse", workflow.After(fetch))
	if err != nil {
		return err
	}
	enrich, err := w.Run(ctx, "Enrich", workflow.After(fetch))
	if err != nil {
		return err
	}
	merge, err := w.Run(ctx, "Merge", workflow.After(parse, enrich))
	if err != nil {
		return err
	}
	_, err = w.Run(ctx, "ReportWorkflow", workflow.After(merge))
	return err
}

func configureReport(ctx context.Context, w *workflow.Workflow, _ ...any) error {
	summarize, err := w.Run(ctx, "Summarize")
	if err != nil {
		return err
	}
	_, err = w.Run(ctx, "Publish", workflow.After(summarize))
	return err
}

func fetchJob(ctx context.Context, n *workflow.Node) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
	}
	return n.SetOutput(map[string]any{"sources": n.Params["sources"]})
}

// stepJob 输出 {"step": name, "inputs": 前驱类名}
func stepJob(step string) workflow.JobFunc {
	return func(ctx context.Context, n *workflow.Node) error {
		payloads, err := n.Payloads(ctx)
		if err != nil {
			return err
		}
		inputs := make([]string, 0, len(payloads))
		for _, p := range payloads {
			inputs = append(inputs, p.Class)
		}
		return n.SetOutput(map[string]any{"step": step, "inputs": inputs})
	}
}

func mergeJob(ctx context.Context, n *workflow.Node) error {
	payloads, err := n.Payloads(ctx)
	if err != nil {
		return err
	}
	if len(payloads) != 2 {
		return fmt.Errorf("merge expects 2 inputs, got %d", len(payloads))
	}
	parts := make([]string, 0, len(payloads))
	for _, p := range payloads {
		parts = append(parts, string(p.Output))
	}
	return n.SetOutput(map[string]any{"merged": strings.Join(parts, ",")})
}
