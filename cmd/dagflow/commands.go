package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BaSui01/dagflow"
	"github.com/BaSui01/dagflow/config"
	"github.com/BaSui01/dagflow/workflow"
	"go.uber.org/zap"
)

// =============================================================================
// 🚀 worker 命令
// =============================================================================

func runWorker(args []string) error {
	cfg, configPath, err := loadConfig(flag.NewFlagSet("worker", flag.ExitOnError), args)
	if err != nil {
		return err
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting dagflow worker",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.Strings("queues", cfg.QueueNames()),
		zap.Int("concurrency", cfg.Worker.Concurrency),
	)

	rt, err := dagflow.New(cfg, demoRegistry(), dagflow.WithLogger(logger))
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := rt.Close(shutdownCtx); err != nil {
			logger.Error("Shutdown error", zap.Error(err))
		}
	}()

	if err := rt.StartOps(opsMiddleware(logger)...); err != nil {
		return fmt.Errorf("start ops server: %w", err)
	}
	if addr := rt.OpsAddr(); addr != "" {
		logger.Info("Ops server listening", zap.String("addr", addr))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := rt.NewWorker()
	if configPath != "" {
		reloader := config.NewReloader(configPath, cfg, config.WithReloadLogger(logger))
		reloader.OnReload(applyReload(level, worker))
		go reloader.Run(ctx)
	}

	err = worker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("Worker stopped")
	return err
}

// =============================================================================
// ▶️ start / show / stop 命令
// =============================================================================

func runStart(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() < 1 {
		return errors.New("usage: dagflow start <workflow-class> [args...]")
	}

	rt, err := openRuntime(cfg, demoRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	ctx := context.Background()
	w, err := startWorkflow(ctx, rt.Engine(), fs.Arg(0), fs.Args()[1:])
	if err != nil {
		return err
	}
	fmt.Fprintln(out, w.ID)
	return nil
}

func runShow(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("show", flag.ExitOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: dagflow show <workflow-id>")
	}

	rt, err := openRuntime(cfg, demoRegistry().AllowUnknown())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	ctx := context.Background()
	w, err := rt.Engine().FindWorkflow(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	printWorkflow(out, w, 0)

	if h := rt.History(); h != nil {
		execs, err := h.Executions(ctx, w.ID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if len(execs) > 0 {
			fmt.Fprintln(out, "\nHistory:")
		}
		for _, e := range execs {
			fmt.Fprintf(out, "  %-40s %-10s attempts=%d duration=%s\n", e.NodeName, e.Status, e.Attempts, e.Duration)
		}
	}
	return nil
}

func runStop(args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	cfg, _, err := loadConfig(fs, args)
	if err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: dagflow stop <workflow-id>")
	}

	rt, err := openRuntime(cfg, demoRegistry().AllowUnknown())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.Background()) }()

	ctx := context.Background()
	w, err := rt.Engine().FindWorkflow(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	return w.Stop(ctx)
}

// applyReload 将可热重载字段应用到运行中的进程
func applyReload(level zap.AtomicLevel, worker rateLimited) config.ReloadCallback {
	return func(_, next *config.Config, changes []config.Change) {
		for _, change := range changes {
			switch change.Path {
			case "Log.Level":
				level.SetLevel(parseLevel(next.Log.Level))
			case "Worker.RateLimit":
				worker.SetRateLimit(next.Worker.RateLimit)
			}
		}
	}
}

type rateLimited interface {
	SetRateLimit(perSecond float64)
}

// opsMiddleware 运维端点的中间件链，外层在前
func opsMiddleware(logger *zap.Logger) []func(http.Handler) http.Handler {
	return []func(http.Handler) http.Handler{
		Recovery(logger),
		RequestID(),
		OTelTracing(),
		RequestLogger(logger),
	}
}

// openRuntime 为一次性命令创建运行时，不暴露指标端点
func openRuntime(cfg *config.Config, registry *workflow.Registry) (*dagflow.Runtime, error) {
	cfg.Metrics.Enabled = false
	cfg.Telemetry.Enabled = false
	return dagflow.New(cfg, registry, dagflow.WithLogger(zap.NewNop()))
}

// startWorkflow 创建、持久化并启动工作流，命令行参数原样作为构造参数
func startWorkflow(ctx context.Context, engine *workflow.Engine, class string, args []string) (*workflow.Workflow, error) {
	wargs := make([]any, len(args))
	for i, a := range args {
		wargs[i] = a
	}

	w, err := engine.CreateWorkflow(ctx, class, wargs...)
	if err != nil {
		return nil, err
	}
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

// printWorkflow 以缩进树形式输出工作流及其条目状态
func printWorkflow(out io.Writer, w *workflow.Workflow, depth int) {
	indent := strings.Repeat("  ", depth)
	stopped := ""
	if w.Stopped {
		stopped = " (stopped)"
	}
	fmt.Fprintf(out, "%s%s %s [%s]%s\n", indent, w.Class, w.ID, w.Status(), stopped)

	for _, v := range w.Nodes {
		if sub, ok := v.(*workflow.Workflow); ok {
			printWorkflow(out, sub, depth+1)
			continue
		}
		line := fmt.Sprintf("%s  %-48s %s", indent, v.Name(), vertexState(v))
		if n, ok := v.(*workflow.Node); ok && n.Error != "" {
			line += ": " + n.Error
		}
		fmt.Fprintln(out, line)
	}
}

func vertexState(v workflow.Vertex) string {
	switch {
	case v.Failed():
		return "failed"
	case v.Succeeded():
		return "succeeded"
	case v.Started():
		return "running"
	}
	if n, ok := v.(*workflow.Node); ok && n.Enqueued() {
		return "enqueued"
	}
	return "pending"
}
