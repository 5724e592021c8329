// =============================================================================
// dagflow 主入口
// =============================================================================
// Worker 进程与运维命令
//
// 使用方法:
//
//	dagflow worker                         # 启动 Worker
//	dagflow worker --config config.yaml    # 指定配置文件
//	dagflow start DemoWorkflow             # 创建并启动工作流
//	dagflow show <workflow-id>             # 查看工作流状态
//	dagflow stop <workflow-id>             # 标记工作流为已停止
//	dagflow health --addr http://localhost:9091
//	dagflow version                        # 显示版本信息
// =============================================================================

package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/BaSui01/dagflow/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 主函数
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "worker":
		err = runWorker(os.Args[2:])
	case "start":
		err = runStart(os.Args[2:], os.Stdout)
	case "show":
		err = runShow(os.Args[2:], os.Stdout)
	case "stop":
		err = runStop(os.Args[2:])
	case "version":
		printVersion()
	case "health":
		err = runHealthCheck(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig 解析 --config 并加载、校验配置，返回配置及文件路径
func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, string, error) {
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, "", err
	}

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}

	cfg, err := loader.Load()
	if err != nil {
		return nil, "", fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", err
	}
	return cfg, *configPath, nil
}

// =============================================================================
// 🏥 健康检查命令
// =============================================================================

func runHealthCheck(args []string) error {
	fs := flag.NewFlagSet("health", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:9091", "Ops server address")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(*addr + "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	fmt.Println("OK")
	return nil
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("dagflow %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`dagflow - Redis-backed DAG job orchestration

Usage:
  dagflow <command> [options]

Commands:
  worker    Consume node execution requests
  start     Create and start a registered workflow
  show      Print a workflow and the state of its nodes
  stop      Mark a workflow as stopped
  version   Show version information
  health    Check ops server health
  help      Show this help message

Options:
  --config <path>   Path to configuration file (YAML)

Examples:
  dagflow worker --config /etc/dagflow/config.yaml
  dagflow start DemoWorkflow
  dagflow show 3f0c9a2e-...
  dagflow health --addr http://localhost:9091
  dagflow version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

// initLogger 返回的 AtomicLevel 供配置热重载调整日志级别
func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		zc.Sampling = nil
	}
	zc.Level = zap.NewAtomicLevelAt(parseLevel(cfg.Level))
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}

	logger, err := zc.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		// 输出路径不可用时退回 stderr
		logger = zap.New(zapcore.NewCore(
			zapcore.NewJSONEncoder(zc.EncoderConfig),
			zapcore.Lock(os.Stderr),
			zc.Level,
		))
		logger.Warn("log outputs unavailable, writing to stderr", zap.Error(err))
	}
	return logger, zc.Level
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
