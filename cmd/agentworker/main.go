// =============================================================================
// AgentWorker 主入口
// =============================================================================
// 监督进程与子进程共用一个二进制。
//
// 使用方法:
//
//	agentworker serve                       # 启动监督进程
//	agentworker serve --config config.yaml  # 指定配置文件
//	agentworker child --config config.yaml  # 由监督进程拉起的执行单元
//	agentworker version                     # 显示版本信息
// =============================================================================

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/livekit/agents-js-sub008/agent/executor"
	"github.com/livekit/agents-js-sub008/agent/worker"
	"github.com/livekit/agents-js-sub008/config"
	"github.com/livekit/agents-js-sub008/internal/metrics"
	"github.com/livekit/agents-js-sub008/internal/pool"
	"github.com/livekit/agents-js-sub008/internal/server"
	"github.com/livekit/agents-js-sub008/internal/telemetry"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		os.Exit(runServe(os.Args[2:]))
	case "child":
		os.Exit(runChild(os.Args[2:]))
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// =============================================================================
// 🖥️ serve 命令
// =============================================================================

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		return 1
	}

	logger, level := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentworker",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit),
		zap.Int("pid", os.Getpid()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelProviders, err := telemetry.Init(ctx, cfg.Telemetry, "supervisor", logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector("agentworker", registry, logger)

	command, err := childCommand(cfg, *configPath)
	if err != nil {
		logger.Error("failed to resolve child command", zap.Error(err))
		return 1
	}
	agents := newRegistry()

	procPool := executor.NewProcPool(executor.PoolOptions{
		Kind:            cfg.Job.Kind,
		NumIdle:         cfg.Pool.NumIdle,
		MaxInitializing: cfg.Pool.MaxInitializing,
		Job: executor.JobOptions{
			Config:   cfg.Executor,
			Command:  command,
			Registry: agents,
		},
		Logger:  logger,
		Metrics: collector,
	})
	procPool.Start()

	var inference *executor.InferenceExecutor
	if cfg.Inference.Enabled {
		inference = executor.NewInferenceExecutor(executor.InferenceOptions{
			Kind:     cfg.Inference.Kind,
			Config:   cfg.Executor,
			Runners:  cfg.Inference.Runners,
			Command:  command,
			Registry: agents,
			Logger:   logger,
			Metrics:  collector,
		})
		if err := startInference(ctx, inference); err != nil {
			logger.Error("inference executor failed to start", zap.Error(err))
		}
	}

	var httpServer *server.Manager
	if cfg.Server.HTTPPort > 0 {
		handler := server.NewHandler(server.Sources{
			Gatherer:  registry,
			Pool:      procPool,
			Inference: inference,
		}, logger)
		httpServer = server.NewManager(handler, server.Config{
			Addr:            fmt.Sprintf(":%d", cfg.Server.HTTPPort),
			ReadTimeout:     cfg.Server.ReadTimeout,
			WriteTimeout:    cfg.Server.WriteTimeout,
			ShutdownTimeout: cfg.Server.ShutdownTimeout,
		}, logger)
		if err := httpServer.Start(); err != nil {
			logger.Error("failed to start HTTP server", zap.Error(err))
			stop()
		}
	}

	var watcher *config.Watcher
	if *configPath != "" {
		watcher, err = config.NewWatcher(loader, cfg, config.WithWatcherLogger(logger))
		if err != nil {
			logger.Warn("config watcher disabled", zap.Error(err))
		} else {
			watcher.OnReload(func(old, updated *config.Config) {
				applyReload(logger, level, old, updated)
			})
			if err := watcher.Start(ctx); err != nil {
				logger.Warn("failed to start config watcher", zap.Error(err))
			}
		}
	}

	var serveErr <-chan error
	if httpServer != nil {
		serveErr = httpServer.Errors()
	}
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		logger.Error("HTTP server exited unexpectedly", zap.Error(err))
	}

	// 关闭顺序: 配置监听 → HTTP → 推理执行器 → 预热池 → 遥测
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Executor.CloseTimeout+cfg.Server.ShutdownTimeout)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", zap.Error(err))
		}
	}
	if inference != nil {
		if err := inference.Close(shutdownCtx); err != nil {
			logger.Warn("inference executor close failed", zap.Error(err))
		}
	}
	if err := procPool.Close(shutdownCtx); err != nil {
		logger.Warn("process pool close failed", zap.Error(err))
	}
	if err := otelProviders.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", zap.Error(err))
	}

	logger.Info("agentworker stopped")
	return 0
}

func startInference(ctx context.Context, inference *executor.InferenceExecutor) error {
	if err := inference.Start(ctx); err != nil {
		return err
	}
	return inference.Initialize(ctx)
}

// childCommand re-executes this binary unless the config names a command.
func childCommand(cfg *config.Config, configPath string) ([]string, error) {
	if cfg.Job.Kind == executor.KindThread && (!cfg.Inference.Enabled || cfg.Inference.Kind == executor.KindThread) {
		return nil, nil
	}
	self, err := os.Executable()
	if err != nil {
		self = ""
	}
	command, err := cfg.JobCommand(self)
	if err != nil {
		return nil, err
	}
	if len(cfg.Job.Command) == 0 && configPath != "" {
		command = append(command, "--config", configPath)
	}
	return command, nil
}

// applyReload applies the settings that can change without a restart.
func applyReload(logger *zap.Logger, level zap.AtomicLevel, old, updated *config.Config) {
	if old.Log.Level != updated.Log.Level {
		if lvl, err := zapcore.ParseLevel(updated.Log.Level); err == nil {
			level.SetLevel(lvl)
			logger.Info("log level changed", zap.String("level", lvl.String()))
		}
	}
	if old.Pool != updated.Pool || old.Executor != updated.Executor || old.Job.Kind != updated.Job.Kind {
		logger.Warn("executor settings changed, restart to apply")
	}
}

// =============================================================================
// 👶 child 命令
// =============================================================================

func runChild(args []string) int {
	fs := flag.NewFlagSet("child", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	loader := config.NewLoader()
	if *configPath != "" {
		loader = loader.WithConfigPath(*configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		// stdout belongs to the parent connection.
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return worker.ExitFailure
	}

	// The supervising process owns interrupt handling and asks units to
	// shut down over IPC.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	return worker.RunProcess(ctx, worker.Options{
		Registry:      newRegistry(),
		LogSink:       zapcore.Lock(os.Stderr),
		OrphanTimeout: cfg.Worker.OrphanTimeout,
		Pool: pool.GoroutinePoolConfig{
			MaxWorkers: cfg.Worker.InferenceWorkers,
			QueueSize:  cfg.Worker.InferenceQueueSize,
		},
	})
}

// =============================================================================
// 📋 版本和帮助
// =============================================================================

func printVersion() {
	fmt.Printf("AgentWorker %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`AgentWorker - supervised agent job and inference runtime

Usage:
  agentworker <command> [options]

Commands:
  serve     Start the supervisor, the warm job pool and the HTTP endpoint
  child     Run an execution unit over stdin/stdout (started by serve)
  version   Show version information
  help      Show this help message

Options for 'serve' and 'child':
  --config <path>   Path to configuration file (YAML)

Environment:
  AGENTWORKER_*     Overrides config fields, e.g. AGENTWORKER_POOL_NUM_IDLE=4

Examples:
  agentworker serve
  agentworker serve --config /etc/agentworker/config.yaml
  agentworker version`)
}

// =============================================================================
// 🔧 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) (*zap.Logger, zap.AtomicLevel) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if lvl, err := zapcore.ParseLevel(cfg.Level); err == nil {
		level.SetLevel(lvl)
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	zapConfig := zap.Config{
		Level:             level,
		Development:       cfg.Format == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger, level
}
