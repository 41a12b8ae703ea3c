// =============================================================================
// 📦 AgentWorker 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/livekit/agents-js-sub008/agent/executor"
	"github.com/livekit/agents-js-sub008/agent/worker"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Executor:  executor.DefaultConfig(),
		Job:       DefaultJobConfig(),
		Inference: DefaultInferenceConfig(),
		Pool:      DefaultPoolConfig(),
		Worker:    DefaultWorkerConfig(),
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultJobConfig 返回默认作业配置
func DefaultJobConfig() JobConfig {
	return JobConfig{
		Kind:      executor.KindProcess,
		AgentName: "default-agent",
	}
}

// DefaultInferenceConfig 返回默认推理配置
func DefaultInferenceConfig() InferenceConfig {
	return InferenceConfig{
		Enabled: false,
		Kind:    executor.KindProcess,
	}
}

// DefaultPoolConfig 返回默认进程池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		NumIdle:         3,
		MaxInitializing: 2,
	}
}

// DefaultWorkerConfig 返回默认子端运行时配置
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		OrphanTimeout:      worker.DefaultOrphanTimeout,
		InferenceWorkers:   8,
		InferenceQueueSize: 64,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8081,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "agentworker",
		SampleRate:   0.1,
	}
}
