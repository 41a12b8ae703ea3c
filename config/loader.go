// =============================================================================
// 📦 AgentWorker 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("agentworker.yaml").
//	    WithEnvPrefix("AGENTWORKER").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livekit/agents-js-sub008/agent/executor"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 AgentWorker 的完整配置结构
type Config struct {
	// Executor 执行单元监管配置（超时、心跳、内存阈值）
	Executor executor.Config `yaml:"executor" env:"EXECUTOR"`

	// Job 作业执行器配置
	Job JobConfig `yaml:"job" env:"JOB"`

	// Inference 推理执行器配置
	Inference InferenceConfig `yaml:"inference" env:"INFERENCE"`

	// Pool 预热进程池配置
	Pool PoolConfig `yaml:"pool" env:"POOL"`

	// Worker 子端运行时配置
	Worker WorkerConfig `yaml:"worker" env:"WORKER"`

	// Server 指标与健康检查 HTTP 服务配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// JobConfig 作业执行器配置
type JobConfig struct {
	// 执行单元类型: process 或 thread
	Kind executor.Kind `yaml:"kind" env:"KIND"`
	// 默认智能体名称
	AgentName string `yaml:"agent_name" env:"AGENT_NAME"`
	// 子进程命令，为空时重新执行当前二进制的 child 子命令
	Command []string `yaml:"command" env:"COMMAND"`
}

// InferenceConfig 推理执行器配置
type InferenceConfig struct {
	// 是否启动共享推理执行器
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// 执行单元类型: process 或 thread
	Kind executor.Kind `yaml:"kind" env:"KIND"`
	// 加载的运行器 ID 列表
	Runners []string `yaml:"runners" env:"RUNNERS"`
}

// PoolConfig 预热进程池配置
type PoolConfig struct {
	// 保持就绪的空闲执行器数量
	NumIdle int `yaml:"num_idle" env:"NUM_IDLE"`
	// 同时初始化的执行器上限
	MaxInitializing int `yaml:"max_initializing" env:"MAX_INITIALIZING"`
}

// WorkerConfig 子端运行时配置
type WorkerConfig struct {
	// 未收到 ping 时自行退出的时间
	OrphanTimeout time.Duration `yaml:"orphan_timeout" env:"ORPHAN_TIMEOUT"`
	// 推理协程池大小
	InferenceWorkers int `yaml:"inference_workers" env:"INFERENCE_WORKERS"`
	// 推理任务队列长度
	InferenceQueueSize int `yaml:"inference_queue_size" env:"INFERENCE_QUEUE_SIZE"`
}

// ServerConfig 指标与健康检查服务配置
type ServerConfig struct {
	// HTTP 端口，0 表示不启动
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "AGENTWORKER",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if err := c.Executor.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	// 验证执行单元类型
	if !c.Job.Kind.Valid() {
		errs = append(errs, fmt.Sprintf("invalid job kind %q", c.Job.Kind))
	}
	if c.Inference.Enabled {
		if !c.Inference.Kind.Valid() {
			errs = append(errs, fmt.Sprintf("invalid inference kind %q", c.Inference.Kind))
		}
		if len(c.Inference.Runners) == 0 {
			errs = append(errs, "inference enabled without runners")
		}
	}

	// 验证进程池配置
	if c.Pool.NumIdle < 0 {
		errs = append(errs, "num_idle must not be negative")
	}
	if c.Pool.MaxInitializing <= 0 {
		errs = append(errs, "max_initializing must be positive")
	}

	// 验证子端运行时配置
	if c.Worker.OrphanTimeout <= 0 {
		errs = append(errs, "orphan_timeout must be positive")
	}
	if c.Worker.InferenceWorkers <= 0 {
		errs = append(errs, "inference_workers must be positive")
	}

	// 验证服务器配置
	if c.Server.HTTPPort < 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}

	// 验证遥测配置
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "telemetry sample_rate must be within [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ErrNoCommand 表示 process 类型的作业没有可执行命令
var ErrNoCommand = errors.New("job command is empty")

// JobCommand 返回作业子进程命令，未配置时使用 self + child 子命令
func (c *Config) JobCommand(self string) ([]string, error) {
	if len(c.Job.Command) > 0 {
		return c.Job.Command, nil
	}
	if self == "" {
		return nil, ErrNoCommand
	}
	return []string{self, "child"}, nil
}
