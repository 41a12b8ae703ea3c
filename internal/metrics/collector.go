// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 所有 Record* 方法对 nil 接收者安全，执行器在未配置指标时可直接传 nil。
type Collector struct {
	// 执行器生命周期指标
	stateTransitions *prometheus.CounterVec
	unitsStarted     *prometheus.CounterVec
	unitsKilled      *prometheus.CounterVec

	// 健康监控指标
	pingRTT         *prometheus.HistogramVec
	unresponsive    *prometheus.CounterVec
	memoryMB        *prometheus.GaugeVec
	skippedMessages *prometheus.CounterVec

	// 推理指标
	inferenceTotal    *prometheus.CounterVec
	inferenceDuration *prometheus.HistogramVec
	inferencePending  prometheus.Gauge

	// 进程池指标
	poolIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 创建指标收集器，reg 为 nil 时注册到默认 Registry
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 执行器生命周期指标
	c.stateTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_state_transitions_total",
			Help:      "Total number of executor state transitions",
		},
		[]string{"kind", "from_state", "to_state"},
	)

	c.unitsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_units_started_total",
			Help:      "Total number of execution units started",
		},
		[]string{"kind"},
	)

	c.unitsKilled = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_units_killed_total",
			Help:      "Total number of execution units forcibly terminated",
		},
		[]string{"kind", "reason"},
	)

	// 健康监控指标
	c.pingRTT = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "executor_ping_rtt_seconds",
			Help:      "Round-trip time of health pings in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"kind"},
	)

	c.unresponsive = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_unresponsive_total",
			Help:      "Total number of missed pong deadlines",
		},
		[]string{"kind"},
	)

	c.memoryMB = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "executor_memory_mb",
			Help:      "Last sampled resident memory of an execution unit in MB",
		},
		[]string{"kind", "executor_id"},
	)

	c.skippedMessages = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executor_ipc_skipped_total",
			Help:      "Total number of IPC messages not sent because the unit was not alive",
		},
		[]string{"kind", "case"},
	)

	// 推理指标
	c.inferenceTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inference_requests_total",
			Help:      "Total number of inference requests",
		},
		[]string{"method", "status"},
	)

	c.inferenceDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "inference_request_duration_seconds",
			Help:      "Inference request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"method"},
	)

	c.inferencePending = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inference_pending_requests",
			Help:      "Number of inference requests waiting for a response",
		},
	)

	// 进程池指标
	c.poolIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_idle_executors",
			Help:      "Number of warmed job executors waiting for a job",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🔄 生命周期指标记录
// =============================================================================

// RecordStateTransition 记录执行器状态转换
func (c *Collector) RecordStateTransition(kind, from, to string) {
	if c == nil {
		return
	}
	c.stateTransitions.WithLabelValues(kind, from, to).Inc()
}

// RecordUnitStarted 记录执行单元启动
func (c *Collector) RecordUnitStarted(kind string) {
	if c == nil {
		return
	}
	c.unitsStarted.WithLabelValues(kind).Inc()
}

// RecordUnitKilled 记录执行单元被强制终止
func (c *Collector) RecordUnitKilled(kind, reason string) {
	if c == nil {
		return
	}
	c.unitsKilled.WithLabelValues(kind, reason).Inc()
}

// =============================================================================
// 💓 健康监控指标记录
// =============================================================================

// RecordPing 记录心跳往返时延
func (c *Collector) RecordPing(kind string, rtt time.Duration) {
	if c == nil {
		return
	}
	c.pingRTT.WithLabelValues(kind).Observe(rtt.Seconds())
}

// RecordUnresponsive 记录心跳超时
func (c *Collector) RecordUnresponsive(kind string) {
	if c == nil {
		return
	}
	c.unresponsive.WithLabelValues(kind).Inc()
}

// RecordMemory 记录内存采样
func (c *Collector) RecordMemory(kind, executorID string, mb float64) {
	if c == nil {
		return
	}
	c.memoryMB.WithLabelValues(kind, executorID).Set(mb)
}

// ForgetExecutor 删除已关闭执行器的内存序列
func (c *Collector) ForgetExecutor(kind, executorID string) {
	if c == nil {
		return
	}
	c.memoryMB.DeleteLabelValues(kind, executorID)
}

// RecordSkippedMessage 记录因单元不存活而跳过的消息
func (c *Collector) RecordSkippedMessage(kind, msgCase string) {
	if c == nil {
		return
	}
	c.skippedMessages.WithLabelValues(kind, msgCase).Inc()
}

// =============================================================================
// 🧠 推理指标记录
// =============================================================================

// RecordInference 记录推理请求
func (c *Collector) RecordInference(method, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.inferenceTotal.WithLabelValues(method, status).Inc()
	c.inferenceDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// SetInferencePending 设置等待中的推理请求数
func (c *Collector) SetInferencePending(n int) {
	if c == nil {
		return
	}
	c.inferencePending.Set(float64(n))
}

// SetPoolIdle 设置进程池空闲执行器数
func (c *Collector) SetPoolIdle(n int) {
	if c == nil {
		return
	}
	c.poolIdle.Set(float64(n))
}
