package executor

import (
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/internal/metrics"
)

// memoryWarnInterval throttles the memory warning while a unit stays above
// MemoryWarnMB.
const memoryWarnInterval = 30 * time.Second

// HealthState is the latest liveness and memory observation of a unit.
type HealthState struct {
	LastPingSentAt     time.Time
	LastPongReceivedAt time.Time
	LastRTT            time.Duration
	LastMemoryMB       float64
	Unresponsive       bool
}

type healthDeps struct {
	cfg           Config
	unit          Unit
	send          func(*ipc.Message) bool
	logger        *zap.Logger
	metrics       *metrics.Collector
	label         string
	id            string
	onMemoryLimit func(mb float64)
}

// HealthMonitor pings a running unit and samples its memory on a single
// ticker. Missing pongs and high memory only produce warnings; the memory
// limit fires onMemoryLimit once.
type HealthMonitor struct {
	deps healthDeps

	mu        sync.Mutex
	state     HealthState
	pongTimer *time.Timer
	limitHit  bool
	memWarn   rate.Sometimes

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newHealthMonitor(deps healthDeps) *HealthMonitor {
	return &HealthMonitor{
		deps:    deps,
		memWarn: rate.Sometimes{First: 1, Interval: memoryWarnInterval},
		stopCh:  make(chan struct{}),
	}
}

// Start launches the ticker. The first ping goes out one interval later.
func (h *HealthMonitor) Start() {
	h.wg.Add(1)
	go h.run()
}

// Stop halts the ticker and the pong timer. Idempotent.
func (h *HealthMonitor) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
	h.mu.Lock()
	if h.pongTimer != nil {
		h.pongTimer.Stop()
		h.pongTimer = nil
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *HealthMonitor) run() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.deps.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case now := <-ticker.C:
			h.ping(now)
			h.sampleMemory()
		}
	}
}

// ping arms the pong deadline even when the send was skipped: a unit that
// died without notice must still be reported unresponsive. Once reported,
// the deadline is not re-armed until a pong arrives.
func (h *HealthMonitor) ping(now time.Time) {
	sent := h.deps.send(ipc.NewPingRequest(ipc.NowMillis(now)))
	h.mu.Lock()
	defer h.mu.Unlock()
	if sent {
		h.state.LastPingSentAt = now
	}
	if h.pongTimer == nil && !h.state.Unresponsive {
		h.pongTimer = time.AfterFunc(h.deps.cfg.PingTimeout, h.unresponsive)
	}
}

func (h *HealthMonitor) unresponsive() {
	h.mu.Lock()
	select {
	case <-h.stopCh:
		h.mu.Unlock()
		return
	default:
	}
	h.pongTimer = nil
	h.state.Unresponsive = true
	h.mu.Unlock()

	h.deps.metrics.RecordUnresponsive(h.deps.label)
	h.deps.logger.Warn("execution unit is unresponsive",
		zap.Duration("ping_timeout", h.deps.cfg.PingTimeout),
		zap.Int("pid", h.deps.unit.PID()))
}

// HandlePong records the round trip of an answered ping.
func (h *HealthMonitor) HandlePong(pong *ipc.PongResponse, now time.Time) {
	rtt := now.Sub(time.UnixMilli(pong.LastTimestamp))
	if rtt < 0 {
		rtt = 0
	}

	h.mu.Lock()
	if h.pongTimer != nil {
		h.pongTimer.Stop()
		h.pongTimer = nil
	}
	h.state.LastPongReceivedAt = now
	h.state.LastRTT = rtt
	h.state.Unresponsive = false
	h.mu.Unlock()

	h.deps.metrics.RecordPing(h.deps.label, rtt)
	if rtt > h.deps.cfg.HighPingThreshold {
		h.deps.logger.Warn("high ping to execution unit",
			zap.Duration("delay", rtt),
			zap.Duration("threshold", h.deps.cfg.HighPingThreshold))
	}
}

func (h *HealthMonitor) sampleMemory() {
	mb := h.deps.unit.MemoryMB()
	h.deps.metrics.RecordMemory(h.deps.label, h.deps.id, mb)

	h.mu.Lock()
	h.state.LastMemoryMB = mb
	limit := h.deps.cfg.MemoryLimitMB
	overLimit := limit > 0 && mb > limit && !h.limitHit
	if overLimit {
		h.limitHit = true
	}
	h.mu.Unlock()

	if overLimit {
		h.deps.logger.Error("execution unit exceeded memory limit",
			zap.Float64("memory_mb", mb),
			zap.Float64("limit_mb", limit),
			zap.String("policy", string(h.deps.cfg.MemoryLimitPolicy)))
		if h.deps.onMemoryLimit != nil {
			h.deps.onMemoryLimit(mb)
		}
		return
	}

	if warn := h.deps.cfg.MemoryWarnMB; warn > 0 && mb > warn {
		h.memWarn.Do(func() {
			h.deps.logger.Warn("execution unit memory usage is high",
				zap.Float64("memory_mb", mb),
				zap.Float64("warn_mb", warn),
				zap.Float64("limit_mb", limit))
		})
	}
}
