package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/internal/metrics"
)

// exitWaitTimeout bounds the wait for a unit to disappear after it was
// killed.
const exitWaitTimeout = 5 * time.Second

// State is the lifecycle state of a Supervisor.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateClosing      State = "closing"
	StateClosed       State = "closed"
	StateFailed       State = "failed"
)

// Options configures a Supervisor.
type Options struct {
	// ID identifies the executor in logs and metrics; generated when empty.
	ID string
	// Label is the metrics label for the executor flavour.
	Label  string
	Config Config
	// NewUnit builds the unit on Start.
	NewUnit func() Unit
	// Runners is sent in initializeRequest.
	Runners []string
	Logger  *zap.Logger
	Metrics *metrics.Collector

	// OnMessage receives exiting, done and inferenceResponse messages.
	OnMessage func(msg *ipc.Message)
	// OnExit is called once with the unit's exit code.
	OnExit func(code int)
	// OnMemoryLimit is called before the memory limit policy is applied.
	OnMemoryLimit func(mb float64)
}

// Supervisor owns one execution unit and drives it through
// idle → starting → initializing → running → closing → closed.
type Supervisor struct {
	id     string
	label  string
	cfg    Config
	opts   Options
	logger *zap.Logger

	mu     sync.Mutex
	state  State
	unit   Unit
	live   bool
	health *HealthMonitor
	stop   context.CancelFunc

	initCh   chan struct{}
	initOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once
	closedCh chan struct{}
	loopDone chan struct{}
	exitDone chan struct{}

	skipped atomic.Int64
}

// NewSupervisor creates an idle supervisor. No unit exists until Start.
func NewSupervisor(opts Options) *Supervisor {
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Label == "" {
		opts.Label = "executor"
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{
		id:    opts.ID,
		label: opts.Label,
		cfg:   opts.Config.withDefaults(),
		opts:  opts,
		logger: logger.With(
			zap.String("component", "supervisor"),
			zap.String("executor_id", opts.ID),
		),
		state:    StateIdle,
		initCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		closedCh: make(chan struct{}),
		loopDone: make(chan struct{}),
		exitDone: make(chan struct{}),
	}
}

func (s *Supervisor) ID() string { return s.id }

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// PID returns the pid hosting the unit, 0 before Start.
func (s *Supervisor) PID() int {
	if u := s.currentUnit(); u != nil {
		return u.PID()
	}
	return 0
}

// Health returns the latest health observations.
func (s *Supervisor) Health() HealthState {
	s.mu.Lock()
	h := s.health
	s.mu.Unlock()
	if h == nil {
		return HealthState{}
	}
	return h.State()
}

// SkippedSends counts messages dropped because the unit was not alive.
func (s *Supervisor) SkippedSends() int64 { return s.skipped.Load() }

// Start creates the unit and begins reading from it.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateIdle:
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return ErrAlreadyClosed
	default:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.setStateLocked(StateStarting)
	unit := s.opts.NewUnit()
	s.unit = unit
	s.mu.Unlock()

	if err := unit.Start(ctx); err != nil {
		s.mu.Lock()
		s.setStateLocked(StateFailed)
		s.mu.Unlock()
		s.logger.Error("failed to start execution unit", zap.Error(err))
		return fmt.Errorf("start unit: %w", err)
	}
	s.opts.Metrics.RecordUnitStarted(s.label)
	s.logger.Debug("execution unit started", zap.Int("pid", unit.PID()))

	loopCtx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.stop = cancel
	s.live = true
	s.mu.Unlock()

	go s.recvLoop(loopCtx, unit)
	go s.watchExit(unit)
	return nil
}

// Initialize performs the initialize handshake. On timeout the unit is
// force terminated and the supervisor moves to Failed.
func (s *Supervisor) Initialize(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStarting:
	case StateIdle:
		s.mu.Unlock()
		return ErrNotStarted
	case StateClosing, StateClosed:
		s.mu.Unlock()
		return ErrAlreadyClosed
	default:
		st := s.state
		s.mu.Unlock()
		return invalidState("initialize", st)
	}
	s.setStateLocked(StateInitializing)
	unit := s.unit
	s.mu.Unlock()

	req := ipc.InitializeRequest{
		Logger:            s.cfg.ChildLogger,
		PingInterval:      s.cfg.PingInterval,
		PingTimeout:       s.cfg.PingTimeout,
		HighPingThreshold: s.cfg.HighPingThreshold,
		Runners:           s.opts.Runners,
	}
	if !s.send(ipc.NewInitializeRequest(req)) {
		s.fail("initialize_send_failed")
		return ErrUnitUnavailable
	}

	timer := time.NewTimer(s.cfg.InitializeTimeout)
	defer timer.Stop()

	select {
	case <-s.initCh:
	case <-timer.C:
		s.logger.Error("execution unit initialization timed out, terminating",
			zap.Duration("timeout", s.cfg.InitializeTimeout))
		s.fail("initialize_timeout")
		return ErrInitializeTimeout
	case <-unit.Exited():
		s.fail("exited_during_initialize")
		return fmt.Errorf("unit exited with code %d during initialization: %w", unit.ExitCode(), ErrUnitUnavailable)
	case <-s.closedCh:
		return ErrAlreadyClosed
	case <-ctx.Done():
		s.fail("initialize_cancelled")
		return ctx.Err()
	}

	s.mu.Lock()
	if s.state != StateInitializing {
		s.mu.Unlock()
		return ErrAlreadyClosed
	}
	s.setStateLocked(StateRunning)
	s.health = newHealthMonitor(healthDeps{
		cfg:           s.cfg,
		unit:          unit,
		send:          s.send,
		logger:        s.logger,
		metrics:       s.opts.Metrics,
		label:         s.label,
		id:            s.id,
		onMemoryLimit: s.handleMemoryLimit,
	})
	s.health.Start()
	s.mu.Unlock()

	s.logger.Debug("execution unit initialized")
	return nil
}

// fail terminates the unit and marks the supervisor Failed.
func (s *Supervisor) fail(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.setStateLocked(StateFailed)
	unit := s.unit
	s.mu.Unlock()
	s.terminate(unit, reason)
}

// Close shuts the unit down, gracefully when it is running. It always ends
// in Closed and does not report timeouts as errors.
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	prev := s.state
	switch prev {
	case StateClosed:
		s.mu.Unlock()
		return nil
	case StateClosing:
		s.mu.Unlock()
		select {
		case <-s.closedCh:
		case <-ctx.Done():
		}
		return nil
	case StateIdle:
		s.setStateLocked(StateClosed)
		close(s.closedCh)
		s.mu.Unlock()
		return nil
	}
	s.setStateLocked(StateClosing)
	unit, health, live := s.unit, s.health, s.live
	s.mu.Unlock()

	if health != nil {
		health.Stop()
	}
	if !live {
		s.finishClose(nil)
		return nil
	}

	if (prev == StateRunning || prev == StateInitializing) && s.send(ipc.NewShutdownRequest()) {
		s.awaitExit(ctx, unit)
	}
	if unit.Alive() {
		s.terminate(unit, "close")
	}
	select {
	case <-unit.Exited():
	case <-time.After(exitWaitTimeout):
		s.logger.Error("execution unit did not exit after kill", zap.Int("pid", unit.PID()))
	}

	s.finishClose(unit)
	return nil
}

// finishClose releases the receive loop and the pipe, then reaches Closed.
func (s *Supervisor) finishClose(unit Unit) {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
	if unit != nil {
		if conn := unit.Conn(); conn != nil {
			_ = conn.Close()
		}
		<-s.loopDone
		select {
		case <-unit.Exited():
			<-s.exitDone
		default:
		}
	}

	s.mu.Lock()
	s.setStateLocked(StateClosed)
	close(s.closedCh)
	s.mu.Unlock()
	s.opts.Metrics.ForgetExecutor(s.label, s.id)
	s.logger.Debug("executor closed")
}

// awaitExit waits up to CloseTimeout for done and process exit, killing the
// unit when the wait runs out.
func (s *Supervisor) awaitExit(ctx context.Context, unit Unit) {
	timer := time.NewTimer(s.cfg.CloseTimeout)
	defer timer.Stop()

	done := s.doneCh
	for {
		select {
		case <-done:
			done = nil
		case <-unit.Exited():
			return
		case <-timer.C:
			s.logger.Error("execution unit did not shut down in time, killing",
				zap.Duration("timeout", s.cfg.CloseTimeout),
				zap.Int("pid", unit.PID()))
			s.terminate(unit, "close_timeout")
			return
		case <-ctx.Done():
			s.logger.Warn("close cancelled, killing execution unit", zap.Error(ctx.Err()))
			s.terminate(unit, "close_cancelled")
			return
		}
	}
}

// Join waits for the unit's done message, for the unit to exit, or for the
// supervisor to close. A unit that crashes before sending done still
// releases Join once its exit has been recorded.
func (s *Supervisor) Join(ctx context.Context) error {
	select {
	case <-s.doneCh:
		return nil
	case <-s.exitDone:
		return nil
	case <-s.closedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers msg to the unit. It reports false when the unit is not
// alive or the write failed; the failure is logged, not returned.
func (s *Supervisor) Send(msg *ipc.Message) bool { return s.send(msg) }

func (s *Supervisor) send(msg *ipc.Message) bool {
	unit := s.currentUnit()
	if unit == nil || !unit.Alive() {
		s.skipped.Add(1)
		s.opts.Metrics.RecordSkippedMessage(s.label, string(msg.Case))
		s.logger.Debug("unit not alive, skipping message", zap.String("case", string(msg.Case)))
		return false
	}
	if err := unit.Conn().Send(msg); err != nil {
		s.logger.Warn("failed to send message to unit",
			zap.String("case", string(msg.Case)),
			zap.Error(err))
		return false
	}
	return true
}

func (s *Supervisor) currentUnit() Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unit
}

func (s *Supervisor) recvLoop(ctx context.Context, unit Unit) {
	defer close(s.loopDone)
	conn := unit.Conn()
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			var malformed *ipc.MalformedError
			if errors.As(err, &malformed) {
				s.logger.Warn("dropping malformed frame from unit", zap.Error(err))
				continue
			}
			if ctx.Err() == nil && s.State() == StateRunning {
				s.logger.Warn("lost connection to execution unit", zap.Error(err))
			}
			return
		}
		s.dispatch(msg)
		if msg.Case == ipc.CaseDone {
			return
		}
	}
}

func (s *Supervisor) dispatch(msg *ipc.Message) {
	switch msg.Case {
	case ipc.CaseInitializeResponse:
		s.initOnce.Do(func() { close(s.initCh) })
	case ipc.CasePongResponse:
		s.mu.Lock()
		h := s.health
		s.mu.Unlock()
		if h == nil || msg.Pong == nil {
			s.logger.Debug("pong without active health monitor")
			return
		}
		h.HandlePong(msg.Pong, time.Now())
	case ipc.CaseExiting:
		if msg.Exiting != nil {
			s.logger.Info("execution unit exiting", zap.String("reason", msg.Exiting.Reason))
		}
		s.forward(msg)
	case ipc.CaseDone:
		s.doneOnce.Do(func() { close(s.doneCh) })
		s.forward(msg)
	case ipc.CaseInferenceResponse:
		s.forward(msg)
	default:
		s.logger.Warn("unexpected message from unit", zap.String("case", string(msg.Case)))
	}
}

func (s *Supervisor) forward(msg *ipc.Message) {
	if s.opts.OnMessage != nil {
		s.opts.OnMessage(msg)
	}
}

func (s *Supervisor) watchExit(unit Unit) {
	defer close(s.exitDone)
	<-unit.Exited()
	code := unit.ExitCode()
	switch s.State() {
	case StateRunning, StateInitializing:
		select {
		case <-s.doneCh:
			s.logger.Debug("execution unit exited", zap.Int("exit_code", code))
		default:
			s.logger.Warn("execution unit exited unexpectedly", zap.Int("exit_code", code))
		}
	default:
		s.logger.Debug("execution unit exited", zap.Int("exit_code", code))
	}
	if s.opts.OnExit != nil {
		s.opts.OnExit(code)
	}
}

func (s *Supervisor) terminate(unit Unit, reason string) {
	if unit == nil || !unit.Alive() {
		return
	}
	s.opts.Metrics.RecordUnitKilled(s.label, reason)
	if err := unit.Terminate(); err != nil {
		s.logger.Error("failed to terminate execution unit", zap.String("reason", reason), zap.Error(err))
	}
}

func (s *Supervisor) handleMemoryLimit(mb float64) {
	if s.opts.OnMemoryLimit != nil {
		s.opts.OnMemoryLimit(mb)
	}
	unit := s.currentUnit()
	if s.cfg.MemoryLimitPolicy != MemoryPolicyGraceful {
		s.terminate(unit, "memory_limit")
		return
	}
	if !s.send(ipc.NewShutdownRequest()) {
		s.terminate(unit, "memory_limit")
		return
	}
	go func() {
		timer := time.NewTimer(s.cfg.CloseTimeout)
		defer timer.Stop()
		select {
		case <-unit.Exited():
		case <-s.closedCh:
		case <-timer.C:
			s.terminate(unit, "memory_limit")
		}
	}()
}

// setStateLocked records a transition. Callers hold s.mu.
func (s *Supervisor) setStateLocked(to State) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	s.opts.Metrics.RecordStateTransition(s.label, string(from), string(to))
}
