package executor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/internal/metrics"
	"github.com/livekit/agents-js-sub008/types"
)

func fastConfig() Config {
	return Config{
		InitializeTimeout: time.Second,
		CloseTimeout:      time.Second,
		PingInterval:      time.Hour,
		PingTimeout:       time.Hour,
		HighPingThreshold: time.Second,
	}
}

func newObservedSupervisor(t *testing.T, unit *fakeUnit, cfg Config) (*Supervisor, *observer.ObservedLogs) {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	s := NewSupervisor(Options{
		ID:      "test-executor",
		Label:   "test",
		Config:  cfg,
		NewUnit: func() Unit { return unit },
		Logger:  zap.New(core),
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, logs
}

func TestSupervisor_Lifecycle(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true, answerShutdown: true})
	s, _ := newObservedSupervisor(t, unit, fastConfig())
	ctx := context.Background()

	assert.Equal(t, StateIdle, s.State())
	assert.Equal(t, 0, s.PID())

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, StateStarting, s.State())
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyStarted)

	require.NoError(t, s.Initialize(ctx))
	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 4242, s.PID())
	assert.True(t, unit.sawCase(ipc.CaseInitializeRequest, time.Second))

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, unit.sawCase(ipc.CaseShutdownRequest, time.Second))
	assert.Equal(t, int32(0), unit.terminated.Load(), "graceful close must not kill")
	assert.Equal(t, 0, unit.ExitCode())

	require.NoError(t, s.Join(ctx))
	require.NoError(t, s.Close(ctx))
	assert.ErrorIs(t, s.Start(ctx), ErrAlreadyClosed)
}

func TestSupervisor_InvalidTransitions(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true, answerShutdown: true})
	s, _ := newObservedSupervisor(t, unit, fastConfig())
	ctx := context.Background()

	assert.ErrorIs(t, s.Initialize(ctx), ErrNotStarted)

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Initialize(ctx))

	err := s.Initialize(ctx)
	assert.True(t, types.IsErrorCode(err, types.ErrInvalidTransition), "got %v", err)
}

func TestSupervisor_InitializeTimeoutTerminates(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{})
	cfg := fastConfig()
	cfg.InitializeTimeout = 50 * time.Millisecond
	s, logs := newObservedSupervisor(t, unit, cfg)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	start := time.Now()
	err := s.Initialize(ctx)
	assert.ErrorIs(t, err, ErrInitializeTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
	assert.Equal(t, StateFailed, s.State())
	assert.Equal(t, int32(1), unit.terminated.Load())
	assert.Equal(t, 1, logs.FilterMessage("execution unit initialization timed out, terminating").Len())

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, StateClosed, s.State())
}

func TestSupervisor_CloseTimeoutKills(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true})
	cfg := fastConfig()
	cfg.CloseTimeout = 50 * time.Millisecond
	s, logs := newObservedSupervisor(t, unit, cfg)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Initialize(ctx))

	require.NoError(t, s.Close(ctx), "close timeouts are not errors")
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(1), unit.terminated.Load())
	assert.Equal(t, 1, logs.FilterMessage("execution unit did not shut down in time, killing").Len())

	require.NoError(t, s.Join(ctx))
}

func TestSupervisor_CloseFromIdle(t *testing.T) {
	unit := newFakeUnit()
	s, _ := newObservedSupervisor(t, unit, fastConfig())

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.False(t, unit.started.Load())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.Join(ctx))
}

func TestSupervisor_CloseAfterStartOnly(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{})
	s, _ := newObservedSupervisor(t, unit, fastConfig())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, int32(1), unit.terminated.Load())
}

func TestSupervisor_UnexpectedExitIsNotFatal(t *testing.T) {
	reg := prometheus.NewRegistry()
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true})
	core, logs := observer.New(zapcore.DebugLevel)
	exitCodes := make(chan int, 1)
	s := NewSupervisor(Options{
		Label:   "test",
		Config:  fastConfig(),
		NewUnit: func() Unit { return unit },
		Logger:  zap.New(core),
		Metrics: metrics.NewCollector("unexpected_exit", reg, nil),
		OnExit:  func(code int) { exitCodes <- code },
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Initialize(ctx))

	unit.exit(9)
	select {
	case code := <-exitCodes:
		assert.Equal(t, 9, code)
	case <-time.After(time.Second):
		t.Fatal("exit not observed")
	}

	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, 1, logs.FilterMessage("execution unit exited unexpectedly").Len())

	assert.False(t, s.Send(ipc.NewPingRequest(1)))
	assert.Equal(t, int64(1), s.SkippedSends())
	count, err := testutil.GatherAndCount(reg, "unexpected_exit_executor_ipc_skipped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSupervisor_JoinReturnsWhenUnitCrashes(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true})
	exited := make(chan int, 1)
	s := NewSupervisor(Options{
		Config:  fastConfig(),
		NewUnit: func() Unit { return unit },
		Logger:  zap.NewNop(),
		OnExit:  func(code int) { exited <- code },
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Initialize(ctx))

	joinCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	joined := make(chan error, 1)
	go func() { joined <- s.Join(joinCtx) }()

	unit.exit(137)
	select {
	case err := <-joined:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("join did not return after the unit crashed")
	}
	// the exit callback has run by the time Join returns
	select {
	case code := <-exited:
		assert.Equal(t, 137, code)
	default:
		t.Fatal("join returned before the exit was recorded")
	}

	require.NoError(t, s.Close(ctx))
	assert.Equal(t, StateClosed, s.State())
}

func TestSupervisor_DropsUnexpectedMessages(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true, answerShutdown: true})
	s, logs := newObservedSupervisor(t, unit, fastConfig())
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Initialize(ctx))

	require.NoError(t, unit.child.Send(ipc.NewStartJobRequest(ipc.RunningJobInfo{JobID: "wrong-direction"})))
	assert.Eventually(t, func() bool {
		return logs.FilterMessage("unexpected message from unit").Len() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, StateRunning, s.State())
}

func TestSupervisor_HealthPings(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true, answerPing: true, answerShutdown: true})
	cfg := fastConfig()
	cfg.PingInterval = 10 * time.Millisecond
	s, _ := newObservedSupervisor(t, unit, cfg)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Health().LastPingSentAt.IsZero())
	require.NoError(t, s.Initialize(ctx))

	assert.Eventually(t, func() bool {
		return !s.Health().LastPongReceivedAt.IsZero()
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.Health().Unresponsive)
}

func TestSupervisor_ExternalKillReportedUnresponsive(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true, answerPing: true})
	cfg := fastConfig()
	cfg.PingInterval = 10 * time.Millisecond
	cfg.PingTimeout = 30 * time.Millisecond
	s, logs := newObservedSupervisor(t, unit, cfg)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	require.NoError(t, s.Initialize(ctx))
	require.Eventually(t, func() bool {
		return !s.Health().LastPongReceivedAt.IsZero()
	}, time.Second, 5*time.Millisecond)

	unit.exit(9)

	require.Eventually(t, func() bool {
		return logs.FilterMessage("execution unit is unresponsive").Len() > 0
	}, time.Second, 5*time.Millisecond)
	assert.True(t, s.Health().Unresponsive)
	assert.Positive(t, s.SkippedSends(), "pings to the dead unit are skipped")
	assert.Equal(t, StateRunning, s.State(), "unresponsive is a warning, not a transition")

	// reported once until a pong clears it
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, logs.FilterMessage("execution unit is unresponsive").Len())
}

func TestSupervisor_MemoryLimitPolicies(t *testing.T) {
	t.Run("terminate", func(t *testing.T) {
		unit := newFakeUnit()
		unit.setMemory(300)
		unit.serve(childScript{answerInit: true, answerPing: true})
		cfg := fastConfig()
		cfg.PingInterval = 10 * time.Millisecond
		cfg.MemoryLimitMB = 200
		s, logs := newObservedSupervisor(t, unit, cfg)
		ctx := context.Background()

		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Initialize(ctx))

		assert.Eventually(t, func() bool { return unit.terminated.Load() == 1 }, time.Second, 5*time.Millisecond)
		assert.Equal(t, 1, logs.FilterMessage("execution unit exceeded memory limit").Len())
	})

	t.Run("graceful", func(t *testing.T) {
		unit := newFakeUnit()
		unit.setMemory(300)
		unit.serve(childScript{answerInit: true, answerPing: true})
		cfg := fastConfig()
		cfg.PingInterval = 10 * time.Millisecond
		cfg.CloseTimeout = 50 * time.Millisecond
		cfg.MemoryLimitMB = 200
		cfg.MemoryLimitPolicy = MemoryPolicyGraceful
		s, _ := newObservedSupervisor(t, unit, cfg)
		ctx := context.Background()

		require.NoError(t, s.Start(ctx))
		require.NoError(t, s.Initialize(ctx))

		assert.True(t, unit.sawCase(ipc.CaseShutdownRequest, time.Second))
		assert.Equal(t, int32(0), unit.terminated.Load())
		assert.Eventually(t, func() bool { return unit.terminated.Load() == 1 }, time.Second, 5*time.Millisecond)
	})
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MemoryLimitMB = 100
	bad.MemoryWarnMB = 200
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.MemoryLimitPolicy = "explode"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.CloseTimeout = -time.Second
	assert.Error(t, bad.Validate())

	filled := Config{}.withDefaults()
	assert.Equal(t, DefaultConfig().PingInterval, filled.PingInterval)
	assert.Equal(t, MemoryPolicyTerminate, filled.MemoryLimitPolicy)
}
