package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/internal/ctxkeys"
	"github.com/livekit/agents-js-sub008/internal/pool"
	"github.com/livekit/agents-js-sub008/types"
)

// --- helpers ---

func startRuntime(t *testing.T, opts Options) (ipc.Conn, <-chan error) {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zaptest.NewLogger(t)
	}
	parent, child := ipc.Pipe(16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- NewRuntime(opts).Run(context.Background(), child)
	}()
	t.Cleanup(func() { _ = parent.Close() })
	return parent, errCh
}

func recv(t *testing.T, c ipc.Conn) *ipc.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	msg, err := c.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("runtime did not return")
		return nil
	}
}

func initialize(t *testing.T, parent ipc.Conn, runners ...string) {
	t.Helper()
	require.NoError(t, parent.Send(ipc.NewInitializeRequest(ipc.InitializeRequest{
		Logger:  ipc.LoggerOptions{Level: "debug"},
		Runners: runners,
	})))
	assert.Equal(t, ipc.CaseInitializeResponse, recv(t, parent).Case)
}

func expectExit(t *testing.T, parent ipc.Conn, reason string) {
	t.Helper()
	exiting := recv(t, parent)
	require.Equal(t, ipc.CaseExiting, exiting.Case)
	assert.Equal(t, reason, exiting.Exiting.Reason)
	assert.Equal(t, ipc.CaseDone, recv(t, parent).Case)
}

func echoRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRunner("echo", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			return data, nil
		})
	}))
	require.NoError(t, reg.RegisterRunner("fail", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("model not loaded")
		})
	}))
	require.NoError(t, reg.RegisterRunner("panic", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			panic("index out of range")
		})
	}))
	require.NoError(t, reg.RegisterRunner("whoami", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			id, _ := ctxkeys.RequestID(ctx)
			method, _ := ctxkeys.InferenceMethod(ctx)
			return json.Marshal([]string{id, method})
		})
	}))
	return reg
}

// --- protocol ---

func TestRuntime_FirstMessageMustBeInitialize(t *testing.T) {
	parent, errCh := startRuntime(t, Options{})

	require.NoError(t, parent.Send(ipc.NewPingRequest(1)))

	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, ErrProtocol)
	assert.Equal(t, ExitProtocol, ExitCode(err))
}

func TestRuntime_PingPongAndShutdown(t *testing.T) {
	parent, errCh := startRuntime(t, Options{})
	initialize(t, parent)

	require.NoError(t, parent.Send(ipc.NewPingRequest(1234)))
	pong := recv(t, parent)
	require.Equal(t, ipc.CasePongResponse, pong.Case)
	assert.Equal(t, int64(1234), pong.Pong.LastTimestamp)
	assert.Greater(t, pong.Pong.Timestamp, int64(0))

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	assert.NoError(t, waitErr(t, errCh))
}

func TestRuntime_UnknownRunnerFailsSetup(t *testing.T) {
	parent, errCh := startRuntime(t, Options{Registry: echoRegistry(t)})

	require.NoError(t, parent.Send(ipc.NewInitializeRequest(ipc.InitializeRequest{Runners: []string{"echo", "missing"}})))

	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, ErrRunnerNotFound)
}

// --- orphan detection ---

func TestRuntime_OrphanTimerSelfTerminates(t *testing.T) {
	parent, errCh := startRuntime(t, Options{OrphanTimeout: 80 * time.Millisecond})
	initialize(t, parent)

	start := time.Now()
	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, ErrOrphaned)
	assert.Equal(t, ExitOrphaned, ExitCode(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestRuntime_PingsRefreshOrphanTimer(t *testing.T) {
	parent, errCh := startRuntime(t, Options{OrphanTimeout: 100 * time.Millisecond})
	initialize(t, parent)

	for i := 0; i < 6; i++ {
		time.Sleep(40 * time.Millisecond)
		require.NoError(t, parent.Send(ipc.NewPingRequest(int64(i))))
		assert.Equal(t, ipc.CasePongResponse, recv(t, parent).Case)
	}
	select {
	case err := <-errCh:
		t.Fatalf("runtime exited early: %v", err)
	default:
	}

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	assert.NoError(t, waitErr(t, errCh))
}

// --- inference ---

func TestRuntime_InferenceResultsAndErrors(t *testing.T) {
	parent, errCh := startRuntime(t, Options{Registry: echoRegistry(t)})
	initialize(t, parent, "echo", "fail", "panic")

	require.NoError(t, parent.Send(ipc.NewInferenceRequest("r1", "echo", json.RawMessage(`{"text":"hi"}`))))
	resp := recv(t, parent)
	require.Equal(t, ipc.CaseInferenceResponse, resp.Case)
	assert.Equal(t, "r1", resp.InferenceResponse.RequestID)
	assert.JSONEq(t, `{"text":"hi"}`, string(resp.InferenceResponse.Data))
	assert.Empty(t, resp.InferenceResponse.Error)

	require.NoError(t, parent.Send(ipc.NewInferenceRequest("r2", "fail", nil)))
	resp = recv(t, parent)
	assert.Equal(t, "r2", resp.InferenceResponse.RequestID)
	assert.Equal(t, "model not loaded", resp.InferenceResponse.Error)

	require.NoError(t, parent.Send(ipc.NewInferenceRequest("r3", "panic", nil)))
	resp = recv(t, parent)
	assert.Equal(t, "r3", resp.InferenceResponse.RequestID)
	assert.Contains(t, resp.InferenceResponse.Error, "runner panicked")

	// unknown methods are skipped without a response
	require.NoError(t, parent.Send(ipc.NewInferenceRequest("r4", "nope", nil)))
	require.NoError(t, parent.Send(ipc.NewInferenceRequest("r5", "echo", json.RawMessage(`1`))))
	resp = recv(t, parent)
	assert.Equal(t, "r5", resp.InferenceResponse.RequestID)

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	assert.NoError(t, waitErr(t, errCh))
}

func TestRuntime_InferenceContextCarriesRequest(t *testing.T) {
	parent, errCh := startRuntime(t, Options{Registry: echoRegistry(t)})
	initialize(t, parent, "whoami")

	require.NoError(t, parent.Send(ipc.NewInferenceRequest("req-42", "whoami", nil)))
	resp := recv(t, parent)
	require.Equal(t, ipc.CaseInferenceResponse, resp.Case)
	assert.JSONEq(t, `["req-42","whoami"]`, string(resp.InferenceResponse.Data))

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	assert.NoError(t, waitErr(t, errCh))
}

func TestRuntime_InferenceRepliesOutOfOrder(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRunner("slow", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			<-release
			return json.RawMessage(`"slow"`), nil
		})
	}))
	require.NoError(t, reg.RegisterRunner("fast", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`"fast"`), nil
		})
	}))

	parent, errCh := startRuntime(t, Options{Registry: reg})
	initialize(t, parent, "slow", "fast")

	require.NoError(t, parent.Send(ipc.NewInferenceRequest("a", "slow", nil)))
	require.NoError(t, parent.Send(ipc.NewInferenceRequest("b", "fast", nil)))

	first := recv(t, parent)
	assert.Equal(t, "b", first.InferenceResponse.RequestID)
	close(release)
	second := recv(t, parent)
	assert.Equal(t, "a", second.InferenceResponse.RequestID)

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	assert.NoError(t, waitErr(t, errCh))
}

type lifecycleRunner struct {
	initialized chan struct{}
	closed      chan struct{}
}

func (r *lifecycleRunner) Initialize(context.Context) error {
	close(r.initialized)
	return nil
}

func (r *lifecycleRunner) Run(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return data, nil
}

func (r *lifecycleRunner) Close(context.Context) error {
	close(r.closed)
	return nil
}

func TestRuntime_PingsAnsweredDuringInferenceBacklog(t *testing.T) {
	release := make(chan struct{})
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRunner("slow", func() Runner {
		return RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			select {
			case <-release:
				return data, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	}))
	parent, errCh := startRuntime(t, Options{
		Registry: reg,
		Pool:     pool.GoroutinePoolConfig{MaxWorkers: 1, QueueSize: 1},
	})
	initialize(t, parent, "slow")

	for _, id := range []string{"r1", "r2", "r3"} {
		require.NoError(t, parent.Send(ipc.NewInferenceRequest(id, "slow", json.RawMessage(`1`))))
	}
	require.NoError(t, parent.Send(ipc.NewPingRequest(99)))

	// one worker plus one queue slot cannot hold three requests
	var rejected []string
	for {
		msg := recv(t, parent)
		if msg.Case == ipc.CasePongResponse {
			assert.Equal(t, int64(99), msg.Pong.LastTimestamp)
			break
		}
		require.Equal(t, ipc.CaseInferenceResponse, msg.Case)
		assert.Contains(t, msg.InferenceResponse.Error, "queue is full")
		rejected = append(rejected, msg.InferenceResponse.RequestID)
	}
	assert.NotEmpty(t, rejected)
	assert.NotContains(t, rejected, "r1")

	close(release)
	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	for {
		msg := recv(t, parent)
		if msg.Case == ipc.CaseExiting {
			assert.Equal(t, "shutdown requested", msg.Exiting.Reason)
			break
		}
	}
	assert.Equal(t, ipc.CaseDone, recv(t, parent).Case)
	assert.NoError(t, waitErr(t, errCh))
}

func TestRuntime_RunnerLifecycle(t *testing.T) {
	runner := &lifecycleRunner{initialized: make(chan struct{}), closed: make(chan struct{})}
	reg := NewRegistry()
	require.NoError(t, reg.RegisterRunner("vad", func() Runner { return runner }))

	parent, errCh := startRuntime(t, Options{Registry: reg})
	initialize(t, parent, "vad")
	<-runner.initialized

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	require.NoError(t, waitErr(t, errCh))

	select {
	case <-runner.closed:
	default:
		t.Fatal("runner was not closed")
	}
}

// --- jobs ---

func TestRuntime_JobCancelledOnShutdown(t *testing.T) {
	started := make(chan ipc.RunningJobInfo, 1)
	reg := NewRegistry()
	require.NoError(t, reg.RegisterJob("voice-agent", func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
		started <- job
		<-ctx.Done()
		return ctx.Err()
	}))

	parent, errCh := startRuntime(t, Options{Registry: reg})
	initialize(t, parent)

	require.NoError(t, parent.Send(ipc.NewStartJobRequest(ipc.RunningJobInfo{JobID: "job-1", AgentName: "voice-agent"})))
	select {
	case job := <-started:
		assert.Equal(t, "job-1", job.JobID)
	case <-time.After(2 * time.Second):
		t.Fatal("job not started")
	}

	require.NoError(t, parent.Send(ipc.NewShutdownRequest()))
	expectExit(t, parent, "shutdown requested")
	assert.NoError(t, waitErr(t, errCh))
}

func TestRuntime_JobCompletionEndsUnit(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.RegisterJob("ok", func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
		if id, _ := ctxkeys.JobID(ctx); id != job.JobID {
			return errors.New("job id missing from context")
		}
		return nil
	}))
	require.NoError(t, reg.RegisterJob("broken", func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
		return errors.New("room closed unexpectedly")
	}))

	t.Run("success", func(t *testing.T) {
		parent, errCh := startRuntime(t, Options{Registry: reg})
		initialize(t, parent)
		require.NoError(t, parent.Send(ipc.NewStartJobRequest(ipc.RunningJobInfo{JobID: "j", AgentName: "ok"})))
		expectExit(t, parent, "job completed")
		assert.NoError(t, waitErr(t, errCh))
	})

	t.Run("failure", func(t *testing.T) {
		parent, errCh := startRuntime(t, Options{Registry: reg})
		initialize(t, parent)
		require.NoError(t, parent.Send(ipc.NewStartJobRequest(ipc.RunningJobInfo{JobID: "j", AgentName: "broken"})))
		expectExit(t, parent, "job failed: room closed unexpectedly")
		err := waitErr(t, errCh)
		assert.ErrorIs(t, err, ErrJobFailed)
		assert.Equal(t, ExitJobFailed, ExitCode(err))
	})

	t.Run("unknown agent", func(t *testing.T) {
		parent, errCh := startRuntime(t, Options{Registry: reg})
		initialize(t, parent)
		require.NoError(t, parent.Send(ipc.NewStartJobRequest(ipc.RunningJobInfo{JobID: "j", AgentName: "ghost"})))
		exiting := recv(t, parent)
		require.Equal(t, ipc.CaseExiting, exiting.Case)
		assert.Contains(t, exiting.Exiting.Reason, "ghost")
		assert.True(t, types.IsErrorCode(errors.Unwrap(waitErr(t, errCh)), types.ErrJobNotFound))
	})
}

func TestRuntime_ParentDisconnect(t *testing.T) {
	parent, errCh := startRuntime(t, Options{})
	initialize(t, parent)
	require.NoError(t, parent.Close())

	err := waitErr(t, errCh)
	assert.ErrorIs(t, err, ErrOrphaned)
}

// --- registry ---

func TestRegistry(t *testing.T) {
	reg := echoRegistry(t)

	assert.Error(t, reg.RegisterRunner("echo", func() Runner { return nil }))
	assert.Error(t, reg.RegisterRunner("", nil))
	assert.Error(t, reg.RegisterJob("", nil))
	assert.Equal(t, []string{"echo", "fail", "panic", "whoami"}, reg.RunnerIDs())

	_, ok := reg.Runner("echo")
	assert.True(t, ok)
	_, ok = reg.Job("missing")
	assert.False(t, ok)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, ExitOK, ExitCode(nil))
	assert.Equal(t, ExitFailure, ExitCode(errors.New("other")))
	assert.Equal(t, ExitOrphaned, ExitCode(types.NewError(types.ErrOrphaned, "parent connection closed")))
}
