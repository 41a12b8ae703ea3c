package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/internal/ctxkeys"
	"github.com/livekit/agents-js-sub008/internal/pool"
	"github.com/livekit/agents-js-sub008/types"
)

// DefaultOrphanTimeout is how long a child waits for a ping before it
// assumes the parent is gone and exits.
const DefaultOrphanTimeout = 15 * time.Second

const runnerCloseTimeout = 10 * time.Second

var (
	ErrProtocol       = types.NewError(types.ErrProtocol, "unexpected message sequence")
	ErrOrphaned       = types.NewError(types.ErrOrphaned, "parent stopped pinging")
	ErrRunnerNotFound = types.NewError(types.ErrRunnerNotFound, "runner not registered")
	ErrJobFailed      = types.NewError(types.ErrJobFailed, "job failed")
)

// Options configures a child Runtime.
type Options struct {
	Registry *Registry
	// Logger is the base logger for units living in the parent process. When
	// nil a logger is built from the initializeRequest options onto LogSink.
	Logger        *zap.Logger
	LogSink       zapcore.WriteSyncer
	OrphanTimeout time.Duration
	Pool          pool.GoroutinePoolConfig
}

// Runtime is the loop running inside an execution unit. A Runtime serves a
// single connection and cannot be reused.
type Runtime struct {
	opts    Options
	logger  *zap.Logger
	runners map[string]Runner
	pool    *pool.GoroutinePool

	inferCtx    context.Context
	inferCancel context.CancelFunc

	jobCancel   context.CancelFunc
	jobDone     chan error
	jobFinished bool
}

// NewRuntime creates a Runtime.
func NewRuntime(opts Options) *Runtime {
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.OrphanTimeout <= 0 {
		opts.OrphanTimeout = DefaultOrphanTimeout
	}
	if opts.Pool.MaxWorkers <= 0 {
		opts.Pool = pool.DefaultGoroutinePoolConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = NewLogger(ipc.LoggerOptions{}, opts.LogSink)
	}
	return &Runtime{
		opts:    opts,
		logger:  logger,
		runners: make(map[string]Runner),
		jobDone: make(chan error, 1),
	}
}

// Run serves conn until a shutdown request, job completion, orphan timeout
// or parent disconnect. It returns nil only for a clean shutdown or a job
// that completed without error.
func (rt *Runtime) Run(ctx context.Context, conn ipc.Conn) error {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	orphan := time.AfterFunc(rt.opts.OrphanTimeout, func() { cancel(ErrOrphaned) })
	defer orphan.Stop()

	init, err := rt.awaitInitialize(ctx, conn)
	if err != nil {
		rt.logger.Error("worker setup failed", zap.Error(err))
		_ = conn.Close()
		return err
	}
	rt.logger = rt.configureLogger(init.Logger)

	if err := rt.loadRunners(ctx, init.Runners); err != nil {
		rt.logger.Error("failed to load inference runners", zap.Error(err))
		_ = conn.Close()
		return err
	}

	poolCfg := rt.opts.Pool
	poolCfg.PanicHandler = func(r any) {
		rt.logger.Error("inference task panicked", zap.Any("panic", r))
	}
	rt.pool = pool.NewGoroutinePool(poolCfg)
	rt.inferCtx, rt.inferCancel = context.WithCancel(ctx)

	if err := conn.Send(ipc.NewInitializeResponse()); err != nil {
		rt.logger.Error("failed to acknowledge initialize", zap.Error(err))
		return rt.shutdown(conn, "initialize ack failed", err)
	}
	rt.logger.Debug("worker initialized", zap.Strings("runners", init.Runners))

	msgs := make(chan *ipc.Message)
	recvErr := make(chan error, 1)
	go rt.recvLoop(ctx, conn, msgs, recvErr)

	reason, runErr := rt.loop(ctx, conn, orphan, msgs, recvErr)
	return rt.shutdown(conn, reason, runErr)
}

func (rt *Runtime) awaitInitialize(ctx context.Context, conn ipc.Conn) (*ipc.InitializeRequest, error) {
	msg, err := conn.Recv(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}
		return nil, types.NewError(types.ErrProtocol, "no initializeRequest received").WithCause(err)
	}
	if msg.Case != ipc.CaseInitializeRequest {
		return nil, types.NewError(types.ErrProtocol,
			fmt.Sprintf("first message must be %s, got %q", ipc.CaseInitializeRequest, msg.Case))
	}
	if err := msg.Validate(); err != nil {
		return nil, types.NewError(types.ErrProtocol, "invalid initializeRequest").WithCause(err)
	}
	return msg.Initialize, nil
}

func (rt *Runtime) configureLogger(opts ipc.LoggerOptions) *zap.Logger {
	var logger *zap.Logger
	if rt.opts.Logger != nil {
		logger = rt.opts.Logger
		if lvl := parseLevel(opts.Level); logger.Core().Enabled(lvl) {
			logger = logger.WithOptions(zap.IncreaseLevel(lvl))
		}
	} else {
		logger = NewLogger(opts, rt.opts.LogSink)
	}
	return logger.With(zap.String("component", "worker"), zap.Int("pid", os.Getpid()))
}

// loadRunners builds and initializes every requested runner concurrently.
func (rt *Runtime) loadRunners(ctx context.Context, ids []string) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, id := range ids {
		factory, ok := rt.opts.Registry.Runner(id)
		if !ok {
			return types.NewError(types.ErrRunnerNotFound, fmt.Sprintf("runner not registered: %s", id))
		}
		g.Go(func() error {
			runner := factory()
			if err := runner.Initialize(gctx); err != nil {
				return fmt.Errorf("initialize runner %s: %w", id, err)
			}
			mu.Lock()
			rt.runners[id] = runner
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		rt.closeRunners()
		return err
	}
	return nil
}

func (rt *Runtime) recvLoop(ctx context.Context, conn ipc.Conn, msgs chan<- *ipc.Message, recvErr chan<- error) {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			var malformed *ipc.MalformedError
			if errors.As(err, &malformed) {
				rt.logger.Warn("dropping malformed frame", zap.Error(err))
				continue
			}
			recvErr <- err
			return
		}
		select {
		case msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

// loop dispatches messages until the unit must stop. The returned reason is
// reported to the parent in the exiting message.
func (rt *Runtime) loop(ctx context.Context, conn ipc.Conn, orphan *time.Timer, msgs <-chan *ipc.Message, recvErr <-chan error) (string, error) {
	for {
		select {
		case <-ctx.Done():
			err := context.Cause(ctx)
			if errors.Is(err, ErrOrphaned) {
				rt.logger.Warn("worker orphaned, shutting down", zap.Duration("timeout", rt.opts.OrphanTimeout))
				return "orphaned", err
			}
			return "context cancelled", err

		case err := <-recvErr:
			if ctx.Err() != nil {
				return "context cancelled", context.Cause(ctx)
			}
			rt.logger.Warn("parent connection lost", zap.Error(err))
			return "parent disconnected", types.NewError(types.ErrOrphaned, "parent connection closed").WithCause(err)

		case err := <-rt.jobDone:
			rt.jobFinished = true
			if err != nil {
				return fmt.Sprintf("job failed: %v", err), types.NewError(types.ErrJobFailed, "job failed").WithCause(err)
			}
			return "job completed", nil

		case msg := <-msgs:
			switch msg.Case {
			case ipc.CasePingRequest:
				orphan.Reset(rt.opts.OrphanTimeout)
				if msg.Ping == nil {
					continue
				}
				pong := ipc.NewPongResponse(msg.Ping.Timestamp, ipc.NowMillis(time.Now()))
				if err := conn.Send(pong); err != nil {
					rt.logger.Warn("failed to send pong", zap.Error(err))
				}
			case ipc.CaseShutdownRequest:
				return "shutdown requested", nil
			case ipc.CaseStartJobRequest:
				if msg.StartJob != nil {
					rt.startJob(ctx, msg.StartJob.Job)
				}
			case ipc.CaseInferenceRequest:
				if err := msg.Validate(); err != nil {
					rt.logger.Warn("dropping invalid inference request", zap.Error(err))
					continue
				}
				rt.handleInference(rt.inferCtx, conn, msg.InferenceRequest)
			default:
				rt.logger.Warn("unexpected message", zap.String("case", string(msg.Case)))
			}
		}
	}
}

func (rt *Runtime) startJob(ctx context.Context, job ipc.RunningJobInfo) {
	if rt.jobCancel != nil {
		rt.logger.Warn("job already running, ignoring start request", zap.String("job_id", job.JobID))
		return
	}
	jobCtx, cancel := context.WithCancel(ctxkeys.WithJobID(ctx, job.JobID))
	rt.jobCancel = cancel

	entry, ok := rt.opts.Registry.Job(job.AgentName)
	if !ok {
		rt.jobDone <- types.NewError(types.ErrJobNotFound, fmt.Sprintf("no job entry for agent %q", job.AgentName))
		return
	}

	logger := rt.logger.With(zap.String("job_id", job.JobID), zap.String("agent_name", job.AgentName))
	logger.Info("starting job")
	go func() {
		rt.jobDone <- runJob(jobCtx, entry, job, logger)
	}()
}

func runJob(ctx context.Context, entry JobEntry, job ipc.RunningJobInfo, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return entry(ctx, job, logger)
}

func (rt *Runtime) handleInference(ctx context.Context, conn ipc.Conn, req *ipc.InferenceRequest) {
	runner, ok := rt.runners[req.Method]
	if !ok {
		rt.logger.Warn("unknown inference method", zap.String("method", req.Method), zap.String("request_id", req.RequestID))
		return
	}

	// The dispatch loop must keep answering pings, so a full queue rejects
	// the request instead of waiting for a free slot.
	err := rt.pool.TrySubmit(ctx, func(ctx context.Context) error {
		data, err := invoke(ctxkeys.WithInference(ctx, req.RequestID, req.Method), runner, req.Data)
		resp := ipc.NewInferenceResult(req.RequestID, data)
		if err != nil {
			rt.logger.Warn("inference failed",
				zap.String("method", req.Method),
				zap.String("request_id", req.RequestID),
				zap.Error(err))
			resp = ipc.NewInferenceError(req.RequestID, err)
		}
		if sendErr := conn.Send(resp); sendErr != nil {
			rt.logger.Warn("failed to send inference response", zap.String("request_id", req.RequestID), zap.Error(sendErr))
		}
		return err
	})
	if err != nil {
		rt.logger.Warn("inference request not scheduled",
			zap.String("method", req.Method),
			zap.String("request_id", req.RequestID),
			zap.Error(err))
		if sendErr := conn.Send(ipc.NewInferenceError(req.RequestID, err)); sendErr != nil {
			rt.logger.Debug("failed to send inference error", zap.Error(sendErr))
		}
	}
}

func invoke(ctx context.Context, runner Runner, data json.RawMessage) (out json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("runner panicked: %v", r)
		}
	}()
	return runner.Run(ctx, data)
}

// shutdown stops the job, cancels in-flight inference, closes runners and
// tells the parent it is done.
func (rt *Runtime) shutdown(conn ipc.Conn, reason string, runErr error) error {
	rt.logger.Info("worker shutting down", zap.String("reason", reason))

	if rt.jobCancel != nil {
		rt.jobCancel()
		if !rt.jobFinished {
			if err := <-rt.jobDone; err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Warn("job returned error during shutdown", zap.Error(err))
			}
			rt.jobFinished = true
		}
	}
	if rt.inferCancel != nil {
		rt.inferCancel()
	}
	if rt.pool != nil {
		rt.pool.Close()
	}
	rt.closeRunners()

	if err := conn.Send(ipc.NewExiting(reason)); err != nil {
		rt.logger.Debug("failed to send exiting", zap.Error(err))
	}
	if err := conn.Send(ipc.NewDone()); err != nil {
		rt.logger.Debug("failed to send done", zap.Error(err))
	}
	_ = conn.Close()
	_ = rt.logger.Sync()
	return runErr
}

func (rt *Runtime) closeRunners() {
	ctx, cancel := context.WithTimeout(context.Background(), runnerCloseTimeout)
	defer cancel()
	for id, runner := range rt.runners {
		if err := runner.Close(ctx); err != nil {
			rt.logger.Warn("failed to close runner", zap.String("runner", id), zap.Error(err))
		}
	}
	rt.runners = make(map[string]Runner)
}
