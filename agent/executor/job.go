package executor

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/agent/worker"
	"github.com/livekit/agents-js-sub008/internal/metrics"
)

// JobStatus is the last known outcome of the job assigned to an executor.
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// JobExecutor runs at most one agent job inside a supervised unit.
type JobExecutor interface {
	ID() string
	Start(ctx context.Context) error
	Initialize(ctx context.Context) error
	Close(ctx context.Context) error
	Join(ctx context.Context) error
	LaunchJob(ctx context.Context, info ipc.RunningJobInfo) error
	Status() (JobStatus, error)
	RunningJob() (ipc.RunningJobInfo, bool)
	State() State
	PID() int
	Health() HealthState
}

// JobOptions configures a job executor.
type JobOptions struct {
	ID     string
	Config Config
	// Command, Env and Stderr are used by process executors.
	Command []string
	Env     []string
	Stderr  io.Writer
	// Registry is used by thread executors.
	Registry *worker.Registry
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

// NewJobExecutor builds the executor flavour named by kind.
func NewJobExecutor(kind Kind, opts JobOptions) (JobExecutor, error) {
	switch kind {
	case KindProcess:
		if len(opts.Command) == 0 {
			return nil, fmt.Errorf("process job executor requires a command")
		}
		return NewProcJobExecutor(opts), nil
	case KindThread:
		if opts.Registry == nil {
			return nil, fmt.Errorf("thread job executor requires a registry")
		}
		return NewThreadJobExecutor(opts), nil
	default:
		return nil, fmt.Errorf("unknown job executor kind %q", kind)
	}
}

// jobExecutor is the job bookkeeping shared by both flavours.
type jobExecutor struct {
	*Supervisor
	logger *zap.Logger

	mu        sync.Mutex
	job       *ipc.RunningJobInfo
	status    JobStatus
	hasStatus bool
}

func newJobExecutor(kind Kind, opts JobOptions) *jobExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	je := &jobExecutor{logger: logger.With(zap.String("executor_kind", string(kind)))}
	je.Supervisor = NewSupervisor(Options{
		ID:     opts.ID,
		Label:  "job_" + string(kind),
		Config: opts.Config,
		NewUnit: UnitOptions{
			Kind:     kind,
			Command:  opts.Command,
			Env:      opts.Env,
			Stderr:   opts.Stderr,
			Registry: opts.Registry,
			Logger:   logger,
		}.factory(),
		Logger:        je.logger,
		Metrics:       opts.Metrics,
		OnMessage:     je.onMessage,
		OnExit:        je.onExit,
		OnMemoryLimit: je.onMemoryLimit,
	})
	return je
}

// LaunchJob assigns info to the unit. A second call fails with
// ErrAlreadyRunningJob and leaves the first job in place.
func (e *jobExecutor) LaunchJob(ctx context.Context, info ipc.RunningJobInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	if e.job != nil {
		e.mu.Unlock()
		return ErrAlreadyRunningJob
	}
	if st := e.State(); st != StateRunning {
		e.mu.Unlock()
		if st == StateIdle {
			return ErrNotStarted
		}
		return invalidState("launch job", st)
	}
	job := info
	e.job = &job
	e.mu.Unlock()

	if !e.Send(ipc.NewStartJobRequest(info)) {
		e.mu.Lock()
		e.job = nil
		e.mu.Unlock()
		return ErrUnitUnavailable
	}

	e.mu.Lock()
	e.setStatusLocked(JobStatusRunning)
	e.mu.Unlock()
	e.logger.Info("job launched",
		zap.String("job_id", info.JobID),
		zap.String("agent_name", info.AgentName),
		zap.String("executor_id", e.ID()))
	return nil
}

// Status returns the last known job status.
func (e *jobExecutor) Status() (JobStatus, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.hasStatus {
		return "", ErrStatusUnavailable
	}
	return e.status, nil
}

// RunningJob returns the job assigned to this executor, if any.
func (e *jobExecutor) RunningJob() (ipc.RunningJobInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil {
		return ipc.RunningJobInfo{}, false
	}
	return *e.job, true
}

func (e *jobExecutor) onMessage(msg *ipc.Message) {
	switch msg.Case {
	case ipc.CaseExiting, ipc.CaseDone:
		// logged by the supervisor; done also resolves Join
	default:
		e.logger.Warn("unexpected message for job executor", zap.String("case", string(msg.Case)))
	}
}

func (e *jobExecutor) onExit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job == nil || (e.hasStatus && e.status == JobStatusFailed) {
		return
	}
	if code == 0 {
		e.setStatusLocked(JobStatusSuccess)
	} else {
		e.setStatusLocked(JobStatusFailed)
	}
}

func (e *jobExecutor) onMemoryLimit(float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.job != nil {
		e.setStatusLocked(JobStatusFailed)
	}
}

func (e *jobExecutor) setStatusLocked(s JobStatus) {
	e.status = s
	e.hasStatus = true
}

// ProcJobExecutor runs the job in a child process re-executing the agent
// binary.
type ProcJobExecutor struct {
	*jobExecutor
}

// NewProcJobExecutor creates an idle process-backed job executor.
func NewProcJobExecutor(opts JobOptions) *ProcJobExecutor {
	return &ProcJobExecutor{newJobExecutor(KindProcess, opts)}
}

// ThreadJobExecutor runs the job on a goroutine inside this process.
type ThreadJobExecutor struct {
	*jobExecutor
}

// NewThreadJobExecutor creates an idle goroutine-backed job executor.
func NewThreadJobExecutor(opts JobOptions) *ThreadJobExecutor {
	return &ThreadJobExecutor{newJobExecutor(KindThread, opts)}
}

var (
	_ JobExecutor = (*ProcJobExecutor)(nil)
	_ JobExecutor = (*ThreadJobExecutor)(nil)
)
