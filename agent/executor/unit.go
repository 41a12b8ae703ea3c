package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/agent/worker"
	"github.com/livekit/agents-js-sub008/internal/procmem"
)

// Kind selects how an execution unit is isolated.
type Kind string

const (
	KindProcess Kind = "process"
	KindThread  Kind = "thread"
)

// Valid reports whether k names a supported unit kind.
func (k Kind) Valid() bool { return k == KindProcess || k == KindThread }

// threadStopTimeout bounds how long Terminate waits on a goroutine unit that
// ignores cancellation.
const threadStopTimeout = 5 * time.Second

// Unit is one isolated execution unit: a child process or a goroutine
// running the worker runtime. A Unit is owned by exactly one Supervisor.
type Unit interface {
	Start(ctx context.Context) error
	Conn() ipc.Conn
	Alive() bool
	// PID returns the OS process id hosting the unit, 0 before Start.
	PID() int
	// MemoryMB returns resident memory attributable to the unit, 0 if unknown
	// or the unit is gone.
	MemoryMB() float64
	// Terminate forcibly stops the unit. Safe to call more than once.
	Terminate() error
	Exited() <-chan struct{}
	// ExitCode is valid once Exited is closed; -1 for killed units.
	ExitCode() int
}

// UnitOptions describes how to build units for a supervisor.
type UnitOptions struct {
	Kind Kind
	// Command is argv of the child binary for process units.
	Command []string
	Env     []string
	// Stderr receives child logs, os.Stderr when nil.
	Stderr io.Writer
	// Registry holds runners and job entries for thread units.
	Registry *worker.Registry
	Logger   *zap.Logger
}

func (o UnitOptions) factory() func() Unit {
	return func() Unit {
		if o.Kind == KindThread {
			return NewThreadUnit(o.Registry, o.Logger)
		}
		return NewProcessUnit(o.Command, o.Env, o.Stderr, o.Logger)
	}
}

// =============================================================================
// Process units
// =============================================================================

// ProcessUnit runs the worker runtime in a child process, exchanging JSON
// lines over the child's stdin and stdout.
type ProcessUnit struct {
	command []string
	env     []string
	stderr  io.Writer
	logger  *zap.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	conn     *ipc.StreamConn
	exited   chan struct{}
	exitCode atomic.Int64
	started  atomic.Bool
}

// NewProcessUnit creates an unstarted process unit.
func NewProcessUnit(command, env []string, stderr io.Writer, logger *zap.Logger) *ProcessUnit {
	if stderr == nil {
		stderr = os.Stderr
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &ProcessUnit{
		command: command,
		env:     env,
		stderr:  stderr,
		logger:  logger,
		exited:  make(chan struct{}),
	}
	u.exitCode.Store(-1)
	return u
}

// Start spawns the child. The child outlives ctx; use Terminate to stop it.
func (u *ProcessUnit) Start(ctx context.Context) error {
	if len(u.command) == 0 {
		return fmt.Errorf("process unit: empty command")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.started.Swap(true) {
		return fmt.Errorf("process unit: already started")
	}

	// Own both pipe pairs so Wait never closes the read side before the
	// last frame was consumed.
	childIn, parentOut, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	parentIn, childOut, err := os.Pipe()
	if err != nil {
		closeAll(childIn, parentOut)
		return fmt.Errorf("stdout pipe: %w", err)
	}

	cmd := exec.Command(u.command[0], u.command[1:]...)
	cmd.Env = append(os.Environ(), u.env...)
	cmd.Stdin = childIn
	cmd.Stdout = childOut
	cmd.Stderr = u.stderr
	if err := cmd.Start(); err != nil {
		closeAll(childIn, parentOut, parentIn, childOut)
		return fmt.Errorf("start %s: %w", u.command[0], err)
	}
	closeAll(childIn, childOut)

	u.mu.Lock()
	u.cmd = cmd
	u.conn = ipc.NewStreamConn(parentIn, parentOut, closers{parentOut, parentIn})
	u.mu.Unlock()
	u.logger.Debug("process unit started", zap.Int("pid", cmd.Process.Pid))

	go u.wait(cmd)
	return nil
}

func (u *ProcessUnit) wait(cmd *exec.Cmd) {
	err := cmd.Wait()
	code := cmd.ProcessState.ExitCode()
	u.exitCode.Store(int64(code))
	if err != nil {
		u.logger.Debug("process unit exited", zap.Int("exit_code", code), zap.Error(err))
	}
	close(u.exited)
}

func (u *ProcessUnit) Conn() ipc.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn
}

func (u *ProcessUnit) process() *os.Process {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.cmd == nil {
		return nil
	}
	return u.cmd.Process
}

func (u *ProcessUnit) Alive() bool {
	if u.process() == nil {
		return false
	}
	select {
	case <-u.exited:
		return false
	default:
		return true
	}
}

func (u *ProcessUnit) PID() int {
	if p := u.process(); p != nil {
		return p.Pid
	}
	return 0
}

func (u *ProcessUnit) MemoryMB() float64 {
	if !u.Alive() {
		return 0
	}
	return procmem.ResidentMB(u.PID())
}

func (u *ProcessUnit) Terminate() error {
	if !u.Alive() {
		return nil
	}
	p := u.process()
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", p.Pid, err)
	}
	return nil
}

func (u *ProcessUnit) Exited() <-chan struct{} { return u.exited }

func (u *ProcessUnit) ExitCode() int { return int(u.exitCode.Load()) }

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

// =============================================================================
// Goroutine units
// =============================================================================

// ThreadUnit runs the worker runtime on a goroutine inside the parent,
// connected through an in-memory pipe. Memory is not attributable to a
// goroutine, so MemoryMB always reports 0.
type ThreadUnit struct {
	registry *worker.Registry
	logger   *zap.Logger

	mu       sync.Mutex
	parent   ipc.Conn
	child    ipc.Conn
	cancel   context.CancelFunc
	exited   chan struct{}
	exitCode atomic.Int64
	started  atomic.Bool
	killed   atomic.Bool
}

// NewThreadUnit creates an unstarted goroutine unit.
func NewThreadUnit(registry *worker.Registry, logger *zap.Logger) *ThreadUnit {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := &ThreadUnit{
		registry: registry,
		logger:   logger,
		exited:   make(chan struct{}),
	}
	u.exitCode.Store(-1)
	return u
}

func (u *ThreadUnit) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if u.started.Swap(true) {
		return fmt.Errorf("thread unit: already started")
	}
	parent, child := ipc.Pipe(64)
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	u.mu.Lock()
	u.parent, u.child, u.cancel = parent, child, cancel
	u.mu.Unlock()

	rt := worker.NewRuntime(worker.Options{
		Registry: u.registry,
		Logger:   u.logger.Named("worker"),
	})
	go func() {
		defer close(u.exited)
		err := rt.Run(runCtx, child)
		if u.killed.Load() {
			u.exitCode.Store(-1)
		} else {
			u.exitCode.Store(int64(worker.ExitCode(err)))
		}
		if err != nil {
			u.logger.Debug("thread unit exited", zap.Error(err))
		}
	}()
	return nil
}

func (u *ThreadUnit) Conn() ipc.Conn {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.parent
}

func (u *ThreadUnit) Alive() bool {
	if !u.started.Load() {
		return false
	}
	select {
	case <-u.exited:
		return false
	default:
		return true
	}
}

func (u *ThreadUnit) PID() int {
	if !u.started.Load() {
		return 0
	}
	return os.Getpid()
}

func (u *ThreadUnit) MemoryMB() float64 { return 0 }

// Terminate cancels the runtime and closes the pipe. Goroutines cannot be
// killed; a runner that ignores its context keeps running after this returns.
func (u *ThreadUnit) Terminate() error {
	if !u.Alive() {
		return nil
	}
	u.mu.Lock()
	cancel, child := u.cancel, u.child
	u.mu.Unlock()
	u.killed.Store(true)
	cancel()
	_ = child.Close()

	select {
	case <-u.exited:
	case <-time.After(threadStopTimeout):
		u.logger.Warn("thread unit did not stop after cancellation")
		return fmt.Errorf("thread unit: stop timed out")
	}
	return nil
}

func (u *ThreadUnit) Exited() <-chan struct{} { return u.exited }

func (u *ThreadUnit) ExitCode() int { return int(u.exitCode.Load()) }
