package executor

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/internal/metrics"
)

// PoolOptions configures a ProcPool.
type PoolOptions struct {
	Kind Kind
	// NumIdle is how many initialized executors are kept ready.
	NumIdle int
	// MaxInitializing bounds concurrent Start+Initialize calls.
	MaxInitializing int
	Job             JobOptions
	Logger          *zap.Logger
	Metrics         *metrics.Collector
}

// ProcPool keeps a number of warm job executors so a job can start without
// paying for process startup and initialization.
type ProcPool struct {
	opts   PoolOptions
	logger *zap.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	idle   []JobExecutor
	all    map[string]JobExecutor
	ready  chan struct{}
	closed bool
}

// NewProcPool creates a pool. Call Start to begin warming executors.
func NewProcPool(opts PoolOptions) *ProcPool {
	if opts.NumIdle < 0 {
		opts.NumIdle = 0
	}
	if opts.MaxInitializing <= 0 {
		opts.MaxInitializing = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Job.Logger == nil {
		opts.Job.Logger = logger
	}
	if opts.Job.Metrics == nil {
		opts.Job.Metrics = opts.Metrics
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ProcPool{
		opts:   opts,
		logger: logger.With(zap.String("component", "proc_pool")),
		sem:    semaphore.NewWeighted(int64(opts.MaxInitializing)),
		ctx:    ctx,
		cancel: cancel,
		all:    make(map[string]JobExecutor),
		ready:  make(chan struct{}),
	}
}

// Start warms NumIdle executors in the background.
func (p *ProcPool) Start() {
	for i := 0; i < p.opts.NumIdle; i++ {
		p.spawn()
	}
}

func (p *ProcPool) spawn() {
	p.goTracked(p.warm)
}

// goTracked runs fn in a goroutine Close waits for. It reports false once
// the pool is closed.
func (p *ProcPool) goTracked(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn()
	}()
	return true
}

func (p *ProcPool) warm() {
	if err := p.sem.Acquire(p.ctx, 1); err != nil {
		return
	}
	defer p.sem.Release(1)

	opts := p.opts.Job
	opts.ID = ""
	ex, err := NewJobExecutor(p.opts.Kind, opts)
	if err != nil {
		p.logger.Error("failed to create job executor", zap.Error(err))
		return
	}
	p.track(ex)

	if err := ex.Start(p.ctx); err != nil {
		p.logger.Error("failed to start job executor", zap.Error(err))
		p.discard(ex)
		return
	}
	if err := ex.Initialize(p.ctx); err != nil {
		p.logger.Error("failed to initialize job executor", zap.String("executor_id", ex.ID()), zap.Error(err))
		p.discard(ex)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.idle = append(p.idle, ex)
	close(p.ready)
	p.ready = make(chan struct{})
	p.opts.Metrics.SetPoolIdle(len(p.idle))
	p.mu.Unlock()
	p.logger.Debug("job executor ready", zap.String("executor_id", ex.ID()), zap.Int("pid", ex.PID()))
}

func (p *ProcPool) track(ex JobExecutor) {
	p.mu.Lock()
	p.all[ex.ID()] = ex
	p.mu.Unlock()
}

// discard closes ex and forgets it.
func (p *ProcPool) discard(ex JobExecutor) {
	if err := ex.Close(context.Background()); err != nil {
		p.logger.Warn("failed to close job executor", zap.String("executor_id", ex.ID()), zap.Error(err))
	}
	p.mu.Lock()
	delete(p.all, ex.ID())
	p.mu.Unlock()
}

// Launch hands info to a warm executor, waiting for one if none is ready,
// and starts warming a replacement.
func (p *ProcPool) Launch(ctx context.Context, info ipc.RunningJobInfo) (JobExecutor, error) {
	for {
		ex, ready, err := p.takeIdle()
		if err != nil {
			return nil, err
		}
		if ex == nil {
			select {
			case <-ready:
				continue
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		p.spawn()
		if ex.State() != StateRunning {
			go p.discard(ex)
			continue
		}
		if err := ex.LaunchJob(ctx, info); err != nil {
			go p.discard(ex)
			return nil, err
		}
		if !p.goTracked(func() { p.reap(ex) }) {
			go p.discard(ex)
			return nil, ErrExecutorClosed
		}
		return ex, nil
	}
}

func (p *ProcPool) takeIdle() (JobExecutor, <-chan struct{}, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, nil, ErrExecutorClosed
	}
	if len(p.idle) == 0 {
		return nil, p.ready, nil
	}
	ex := p.idle[0]
	p.idle = p.idle[1:]
	p.opts.Metrics.SetPoolIdle(len(p.idle))
	return ex, nil, nil
}

// reap closes an executor once its job has finished.
func (p *ProcPool) reap(ex JobExecutor) {
	if err := ex.Join(p.ctx); err != nil {
		return
	}
	p.discard(ex)
	status, _ := ex.Status()
	p.logger.Debug("job executor finished", zap.String("executor_id", ex.ID()), zap.String("status", string(status)))
}

// Executors returns a snapshot of every executor the pool owns.
func (p *ProcPool) Executors() []JobExecutor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]JobExecutor, 0, len(p.all))
	for _, ex := range p.all {
		out = append(out, ex)
	}
	return out
}

// Close stops warming and closes every executor concurrently.
func (p *ProcPool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.idle = nil
	close(p.ready)
	p.opts.Metrics.SetPoolIdle(0)
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	p.mu.Lock()
	executors := make([]JobExecutor, 0, len(p.all))
	for _, ex := range p.all {
		executors = append(executors, ex)
	}
	p.all = make(map[string]JobExecutor)
	p.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, ex := range executors {
		g.Go(func() error { return ex.Close(gctx) })
	}
	return g.Wait()
}
