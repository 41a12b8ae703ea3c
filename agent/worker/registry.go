package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
)

// Runner is one named unit of inference logic. A fresh Runner is built per
// execution unit, initialized once, then invoked for every request routed to
// its id. Run may be called concurrently.
type Runner interface {
	Initialize(ctx context.Context) error
	Run(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
	Close(ctx context.Context) error
}

// RunnerFactory constructs a Runner for one unit.
type RunnerFactory func() Runner

// JobEntry is user agent code run by a job unit. It returns when the job is
// finished or ctx is cancelled by a shutdown request.
type JobEntry func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error

// Registry maps ids to runner factories and agent names to job entries. It
// is populated at startup and handed to the child entry point.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]RunnerFactory
	jobs    map[string]JobEntry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runners: make(map[string]RunnerFactory),
		jobs:    make(map[string]JobEntry),
	}
}

// RegisterRunner adds a runner factory under id.
func (r *Registry) RegisterRunner(id string, factory RunnerFactory) error {
	if id == "" || factory == nil {
		return fmt.Errorf("runner id and factory are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[id]; exists {
		return fmt.Errorf("runner already registered: %s", id)
	}
	r.runners[id] = factory
	return nil
}

// RegisterJob adds a job entry under agentName.
func (r *Registry) RegisterJob(agentName string, entry JobEntry) error {
	if agentName == "" || entry == nil {
		return fmt.Errorf("agent name and entry are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.jobs[agentName]; exists {
		return fmt.Errorf("job already registered: %s", agentName)
	}
	r.jobs[agentName] = entry
	return nil
}

// Runner returns the factory registered under id.
func (r *Registry) Runner(id string) (RunnerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.runners[id]
	return f, ok
}

// Job returns the entry registered under agentName.
func (r *Registry) Job(agentName string) (JobEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[agentName]
	return e, ok
}

// RunnerIDs lists registered runner ids in sorted order.
func (r *Registry) RunnerIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// RunnerFunc adapts a plain function into a Runner with no setup or teardown.
type RunnerFunc func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

func (f RunnerFunc) Initialize(context.Context) error { return nil }

func (f RunnerFunc) Run(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, data)
}

func (f RunnerFunc) Close(context.Context) error { return nil }
