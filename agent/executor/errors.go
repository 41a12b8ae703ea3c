package executor

import (
	"fmt"

	"github.com/livekit/agents-js-sub008/types"
)

var (
	ErrAlreadyStarted    = types.NewError(types.ErrAlreadyStarted, "executor already started")
	ErrAlreadyClosed     = types.NewError(types.ErrAlreadyClosed, "executor already closed")
	ErrNotStarted        = types.NewError(types.ErrNotStarted, "executor not started")
	ErrInitializeTimeout = types.NewError(types.ErrInitializeTimeout, "unit did not answer initializeRequest in time")
	ErrAlreadyRunningJob = types.NewError(types.ErrAlreadyRunningJob, "executor already has a running job")
	ErrStatusUnavailable = types.NewError(types.ErrStatusUnavailable, "job status not available yet")
	ErrUnitUnavailable   = types.NewError(types.ErrUnitUnavailable, "execution unit is not alive").WithRetryable(true)
	ErrExecutorClosed    = types.NewError(types.ErrExecutorClosed, "executor closed")
	ErrInference         = types.NewError(types.ErrInference, "inference failed")
	ErrMemoryLimit       = types.NewError(types.ErrMemoryLimit, "unit exceeded memory limit")
)

// InferenceError is the error reported by a runner inside the unit.
type InferenceError struct {
	Method  string
	Message string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference %s: %s", e.Method, e.Message)
}

// Unwrap lets errors.Is(err, ErrInference) match.
func (e *InferenceError) Unwrap() error { return ErrInference }

func invalidState(op string, s State) error {
	return types.NewError(types.ErrInvalidTransition, fmt.Sprintf("%s not allowed in state %s", op, s))
}
