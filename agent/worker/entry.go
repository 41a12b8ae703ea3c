package worker

import (
	"context"
	"errors"
	"os"

	"github.com/livekit/agents-js-sub008/agent/ipc"
)

// Process exit codes of a child started through RunProcess.
const (
	ExitOK        = 0
	ExitFailure   = 1
	ExitProtocol  = 2
	ExitOrphaned  = 3
	ExitJobFailed = 4
)

// ExitCode maps the result of Runtime.Run to a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrProtocol):
		return ExitProtocol
	case errors.Is(err, ErrOrphaned):
		return ExitOrphaned
	case errors.Is(err, ErrJobFailed):
		return ExitJobFailed
	default:
		return ExitFailure
	}
}

// RunProcess is the entry point of a process-backed unit: it serves the
// parent over stdin/stdout and returns the exit code to pass to os.Exit.
func RunProcess(ctx context.Context, opts Options) int {
	conn := ipc.NewStreamConn(os.Stdin, os.Stdout, nil)
	return ExitCode(NewRuntime(opts).Run(ctx, conn))
}
