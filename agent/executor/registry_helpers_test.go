package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/agent/worker"
)

// testRegistry is shared by thread units and the helper child process.
func testRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	mustRegister(reg.RegisterRunner("echo", func() worker.Runner {
		return worker.RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			return data, nil
		})
	}))
	mustRegister(reg.RegisterRunner("fail", func() worker.Runner {
		return worker.RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("model not loaded")
		})
	}))
	mustRegister(reg.RegisterRunner("sleep", func() worker.Runner {
		return worker.RunnerFunc(func(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
			select {
			case <-time.After(time.Minute):
				return data, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
	}))
	mustRegister(reg.RegisterJob("wait", func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
		logger.Info("waiting for shutdown")
		<-ctx.Done()
		return nil
	}))
	mustRegister(reg.RegisterJob("finish", func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
		return nil
	}))
	mustRegister(reg.RegisterJob("crash", func(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
		return errors.New("participant left")
	}))
	return reg
}

func mustRegister(err error) {
	if err != nil {
		panic(err)
	}
}
