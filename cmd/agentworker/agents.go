package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/agent/worker"
)

// Built-in runner and agent ids. Deployments embedding their own models
// register them the same way in a fork of this file.
const (
	runnerEcho      = "echo"
	runnerWordCount = "word_count"
	agentDefault    = "default-agent"
)

// newRegistry returns the runners and agents this binary can host. It is
// called in both the supervisor and every child so thread and process
// units resolve the same ids.
func newRegistry() *worker.Registry {
	reg := worker.NewRegistry()
	must(reg.RegisterRunner(runnerEcho, func() worker.Runner {
		return worker.RunnerFunc(func(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
			return data, nil
		})
	}))
	must(reg.RegisterRunner(runnerWordCount, func() worker.Runner {
		return worker.RunnerFunc(wordCount)
	}))
	must(reg.RegisterJob(agentDefault, runDefaultAgent))
	return reg
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

type wordCountRequest struct {
	Text string `json:"text"`
}

type wordCountResponse struct {
	Words int `json:"words"`
}

func wordCount(_ context.Context, data json.RawMessage) (json.RawMessage, error) {
	var req wordCountRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode word_count request: %w", err)
	}
	return json.Marshal(wordCountResponse{Words: len(strings.Fields(req.Text))})
}

// defaultAgentArgs are the userArguments understood by the default agent.
type defaultAgentArgs struct {
	// Duration bounds the session; zero keeps it open until shutdown.
	Duration string `json:"duration"`
}

// runDefaultAgent holds the session open until the unit is told to shut
// down or the requested duration elapses.
func runDefaultAgent(ctx context.Context, job ipc.RunningJobInfo, logger *zap.Logger) error {
	var args defaultAgentArgs
	if len(job.UserArguments) > 0 {
		if err := json.Unmarshal(job.UserArguments, &args); err != nil {
			return fmt.Errorf("decode user arguments: %w", err)
		}
	}

	logger.Info("agent session started",
		zap.String("room", job.Room),
		zap.String("participant", job.ParticipantIdentity))

	var timeout <-chan time.Time
	if args.Duration != "" {
		d, err := time.ParseDuration(args.Duration)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", args.Duration, err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
		logger.Info("agent session interrupted")
	case <-timeout:
		logger.Info("agent session finished")
	}
	return nil
}
