package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/executor"
	"github.com/livekit/agents-js-sub008/agent/ipc"
)

const (
	maxBodyBytes  = 1 << 20
	launchTimeout = 30 * time.Second
)

type errorBody struct {
	Error string `json:"error"`
}

type launchResponse struct {
	JobID      string `json:"job_id"`
	ExecutorID string `json:"executor_id"`
	PID        int    `json:"pid"`
}

func launchJob(pool *executor.ProcPool, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var info ipc.RunningJobInfo
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&info); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid job: " + err.Error()}, logger)
			return
		}
		if info.AgentName == "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "agentName is required"}, logger)
			return
		}
		if info.JobID == "" {
			info.JobID = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(r.Context(), launchTimeout)
		defer cancel()
		ex, err := pool.Launch(ctx, info)
		if err != nil {
			logger.Warn("failed to launch job", zap.String("job_id", info.JobID), zap.Error(err))
			writeJSON(w, statusFor(err), errorBody{Error: err.Error()}, logger)
			return
		}
		writeJSON(w, http.StatusAccepted, launchResponse{JobID: info.JobID, ExecutorID: ex.ID(), PID: ex.PID()}, logger)
	}
}

func doInference(inf *executor.InferenceExecutor, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()}, logger)
			return
		}
		if len(body) == 0 {
			body = []byte("null")
		}
		if !json.Valid(body) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "body must be JSON"}, logger)
			return
		}

		out, err := inf.DoInference(r.Context(), r.PathValue("method"), body)
		if err != nil {
			writeJSON(w, statusFor(err), errorBody{Error: err.Error()}, logger)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(out)
	}
}

// statusFor maps executor errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, executor.ErrInference):
		return http.StatusUnprocessableEntity
	case errors.Is(err, executor.ErrUnitUnavailable),
		errors.Is(err, executor.ErrExecutorClosed),
		errors.Is(err, executor.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write response", zap.Error(err))
	}
}
