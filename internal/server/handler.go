package server

import (
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/executor"
)

// ExecutorStatus is one row of the /healthz report.
type ExecutorStatus struct {
	ID           string  `json:"id"`
	Role         string  `json:"role"`
	State        string  `json:"state"`
	PID          int     `json:"pid,omitempty"`
	JobID        string  `json:"job_id,omitempty"`
	JobStatus    string  `json:"job_status,omitempty"`
	RTTMillis    float64 `json:"rtt_ms"`
	MemoryMB     float64 `json:"memory_mb"`
	Unresponsive bool    `json:"unresponsive,omitempty"`
}

// HealthReport is the /healthz body.
type HealthReport struct {
	Status    string           `json:"status"`
	Time      time.Time        `json:"time"`
	Executors []ExecutorStatus `json:"executors"`
}

// Sources feeds the handler. Nil fields are skipped.
type Sources struct {
	Gatherer  prometheus.Gatherer
	Pool      *executor.ProcPool
	Inference *executor.InferenceExecutor
}

// NewHandler exposes /metrics and /healthz, plus POST /jobs and
// POST /inference/{method} when a pool or inference executor is set.
func NewHandler(src Sources, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	if src.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(src.Gatherer, promhttp.HandlerOpts{
			ErrorLog: zap.NewStdLog(logger),
		}))
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		report := Snapshot(src)
		status := http.StatusOK
		if report.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report, logger)
	})
	if src.Pool != nil {
		mux.HandleFunc("POST /jobs", launchJob(src.Pool, logger))
	}
	if src.Inference != nil {
		mux.HandleFunc("POST /inference/{method}", doInference(src.Inference, logger))
	}
	return mux
}

// Snapshot collects the state of every executor in src. The report is
// degraded when the inference executor is configured but not running.
func Snapshot(src Sources) HealthReport {
	report := HealthReport{Status: "ok", Time: time.Now().UTC(), Executors: []ExecutorStatus{}}

	if src.Inference != nil {
		row := executorRow(src.Inference.ID(), "inference", src.Inference.State(), src.Inference.PID(), src.Inference.Health())
		report.Executors = append(report.Executors, row)
		if src.Inference.State() != executor.StateRunning {
			report.Status = "degraded"
		}
	}

	if src.Pool != nil {
		jobs := src.Pool.Executors()
		sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID() < jobs[j].ID() })
		for _, ex := range jobs {
			row := executorRow(ex.ID(), "job", ex.State(), ex.PID(), ex.Health())
			if info, ok := ex.RunningJob(); ok {
				row.JobID = info.JobID
			}
			if status, err := ex.Status(); err == nil {
				row.JobStatus = string(status)
			}
			report.Executors = append(report.Executors, row)
		}
	}
	return report
}

func executorRow(id, role string, state executor.State, pid int, h executor.HealthState) ExecutorStatus {
	return ExecutorStatus{
		ID:           id,
		Role:         role,
		State:        string(state),
		PID:          pid,
		RTTMillis:    float64(h.LastRTT) / float64(time.Millisecond),
		MemoryMB:     h.LastMemoryMB,
		Unresponsive: h.Unresponsive,
	}
}
