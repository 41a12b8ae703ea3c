package executor

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/livekit/agents-js-sub008/agent/ipc"
	"github.com/livekit/agents-js-sub008/agent/worker"
	"github.com/livekit/agents-js-sub008/internal/metrics"
)

const tracerName = "github.com/livekit/agents-js-sub008/agent/executor"

// InferenceOptions configures an InferenceExecutor.
type InferenceOptions struct {
	ID     string
	Kind   Kind
	Config Config
	// Runners is the fixed list of runner ids loaded by the unit.
	Runners  []string
	Command  []string
	Env      []string
	Stderr   io.Writer
	Registry *worker.Registry
	Logger   *zap.Logger
	Metrics  *metrics.Collector
}

type pendingRequest struct {
	requestID string
	method    string
	createdAt time.Time
	resolve   chan *ipc.InferenceResponse
}

// InferenceExecutor multiplexes inference requests over one supervised unit
// that hosts a set of runners. Responses are matched by request id and may
// arrive in any order.
type InferenceExecutor struct {
	*Supervisor
	logger  *zap.Logger
	metrics *metrics.Collector
	tracer  trace.Tracer
	runners []string

	mu      sync.Mutex
	pending map[string]*pendingRequest
	closed  bool
}

// NewInferenceExecutor creates an idle inference executor.
func NewInferenceExecutor(opts InferenceOptions) *InferenceExecutor {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Kind == "" {
		opts.Kind = KindProcess
	}
	e := &InferenceExecutor{
		logger:  logger.With(zap.String("component", "inference_executor")),
		metrics: opts.Metrics,
		tracer:  otel.Tracer(tracerName),
		runners: append([]string(nil), opts.Runners...),
		pending: make(map[string]*pendingRequest),
	}
	e.Supervisor = NewSupervisor(Options{
		ID:     opts.ID,
		Label:  "inference",
		Config: opts.Config,
		NewUnit: UnitOptions{
			Kind:     opts.Kind,
			Command:  opts.Command,
			Env:      opts.Env,
			Stderr:   opts.Stderr,
			Registry: opts.Registry,
			Logger:   logger,
		}.factory(),
		Runners:   e.runners,
		Logger:    logger,
		Metrics:   opts.Metrics,
		OnMessage: e.onMessage,
		OnExit:    e.onExit,
	})
	return e
}

// Runners returns the runner ids the unit was asked to load.
func (e *InferenceExecutor) Runners() []string {
	return append([]string(nil), e.runners...)
}

// DoInference sends data to the runner registered as method and waits for
// its response.
func (e *InferenceExecutor) DoInference(ctx context.Context, method string, data json.RawMessage) (json.RawMessage, error) {
	requestID := uuid.NewString()
	ctx, span := e.tracer.Start(ctx, "inference."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("inference.method", method),
			attribute.String("inference.request_id", requestID),
			attribute.String("executor.id", e.ID()),
		))
	defer span.End()

	start := time.Now()
	out, err := e.do(ctx, requestID, method, data)
	status := "success"
	if err != nil {
		status = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.RecordInference(method, status, time.Since(start))
	return out, err
}

func (e *InferenceExecutor) do(ctx context.Context, requestID, method string, data json.RawMessage) (json.RawMessage, error) {
	req := &pendingRequest{
		requestID: requestID,
		method:    method,
		createdAt: time.Now(),
		resolve:   make(chan *ipc.InferenceResponse, 1),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrExecutorClosed
	}
	e.pending[requestID] = req
	e.reportPendingLocked()
	e.mu.Unlock()

	if !e.Send(ipc.NewInferenceRequest(requestID, method, data)) {
		e.remove(requestID)
		return nil, ErrUnitUnavailable
	}

	select {
	case resp, ok := <-req.resolve:
		if !ok {
			return nil, e.rejection()
		}
		if resp.Error != "" {
			return nil, &InferenceError{Method: method, Message: resp.Error}
		}
		return resp.Data, nil
	case <-ctx.Done():
		e.remove(requestID)
		return nil, ctx.Err()
	}
}

// rejection is the error handed to requests dropped without a response.
func (e *InferenceExecutor) rejection() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrExecutorClosed
	}
	return ErrUnitUnavailable
}

func (e *InferenceExecutor) remove(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, requestID)
	e.reportPendingLocked()
}

func (e *InferenceExecutor) onMessage(msg *ipc.Message) {
	if msg.Case != ipc.CaseInferenceResponse || msg.InferenceResponse == nil {
		return
	}
	resp := msg.InferenceResponse

	e.mu.Lock()
	req, ok := e.pending[resp.RequestID]
	if ok {
		delete(e.pending, resp.RequestID)
		e.reportPendingLocked()
	}
	e.mu.Unlock()

	if !ok {
		e.logger.Warn("inference response for unknown request", zap.String("request_id", resp.RequestID))
		return
	}
	req.resolve <- resp
}

// onExit fails every outstanding request once the unit is gone.
func (e *InferenceExecutor) onExit(code int) {
	e.rejectAll()
}

func (e *InferenceExecutor) rejectAll() {
	e.mu.Lock()
	pending := e.pending
	e.pending = make(map[string]*pendingRequest)
	e.reportPendingLocked()
	e.mu.Unlock()

	for _, req := range pending {
		e.logger.Debug("rejecting pending inference request",
			zap.String("request_id", req.requestID),
			zap.String("method", req.method),
			zap.Duration("age", time.Since(req.createdAt)))
		close(req.resolve)
	}
}

// Close rejects outstanding requests with ErrExecutorClosed and closes the
// unit.
func (e *InferenceExecutor) Close(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.rejectAll()
	return e.Supervisor.Close(ctx)
}

func (e *InferenceExecutor) reportPendingLocked() {
	e.metrics.SetInferencePending(len(e.pending))
}
