package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/livekit/agents-js-sub008/agent/ipc"
)

func startInferenceExecutor(t *testing.T, logger *zap.Logger) *InferenceExecutor {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	e := NewInferenceExecutor(InferenceOptions{
		Kind:     KindThread,
		Config:   fastConfig(),
		Runners:  []string{"echo", "fail", "sleep"},
		Registry: testRegistry(),
		Logger:   logger,
	})
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Initialize(ctx))
	return e
}

func (e *InferenceExecutor) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func TestInferenceExecutor_ResultAndError(t *testing.T) {
	e := startInferenceExecutor(t, nil)
	ctx := context.Background()

	out, err := e.DoInference(ctx, "echo", json.RawMessage(`{"text":"hello"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"text":"hello"}`, string(out))

	_, err = e.DoInference(ctx, "fail", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInference)
	var infErr *InferenceError
	require.True(t, errors.As(err, &infErr))
	assert.Equal(t, "fail", infErr.Method)
	assert.Equal(t, "model not loaded", infErr.Message)

	assert.Equal(t, 0, e.pendingCount())
	assert.Equal(t, []string{"echo", "fail", "sleep"}, e.Runners())
}

func TestInferenceExecutor_ContextCancelRemovesPending(t *testing.T) {
	e := startInferenceExecutor(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.DoInference(ctx, "sleep", json.RawMessage(`1`))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, e.pendingCount())
}

func TestInferenceExecutor_UnknownMethodGetsNoAnswer(t *testing.T) {
	e := startInferenceExecutor(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.DoInference(ctx, "diarize", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	out, err := e.DoInference(context.Background(), "echo", json.RawMessage(`"still alive"`))
	require.NoError(t, err)
	assert.Equal(t, `"still alive"`, string(out))
}

func TestInferenceExecutor_CloseRejectsPending(t *testing.T) {
	e := startInferenceExecutor(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.DoInference(context.Background(), "sleep", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return e.pendingCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, e.Close(context.Background()))
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrExecutorClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected")
	}

	_, err := e.DoInference(context.Background(), "echo", nil)
	assert.ErrorIs(t, err, ErrExecutorClosed)
}

func TestInferenceExecutor_DeadUnitIsUnavailable(t *testing.T) {
	unit := newFakeUnit()
	unit.serve(childScript{answerInit: true})
	e := NewInferenceExecutor(InferenceOptions{Kind: KindThread, Config: fastConfig(), Logger: zaptest.NewLogger(t)})
	e.Supervisor.opts.NewUnit = func() Unit { return unit }
	t.Cleanup(func() { _ = e.Close(context.Background()) })

	ctx := context.Background()
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.Initialize(ctx))

	errCh := make(chan error, 1)
	go func() {
		_, err := e.DoInference(ctx, "echo", nil)
		errCh <- err
	}()
	require.Eventually(t, func() bool { return e.pendingCount() == 1 }, time.Second, time.Millisecond)

	unit.exit(1)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrUnitUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not failed on exit")
	}

	_, err := e.DoInference(ctx, "echo", nil)
	assert.ErrorIs(t, err, ErrUnitUnavailable)
	assert.Equal(t, 0, e.pendingCount())
}

func TestInferenceExecutor_UnknownRequestIDDropped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := startInferenceExecutor(t, zap.New(core))

	e.onMessage(&ipc.Message{
		Case:              ipc.CaseInferenceResponse,
		InferenceResponse: &ipc.InferenceResponse{RequestID: "nobody-asked"},
	})
	assert.Equal(t, 1, logs.FilterMessage("inference response for unknown request").Len())
}

func TestInferenceExecutor_RecordsSpans(t *testing.T) {
	e := startInferenceExecutor(t, nil)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	e.tracer = tp.Tracer("test")

	ctx := context.Background()
	_, err := e.DoInference(ctx, "echo", json.RawMessage(`1`))
	require.NoError(t, err)
	_, err = e.DoInference(ctx, "fail", nil)
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "inference.echo", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "inference.fail", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)
}

func TestProperty_ConcurrentResponsesRouteByRequestID(t *testing.T) {
	e := startInferenceExecutor(t, zap.NewNop())

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("each caller receives its own payload", prop.ForAll(
		func(n int) bool {
			var wg sync.WaitGroup
			results := make([]string, n)
			errs := make([]error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					out, err := e.DoInference(context.Background(), "echo", json.RawMessage(fmt.Sprintf(`%d`, i)))
					results[i], errs[i] = string(out), err
				}(i)
			}
			wg.Wait()
			for i := 0; i < n; i++ {
				if errs[i] != nil || results[i] != fmt.Sprintf("%d", i) {
					return false
				}
			}
			return e.pendingCount() == 0
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}
