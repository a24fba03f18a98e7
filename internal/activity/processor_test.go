package activity

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/telemetry"
)

type processorEnv struct {
	client    *recordingClient
	registry  *Registry
	processor *TaskProcessor

	mu       sync.Mutex
	reported []error
}

func newProcessorEnv(t *testing.T) *processorEnv {
	t.Helper()

	env := &processorEnv{client: newRecordingClient(), registry: NewRegistry()}

	errs := errhandler.New(telemetry.DiscardLogger())
	errs.Register(func(err error, md errhandler.Metadata) error {
		env.mu.Lock()
		env.reported = append(env.reported, err)
		env.mu.Unlock()
		return nil
	})

	env.processor = NewTaskProcessor(ProcessorConfig{
		Client:        env.client,
		Registry:      env.registry,
		HeartbeatPool: newTestPool(t, "heartbeat", 1),
		Throttle:      DefaultThrottle(),
		Logger:        telemetry.DiscardLogger(),
		ErrorHandler:  errs,
	})
	return env
}

func (e *processorEnv) register(t *testing.T, name string, fn Func) {
	t.Helper()
	require.NoError(t, e.registry.Register(name, fn))
}

func (e *processorEnv) reportedErrors() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.reported...)
}

func activityTask(typeName string) *domain.Task {
	return &domain.Task{
		Token:      []byte("token-" + typeName),
		Namespace:  "default",
		TaskQueue:  "payments",
		Kind:       domain.TaskKindActivity,
		TypeName:   typeName,
		WorkflowID: "order-42",
		RunID:      "run-1",
		ActivityID: "1",
		Attempt:    1,
		Input:      json.RawMessage(`{"amount":100}`),
	}
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("echo", Func(func(*Context, json.RawMessage) (any, error) { return nil, nil })))

	err := r.Register("echo", Func(func(*Context, json.RawMessage) (any, error) { return nil, nil }))
	assert.ErrorIs(t, err, ErrDuplicateActivity)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrUnknownActivity)

	assert.Equal(t, []string{"echo"}, r.Names())
}

// --- Processor Tests ---

func TestProcessor_Completed(t *testing.T) {
	env := newProcessorEnv(t)
	env.register(t, "charge", func(actx *Context, input json.RawMessage) (any, error) {
		var in struct{ Amount int }
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, err
		}
		return map[string]int{"charged": in.Amount}, nil
	})

	task := activityTask("charge")
	require.NoError(t, env.processor.Process(context.Background(), task))

	completed, failed, _ := env.client.responses()
	assert.JSONEq(t, `{"charged":100}`, string(completed[string(task.Token)]))
	assert.Empty(t, failed)
	assert.Empty(t, env.reportedErrors())
}

func TestProcessor_RawResultPassedThrough(t *testing.T) {
	env := newProcessorEnv(t)
	env.register(t, "raw", func(*Context, json.RawMessage) (any, error) {
		return json.RawMessage(`[1,2,3]`), nil
	})

	task := activityTask("raw")
	require.NoError(t, env.processor.Process(context.Background(), task))

	completed, _, _ := env.client.responses()
	assert.Equal(t, `[1,2,3]`, string(completed[string(task.Token)]))
}

func TestProcessor_FailedIsReported(t *testing.T) {
	env := newProcessorEnv(t)
	boom := errors.New("card declined")
	env.register(t, "charge", func(*Context, json.RawMessage) (any, error) {
		return nil, boom
	})

	task := activityTask("charge")
	require.NoError(t, env.processor.Process(context.Background(), task))

	_, failed, _ := env.client.responses()
	require.Contains(t, failed, string(task.Token))
	assert.Equal(t, "card declined", failed[string(task.Token)].Message)

	reported := env.reportedErrors()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], boom)
}

func TestProcessor_PanicBecomesFailure(t *testing.T) {
	env := newProcessorEnv(t)
	env.register(t, "charge", func(*Context, json.RawMessage) (any, error) {
		panic("nil card")
	})

	task := activityTask("charge")
	require.NoError(t, env.processor.Process(context.Background(), task))

	_, failed, _ := env.client.responses()
	require.Contains(t, failed, string(task.Token))
	assert.Contains(t, failed[string(task.Token)].Message, "nil card")
	assert.Len(t, env.reportedErrors(), 1)
}

func TestProcessor_UnknownActivity(t *testing.T) {
	env := newProcessorEnv(t)

	task := activityTask("missing")
	require.NoError(t, env.processor.Process(context.Background(), task))

	_, failed, _ := env.client.responses()
	require.Contains(t, failed, string(task.Token))
	assert.Contains(t, failed[string(task.Token)].Message, "unknown activity type")

	reported := env.reportedErrors()
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], ErrUnknownActivity)
}

func TestProcessor_CanceledRespondsCanceled(t *testing.T) {
	env := newProcessorEnv(t)
	env.client.setCancelRequested(true)
	env.register(t, "charge", func(actx *Context, _ json.RawMessage) (any, error) {
		_, err := actx.HeartbeatOrInterrupt(nil)
		return nil, err
	})

	task := activityTask("charge")
	require.NoError(t, env.processor.Process(context.Background(), task))

	completed, failed, canceled := env.client.responses()
	assert.True(t, canceled[string(task.Token)])
	assert.Empty(t, completed)
	assert.Empty(t, failed)
	assert.Empty(t, env.reportedErrors())
}

func TestProcessor_ShutdownInterruptRespondsFailedWithoutReport(t *testing.T) {
	env := newProcessorEnv(t)
	env.processor.cfg.ShuttingDown = func() bool { return true }
	env.register(t, "charge", func(actx *Context, _ json.RawMessage) (any, error) {
		_, err := actx.HeartbeatOrInterrupt(nil)
		return nil, err
	})

	task := activityTask("charge")
	require.NoError(t, env.processor.Process(context.Background(), task))

	_, failed, _ := env.client.responses()
	require.Contains(t, failed, string(task.Token))
	assert.Equal(t, domain.ErrWorkerShuttingDown.Error(), failed[string(task.Token)].Message)
	assert.Empty(t, env.reportedErrors())
}

func TestProcessor_AsyncSkipsResponse(t *testing.T) {
	env := newProcessorEnv(t)

	var token string
	env.register(t, "approve", func(actx *Context, _ json.RawMessage) (any, error) {
		actx.Async()
		token = actx.AsyncToken()
		return nil, nil
	})

	task := activityTask("approve")
	require.NoError(t, env.processor.Process(context.Background(), task))

	completed, failed, canceled := env.client.responses()
	assert.Empty(t, completed)
	assert.Empty(t, failed)
	assert.Empty(t, canceled)

	parsed, err := ParseAsyncToken(token)
	require.NoError(t, err)
	assert.Equal(t, task.Token, parsed.TaskToken)
}

func TestProcessor_ContextCanceledAfterExecute(t *testing.T) {
	env := newProcessorEnv(t)

	var actxCtx context.Context
	env.register(t, "charge", func(actx *Context, _ json.RawMessage) (any, error) {
		actxCtx = actx.Ctx()
		return nil, nil
	})

	require.NoError(t, env.processor.Process(context.Background(), activityTask("charge")))
	require.NotNil(t, actxCtx)
	assert.Error(t, actxCtx.Err())
}
