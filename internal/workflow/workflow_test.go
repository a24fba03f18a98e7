package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/poller"
	"github.com/shaiso/durable/internal/telemetry"
)

// countingWorkflow считает созданные executor'ы и обработанные задачи.
type countingWorkflow struct {
	created   atomic.Int32
	processed atomic.Int32
	fail      error
}

func (w *countingWorkflow) NewExecutor(task *domain.Task) (Executor, error) {
	w.created.Add(1)
	return ExecutorFunc(func(ctx context.Context, task *domain.Task) ([]domain.Command, error) {
		w.processed.Add(1)
		if w.fail != nil {
			return nil, w.fail
		}
		return []domain.Command{{Type: "complete_workflow", Attributes: task.Input}}, nil
	}), nil
}

type env struct {
	store    *connection.MemoryStore
	client   *connection.StoreClient
	registry *Registry
	wf       *countingWorkflow
}

func newEnv(t *testing.T) *env {
	t.Helper()

	notifier := connection.NewNotifier()
	store := connection.NewMemoryStore(notifier)
	client := connection.New(connection.Config{
		Store:           store,
		Notifier:        notifier,
		PollInterval:    10 * time.Millisecond,
		LongPollTimeout: 50 * time.Millisecond,
		Logger:          telemetry.DiscardLogger(),
	})

	wf := &countingWorkflow{}
	registry := NewRegistry()
	require.NoError(t, registry.Register("greeting", wf))

	return &env{store: store, client: client, registry: registry, wf: wf}
}

// claim ставит workflow задачу и сразу забирает её, как это сделал бы poller.
func (e *env) claim(t *testing.T, runID, typeName string) *domain.Task {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, e.store.Enqueue(ctx, &domain.Task{
		Namespace: "default",
		TaskQueue: "q",
		Kind:      domain.TaskKindWorkflow,
		TypeName:  typeName,
		RunID:     runID,
		Input:     json.RawMessage(`{"name":"world"}`),
	}))

	task, err := e.store.ClaimNext(ctx, "default", "q", domain.TaskKindWorkflow)
	require.NoError(t, err)
	require.NotNil(t, task)
	return task
}

func (e *env) status(t *testing.T, task *domain.Task) domain.TaskStatus {
	t.Helper()
	rec, err := e.store.Get(context.Background(), task.Token)
	require.NoError(t, err)
	return rec.Status
}

// --- ExecutorCache Tests ---

func TestExecutorCache(t *testing.T) {
	c := NewExecutorCache()
	exec := ExecutorFunc(func(context.Context, *domain.Task) ([]domain.Command, error) { return nil, nil })

	assert.False(t, c.Contains("run-1"))
	c.Add("run-1", exec)
	assert.True(t, c.Contains("run-1"))
	assert.Equal(t, 1, c.Len())

	got, ok := c.Get("run-1")
	require.True(t, ok)
	assert.NotNil(t, got)

	c.Remove("run-1")
	c.Remove("missing")
	assert.False(t, c.Contains("run-1"))
	assert.Zero(t, c.Len())

	_, ok = c.Get("run-1")
	assert.False(t, ok)
}

// --- Registry Tests ---

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("a", &countingWorkflow{}))

	assert.ErrorIs(t, r.Register("a", &countingWorkflow{}), ErrDuplicateWorkflow)

	_, err := r.Get("b")
	assert.ErrorIs(t, err, ErrUnknownWorkflow)
	assert.Equal(t, 1, r.Len())
}

// --- TaskProcessor Tests ---

func TestTaskProcessor_CompletesWithCommands(t *testing.T) {
	e := newEnv(t)
	p := NewTaskProcessor(ProcessorConfig{Client: e.client, Registry: e.registry, Logger: telemetry.DiscardLogger()})

	task := e.claim(t, "run-1", "greeting")
	require.NoError(t, p.Process(context.Background(), task, false))

	rec, err := e.store.Get(context.Background(), task.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusCompleted, rec.Status)
	assert.JSONEq(t, `[{"type":"complete_workflow","attributes":{"name":"world"}}]`, string(rec.Result))

	_, sticky := e.store.StickyRoute("default", "run-1")
	assert.False(t, sticky, "no sticky route without sticky queue")
	assert.Zero(t, p.cache.Len())
}

func TestTaskProcessor_StickyReusesExecutor(t *testing.T) {
	e := newEnv(t)
	cache := NewExecutorCache()
	p := NewTaskProcessor(ProcessorConfig{
		Client:      e.client,
		Registry:    e.registry,
		Cache:       cache,
		StickyQueue: "worker:sticky",
		Logger:      telemetry.DiscardLogger(),
	})

	require.NoError(t, p.Process(context.Background(), e.claim(t, "run-1", "greeting"), false))
	assert.True(t, cache.Contains("run-1"))

	queue, ok := e.store.StickyRoute("default", "run-1")
	require.True(t, ok)
	assert.Equal(t, "worker:sticky", queue)

	// Следующая задача run'а уходит в sticky очередь.
	ctx := context.Background()
	require.NoError(t, e.store.Enqueue(ctx, &domain.Task{
		Namespace: "default", TaskQueue: "q", Kind: domain.TaskKindWorkflow, TypeName: "greeting", RunID: "run-1",
	}))
	task, err := e.store.ClaimNext(ctx, "default", "worker:sticky", domain.TaskKindWorkflow)
	require.NoError(t, err)
	require.NotNil(t, task)

	require.NoError(t, p.Process(ctx, task, true))

	assert.Equal(t, int32(1), e.wf.created.Load())
	assert.Equal(t, int32(2), e.wf.processed.Load())
}

func TestTaskProcessor_FailureRespondsAndEvicts(t *testing.T) {
	e := newEnv(t)
	e.wf.fail = errors.New("nondeterministic")

	handler := errhandler.New(telemetry.DiscardLogger())
	var reported atomic.Int32
	handler.Register(func(err error, md errhandler.Metadata) error {
		reported.Add(1)
		assert.Equal(t, "run-1", md["run_id"])
		return nil
	})

	cache := NewExecutorCache()
	cache.Add("run-1", ExecutorFunc(func(context.Context, *domain.Task) ([]domain.Command, error) {
		return nil, errors.New("stale executor")
	}))

	p := NewTaskProcessor(ProcessorConfig{
		Client:       e.client,
		Registry:     e.registry,
		Cache:        cache,
		StickyQueue:  "worker:sticky",
		Logger:       telemetry.DiscardLogger(),
		ErrorHandler: handler,
	})

	task := e.claim(t, "run-1", "greeting")
	require.NoError(t, p.Process(context.Background(), task, true))

	rec, err := e.store.Get(context.Background(), task.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
	assert.Equal(t, "stale executor", rec.Failure.Message)
	assert.False(t, cache.Contains("run-1"))
	assert.Equal(t, int32(1), reported.Load())
}

func TestTaskProcessor_UnknownWorkflow(t *testing.T) {
	e := newEnv(t)
	p := NewTaskProcessor(ProcessorConfig{Client: e.client, Registry: e.registry, Logger: telemetry.DiscardLogger()})

	task := e.claim(t, "run-1", "missing")
	require.NoError(t, p.Process(context.Background(), task, false))

	rec, err := e.store.Get(context.Background(), task.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
	assert.Contains(t, rec.Failure.Message, "unknown workflow type")
}

func TestTaskProcessor_PanicBecomesFailure(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.registry.Register("panicky", Func(func(*domain.Task) (Executor, error) {
		return ExecutorFunc(func(context.Context, *domain.Task) ([]domain.Command, error) {
			panic("replay diverged")
		}), nil
	})))

	p := NewTaskProcessor(ProcessorConfig{Client: e.client, Registry: e.registry, Logger: telemetry.DiscardLogger()})

	task := e.claim(t, "run-1", "panicky")
	require.NoError(t, p.Process(context.Background(), task, false))

	rec, err := e.store.Get(context.Background(), task.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, rec.Status)
	assert.Contains(t, rec.Failure.Message, "replay diverged")
}

func TestTaskProcessor_ControlFlowSkipsResponse(t *testing.T) {
	e := newEnv(t)
	e.wf.fail = domain.ErrWorkerShuttingDown

	p := NewTaskProcessor(ProcessorConfig{Client: e.client, Registry: e.registry, Logger: telemetry.DiscardLogger()})

	task := e.claim(t, "run-1", "greeting")
	err := p.Process(context.Background(), task, false)
	assert.ErrorIs(t, err, domain.ErrWorkerShuttingDown)
	assert.Equal(t, domain.TaskStatusRunning, e.status(t, task))
}

func TestTaskProcessor_DefaultQueueIgnoresCache(t *testing.T) {
	e := newEnv(t)
	cache := NewExecutorCache()
	cache.Add("run-1", ExecutorFunc(func(context.Context, *domain.Task) ([]domain.Command, error) {
		return nil, errors.New("stale executor")
	}))

	p := NewTaskProcessor(ProcessorConfig{
		Client:      e.client,
		Registry:    e.registry,
		Cache:       cache,
		StickyQueue: "worker:sticky",
		Logger:      telemetry.DiscardLogger(),
	})

	task := e.claim(t, "run-1", "greeting")
	require.NoError(t, p.Process(context.Background(), task, false))

	assert.Equal(t, domain.TaskStatusCompleted, e.status(t, task))
	assert.Equal(t, int32(1), e.wf.created.Load(), "default queue task builds a fresh executor")

	got, ok := cache.Get("run-1")
	require.True(t, ok, "fresh executor is cached for sticky follow-ups")
	_, err := got.Process(context.Background(), task)
	assert.NoError(t, err)
}

// --- Poller Tests ---

func TestStickyQueueName(t *testing.T) {
	name := StickyQueueName("42@host")

	prefix, id, ok := strings.Cut(name, ":")
	require.True(t, ok)
	assert.Equal(t, "42@host", prefix)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)
	assert.NotEqual(t, name, StickyQueueName("42@host"))
}

func TestPoller_WaitBeforeStop(t *testing.T) {
	e := newEnv(t)
	p := NewPoller(PollerConfig{Client: e.client, Namespace: "default", TaskQueue: "q", Registry: e.registry, Logger: telemetry.DiscardLogger()})

	assert.ErrorIs(t, p.Wait(), poller.ErrNotShuttingDown)

	p.StopPolling()
	assert.NoError(t, p.Wait())
	assert.Equal(t, poller.StateStopped, p.State())
}

func TestPoller_ProcessesDefaultAndStickyQueues(t *testing.T) {
	e := newEnv(t)
	var metrics telemetry.RecordingMetrics

	p := NewPoller(PollerConfig{
		Client:        e.client,
		Namespace:     "default",
		TaskQueue:     "q",
		Identity:      "test-worker",
		Registry:      e.registry,
		PoolSize:      2,
		StickyEnabled: true,
		Logger:        telemetry.DiscardLogger(),
		Metrics:       &metrics,
	})
	require.True(t, strings.HasPrefix(p.StickyQueue(), "test-worker:"))

	require.NoError(t, p.Start(context.Background()))

	ctx := context.Background()
	first := &domain.Task{Namespace: "default", TaskQueue: "q", Kind: domain.TaskKindWorkflow, TypeName: "greeting", RunID: "run-1"}
	require.NoError(t, e.store.Enqueue(ctx, first))
	require.Eventually(t, func() bool { return e.status(t, first) == domain.TaskStatusCompleted }, 2*time.Second, 10*time.Millisecond)

	second := &domain.Task{Namespace: "default", TaskQueue: "q", Kind: domain.TaskKindWorkflow, TypeName: "greeting", RunID: "run-1"}
	require.NoError(t, e.store.Enqueue(ctx, second))
	assert.Equal(t, p.StickyQueue(), second.TaskQueue)
	require.Eventually(t, func() bool { return e.status(t, second) == domain.TaskStatusCompleted }, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(1), e.wf.created.Load(), "sticky task reuses the cached executor")
	assert.Equal(t, int32(2), e.wf.processed.Load())

	p.StopPolling()
	p.CancelPendingRequests()
	require.NoError(t, p.Wait())

	var received, sticky int
	for _, ev := range metrics.Events(telemetry.MetricWorkflowPollerPollCompleted) {
		if ev.Tags["received_task"] == "true" {
			received++
			if ev.Tags["sticky"] == "true" {
				sticky++
			}
		}
	}
	assert.Equal(t, 2, received)
	assert.Equal(t, 1, sticky)
}
