package poller

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/telemetry"
)

func TestLifecycle_StateMachine(t *testing.T) {
	l := NewLifecycle()
	assert.Equal(t, StateIdle, l.State())

	started := make(chan struct{})
	require.NoError(t, l.Start(context.Background(), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	}))
	<-started
	assert.Equal(t, StatePolling, l.State())
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyStarted)

	assert.ErrorIs(t, l.Join(), ErrNotShuttingDown)

	l.StopPolling()
	l.StopPolling()
	assert.Equal(t, StateShuttingDown, l.State())
	assert.True(t, l.ShuttingDown())

	l.CancelPendingRequests()
	require.NoError(t, l.Join())
	assert.Equal(t, StateStopped, l.State())
	assert.Equal(t, "stopped", l.State().String())
}

func TestLifecycle_CancelPendingRequestsCancelsLoopContext(t *testing.T) {
	l := NewLifecycle()

	causes := make(chan error, 1)
	require.NoError(t, l.Start(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		causes <- context.Cause(ctx)
	}))

	l.StopPolling()
	l.CancelPendingRequests()

	select {
	case cause := <-causes:
		assert.ErrorIs(t, cause, errPollsCanceled)
	case <-time.After(time.Second):
		t.Fatal("loop context was not canceled")
	}
	require.NoError(t, l.Join())
}

func TestLifecycle_RunningStopsOnParentCancel(t *testing.T) {
	l := NewLifecycle()
	ctx, cancel := context.WithCancel(context.Background())

	var iterations atomic.Int32
	require.NoError(t, l.Start(ctx, func(ctx context.Context) {
		for l.Running(ctx) {
			iterations.Add(1)
			time.Sleep(time.Millisecond)
		}
	}))

	time.Sleep(10 * time.Millisecond)
	cancel()
	l.StopPolling()
	require.NoError(t, l.Join())
	assert.Positive(t, iterations.Load())
}

func TestLifecycle_SleepInterruptedByStop(t *testing.T) {
	l := NewLifecycle()

	done := make(chan bool, 1)
	go func() { done <- l.Sleep(time.Hour) }()

	time.Sleep(10 * time.Millisecond)
	l.StopPolling()

	select {
	case completed := <-done:
		assert.False(t, completed)
	case <-time.After(time.Second):
		t.Fatal("sleep was not interrupted")
	}

	assert.True(t, NewLifecycle().Sleep(time.Millisecond))
}

func TestFetchErrorPolicy(t *testing.T) {
	l := NewLifecycle()
	handler := errhandler.New(telemetry.DiscardLogger())

	var reported []error
	handler.Register(func(err error, md errhandler.Metadata) error {
		reported = append(reported, err)
		assert.Equal(t, "q", md["task_queue"])
		return nil
	})

	policy := FetchErrorPolicy{
		Lifecycle:    l,
		Logger:       telemetry.DiscardLogger(),
		ErrorHandler: handler,
		Metadata:     errhandler.Metadata{"task_queue": "q"},
	}

	boom := errors.New("unavailable")
	policy.Handle(boom)
	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], boom)

	// Отмена до остановки — это ошибка.
	policy.Handle(context.Canceled)
	assert.Len(t, reported, 2)

	l.StopPolling()
	policy.Handle(context.Canceled)
	policy.Handle(fmt.Errorf("wrapped: %w", connection.ErrPollCanceled))
	assert.Len(t, reported, 2, "cancellation during shutdown is swallowed")

	policy.Handle(boom)
	assert.Len(t, reported, 3)
}

func TestPollMetrics(t *testing.T) {
	var rec telemetry.RecordingMetrics
	m := &PollMetrics{
		Metrics:           &rec,
		Tags:              telemetry.Tags{"task_queue": "q", "sticky": "false"},
		TimeSinceLastPoll: telemetry.MetricActivityPollerTimeSinceLastPoll,
		PollCompleted:     telemetry.MetricActivityPollerPollCompleted,
	}

	start := time.Now()
	m.Started(start)
	m.Completed(false)
	m.Started(start.Add(250 * time.Millisecond))
	m.Completed(true)

	timings := rec.Events(telemetry.MetricActivityPollerTimeSinceLastPoll)
	require.Len(t, timings, 1)
	assert.Equal(t, 250.0, timings[0].Value)

	completed := rec.Events(telemetry.MetricActivityPollerPollCompleted)
	require.Len(t, completed, 2)
	assert.Equal(t, "false", completed[0].Tags["received_task"])
	assert.Equal(t, "true", completed[1].Tags["received_task"])
	assert.Equal(t, "q", completed[1].Tags["task_queue"])
}
