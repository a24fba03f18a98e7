package activity

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/scheduler"
	"github.com/shaiso/durable/internal/telemetry"
)

// recordingClient — connection.Client, запоминающий heartbeat'ы и ответы.
type recordingClient struct {
	mu         sync.Mutex
	heartbeats []json.RawMessage
	completed  map[string]json.RawMessage
	failed     map[string]*domain.Failure
	canceled   map[string]bool

	cancelRequested bool
	heartbeatErr    error
}

func newRecordingClient() *recordingClient {
	return &recordingClient{
		completed: make(map[string]json.RawMessage),
		failed:    make(map[string]*domain.Failure),
		canceled:  make(map[string]bool),
	}
}

func (c *recordingClient) PollActivityTaskQueue(ctx context.Context, namespace, taskQueue string) (*domain.Task, error) {
	return nil, nil
}

func (c *recordingClient) PollWorkflowTaskQueue(ctx context.Context, namespace, taskQueue string, sticky bool) (*domain.Task, error) {
	return nil, nil
}

func (c *recordingClient) RecordActivityTaskHeartbeat(ctx context.Context, namespace string, token []byte, details json.RawMessage) (*domain.HeartbeatResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.heartbeatErr != nil {
		return nil, c.heartbeatErr
	}
	c.heartbeats = append(c.heartbeats, details)
	return &domain.HeartbeatResponse{CancelRequested: c.cancelRequested}, nil
}

func (c *recordingClient) RespondActivityTaskCompleted(ctx context.Context, namespace string, token []byte, result json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completed[string(token)] = result
	return nil
}

func (c *recordingClient) RespondActivityTaskFailed(ctx context.Context, namespace string, token []byte, failure *domain.Failure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed[string(token)] = failure
	return nil
}

func (c *recordingClient) RespondActivityTaskCanceled(ctx context.Context, namespace string, token []byte, details json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled[string(token)] = true
	return nil
}

func (c *recordingClient) RespondWorkflowTaskCompleted(ctx context.Context, namespace string, token []byte, commands []domain.Command, stickyQueue string) error {
	return nil
}

func (c *recordingClient) RespondWorkflowTaskFailed(ctx context.Context, namespace string, token []byte, failure *domain.Failure) error {
	return nil
}

func (c *recordingClient) setCancelRequested(v bool) {
	c.mu.Lock()
	c.cancelRequested = v
	c.mu.Unlock()
}

func (c *recordingClient) sent() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.heartbeats))
	for i, d := range c.heartbeats {
		out[i] = string(d)
	}
	return out
}

func (c *recordingClient) responses() (completed map[string]json.RawMessage, failed map[string]*domain.Failure, canceled map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	completed = make(map[string]json.RawMessage, len(c.completed))
	for k, v := range c.completed {
		completed[k] = v
	}
	failed = make(map[string]*domain.Failure, len(c.failed))
	for k, v := range c.failed {
		failed[k] = v
	}
	canceled = make(map[string]bool, len(c.canceled))
	for k, v := range c.canceled {
		canceled[k] = v
	}
	return completed, failed, canceled
}

// fakeClock — управляемые часы.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestPool(t *testing.T, name string, size int) *scheduler.Pool {
	t.Helper()

	pool := scheduler.New(scheduler.Config{Size: size, Name: name, Logger: telemetry.DiscardLogger()})
	t.Cleanup(func() { _ = pool.Shutdown() })
	return pool
}

func testMetadata() *domain.ActivityMetadata {
	return &domain.ActivityMetadata{
		Namespace:     "default",
		TaskToken:     []byte("token-1"),
		ActivityID:    "activity-1",
		ActivityType:  "charge_card",
		WorkflowID:    "order-42",
		WorkflowRunID: "5f0c7c1e-2b9a-4c55-9a53-3f9d2f1d8a10",
		WorkflowType:  "order",
		Attempt:       1,
		Headers:       map[string]string{"Foo": "Bar"},
	}
}
