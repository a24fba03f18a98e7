package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/mq"
	"github.com/shaiso/durable/internal/repo"
)

// TaskStore — хранилище задач, поверх которого работает StoreClient.
//
// ClaimNext возвращает nil, nil, если подходящих задач нет.
// Терминальные операции над задачей не в статусе RUNNING возвращают
// repo.ErrInvalidState.
type TaskStore interface {
	ClaimNext(ctx context.Context, namespace, taskQueue string, kind domain.TaskKind) (*domain.Task, error)
	RecordHeartbeat(ctx context.Context, token []byte, details json.RawMessage) (bool, error)
	Complete(ctx context.Context, token []byte, result json.RawMessage) error
	Fail(ctx context.Context, token []byte, failure *domain.Failure) error
	Cancel(ctx context.Context, token []byte, details json.RawMessage) error
	CompleteWorkflowTask(ctx context.Context, token []byte, commands []domain.Command, stickyQueue string) error
	FailWorkflowTask(ctx context.Context, token []byte, failure *domain.Failure) error
}

var (
	_ TaskStore = (*repo.TaskRepo)(nil)
	_ TaskStore = (*MemoryStore)(nil)
)

// EventPublisher публикует события о завершённых задачах.
type EventPublisher interface {
	PublishTaskCompleted(ctx context.Context, payload mq.TaskCompletedPayload) error
}

// Config — конфигурация StoreClient.
type Config struct {
	Store TaskStore

	// Notifier будит long-poll при появлении задачи (опционально).
	Notifier *Notifier

	// Publisher получает task.completed (опционально).
	Publisher EventPublisher

	// PollInterval — период перепроверки хранилища без пробуждений (default: 1s).
	PollInterval time.Duration

	// LongPollTimeout — сколько ждать задачу, прежде чем вернуть пустой ответ (default: 60s).
	LongPollTimeout time.Duration

	Logger *slog.Logger
}

// StoreClient — Client поверх TaskStore.
type StoreClient struct {
	store           TaskStore
	notifier        *Notifier
	publisher       EventPublisher
	pollInterval    time.Duration
	longPollTimeout time.Duration
	logger          *slog.Logger
}

var _ Client = (*StoreClient)(nil)

// New создаёт StoreClient.
func New(cfg Config) *StoreClient {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	longPollTimeout := cfg.LongPollTimeout
	if longPollTimeout <= 0 {
		longPollTimeout = 60 * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &StoreClient{
		store:           cfg.Store,
		notifier:        cfg.Notifier,
		publisher:       cfg.Publisher,
		pollInterval:    pollInterval,
		longPollTimeout: longPollTimeout,
		logger:          logger,
	}
}

// PollActivityTaskQueue ждёт activity задачу.
func (c *StoreClient) PollActivityTaskQueue(ctx context.Context, namespace, taskQueue string) (*domain.Task, error) {
	return c.poll(ctx, namespace, taskQueue, domain.TaskKindActivity)
}

// PollWorkflowTaskQueue ждёт workflow задачу. При sticky taskQueue уже
// содержит имя sticky очереди воркера: хранилище маршрутизирует задачи
// run'а туда при enqueue, отдельного поиска не нужно. sticky
// используется для проверки и логов.
func (c *StoreClient) PollWorkflowTaskQueue(ctx context.Context, namespace, taskQueue string, sticky bool) (*domain.Task, error) {
	if sticky && taskQueue == "" {
		return nil, ErrNoStickyQueue
	}

	task, err := c.poll(ctx, namespace, taskQueue, domain.TaskKindWorkflow)
	if task != nil {
		c.logger.Debug("workflow task claimed",
			"task_queue", taskQueue,
			"sticky", sticky,
			"run_id", task.RunID,
		)
	}
	return task, err
}

// poll — long-poll: хранилище перепроверяется по пробуждению Notifier
// или раз в PollInterval, пока не истечёт LongPollTimeout.
func (c *StoreClient) poll(ctx context.Context, namespace, taskQueue string, kind domain.TaskKind) (*domain.Task, error) {
	deadline := time.NewTimer(c.longPollTimeout)
	defer deadline.Stop()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		wake := c.notifier.Wait(namespace, taskQueue)

		task, err := c.store.ClaimNext(ctx, namespace, taskQueue, kind)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %w", ErrPollCanceled, context.Cause(ctx))
			}
			return nil, fmt.Errorf("poll %s task queue %s: %w", kind, taskQueue, err)
		}
		if task != nil {
			return task, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrPollCanceled, context.Cause(ctx))
		case <-deadline.C:
			return nil, nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// RecordActivityTaskHeartbeat сохраняет details и возвращает флаг отмены.
func (c *StoreClient) RecordActivityTaskHeartbeat(ctx context.Context, namespace string, token []byte, details json.RawMessage) (*domain.HeartbeatResponse, error) {
	cancelRequested, err := c.store.RecordHeartbeat(ctx, token, details)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}
	return &domain.HeartbeatResponse{CancelRequested: cancelRequested}, nil
}

// RespondActivityTaskCompleted сообщает об успешном завершении activity.
func (c *StoreClient) RespondActivityTaskCompleted(ctx context.Context, namespace string, token []byte, result json.RawMessage) error {
	if err := c.store.Complete(ctx, token, result); err != nil {
		return fmt.Errorf("respond activity completed: %w", err)
	}
	c.publish(ctx, namespace, token, domain.TaskStatusCompleted, nil)
	return nil
}

// RespondActivityTaskFailed сообщает об ошибке activity.
func (c *StoreClient) RespondActivityTaskFailed(ctx context.Context, namespace string, token []byte, failure *domain.Failure) error {
	if err := c.store.Fail(ctx, token, failure); err != nil {
		return fmt.Errorf("respond activity failed: %w", err)
	}
	c.publish(ctx, namespace, token, domain.TaskStatusFailed, failure)
	return nil
}

// RespondActivityTaskCanceled подтверждает отмену activity.
func (c *StoreClient) RespondActivityTaskCanceled(ctx context.Context, namespace string, token []byte, details json.RawMessage) error {
	if err := c.store.Cancel(ctx, token, details); err != nil {
		return fmt.Errorf("respond activity canceled: %w", err)
	}
	c.publish(ctx, namespace, token, domain.TaskStatusCanceled, nil)
	return nil
}

// RespondWorkflowTaskCompleted передаёт команды workflow задачи.
func (c *StoreClient) RespondWorkflowTaskCompleted(ctx context.Context, namespace string, token []byte, commands []domain.Command, stickyQueue string) error {
	if err := c.store.CompleteWorkflowTask(ctx, token, commands, stickyQueue); err != nil {
		return fmt.Errorf("respond workflow task completed: %w", err)
	}
	c.publish(ctx, namespace, token, domain.TaskStatusCompleted, nil)
	return nil
}

// RespondWorkflowTaskFailed сообщает об ошибке workflow задачи.
func (c *StoreClient) RespondWorkflowTaskFailed(ctx context.Context, namespace string, token []byte, failure *domain.Failure) error {
	if err := c.store.FailWorkflowTask(ctx, token, failure); err != nil {
		return fmt.Errorf("respond workflow task failed: %w", err)
	}
	c.publish(ctx, namespace, token, domain.TaskStatusFailed, failure)
	return nil
}

// publish отправляет task.completed. Ошибка публикации не отменяет
// уже сохранённый результат, поэтому только логируется.
func (c *StoreClient) publish(ctx context.Context, namespace string, token []byte, status domain.TaskStatus, failure *domain.Failure) {
	if c.publisher == nil {
		return
	}

	payload := mq.TaskCompletedPayload{
		Namespace: namespace,
		Token:     string(token),
		Status:    string(status),
	}
	if failure != nil {
		payload.Error = failure.Message
	}

	if err := c.publisher.PublishTaskCompleted(ctx, payload); err != nil {
		c.logger.Warn("failed to publish task.completed",
			"namespace", namespace,
			"token", string(token),
			"error", err,
		)
	}
}
