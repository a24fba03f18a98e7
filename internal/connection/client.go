// Package connection — клиент оркестратора, которым пользуются poller'ы
// и обработчики задач.
//
// Структура:
//   - client.go       — интерфейс Client и ошибки
//   - store_client.go — реализация Client поверх хранилища задач (long-poll)
//   - memory_store.go — хранилище задач в памяти (тесты, локальный запуск)
//   - notifier.go     — пробуждение long-poll'ов по событиям task.ready
//
// Отмена long-poll'а выражается через context.Context запроса.
package connection

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/shaiso/durable/internal/domain"
)

// Ошибки клиента.
var (
	// ErrPollCanceled — long-poll прерван отменой контекста запроса.
	ErrPollCanceled = errors.New("poll canceled")

	// ErrNoStickyQueue — sticky poll без имени sticky очереди.
	ErrNoStickyQueue = errors.New("sticky poll requires a sticky queue name")
)

// Client — операции оркестратора, нужные рантайму воркера.
//
// Poll* блокируют до появления задачи, истечения long-poll таймаута
// (возвращают nil, nil) или отмены ctx (ErrPollCanceled).
type Client interface {
	PollActivityTaskQueue(ctx context.Context, namespace, taskQueue string) (*domain.Task, error)
	PollWorkflowTaskQueue(ctx context.Context, namespace, taskQueue string, sticky bool) (*domain.Task, error)

	RecordActivityTaskHeartbeat(ctx context.Context, namespace string, token []byte, details json.RawMessage) (*domain.HeartbeatResponse, error)

	RespondActivityTaskCompleted(ctx context.Context, namespace string, token []byte, result json.RawMessage) error
	RespondActivityTaskFailed(ctx context.Context, namespace string, token []byte, failure *domain.Failure) error
	RespondActivityTaskCanceled(ctx context.Context, namespace string, token []byte, details json.RawMessage) error

	RespondWorkflowTaskCompleted(ctx context.Context, namespace string, token []byte, commands []domain.Command, stickyQueue string) error
	RespondWorkflowTaskFailed(ctx context.Context, namespace string, token []byte, failure *domain.Failure) error
}
