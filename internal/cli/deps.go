package cli

import (
	"context"
	"encoding/json"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/mq"
	"github.com/shaiso/durable/internal/repo"
)

// Store — операции над задачами, нужные командам.
type Store interface {
	Enqueue(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, token []byte) (*domain.TaskRecord, error)
	List(ctx context.Context, f repo.ListFilter) ([]domain.TaskRecord, error)
	RequestCancel(ctx context.Context, token []byte) (domain.TaskStatus, error)
}

var (
	_ Store = (*repo.TaskRepo)(nil)
	_ Store = (*connection.MemoryStore)(nil)
)

// ReadyPublisher публикует task.ready после постановки задачи.
type ReadyPublisher interface {
	PublishTaskReady(ctx context.Context, payload mq.TaskReadyPayload) error
}

// Deps — зависимости команд.
type Deps struct {
	Store Store

	// Client — клиент оркестратора, через который закрываются
	// асинхронные activity.
	Client connection.Client

	// Publisher и Conn — опциональны: без RabbitMQ воркеры найдут задачу
	// polling'ом, а watch недоступен.
	Publisher ReadyPublisher
	Conn      *mq.Connection

	// Close освобождает ресурсы (может быть nil).
	Close func()
}

// DepsFunc лениво создаёт зависимости при запуске команды.
type DepsFunc func(ctx context.Context) (*Deps, error)

func (d *Deps) close() {
	if d.Close != nil {
		d.Close()
	}
}

// parseJSONFlag проверяет JSON из флага. Пустая строка — nil.
func parseJSONFlag(name, value string) (json.RawMessage, error) {
	if value == "" {
		return nil, nil
	}
	if !json.Valid([]byte(value)) {
		return nil, &FlagError{Flag: name, Reason: "invalid JSON"}
	}
	return json.RawMessage(value), nil
}

// FlagError — некорректное значение флага.
type FlagError struct {
	Flag   string
	Reason string
}

func (e *FlagError) Error() string {
	return "--" + e.Flag + ": " + e.Reason
}
