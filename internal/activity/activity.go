// Package activity — выполнение activity задач на стороне воркера.
//
// Структура:
//   - activity.go      — интерфейс Activity и реестр
//   - context.go       — Context: heartbeat с троттлингом, отмена, таймауты
//   - async_token.go   — токен асинхронного завершения
//   - local_context.go — Context без оркестратора (для тестов activity)
//   - processor.go     — TaskProcessor: одна activity задача от получения до ответа
//   - poller.go        — Poller: опрос очереди с ограничением по слотам
package activity

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Ошибки пакета.
var (
	// ErrUnknownActivity — нет зарегистрированной activity для типа задачи.
	ErrUnknownActivity = errors.New("unknown activity type")

	// ErrDuplicateActivity — тип уже зарегистрирован.
	ErrDuplicateActivity = errors.New("activity type already registered")

	// ErrInvalidAsyncToken — токен асинхронного завершения не разобран.
	ErrInvalidAsyncToken = errors.New("invalid async token")
)

// Activity — пользовательский обработчик activity.
//
// input — входные данные задачи в JSON. Результат сериализуется в JSON;
// json.RawMessage передаётся как есть.
type Activity interface {
	Execute(actx *Context, input json.RawMessage) (any, error)
}

// Func — Activity из функции.
type Func func(actx *Context, input json.RawMessage) (any, error)

func (f Func) Execute(actx *Context, input json.RawMessage) (any, error) {
	return f(actx, input)
}

// Registry — реестр activity по имени типа.
type Registry struct {
	mu         sync.RWMutex
	activities map[string]Activity
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{activities: make(map[string]Activity)}
}

// Register добавляет activity.
func (r *Registry) Register(name string, act Activity) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.activities[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateActivity, name)
	}
	r.activities[name] = act
	return nil
}

// Get возвращает activity по имени типа.
func (r *Registry) Get(name string) (Activity, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	act, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActivity, name)
	}
	return act, nil
}

// Names возвращает зарегистрированные типы.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.activities))
	for name := range r.activities {
		names = append(names, name)
	}
	return names
}
