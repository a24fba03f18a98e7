// Package workflow — выполнение workflow задач на стороне воркера.
//
// Структура:
//   - workflow.go  — интерфейсы Workflow/Executor и реестр
//   - cache.go     — ExecutorCache: executor'ы sticky run'ов
//   - processor.go — TaskProcessor: одна workflow задача от получения до ответа
//   - poller.go    — Poller: обычная и sticky очереди
//
// Интерпретатор workflow (детерминированный replay) — внешний компонент,
// рантайм видит его только через Executor.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shaiso/durable/internal/domain"
)

// Ошибки пакета.
var (
	// ErrUnknownWorkflow — нет зарегистрированного workflow для типа задачи.
	ErrUnknownWorkflow = errors.New("unknown workflow type")

	// ErrDuplicateWorkflow — тип уже зарегистрирован.
	ErrDuplicateWorkflow = errors.New("workflow type already registered")
)

// Executor продвигает один run: принимает workflow задачу и возвращает
// команды для оркестратора. Executor sticky run'а переживает задачи и
// хранит состояние между ними.
type Executor interface {
	Process(ctx context.Context, task *domain.Task) ([]domain.Command, error)
}

// Workflow создаёт Executor для нового (или вытесненного из кэша) run'а.
type Workflow interface {
	NewExecutor(task *domain.Task) (Executor, error)
}

// ExecutorFunc — Executor из функции.
type ExecutorFunc func(ctx context.Context, task *domain.Task) ([]domain.Command, error)

func (f ExecutorFunc) Process(ctx context.Context, task *domain.Task) ([]domain.Command, error) {
	return f(ctx, task)
}

// Func — Workflow из функции.
type Func func(task *domain.Task) (Executor, error)

func (f Func) NewExecutor(task *domain.Task) (Executor, error) {
	return f(task)
}

// Registry — реестр workflow по имени типа.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{workflows: make(map[string]Workflow)}
}

// Register добавляет workflow.
func (r *Registry) Register(name string, wf Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.workflows[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateWorkflow, name)
	}
	r.workflows[name] = wf
	return nil
}

// Get возвращает workflow по имени типа.
func (r *Registry) Get(name string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wf, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, name)
	}
	return wf, nil
}

// Len возвращает количество зарегистрированных workflow.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
