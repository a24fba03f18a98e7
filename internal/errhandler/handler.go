// Package errhandler — реестр хуков для ошибок, дошедших до верхнего
// уровня poller'ов и пулов воркеров.
//
// Реестр создаётся явно и передаётся компонентам через Config.
// Управляющие ошибки (domain.ErrActivityInterrupted) хукам не передаются.
package errhandler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/shaiso/durable/internal/domain"
)

// Metadata — дополнительный контекст ошибки (namespace, task_queue, ...).
type Metadata map[string]any

// Hook получает ошибку. Возвращённая ошибка или паника логируются
// и не мешают остальным хукам.
type Hook func(err error, metadata Metadata) error

// Handler вызывает зарегистрированные хуки по порядку.
type Handler struct {
	mu     sync.RWMutex
	hooks  []Hook
	logger *slog.Logger
}

// New создаёт пустой Handler. Если logger nil — используется slog.Default().
func New(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger}
}

// Register добавляет хук в конец списка.
func (h *Handler) Register(hook Hook) {
	if hook == nil {
		return
	}
	h.mu.Lock()
	h.hooks = append(h.hooks, hook)
	h.mu.Unlock()
}

// Len возвращает количество хуков.
func (h *Handler) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.hooks)
}

// Handle передаёт ошибку всем хукам в порядке регистрации.
// Безопасен для nil Handler.
func (h *Handler) Handle(err error, metadata Metadata) {
	if h == nil || err == nil || domain.IsControlFlow(err) {
		return
	}

	h.mu.RLock()
	hooks := make([]Hook, len(h.hooks))
	copy(hooks, h.hooks)
	h.mu.RUnlock()

	for _, hook := range hooks {
		if hookErr := h.call(hook, err, metadata); hookErr != nil {
			h.logger.Error("error handler failed", "error", hookErr)
		}
	}
}

// call вызывает один хук, превращая панику в ошибку.
func (h *Handler) call(hook Hook, err error, metadata Metadata) (hookErr error) {
	defer func() {
		if r := recover(); r != nil {
			hookErr = fmt.Errorf("hook panic: %v", r)
		}
	}()

	hookErr = hook(err, metadata)
	if domain.IsControlFlow(hookErr) {
		// Управляющие ошибки из хука не считаются сбоем.
		return nil
	}
	return hookErr
}
