// Package poller — общий жизненный цикл poller'ов задач.
//
// Состояния: idle → polling → shutting_down → stopped.
//
// Остановка двухфазная:
//
//	p.StopPolling()            // циклы больше не начинают новых poll'ов
//	p.CancelPendingRequests()  // прерываем уже висящие long-poll'ы
//	err := p.Wait()            // ждём выхода циклов
package poller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/telemetry"
)

// Ошибки жизненного цикла.
var (
	// ErrNotShuttingDown — Wait вызван до StopPolling.
	ErrNotShuttingDown = errors.New("poller is not shutting down")

	// ErrAlreadyStarted — повторный Start.
	ErrAlreadyStarted = errors.New("poller already started")

	// errPollsCanceled — причина отмены контекста long-poll'ов.
	errPollsCanceled = errors.New("pending poll requests canceled")
)

// State — состояние poller'а.
type State int32

const (
	StateIdle State = iota
	StatePolling
	StateShuttingDown
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePolling:
		return "polling"
	case StateShuttingDown:
		return "shutting_down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Loop — тело цикла poller'а. ctx — контекст long-poll запросов,
// отменяется CancelPendingRequests.
type Loop func(ctx context.Context)

// Lifecycle управляет циклами poller'а.
type Lifecycle struct {
	state atomic.Int32

	mu          sync.Mutex
	stopCh      chan struct{}
	cancelPolls context.CancelCauseFunc

	wg sync.WaitGroup
}

// NewLifecycle создаёт Lifecycle в состоянии idle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{stopCh: make(chan struct{})}
}

// State возвращает текущее состояние.
func (l *Lifecycle) State() State {
	return State(l.state.Load())
}

// Start запускает циклы, каждый в своей горутине.
func (l *Lifecycle) Start(ctx context.Context, loops ...Loop) error {
	if !l.state.CompareAndSwap(int32(StateIdle), int32(StatePolling)) {
		return ErrAlreadyStarted
	}

	pollCtx, cancel := context.WithCancelCause(ctx)

	l.mu.Lock()
	l.cancelPolls = cancel
	l.mu.Unlock()

	l.wg.Add(len(loops))
	for _, loop := range loops {
		go func(loop Loop) {
			defer l.wg.Done()
			loop(pollCtx)
		}(loop)
	}
	return nil
}

// StopPolling переводит poller в shutting_down. Идемпотентен.
func (l *Lifecycle) StopPolling() {
	for {
		s := l.State()
		if s == StateShuttingDown || s == StateStopped {
			return
		}
		if l.state.CompareAndSwap(int32(s), int32(StateShuttingDown)) {
			close(l.stopCh)
			return
		}
	}
}

// CancelPendingRequests отменяет контекст висящих long-poll'ов.
func (l *Lifecycle) CancelPendingRequests() {
	l.mu.Lock()
	cancel := l.cancelPolls
	l.mu.Unlock()

	if cancel != nil {
		cancel(errPollsCanceled)
	}
}

// ShuttingDown возвращает true после StopPolling.
func (l *Lifecycle) ShuttingDown() bool {
	s := l.State()
	return s == StateShuttingDown || s == StateStopped
}

// Running — условие продолжения цикла.
func (l *Lifecycle) Running(ctx context.Context) bool {
	return !l.ShuttingDown() && ctx.Err() == nil
}

// Join ждёт выхода всех циклов. До StopPolling возвращает ErrNotShuttingDown.
func (l *Lifecycle) Join() error {
	if !l.ShuttingDown() {
		return ErrNotShuttingDown
	}

	l.wg.Wait()
	l.state.Store(int32(StateStopped))

	l.mu.Lock()
	if l.cancelPolls != nil {
		l.cancelPolls(nil)
	}
	l.mu.Unlock()

	return nil
}

// Sleep ждёт d или StopPolling. Возвращает false, если сон прерван.
func (l *Lifecycle) Sleep(d time.Duration) bool {
	if d <= 0 {
		return !l.ShuttingDown()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-l.stopCh:
		return false
	}
}

// IsCancellation — ошибка poll'а, вызванная отменой запроса.
func IsCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, connection.ErrPollCanceled)
}

// FetchErrorPolicy — реакция poller'а на ошибку получения задачи.
type FetchErrorPolicy struct {
	Lifecycle     *Lifecycle
	Logger        *slog.Logger
	ErrorHandler  *errhandler.Handler
	Metadata      errhandler.Metadata
	RetryInterval time.Duration
}

// Handle обрабатывает ошибку poll'а.
//
// Отмена запроса во время остановки — штатная ситуация и проглатывается.
// Остальные ошибки логируются, отправляются в error handler, после чего
// poller ждёт RetryInterval (прерывается StopPolling).
func (p FetchErrorPolicy) Handle(err error) {
	if IsCancellation(err) && p.Lifecycle.ShuttingDown() {
		return
	}

	p.Logger.Error("error polling task queue", "error", err)
	p.ErrorHandler.Handle(err, p.Metadata)
	p.Lifecycle.Sleep(p.RetryInterval)
}

// PollMetrics пишет метрики итераций poll'а.
type PollMetrics struct {
	Metrics           telemetry.Metrics
	Tags              telemetry.Tags
	TimeSinceLastPoll string
	PollCompleted     string

	lastPoll time.Time
}

// Started отмечает начало poll'а: пишет время с предыдущего.
// Вызывается только из одного цикла.
func (m *PollMetrics) Started(now time.Time) {
	if !m.lastPoll.IsZero() {
		m.Metrics.Timing(m.TimeSinceLastPoll, now.Sub(m.lastPoll), m.Tags)
	}
	m.lastPoll = now
}

// Completed пишет poll_completed с меткой received_task.
func (m *PollMetrics) Completed(received bool) {
	value := "false"
	if received {
		value = "true"
	}
	m.Metrics.Increment(m.PollCompleted, m.Tags.Merge(telemetry.Tags{"received_task": value}))
}
