package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/shaiso/durable/internal/domain"
)

// Ошибки пула.
var (
	// ErrPoolClosed — Schedule вызван после начала Shutdown.
	ErrPoolClosed = errors.New("scheduler pool is shut down")

	// ErrNotCancelable — Cancel вызван для элемента, созданного неотменяемым.
	ErrNotCancelable = errors.New("item is not cancelable")

	// ErrNilJob — передан nil job.
	ErrNilJob = errors.New("nil job")
)

// Job — единица работы. ctx отменяется только при Cancel во время
// выполнения (причина domain.ErrActivityCanceled). Shutdown его не отменяет.
type Job func(ctx context.Context) error

// FatalError помечает ошибку как фатальную: воркер, получивший её,
// завершается после репорта.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return "fatal: " + e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// Fatal оборачивает err в FatalError.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &FatalError{Err: err}
}

// PanicError — паника внутри job'а. Всегда фатальна.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// OutcomeKind — вид результата выполнения job'а.
type OutcomeKind int

const (
	// OutcomeOK — job завершился успешно или управляющей ошибкой.
	OutcomeOK OutcomeKind = iota

	// OutcomeFailed — обычная ошибка job'а. Воркер продолжает работу.
	OutcomeFailed

	// OutcomeFatal — паника или FatalError. Воркер завершается.
	OutcomeFatal

	// OutcomeSkipped — job не вызывался: элемент отменён до старта или
	// остановка пула прервала ожидание задержки (Err == domain.ErrWorkerShuttingDown).
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOK:
		return "ok"
	case OutcomeFailed:
		return "failed"
	case OutcomeFatal:
		return "fatal"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome — типизированный результат выполнения job'а.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

// Run выполняет job и классифицирует результат.
func Run(ctx context.Context, job Job) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Outcome{Kind: OutcomeFatal, Err: &PanicError{Value: r, Stack: debug.Stack()}}
		}
	}()

	err := job(ctx)

	var fatal *FatalError
	switch {
	case err == nil:
		return Outcome{Kind: OutcomeOK}
	case errors.As(err, &fatal):
		return Outcome{Kind: OutcomeFatal, Err: err}
	case domain.IsControlFlow(err):
		return Outcome{Kind: OutcomeOK, Err: err}
	default:
		return Outcome{Kind: OutcomeFailed, Err: err}
	}
}
