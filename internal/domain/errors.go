package domain

import "errors"

// ErrActivityInterrupted — корень семейства управляющих ошибок.
//
// Эти ошибки — сигналы кооперативного прерывания, а не баги. Они не
// передаются в error handler'ы и не считаются падением job'а.
var ErrActivityInterrupted = errors.New("activity interrupted")

// InterruptReason — причина прерывания activity.
type InterruptReason string

const (
	ReasonCanceled     InterruptReason = "canceled"
	ReasonTimedOut     InterruptReason = "timed out"
	ReasonShuttingDown InterruptReason = "worker shutting down"
)

// InterruptedError — управляющая ошибка с причиной прерывания.
type InterruptedError struct {
	Reason InterruptReason
}

// Error реализует интерфейс error.
func (e *InterruptedError) Error() string {
	return "activity interrupted: " + string(e.Reason)
}

// Is позволяет errors.Is(err, ErrActivityInterrupted) для любой причины.
func (e *InterruptedError) Is(target error) bool {
	return target == ErrActivityInterrupted
}

// Управляющие ошибки.
var (
	// ErrActivityCanceled — оркестратор запросил отмену activity.
	ErrActivityCanceled error = &InterruptedError{Reason: ReasonCanceled}

	// ErrActivityTimedOut — истёк start-to-close таймаут попытки.
	ErrActivityTimedOut error = &InterruptedError{Reason: ReasonTimedOut}

	// ErrWorkerShuttingDown — пул воркеров останавливается.
	ErrWorkerShuttingDown error = &InterruptedError{Reason: ReasonShuttingDown}
)

// IsControlFlow возвращает true для управляющих ошибок.
func IsControlFlow(err error) bool {
	return errors.Is(err, ErrActivityInterrupted)
}
