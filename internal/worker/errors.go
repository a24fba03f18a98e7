package worker

import "errors"

// Ошибки воркера.
var (
	// ErrNothingRegistered — нет ни одной activity и ни одного workflow.
	ErrNothingRegistered = errors.New("no activities or workflows registered")

	// ErrAlreadyStarted — Start вызван повторно.
	ErrAlreadyStarted = errors.New("worker already started")

	// ErrNotStarted — Stop вызван до Start.
	ErrNotStarted = errors.New("worker not started")
)
