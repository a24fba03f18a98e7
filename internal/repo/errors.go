package repo

import "errors"

// Ошибки хранилища задач.
var (
	// ErrNotFound — задачи с таким токеном нет.
	ErrNotFound = errors.New("task not found")

	// ErrAlreadyExists — задача с таким токеном уже поставлена.
	ErrAlreadyExists = errors.New("task already exists")

	// ErrInvalidState — переход невозможен из текущего статуса задачи
	// (например, ответ на задачу, которая уже не RUNNING).
	ErrInvalidState = errors.New("invalid task state")
)
