package errhandler

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/durable/internal/domain"
)

func newTestHandler() (*Handler, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return New(logger), &buf
}

func TestHandle_CallsHooksInOrder(t *testing.T) {
	h, _ := newTestHandler()

	var calls []string
	h.Register(func(err error, md Metadata) error {
		calls = append(calls, "first:"+err.Error())
		return nil
	})
	h.Register(func(err error, md Metadata) error {
		calls = append(calls, fmt.Sprintf("second:%v", md["task_queue"]))
		return nil
	})

	h.Handle(errors.New("boom"), Metadata{"task_queue": "q"})

	assert.Equal(t, []string{"first:boom", "second:q"}, calls)
}

func TestHandle_FailingHookDoesNotStopOthers(t *testing.T) {
	h, logs := newTestHandler()

	var reached int
	h.Register(func(error, Metadata) error { return errors.New("hook broke") })
	h.Register(func(error, Metadata) error { panic("hook panicked") })
	h.Register(func(error, Metadata) error {
		reached++
		return nil
	})

	h.Handle(errors.New("boom"), nil)

	assert.Equal(t, 1, reached)
	assert.Contains(t, logs.String(), "hook broke")
	assert.Contains(t, logs.String(), "hook panicked")
}

func TestHandle_SkipsControlFlowErrors(t *testing.T) {
	h, _ := newTestHandler()

	var reached int
	h.Register(func(error, Metadata) error {
		reached++
		return nil
	})

	h.Handle(domain.ErrActivityCanceled, nil)
	h.Handle(fmt.Errorf("wrapped: %w", domain.ErrWorkerShuttingDown), nil)
	h.Handle(domain.ErrActivityTimedOut, nil)
	h.Handle(nil, nil)

	assert.Zero(t, reached)
}

func TestHandle_ControlFlowFromHookIsNotLogged(t *testing.T) {
	h, logs := newTestHandler()
	h.Register(func(error, Metadata) error { return domain.ErrActivityCanceled })

	h.Handle(errors.New("boom"), nil)

	assert.Empty(t, logs.String())
}

func TestHandle_NilHandler(t *testing.T) {
	var h *Handler
	require.NotPanics(t, func() { h.Handle(errors.New("boom"), nil) })
}

func TestRegister_IgnoresNil(t *testing.T) {
	h, _ := newTestHandler()
	h.Register(nil)
	assert.Equal(t, 0, h.Len())
}
