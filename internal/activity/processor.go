package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/scheduler"
)

// ProcessorConfig — конфигурация TaskProcessor.
type ProcessorConfig struct {
	Client        connection.Client
	Registry      *Registry
	HeartbeatPool *scheduler.Pool
	ShuttingDown  func() bool
	Throttle      Throttle
	Logger        *slog.Logger
	ErrorHandler  *errhandler.Handler

	// Now — источник времени для Context (default: time.Now).
	Now func() time.Time
}

// TaskProcessor выполняет одну activity задачу и отправляет ответ.
type TaskProcessor struct {
	cfg    ProcessorConfig
	logger *slog.Logger
}

// NewTaskProcessor создаёт TaskProcessor.
func NewTaskProcessor(cfg ProcessorConfig) *TaskProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	return &TaskProcessor{cfg: cfg, logger: logger}
}

// Process выполняет задачу.
//
// Результат или ошибка activity отправляются оркестратору, Process при
// этом возвращает nil. Ошибкой возвращается только сбой отправки ответа.
func (p *TaskProcessor) Process(ctx context.Context, task *domain.Task) error {
	md := domain.NewActivityMetadata(task)
	logger := p.logger.With(md.LogAttrs()...)
	respondCtx := context.WithoutCancel(ctx)

	act, err := p.cfg.Registry.Get(task.TypeName)
	if err != nil {
		logger.Error("activity not registered", "error", err)
		p.cfg.ErrorHandler.Handle(err, p.metadata(md))
		return p.respondFailed(respondCtx, task, err)
	}

	actx := NewContext(ctx, ContextConfig{
		Client:        p.cfg.Client,
		Metadata:      md,
		HeartbeatPool: p.cfg.HeartbeatPool,
		ShuttingDown:  p.cfg.ShuttingDown,
		Throttle:      p.cfg.Throttle,
		Logger:        p.logger,
		Now:           p.cfg.Now,
	})
	defer actx.release()

	start := time.Now()
	result, err := p.execute(actx, act, task.Input)

	if err == nil {
		if actx.IsAsync() {
			logger.Info("activity left for async completion")
			return nil
		}

		payload, marshalErr := marshalResult(result)
		if marshalErr != nil {
			err = marshalErr
		} else {
			if err := p.cfg.Client.RespondActivityTaskCompleted(respondCtx, task.Namespace, task.Token, payload); err != nil {
				return fmt.Errorf("respond activity completed: %w", err)
			}
			logger.Debug("activity completed", "duration_ms", time.Since(start).Milliseconds())
			return nil
		}
	}

	if errors.Is(err, domain.ErrActivityCanceled) {
		logger.Info("activity canceled")
		if err := p.cfg.Client.RespondActivityTaskCanceled(respondCtx, task.Namespace, task.Token, nil); err != nil {
			return fmt.Errorf("respond activity canceled: %w", err)
		}
		return nil
	}

	if domain.IsControlFlow(err) {
		logger.Info("activity interrupted", "error", err)
	} else {
		logger.Error("activity failed", "error", err)
		p.cfg.ErrorHandler.Handle(err, p.metadata(md))
	}
	return p.respondFailed(respondCtx, task, err)
}

// execute вызывает activity, превращая панику в ошибку задачи.
func (p *TaskProcessor) execute(actx *Context, act Activity, input json.RawMessage) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("activity panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return act.Execute(actx, input)
}

func (p *TaskProcessor) respondFailed(ctx context.Context, task *domain.Task, cause error) error {
	if err := p.cfg.Client.RespondActivityTaskFailed(ctx, task.Namespace, task.Token, domain.NewFailure(cause)); err != nil {
		return fmt.Errorf("respond activity failed: %w", err)
	}
	return nil
}

func (p *TaskProcessor) metadata(md *domain.ActivityMetadata) errhandler.Metadata {
	return errhandler.Metadata{
		"namespace":     md.Namespace,
		"activity_id":   md.ActivityID,
		"activity_type": md.ActivityType,
		"workflow_id":   md.WorkflowID,
		"run_id":        md.WorkflowRunID,
		"attempt":       md.Attempt,
	}
}

func marshalResult(result any) (json.RawMessage, error) {
	switch r := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal activity result: %w", err)
	}
	return raw, nil
}
