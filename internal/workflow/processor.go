package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
)

// TaskProcessor обрабатывает одну workflow задачу: находит или создаёт
// executor run'а, выполняет задачу и отправляет ответ.
type TaskProcessor struct {
	client      connection.Client
	registry    *Registry
	cache       *ExecutorCache
	stickyQueue string
	logger      *slog.Logger
	errs        *errhandler.Handler
}

// ProcessorConfig — конфигурация TaskProcessor.
type ProcessorConfig struct {
	Client   connection.Client
	Registry *Registry
	Cache    *ExecutorCache

	// StickyQueue — sticky очередь воркера. Пустая строка отключает
	// кэширование executor'ов.
	StickyQueue string

	Logger       *slog.Logger
	ErrorHandler *errhandler.Handler
}

// NewTaskProcessor создаёт TaskProcessor.
func NewTaskProcessor(cfg ProcessorConfig) *TaskProcessor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	cache := cfg.Cache
	if cache == nil {
		cache = NewExecutorCache()
	}

	return &TaskProcessor{
		client:      cfg.Client,
		registry:    cfg.Registry,
		cache:       cache,
		stickyQueue: cfg.StickyQueue,
		logger:      logger,
		errs:        cfg.ErrorHandler,
	}
}

// Process выполняет задачу. sticky — задача получена из sticky очереди:
// только тогда executor берётся из кэша; задача основной очереди несёт
// полную историю и всегда получает новый executor.
//
// Ошибка workflow отправляется оркестратору как failed ответ и
// возвращается nil; ошибкой возвращаются только сбои отправки ответа.
func (p *TaskProcessor) Process(ctx context.Context, task *domain.Task, sticky bool) error {
	logger := p.logger.With(
		"namespace", task.Namespace,
		"workflow_id", task.WorkflowID,
		"run_id", task.RunID,
		"workflow_type", task.TypeName,
	)

	// Ответ должен уйти, даже если ctx job'а уже отменён через Cancel.
	respondCtx := context.WithoutCancel(ctx)

	executor, reused, err := p.executorFor(task, sticky)
	if err == nil {
		var commands []domain.Command
		commands, err = p.run(ctx, executor, task)
		if err == nil {
			return p.complete(respondCtx, logger, task, executor, commands, reused)
		}
	}

	p.cache.Remove(task.RunID)

	if domain.IsControlFlow(err) {
		logger.Info("workflow task interrupted", "error", err)
		return err
	}

	logger.Error("workflow task failed", "error", err)
	p.errs.Handle(err, p.metadata(task))

	if respondErr := p.client.RespondWorkflowTaskFailed(respondCtx, task.Namespace, task.Token, domain.NewFailure(err)); respondErr != nil {
		return fmt.Errorf("respond workflow task failed: %w", respondErr)
	}
	return nil
}

// executorFor возвращает executor run'а: из кэша для sticky задач или новый.
func (p *TaskProcessor) executorFor(task *domain.Task, sticky bool) (executor Executor, reused bool, err error) {
	if sticky && p.stickyQueue != "" {
		if executor, ok := p.cache.Get(task.RunID); ok {
			return executor, true, nil
		}
	}

	wf, err := p.registry.Get(task.TypeName)
	if err != nil {
		return nil, false, err
	}

	executor, err = wf.NewExecutor(task)
	if err != nil {
		return nil, false, fmt.Errorf("new executor: %w", err)
	}
	return executor, false, nil
}

// run вызывает executor, превращая панику в ошибку задачи.
func (p *TaskProcessor) run(ctx context.Context, executor Executor, task *domain.Task) (commands []domain.Command, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("workflow executor panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return executor.Process(ctx, task)
}

func (p *TaskProcessor) complete(ctx context.Context, logger *slog.Logger, task *domain.Task, executor Executor, commands []domain.Command, reused bool) error {
	if p.stickyQueue != "" {
		p.cache.Add(task.RunID, executor)
	}

	if err := p.client.RespondWorkflowTaskCompleted(ctx, task.Namespace, task.Token, commands, p.stickyQueue); err != nil {
		// Оркестратор не знает о результате: состояние executor'а разошлось с историей.
		p.cache.Remove(task.RunID)
		return fmt.Errorf("respond workflow task completed: %w", err)
	}

	logger.Debug("workflow task completed", "commands", len(commands), "sticky_hit", reused)
	return nil
}

func (p *TaskProcessor) metadata(task *domain.Task) errhandler.Metadata {
	return errhandler.Metadata{
		"namespace":     task.Namespace,
		"task_queue":    task.TaskQueue,
		"workflow_id":   task.WorkflowID,
		"run_id":        task.RunID,
		"workflow_type": task.TypeName,
	}
}
