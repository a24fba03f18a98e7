package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/poller"
	"github.com/shaiso/durable/internal/scheduler"
	"github.com/shaiso/durable/internal/telemetry"
)

const defaultPoolSize = 10

// PollerConfig — конфигурация Poller.
type PollerConfig struct {
	Client    connection.Client
	Namespace string
	TaskQueue string

	// Identity — идентификатор воркера, префикс имени sticky очереди
	// (default: "<pid>@<hostname>").
	Identity string

	Registry *Registry
	Cache    *ExecutorCache

	// PoolSize — размер пула обработки workflow задач (default: 10).
	PoolSize int

	// StickyEnabled включает второй цикл, опрашивающий sticky очередь.
	StickyEnabled bool

	// PollRetryInterval — пауза после ошибки poll'а (default: 0).
	PollRetryInterval time.Duration

	Logger       *slog.Logger
	ErrorHandler *errhandler.Handler
	Metrics      telemetry.Metrics
}

// Poller опрашивает очередь workflow задач и, если sticky включён,
// собственную sticky очередь воркера. Каждый цикл берёт задачу только
// при наличии свободного воркера в пуле.
type Poller struct {
	client      connection.Client
	namespace   string
	taskQueue   string
	stickyQueue string
	processor   *TaskProcessor
	pool        *scheduler.Pool
	retry       time.Duration

	logger  *slog.Logger
	errs    *errhandler.Handler
	metrics telemetry.Metrics

	lc *poller.Lifecycle
}

// DefaultIdentity возвращает "<pid>@<hostname>".
func DefaultIdentity() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return strconv.Itoa(os.Getpid()) + "@" + host
}

// StickyQueueName возвращает имя sticky очереди: "<identity>:<uuid>".
func StickyQueueName(identity string) string {
	return identity + ":" + uuid.NewString()
}

// NewPoller создаёт Poller вместе с его пулом воркеров.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithTaskQueue(logger, cfg.Namespace, cfg.TaskQueue).With("component", "workflow_poller")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}

	identity := cfg.Identity
	if identity == "" {
		identity = DefaultIdentity()
	}

	var stickyQueue string
	if cfg.StickyEnabled {
		stickyQueue = StickyQueueName(identity)
	}

	size := cfg.PoolSize
	if size <= 0 {
		size = defaultPoolSize
	}

	pool := scheduler.New(scheduler.Config{
		Size:         size,
		Name:         "workflow_task_processor",
		Tags:         telemetry.Tags{"namespace": cfg.Namespace, "task_queue": cfg.TaskQueue},
		Logger:       logger,
		ErrorHandler: cfg.ErrorHandler,
		Metrics:      metrics,
	})

	processor := NewTaskProcessor(ProcessorConfig{
		Client:       cfg.Client,
		Registry:     cfg.Registry,
		Cache:        cfg.Cache,
		StickyQueue:  stickyQueue,
		Logger:       logger,
		ErrorHandler: cfg.ErrorHandler,
	})

	return &Poller{
		client:      cfg.Client,
		namespace:   cfg.Namespace,
		taskQueue:   cfg.TaskQueue,
		stickyQueue: stickyQueue,
		processor:   processor,
		pool:        pool,
		retry:       cfg.PollRetryInterval,
		logger:      logger,
		errs:        cfg.ErrorHandler,
		metrics:     metrics,
		lc:          poller.NewLifecycle(),
	}
}

// StickyQueue возвращает имя sticky очереди или "", если sticky выключен.
func (p *Poller) StickyQueue() string {
	return p.stickyQueue
}

// State возвращает состояние poller'а.
func (p *Poller) State() poller.State {
	return p.lc.State()
}

// Start запускает циклы опроса.
func (p *Poller) Start(ctx context.Context) error {
	loops := []poller.Loop{
		func(ctx context.Context) { p.pollLoop(ctx, p.taskQueue, false) },
	}
	if p.stickyQueue != "" {
		loops = append(loops, func(ctx context.Context) { p.pollLoop(ctx, p.stickyQueue, true) })
	}

	if err := p.lc.Start(ctx, loops...); err != nil {
		return err
	}

	p.logger.Info("workflow poller started", "sticky_queue", p.stickyQueue)
	return nil
}

// StopPolling запрещает новые poll'ы.
func (p *Poller) StopPolling() {
	p.lc.StopPolling()
}

// CancelPendingRequests прерывает висящие long-poll'ы.
func (p *Poller) CancelPendingRequests() {
	p.lc.CancelPendingRequests()
}

// Wait ждёт выхода циклов и останавливает пул, дожидаясь обработки
// уже полученных задач.
func (p *Poller) Wait() error {
	if err := p.lc.Join(); err != nil {
		return err
	}

	if err := p.pool.Shutdown(); err != nil {
		return fmt.Errorf("shutdown workflow pool: %w", err)
	}

	p.logger.Info("workflow poller stopped")
	return nil
}

func (p *Poller) pollLoop(ctx context.Context, queue string, sticky bool) {
	tags := telemetry.Tags{
		"namespace":  p.namespace,
		"task_queue": queue,
		"sticky":     strconv.FormatBool(sticky),
	}

	metrics := &poller.PollMetrics{
		Metrics:           p.metrics,
		Tags:              tags,
		TimeSinceLastPoll: telemetry.MetricWorkflowPollerTimeSinceLastPoll,
		PollCompleted:     telemetry.MetricWorkflowPollerPollCompleted,
	}

	policy := poller.FetchErrorPolicy{
		Lifecycle:     p.lc,
		Logger:        p.logger.With("sticky", sticky),
		ErrorHandler:  p.errs,
		Metadata:      errhandler.Metadata{"namespace": p.namespace, "task_queue": queue, "sticky": sticky},
		RetryInterval: p.retry,
	}

	for p.lc.Running(ctx) {
		// Между ожиданием и Schedule другой цикл может занять воркера;
		// задача тогда просто подождёт в очереди пула.
		if err := p.pool.WaitForAvailableWorkers(ctx); err != nil {
			continue
		}
		if !p.lc.Running(ctx) {
			return
		}

		metrics.Started(time.Now())

		task, err := p.client.PollWorkflowTaskQueue(ctx, p.namespace, queue, sticky)
		if err != nil {
			metrics.Completed(false)
			policy.Handle(err)
			continue
		}

		metrics.Completed(task != nil)
		if task == nil {
			continue
		}

		p.dispatch(task, sticky)
	}
}

func (p *Poller) dispatch(task *domain.Task, sticky bool) {
	_, err := p.pool.Schedule(func(ctx context.Context) error {
		return p.processor.Process(ctx, task, sticky)
	})
	if err != nil {
		p.logger.Error("failed to schedule workflow task", "run_id", task.RunID, "error", err)
		p.errs.Handle(err, errhandler.Metadata{"namespace": p.namespace, "run_id": task.RunID})
	}
}
