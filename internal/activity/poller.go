package activity

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/poller"
	"github.com/shaiso/durable/internal/scheduler"
	"github.com/shaiso/durable/internal/telemetry"
)

const defaultTaskSlots = 20

// PollerConfig — конфигурация Poller.
type PollerConfig struct {
	Client    connection.Client
	Namespace string
	TaskQueue string
	Registry  *Registry

	// Pool — пул, в котором выполняются activity.
	Pool *scheduler.Pool

	// HeartbeatPool — пул отложенных heartbeat'ов.
	HeartbeatPool *scheduler.Pool

	// TaskSlots — максимум одновременно выполняемых задач (default: 20).
	TaskSlots int

	// PollsPerSecond ограничивает частоту poll'ов. 0 — без ограничения.
	PollsPerSecond float64

	// PollRetryInterval — пауза после ошибки poll'а (default: 0).
	PollRetryInterval time.Duration

	// ShuttingDown передаётся в Context activity
	// (default: состояние самого poller'а).
	ShuttingDown func() bool

	Throttle     Throttle
	Logger       *slog.Logger
	ErrorHandler *errhandler.Handler
	Metrics      telemetry.Metrics
}

// Poller опрашивает очередь activity задач. Новая задача запрашивается
// только при наличии свободного слота; слот возвращается после
// обработки задачи.
type Poller struct {
	client    connection.Client
	namespace string
	taskQueue string
	pool      *scheduler.Pool
	processor *TaskProcessor
	retry     time.Duration

	slots     *semaphore.Weighted
	available atomic.Int64
	limiter   *rate.Limiter

	logger  *slog.Logger
	errs    *errhandler.Handler
	metrics telemetry.Metrics
	tags    telemetry.Tags

	lc *poller.Lifecycle
}

// NewPoller создаёт Poller.
func NewPoller(cfg PollerConfig) *Poller {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = telemetry.WithTaskQueue(logger, cfg.Namespace, cfg.TaskQueue).With("component", "activity_poller")

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}

	slots := cfg.TaskSlots
	if slots <= 0 {
		slots = defaultTaskSlots
	}

	p := &Poller{
		client:    cfg.Client,
		namespace: cfg.Namespace,
		taskQueue: cfg.TaskQueue,
		pool:      cfg.Pool,
		retry:     cfg.PollRetryInterval,
		slots:     semaphore.NewWeighted(int64(slots)),
		logger:    logger,
		errs:      cfg.ErrorHandler,
		metrics:   metrics,
		tags:      telemetry.Tags{"namespace": cfg.Namespace, "task_queue": cfg.TaskQueue},
		lc:        poller.NewLifecycle(),
	}
	p.available.Store(int64(slots))

	if cfg.PollsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.PollsPerSecond), 1)
	}

	shuttingDown := cfg.ShuttingDown
	if shuttingDown == nil {
		shuttingDown = p.lc.ShuttingDown
	}

	p.processor = NewTaskProcessor(ProcessorConfig{
		Client:        cfg.Client,
		Registry:      cfg.Registry,
		HeartbeatPool: cfg.HeartbeatPool,
		ShuttingDown:  shuttingDown,
		Throttle:      cfg.Throttle,
		Logger:        logger,
		ErrorHandler:  cfg.ErrorHandler,
	})

	return p
}

// State возвращает состояние poller'а.
func (p *Poller) State() poller.State {
	return p.lc.State()
}

// AvailableSlots возвращает количество свободных слотов.
func (p *Poller) AvailableSlots() int {
	return int(p.available.Load())
}

// Start запускает цикл опроса.
func (p *Poller) Start(ctx context.Context) error {
	if err := p.lc.Start(ctx, p.pollLoop); err != nil {
		return err
	}

	p.logger.Info("activity poller started")
	return nil
}

// StopPolling запрещает новые poll'ы.
func (p *Poller) StopPolling() {
	p.lc.StopPolling()
	p.logger.Info("shutting down activity poller")
}

// CancelPendingRequests прерывает висящий long-poll.
func (p *Poller) CancelPendingRequests() {
	p.lc.CancelPendingRequests()
}

// Wait ждёт выхода цикла опроса. Задачи, уже отданные в пул, дожидается
// остановка пула.
func (p *Poller) Wait() error {
	if err := p.lc.Join(); err != nil {
		return err
	}

	p.logger.Info("activity poller stopped")
	return nil
}

func (p *Poller) pollLoop(ctx context.Context) {
	metrics := &poller.PollMetrics{
		Metrics:           p.metrics,
		Tags:              p.tags,
		TimeSinceLastPoll: telemetry.MetricActivityPollerTimeSinceLastPoll,
		PollCompleted:     telemetry.MetricActivityPollerPollCompleted,
	}

	policy := poller.FetchErrorPolicy{
		Lifecycle:     p.lc,
		Logger:        p.logger,
		ErrorHandler:  p.errs,
		Metadata:      errhandler.Metadata{"namespace": p.namespace, "task_queue": p.taskQueue},
		RetryInterval: p.retry,
	}

	for p.lc.Running(ctx) {
		if err := p.slots.Acquire(ctx, 1); err != nil {
			continue
		}
		p.slotTaken()

		if !p.lc.Running(ctx) {
			p.releaseSlot()
			return
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				p.releaseSlot()
				continue
			}
		}

		metrics.Started(time.Now())
		p.logger.Debug("polling activity task queue")

		task, err := p.client.PollActivityTaskQueue(ctx, p.namespace, p.taskQueue)
		if err != nil {
			metrics.Completed(false)
			p.releaseSlot()
			policy.Handle(err)
			continue
		}

		metrics.Completed(task != nil)
		if task == nil {
			p.releaseSlot()
			continue
		}

		p.dispatch(task)
	}
}

// dispatch отдаёт задачу в пул. Слот освобождается по завершении
// обработки, в том числе при панике.
func (p *Poller) dispatch(task *domain.Task) {
	_, err := p.pool.Schedule(func(ctx context.Context) error {
		defer p.releaseSlot()
		return p.processor.Process(ctx, task)
	})
	if err != nil {
		p.releaseSlot()
		p.logger.Error("failed to schedule activity task", "activity_id", task.ActivityID, "error", err)
		p.errs.Handle(err, errhandler.Metadata{"namespace": p.namespace, "activity_id": task.ActivityID})
	}
}

func (p *Poller) slotTaken() {
	p.metrics.Gauge(telemetry.MetricActivityPollerAvailableSlots, float64(p.available.Add(-1)), p.tags)
}

func (p *Poller) releaseSlot() {
	p.metrics.Gauge(telemetry.MetricActivityPollerAvailableSlots, float64(p.available.Add(1)), p.tags)
	p.slots.Release(1)
}
