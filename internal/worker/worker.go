package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/shaiso/durable/internal/activity"
	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/mq"
	"github.com/shaiso/durable/internal/scheduler"
	"github.com/shaiso/durable/internal/telemetry"
	"github.com/shaiso/durable/internal/workflow"
)

// Default configuration values.
const (
	defaultActivityPoolSize  = 20
	defaultHeartbeatPoolSize = 10
	defaultPrefetch          = 5
)

// taskPoller — общая часть activity и workflow poller'ов, нужная для
// остановки.
type taskPoller interface {
	Start(ctx context.Context) error
	StopPolling()
	CancelPendingRequests()
	Wait() error
}

// Worker опрашивает одну очередь задач и выполняет activity и workflow
// задачи.
//
// Worker владеет:
//   - пулом выполнения activity и пулом отложенных heartbeat'ов
//   - activity poller'ом (если есть activity)
//   - workflow poller'ом со своим пулом и кэшем executor'ов (если есть workflow)
//   - consumer'ом task.ready, будящим long-poll'ы (если задан Conn)
//
// Несколько экземпляров могут опрашивать одну очередь.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	activityPool   *scheduler.Pool
	heartbeatPool  *scheduler.Pool
	activityPoller *activity.Poller
	workflowPoller *workflow.Poller
	consumer       *mq.Consumer

	shuttingDown atomic.Bool

	// Lifecycle
	mu         sync.Mutex
	started    bool
	stopped    bool
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// Config — конфигурация Worker.
type Config struct {
	Client    connection.Client
	Namespace string
	TaskQueue string

	// Identity — идентификатор воркера (default: "<pid>@<hostname>").
	Identity string

	// Activities и Workflows — зарегистрированные типы. Хотя бы один
	// реестр должен быть непустым.
	Activities *activity.Registry
	Workflows  *workflow.Registry

	// Activity
	ActivityPoolSize       int     // размер пула activity (default: 20)
	ActivityTaskSlots      int     // одновременно выполняемые задачи (default: 20)
	ActivityPollsPerSecond float64 // 0 — без ограничения
	HeartbeatPoolSize      int     // размер пула отложенных heartbeat'ов (default: 10)

	// Throttle — параметры heartbeat throttling (default: activity.DefaultThrottle()).
	Throttle *activity.Throttle

	// Workflow
	WorkflowPoolSize int // размер пула workflow (default: 10)
	StickyEnabled    bool

	// PollRetryInterval — пауза после ошибки poll'а.
	PollRetryInterval time.Duration

	// Conn и Notifier включают пробуждение long-poll'ов по task.ready.
	// Без них воркер работает только на polling'е.
	Conn     *mq.Connection
	Notifier *connection.Notifier

	Logger       *slog.Logger
	ErrorHandler *errhandler.Handler
	Metrics      telemetry.Metrics
}

// New создаёт новый Worker.
func New(cfg Config) (*Worker, error) {
	if cfg.Activities == nil {
		cfg.Activities = activity.NewRegistry()
	}
	if cfg.Workflows == nil {
		cfg.Workflows = workflow.NewRegistry()
	}
	if len(cfg.Activities.Names()) == 0 && cfg.Workflows.Len() == 0 {
		return nil, ErrNothingRegistered
	}

	if cfg.ActivityPoolSize <= 0 {
		cfg.ActivityPoolSize = defaultActivityPoolSize
	}
	if cfg.HeartbeatPoolSize <= 0 {
		cfg.HeartbeatPoolSize = defaultHeartbeatPoolSize
	}
	if cfg.Throttle == nil {
		throttle := activity.DefaultThrottle()
		cfg.Throttle = &throttle
	}
	if cfg.Identity == "" {
		cfg.Identity = workflow.DefaultIdentity()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.NoopMetrics{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg.Logger = logger

	return &Worker{
		cfg:    cfg,
		logger: telemetry.WithTaskQueue(logger, cfg.Namespace, cfg.TaskQueue).With("identity", cfg.Identity),
	}, nil
}

// Start создаёт пулы и запускает poller'ы.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true

	ctx, cancel := context.WithCancel(ctx)
	w.cancelFunc = cancel

	tags := telemetry.Tags{"namespace": w.cfg.Namespace, "task_queue": w.cfg.TaskQueue}

	w.activityPool = scheduler.New(scheduler.Config{
		Size:         w.cfg.ActivityPoolSize,
		Name:         "activity_task_processor",
		Tags:         tags,
		Logger:       w.cfg.Logger,
		ErrorHandler: w.cfg.ErrorHandler,
		Metrics:      w.cfg.Metrics,
	})
	w.heartbeatPool = scheduler.New(scheduler.Config{
		Size:         w.cfg.HeartbeatPoolSize,
		Name:         "heartbeat",
		Tags:         tags,
		Logger:       w.cfg.Logger,
		ErrorHandler: w.cfg.ErrorHandler,
		Metrics:      w.cfg.Metrics,
	})

	if len(w.cfg.Activities.Names()) > 0 {
		w.activityPoller = activity.NewPoller(activity.PollerConfig{
			Client:            w.cfg.Client,
			Namespace:         w.cfg.Namespace,
			TaskQueue:         w.cfg.TaskQueue,
			Registry:          w.cfg.Activities,
			Pool:              w.activityPool,
			HeartbeatPool:     w.heartbeatPool,
			TaskSlots:         w.cfg.ActivityTaskSlots,
			PollsPerSecond:    w.cfg.ActivityPollsPerSecond,
			PollRetryInterval: w.cfg.PollRetryInterval,
			ShuttingDown:      w.ShuttingDown,
			Throttle:          *w.cfg.Throttle,
			Logger:            w.cfg.Logger,
			ErrorHandler:      w.cfg.ErrorHandler,
			Metrics:           w.cfg.Metrics,
		})
	}

	if w.cfg.Workflows.Len() > 0 {
		w.workflowPoller = workflow.NewPoller(workflow.PollerConfig{
			Client:            w.cfg.Client,
			Namespace:         w.cfg.Namespace,
			TaskQueue:         w.cfg.TaskQueue,
			Identity:          w.cfg.Identity,
			Registry:          w.cfg.Workflows,
			Cache:             workflow.NewExecutorCache(),
			PoolSize:          w.cfg.WorkflowPoolSize,
			StickyEnabled:     w.cfg.StickyEnabled,
			PollRetryInterval: w.cfg.PollRetryInterval,
			Logger:            w.cfg.Logger,
			ErrorHandler:      w.cfg.ErrorHandler,
			Metrics:           w.cfg.Metrics,
		})
	}

	if err := w.startPollers(ctx, w.pollers()); err != nil {
		cancel()
		w.started = false
		return err
	}

	if w.cfg.Conn != nil && w.cfg.Notifier != nil {
		w.consumer = mq.NewConsumer(w.cfg.Conn, w.logger, mq.ConsumerConfig{
			Declare:  mq.DeclareWakeupQueue,
			Handler:  connection.WakeupHandler(w.cfg.Notifier),
			Tag:      "wakeup:" + w.cfg.Identity,
			Prefetch: defaultPrefetch,
		})

		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			if err := w.consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				w.logger.Error("wakeup consumer error", "error", err)
			}
		}()
	}

	w.logger.Info("worker started",
		"activities", w.cfg.Activities.Names(),
		"workflows", w.cfg.Workflows.Len(),
		"sticky_queue", w.StickyQueue(),
		"wakeups", w.consumer != nil,
	)
	return nil
}

// Stop останавливает Worker:
//
//  1. все poller'ы перестают брать задачи
//  2. висящие long-poll'ы прерываются
//  3. ждём выхода poller'ов (workflow poller останавливает свой пул)
//  4. останавливаем пул activity, затем пул heartbeat'ов
//
// Выполняющиеся activity не прерываются: они видят ShuttingDown() == true
// с начала остановки и сами решают, завершаться ли (HeartbeatOrInterrupt).
// Шаг 4 ждёт их завершения. Повторный вызов ничего не делает.
func (w *Worker) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.started {
		return ErrNotStarted
	}
	if w.stopped {
		return nil
	}
	w.stopped = true
	w.shuttingDown.Store(true)

	w.logger.Info("stopping worker...")

	pollers := w.pollers()
	for _, p := range pollers {
		p.StopPolling()
	}
	for _, p := range pollers {
		p.CancelPendingRequests()
	}

	var g errgroup.Group
	for _, p := range pollers {
		g.Go(p.Wait)
	}
	var errs []error
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}

	if err := w.activityPool.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown activity pool: %w", err))
	}
	if err := w.heartbeatPool.Shutdown(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown heartbeat pool: %w", err))
	}

	if w.cancelFunc != nil {
		w.cancelFunc()
	}
	if w.consumer != nil {
		w.consumer.Stop()
	}
	w.wg.Wait()

	if err := errors.Join(errs...); err != nil {
		w.logger.Error("worker stopped with errors", "error", err)
		return err
	}

	w.logger.Info("worker stopped")
	return nil
}

// Run запускает Worker и останавливает его при отмене ctx.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return w.Stop()
}

// ShuttingDown сообщает, началась ли остановка. Передаётся в контексты
// activity.
func (w *Worker) ShuttingDown() bool {
	return w.shuttingDown.Load()
}

// StickyQueue возвращает sticky очередь воркера или "".
func (w *Worker) StickyQueue() string {
	if w.workflowPoller == nil {
		return ""
	}
	return w.workflowPoller.StickyQueue()
}

// AvailableActivitySlots возвращает число свободных activity слотов.
func (w *Worker) AvailableActivitySlots() int {
	if w.activityPoller == nil {
		return 0
	}
	return w.activityPoller.AvailableSlots()
}

// startPollers запускает poller'ы по порядку. При ошибке все poller'ы
// останавливаются (незапущенные тоже: workflow poller владеет своим
// пулом), а пулы воркера закрываются.
func (w *Worker) startPollers(ctx context.Context, pollers []taskPoller) error {
	for _, p := range pollers {
		if err := p.Start(ctx); err != nil {
			w.abortStart(pollers)
			return fmt.Errorf("start poller: %w", err)
		}
	}
	return nil
}

// abortStart освобождает то, что успел создать неудавшийся Start.
func (w *Worker) abortStart(pollers []taskPoller) {
	for _, p := range pollers {
		p.StopPolling()
		p.CancelPendingRequests()
	}
	for _, p := range pollers {
		if err := p.Wait(); err != nil {
			w.logger.Error("failed to stop poller after start error", "error", err)
		}
	}

	if err := w.activityPool.Shutdown(); err != nil {
		w.logger.Error("failed to shutdown activity pool", "error", err)
	}
	if err := w.heartbeatPool.Shutdown(); err != nil {
		w.logger.Error("failed to shutdown heartbeat pool", "error", err)
	}
}

func (w *Worker) pollers() []taskPoller {
	var pollers []taskPoller
	if w.activityPoller != nil {
		pollers = append(pollers, w.activityPoller)
	}
	if w.workflowPoller != nil {
		pollers = append(pollers, w.workflowPoller)
	}
	return pollers
}
