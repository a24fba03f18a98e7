// Durable Worker — выполняет activity и workflow задачи одной очереди.
//
// Worker:
//   - Опрашивает очередь задач в PostgreSQL (long-poll)
//   - Просыпается по task.ready из RabbitMQ (если брокер доступен)
//   - Выполняет встроенные activity (http, sleep, transform)
//   - Отдаёт /healthz и /metrics
//
// Конфигурация: YAML файл из DURABLE_CONFIG и переменные окружения.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/shaiso/durable/internal/activities"
	"github.com/shaiso/durable/internal/activity"
	"github.com/shaiso/durable/internal/config"
	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/mq"
	"github.com/shaiso/durable/internal/repo"
	"github.com/shaiso/durable/internal/telemetry"
	"github.com/shaiso/durable/internal/worker"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		telemetry.SetupLogger(telemetry.LogConfig{}).Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Инициализируем structured logging
	logger := telemetry.SetupLogger(telemetry.LogConfig{Level: cfg.Log.Level, Format: cfg.Log.Format})
	logger.Info("starting durable-worker", "namespace", cfg.Namespace, "task_queue", cfg.TaskQueue, "store", cfg.Store)

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	notifier := connection.NewNotifier()

	// Хранилище задач
	var store connection.TaskStore
	switch cfg.Store {
	case config.StoreMemory:
		store = connection.NewMemoryStore(notifier)
		logger.Warn("using in-memory task store, tasks are lost on restart")
	default:
		pool, err := repo.NewPool(ctx, cfg.DBURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()
		logger.Info("database connected")

		if err := repo.Migrate(ctx, pool); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		store = repo.NewTaskRepo(pool)
	}

	// RabbitMQ
	var publisher *mq.Publisher
	var mqConn *mq.Connection
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			// Создаём топологию
			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}

			publisher = mq.NewPublisher(mqConn, logger)
		}
	}

	clientCfg := connection.Config{
		Store:           store,
		Notifier:        notifier,
		PollInterval:    cfg.Worker.PollInterval,
		LongPollTimeout: cfg.Worker.LongPollTimeout,
		Logger:          logger,
	}
	if publisher != nil {
		clientCfg.Publisher = publisher
	}
	client := connection.New(clientCfg)

	// Метрики
	metrics, err := telemetry.NewPrometheusMetrics(prometheus.DefaultRegisterer)
	if err != nil {
		logger.Error("failed to register metrics", "error", err)
		os.Exit(1)
	}

	// Activity
	registry := activity.NewRegistry()
	if err := activities.Register(registry); err != nil {
		logger.Error("failed to register activities", "error", err)
		os.Exit(1)
	}

	throttle := activity.Throttle{
		DefaultInterval: cfg.Worker.DefaultHeartbeatThrottleInterval,
		MaxInterval:     cfg.Worker.MaxHeartbeatThrottleInterval,
	}

	// Создаём worker
	w, err := worker.New(worker.Config{
		Client:                 client,
		Namespace:              cfg.Namespace,
		TaskQueue:              cfg.TaskQueue,
		Identity:               cfg.Identity,
		Activities:             registry,
		ActivityPoolSize:       cfg.Worker.ActivityPoolSize,
		ActivityTaskSlots:      cfg.Worker.ActivityTaskSlots,
		ActivityPollsPerSecond: cfg.Worker.ActivityPollsPerSecond,
		HeartbeatPoolSize:      cfg.Worker.HeartbeatPoolSize,
		Throttle:               &throttle,
		WorkflowPoolSize:       cfg.Worker.WorkflowPoolSize,
		StickyEnabled:          cfg.Worker.StickyEnabled,
		PollRetryInterval:      cfg.Worker.PollRetryInterval,
		Conn:                   mqConn,
		Notifier:               notifier,
		Logger:                 logger,
		ErrorHandler:           errhandler.New(logger),
		Metrics:                metrics,
	})
	if err != nil {
		logger.Error("failed to create worker", "error", err)
		os.Exit(1)
	}

	// Запускаем worker
	if err := w.Start(ctx); err != nil {
		logger.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		if w.ShuttingDown() {
			rw.WriteHeader(http.StatusServiceUnavailable)
			rw.Write([]byte("shutting down"))
			return
		}
		rw.WriteHeader(http.StatusOK)
		rw.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: cfg.HTTPAddr(), Handler: mux}
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем worker
	stopped := make(chan error, 1)
	go func() { stopped <- w.Stop() }()

	select {
	case err := <-stopped:
		if err != nil {
			logger.Error("worker stopped with errors", "error", err)
		}
	case <-time.After(cfg.Worker.ShutdownTimeout):
		logger.Error("worker did not stop in time", "timeout", cfg.Worker.ShutdownTimeout)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	srv.Shutdown(shutdownCtx)

	logger.Info("durable-worker stopped")
}
