// Package worker собирает runtime воркера из poller'ов и пулов.
//
// # Обзор
//
// Worker опрашивает одну очередь задач (namespace + task queue) и
// выполняет зарегистрированные activity и workflow. Состояние задач
// хранит оркестратор (Postgres или in-memory store за
// connection.Client); сам воркер stateless и масштабируется
// горизонтально.
//
// # Ключевые компоненты
//
// ## Worker
//
// Создаётся через New(cfg Config) и запускается методом Start(ctx).
//
//	activities := activity.NewRegistry()
//	activities.Register("charge_card", activity.Func(chargeCard))
//
//	w, err := worker.New(worker.Config{
//	    Client:     client,
//	    Namespace:  "default",
//	    TaskQueue:  "payments",
//	    Activities: activities,
//	    Logger:     logger,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := w.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer w.Stop()
//
// ## Пулы
//
//   - activity_task_processor — выполнение activity (ActivityPoolSize)
//   - heartbeat — отложенная отправка heartbeat'ов (HeartbeatPoolSize)
//   - workflow_task_processor — принадлежит workflow poller'у
//
// ## Пробуждения
//
// Если заданы Conn и Notifier, воркер слушает task.ready через
// эксклюзивную очередь RabbitMQ и будит ждущие long-poll'ы. Без
// RabbitMQ задачи забираются по PollInterval клиента.
//
// # Остановка
//
// Stop выполняет остановку в фиксированном порядке: StopPolling всех
// poller'ов, CancelPendingRequests, ожидание poller'ов, остановка пула
// activity и пула heartbeat'ов. Уже полученные задачи дорабатывают;
// activity узнают об остановке через ShuttingDown() и
// HeartbeatOrInterrupt.
package worker
