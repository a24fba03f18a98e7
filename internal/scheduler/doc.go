// Package scheduler реализует пул воркеров фиксированного размера
// с отложенными и отменяемыми задачами.
//
// Структура:
//   - pool.go  — Pool: очередь, воркеры, ожидание свободного воркера, shutdown
//   - item.go  — элемент очереди и Handle для отмены
//   - job.go   — Job и типизированный результат выполнения (Outcome)
//
// Использование:
//
//	pool := scheduler.New(scheduler.Config{
//	    Size:         10,
//	    Name:         "activity_task_processor",
//	    Logger:       logger,
//	    ErrorHandler: errHandler,
//	})
//
//	handle, err := pool.Schedule(func(ctx context.Context) error {
//	    return process(ctx, task)
//	}, scheduler.WithDelay(5*time.Second))
//
//	// Отмена до старта: job не выполнится никогда.
//	// Отмена во время выполнения: отменяется ctx job'а, job сам решает, реагировать ли.
//	_ = handle.Cancel()
//
//	// Дожидается, пока все элементы очереди будут разобраны воркерами,
//	// затем останавливает воркеры. Job, ещё ждущий задержку, пропускается;
//	// выполняющиеся job'ы доводятся до конца.
//	_ = pool.Shutdown()
//
// Отмена во время выполнения только кооперативная: пул отменяет
// context.Context job'а с причиной domain.ErrActivityCanceled, но не
// прерывает его принудительно.
package scheduler
