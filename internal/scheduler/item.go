package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/shaiso/durable/internal/domain"
)

// item — элемент очереди пула.
//
// Инварианты:
//   - canceled монотонен: однажды true — навсегда true;
//   - отменённый до старта элемент никогда не выполняет job;
//   - отмена во время выполнения только отменяет ctx job'а.
type item struct {
	job        Job
	fireAt     time.Time
	seq        uint64
	cancelable bool

	mu        sync.Mutex
	canceled  bool
	started   bool
	cancelJob context.CancelCauseFunc // выставляется воркером при assign
	wake      chan struct{}           // закрывается при Cancel, прерывает ожидание задержки
}

func newItem(job Job, delay time.Duration, cancelable bool) *item {
	return &item{
		job:        job,
		fireAt:     time.Now().Add(max(delay, 0)),
		cancelable: cancelable,
		wake:       make(chan struct{}),
	}
}

// assign привязывает элемент к воркеру. Возвращает false, если элемент
// уже отменён.
func (it *item) assign(cancel context.CancelCauseFunc) bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.canceled {
		return false
	}
	it.cancelJob = cancel
	return true
}

// sleepForDelay ждёт наступления fireAt или отмены элемента. Возвращает
// false, если ожидание прервала остановка пула до наступления fireAt.
func (it *item) sleepForDelay(stop <-chan struct{}) bool {
	delay := time.Until(it.fireAt)
	if delay <= 0 {
		return true
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-it.wake:
	case <-stop:
		return false
	}
	return true
}

// start помечает элемент как запущенный. Возвращает false, если элемент
// был отменён во время ожидания.
func (it *item) start() bool {
	it.mu.Lock()
	defer it.mu.Unlock()

	if it.canceled {
		return false
	}
	it.started = true
	return true
}

func (it *item) cancel() error {
	if !it.cancelable {
		return ErrNotCancelable
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.canceled {
		return nil
	}
	it.canceled = true
	close(it.wake)

	if it.started && it.cancelJob != nil {
		it.cancelJob(domain.ErrActivityCanceled)
	}
	return nil
}

func (it *item) isCanceled() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.canceled
}

// Handle — ручка для отмены запланированного job'а.
type Handle struct {
	it *item
}

// Cancel отменяет элемент. Идемпотентен.
//
// Если job ещё не стартовал, он не выполнится, а воркер, ожидающий
// задержку этого элемента, освобождается сразу. Если job уже выполняется,
// отменяется его ctx. Для неотменяемого элемента возвращает ErrNotCancelable.
func (h *Handle) Cancel() error {
	return h.it.cancel()
}

// Canceled возвращает true, если Cancel уже был вызван.
func (h *Handle) Canceled() bool {
	return h.it.isCanceled()
}

// itemQueue — min-heap по (fireAt, seq).
type itemQueue []*item

func (q itemQueue) Len() int { return len(q) }

func (q itemQueue) Less(i, j int) bool {
	if q[i].fireAt.Equal(q[j].fireAt) {
		return q[i].seq < q[j].seq
	}
	return q[i].fireAt.Before(q[j].fireAt)
}

func (q itemQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *itemQueue) Push(x any) { *q = append(*q, x.(*item)) }

func (q *itemQueue) Pop() any {
	old := *q
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return it
}
