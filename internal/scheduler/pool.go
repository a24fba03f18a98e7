package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/errhandler"
	"github.com/shaiso/durable/internal/telemetry"
)

const defaultSize = 10

// Config — конфигурация Pool.
type Config struct {
	// Size — количество воркеров (default: 10).
	Size int

	// Name — имя пула для логов и метрик.
	Name string

	// Tags — дополнительные метки метрик (namespace, task_queue).
	Tags telemetry.Tags

	Logger       *slog.Logger
	ErrorHandler *errhandler.Handler
	Metrics      telemetry.Metrics
}

// Pool — пул воркеров с отложенными и отменяемыми задачами.
//
// Воркеры берут из очереди элемент с наименьшим fireAt (при равенстве —
// в порядке постановки), ждут его задержку и выполняют job.
type Pool struct {
	size    int
	name    string
	tags    telemetry.Tags
	logger  *slog.Logger
	errs    *errhandler.Handler
	metrics telemetry.Metrics

	// stop закрывается во второй фазе Shutdown: прерывает ожидание
	// задержек. Контексты выполняющихся job'ов он не трогает.
	stop chan struct{}

	mu          sync.Mutex
	cond        *sync.Cond // изменения очереди, closing/terminating, выход воркеров
	queue       itemQueue
	seq         uint64
	closing     bool
	terminating bool
	live        int
	available   int
	availableCh chan struct{} // закрывается и пересоздаётся при освобождении воркера
	fatal       []error

	wg sync.WaitGroup
}

// New создаёт пул и запускает воркеры.
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = defaultSize
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = telemetry.NoopMetrics{}
	}

	p := &Pool{
		size:        size,
		name:        cfg.Name,
		tags:        telemetry.Tags{"pool_name": cfg.Name}.Merge(cfg.Tags),
		logger:      logger.With("pool", cfg.Name),
		errs:        cfg.ErrorHandler,
		metrics:     metrics,
		stop:        make(chan struct{}),
		live:        size,
		available:   size,
		availableCh: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go p.worker(i)
	}

	return p
}

// Size возвращает количество воркеров пула.
func (p *Pool) Size() int {
	return p.size
}

// Available возвращает количество свободных воркеров.
// Может быть отрицательным, если в очереди ждут элементы.
func (p *Pool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.available
}

// Option — параметр Schedule.
type Option func(*scheduleOptions)

type scheduleOptions struct {
	delay      time.Duration
	cancelable bool
}

// WithDelay — выполнить job не раньше, чем через d.
func WithDelay(d time.Duration) Option {
	return func(o *scheduleOptions) { o.delay = d }
}

// WithCancelable задаёт, можно ли отменить элемент (по умолчанию можно).
func WithCancelable(cancelable bool) Option {
	return func(o *scheduleOptions) { o.cancelable = cancelable }
}

// Schedule ставит job в очередь и сразу возвращает Handle. Никогда не блокирует.
func (p *Pool) Schedule(job Job, opts ...Option) (*Handle, error) {
	if job == nil {
		return nil, ErrNilJob
	}

	o := scheduleOptions{cancelable: true}
	for _, opt := range opts {
		opt(&o)
	}

	it := newItem(job, o.delay, o.cancelable)

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	p.seq++
	it.seq = p.seq
	p.available--
	heap.Push(&p.queue, it)
	available := p.available
	p.cond.Broadcast()
	p.mu.Unlock()

	p.reportMetrics(available)

	return &Handle{it: it}, nil
}

// WaitForAvailableWorkers блокирует, пока в пуле нет свободного воркера.
//
// Между возвратом и последующим Schedule возможна гонка с другим
// вызывающим; она допустима и приводит лишь к ожиданию в очереди.
func (p *Pool) WaitForAvailableWorkers(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.available > 0 {
			p.mu.Unlock()
			return nil
		}
		ch := p.availableCh
		p.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown останавливает пул в две фазы.
//
//  1. Новые Schedule отклоняются; ждём, пока воркеры разберут все
//     элементы очереди (или пока не останется живых воркеров).
//  2. Прерываем ожидание задержек (такие job'ы не выполняются), будим
//     простаивающие воркеры и ждём их выхода.
//
// Выполняющиеся job'ы не прерываются: Shutdown дожидается их завершения.
// Возвращает ошибки, завершившие воркеры (паники и FatalError).
func (p *Pool) Shutdown() error {
	p.mu.Lock()
	p.closing = true
	for p.queue.Len() > 0 && p.live > 0 {
		p.cond.Wait()
	}
	dropped := p.queue.Len()
	p.terminating = true
	p.cond.Broadcast()
	p.mu.Unlock()

	if dropped > 0 {
		p.logger.Error("no live workers left, dropping queued items", "count", dropped)
	}

	close(p.stop)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	return errors.Join(p.fatal...)
}

// worker — основной цикл воркера.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	defer p.exited()

	logger := p.logger.With("worker", strconv.Itoa(id))

	for {
		it, ok := p.dequeue()
		if !ok {
			return
		}

		out := p.process(it)
		if out.Err != nil && out.Kind == OutcomeSkipped {
			logger.Info("delayed job skipped", "reason", out.Err)
		}

		switch out.Kind {
		case OutcomeFailed:
			logger.Error("error reached top of pool worker", "error", out.Err)
			p.errs.Handle(out.Err, p.errorMetadata())
		case OutcomeFatal:
			logger.Error("fatal error reached top of pool worker, worker exits", "error", out.Err)
			p.errs.Handle(out.Err, p.errorMetadata())
			p.mu.Lock()
			p.fatal = append(p.fatal, out.Err)
			p.mu.Unlock()
			return
		}

		p.release()
	}
}

// dequeue блокирует до появления элемента. false — воркеру пора завершаться.
func (p *Pool) dequeue() (*item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for p.queue.Len() == 0 {
		if p.terminating {
			return nil, false
		}
		p.cond.Wait()
	}

	it := heap.Pop(&p.queue).(*item)
	// Shutdown ждёт опустошения очереди.
	p.cond.Broadcast()

	return it, true
}

// process проводит элемент через assign → delay → job.
func (p *Pool) process(it *item) Outcome {
	ctx, cancel := context.WithCancelCause(context.Background())
	defer cancel(nil)

	if !it.assign(cancel) {
		return Outcome{Kind: OutcomeSkipped}
	}

	if !it.sleepForDelay(p.stop) {
		return Outcome{Kind: OutcomeSkipped, Err: domain.ErrWorkerShuttingDown}
	}

	if !it.start() {
		return Outcome{Kind: OutcomeSkipped}
	}

	return Run(ctx, it.job)
}

func (p *Pool) release() {
	p.mu.Lock()
	p.available++
	available := p.available
	close(p.availableCh)
	p.availableCh = make(chan struct{})
	p.mu.Unlock()

	p.reportMetrics(available)
}

func (p *Pool) exited() {
	p.mu.Lock()
	p.live--
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pool) reportMetrics(available int) {
	p.metrics.Gauge(telemetry.MetricPoolAvailableWorkers, float64(available), p.tags)
}

func (p *Pool) errorMetadata() errhandler.Metadata {
	md := errhandler.Metadata{"pool": p.name}
	for k, v := range p.tags {
		md[k] = v
	}
	return md
}
