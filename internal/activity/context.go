package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/scheduler"
)

// Throttle — параметры троттлинга heartbeat'ов.
type Throttle struct {
	// DefaultInterval — интервал для activity без heartbeat таймаута.
	DefaultInterval time.Duration

	// MaxInterval — верхняя граница интервала. 0 отключает троттлинг.
	MaxInterval time.Duration
}

// DefaultThrottle возвращает 30s / 60s.
func DefaultThrottle() Throttle {
	return Throttle{
		DefaultInterval: 30 * time.Second,
		MaxInterval:     60 * time.Second,
	}
}

// Interval возвращает интервал троттлинга для heartbeat таймаута:
// 80% таймаута, если он задан, иначе DefaultInterval; не больше MaxInterval.
func (t Throttle) Interval(heartbeatTimeout time.Duration) time.Duration {
	if t.MaxInterval <= 0 {
		return 0
	}

	interval := t.DefaultInterval
	if heartbeatTimeout > 0 {
		interval = heartbeatTimeout * 4 / 5
	}
	return min(interval, t.MaxInterval)
}

// ContextConfig — зависимости Context.
type ContextConfig struct {
	Client   connection.Client
	Metadata *domain.ActivityMetadata

	// HeartbeatPool — пул для отложенной отправки троттлированных heartbeat'ов.
	HeartbeatPool *scheduler.Pool

	// ShuttingDown сообщает, что воркер останавливается.
	ShuttingDown func() bool

	Throttle Throttle
	Logger   *slog.Logger

	// Now — источник времени (default: time.Now).
	Now func() time.Time
}

// Context — контекст одной попытки activity.
//
// Отмена доступна тремя способами: флаг CancelRequested, ошибка из
// HeartbeatOrInterrupt и отмена Ctx() с причиной domain.ErrActivityCanceled.
// Все три срабатывают только после heartbeat'а, получившего отмену
// в ответе оркестратора.
type Context struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	client       connection.Client
	md           *domain.ActivityMetadata
	pool         *scheduler.Pool
	shuttingDown func() bool
	interval     time.Duration
	logger       *slog.Logger
	now          func() time.Time
	startedAt    time.Time
	local        bool

	async           atomic.Bool
	cancelRequested atomic.Bool

	mu            sync.Mutex
	sent          bool
	lastSent      time.Time
	pending       json.RawMessage
	hasPending    bool
	lastThrottled bool
	flushSeq      uint64
	deferred      *scheduler.Handle
}

// NewContext создаёт Context попытки. parent — ctx processing job'а;
// отмена parent отменяет и Ctx().
func NewContext(parent context.Context, cfg ContextConfig) *Context {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	shuttingDown := cfg.ShuttingDown
	if shuttingDown == nil {
		shuttingDown = func() bool { return false }
	}

	md := cfg.Metadata
	if md == nil {
		md = &domain.ActivityMetadata{}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancelCause(parent)

	return &Context{
		ctx:          ctx,
		cancel:       cancel,
		client:       cfg.Client,
		md:           md,
		pool:         cfg.HeartbeatPool,
		shuttingDown: shuttingDown,
		interval:     cfg.Throttle.Interval(md.HeartbeatTimeout),
		logger:       logger.With(md.LogAttrs()...),
		now:          now,
		startedAt:    now(),
	}
}

// Ctx возвращает context.Context попытки. Он отменяется при отмене activity
// (причина domain.ErrActivityCanceled) или родительского контекста.
// Остановка воркера его не отменяет: см. ShuttingDown и HeartbeatOrInterrupt.
func (c *Context) Ctx() context.Context {
	return c.ctx
}

// Heartbeat сообщает оркестратору о прогрессе.
//
// Первый heartbeat и heartbeat после истечения интервала троттлинга
// отправляются сразу. Остальные запоминаются (последний выигрывает)
// и уходят одной отложенной отправкой в конце интервала; для них
// возвращается синтезированный ответ с текущим флагом отмены.
func (c *Context) Heartbeat(details any) (*domain.HeartbeatResponse, error) {
	raw, err := marshalDetails(details)
	if err != nil {
		return nil, err
	}

	if c.local {
		return c.syntheticResponse(), nil
	}

	c.mu.Lock()

	now := c.now()
	if c.interval <= 0 || !c.sent || now.Sub(c.lastSent) >= c.interval {
		c.dropPendingLocked()
		c.lastThrottled = false
		c.mu.Unlock()
		return c.send(raw)
	}

	c.pending = raw
	c.hasPending = true
	c.lastThrottled = true

	if c.deferred == nil {
		if err := c.scheduleFlushLocked(c.lastSent.Add(c.interval).Sub(now)); err != nil {
			// Пул heartbeat'ов уже остановлен: отправляем сами.
			c.dropPendingLocked()
			c.lastThrottled = false
			c.mu.Unlock()
			return c.send(raw)
		}
	}

	c.mu.Unlock()
	return c.syntheticResponse(), nil
}

// HeartbeatOrInterrupt отправляет heartbeat и возвращает управляющую ошибку,
// если activity должна прерваться: по таймауту, по отмене или из-за
// остановки воркера (в таком порядке приоритета).
func (c *Context) HeartbeatOrInterrupt(details any) (*domain.HeartbeatResponse, error) {
	resp, err := c.Heartbeat(details)
	if err != nil {
		return resp, err
	}

	switch {
	case c.TimedOut():
		return resp, domain.ErrActivityTimedOut
	case c.CancelRequested():
		return resp, domain.ErrActivityCanceled
	case c.ShuttingDown():
		return resp, domain.ErrWorkerShuttingDown
	}
	return resp, nil
}

// TimedOut возвращает true, если истёк start-to-close таймаут попытки.
func (c *Context) TimedOut() bool {
	timeout := c.md.StartToCloseTimeout
	return timeout > 0 && c.now().Sub(c.startedAt) >= timeout
}

// ShuttingDown возвращает true, если воркер останавливается.
func (c *Context) ShuttingDown() bool {
	return c.shuttingDown()
}

// CancelRequested возвращает true, если оркестратор запросил отмену.
// Флаг не сбрасывается.
func (c *Context) CancelRequested() bool {
	return c.cancelRequested.Load()
}

// LastHeartbeatThrottled возвращает true, если последний Heartbeat
// был отложен троттлингом.
func (c *Context) LastHeartbeatThrottled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastThrottled
}

// HeartbeatDetails возвращает details, записанные предыдущей попыткой.
func (c *Context) HeartbeatDetails() json.RawMessage {
	return c.md.HeartbeatDetails
}

// Async помечает activity как асинхронную: после выхода из Execute
// ответ оркестратору не отправляется, задачу завершает внешняя система
// по AsyncToken.
func (c *Context) Async() {
	c.async.Store(true)
}

// IsAsync возвращает true после Async.
func (c *Context) IsAsync() bool {
	return c.async.Load()
}

// AsyncToken возвращает токен асинхронного завершения.
func (c *Context) AsyncToken() string {
	return AsyncToken{
		Namespace:  c.md.Namespace,
		ActivityID: c.md.ActivityID,
		WorkflowID: c.md.WorkflowID,
		RunID:      c.md.WorkflowRunID,
		TaskToken:  c.md.TaskToken,
	}.Encode()
}

// RunIdem — ключ идемпотентности, стабильный между попытками activity
// в пределах run'а.
func (c *Context) RunIdem() string {
	return idem(c.md.WorkflowRunID, c.md.ActivityID)
}

// WorkflowIdem — ключ идемпотентности, стабильный между run'ами workflow.
func (c *Context) WorkflowIdem() string {
	return idem(c.md.WorkflowID, c.md.ActivityID)
}

// Headers возвращает заголовки задачи.
func (c *Context) Headers() map[string]string {
	return c.md.Headers
}

// Name возвращает тип activity.
func (c *Context) Name() string {
	return c.md.ActivityType
}

// Metadata возвращает метаданные попытки.
func (c *Context) Metadata() *domain.ActivityMetadata {
	return c.md
}

// Logger возвращает логгер с атрибутами activity.
func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// release отменяет отложенный heartbeat и Ctx(). Вызывается после Execute.
func (c *Context) release() {
	c.mu.Lock()
	c.dropPendingLocked()
	c.mu.Unlock()

	c.cancel(context.Canceled)
}

func (c *Context) send(details json.RawMessage) (*domain.HeartbeatResponse, error) {
	// Heartbeat отправляется и после отмены Ctx().
	resp, err := c.client.RecordActivityTaskHeartbeat(context.WithoutCancel(c.ctx), c.md.Namespace, c.md.TaskToken, details)
	if err != nil {
		return nil, fmt.Errorf("record heartbeat: %w", err)
	}

	c.mu.Lock()
	c.sent = true
	c.lastSent = c.now()
	c.mu.Unlock()

	if resp != nil && resp.CancelRequested {
		c.requestCancel()
	}
	return c.syntheticResponse(), nil
}

// flush — отложенная отправка. seq отсекает устаревшие отправки,
// отменённые синхронным heartbeat'ом.
func (c *Context) flush(seq uint64) error {
	c.mu.Lock()
	if seq != c.flushSeq {
		c.mu.Unlock()
		return nil
	}
	c.deferred = nil
	if !c.hasPending {
		c.mu.Unlock()
		return nil
	}
	details := c.pending
	c.pending = nil
	c.hasPending = false
	c.mu.Unlock()

	_, err := c.send(details)
	return err
}

// scheduleFlushLocked планирует отложенную отправку. Вызывается под c.mu.
func (c *Context) scheduleFlushLocked(delay time.Duration) error {
	if c.pool == nil {
		return scheduler.ErrPoolClosed
	}

	seq := c.flushSeq
	handle, err := c.pool.Schedule(func(context.Context) error {
		return c.flush(seq)
	}, scheduler.WithDelay(delay))
	if err != nil {
		return err
	}
	c.deferred = handle
	return nil
}

// dropPendingLocked сбрасывает отложенные details и отменяет
// запланированную отправку. Вызывается под c.mu.
func (c *Context) dropPendingLocked() {
	c.pending = nil
	c.hasPending = false
	c.flushSeq++
	if c.deferred != nil {
		_ = c.deferred.Cancel()
		c.deferred = nil
	}
}

func (c *Context) requestCancel() {
	if c.cancelRequested.CompareAndSwap(false, true) {
		c.logger.Info("activity cancel requested")
		c.cancel(domain.ErrActivityCanceled)
	}
}

func (c *Context) syntheticResponse() *domain.HeartbeatResponse {
	return &domain.HeartbeatResponse{CancelRequested: c.cancelRequested.Load()}
}

func marshalDetails(details any) (json.RawMessage, error) {
	switch d := details.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return d, nil
	}

	raw, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal heartbeat details: %w", err)
	}
	return raw, nil
}

// idem строит UUID v5: пространство имён — scope (UUID или произвольная
// строка), имя — id activity.
func idem(scope, activityID string) string {
	space, err := uuid.Parse(scope)
	if err != nil {
		space = uuid.NewSHA1(uuid.NameSpaceURL, []byte(scope))
	}
	return uuid.NewSHA1(space, []byte(activityID)).String()
}

