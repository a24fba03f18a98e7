package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const defaultSetupRetryDelay = 5 * time.Second

// Handler — функция обработки сообщения.
// Ошибка приводит к nack (с возвратом в очередь, если включён RequeueOnError).
type Handler func(ctx context.Context, msg *Delivery) error

// Delivery — доставленное сообщение.
type Delivery struct {
	// Message — распарсенное сообщение.
	Message Message

	// Raw — сырое AMQP сообщение.
	Raw amqp.Delivery
}

// ConsumerConfig — конфигурация consumer.
type ConsumerConfig struct {
	// Queue — имя постоянной очереди.
	Queue string

	// Declare объявляет очередь на каждом (пере)подключении и возвращает
	// её имя. Нужен для эксклюзивных очередей; если задан, Queue игнорируется.
	Declare func(ch *amqp.Channel) (string, error)

	// Handler — обработчик сообщений.
	Handler Handler

	// Tag — consumer tag (default: сгенерирует сервер).
	Tag string

	// Prefetch — количество неподтверждённых сообщений (default: 1).
	Prefetch int

	// RequeueOnError возвращает сообщение в очередь при ошибке
	// обработчика. Для событий-пробуждений повтор бессмыслен.
	RequeueOnError bool

	// SetupRetryDelay — пауза перед повторной подпиской, если
	// соединение живо, но подписаться не удалось (default: 5s).
	SetupRetryDelay time.Duration
}

// Consumer потребляет сообщения одной очереди и переподписывается
// после переподключения Connection.
type Consumer struct {
	conn   *Connection
	logger *slog.Logger
	cfg    ConsumerConfig

	mu     sync.Mutex
	queue  string
	cancel context.CancelFunc
}

// NewConsumer создаёт Consumer.
func NewConsumer(conn *Connection, logger *slog.Logger, cfg ConsumerConfig) *Consumer {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	if cfg.SetupRetryDelay <= 0 {
		cfg.SetupRetryDelay = defaultSetupRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		conn:   conn,
		logger: logger,
		cfg:    cfg,
		queue:  cfg.Queue,
	}
}

// Start потребляет сообщения до отмены ctx или Stop. Всегда возвращает
// ошибку контекста.
func (c *Consumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	for {
		// Сигнал запрашивается до подписки, чтобы не пропустить
		// переподключение, случившееся между ошибкой и ожиданием.
		reconnected := c.conn.ReconnectNotify()

		deliveries, err := c.subscribe()
		if err != nil {
			c.logger.Error("failed to setup consume", "queue", c.Queue(), "error", err)
			if !c.waitRetry(ctx, reconnected) {
				return ctx.Err()
			}
			continue
		}

		c.logger.Info("consumer started", "queue", c.Queue())

		if err := c.process(ctx, deliveries); err != nil {
			return err
		}

		c.logger.Warn("deliveries channel closed, resubscribing", "queue", c.Queue())
		if !c.waitRetry(ctx, reconnected) {
			return ctx.Err()
		}
	}
}

// Stop останавливает потребление.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Queue возвращает имя очереди (для Declare — имя последней объявленной).
func (c *Consumer) Queue() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queue
}

// waitRetry ждёт переподключения или SetupRetryDelay, если соединение
// живо. Возвращает false при отмене ctx.
func (c *Consumer) waitRetry(ctx context.Context, reconnected <-chan struct{}) bool {
	var retry <-chan time.Time
	if c.conn.IsConnected() {
		timer := time.NewTimer(c.cfg.SetupRetryDelay)
		defer timer.Stop()
		retry = timer.C
	}

	select {
	case <-ctx.Done():
		return false
	case <-reconnected:
		c.logger.Info("reconnected, restarting consumer", "queue", c.Queue())
		return true
	case <-retry:
		return true
	}
}

// subscribe объявляет очередь (если нужно) и начинает потребление.
func (c *Consumer) subscribe() (<-chan amqp.Delivery, error) {
	ch := c.conn.Channel()
	if ch == nil {
		return nil, ErrNoChannel
	}

	queue := c.cfg.Queue
	if c.cfg.Declare != nil {
		name, err := c.cfg.Declare(ch)
		if err != nil {
			return nil, err
		}
		queue = name
	}

	c.mu.Lock()
	c.queue = queue
	c.mu.Unlock()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos: %w", err)
	}

	deliveries, err := ch.Consume(
		queue,
		c.cfg.Tag,
		false, // auto-ack (ack вручную)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}
	return deliveries, nil
}

// process обрабатывает доставки, пока канал открыт. nil — канал закрыт
// (разрыв соединения), ошибка — отмена ctx.
func (c *Consumer) process(ctx context.Context, deliveries <-chan amqp.Delivery) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-deliveries:
			if !ok {
				return nil
			}
			c.handle(ctx, raw)
		}
	}
}

// handle обрабатывает одно сообщение.
func (c *Consumer) handle(ctx context.Context, raw amqp.Delivery) {
	var msg Message
	if err := json.Unmarshal(raw.Body, &msg); err != nil {
		c.logger.Error("failed to unmarshal message",
			"queue", c.Queue(),
			"error", err,
			"body", string(raw.Body),
		)
		// Битое сообщение не станет лучше при повторе.
		raw.Nack(false, false)
		return
	}

	c.logger.Debug("received message",
		"queue", c.Queue(),
		"message_id", msg.ID,
		"type", msg.Type,
	)

	if err := c.cfg.Handler(ctx, &Delivery{Message: msg, Raw: raw}); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			// Остановка посреди обработки: сообщение вернётся в очередь.
			raw.Nack(false, true)
			return
		}

		c.logger.Error("handler failed",
			"queue", c.Queue(),
			"message_id", msg.ID,
			"type", msg.Type,
			"error", err,
		)
		raw.Nack(false, c.cfg.RequeueOnError)
		return
	}

	raw.Ack(false)
}

// ParsePayload парсит payload сообщения в указанный тип.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T

	// Payload после json.Unmarshal — map[string]any; проходим через JSON
	// ещё раз, чтобы получить T.
	payloadBytes, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}

	if err := json.Unmarshal(payloadBytes, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}

	return result, nil
}
