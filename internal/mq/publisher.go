package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeTaskReady     MessageType = "task.ready"
	MessageTypeTaskCompleted MessageType = "task.completed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// TaskReadyPayload — payload события о задаче, поставленной в очередь.
type TaskReadyPayload struct {
	Namespace string `json:"namespace"`
	TaskQueue string `json:"task_queue"`
	Token     string `json:"token"`
	Kind      string `json:"kind"`
}

// TaskCompletedPayload — payload события о завершённой задаче.
type TaskCompletedPayload struct {
	Namespace string `json:"namespace"`
	Token     string `json:"token"`
	Status    string `json:"status"` // COMPLETED, FAILED или CANCELED
	Error     string `json:"error,omitempty"`
}

// readyTTL — время жизни task.ready. Пробуждение, пролежавшее дольше
// long-poll таймаута, уже никого не разбудит.
const readyTTL = time.Minute

// publishing задаёт свойства AMQP сообщения по его типу: task.ready —
// временное уведомление, task.completed должно пережить рестарт брокера.
func publishing(msg *Message, body []byte) amqp.Publishing {
	pub := amqp.Publishing{
		ContentType: "application/json",
		MessageId:   msg.ID,
		Type:        string(msg.Type),
		Timestamp:   msg.Timestamp,
		Body:        body,
	}

	switch msg.Type {
	case MessageTypeTaskReady:
		pub.DeliveryMode = amqp.Transient
		pub.Expiration = strconv.FormatInt(readyTTL.Milliseconds(), 10)
	default:
		pub.DeliveryMode = amqp.Persistent
	}
	return pub
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(ctx, string(exchange), string(routingKey), false, false, publishing(msg, body))
		if err != nil {
			return fmt.Errorf("publish %s to %s/%s: %w", msg.Type, exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)
		return nil
	})
}

// PublishTaskReady публикует событие о задаче, поставленной в очередь.
// Потребитель: воркеры, ожидающие задачи в long-poll.
func (p *Publisher) PublishTaskReady(ctx context.Context, payload TaskReadyPayload) error {
	return p.PublishJSON(ctx, ExchangeTasks, RoutingKeyReady, MessageTypeTaskReady, payload)
}

// PublishTaskCompleted публикует событие о завершённой задаче.
// Потребитель: всё, что читает tasks.completed (например, durable-ctl task watch).
func (p *Publisher) PublishTaskCompleted(ctx context.Context, payload TaskCompletedPayload) error {
	return p.PublishJSON(ctx, ExchangeTasks, RoutingKeyCompleted, MessageTypeTaskCompleted, payload)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
