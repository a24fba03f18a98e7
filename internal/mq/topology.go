package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeTasks Exchange = "durable.tasks"
)

// Queues — имена постоянных очередей.
const (
	QueueTasksCompleted Queue = "tasks.completed"
)

// Routing keys.
const (
	RoutingKeyReady     RoutingKey = "ready"
	RoutingKeyCompleted RoutingKey = "completed"
)

// SetupTopology объявляет обменник задач и очередь tasks.completed.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		if err := ch.ExchangeDeclare(
			string(ExchangeTasks), // name
			"direct",              // type
			true,                  // durable
			false,                 // auto-deleted
			false,                 // internal
			false,                 // no-wait
			nil,                   // arguments
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeTasks, err)
		}

		if _, err := ch.QueueDeclare(
			string(QueueTasksCompleted), // name
			true,                        // durable
			false,                       // delete when unused
			false,                       // exclusive
			false,                       // no-wait
			nil,                         // arguments
		); err != nil {
			return fmt.Errorf("declare queue %s: %w", QueueTasksCompleted, err)
		}

		if err := ch.QueueBind(
			string(QueueTasksCompleted),
			string(RoutingKeyCompleted),
			string(ExchangeTasks),
			false,
			nil,
		); err != nil {
			return fmt.Errorf("bind queue %s to %s: %w", QueueTasksCompleted, ExchangeTasks, err)
		}

		return nil
	})
}

// DeclareWakeupQueue объявляет эксклюзивную очередь воркера, получающую
// все task.ready. Очередь удаляется вместе с соединением, поэтому после
// reconnect её нужно объявить заново (см. ConsumerConfig.Declare).
func DeclareWakeupQueue(ch *amqp.Channel) (string, error) {
	q, err := ch.QueueDeclare(
		"",    // имя назначит сервер
		false, // durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return "", fmt.Errorf("declare wakeup queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, string(RoutingKeyReady), string(ExchangeTasks), false, nil); err != nil {
		return "", fmt.Errorf("bind wakeup queue: %w", err)
	}

	return q.Name, nil
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Durable RabbitMQ Topology:

    durable.tasks (direct)
    ├── amq.gen-* [routing: ready]      (exclusive, one per worker)
    │       Consumer: durable-worker (wakes long-polls)
    └── tasks.completed [routing: completed]
            Consumer: durable-ctl task watch
  `
}
