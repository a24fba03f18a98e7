package connection

import (
	"context"
	"sync"

	"github.com/shaiso/durable/internal/mq"
)

// Notifier будит long-poll'ы конкретной очереди.
//
// Wait возвращает канал, который закрывается при следующем Notify для
// той же (namespace, task queue). Канал нужно получить до проверки
// хранилища, иначе пробуждение между проверкой и ожиданием теряется.
type Notifier struct {
	mu    sync.Mutex
	chans map[string]chan struct{}
}

// NewNotifier создаёт Notifier.
func NewNotifier() *Notifier {
	return &Notifier{chans: make(map[string]chan struct{})}
}

func queueKey(namespace, taskQueue string) string {
	return namespace + "/" + taskQueue
}

// Wait возвращает канал пробуждения для очереди. Для nil Notifier —
// nil канал, который никогда не срабатывает.
func (n *Notifier) Wait(namespace, taskQueue string) <-chan struct{} {
	if n == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := queueKey(namespace, taskQueue)
	ch, ok := n.chans[key]
	if !ok {
		ch = make(chan struct{})
		n.chans[key] = ch
	}
	return ch
}

// Notify будит все текущие ожидания очереди.
func (n *Notifier) Notify(namespace, taskQueue string) {
	if n == nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := queueKey(namespace, taskQueue)
	if ch, ok := n.chans[key]; ok {
		close(ch)
		delete(n.chans, key)
	}
}

// WakeupHandler — обработчик mq сообщений task.ready, будящий long-poll'ы.
func WakeupHandler(n *Notifier) mq.Handler {
	return func(ctx context.Context, d *mq.Delivery) error {
		if d.Message.Type != mq.MessageTypeTaskReady {
			return nil
		}

		payload, err := mq.ParsePayload[mq.TaskReadyPayload](&d.Message)
		if err != nil {
			// Битое сообщение: будить нечего, повторная доставка не поможет.
			return nil
		}

		n.Notify(payload.Namespace, payload.TaskQueue)
		return nil
	}
}
