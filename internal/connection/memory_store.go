package connection

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/repo"
)

// MemoryStore — TaskStore в памяти процесса.
//
// Повторяет семантику repo.TaskRepo: FIFO по времени постановки,
// sticky маршрутизация workflow задач, cancel_requested в ответе на heartbeat.
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]*domain.TaskRecord
	order    []string
	sticky   map[string]string // namespace/run_id → sticky очередь
	notifier *Notifier
}

// NewMemoryStore создаёт пустое хранилище. notifier (может быть nil)
// будится при каждой постановке задачи.
func NewMemoryStore(notifier *Notifier) *MemoryStore {
	return &MemoryStore{
		tasks:    make(map[string]*domain.TaskRecord),
		sticky:   make(map[string]string),
		notifier: notifier,
	}
}

// Enqueue ставит задачу в очередь. Пустой Token заполняется новым UUID.
func (s *MemoryStore) Enqueue(ctx context.Context, task *domain.Task) error {
	s.mu.Lock()

	if len(task.Token) == 0 {
		task.Token = []byte(uuid.NewString())
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now().UTC()
	}
	if task.IsWorkflow() {
		if queue, ok := s.sticky[queueKey(task.Namespace, task.RunID)]; ok {
			task.TaskQueue = queue
		}
	}

	key := string(task.Token)
	if _, exists := s.tasks[key]; exists {
		s.mu.Unlock()
		return repo.ErrAlreadyExists
	}

	s.tasks[key] = &domain.TaskRecord{Task: *task, Status: domain.TaskStatusQueued}
	s.order = append(s.order, key)
	s.mu.Unlock()

	s.notifier.Notify(task.Namespace, task.TaskQueue)
	return nil
}

// ClaimNext забирает самую старую подходящую задачу.
func (s *MemoryStore) ClaimNext(ctx context.Context, namespace, taskQueue string, kind domain.TaskKind) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.order {
		rec := s.tasks[key]
		if rec.Status != domain.TaskStatusQueued || rec.Namespace != namespace ||
			rec.TaskQueue != taskQueue || rec.Kind != kind {
			continue
		}

		now := time.Now().UTC()
		rec.Status = domain.TaskStatusRunning
		rec.StartedAt = &now

		task := rec.Task
		return &task, nil
	}
	return nil, nil
}

// RecordHeartbeat сохраняет details и возвращает флаг отмены.
func (s *MemoryStore) RecordHeartbeat(ctx context.Context, token []byte, details json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.running(token)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	rec.HeartbeatDetails = details
	rec.LastHeartbeatAt = &now
	return rec.CancelRequested, nil
}

// Complete завершает задачу успешно.
func (s *MemoryStore) Complete(ctx context.Context, token []byte, result json.RawMessage) error {
	return s.finish(token, domain.TaskStatusCompleted, result, nil, nil)
}

// Fail завершает задачу с ошибкой.
func (s *MemoryStore) Fail(ctx context.Context, token []byte, failure *domain.Failure) error {
	return s.finish(token, domain.TaskStatusFailed, nil, failure, nil)
}

// Cancel подтверждает отмену.
func (s *MemoryStore) Cancel(ctx context.Context, token []byte, details json.RawMessage) error {
	return s.finish(token, domain.TaskStatusCanceled, details, nil, nil)
}

// CompleteWorkflowTask сохраняет команды и sticky маршрут run'а.
func (s *MemoryStore) CompleteWorkflowTask(ctx context.Context, token []byte, commands []domain.Command, stickyQueue string) error {
	result, err := json.Marshal(commands)
	if err != nil {
		return err
	}

	return s.finish(token, domain.TaskStatusCompleted, result, nil, func(rec *domain.TaskRecord) {
		if stickyQueue != "" && rec.RunID != "" {
			s.sticky[queueKey(rec.Namespace, rec.RunID)] = stickyQueue
		}
	})
}

// FailWorkflowTask завершает workflow задачу с ошибкой и сбрасывает sticky маршрут.
func (s *MemoryStore) FailWorkflowTask(ctx context.Context, token []byte, failure *domain.Failure) error {
	return s.finish(token, domain.TaskStatusFailed, nil, failure, func(rec *domain.TaskRecord) {
		delete(s.sticky, queueKey(rec.Namespace, rec.RunID))
	})
}

// RequestCancel запрашивает отмену: задача в очереди отменяется сразу,
// выполняющаяся узнает об отмене из ответа на heartbeat.
func (s *MemoryStore) RequestCancel(ctx context.Context, token []byte) (domain.TaskStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[string(token)]
	if !ok {
		return "", repo.ErrNotFound
	}

	switch rec.Status {
	case domain.TaskStatusQueued:
		now := time.Now().UTC()
		rec.Status = domain.TaskStatusCanceled
		rec.FinishedAt = &now
	case domain.TaskStatusRunning:
	default:
		return "", repo.ErrInvalidState
	}

	rec.CancelRequested = true
	return rec.Status, nil
}

// Get возвращает копию записи задачи.
func (s *MemoryStore) Get(ctx context.Context, token []byte) (*domain.TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tasks[string(token)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	out := *rec
	return &out, nil
}

// List возвращает копии задач, от новых к старым, с фильтром как у
// repo.TaskRepo.List.
func (s *MemoryStore) List(ctx context.Context, f repo.ListFilter) ([]domain.TaskRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []domain.TaskRecord
	for i := len(s.order) - 1; i >= 0 && len(records) < limit; i-- {
		rec := s.tasks[s.order[i]]
		if f.Namespace != "" && rec.Namespace != f.Namespace {
			continue
		}
		if f.TaskQueue != "" && rec.TaskQueue != f.TaskQueue {
			continue
		}
		if f.Status != "" && rec.Status != f.Status {
			continue
		}
		records = append(records, *rec)
	}
	return records, nil
}

// StickyRoute возвращает sticky очередь run'а.
func (s *MemoryStore) StickyRoute(namespace, runID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	queue, ok := s.sticky[queueKey(namespace, runID)]
	return queue, ok
}

// running возвращает RUNNING запись. Вызывается под s.mu.
func (s *MemoryStore) running(token []byte) (*domain.TaskRecord, error) {
	rec, ok := s.tasks[string(token)]
	if !ok {
		return nil, repo.ErrNotFound
	}
	if rec.Status != domain.TaskStatusRunning {
		return nil, repo.ErrInvalidState
	}
	return rec, nil
}

// finish переводит RUNNING задачу в терминальный статус. then вызывается
// под той же блокировкой, чтобы маршрут менялся атомарно со статусом.
func (s *MemoryStore) finish(token []byte, status domain.TaskStatus, result json.RawMessage, failure *domain.Failure, then func(rec *domain.TaskRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.running(token)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.Status = status
	rec.Result = result
	rec.Failure = failure
	rec.FinishedAt = &now

	if then != nil {
		then(rec)
	}
	return nil
}
