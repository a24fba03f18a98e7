package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/durable/internal/domain"
)

// TaskRepo — хранилище задач activity и workflow.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `
	token, namespace, task_queue, kind, type_name, workflow_id, run_id, workflow_type,
	activity_id, attempt, input, start_to_close_ms, heartbeat_timeout_ms, heartbeat_details,
	headers, scheduled_at, status, cancel_requested, result, failure, last_heartbeat_at,
	started_at, finished_at`

// Enqueue ставит задачу в очередь.
//
// Пустой Token заполняется новым UUID. Workflow задача для run'а,
// у которого есть sticky маршрут, уходит в его sticky очередь.
func (r *TaskRepo) Enqueue(ctx context.Context, task *domain.Task) error {
	if len(task.Token) == 0 {
		task.Token = []byte(uuid.NewString())
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if task.ScheduledAt.IsZero() {
		task.ScheduledAt = time.Now().UTC()
	}

	if task.IsWorkflow() && task.RunID != "" {
		sticky, err := r.StickyRoute(ctx, task.Namespace, task.RunID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if sticky != "" {
			task.TaskQueue = sticky
		}
	}

	headersJSON, err := json.Marshal(task.Headers)
	if err != nil {
		return fmt.Errorf("marshal headers: %w", err)
	}

	query := `
		INSERT INTO tasks (token, namespace, task_queue, kind, type_name, workflow_id, run_id,
		                   workflow_type, activity_id, attempt, input, start_to_close_ms,
		                   heartbeat_timeout_ms, heartbeat_details, headers, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = r.pool.Exec(ctx, query,
		string(task.Token),
		task.Namespace,
		task.TaskQueue,
		task.Kind,
		task.TypeName,
		task.WorkflowID,
		task.RunID,
		task.WorkflowType,
		task.ActivityID,
		task.Attempt,
		nullJSON(task.Input),
		task.StartToCloseTimeout.Milliseconds(),
		task.HeartbeatTimeout.Milliseconds(),
		nullJSON(task.HeartbeatDetails),
		headersJSON,
		task.ScheduledAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// ClaimNext забирает самую старую задачу из очереди и переводит её в RUNNING.
// Возвращает nil, nil, если очередь пуста.
//
// Конкурирующие poller'ы не блокируют друг друга: занятые строки
// пропускаются (FOR UPDATE SKIP LOCKED).
func (r *TaskRepo) ClaimNext(ctx context.Context, namespace, taskQueue string, kind domain.TaskKind) (*domain.Task, error) {
	query := `
		UPDATE tasks
		SET status = 'RUNNING', started_at = now()
		WHERE token = (
			SELECT token FROM tasks
			WHERE status = 'QUEUED' AND namespace = $1 AND task_queue = $2 AND kind = $3
			ORDER BY scheduled_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + taskColumns

	rec, err := scanTaskRecord(r.pool.QueryRow(ctx, query, namespace, taskQueue, kind))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return &rec.Task, nil
}

// RecordHeartbeat сохраняет details выполняющейся activity.
// Возвращает флаг запрошенной отмены.
func (r *TaskRepo) RecordHeartbeat(ctx context.Context, token []byte, details json.RawMessage) (bool, error) {
	var cancelRequested bool
	err := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET heartbeat_details = $2, last_heartbeat_at = now()
		WHERE token = $1 AND status = 'RUNNING'
		RETURNING cancel_requested
	`, string(token), nullJSON(details)).Scan(&cancelRequested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrInvalidState
	}
	if err != nil {
		return false, fmt.Errorf("record heartbeat: %w", err)
	}
	return cancelRequested, nil
}

// Complete завершает задачу успешно.
func (r *TaskRepo) Complete(ctx context.Context, token []byte, result json.RawMessage) error {
	return r.finish(ctx, token, domain.TaskStatusCompleted, result, nil)
}

// Fail завершает задачу с ошибкой.
func (r *TaskRepo) Fail(ctx context.Context, token []byte, failure *domain.Failure) error {
	return r.finish(ctx, token, domain.TaskStatusFailed, nil, failure)
}

// Cancel подтверждает отмену activity.
func (r *TaskRepo) Cancel(ctx context.Context, token []byte, details json.RawMessage) error {
	return r.finish(ctx, token, domain.TaskStatusCanceled, details, nil)
}

// CompleteWorkflowTask сохраняет команды workflow задачи и, если задана
// stickyQueue, запоминает её как маршрут для следующих задач run'а.
func (r *TaskRepo) CompleteWorkflowTask(ctx context.Context, token []byte, commands []domain.Command, stickyQueue string) error {
	result, err := json.Marshal(commands)
	if err != nil {
		return fmt.Errorf("marshal commands: %w", err)
	}

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		namespace, runID, err := finishTx(ctx, tx, token, domain.TaskStatusCompleted, result, nil)
		if err != nil {
			return err
		}
		if stickyQueue == "" || runID == "" {
			return nil
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO sticky_routes (namespace, run_id, sticky_queue, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (namespace, run_id)
			DO UPDATE SET sticky_queue = EXCLUDED.sticky_queue, updated_at = now()
		`, namespace, runID, stickyQueue)
		if err != nil {
			return fmt.Errorf("upsert sticky route: %w", err)
		}
		return nil
	})
}

// FailWorkflowTask завершает workflow задачу с ошибкой и сбрасывает sticky
// маршрут run'а: следующая задача пойдёт в обычную очередь.
func (r *TaskRepo) FailWorkflowTask(ctx context.Context, token []byte, failure *domain.Failure) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		namespace, runID, err := finishTx(ctx, tx, token, domain.TaskStatusFailed, nil, failure)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `DELETE FROM sticky_routes WHERE namespace = $1 AND run_id = $2`, namespace, runID)
		if err != nil {
			return fmt.Errorf("delete sticky route: %w", err)
		}
		return nil
	})
}

// RequestCancel запрашивает отмену задачи.
//
// Задача в очереди отменяется сразу; выполняющаяся получит
// cancel_requested в ответ на следующий heartbeat.
func (r *TaskRepo) RequestCancel(ctx context.Context, token []byte) (domain.TaskStatus, error) {
	var status domain.TaskStatus
	err := r.pool.QueryRow(ctx, `
		UPDATE tasks
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = 'QUEUED' THEN 'CANCELED' ELSE status END,
		    finished_at = CASE WHEN status = 'QUEUED' THEN now() ELSE finished_at END
		WHERE token = $1 AND status IN ('QUEUED', 'RUNNING')
		RETURNING status
	`, string(token)).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrInvalidState
	}
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	return status, nil
}

// StickyRoute возвращает sticky очередь run'а.
func (r *TaskRepo) StickyRoute(ctx context.Context, namespace, runID string) (string, error) {
	var queue string
	err := r.pool.QueryRow(ctx, `
		SELECT sticky_queue FROM sticky_routes WHERE namespace = $1 AND run_id = $2
	`, namespace, runID).Scan(&queue)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get sticky route: %w", err)
	}
	return queue, nil
}

// Get возвращает задачу по токену.
func (r *TaskRepo) Get(ctx context.Context, token []byte) (*domain.TaskRecord, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE token = $1`
	return scanTaskRecord(r.pool.QueryRow(ctx, query, string(token)))
}

// ListFilter — фильтр для List.
type ListFilter struct {
	Namespace string
	TaskQueue string
	Status    domain.TaskStatus
	Limit     int
}

// List возвращает задачи, отсортированные от новых к старым.
func (r *TaskRepo) List(ctx context.Context, f ListFilter) ([]domain.TaskRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + taskColumns + `
		FROM tasks
		WHERE ($1 = '' OR namespace = $1)
		  AND ($2 = '' OR task_queue = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY scheduled_at DESC
		LIMIT $4
	`
	rows, err := r.pool.Query(ctx, query, f.Namespace, f.TaskQueue, string(f.Status), limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTaskRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// --- Helpers ---

func (r *TaskRepo) finish(ctx context.Context, token []byte, status domain.TaskStatus, result json.RawMessage, failure *domain.Failure) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		_, _, err := finishTx(ctx, tx, token, status, result, failure)
		return err
	})
}

// finishTx переводит RUNNING задачу в терминальный статус.
// Возвращает namespace и run_id задачи.
func finishTx(ctx context.Context, tx pgx.Tx, token []byte, status domain.TaskStatus, result json.RawMessage, failure *domain.Failure) (string, string, error) {
	var failureJSON []byte
	if failure != nil {
		var err error
		if failureJSON, err = json.Marshal(failure); err != nil {
			return "", "", fmt.Errorf("marshal failure: %w", err)
		}
	}

	var namespace, runID string
	err := tx.QueryRow(ctx, `
		UPDATE tasks
		SET status = $2, result = $3, failure = $4, finished_at = now()
		WHERE token = $1 AND status = 'RUNNING'
		RETURNING namespace, run_id
	`, string(token), status, nullJSON(result), failureJSON).Scan(&namespace, &runID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", "", ErrInvalidState
	}
	if err != nil {
		return "", "", fmt.Errorf("finish task: %w", err)
	}
	return namespace, runID, nil
}

func scanTaskRecord(row pgx.Row) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var token string
	var input, details, headers, result, failure []byte
	var startToCloseMS, heartbeatTimeoutMS int64

	err := row.Scan(
		&token,
		&rec.Namespace,
		&rec.TaskQueue,
		&rec.Kind,
		&rec.TypeName,
		&rec.WorkflowID,
		&rec.RunID,
		&rec.WorkflowType,
		&rec.ActivityID,
		&rec.Attempt,
		&input,
		&startToCloseMS,
		&heartbeatTimeoutMS,
		&details,
		&headers,
		&rec.ScheduledAt,
		&rec.Status,
		&rec.CancelRequested,
		&result,
		&failure,
		&rec.LastHeartbeatAt,
		&rec.StartedAt,
		&rec.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	rec.Token = []byte(token)
	rec.Input = input
	rec.HeartbeatDetails = details
	rec.Result = result
	rec.StartToCloseTimeout = time.Duration(startToCloseMS) * time.Millisecond
	rec.HeartbeatTimeout = time.Duration(heartbeatTimeoutMS) * time.Millisecond

	if headers != nil {
		if err := json.Unmarshal(headers, &rec.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if failure != nil {
		rec.Failure = &domain.Failure{}
		if err := json.Unmarshal(failure, rec.Failure); err != nil {
			return nil, fmt.Errorf("unmarshal failure: %w", err)
		}
	}

	return &rec, nil
}

// nullJSON превращает пустой JSON в NULL.
func nullJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
