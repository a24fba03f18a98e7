package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskKind — тип задачи, выдаваемой оркестратором.
type TaskKind string

const (
	// TaskKindActivity — задача на выполнение activity.
	TaskKindActivity TaskKind = "activity"

	// TaskKindWorkflow — задача на продвижение workflow (workflow task).
	TaskKindWorkflow TaskKind = "workflow"
)

// Task — единица работы, полученная от оркестратора.
//
// Task неизменяем после получения. Владение передаётся ровно одному
// processing job'у в пуле воркеров.
type Task struct {
	// Token — непрозрачный токен задачи. Используется при heartbeat и ответе.
	Token []byte `json:"token"`

	// Namespace — namespace, в котором живёт задача.
	Namespace string `json:"namespace"`

	// TaskQueue — очередь, из которой задача была получена
	// (для sticky задач — имя sticky очереди).
	TaskQueue string `json:"task_queue"`

	// Kind — activity или workflow.
	Kind TaskKind `json:"kind"`

	// TypeName — имя типа activity/workflow, по которому ищется обработчик.
	TypeName string `json:"type_name"`

	// WorkflowID, RunID — владелец задачи.
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`

	// WorkflowType — тип workflow (для activity задач — тип родителя).
	WorkflowType string `json:"workflow_type,omitempty"`

	// ActivityID — ID activity (только для activity задач).
	ActivityID string `json:"activity_id,omitempty"`

	// Attempt — номер попытки (начиная с 1).
	Attempt int `json:"attempt"`

	// Input — входные данные в JSON.
	Input json.RawMessage `json:"input,omitempty"`

	// StartToCloseTimeout — максимальное время выполнения одной попытки.
	StartToCloseTimeout time.Duration `json:"start_to_close_timeout"`

	// HeartbeatTimeout — таймаут heartbeat, заданный при планировании activity.
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`

	// HeartbeatDetails — последние details, записанные предыдущей попыткой.
	HeartbeatDetails json.RawMessage `json:"heartbeat_details,omitempty"`

	// Headers — произвольные заголовки, переданные при планировании.
	Headers map[string]string `json:"headers,omitempty"`

	// ScheduledAt — время постановки задачи в очередь.
	ScheduledAt time.Time `json:"scheduled_at"`
}

// IsActivity возвращает true для activity задач.
func (t *Task) IsActivity() bool {
	return t.Kind == TaskKindActivity
}

// IsWorkflow возвращает true для workflow задач.
func (t *Task) IsWorkflow() bool {
	return t.Kind == TaskKindWorkflow
}

// HeartbeatResponse — ответ оркестратора на heartbeat.
type HeartbeatResponse struct {
	// CancelRequested — оркестратор запросил отмену activity.
	CancelRequested bool `json:"cancel_requested"`
}

// Command — команда, сформированная интерпретатором workflow.
//
// Содержимое команд не интерпретируется рантаймом воркера: они
// передаются оркестратору как есть.
type Command struct {
	Type       string          `json:"type"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
}

// Failure — описание ошибки, отправляемое оркестратору.
type Failure struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
}

// NewFailure строит Failure из ошибки. Type — Go тип ошибки.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Message: err.Error(), Type: fmt.Sprintf("%T", err)}
}
