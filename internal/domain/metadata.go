package domain

import (
	"encoding/json"
	"time"
)

// ActivityMetadata — метаданные одной попытки activity.
type ActivityMetadata struct {
	Namespace           string
	TaskToken           []byte
	ActivityID          string
	ActivityType        string
	WorkflowID          string
	WorkflowRunID       string
	WorkflowType        string
	Attempt             int
	StartToCloseTimeout time.Duration
	HeartbeatTimeout    time.Duration
	HeartbeatDetails    json.RawMessage
	Headers             map[string]string
}

// NewActivityMetadata собирает метаданные из activity задачи.
func NewActivityMetadata(task *Task) *ActivityMetadata {
	return &ActivityMetadata{
		Namespace:           task.Namespace,
		TaskToken:           task.Token,
		ActivityID:          task.ActivityID,
		ActivityType:        task.TypeName,
		WorkflowID:          task.WorkflowID,
		WorkflowRunID:       task.RunID,
		WorkflowType:        task.WorkflowType,
		Attempt:             task.Attempt,
		StartToCloseTimeout: task.StartToCloseTimeout,
		HeartbeatTimeout:    task.HeartbeatTimeout,
		HeartbeatDetails:    task.HeartbeatDetails,
		Headers:             task.Headers,
	}
}

// LogAttrs возвращает пары ключ-значение для slog.
func (m *ActivityMetadata) LogAttrs() []any {
	return []any{
		"namespace", m.Namespace,
		"activity_id", m.ActivityID,
		"activity_type", m.ActivityType,
		"workflow_id", m.WorkflowID,
		"run_id", m.WorkflowRunID,
		"attempt", m.Attempt,
	}
}
