package domain

// TaskStatus — статус задачи в хранилище оркестратора.
//
// Жизненный цикл:
//
//	QUEUED → RUNNING → COMPLETED
//	                 ↘ FAILED
//	                 ↘ CANCELED
type TaskStatus string

const (
	// TaskStatusQueued — задача ждёт, пока её заберёт poller.
	TaskStatusQueued TaskStatus = "QUEUED"

	// TaskStatusRunning — задача выдана воркеру.
	TaskStatusRunning TaskStatus = "RUNNING"

	// TaskStatusCompleted — воркер сообщил об успешном завершении.
	TaskStatusCompleted TaskStatus = "COMPLETED"

	// TaskStatusFailed — воркер сообщил об ошибке.
	TaskStatusFailed TaskStatus = "FAILED"

	// TaskStatusCanceled — activity подтвердила отмену.
	TaskStatusCanceled TaskStatus = "CANCELED"
)

// IsTerminal возвращает true, если статус финальный.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCanceled:
		return true
	default:
		return false
	}
}

// ParseTaskStatus парсит строку в TaskStatus.
func ParseTaskStatus(s string) TaskStatus {
	switch s {
	case "RUNNING":
		return TaskStatusRunning
	case "COMPLETED":
		return TaskStatusCompleted
	case "FAILED":
		return TaskStatusFailed
	case "CANCELED":
		return TaskStatusCanceled
	default:
		return TaskStatusQueued
	}
}
