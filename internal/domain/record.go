package domain

import (
	"encoding/json"
	"time"
)

// TaskRecord — задача вместе с состоянием в хранилище.
type TaskRecord struct {
	Task

	Status          TaskStatus      `json:"status"`
	CancelRequested bool            `json:"cancel_requested"`
	Result          json.RawMessage `json:"result,omitempty"`
	Failure         *Failure        `json:"failure,omitempty"`
	LastHeartbeatAt *time.Time      `json:"last_heartbeat_at,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty"`
}
