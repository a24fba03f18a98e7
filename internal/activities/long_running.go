package activities

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shaiso/durable/internal/activity"
	"github.com/shaiso/durable/internal/domain"
)

// Реакции на отмену.
const (
	OnCancelCancel = "cancel"
	OnCancelFail   = "fail"
	OnCancelIgnore = "ignore"
)

// LongRunningInput — вход activity "sleep".
type LongRunningInput struct {
	// Cycles — количество циклов ожидания (default: 1).
	Cycles int `json:"cycles"`

	// IntervalMs — длительность одного цикла (default: 1000).
	IntervalMs int `json:"interval_ms"`

	// OnCancel — cancel (default), fail или ignore.
	OnCancel string `json:"on_cancel"`
}

// LongRunningOutput — результат activity "sleep".
type LongRunningOutput struct {
	Cycles          int  `json:"cycles"`
	CancelRequested bool `json:"cancel_requested"`
}

// LongRunning ждёт Cycles циклов по IntervalMs, отправляя heartbeat
// перед каждым циклом. Номер завершённого цикла пишется в heartbeat
// details; повторная попытка продолжает с него.
//
// Об отмене activity узнаёт тремя способами: флаг CancelRequested,
// ошибка HeartbeatOrInterrupt и отмена Ctx() во время ожидания.
type LongRunning struct{}

// Execute выполняет циклы.
func (l *LongRunning) Execute(actx *activity.Context, input json.RawMessage) (any, error) {
	in := LongRunningInput{Cycles: 1, IntervalMs: 1000, OnCancel: OnCancelCancel}
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	switch in.OnCancel {
	case OnCancelCancel, OnCancelFail, OnCancelIgnore:
	default:
		return nil, fmt.Errorf("%w: unknown on_cancel %q", ErrInvalidInput, in.OnCancel)
	}

	start := 0
	if details := actx.HeartbeatDetails(); len(details) > 0 {
		_ = json.Unmarshal(details, &start)
	}

	interval := time.Duration(in.IntervalMs) * time.Millisecond
	logger := actx.Logger()

	for cycle := start; cycle < in.Cycles; cycle++ {
		// 1. Флаг.
		logger.Debug("long running activity cycle", "cycle", cycle, "cancel_requested", actx.CancelRequested())

		// 2. Ошибка heartbeat'а.
		if _, err := actx.HeartbeatOrInterrupt(cycle); err != nil {
			if err := l.onInterrupt(in.OnCancel, err); err != nil {
				return nil, err
			}
		}

		// 3. Отмена Ctx() прерывает ожидание.
		timer := time.NewTimer(interval)
		select {
		case <-timer.C:
		case <-actx.Ctx().Done():
			timer.Stop()
			if err := l.onInterrupt(in.OnCancel, interruptCause(actx)); err != nil {
				return nil, err
			}
			// ignore: Ctx() уже отменён, дальше ожидание не прерывается.
			time.Sleep(interval)
		}
	}

	return &LongRunningOutput{Cycles: in.Cycles, CancelRequested: actx.CancelRequested()}, nil
}

// onInterrupt применяет реакцию на прерывание. nil — продолжать.
func (l *LongRunning) onInterrupt(onCancel string, err error) error {
	if !errors.Is(err, domain.ErrActivityCanceled) {
		// Таймаут и остановка воркера не игнорируются.
		return err
	}

	switch onCancel {
	case OnCancelFail:
		return ErrCanceledByRequest
	case OnCancelIgnore:
		return nil
	default:
		return err
	}
}

// interruptCause возвращает управляющую ошибку, отменившую Ctx().
func interruptCause(actx *activity.Context) error {
	cause := context.Cause(actx.Ctx())
	if domain.IsControlFlow(cause) {
		return cause
	}
	return domain.ErrWorkerShuttingDown
}
