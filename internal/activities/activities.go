package activities

import (
	"encoding/json"
	"fmt"

	"github.com/shaiso/durable/internal/activity"
)

// Имена встроенных activity.
const (
	NameHTTP      = "http"
	NameSleep     = "sleep"
	NameTransform = "transform"
)

// Register регистрирует встроенные activity в r.
func Register(r *activity.Registry) error {
	builtins := map[string]activity.Activity{
		NameHTTP:      &HTTP{},
		NameSleep:     &LongRunning{},
		NameTransform: &Transform{},
	}

	for name, act := range builtins {
		if err := r.Register(name, act); err != nil {
			return err
		}
	}
	return nil
}

// decodeInput разбирает JSON вход в v. Пустой вход оставляет v нетронутым.
func decodeInput(input json.RawMessage, v any) error {
	if len(input) == 0 {
		return nil
	}
	if err := json.Unmarshal(input, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
