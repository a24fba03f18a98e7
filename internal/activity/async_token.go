package activity

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// AsyncToken — всё, что нужно внешней системе, чтобы завершить
// асинхронную activity после выхода из Execute.
type AsyncToken struct {
	Namespace  string `json:"namespace"`
	ActivityID string `json:"activity_id"`
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	TaskToken  []byte `json:"task_token"`
}

// Encode возвращает токен в виде base64url строки.
func (t AsyncToken) Encode() string {
	data, _ := json.Marshal(t) // структура из строк и []byte всегда сериализуется
	return base64.RawURLEncoding.EncodeToString(data)
}

// ParseAsyncToken разбирает строку, полученную из Encode.
func ParseAsyncToken(s string) (AsyncToken, error) {
	var t AsyncToken

	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("%w: %w", ErrInvalidAsyncToken, err)
	}
	if err := json.Unmarshal(data, &t); err != nil {
		return t, fmt.Errorf("%w: %w", ErrInvalidAsyncToken, err)
	}
	if len(t.TaskToken) == 0 {
		return t, fmt.Errorf("%w: empty task token", ErrInvalidAsyncToken)
	}
	return t, nil
}
