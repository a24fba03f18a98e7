package activities

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shaiso/durable/internal/activity"
	"github.com/shaiso/durable/internal/domain"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPInput — вход activity "http".
type HTTPInput struct {
	// Method — HTTP-метод (default: GET).
	Method string `json:"method"`

	// URL — адрес запроса (обязательно).
	URL string `json:"url"`

	Headers map[string]string `json:"headers"`

	// Body сериализуется в JSON.
	Body any `json:"body"`

	// TimeoutSec — таймаут запроса в секундах (default: 30).
	TimeoutSec float64 `json:"timeout_sec"`
}

// HTTPOutput — результат activity "http".
type HTTPOutput struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`

	// Body — тело ответа: JSON значение или строка.
	Body any `json:"body"`
}

// HTTP выполняет HTTP-запрос. Запрос прерывается при отмене activity.
//
// Ответ с кодом >= 400 — ошибка activity (ErrHTTPStatus).
// Заголовок Idempotency-Key по умолчанию — RunIdem() попытки.
type HTTP struct {
	// Client — HTTP клиент (default: http.DefaultClient).
	Client *http.Client
}

// Execute выполняет запрос.
func (h *HTTP) Execute(actx *activity.Context, input json.RawMessage) (any, error) {
	var in HTTPInput
	if err := decodeInput(input, &in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidInput)
	}
	if in.Method == "" {
		in.Method = http.MethodGet
	}

	timeout := defaultHTTPTimeout
	if in.TimeoutSec > 0 {
		timeout = time.Duration(in.TimeoutSec * float64(time.Second))
	}

	ctx, cancel := context.WithTimeout(actx.Ctx(), timeout)
	defer cancel()

	var bodyReader io.Reader
	if in.Body != nil {
		bodyBytes, err := json.Marshal(in.Body)
		if err != nil {
			return nil, fmt.Errorf("%w: marshal body: %v", ErrHTTPRequest, err)
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, in.Method, in.URL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrHTTPRequest, err)
	}

	for key, val := range in.Headers {
		req.Header.Set(key, val)
	}
	if bodyReader != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if req.Header.Get("Idempotency-Key") == "" {
		req.Header.Set("Idempotency-Key", actx.RunIdem())
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		// Запрос прерван управляющим сигналом: отдаём его как есть.
		if cause := context.Cause(actx.Ctx()); domain.IsControlFlow(cause) {
			return nil, cause
		}
		if actx.CancelRequested() {
			return nil, domain.ErrActivityCanceled
		}
		return nil, fmt.Errorf("%w: %w", ErrHTTPRequest, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrHTTPRequest, err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: HTTP %d: %s", ErrHTTPStatus, resp.StatusCode, truncate(string(respBody), 200))
	}

	return buildOutput(resp, respBody), nil
}

// buildOutput формирует результат из HTTP-ответа.
func buildOutput(resp *http.Response, body []byte) *HTTPOutput {
	headers := make(map[string]string, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}

	// Пробуем JSON, иначе строка
	var parsedBody any
	if err := json.Unmarshal(body, &parsedBody); err != nil {
		parsedBody = string(body)
	}

	return &HTTPOutput{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       parsedBody,
	}
}

// truncate обрезает строку до указанной длины.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
