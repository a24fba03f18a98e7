package activities

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/shaiso/durable/internal/activity"
	"github.com/shaiso/durable/internal/connection"
	"github.com/shaiso/durable/internal/domain"
	"github.com/shaiso/durable/internal/telemetry"
)

func testMetadata() *domain.ActivityMetadata {
	return &domain.ActivityMetadata{
		Namespace:     "default",
		TaskToken:     []byte("token"),
		ActivityID:    "7",
		ActivityType:  "test",
		WorkflowID:    "order-42",
		WorkflowRunID: "run-1",
		Attempt:       2,
		Headers:       map[string]string{"tenant": "acme"},
	}
}

func localContext(t *testing.T) *activity.Context {
	t.Helper()
	return activity.NewLocalContext(context.Background(), testMetadata(), telemetry.DiscardLogger())
}

// --- Register Tests ---

func TestRegister(t *testing.T) {
	r := activity.NewRegistry()
	if err := Register(r); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, name := range []string{NameHTTP, NameSleep, NameTransform} {
		if _, err := r.Get(name); err != nil {
			t.Errorf("%s not registered: %v", name, err)
		}
	}

	// Повторная регистрация — ошибка
	if err := Register(r); !errors.Is(err, activity.ErrDuplicateActivity) {
		t.Errorf("expected ErrDuplicateActivity, got %v", err)
	}
}

// --- HTTP Tests ---

func TestHTTP_GET_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("expected Idempotency-Key header")
		}
		w.Header().Set("X-Custom", "test-value")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"result": "ok"})
	}))
	defer server.Close()

	input, _ := json.Marshal(HTTPInput{URL: server.URL})

	result, err := (&HTTP{}).Execute(localContext(t), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out, ok := result.(*HTTPOutput)
	if !ok {
		t.Fatalf("expected *HTTPOutput, got %T", result)
	}
	if out.StatusCode != http.StatusOK {
		t.Errorf("expected status 200, got %d", out.StatusCode)
	}
	if out.Headers["X-Custom"] != "test-value" {
		t.Errorf("expected X-Custom header, got %v", out.Headers["X-Custom"])
	}

	body, ok := out.Body.(map[string]any)
	if !ok {
		t.Fatalf("body should be map, got %T", out.Body)
	}
	if body["result"] != "ok" {
		t.Errorf("expected result=ok, got %v", body["result"])
	}
}

func TestHTTP_POST_WithBody(t *testing.T) {
	var receivedBody map[string]any
	var receivedContentType, receivedKey string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedContentType = r.Header.Get("Content-Type")
		receivedKey = r.Header.Get("Idempotency-Key")
		json.NewDecoder(r.Body).Decode(&receivedBody)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))
	defer server.Close()

	input, _ := json.Marshal(HTTPInput{
		Method:  http.MethodPost,
		URL:     server.URL,
		Headers: map[string]string{"Idempotency-Key": "fixed"},
		Body:    map[string]any{"name": "test"},
	})

	result, err := (&HTTP{}).Execute(localContext(t), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedContentType != "application/json" {
		t.Errorf("expected application/json, got %s", receivedContentType)
	}
	if receivedKey != "fixed" {
		t.Errorf("explicit Idempotency-Key must win, got %s", receivedKey)
	}
	if receivedBody["name"] != "test" {
		t.Errorf("expected name=test in body, got %v", receivedBody)
	}

	// Не-JSON тело возвращается строкой
	if out := result.(*HTTPOutput); out.Body != "created" {
		t.Errorf("expected body 'created', got %v", out.Body)
	}
}

func TestHTTP_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(strings.Repeat("x", 500)))
	}))
	defer server.Close()

	input, _ := json.Marshal(HTTPInput{URL: server.URL})

	_, err := (&HTTP{}).Execute(localContext(t), input)
	if !errors.Is(err, ErrHTTPStatus) {
		t.Fatalf("expected ErrHTTPStatus, got %v", err)
	}
	if !strings.Contains(err.Error(), "HTTP 503") {
		t.Errorf("expected status in error, got %v", err)
	}
	if !strings.HasSuffix(err.Error(), "...") {
		t.Error("long body should be truncated")
	}
}

func TestHTTP_MissingURL(t *testing.T) {
	_, err := (&HTTP{}).Execute(localContext(t), json.RawMessage(`{"method":"GET"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	_, err = (&HTTP{}).Execute(localContext(t), json.RawMessage(`not json`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for bad json, got %v", err)
	}
}

func TestHTTP_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	input, _ := json.Marshal(HTTPInput{URL: server.URL, TimeoutSec: 0.05})

	start := time.Now()
	_, err := (&HTTP{}).Execute(localContext(t), input)
	if !errors.Is(err, ErrHTTPRequest) {
		t.Fatalf("expected ErrHTTPRequest, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("request should be cut by timeout_sec")
	}
}

func TestHTTP_InterruptedKeepsControlFlowCause(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	parent, cancel := context.WithCancelCause(context.Background())
	actx := activity.NewLocalContext(parent, testMetadata(), telemetry.DiscardLogger())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel(domain.ErrWorkerShuttingDown)
	}()

	input, _ := json.Marshal(HTTPInput{URL: server.URL})
	_, err := (&HTTP{}).Execute(actx, input)
	if !errors.Is(err, domain.ErrWorkerShuttingDown) {
		t.Fatalf("expected ErrWorkerShuttingDown, got %v", err)
	}
	if !domain.IsControlFlow(err) {
		t.Error("interrupted request must stay a control-flow error")
	}
}

func TestHTTP_TransportErrorIsWrapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	addr := server.URL
	server.Close()

	input, _ := json.Marshal(HTTPInput{URL: addr})
	_, err := (&HTTP{}).Execute(localContext(t), input)
	if !errors.Is(err, ErrHTTPRequest) {
		t.Fatalf("expected ErrHTTPRequest, got %v", err)
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Errorf("transport error should stay in the chain: %v", err)
	}
}

// --- LongRunning Tests ---

// cancelEnv — activity задача в хранилище, для которой запрошена отмена.
func cancelEnv(t *testing.T) *activity.Context {
	t.Helper()

	ctx := context.Background()
	store := connection.NewMemoryStore(nil)
	client := connection.New(connection.Config{Store: store, Logger: telemetry.DiscardLogger()})

	task := &domain.Task{Namespace: "default", TaskQueue: "q", Kind: domain.TaskKindActivity, TypeName: NameSleep}
	if err := store.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := store.ClaimNext(ctx, "default", "q", domain.TaskKindActivity); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.RequestCancel(ctx, task.Token); err != nil {
		t.Fatalf("request cancel: %v", err)
	}

	return activity.NewContext(ctx, activity.ContextConfig{
		Client:   client,
		Metadata: domain.NewActivityMetadata(task),
		Logger:   telemetry.DiscardLogger(),
	})
}

func TestLongRunning_Completes(t *testing.T) {
	result, err := (&LongRunning{}).Execute(localContext(t), json.RawMessage(`{"cycles":3,"interval_ms":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := result.(*LongRunningOutput)
	if out.Cycles != 3 || out.CancelRequested {
		t.Errorf("unexpected output: %+v", out)
	}
}

func TestLongRunning_ResumesFromHeartbeatDetails(t *testing.T) {
	md := testMetadata()
	md.HeartbeatDetails = json.RawMessage(`2`)
	actx := activity.NewLocalContext(context.Background(), md, telemetry.DiscardLogger())

	start := time.Now()
	if _, err := (&LongRunning{}).Execute(actx, json.RawMessage(`{"cycles":3,"interval_ms":100}`)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if time.Since(start) > 250*time.Millisecond {
		t.Error("completed cycles should be skipped")
	}
}

func TestLongRunning_OnCancel(t *testing.T) {
	tests := []struct {
		onCancel string
		wantErr  error
	}{
		{OnCancelCancel, domain.ErrActivityCanceled},
		{OnCancelFail, ErrCanceledByRequest},
		{OnCancelIgnore, nil},
	}

	for _, tt := range tests {
		t.Run(tt.onCancel, func(t *testing.T) {
			actx := cancelEnv(t)
			input, _ := json.Marshal(LongRunningInput{Cycles: 2, IntervalMs: 1, OnCancel: tt.onCancel})

			result, err := (&LongRunning{}).Execute(actx, input)
			if !errors.Is(err, tt.wantErr) && !(tt.wantErr == nil && err == nil) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.wantErr == nil && !result.(*LongRunningOutput).CancelRequested {
				t.Error("ignored cancellation should still be visible in output")
			}
			if !actx.CancelRequested() {
				t.Error("cancel flag should be set")
			}
		})
	}
}

func TestLongRunning_InvalidOnCancel(t *testing.T) {
	_, err := (&LongRunning{}).Execute(localContext(t), json.RawMessage(`{"on_cancel":"explode"}`))
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

// --- Transform Tests ---

func TestTransform(t *testing.T) {
	input := json.RawMessage(`{
		"template": {
			"greeting": "Hello, {{ .Vars.name | upper }}",
			"order": "{{ .Activity.WorkflowID }}#{{ .Activity.Attempt }}",
			"tenant": "{{ .Headers.tenant }}",
			"items": ["{{ .Vars.count }}", 5, true],
			"fallback": "{{ default \"none\" .Vars.missing }}"
		},
		"vars": {"name": "ann", "count": 42}
	}`)

	result, err := (&Transform{}).Execute(localContext(t), input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	out := result.(map[string]any)
	expected := map[string]any{
		"greeting": "Hello, ANN",
		"order":    "order-42#2",
		"tenant":   "acme",
		"fallback": "none",
	}
	for key, want := range expected {
		if out[key] != want {
			t.Errorf("%s: expected %q, got %v", key, want, out[key])
		}
	}

	items := out["items"].([]any)
	if items[0] != "42" || items[1] != float64(5) || items[2] != true {
		t.Errorf("unexpected items: %v", items)
	}
}

func TestRender_Errors(t *testing.T) {
	data := &TemplateData{Vars: map[string]any{}}

	if _, err := Render("{{ .Vars.x", data); !errors.Is(err, ErrTemplateParse) {
		t.Errorf("expected ErrTemplateParse, got %v", err)
	}
	if _, err := Render("{{ .Unknown }}", data); !errors.Is(err, ErrTemplateRender) {
		t.Errorf("expected ErrTemplateRender, got %v", err)
	}
	if got, _ := Render("plain", data); got != "plain" {
		t.Errorf("plain string should pass through, got %q", got)
	}
}
