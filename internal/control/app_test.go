package control

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vietddude/aiguard/internal/core/config"
	"github.com/vietddude/aiguard/internal/core/domain"
)

// fakeOpenAI serves chat completions; it returns 503 while down is set.
func fakeOpenAI(t *testing.T, down *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"model":   "gpt-3.5-turbo",
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": goodOutput}}},
			"usage":   map[string]any{"prompt_tokens": 40, "completion_tokens": 20},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestApp(t *testing.T, providerURL string) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Server.Port = 0
	cfg.Provider.BaseURL = providerURL
	cfg.Retry.AI.MaxRetries = 0
	cfg.DLQ.FallbackLog = filepath.Join(t.TempDir(), "dlq.jsonl")

	app, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func serve(t *testing.T, app *App, method, path, body string) (int, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))

	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, rec.Body.String(), err)
	}
	return rec.Code, out
}

func TestApp_SubmitAndHealth(t *testing.T) {
	var down atomic.Bool
	app := newTestApp(t, fakeOpenAI(t, &down).URL)

	code, body := serve(t, app, http.MethodPost, "/v1/operations", `{"principal":"u1","plan":"pro","prompt":"summarize my resume"}`)
	if code != http.StatusOK || body["success"] != true || body["remaining"] != float64(99) {
		t.Fatalf("submit = %d %v", code, body)
	}

	code, body = serve(t, app, http.MethodGet, "/health", "")
	if code != http.StatusOK || body["status"] != "healthy" {
		t.Errorf("health = %d %v", code, body)
	}

	code, body = serve(t, app, http.MethodGet, "/admin/costs", "")
	ov := body["overview"].(map[string]any)
	total := ov["total"].(map[string]any)
	if code != http.StatusOK || total["requests"] != float64(1) || total["tokens"] != float64(60) {
		t.Errorf("costs = %d %v", code, body)
	}
}

func TestApp_FailureQueuedAndReplayed(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	app := newTestApp(t, fakeOpenAI(t, &down).URL)

	code, body := serve(t, app, http.MethodPost, "/v1/operations", `{"principal":"u1","operation":"ANALYZE","prompt":"analyze this"}`)
	if code != http.StatusAccepted || body["queued"] != true {
		t.Fatalf("submit = %d %v", code, body)
	}
	id := body["dlq_id"].(string)

	down.Store(false)
	code, body = serve(t, app, http.MethodPost, "/admin/dlq/"+id+"/retry", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("retry = %d %v", code, body)
	}

	entry, err := app.Queue().Get(context.Background(), id)
	if err != nil || entry.Status != domain.DLQStatusCompleted {
		t.Errorf("entry = %+v (%v)", entry, err)
	}
}

func TestApp_Lifecycle(t *testing.T) {
	var down atomic.Bool
	app := newTestApp(t, fakeOpenAI(t, &down).URL)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := app.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := app.Stop(stopCtx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}
