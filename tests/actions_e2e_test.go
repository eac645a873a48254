// Package tests provides end-to-end tests for the action pipeline over HTTP:
// admission, confirmation rules, token lifecycle, rate limiting, RBAC, and the
// pending/history surfaces.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/zia/backend/internal/action"
	"github.com/zia/backend/internal/dispatch"
	"github.com/zia/backend/internal/engine"
	"github.com/zia/backend/internal/handlers"
	"github.com/zia/backend/internal/ratelimit"
)

type env struct {
	srv    *httptest.Server
	engine *engine.Engine
	queue  *dispatch.MemoryQueue
}

// newEnv wires the router the same way cmd/api does, on in-memory stores.
func newEnv(t *testing.T) *env {
	t.Helper()

	queue := dispatch.NewMemoryQueue()
	eng := engine.New(engine.Config{
		Registry: action.DefaultRegistry(),
		Tokens:   action.NewTokenService(5 * time.Minute),
		Limiter:  ratelimit.NewLimiter(ratelimit.NewMemoryStore()),
		Queue:    queue,
	})

	router := mux.NewRouter()
	api := router.PathPrefix("/api/v1/actions").Subrouter()
	api.HandleFunc("/execute", handlers.ExecuteAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/confirm", handlers.ConfirmAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/reject", handlers.RejectAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/escalate", handlers.EscalateAction(eng)).Methods(http.MethodPost)
	api.HandleFunc("/schemas", handlers.ListSchemas(eng)).Methods(http.MethodGet)
	api.HandleFunc("/pending", handlers.ListPending(eng)).Methods(http.MethodGet)
	api.HandleFunc("/history", handlers.ListHistory(eng)).Methods(http.MethodGet)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, engine: eng, queue: queue}
}

func (e *env) post(t *testing.T, path string, body any, userID, role string) *action.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID)
	req.Header.Set("X-User-Role", role)

	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("POST %s: status %d", path, res.StatusCode)
	}
	var out action.Response
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func (e *env) get(t *testing.T, path, userID string) map[string]any {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, e.srv.URL+path, nil)
	req.Header.Set("X-User-ID", userID)
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, res.StatusCode)
	}
	var out map[string]any
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

// =============================================================================
// 1. ADMISSION — critical actions demand confirmation, safe actions flow through
// =============================================================================

func TestSystemCommand_RequiresConfirmation(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "system.run_command",
		Params:     map[string]any{"command": "df -h"},
	}, "admin-1", "admin")

	if resp.Status != action.StatusPending {
		t.Fatalf("system command should be pending confirmation, got %s", resp.Status)
	}
	if !resp.ConfirmationRequired {
		t.Error("confirmation_required should be set")
	}
	if resp.ConfirmationToken == "" {
		t.Error("pending response must carry a confirmation token")
	}
	if resp.ActionPreview == nil {
		t.Fatal("pending response must carry an action preview")
	}
	if len(resp.ActionPreview.Reasons) < 2 {
		t.Errorf("system command should trip multiple rules, got reasons %v", resp.ActionPreview.Reasons)
	}
	if resp.ActionPreview.RiskLevel != action.RiskCritical {
		t.Errorf("preview risk should be critical, got %s", resp.ActionPreview.RiskLevel)
	}
}

func TestReadFile_AutoApprovedAndQueued(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "filesystem.read_file",
		Params:     map[string]any{"path": "/tmp/notes.txt"},
	}, "user-1", "user")

	if resp.Status != action.StatusQueued {
		t.Fatalf("read_file should be queued, got %s", resp.Status)
	}
	if resp.ConfirmationToken != "" {
		t.Error("auto-approved response must not carry a token")
	}

	job, ok, err := e.queue.Dequeue(context.Background(), []string{action.QueueLow}, 0)
	if err != nil || !ok {
		t.Fatalf("expected a job on the low-priority queue: ok=%v err=%v", ok, err)
	}
	if job.ExecutionID != resp.ExecutionID {
		t.Errorf("queued job should reference the execution: got %s want %s", job.ExecutionID, resp.ExecutionID)
	}
}

func TestSystemCommand_DeniedForRegularUser(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "system.run_command",
		Params:     map[string]any{"command": "ls"},
	}, "user-1", "user")

	if resp.Status != action.StatusRejected {
		t.Fatalf("non-admin system command should be rejected, got %s", resp.Status)
	}
	if !strings.Contains(resp.Message, "Insufficient permissions") {
		t.Errorf("unexpected rejection message: %q", resp.Message)
	}
	if resp.ConfirmationToken != "" {
		t.Error("rejection must not carry a token")
	}
}

func TestUnknownActionType_Fails(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "spaceship.launch",
	}, "user-1", "user")

	if resp.Status != action.StatusFailed {
		t.Fatalf("unknown action type should fail, got %s", resp.Status)
	}
	if resp.Message != "Unknown action type: spaceship.launch" {
		t.Errorf("unexpected message: %q", resp.Message)
	}
}

func TestNaturalLanguageInput_ResolvesToAction(t *testing.T) {
	e := newEnv(t)

	resp := e.post(t, "/api/v1/actions/execute", action.Request{
		InputText: "send email to bob@example.com about the launch",
	}, "user-1", "user")

	// gmail.send_email is high risk, so resolution lands in pending.
	if resp.Status != action.StatusPending {
		t.Fatalf("email intent should be pending confirmation, got %s", resp.Status)
	}
	if resp.ActionPreview == nil || resp.ActionPreview.Action != "Send Email" {
		t.Fatalf("intent should resolve to Send Email, got %+v", resp.ActionPreview)
	}
}

// =============================================================================
// 2. CONFIRMATION — token round-trip over HTTP
// =============================================================================

func TestConfirmFlow_QueuesAndConsumesToken(t *testing.T) {
	e := newEnv(t)

	pending := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "system.run_command",
		Params:     map[string]any{"command": "uptime"},
	}, "admin-1", "admin")
	if pending.Status != action.StatusPending {
		t.Fatalf("setup: expected pending, got %s", pending.Status)
	}

	confirmed := e.post(t, "/api/v1/actions/confirm", handlers.ConfirmRequest{
		ExecutionID:       pending.ExecutionID,
		ConfirmationToken: pending.ConfirmationToken,
	}, "admin-1", "admin")
	if confirmed.Status != action.StatusQueued {
		t.Fatalf("confirmed action should be queued, got %s: %s", confirmed.Status, confirmed.Message)
	}

	// Critical risk routes to the high-priority queue.
	job, ok, _ := e.queue.Dequeue(context.Background(), []string{action.QueueHigh}, 0)
	if !ok {
		t.Fatal("expected a job on the high-priority queue")
	}
	if job.ActionType != "system.run_command" {
		t.Errorf("job action type: got %s", job.ActionType)
	}

	// The token is single use.
	replay := e.post(t, "/api/v1/actions/confirm", handlers.ConfirmRequest{
		ExecutionID:       pending.ExecutionID,
		ConfirmationToken: pending.ConfirmationToken,
	}, "admin-1", "admin")
	if !strings.Contains(replay.Message, "not awaiting confirmation") {
		t.Errorf("replay message: %q", replay.Message)
	}
}

func TestConfirm_WrongTokenKeepsPending(t *testing.T) {
	e := newEnv(t)

	pending := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "gmail.send_email",
		Params:     map[string]any{"recipient": "bob@example.com", "subject": "hi", "body": "hello"},
	}, "user-1", "user")
	if pending.Status != action.StatusPending {
		t.Fatalf("setup: expected pending, got %s", pending.Status)
	}

	bad := e.post(t, "/api/v1/actions/confirm", handlers.ConfirmRequest{
		ExecutionID:       pending.ExecutionID,
		ConfirmationToken: "definitely-not-the-token",
	}, "user-1", "user")
	if !strings.Contains(bad.Message, "Invalid confirmation token") {
		t.Fatalf("wrong token message: %q", bad.Message)
	}

	// A wrong guess must not burn the real token.
	items := e.get(t, "/api/v1/actions/pending", "user-1")
	if int(items["total"].(float64)) != 1 {
		t.Fatalf("execution should still be pending, got %v", items["total"])
	}

	good := e.post(t, "/api/v1/actions/confirm", handlers.ConfirmRequest{
		ExecutionID:       pending.ExecutionID,
		ConfirmationToken: pending.ConfirmationToken,
	}, "user-1", "user")
	if good.Status != action.StatusQueued {
		t.Fatalf("real token should still work, got %s: %s", good.Status, good.Message)
	}
}

func TestReject_TerminatesExecution(t *testing.T) {
	e := newEnv(t)

	pending := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "macro.work_mode",
	}, "user-1", "user")
	if pending.Status != action.StatusPending {
		t.Fatalf("setup: expected pending, got %s", pending.Status)
	}

	rejected := e.post(t, "/api/v1/actions/reject", handlers.RejectRequest{
		ExecutionID: pending.ExecutionID,
		Reason:      "changed my mind",
	}, "user-1", "user")
	if rejected.Status != action.StatusRejected {
		t.Fatalf("expected rejected, got %s", rejected.Status)
	}

	// Terminal: confirming afterwards must fail.
	after := e.post(t, "/api/v1/actions/confirm", handlers.ConfirmRequest{
		ExecutionID:       pending.ExecutionID,
		ConfirmationToken: pending.ConfirmationToken,
	}, "user-1", "user")
	if !strings.Contains(after.Message, "not awaiting confirmation") {
		t.Errorf("confirm after reject: %q", after.Message)
	}
}

func TestEscalate_ThenConfirmStillWorks(t *testing.T) {
	e := newEnv(t)

	pending := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "system.run_command",
		Params:     map[string]any{"command": "whoami"},
	}, "admin-1", "admin")

	raw, _ := json.Marshal(handlers.EscalateRequest{ExecutionID: pending.ExecutionID, Reason: "needs review"})
	req, _ := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/actions/escalate", bytes.NewReader(raw))
	req.Header.Set("X-User-ID", "admin-1")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escalate status: %d", res.StatusCode)
	}

	confirmed := e.post(t, "/api/v1/actions/confirm", handlers.ConfirmRequest{
		ExecutionID:       pending.ExecutionID,
		ConfirmationToken: pending.ConfirmationToken,
	}, "admin-1", "admin")
	if confirmed.Status != action.StatusQueued {
		t.Fatalf("escalated action should still accept its token, got %s: %s", confirmed.Status, confirmed.Message)
	}
}

// =============================================================================
// 3. RATE LIMITING — cooldowns surface as rejections
// =============================================================================

func TestCooldown_SecondCallThrottled(t *testing.T) {
	e := newEnv(t)

	first := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "twilio.make_call",
		Params:     map[string]any{"recipient": "+15550100"},
	}, "user-1", "user")
	if first.Status != action.StatusPending {
		t.Fatalf("setup: expected pending, got %s", first.Status)
	}

	second := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "twilio.make_call",
		Params:     map[string]any{"recipient": "+15550100"},
	}, "user-1", "user")
	if second.Status != action.StatusRejected {
		t.Fatalf("call during cooldown should be rejected, got %s", second.Status)
	}
	if !strings.Contains(second.Message, "Cooldown active") {
		t.Errorf("cooldown message: %q", second.Message)
	}

	// Another user is unaffected.
	other := e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "twilio.make_call",
		Params:     map[string]any{"recipient": "+15550100"},
	}, "user-2", "user")
	if other.Status != action.StatusPending {
		t.Errorf("cooldown should be per user, got %s", other.Status)
	}
}

// =============================================================================
// 4. READ SURFACES — schemas, pending, history
// =============================================================================

func TestSchemas_ListsFullCatalog(t *testing.T) {
	e := newEnv(t)

	out := e.get(t, "/api/v1/actions/schemas", "user-1")
	if int(out["total"].(float64)) != 11 {
		t.Fatalf("expected 11 schemas, got %v", out["total"])
	}
}

func TestHistory_ReturnsOwnExecutionsNewestFirst(t *testing.T) {
	e := newEnv(t)

	for _, path := range []string{"/a", "/b"} {
		resp := e.post(t, "/api/v1/actions/execute", action.Request{
			ActionType: "filesystem.read_file",
			Params:     map[string]any{"path": path},
		}, "user-1", "user")
		if resp.Status != action.StatusQueued {
			t.Fatalf("setup: expected queued, got %s", resp.Status)
		}
	}
	e.post(t, "/api/v1/actions/execute", action.Request{
		ActionType: "filesystem.read_file",
		Params:     map[string]any{"path": "/c"},
	}, "someone-else", "user")

	out := e.get(t, "/api/v1/actions/history?limit=10", "user-1")
	if int(out["total"].(float64)) != 2 {
		t.Fatalf("history should only contain the caller's executions, got %v", out["total"])
	}
	items := out["items"].([]any)
	first := items[0].(map[string]any)
	if first["params"].(map[string]any)["path"] != "/b" {
		t.Errorf("history should be newest first, got %v", first["params"])
	}
}
