package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/metrics"
	"github.com/jaakkos/duet/internal/queue"
	"github.com/jaakkos/duet/internal/repository/sqlite"
	"github.com/jaakkos/duet/internal/responder"
)

type testEnv struct {
	svc   *app.ConversationService
	queue *queue.Memory
	mux   *http.ServeMux
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithPolicy(t, app.StaticPolicy{MaxSteps: 10})
}

func newTestEnvWithPolicy(t *testing.T, policy app.StaticPolicy) *testEnv {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	svc := app.NewConversationService(store, logger)
	q := queue.NewMemory(16)
	svc.SetTriggerQueue(q)

	responders := app.Responders{
		domain.RoleAgentA: responder.NewScripted(domain.RoleAgentA, "Redis, for the pending set"),
		domain.RoleAgentB: responder.NewScripted(domain.RoleAgentB, "Agreed [HANDOVER]"),
	}
	coord := app.NewCoordinator(svc, responders, policy, logger)
	planner := app.NewPlanner(svc, app.NewPlanNodes(responders, nil, logger).Set(), logger)
	ingestor := app.NewIngestor(svc, q, coord, planner, policy, logger)

	reg := prometheus.NewRegistry()
	metrics.NewCollector("duet", reg, logger).RecordStall()

	h := NewHandler(svc, coord, logger, WithIngestor(ingestor), WithQueueDepth(q), WithMetrics(reg))
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return &testEnv{svc: svc, queue: q, mux: mux}
}

func (e *testEnv) start(t *testing.T, mode domain.Mode, topic string) string {
	t.Helper()
	conv, err := e.svc.StartSession(context.Background(), app.StartOptions{Mode: mode, Topic: topic})
	if err != nil {
		t.Fatalf("start session: %v", err)
	}
	return conv.Session.ID
}

func (e *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	w := httptest.NewRecorder()
	e.mux.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("json decode: %v (body %s)", err, w.Body.String())
	}
}

func TestListSessions_Empty(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/api/sessions", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected application/json, got %s", ct)
	}
	var sessions []SessionSnapshot
	decodeBody(t, w, &sessions)
	if len(sessions) != 0 {
		t.Errorf("expected no sessions, got %d", len(sessions))
	}
}

func TestListSessions_StatusFilter(t *testing.T) {
	env := newTestEnv(t)
	a := env.start(t, domain.ModeDebate, "first")
	env.start(t, domain.ModePlanning, "second")
	if err := env.svc.Pause(context.Background(), a); err != nil {
		t.Fatalf("pause: %v", err)
	}

	var sessions []SessionSnapshot
	decodeBody(t, env.do("GET", "/api/sessions", ""), &sessions)
	if len(sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(sessions))
	}

	decodeBody(t, env.do("GET", "/api/sessions?status=paused", ""), &sessions)
	if len(sessions) != 1 || sessions[0].ID != a {
		t.Fatalf("expected only %s, got %+v", a, sessions)
	}
	if sessions[0].MessageCount != 1 || sessions[0].Mode != "debate" || sessions[0].Age == "" {
		t.Errorf("unexpected snapshot %+v", sessions[0])
	}

	if w := env.do("GET", "/api/sessions?status=archived", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %d", w.Code)
	}
}

func TestGetSession(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, domain.ModePlanning, "Add auth")

	w := env.do("GET", "/api/sessions/"+id, "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var detail SessionDetail
	decodeBody(t, w, &detail)
	if detail.Topic != "Add auth" || len(detail.Messages) != 1 {
		t.Fatalf("unexpected detail %+v", detail)
	}
	if detail.Messages[0].Speaker != "Human" || detail.Messages[0].Signal != "continue" {
		t.Errorf("unexpected opener %+v", detail.Messages[0])
	}
	if detail.Planning == nil || detail.Planning.CurrentNode != "analyze_codebase" {
		t.Errorf("expected planning at analyze_codebase, got %+v", detail.Planning)
	}

	if w := env.do("GET", "/api/sessions/missing", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do("GET", "/api/sessions/"+id+"?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestAdvance_Queued(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, domain.ModeDebate, "Queue backend?")

	w := env.do("POST", "/api/sessions/"+id+"/advance", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	var resp struct {
		Queued bool `json:"queued"`
	}
	decodeBody(t, w, &resp)
	if !resp.Queued {
		t.Error("expected trigger to be queued")
	}
	decodeBody(t, env.do("POST", "/api/sessions/"+id+"/advance", ""), &resp)
	if resp.Queued {
		t.Error("duplicate advance should be coalesced")
	}

	if w := env.do("POST", "/api/sessions/missing/advance", ""); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	if w := env.do("GET", "/api/sessions/"+id+"/advance", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405 for GET, got %d", w.Code)
	}
}

func TestAdvance_Wait(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, domain.ModeDebate, "Queue backend?")

	w := env.do("POST", "/api/sessions/"+id+"/advance?wait=true", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Outcome string `json:"outcome"`
	}
	decodeBody(t, w, &resp)
	if resp.Outcome != app.OutcomeHandled {
		t.Errorf("expected handled, got %s", resp.Outcome)
	}

	var detail SessionDetail
	decodeBody(t, env.do("GET", "/api/sessions/"+id, ""), &detail)
	if len(detail.Messages) != 2 || detail.Messages[1].Role != "agent_a" {
		t.Errorf("expected Agent A reply, got %+v", detail.Messages)
	}
}

func TestInject(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, domain.ModeDebate, "Queue backend?")

	w := env.do("POST", "/api/sessions/"+id+"/messages", `{"content":"Agent B, thoughts?"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Message MessageSnapshot `json:"message"`
		Queued  bool            `json:"queued"`
	}
	decodeBody(t, w, &resp)
	if resp.Message.Role != "human" || resp.Message.Signal != "continue" || !resp.Queued {
		t.Errorf("unexpected response %+v", resp)
	}

	if w := env.do("POST", "/api/sessions/"+id+"/messages", `{"content":"done","signal":"STOP"}`); w.Code != http.StatusCreated {
		t.Fatalf("expected 201 for stop, got %d", w.Code)
	}
	if w := env.do("POST", "/api/sessions/"+id+"/messages", `{"content":"again"}`); w.Code != http.StatusConflict {
		t.Errorf("expected 409 for closed session, got %d", w.Code)
	}
}

func TestInject_AutonomousReplySchedulesNextTurn(t *testing.T) {
	env := newTestEnvWithPolicy(t, app.StaticPolicy{MaxSteps: 10, Auto: true})
	id := env.start(t, domain.ModeDebate, "Queue backend?")

	w := env.do("POST", "/api/sessions/"+id+"/messages", `{"content":"Which store?"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Reply  *MessageSnapshot `json:"reply"`
		Queued bool             `json:"queued"`
	}
	decodeBody(t, w, &resp)
	if resp.Reply == nil || resp.Reply.Role != "agent_a" || resp.Reply.Signal != "continue" {
		t.Fatalf("expected a continuing Agent A reply, got %+v", resp.Reply)
	}
	if !resp.Queued {
		t.Error("expected the next turn to be queued after a continuing reply")
	}
	if n, _ := env.queue.Len(context.Background()); n != 1 {
		t.Errorf("expected 1 pending trigger, got %d", n)
	}

	w = env.do("POST", "/api/sessions/"+id+"/messages", `{"content":"Agent B, thoughts?"}`)
	var handover struct {
		Reply  *MessageSnapshot `json:"reply"`
		Queued bool             `json:"queued"`
	}
	decodeBody(t, w, &handover)
	if handover.Reply == nil || handover.Reply.Signal != "handover" || handover.Queued {
		t.Errorf("a handover reply must not queue a turn, got %+v", handover)
	}
}

func TestInject_BadRequests(t *testing.T) {
	env := newTestEnv(t)
	id := env.start(t, domain.ModeDebate, "x")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"not json", "hello", http.StatusBadRequest},
		{"empty content", `{"content":""}`, http.StatusBadRequest},
		{"bad signal", `{"content":"hi","signal":"pause"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w := env.do("POST", "/api/sessions/"+id+"/messages", tt.body); w.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, w.Code)
			}
		})
	}
	if w := env.do("POST", "/api/sessions/missing/messages", `{"content":"hi"}`); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	env.start(t, domain.ModeDebate, "x")
	if _, err := env.svc.Enqueue(context.Background(), domain.TriggerAdvance, "s1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := env.do("GET", "/health", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status string `json:"status"`
		Queued int    `json:"queued_triggers"`
	}
	decodeBody(t, w, &resp)
	if resp.Status != "ok" || resp.Queued != 1 {
		t.Errorf("unexpected health %+v", resp)
	}
}

func TestMetricsAndPage(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("GET", "/metrics", "")
	if w.Code != 200 {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "duet_stalled_sessions_total 1") {
		t.Errorf("expected stall counter in metrics output")
	}

	w = env.do("GET", "/dashboard", "")
	if w.Code != 200 || !strings.Contains(w.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("expected html page, got %d %s", w.Code, w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "/api/sessions") {
		t.Error("page should poll the sessions API")
	}

	w = env.do("OPTIONS", "/api/sessions", "")
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Errorf("unexpected preflight %d", w.Code)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héllo..." {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate = %q", got)
	}
}
