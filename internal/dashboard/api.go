// Package dashboard provides a web dashboard and JSON API for watching and
// steering duet sessions.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	contentPreview      = 160
)

// SessionSnapshot is a per-session summary used by the list endpoint.
type SessionSnapshot struct {
	ID           string `json:"id"`
	Topic        string `json:"topic"`
	Mode         string `json:"mode"`
	Status       string `json:"status"`
	MessageCount int    `json:"message_count"`
	StartedAt    string `json:"started_at"`
	Age          string `json:"age"`
	EndedAt      string `json:"ended_at,omitempty"`
}

// MessageSnapshot is a per-message summary.
type MessageSnapshot struct {
	ID        int64  `json:"id"`
	Role      string `json:"role"`
	Speaker   string `json:"speaker"`
	Content   string `json:"content"`
	Preview   string `json:"preview"`
	Signal    string `json:"signal"`
	Timestamp string `json:"timestamp"`
	Age       string `json:"age"`
}

// PlanningSnapshot is the planning progress of a planning session.
type PlanningSnapshot struct {
	CurrentNode      string   `json:"current_node"`
	AwaitingHuman    bool     `json:"awaiting_human"`
	Request          string   `json:"request"`
	IdentifiedFiles  []string `json:"identified_files,omitempty"`
	AgentAAnalysis   string   `json:"agent_a_analysis,omitempty"`
	AgentAProposal   string   `json:"agent_a_proposal,omitempty"`
	AgentBReview     string   `json:"agent_b_review,omitempty"`
	ValidationPassed bool     `json:"validation_passed"`
	ValidationIssues []string `json:"validation_issues,omitempty"`
	FinalPlan        string   `json:"final_plan,omitempty"`
	UpdatedAt        string   `json:"updated_at,omitempty"`
}

// SessionDetail is the JSON response from GET /api/sessions/{id}.
type SessionDetail struct {
	SessionSnapshot
	Messages []MessageSnapshot `json:"messages"`
	Planning *PlanningSnapshot `json:"planning,omitempty"`
}

// QueueDepth reports how many triggers are waiting.
type QueueDepth interface {
	Len(ctx context.Context) (int64, error)
}

// Handler holds dependencies for dashboard HTTP handlers.
type Handler struct {
	svc      *app.ConversationService
	coord    *app.Coordinator
	ingestor *app.Ingestor       // optional; enables ?wait=true on advance
	queue    QueueDepth          // optional; reported by /health
	gatherer prometheus.Gatherer // optional; enables /metrics
	logger   *zap.Logger
}

// HandlerOption configures optional dependencies for the dashboard handler.
type HandlerOption func(*Handler)

// WithIngestor lets POST /advance?wait=true handle the trigger inline.
func WithIngestor(i *app.Ingestor) HandlerOption {
	return func(h *Handler) { h.ingestor = i }
}

// WithQueueDepth reports the trigger backlog on /health.
func WithQueueDepth(q QueueDepth) HandlerOption {
	return func(h *Handler) { h.queue = q }
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(g prometheus.Gatherer) HandlerOption {
	return func(h *Handler) { h.gatherer = g }
}

// NewHandler creates a dashboard handler.
func NewHandler(svc *app.ConversationService, coord *app.Coordinator, logger *zap.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{svc: svc, coord: coord, logger: logger.With(zap.String("component", "dashboard"))}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes adds dashboard routes to the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/sessions", h.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", h.handleGetSession)
	mux.HandleFunc("POST /api/sessions/{id}/advance", h.handleAdvance)
	mux.HandleFunc("POST /api/sessions/{id}/messages", h.handleInject)
	mux.HandleFunc("OPTIONS /api/", h.handlePreflight)
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /dashboard", h.handleDashboard)
	mux.HandleFunc("GET /dashboard/", h.handleDashboard)
	if h.gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	}
}

func (h *Handler) handlePreflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusActive, domain.StatusPaused, domain.StatusCompleted:
	default:
		writeError(w, http.StatusBadRequest, errors.New("status must be active, paused or completed"))
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), status)
	if err != nil {
		h.fail(w, err)
		return
	}
	now := time.Now()
	out := make([]SessionSnapshot, 0, len(sessions))
	for _, s := range sessions {
		snap := sessionSnapshot(s.Session, now)
		snap.MessageCount = s.MessageCount
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := defaultMessageLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a non-negative integer"))
			return
		}
		limit = min(n, maxMessageLimit)
	}

	var detail SessionDetail
	now := time.Now()
	err := h.svc.Query(r.Context(), id, func(conv *domain.Conversation) error {
		detail.SessionSnapshot = sessionSnapshot(conv.Session, now)
		if conv.Planning != nil {
			detail.Planning = planningSnapshot(*conv.Planning)
		}
		return nil
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	msgs, err := h.svc.Transcript(r.Context(), id, limit)
	if err != nil {
		h.fail(w, err)
		return
	}
	detail.MessageCount = len(msgs)
	detail.Messages = make([]MessageSnapshot, 0, len(msgs))
	for _, m := range msgs {
		detail.Messages = append(detail.Messages, messageSnapshot(m, now))
	}
	writeJSON(w, http.StatusOK, detail)
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.svc.Query(r.Context(), id, func(*domain.Conversation) error { return nil }); err != nil {
		h.fail(w, err)
		return
	}

	if r.URL.Query().Get("wait") == "true" && h.ingestor != nil {
		outcome := h.ingestor.Handle(r.Context(), domain.Trigger{
			ID:         uuid.NewString(),
			Kind:       domain.TriggerAdvance,
			SessionID:  id,
			EnqueuedAt: time.Now().UTC(),
		})
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "outcome": outcome})
		return
	}

	queued, err := h.svc.Enqueue(r.Context(), domain.TriggerAdvance, id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "ok", "queued": queued})
}

type injectRequest struct {
	Content string `json:"content"`
	Signal  string `json:"signal"`
}

func (h *Handler) handleInject(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req injectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("body must be JSON with a content field"))
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, errors.New("content is required"))
		return
	}
	var signal domain.Signal
	if req.Signal != "" {
		var err error
		if signal, err = domain.ParseSignal(req.Signal); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	human, reply, err := h.coord.Inject(r.Context(), id, req.Content, signal)
	if err != nil && human == nil {
		h.fail(w, err)
		return
	}
	if err != nil {
		h.logger.Warn("inline turn failed", zap.String("session_id", id), zap.Error(err))
	}
	resp := map[string]any{"status": "ok", "message": messageSnapshot(*human, time.Now())}
	if reply != nil {
		resp["reply"] = messageSnapshot(*reply, time.Now())
	}
	if h.coord.NeedsFollowUp(human, reply) {
		queued, err := h.svc.Enqueue(r.Context(), domain.TriggerAdvance, id)
		if err != nil {
			h.logger.Warn("advance trigger not queued", zap.String("session_id", id), zap.Error(err))
		}
		resp["queued"] = queued
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.queue != nil {
		n, err := h.queue.Len(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
			return
		}
		resp["queued_triggers"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail maps engine errors to HTTP statuses.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrSessionClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrInvalidSignal):
		writeError(w, http.StatusBadRequest, err)
	default:
		h.logger.Error("dashboard request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func sessionSnapshot(s domain.Session, now time.Time) SessionSnapshot {
	snap := SessionSnapshot{
		ID:        s.ID,
		Topic:     s.Topic,
		Mode:      string(s.Mode),
		Status:    string(s.Status),
		StartedAt: s.StartedAt.Format(time.RFC3339),
		Age:       relTime(s.StartedAt, now),
	}
	if s.EndedAt != nil {
		snap.EndedAt = s.EndedAt.Format(time.RFC3339)
	}
	return snap
}

func messageSnapshot(m domain.Message, now time.Time) MessageSnapshot {
	return MessageSnapshot{
		ID:        m.ID,
		Role:      string(m.Role),
		Speaker:   m.Role.DisplayName(),
		Content:   m.Content,
		Preview:   truncate(m.Content, contentPreview),
		Signal:    string(m.Signal),
		Timestamp: m.Timestamp.Format(time.RFC3339),
		Age:       relTime(m.Timestamp, now),
	}
}

func planningSnapshot(p domain.PlanningState) *PlanningSnapshot {
	snap := &PlanningSnapshot{
		CurrentNode:      p.CurrentNode.String(),
		AwaitingHuman:    p.CurrentNode.IsCheckpoint(),
		Request:          p.Request,
		IdentifiedFiles:  p.IdentifiedFiles,
		AgentAAnalysis:   p.AgentAAnalysis,
		AgentAProposal:   p.AgentAProposal,
		AgentBReview:     p.AgentBReview,
		ValidationPassed: p.ValidationPassed,
		ValidationIssues: p.ValidationIssues,
		FinalPlan:        p.FinalPlan,
	}
	if !p.UpdatedAt.IsZero() {
		snap.UpdatedAt = p.UpdatedAt.Format(time.RFC3339)
	}
	return snap
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
