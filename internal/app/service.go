package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
)

// ConversationService runs use cases over one session at a time. Run and
// Query load a fresh Conversation; Run persists whatever fn changed in a
// single transaction.
type ConversationService struct {
	repo   Repository
	locks  *SessionLocks
	queue  TriggerQueue // optional; set via SetTriggerQueue
	logger *zap.Logger
}

// NewConversationService returns a new ConversationService.
func NewConversationService(repo Repository, logger *zap.Logger) *ConversationService {
	return &ConversationService{
		repo:   repo,
		locks:  NewSessionLocks(),
		logger: logger.With(zap.String("component", "service")),
	}
}

// SetTriggerQueue attaches the queue used by Enqueue.
func (s *ConversationService) SetTriggerQueue(q TriggerQueue) {
	s.queue = q
}

// Locks exposes the per-session mutex registry shared by every driver of turns.
func (s *ConversationService) Locks() *SessionLocks { return s.locks }

// Repository returns the underlying repository.
func (s *ConversationService) Repository() Repository { return s.repo }

// Run loads the session, runs fn, then saves if fn changed anything.
// If fn returns an error nothing is saved.
func (s *ConversationService) Run(ctx context.Context, sessionID string, fn func(*domain.Conversation) error) error {
	conv, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session load: %w", err)
	}
	if err := fn(conv); err != nil {
		return err
	}
	if !conv.Dirty() {
		return nil
	}
	if err := s.repo.Save(ctx, conv); err != nil {
		return fmt.Errorf("session save: %w", err)
	}
	return nil
}

// Query loads the session and runs fn without saving.
func (s *ConversationService) Query(ctx context.Context, sessionID string, fn func(*domain.Conversation) error) error {
	conv, err := s.repo.Load(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session load: %w", err)
	}
	return fn(conv)
}

// StartOptions configures a new session.
type StartOptions struct {
	Mode     domain.Mode
	Topic    string
	Opener   string // first human message; defaults to Topic
	Language domain.Language
}

// StartSession creates the session, its opening human message and, for
// planning sessions, the initial PlanningState in one transaction.
func (s *ConversationService) StartSession(ctx context.Context, opts StartOptions) (*domain.Conversation, error) {
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeDebate
	}
	opener := opts.Opener
	if opener == "" {
		opener = opts.Topic
	}
	conv := &domain.Conversation{
		Session: domain.Session{
			ID:        uuid.NewString(),
			Topic:     opts.Topic,
			StartedAt: time.Now().UTC(),
			Status:    domain.StatusActive,
			Mode:      opts.Mode,
		},
	}
	conv.MarkNew()
	conv.Append(domain.Message{Role: domain.RoleHuman, Content: opener, Signal: domain.SignalContinue})
	if opts.Mode == domain.ModePlanning {
		conv.SetPlanning(domain.NewPlanningState(conv.Session.ID, opener, opts.Language))
	}
	if err := s.repo.Save(ctx, conv); err != nil {
		return nil, fmt.Errorf("session create: %w", err)
	}
	s.logger.Info("session started",
		zap.String("session_id", conv.Session.ID),
		zap.String("mode", string(opts.Mode)),
		zap.String("topic", opts.Topic))
	return conv, nil
}

// Pause stops automatic turns until Resume.
func (s *ConversationService) Pause(ctx context.Context, sessionID string) error {
	return s.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Session.Status == domain.StatusCompleted {
			return domain.ErrSessionClosed
		}
		conv.SetStatus(domain.StatusPaused)
		return nil
	})
}

// Resume reactivates a paused session and enqueues an advance trigger.
func (s *ConversationService) Resume(ctx context.Context, sessionID string) error {
	err := s.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Session.Status == domain.StatusCompleted {
			return domain.ErrSessionClosed
		}
		conv.SetStatus(domain.StatusActive)
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.Enqueue(ctx, domain.TriggerAdvance, sessionID)
	return err
}

// Complete marks the session completed.
func (s *ConversationService) Complete(ctx context.Context, sessionID string) error {
	return s.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		conv.SetStatus(domain.StatusCompleted)
		return nil
	})
}

// Transcript returns up to limit most recent messages in insertion order.
// A non-positive limit returns the full log.
func (s *ConversationService) Transcript(ctx context.Context, sessionID string, limit int) ([]domain.Message, error) {
	return s.repo.Messages(ctx, sessionID, limit)
}

// LastMessage returns the most recent message. An empty log reports
// domain.ErrNotFound rather than a zero message.
func (s *ConversationService) LastMessage(ctx context.Context, sessionID string) (domain.Message, error) {
	var last domain.Message
	err := s.Query(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Last == nil {
			return fmt.Errorf("session %s has no messages: %w", sessionID, domain.ErrNotFound)
		}
		last = *conv.Last
		return nil
	})
	return last, err
}

// ListSessions lists sessions, optionally filtered by status ("" for all).
func (s *ConversationService) ListSessions(ctx context.Context, status domain.Status) ([]domain.SessionSummary, error) {
	return s.repo.ListSessions(ctx, status)
}

// Enqueue publishes a trigger. Without a queue attached it is a no-op that
// reports false.
func (s *ConversationService) Enqueue(ctx context.Context, kind domain.TriggerKind, sessionID string) (bool, error) {
	if s.queue == nil {
		return false, nil
	}
	t := domain.Trigger{
		ID:         uuid.NewString(),
		Kind:       kind,
		SessionID:  sessionID,
		EnqueuedAt: time.Now().UTC(),
	}
	added, err := s.queue.Enqueue(ctx, t)
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", t.Key(), err)
	}
	if !added {
		s.logger.Debug("trigger already pending", zap.String("trigger", t.Key()))
	}
	return added, nil
}
