// Package app implements the turn orchestration use cases and defines the
// ports (repository, responders, retrieval, trigger queue) they depend on.
package app

import (
	"context"

	"github.com/jaakkos/duet/internal/domain"
)

// Repository persists sessions, their append-only message logs and planning
// state. Implementation: internal/repository/sqlite.
//
// Load returns domain.ErrNotFound for unknown sessions. Save writes every
// change recorded on the conversation in one transaction scoped to that
// session, then calls conv.Committed.
type Repository interface {
	Load(ctx context.Context, sessionID string) (*domain.Conversation, error)
	Save(ctx context.Context, conv *domain.Conversation) error
	Messages(ctx context.Context, sessionID string, limit int) ([]domain.Message, error)
	ListSessions(ctx context.Context, status domain.Status) ([]domain.SessionSummary, error)
	Close() error
}
