package app

import (
	"context"
	"errors"

	"github.com/jaakkos/duet/internal/domain"
)

// Responder produces the reply to a prior message. The returned message must
// carry the responder's registered role and a CONTINUE or HANDOVER signal.
type Responder interface {
	Respond(ctx context.Context, prior domain.Message) (domain.Message, error)
}

// ResponderFunc adapts a function to Responder.
type ResponderFunc func(ctx context.Context, prior domain.Message) (domain.Message, error)

// Respond calls f.
func (f ResponderFunc) Respond(ctx context.Context, prior domain.Message) (domain.Message, error) {
	return f(ctx, prior)
}

// Responders is the explicit registry passed to the Coordinator and the plan nodes.
type Responders map[domain.Role]Responder

// Snippet is one retrieval hit.
type Snippet struct {
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Retriever returns ranked context for a query. A nil Retriever is valid and
// yields no context.
type Retriever interface {
	Query(ctx context.Context, text string) ([]Snippet, error)
}

// ErrQueueClosed is returned by Dequeue after the queue has been shut down.
var ErrQueueClosed = errors.New("trigger queue closed")

// TriggerQueue carries start/advance triggers from outside the engine to the
// Ingestor. Enqueue reports false when an identical trigger is already
// pending. Each delivered trigger is handed to exactly one consumer.
type TriggerQueue interface {
	Enqueue(ctx context.Context, t domain.Trigger) (bool, error)
	Dequeue(ctx context.Context) (Delivery, error)
}

// Delivery is a dequeued trigger awaiting acknowledgment.
type Delivery interface {
	Trigger() domain.Trigger
	Ack(ctx context.Context) error
}
