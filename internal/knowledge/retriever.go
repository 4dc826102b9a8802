package knowledge

import (
	"context"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

// Retriever adapts a Store to app.Retriever.
type Retriever struct {
	store *Store
	limit int
}

// NewRetriever returns a Retriever yielding at most limit snippets (default 5).
func NewRetriever(store *Store, limit int) *Retriever {
	if limit <= 0 {
		limit = 5
	}
	return &Retriever{store: store, limit: limit}
}

// Query implements app.Retriever. Each snippet leads with the document path
// so file references survive into planning prompts.
func (r *Retriever) Query(ctx context.Context, text string) ([]app.Snippet, error) {
	results, err := r.store.Query(ctx, text, "", r.limit)
	if err != nil {
		return nil, err
	}
	out := make([]app.Snippet, 0, len(results))
	for _, res := range results {
		out = append(out, app.Snippet{
			Content: res.Path + ": " + res.Snippet,
			Source:  res.Path,
		})
	}
	return out, nil
}

// ServicePlans lists finalized plans from the session store.
type ServicePlans struct {
	svc *app.ConversationService
}

// NewServicePlans returns a PlanSource backed by svc.
func NewServicePlans(svc *app.ConversationService) *ServicePlans {
	return &ServicePlans{svc: svc}
}

// FinalizedPlans implements PlanSource.
func (p *ServicePlans) FinalizedPlans(ctx context.Context) ([]PlanData, error) {
	sessions, err := p.svc.ListSessions(ctx, "")
	if err != nil {
		return nil, err
	}
	var out []PlanData
	for _, s := range sessions {
		if s.Mode != domain.ModePlanning {
			continue
		}
		err := p.svc.Query(ctx, s.ID, func(conv *domain.Conversation) error {
			st := conv.Planning
			if st != nil && st.CurrentNode == domain.NodeCompleted && st.FinalPlan != "" {
				out = append(out, PlanData{SessionID: s.ID, Request: st.Request, FinalPlan: st.FinalPlan})
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
