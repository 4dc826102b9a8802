package app

import (
	"context"
	"sort"
	"sync"

	"github.com/jaakkos/duet/internal/domain"
)

// memRepo is an in-memory Repository used by the app tests.
type memRepo struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	messages map[string][]domain.Message
	planning map[string]domain.PlanningState
	nextID   int64
	saves    int
	failSave error
}

func newMemRepo() *memRepo {
	return &memRepo{
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
		planning: make(map[string]domain.PlanningState),
	}
}

func (r *memRepo) Load(_ context.Context, id string) (*domain.Conversation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	conv := &domain.Conversation{Session: s}
	if msgs := r.messages[id]; len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		conv.Last = &last
	}
	if p, ok := r.planning[id]; ok {
		c := p.Clone()
		conv.Planning = &c
	}
	return conv, nil
}

func (r *memRepo) Save(_ context.Context, conv *domain.Conversation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failSave != nil {
		return r.failSave
	}
	id := conv.Session.ID
	if conv.SessionChanged() {
		r.sessions[id] = conv.Session
	}
	var ids []int64
	for _, m := range conv.PendingMessages() {
		r.nextID++
		m.ID = r.nextID
		r.messages[id] = append(r.messages[id], m)
		ids = append(ids, m.ID)
	}
	if conv.PlanningChanged() && conv.Planning != nil {
		r.planning[id] = conv.Planning.Clone()
	}
	r.saves++
	conv.Committed(ids)
	return nil
}

func (r *memRepo) Messages(_ context.Context, id string, limit int) ([]domain.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return nil, domain.ErrNotFound
	}
	msgs := r.messages[id]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.Message(nil), msgs...), nil
}

func (r *memRepo) ListSessions(_ context.Context, status domain.Status) ([]domain.SessionSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionSummary
	for id, s := range r.sessions {
		if status != "" && s.Status != status {
			continue
		}
		out = append(out, domain.SessionSummary{Session: s, MessageCount: len(r.messages[id])})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (r *memRepo) Close() error { return nil }

func (r *memRepo) log(id string) []domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Message(nil), r.messages[id]...)
}

func (r *memRepo) status(id string) domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id].Status
}

// chanQueue is a minimal TriggerQueue for tests.
type chanQueue struct {
	mu      sync.Mutex
	pending map[string]bool
	ch      chan domain.Trigger
	acked   []domain.Trigger
}

func newChanQueue() *chanQueue {
	return &chanQueue{pending: make(map[string]bool), ch: make(chan domain.Trigger, 64)}
}

func (q *chanQueue) Enqueue(_ context.Context, t domain.Trigger) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending[t.Key()] {
		return false, nil
	}
	q.pending[t.Key()] = true
	q.ch <- t
	return true, nil
}

func (q *chanQueue) Dequeue(ctx context.Context) (Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case t := <-q.ch:
		q.mu.Lock()
		delete(q.pending, t.Key())
		q.mu.Unlock()
		return &chanDelivery{q: q, t: t}, nil
	}
}

func (q *chanQueue) ackedTriggers() []domain.Trigger {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]domain.Trigger(nil), q.acked...)
}

type chanDelivery struct {
	q *chanQueue
	t domain.Trigger
}

func (d *chanDelivery) Trigger() domain.Trigger { return d.t }

func (d *chanDelivery) Ack(context.Context) error {
	d.q.mu.Lock()
	defer d.q.mu.Unlock()
	d.q.acked = append(d.q.acked, d.t)
	return nil
}

// echo returns a responder that answers as role with the given signal.
func echo(role domain.Role, content string, sig domain.Signal) Responder {
	return ResponderFunc(func(_ context.Context, prior domain.Message) (domain.Message, error) {
		return domain.Message{Role: role, Content: content, Signal: sig}, nil
	})
}
