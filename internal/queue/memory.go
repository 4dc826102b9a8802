// Package queue provides app.TriggerQueue implementations: an in-process
// channel queue and a Redis reliable queue shared between processes.
package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

// DefaultCapacity bounds the in-process queue.
const DefaultCapacity = 256

// ErrQueueFull is returned by Memory.Enqueue when the buffer is exhausted.
var ErrQueueFull = errors.New("trigger queue full")

// Memory is a channel-backed queue for a single process. A trigger key
// stays pending from Enqueue until it is dequeued, so a consumer may
// re-enqueue the same key while still handling it.
type Memory struct {
	mu        sync.Mutex
	pending   map[string]bool
	ch        chan domain.Trigger
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemory creates a queue holding at most capacity triggers (DefaultCapacity when <= 0).
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		pending: make(map[string]bool),
		ch:      make(chan domain.Trigger, capacity),
		done:    make(chan struct{}),
	}
}

// Enqueue implements app.TriggerQueue.
func (q *Memory) Enqueue(_ context.Context, t domain.Trigger) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	select {
	case <-q.done:
		return false, app.ErrQueueClosed
	default:
	}
	key := t.Key()
	if q.pending[key] {
		return false, nil
	}
	select {
	case q.ch <- t:
		q.pending[key] = true
		return true, nil
	default:
		return false, ErrQueueFull
	}
}

// Dequeue implements app.TriggerQueue. It blocks until a trigger is
// available, the context ends, or the queue is closed.
func (q *Memory) Dequeue(ctx context.Context) (app.Delivery, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, app.ErrQueueClosed
	case t := <-q.ch:
		q.mu.Lock()
		delete(q.pending, t.Key())
		q.mu.Unlock()
		return memoryDelivery{t: t}, nil
	}
}

// Len reports the number of queued triggers.
func (q *Memory) Len(context.Context) (int64, error) {
	return int64(len(q.ch)), nil
}

// Close wakes blocked consumers; later calls return ErrQueueClosed.
func (q *Memory) Close() error {
	q.closeOnce.Do(func() { close(q.done) })
	return nil
}

type memoryDelivery struct {
	t domain.Trigger
}

func (d memoryDelivery) Trigger() domain.Trigger { return d.t }

// Ack is a no-op: a dequeued trigger has already left the channel.
func (d memoryDelivery) Ack(context.Context) error { return nil }
