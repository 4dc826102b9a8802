package app

import (
	"sort"
	"sync"
	"time"
)

// SessionLocks serializes work per session. Different sessions never
// contend; entries are dropped once nobody holds or waits on them.
type SessionLocks struct {
	mu      sync.Mutex
	entries map[string]*sessionLock
}

type sessionLock struct {
	mu       sync.Mutex
	refs     int
	lockedAt time.Time
}

// NewSessionLocks creates an empty lock registry.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{entries: make(map[string]*sessionLock)}
}

// Lock blocks until the session is free and returns the unlock func.
func (l *SessionLocks) Lock(sessionID string) func() {
	l.mu.Lock()
	e, ok := l.entries[sessionID]
	if !ok {
		e = &sessionLock{}
		l.entries[sessionID] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	l.mu.Lock()
	e.lockedAt = time.Now()
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			e.lockedAt = time.Time{}
			e.refs--
			if e.refs == 0 {
				delete(l.entries, sessionID)
			}
			l.mu.Unlock()
			e.mu.Unlock()
		})
	}
}

// Busy returns the sessions currently held, with how long each has been held.
func (l *SessionLocks) Busy() map[string]time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]time.Duration)
	for id, e := range l.entries {
		if !e.lockedAt.IsZero() {
			out[id] = time.Since(e.lockedAt)
		}
	}
	return out
}

// BusyIDs returns the held session ids, sorted.
func (l *SessionLocks) BusyIDs() []string {
	busy := l.Busy()
	ids := make([]string, 0, len(busy))
	for id := range busy {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
