package domain

import "time"

// Conversation is the unit of work for one session: the loaded rows plus
// whatever a single operation changed. A repository persists the changes of
// one Conversation in a single transaction.
type Conversation struct {
	Session  Session
	Planning *PlanningState // nil for debate sessions and uninitialized planning sessions
	Last     *Message       // most recent message, nil when the log is empty

	pending         []Message
	planningChanged bool
	sessionChanged  bool
}

// Append queues a message for insertion. The timestamp is clamped so the
// session's log never goes backwards in time.
func (c *Conversation) Append(m Message) Message {
	m.SessionID = c.Session.ID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	if c.Last != nil && m.Timestamp.Before(c.Last.Timestamp) {
		m.Timestamp = c.Last.Timestamp
	}
	c.pending = append(c.pending, m)
	last := m
	c.Last = &last
	return m
}

// SetPlanning replaces the planning state and marks it for upsert.
func (c *Conversation) SetPlanning(p PlanningState) {
	p.SessionID = c.Session.ID
	p.UpdatedAt = time.Now().UTC()
	c.Planning = &p
	c.planningChanged = true
}

// SetStatus moves the session to status. Completing stamps EndedAt once.
func (c *Conversation) SetStatus(s Status) {
	if c.Session.Status == s {
		return
	}
	c.Session.Status = s
	if s == StatusCompleted && c.Session.EndedAt == nil {
		now := time.Now().UTC()
		c.Session.EndedAt = &now
	}
	if s == StatusActive {
		c.Session.EndedAt = nil
	}
	c.sessionChanged = true
}

// PendingMessages returns messages queued by Append since load.
func (c *Conversation) PendingMessages() []Message { return c.pending }

// PlanningChanged reports whether SetPlanning was called.
func (c *Conversation) PlanningChanged() bool { return c.planningChanged }

// SessionChanged reports whether the session row needs rewriting.
func (c *Conversation) SessionChanged() bool { return c.sessionChanged }

// Dirty reports whether there is anything to persist.
func (c *Conversation) Dirty() bool {
	return len(c.pending) > 0 || c.planningChanged || c.sessionChanged
}

// MarkNew flags a freshly constructed conversation so the session row is inserted.
func (c *Conversation) MarkNew() { c.sessionChanged = true }

// Committed clears change tracking after a successful save. Saved message ids
// are written back in order.
func (c *Conversation) Committed(ids []int64) {
	for i := range c.pending {
		if i < len(ids) {
			c.pending[i].ID = ids[i]
		}
	}
	if n := len(c.pending); n > 0 {
		last := c.pending[n-1]
		c.Last = &last
	}
	c.pending = nil
	c.planningChanged = false
	c.sessionChanged = false
}
