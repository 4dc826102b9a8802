// Package domain holds conversation entities, the planning node sequence and
// its transition table. It has no dependencies on other packages.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies who authored a message.
type Role string

const (
	RoleAgentA Role = "agent_a"
	RoleAgentB Role = "agent_b"
	RoleHuman  Role = "human"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAgentA, RoleAgentB, RoleHuman:
		return true
	}
	return false
}

// IsResponder reports whether r is one of the two automated agents.
func (r Role) IsResponder() bool {
	return r == RoleAgentA || r == RoleAgentB
}

// Other returns the opposite responder. Human has no opposite and maps to AgentA.
func (r Role) Other() Role {
	if r == RoleAgentA {
		return RoleAgentB
	}
	return RoleAgentA
}

// DisplayName is the human-readable label used in transcripts.
func (r Role) DisplayName() string {
	switch r {
	case RoleAgentA:
		return "Agent A"
	case RoleAgentB:
		return "Agent B"
	case RoleHuman:
		return "Human"
	}
	return string(r)
}

// ParseRole accepts the stored value or the display name.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "agent_a", "agent a", "agenta", "a":
		return RoleAgentA, nil
	case "agent_b", "agent b", "agentb", "b":
		return RoleAgentB, nil
	case "human":
		return RoleHuman, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Signal governs whether automatic turn-taking proceeds after a message.
type Signal string

const (
	SignalContinue Signal = "continue"
	SignalStop     Signal = "stop"
	SignalHandover Signal = "handover"
)

// Valid reports whether s is one of the three protocol values.
func (s Signal) Valid() bool {
	switch s {
	case SignalContinue, SignalStop, SignalHandover:
		return true
	}
	return false
}

// Terminal reports whether no automatic turn may follow a message carrying s.
func (s Signal) Terminal() bool {
	return s == SignalStop || s == SignalHandover
}

// ParseSignal parses a stored or user-supplied signal, case-insensitively.
func ParseSignal(s string) (Signal, error) {
	sig := Signal(strings.ToLower(strings.TrimSpace(s)))
	if !sig.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSignal, s)
	}
	return sig, nil
}

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
)

// Mode selects how a session advances.
type Mode string

const (
	ModeDebate   Mode = "debate"
	ModePlanning Mode = "planning"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeDebate, ModePlanning:
		return m, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Language is the language responders are asked to answer in.
type Language string

const (
	LanguageEnglish    Language = "english"
	LanguageVietnamese Language = "vietnamese"
)

// ParseLanguage defaults to English for anything unrecognized.
func ParseLanguage(s string) Language {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vietnamese", "vi", "vn":
		return LanguageVietnamese
	}
	return LanguageEnglish
}

// Message is one entry in a session's append-only log.
type Message struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Signal    Signal    `json:"signal"`
	Timestamp time.Time `json:"timestamp"`
}

// Markdown renders the message as a transcript section.
func (m Message) Markdown() string {
	return fmt.Sprintf("\n## %s - %s\n\n**Signal:** `%s`\n\n%s\n\n---\n",
		m.Role.DisplayName(), m.Timestamp.Format("2006-01-02 15:04:05"), m.Signal, m.Content)
}

// Session is per-conversation metadata.
type Session struct {
	ID        string     `json:"id"`
	Topic     string     `json:"topic"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Status    Status     `json:"status"`
	Mode      Mode       `json:"mode"`
}

// SessionSummary is a Session plus its message count, used by listings.
type SessionSummary struct {
	Session
	MessageCount int `json:"message_count"`
}

// TriggerKind is the kind of external request to drive a session.
type TriggerKind string

const (
	TriggerStart   TriggerKind = "start"
	TriggerAdvance TriggerKind = "advance"
)

// Trigger is an external request to start or advance a session by one step.
type Trigger struct {
	ID         string      `json:"id"`
	Kind       TriggerKind `json:"kind"`
	SessionID  string      `json:"session_id"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// Key identifies triggers that are interchangeable while pending.
func (t Trigger) Key() string {
	return string(t.Kind) + ":" + t.SessionID
}
