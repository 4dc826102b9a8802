package domain

import (
	"fmt"
	"time"
)

// Node is a step of the planning sequence. The zero value is the first step.
type Node int

const (
	NodeAnalyzeCodebase Node = iota
	NodeProposeChanges
	NodeReviewAndRefine
	NodeValidateProposal
	NodeFinalizePlan
	NodeCompleted

	// NodeUnknown stands in for a stored node name that is not part of the
	// sequence. It is never produced by Transition.
	NodeUnknown Node = -1
)

var nodeNames = map[Node]string{
	NodeAnalyzeCodebase:  "analyze_codebase",
	NodeProposeChanges:   "propose_changes",
	NodeReviewAndRefine:  "review_and_refine",
	NodeValidateProposal: "validate_proposal",
	NodeFinalizePlan:     "finalize_plan",
	NodeCompleted:        "completed",
}

// Sequence is the fixed execution order.
var Sequence = []Node{
	NodeAnalyzeCodebase,
	NodeProposeChanges,
	NodeReviewAndRefine,
	NodeValidateProposal,
	NodeFinalizePlan,
	NodeCompleted,
}

func (n Node) String() string {
	if s, ok := nodeNames[n]; ok {
		return s
	}
	return fmt.Sprintf("unknown(%d)", int(n))
}

// Valid reports whether n is part of the sequence.
func (n Node) Valid() bool {
	_, ok := nodeNames[n]
	return ok
}

// IsCheckpoint reports whether entering n requires human sign-off.
func (n Node) IsCheckpoint() bool {
	return n == NodeValidateProposal || n == NodeCompleted
}

// Rewindable reports whether a modification request may target n.
func (n Node) Rewindable() bool {
	return n == NodeAnalyzeCodebase || n == NodeProposeChanges || n == NodeReviewAndRefine
}

// ParseNode maps a stored name back to a Node. Unrecognized names return
// NodeUnknown together with ErrUnknownNode.
func ParseNode(s string) (Node, error) {
	for n, name := range nodeNames {
		if name == s {
			return n, nil
		}
	}
	return NodeUnknown, fmt.Errorf("%w: %q", ErrUnknownNode, s)
}

// MarshalText encodes the node by name.
func (n Node) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText decodes a node name; unknown names decode to NodeUnknown.
func (n *Node) UnmarshalText(b []byte) error {
	parsed, _ := ParseNode(string(b))
	*n = parsed
	return nil
}

// SignalFor is the signal paired with a transition into next.
func SignalFor(next Node) Signal {
	if next.IsCheckpoint() {
		return SignalHandover
	}
	return SignalContinue
}

// EventKind is the kind of input that moves current_node.
type EventKind int

const (
	EventAdvance EventKind = iota
	EventRewind
	EventReset
)

func (k EventKind) String() string {
	switch k {
	case EventAdvance:
		return "advance"
	case EventRewind:
		return "rewind"
	case EventReset:
		return "reset"
	}
	return "unknown"
}

// Event is an input to the transition table.
type Event struct {
	Kind   EventKind
	Target Node // only for EventRewind
}

// Advance moves to the next node in the sequence.
func Advance() Event { return Event{Kind: EventAdvance} }

// RewindTo moves back to an earlier stage on a human modification request.
func RewindTo(n Node) Event { return Event{Kind: EventRewind, Target: n} }

// ResetToFirst restarts a completed plan from the first node.
func ResetToFirst() Event { return Event{Kind: EventReset} }

// advanceTable is the forward edge of every node; completed is absorbing.
var advanceTable = map[Node]Node{
	NodeAnalyzeCodebase:  NodeProposeChanges,
	NodeProposeChanges:   NodeReviewAndRefine,
	NodeReviewAndRefine:  NodeValidateProposal,
	NodeValidateProposal: NodeFinalizePlan,
	NodeFinalizePlan:     NodeCompleted,
	NodeCompleted:        NodeCompleted,
}

// Transition applies ev to from. Advancing from an unrecognized node yields
// NodeCompleted together with ErrUnknownNode so the caller can log it.
// Rewinds may only target an analysis, proposal or review stage at or before
// from; resets are only legal from NodeCompleted.
func Transition(from Node, ev Event) (Node, error) {
	switch ev.Kind {
	case EventAdvance:
		next, ok := advanceTable[from]
		if !ok {
			return NodeCompleted, fmt.Errorf("%w: %s", ErrUnknownNode, from)
		}
		return next, nil
	case EventRewind:
		if !ev.Target.Rewindable() || !from.Valid() || ev.Target > from {
			return from, fmt.Errorf("%w: rewind %s -> %s", ErrIllegalTransition, from, ev.Target)
		}
		return ev.Target, nil
	case EventReset:
		if from != NodeCompleted {
			return from, fmt.Errorf("%w: reset from %s", ErrIllegalTransition, from)
		}
		return NodeAnalyzeCodebase, nil
	}
	return from, fmt.Errorf("%w: event %s", ErrIllegalTransition, ev.Kind)
}

// StepBack is the default rewind target when a modification names no stage.
func StepBack(from Node) Node {
	switch from {
	case NodeAnalyzeCodebase, NodeProposeChanges:
		return NodeAnalyzeCodebase
	case NodeReviewAndRefine:
		return NodeProposeChanges
	default:
		return NodeReviewAndRefine
	}
}

// PlanningState is the persisted progress of one planning session.
// Derived fields are owned by the node that writes them and are never
// cleared by a reset; a rewind clears only the targeted stage's field.
type PlanningState struct {
	SessionID        string    `json:"session_id"`
	CurrentNode      Node      `json:"current_node"`
	Request          string    `json:"request"`
	Language         Language  `json:"language"`
	CodebaseContext  []string  `json:"codebase_context"`
	IdentifiedFiles  []string  `json:"identified_files"`
	AgentAAnalysis   string    `json:"agent_a_analysis"`
	AgentAProposal   string    `json:"agent_a_proposal"`
	AgentBReview     string    `json:"agent_b_review"`
	ValidationPassed bool      `json:"validation_passed"`
	ValidationIssues []string  `json:"validation_issues"`
	FinalPlan        string    `json:"final_plan"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// NewPlanningState returns a state positioned at the first node.
func NewPlanningState(sessionID, request string, lang Language) PlanningState {
	if lang == "" {
		lang = LanguageEnglish
	}
	return PlanningState{
		SessionID:   sessionID,
		CurrentNode: NodeAnalyzeCodebase,
		Request:     request,
		Language:    lang,
	}
}

// Clone returns a deep copy.
func (p PlanningState) Clone() PlanningState {
	c := p
	c.CodebaseContext = append([]string(nil), p.CodebaseContext...)
	c.IdentifiedFiles = append([]string(nil), p.IdentifiedFiles...)
	c.ValidationIssues = append([]string(nil), p.ValidationIssues...)
	return c
}

// ClearStage empties the derived field owned by a rewindable stage.
func (p *PlanningState) ClearStage(n Node) {
	switch n {
	case NodeAnalyzeCodebase:
		p.AgentAAnalysis = ""
	case NodeProposeChanges:
		p.AgentAProposal = ""
	case NodeReviewAndRefine:
		p.AgentBReview = ""
	}
}

// Amend appends human text to the cumulative request.
func (p *PlanningState) Amend(label, text string) {
	p.Request += fmt.Sprintf("\n\n[%s from human]: %s", label, text)
}

// AddFiles adds paths to IdentifiedFiles, keeping set semantics and
// first-seen order.
func (p *PlanningState) AddFiles(paths ...string) {
	seen := make(map[string]bool, len(p.IdentifiedFiles))
	for _, f := range p.IdentifiedFiles {
		seen[f] = true
	}
	for _, f := range paths {
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		p.IdentifiedFiles = append(p.IdentifiedFiles, f)
	}
}
