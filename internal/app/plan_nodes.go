package app

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
)

var abstractKeywords = []string{
	"advanced", "best practice", "modern", "industry standard",
	"could consider", "might want to", "possibly", "perhaps",
	"tiên tiến", "hiện đại", "có thể xem xét", "nên cân nhắc",
}

var fileReferenceMarkers = []string{"/", ".go", ".py", ".ts", ".tsx", ".js"}

// PlanNodes is the default implementation of the five planning steps. The
// analysis, proposal and review steps ask the registered responders; the
// validation and finalization steps are deterministic.
type PlanNodes struct {
	responders Responders
	retriever  Retriever // optional
	logger     *zap.Logger
}

// NewPlanNodes creates the default plan nodes. retriever may be nil.
func NewPlanNodes(responders Responders, retriever Retriever, logger *zap.Logger) *PlanNodes {
	return &PlanNodes{
		responders: responders,
		retriever:  retriever,
		logger:     logger.With(zap.String("component", "plan_nodes")),
	}
}

// Set returns the NodeSet for the planner.
func (n *PlanNodes) Set() NodeSet {
	return NodeSet{
		Analyze:  n.Analyze,
		Propose:  n.Propose,
		Review:   n.Review,
		Validate: n.Validate,
		Finalize: n.Finalize,
	}
}

// Analyze gathers codebase context and asks Agent A for an analysis.
func (n *PlanNodes) Analyze(ctx context.Context, s domain.PlanningState) (domain.PlanningState, error) {
	query := fmt.Sprintf("Analyze codebase for: %s. Show related files, functions, architecture, and implementation details.", s.Request)
	snippets := n.retrieve(ctx, s.SessionID, query)

	contexts := make([]string, 0, len(snippets))
	for i, sn := range snippets {
		contexts = append(contexts, fmt.Sprintf("[Document %d] %s\n%s\n", i+1, sn.Source, sn.Content))
		s.AddFiles(ExtractFilePaths(sn.Content)...)
		if strings.Contains(sn.Source, "/") || strings.Contains(sn.Source, ".") {
			s.AddFiles(sn.Source)
		}
	}
	s.CodebaseContext = contexts

	prompt := fmt.Sprintf(`You are Agent A, a code analysis expert. Answer in %s.

Request: %s

Codebase context:
%s

Analyze:
1. Which files/functions are related to this request?
2. What is the current code structure?
3. What needs to be changed?

Only discuss what you actually see in the codebase.`, s.Language, s.Request, orDefault(strings.Join(contexts, "\n"), "No relevant context found"))

	out, err := n.ask(ctx, domain.RoleAgentA, s.SessionID, prompt)
	if err != nil {
		return s, fmt.Errorf("analysis: %w", err)
	}
	s.AgentAAnalysis = out
	return s, nil
}

// Propose asks Agent A for a concrete change proposal.
func (n *PlanNodes) Propose(ctx context.Context, s domain.PlanningState) (domain.PlanningState, error) {
	prompt := fmt.Sprintf(`You are Agent A, a code planning expert. Answer in %s.

Request: %s

Your analysis:
%s

Files identified in the codebase:
%s

Propose concrete changes: name each file, function and the exact change.`,
		s.Language, s.Request, s.AgentAAnalysis, orDefault(bulletList(s.IdentifiedFiles), "- none"))

	out, err := n.ask(ctx, domain.RoleAgentA, s.SessionID, prompt)
	if err != nil {
		return s, fmt.Errorf("proposal: %w", err)
	}
	s.AgentAProposal = out
	return s, nil
}

// Review asks Agent B to critique and refine the proposal.
func (n *PlanNodes) Review(ctx context.Context, s domain.PlanningState) (domain.PlanningState, error) {
	prompt := fmt.Sprintf(`You are Agent B, a code review expert. Answer in %s.

Original request: %s

Agent A's analysis:
%s

Agent A's proposal:
%s

Review the proposal: point out missing files, risky steps and concrete refinements.`,
		s.Language, s.Request, Truncate(s.AgentAAnalysis, 2000), s.AgentAProposal)

	out, err := n.ask(ctx, domain.RoleAgentB, s.SessionID, prompt)
	if err != nil {
		return s, fmt.Errorf("review: %w", err)
	}
	s.AgentBReview = out
	return s, nil
}

// Validate rejects proposals that name no files or stay abstract.
func (n *PlanNodes) Validate(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
	var issues []string
	if len(s.IdentifiedFiles) == 0 {
		issues = append(issues, "No specific files were identified in the codebase")
	}
	lower := strings.ToLower(s.AgentAProposal)
	for _, k := range abstractKeywords {
		if strings.Contains(lower, k) {
			issues = append(issues, fmt.Sprintf("Proposal uses vague wording: '%s'", k))
		}
	}
	if !containsAny(s.AgentAProposal, fileReferenceMarkers) {
		issues = append(issues, "Proposal does not reference concrete file paths")
	}
	s.ValidationIssues = issues
	s.ValidationPassed = len(issues) == 0
	return s, nil
}

// Finalize composes the final plan, or a needs-adjustment report when
// validation failed.
func (n *PlanNodes) Finalize(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
	files := bulletList(s.IdentifiedFiles)
	var b strings.Builder
	if s.ValidationPassed {
		b.WriteString("## Final Plan\n\n")
		fmt.Fprintf(&b, "### Request:\n%s\n\n", s.Request)
		fmt.Fprintf(&b, "### Files to change:\n%s\n\n", orDefault(files, "- See details below"))
		fmt.Fprintf(&b, "### Detailed plan (Agent A):\n%s\n\n", s.AgentAProposal)
		fmt.Fprintf(&b, "### Review additions (Agent B):\n%s\n\n", s.AgentBReview)
		b.WriteString("---\n✅ Plan validated and ready for implementation.")
	} else {
		b.WriteString("## Plan Needs Adjustment\n\n")
		fmt.Fprintf(&b, "⚠️ Proposal is not concrete enough. Issues:\n%s\n\n", bulletList(s.ValidationIssues))
		fmt.Fprintf(&b, "### Original request:\n%s\n\n", s.Request)
		fmt.Fprintf(&b, "### Related files (from codebase):\n%s\n\n", orDefault(files, "- No specific files identified"))
		fmt.Fprintf(&b, "### Current proposal:\n%s\n\n", s.AgentAProposal)
		fmt.Fprintf(&b, "### Review:\n%s\n\n", s.AgentBReview)
		b.WriteString("---\nNeed clarification: which specific files, functions, and changes?")
	}
	s.FinalPlan = b.String()
	return s, nil
}

// retrieve degrades to no context when retrieval is absent or fails.
func (n *PlanNodes) retrieve(ctx context.Context, sessionID, query string) []Snippet {
	if n.retriever == nil {
		return nil
	}
	snippets, err := n.retriever.Query(ctx, query)
	if err != nil {
		n.logger.Warn("retrieval failed, continuing without context",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return nil
	}
	return snippets
}

func (n *PlanNodes) ask(ctx context.Context, role domain.Role, sessionID, prompt string) (string, error) {
	r, ok := n.responders[role]
	if !ok || r == nil {
		return "", fmt.Errorf("no responder registered for %s", role)
	}
	reply, err := r.Respond(ctx, domain.Message{
		SessionID: sessionID,
		Role:      domain.RoleHuman,
		Content:   prompt,
		Signal:    domain.SignalContinue,
	})
	if err != nil {
		return "", err
	}
	if reply.Role != role {
		return "", fmt.Errorf("expected reply from %s, got %s", role, reply.Role)
	}
	return strings.TrimSpace(reply.Content), nil
}
