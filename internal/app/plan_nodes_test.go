package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
)

type fakeRetriever struct {
	snippets []Snippet
	err      error
	queries  []string
}

func (r *fakeRetriever) Query(_ context.Context, text string) ([]Snippet, error) {
	r.queries = append(r.queries, text)
	return r.snippets, r.err
}

func recordingResponder(role domain.Role, reply string, prompts *[]string) Responder {
	return ResponderFunc(func(_ context.Context, prior domain.Message) (domain.Message, error) {
		*prompts = append(*prompts, prior.Content)
		return domain.Message{Role: role, Content: reply, Signal: domain.SignalContinue}, nil
	})
}

func TestPlanNodes_AnalyzeUsesRetrieval(t *testing.T) {
	var prompts []string
	r := &fakeRetriever{snippets: []Snippet{
		{Source: "internal/auth/handler.go", Content: "func Login() calls internal/auth/token.go, see pkg/jwt/sign.go:12"},
	}}
	n := NewPlanNodes(Responders{
		domain.RoleAgentA: recordingResponder(domain.RoleAgentA, "  analysis  ", &prompts),
	}, r, zap.NewNop())

	s, err := n.Analyze(context.Background(), domain.NewPlanningState("s1", "Add auth", domain.LanguageVietnamese))
	require.NoError(t, err)
	assert.Equal(t, "analysis", s.AgentAAnalysis)
	assert.ElementsMatch(t, []string{"internal/auth/token.go", "pkg/jwt/sign.go:12", "internal/auth/handler.go"}, s.IdentifiedFiles)
	require.Len(t, s.CodebaseContext, 1)
	assert.True(t, strings.HasPrefix(s.CodebaseContext[0], "[Document 1] internal/auth/handler.go"))
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Answer in vietnamese")
	assert.Contains(t, r.queries[0], "Add auth")
}

func TestPlanNodes_AnalyzeDegradesWithoutRetrieval(t *testing.T) {
	var prompts []string
	n := NewPlanNodes(Responders{
		domain.RoleAgentA: recordingResponder(domain.RoleAgentA, "analysis", &prompts),
	}, &fakeRetriever{err: errors.New("index offline")}, zap.NewNop())

	s, err := n.Analyze(context.Background(), domain.NewPlanningState("s1", "Add auth", ""))
	require.NoError(t, err)
	assert.Empty(t, s.CodebaseContext)
	assert.Contains(t, prompts[0], "No relevant context found")
}

func TestPlanNodes_ReviewRequiresAgentB(t *testing.T) {
	n := NewPlanNodes(Responders{}, nil, zap.NewNop())
	_, err := n.Review(context.Background(), domain.NewPlanningState("s1", "Add auth", ""))
	assert.Error(t, err)
}

func TestPlanNodes_Validate(t *testing.T) {
	n := NewPlanNodes(nil, nil, zap.NewNop())

	s := domain.NewPlanningState("s1", "Add auth", "")
	s.IdentifiedFiles = []string{"internal/auth/handler.go"}
	s.AgentAProposal = "Edit internal/auth/handler.go: add Login."
	got, err := n.Validate(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, got.ValidationPassed)
	assert.Empty(t, got.ValidationIssues)

	s.IdentifiedFiles = nil
	s.AgentAProposal = "Perhaps adopt modern best practice"
	got, err = n.Validate(context.Background(), s)
	require.NoError(t, err)
	assert.False(t, got.ValidationPassed)
	assert.Len(t, got.ValidationIssues, 5)
}

func TestPlanNodes_FinalizeTemplates(t *testing.T) {
	n := NewPlanNodes(nil, nil, zap.NewNop())
	s := domain.NewPlanningState("s1", "Add auth", "")
	s.ValidationPassed = true
	s.AgentAProposal = "edit a/b.go"

	got, err := n.Finalize(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.FinalPlan, "## Final Plan"))

	s.ValidationPassed = false
	s.ValidationIssues = []string{"too vague"}
	got, err = n.Finalize(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(got.FinalPlan, "## Plan Needs Adjustment"))
	assert.Contains(t, got.FinalPlan, "- too vague")
}
