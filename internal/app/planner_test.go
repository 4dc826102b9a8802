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

func stubNodes() NodeSet {
	return NodeSet{
		Analyze: func(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
			s.AgentAAnalysis = "handlers live in internal/auth/handler.go"
			s.AddFiles("internal/auth/handler.go")
			return s, nil
		},
		Propose: func(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
			s.AgentAProposal = "edit internal/auth/handler.go"
			return s, nil
		},
		Review: func(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
			s.AgentBReview = "add tests"
			return s, nil
		},
		Validate: func(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
			s.ValidationPassed = true
			return s, nil
		},
		Finalize: func(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
			s.FinalPlan = "the plan"
			return s, nil
		},
	}
}

func newPlanning(t *testing.T, repo *memRepo, request string, nodes NodeSet) (*ConversationService, *Planner, string) {
	t.Helper()
	svc := NewConversationService(repo, zap.NewNop())
	conv, err := svc.StartSession(context.Background(), StartOptions{Mode: domain.ModePlanning, Topic: request})
	require.NoError(t, err)
	return svc, NewPlanner(svc, nodes, zap.NewNop()), conv.Session.ID
}

func moveTo(t *testing.T, svc *ConversationService, id string, node domain.Node) {
	t.Helper()
	require.NoError(t, svc.Run(context.Background(), id, func(conv *domain.Conversation) error {
		s := conv.Planning.Clone()
		s.CurrentNode = node
		conv.SetPlanning(s)
		return nil
	}))
}

func TestExecuteOneTurn_FirstTurnAnalyzes(t *testing.T) {
	repo := newMemRepo()
	_, p, id := newPlanning(t, repo, "Add auth", stubNodes())

	turn, err := p.ExecuteOneTurn(context.Background(), id, nil)
	require.NoError(t, err)
	require.True(t, turn.Persisted)
	assert.Equal(t, domain.NodeAnalyzeCodebase, turn.Ran)
	assert.Equal(t, domain.NodeProposeChanges, turn.State.CurrentNode)
	assert.Equal(t, domain.SignalContinue, turn.Message.Signal)
	assert.Equal(t, domain.RoleAgentA, turn.Message.Role)
	assert.True(t, strings.HasPrefix(turn.Message.Content, "[Agent A - Analysis]"))
	assert.Equal(t, []string{"internal/auth/handler.go"}, turn.State.IdentifiedFiles)

	state, err := p.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeProposeChanges, state.CurrentNode)
	assert.Len(t, repo.log(id), 2)
}

func TestExecuteOneTurn_ReviewHandsOverAtCheckpoint(t *testing.T) {
	repo := newMemRepo()
	svc, p, id := newPlanning(t, repo, "Add auth", stubNodes())
	moveTo(t, svc, id, domain.NodeReviewAndRefine)

	turn, err := p.ExecuteOneTurn(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeValidateProposal, turn.State.CurrentNode)
	assert.Equal(t, domain.SignalHandover, turn.Message.Signal)
	assert.Equal(t, domain.RoleAgentB, turn.Message.Role)
}

func TestExecuteOneTurn_FullRun(t *testing.T) {
	repo := newMemRepo()
	_, p, id := newPlanning(t, repo, "Add auth", stubNodes())

	var signals []domain.Signal
	for i := 0; i < 5; i++ {
		turn, err := p.ExecuteOneTurn(context.Background(), id, nil)
		require.NoError(t, err)
		signals = append(signals, turn.Message.Signal)
	}
	assert.Equal(t, []domain.Signal{
		domain.SignalContinue, domain.SignalContinue, domain.SignalHandover,
		domain.SignalContinue, domain.SignalHandover,
	}, signals)

	state, err := p.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeCompleted, state.CurrentNode)
	assert.Equal(t, "the plan", state.FinalPlan)
}

func TestExecuteOneTurn_CompletedIsIdempotent(t *testing.T) {
	repo := newMemRepo()
	svc, p, id := newPlanning(t, repo, "Add auth", stubNodes())
	moveTo(t, svc, id, domain.NodeCompleted)
	before := repo.log(id)

	for i := 0; i < 2; i++ {
		turn, err := p.ExecuteOneTurn(context.Background(), id, nil)
		require.NoError(t, err)
		assert.False(t, turn.Persisted)
		assert.Equal(t, CompletedAck, turn.Message.Content)
		assert.Equal(t, domain.SignalHandover, turn.Message.Signal)
	}
	assert.Equal(t, before, repo.log(id))
}

func TestExecuteOneTurn_StopOnCompletedSummarizes(t *testing.T) {
	repo := newMemRepo()
	svc, p, id := newPlanning(t, repo, "Add auth", stubNodes())
	moveTo(t, svc, id, domain.NodeCompleted)

	human := domain.Message{Role: domain.RoleHuman, Content: "stop and summarize"}
	turn, err := p.ExecuteOneTurn(context.Background(), id, &HumanInput{Message: human, Intent: KeywordClassifier{}.Classify(human.Content)})
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHandover, turn.Message.Signal)
	assert.Contains(t, turn.Message.Content, "Plan Summary")
	assert.Equal(t, domain.NodeCompleted, turn.State.CurrentNode)
}

func TestExecuteOneTurn_ModifyRewinds(t *testing.T) {
	tests := []struct {
		name    string
		from    domain.Node
		content string
		want    domain.Node
	}{
		{"step back from review", domain.NodeReviewAndRefine, "please change the approach", domain.NodeProposeChanges},
		{"explicit stage", domain.NodeValidateProposal, "modify the analysis", domain.NodeAnalyzeCodebase},
		{"stage ahead ignored", domain.NodeProposeChanges, "update the review", domain.NodeAnalyzeCodebase},
		{"from completed", domain.NodeCompleted, "change it", domain.NodeReviewAndRefine},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMemRepo()
			svc, p, id := newPlanning(t, repo, "Add auth", stubNodes())
			moveTo(t, svc, id, tt.from)

			human := domain.Message{Role: domain.RoleHuman, Content: tt.content}
			turn, err := p.ExecuteOneTurn(context.Background(), id, &HumanInput{Message: human, Intent: KeywordClassifier{}.Classify(tt.content)})
			require.NoError(t, err)
			assert.Equal(t, tt.want, turn.State.CurrentNode)
			assert.Equal(t, domain.SignalContinue, turn.Message.Signal)
			assert.Contains(t, turn.State.Request, "[Modification from human]: "+tt.content)
		})
	}
}

func TestExecuteOneTurn_FeedbackOnCompletedResets(t *testing.T) {
	repo := newMemRepo()
	svc, p, id := newPlanning(t, repo, "Add auth", stubNodes())
	moveTo(t, svc, id, domain.NodeCompleted)

	human := domain.Message{Role: domain.RoleHuman, Content: "also cover OAuth"}
	turn, err := p.ExecuteOneTurn(context.Background(), id, &HumanInput{Message: human, Intent: Intent{Kind: IntentFeedback}})
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAnalyzeCodebase, turn.State.CurrentNode)
	assert.Equal(t, "Add auth\n\n[Feedback from human]: also cover OAuth", turn.State.Request)
	assert.Contains(t, turn.Message.Content, "Restarting")
}

func TestExecuteOneTurn_VietnameseMessages(t *testing.T) {
	repo := newMemRepo()
	svc := NewConversationService(repo, zap.NewNop())
	ctx := context.Background()
	conv, err := svc.StartSession(ctx, StartOptions{Mode: domain.ModePlanning, Topic: "Thêm xác thực", Language: domain.LanguageVietnamese})
	require.NoError(t, err)
	id := conv.Session.ID
	p := NewPlanner(svc, stubNodes(), zap.NewNop())

	turn, err := p.ExecuteOneTurn(ctx, id, nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(turn.Message.Content, "[Agent A - Phân tích]\n\n"), turn.Message.Content)

	human := domain.Message{Role: domain.RoleHuman, Content: "đổi cách tiếp cận"}
	turn, err = p.ExecuteOneTurn(ctx, id, &HumanInput{Message: human, Intent: Intent{Kind: IntentModify}})
	require.NoError(t, err)
	assert.Equal(t, "✅ Đã nhận phản hồi. Quay lại từ bước 'propose_changes' về bước 'analyze_codebase' với thông tin mới.", turn.Message.Content)

	human.Content = "tiếp tục nhé"
	turn, err = p.ExecuteOneTurn(ctx, id, &HumanInput{Message: human, Intent: Intent{Kind: IntentFeedback}})
	require.NoError(t, err)
	assert.Equal(t, "✅ Đã nhận góp ý. Tiếp tục với bước 'analyze_codebase'.", turn.Message.Content)

	human.Content = "dừng lại"
	turn, err = p.ExecuteOneTurn(ctx, id, &HumanInput{Message: human, Intent: Intent{Kind: IntentStop}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(turn.Message.Content, "## 📋 Tóm tắt kế hoạch"), turn.Message.Content)
	assert.True(t, strings.HasSuffix(turn.Message.Content, "⛔ Kế hoạch đã dừng theo yêu cầu."), turn.Message.Content)

	turn, err = p.ExecuteOneTurn(ctx, id, nil)
	require.NoError(t, err)
	assert.Equal(t, vietnameseText.completed, turn.Message.Content)
}

func TestNodeMessage_Vietnamese(t *testing.T) {
	s := domain.NewPlanningState("s", "r", domain.LanguageVietnamese)
	s.ValidationIssues = []string{"thiếu file"}
	msg := nodeMessage(domain.NodeValidateProposal, domain.NodeFinalizePlan, s)
	assert.Equal(t, "[Kiểm tra]\n\n⚠️ Cần điều chỉnh:\n- thiếu file", msg.Content)

	s.FinalPlan = "kế hoạch"
	msg = nodeMessage(domain.NodeFinalizePlan, domain.NodeCompleted, s)
	assert.Equal(t, "[Kế hoạch cuối cùng]\n\nkế hoạch", msg.Content)

	msg = nodeMessage(domain.NodeReviewAndRefine, domain.NodeValidateProposal, s)
	assert.Equal(t, domain.RoleAgentB, msg.Role)
	assert.True(t, strings.HasPrefix(msg.Content, "[Agent B - Xem xét]"))
}

func TestExecuteOneTurn_NodeFailureLeavesStateUnchanged(t *testing.T) {
	repo := newMemRepo()
	nodes := stubNodes()
	nodes.Analyze = func(_ context.Context, s domain.PlanningState) (domain.PlanningState, error) {
		return s, errors.New("retrieval exploded")
	}
	_, p, id := newPlanning(t, repo, "Add auth", nodes)

	turn, err := p.ExecuteOneTurn(context.Background(), id, nil)
	require.NoError(t, err)
	assert.True(t, turn.Failed)
	assert.False(t, turn.Persisted)
	assert.Equal(t, domain.SignalHandover, turn.Message.Signal)
	assert.Contains(t, turn.Message.Content, "retrieval exploded")
	assert.Len(t, repo.log(id), 1)

	state, err := p.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAnalyzeCodebase, state.CurrentNode)
}

func TestExecuteOneTurn_MissingState(t *testing.T) {
	repo := newMemRepo()
	svc := NewConversationService(repo, zap.NewNop())
	conv, err := svc.StartSession(context.Background(), StartOptions{Mode: domain.ModeDebate, Topic: "x"})
	require.NoError(t, err)
	p := NewPlanner(svc, stubNodes(), zap.NewNop())

	_, err = p.ExecuteOneTurn(context.Background(), conv.Session.ID, nil)
	assert.True(t, IsMissingState(err))
}

func TestExecuteOneTurn_UnknownNodeCompletes(t *testing.T) {
	repo := newMemRepo()
	svc, p, id := newPlanning(t, repo, "Add auth", stubNodes())
	moveTo(t, svc, id, domain.Node(42))

	turn, err := p.ExecuteOneTurn(context.Background(), id, nil)
	require.NoError(t, err)
	assert.Equal(t, CompletedAck, turn.Message.Content)

	state, err := p.State(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeCompleted, state.CurrentNode)
}

func TestSummarize_TruncatesAndLimitsFiles(t *testing.T) {
	s := domain.NewPlanningState("s1", "Add auth", "")
	s.AgentAAnalysis = strings.Repeat("x", 800)
	for i := 0; i < 12; i++ {
		s.AddFiles("pkg/f" + string(rune('a'+i)) + ".go")
	}
	out := Summarize(s)
	assert.Contains(t, out, "### Proposal (Agent A):\nNot completed")
	assert.Contains(t, out, "- ... and 2 more")
	assert.NotContains(t, out, strings.Repeat("x", 501))
}
