package app

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/jaakkos/duet/internal/domain"
)

func newDebate(t *testing.T, repo *memRepo, topic string) (*ConversationService, domain.Session) {
	t.Helper()
	svc := NewConversationService(repo, zap.NewNop())
	conv, err := svc.StartSession(context.Background(), StartOptions{Mode: domain.ModeDebate, Topic: topic})
	require.NoError(t, err)
	return svc, conv.Session
}

func TestNextActor(t *testing.T) {
	tests := []struct {
		name string
		last domain.Message
		want domain.Role
	}{
		{"human defaults to agent a", domain.Message{Role: domain.RoleHuman, Content: "Discuss caching"}, domain.RoleAgentA},
		{"agent a hands to agent b", domain.Message{Role: domain.RoleAgentA}, domain.RoleAgentB},
		{"agent b hands to agent a", domain.Message{Role: domain.RoleAgentB}, domain.RoleAgentA},
		{"mention of b", domain.Message{Role: domain.RoleHuman, Content: "Agent B, what do you think?"}, domain.RoleAgentB},
		{"at mention", domain.Message{Role: domain.RoleHuman, Content: "@b please respond"}, domain.RoleAgentB},
		{"both mentioned", domain.Message{Role: domain.RoleHuman, Content: "Agent A and Agent B, compare notes"}, domain.RoleAgentA},
		{"no false positive inside words", domain.Message{Role: domain.RoleHuman, Content: "load data, then verb: go"}, domain.RoleAgentA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextActor(tt.last))
		})
	}
}

// Property: responders strictly alternate no matter what they say.
func TestNextActor_Alternates(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		role := rapid.SampledFrom([]domain.Role{domain.RoleAgentA, domain.RoleAgentB}).Draw(rt, "role")
		content := rapid.String().Draw(rt, "content")
		got := NextActor(domain.Message{Role: role, Content: content})
		if got == role || !got.IsResponder() {
			rt.Fatalf("%s followed by %s", role, got)
		}
	})
}

func TestProcessTurn_PersistsReply(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: echo(domain.RoleAgentA, "Use Redis.", domain.SignalContinue),
		domain.RoleAgentB: echo(domain.RoleAgentB, "Agree.", domain.SignalHandover),
	}, StaticPolicy{Timeout: time.Second}, zap.NewNop())

	opener := repo.log(session.ID)[0]
	reply, err := coord.ProcessTurn(context.Background(), session, opener)
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, domain.RoleAgentA, reply.Role)
	assert.Equal(t, domain.SignalContinue, reply.Signal)
	assert.NotZero(t, reply.ID)

	reply, err = coord.ProcessTurn(context.Background(), session, *reply)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAgentB, reply.Role)
	assert.Equal(t, domain.SignalHandover, reply.Signal)

	msgs := repo.log(session.ID)
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].Timestamp.Before(msgs[i-1].Timestamp))
	}

	reply, err = coord.ProcessTurn(context.Background(), session, msgs[2])
	require.NoError(t, err)
	assert.Nil(t, reply, "no turn after HANDOVER")
	assert.Len(t, repo.log(session.ID), 3)
}

func TestProcessTurn_ResponderFailurePersistsNothing(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	boom := errors.New("model unavailable")
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: ResponderFunc(func(context.Context, domain.Message) (domain.Message, error) {
			return domain.Message{}, boom
		}),
	}, StaticPolicy{Timeout: time.Second}, zap.NewNop())

	reply, err := coord.ProcessTurn(context.Background(), session, repo.log(session.ID)[0])
	assert.Nil(t, reply)
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ResponderFailure, te.Kind)
	assert.ErrorIs(t, err, boom)
	assert.Len(t, repo.log(session.ID), 1)
	assert.Equal(t, domain.StatusActive, repo.status(session.ID))
}

func TestProcessTurn_RoleMismatch(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: echo(domain.RoleAgentB, "impostor", domain.SignalContinue),
	}, StaticPolicy{Timeout: time.Second}, zap.NewNop())

	_, err := coord.ProcessTurn(context.Background(), session, repo.log(session.ID)[0])
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, RoleMismatch, te.Kind)
	assert.Len(t, repo.log(session.ID), 1)
}

func TestProcessTurn_TimeoutDiscardsLateReply(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	release := make(chan struct{})
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: ResponderFunc(func(context.Context, domain.Message) (domain.Message, error) {
			<-release
			return domain.Message{Role: domain.RoleAgentA, Content: "late", Signal: domain.SignalContinue}, nil
		}),
	}, StaticPolicy{Timeout: 20 * time.Millisecond}, zap.NewNop())

	_, err := coord.ProcessTurn(context.Background(), session, repo.log(session.ID)[0])
	close(release)
	var te *TurnError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ResponderFailure, te.Kind)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, repo.log(session.ID), 1)
}

func TestProcessTurn_ResponderStopDowngraded(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: echo(domain.RoleAgentA, "done", domain.SignalStop),
	}, StaticPolicy{}, zap.NewNop())

	reply, err := coord.ProcessTurn(context.Background(), session, repo.log(session.ID)[0])
	require.NoError(t, err)
	assert.Equal(t, domain.SignalHandover, reply.Signal)
}

func TestInject(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: echo(domain.RoleAgentA, "A here", domain.SignalContinue),
		domain.RoleAgentB: echo(domain.RoleAgentB, "B here", domain.SignalContinue),
	}, StaticPolicy{Auto: true}, zap.NewNop())
	ctx := context.Background()

	human, reply, err := coord.Inject(ctx, session.ID, "Agent B, your view?", domain.SignalContinue)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleHuman, human.Role)
	require.NotNil(t, reply)
	assert.Equal(t, domain.RoleAgentB, reply.Role)

	_, reply, err = coord.Inject(ctx, session.ID, "That's enough", domain.SignalStop)
	require.NoError(t, err)
	assert.Nil(t, reply)
	assert.Equal(t, domain.StatusCompleted, repo.status(session.ID))

	_, _, err = coord.Inject(ctx, session.ID, "hello?", domain.SignalContinue)
	assert.ErrorIs(t, err, domain.ErrSessionClosed)

	_, _, err = coord.Inject(ctx, session.ID, "x", "pause")
	assert.ErrorIs(t, err, domain.ErrInvalidSignal)
}

func TestInject_WaitsForTurnInFlight(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: echo(domain.RoleAgentA, "A here", domain.SignalContinue),
		domain.RoleAgentB: echo(domain.RoleAgentB, "B here", domain.SignalContinue),
	}, StaticPolicy{Auto: true}, zap.NewNop())
	ctx := context.Background()

	// A turn answering the opener is in flight.
	unlock := svc.Locks().Lock(session.ID)
	type result struct {
		reply *domain.Message
		err   error
	}
	done := make(chan result, 1)
	go func() {
		_, reply, err := coord.Inject(ctx, session.ID, "Any other options?", domain.SignalContinue)
		done <- result{reply, err}
	}()

	select {
	case <-done:
		t.Fatal("inject returned while another turn held the session")
	case <-time.After(50 * time.Millisecond):
	}
	require.Len(t, repo.log(session.ID), 1, "human message stored before the turn in flight finished")

	_, err := coord.ProcessTurn(ctx, session, repo.log(session.ID)[0])
	require.NoError(t, err)
	unlock()

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("inject did not finish")
	}
	require.NoError(t, res.err)
	require.NotNil(t, res.reply)

	var roles []domain.Role
	for _, m := range repo.log(session.ID) {
		roles = append(roles, m.Role)
	}
	assert.Equal(t, []domain.Role{domain.RoleHuman, domain.RoleAgentA, domain.RoleHuman, domain.RoleAgentA}, roles)
}

func TestNeedsFollowUp(t *testing.T) {
	human := func(sig domain.Signal) *domain.Message {
		return &domain.Message{Role: domain.RoleHuman, Content: "x", Signal: sig}
	}
	reply := func(sig domain.Signal) *domain.Message {
		return &domain.Message{Role: domain.RoleAgentA, Content: "y", Signal: sig}
	}
	tests := []struct {
		name  string
		auto  bool
		human *domain.Message
		reply *domain.Message
		want  bool
	}{
		{"nothing stored", true, nil, nil, false},
		{"unanswered continue", false, human(domain.SignalContinue), nil, true},
		{"handover waits", false, human(domain.SignalHandover), nil, false},
		{"stop ends", true, human(domain.SignalStop), nil, false},
		{"autonomous reply keeps going", true, human(domain.SignalContinue), reply(domain.SignalContinue), true},
		{"autonomous reply hands over", true, human(domain.SignalContinue), reply(domain.SignalHandover), false},
		{"manual reply waits", false, human(domain.SignalContinue), reply(domain.SignalContinue), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coord := NewCoordinator(NewConversationService(newMemRepo(), zap.NewNop()), nil, StaticPolicy{Auto: tt.auto}, zap.NewNop())
			assert.Equal(t, tt.want, coord.NeedsFollowUp(tt.human, tt.reply))
		})
	}
}

func TestRunAutonomous_StopsAtHandover(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	var turns atomic.Int32
	responder := func(role domain.Role) Responder {
		return ResponderFunc(func(context.Context, domain.Message) (domain.Message, error) {
			sig := domain.SignalContinue
			if turns.Add(1) == 4 {
				sig = domain.SignalHandover
			}
			return domain.Message{Role: role, Content: "turn", Signal: sig}, nil
		})
	}
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: responder(domain.RoleAgentA),
		domain.RoleAgentB: responder(domain.RoleAgentB),
	}, StaticPolicy{Delay: time.Millisecond}, zap.NewNop())

	require.NoError(t, coord.RunAutonomous(context.Background(), session.ID))

	msgs := repo.log(session.ID)
	require.Len(t, msgs, 5)
	wantRoles := []domain.Role{domain.RoleHuman, domain.RoleAgentA, domain.RoleAgentB, domain.RoleAgentA, domain.RoleAgentB}
	for i, m := range msgs {
		assert.Equal(t, wantRoles[i], m.Role, "message %d", i)
	}
	assert.Equal(t, domain.StatusActive, repo.status(session.ID))
}

func TestRunAutonomous_PausedSessionDoesNothing(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	require.NoError(t, svc.Pause(context.Background(), session.ID))
	coord := NewCoordinator(svc, Responders{
		domain.RoleAgentA: echo(domain.RoleAgentA, "hi", domain.SignalContinue),
	}, StaticPolicy{}, zap.NewNop())

	require.NoError(t, coord.RunAutonomous(context.Background(), session.ID))
	assert.Len(t, repo.log(session.ID), 1)
}

func TestRunAutonomous_CompletesOnHumanStop(t *testing.T) {
	repo := newMemRepo()
	svc, session := newDebate(t, repo, "Discuss caching")
	coord := NewCoordinator(svc, Responders{}, StaticPolicy{}, zap.NewNop())
	require.NoError(t, svc.Run(context.Background(), session.ID, func(conv *domain.Conversation) error {
		conv.Append(domain.Message{Role: domain.RoleHuman, Content: "stop here", Signal: domain.SignalStop})
		return nil
	}))

	require.NoError(t, coord.RunAutonomous(context.Background(), session.ID))
	assert.Equal(t, domain.StatusCompleted, repo.status(session.ID))
}
