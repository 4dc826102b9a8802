package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/metrics"
)

const tracerName = "github.com/jaakkos/duet/internal/app"

// TurnErrorKind classifies an abandoned turn.
type TurnErrorKind string

const (
	ResponderFailure TurnErrorKind = "responder_failure"
	RoleMismatch     TurnErrorKind = "role_mismatch"
)

// TurnError reports a turn that was abandoned without persisting anything.
type TurnError struct {
	Kind      TurnErrorKind
	SessionID string
	Actor     domain.Role
	Err       error
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("%s: session %s, %s: %v", e.Kind, e.SessionID, e.Actor, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// NextActor decides who speaks after last. A human message addressed to
// exactly one responder goes to that responder; any other human message goes
// to AgentA. Responders strictly alternate.
func NextActor(last domain.Message) domain.Role {
	if last.Role.IsResponder() {
		return last.Role.Other()
	}
	if mentioned := MentionedResponders(last.Content); len(mentioned) == 1 {
		return mentioned[0]
	}
	return domain.RoleAgentA
}

// Coordinator runs debate-mode turns: one responder call, validated and
// persisted, per ProcessTurn.
type Coordinator struct {
	svc        *ConversationService
	responders Responders
	policy     Policy
	metrics    *metrics.Collector
	logger     *zap.Logger
	tracer     trace.Tracer
}

// CoordinatorOption configures the coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorMetrics attaches a metrics collector.
func WithCoordinatorMetrics(m *metrics.Collector) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a coordinator over an explicit responder registry.
func NewCoordinator(svc *ConversationService, responders Responders, policy Policy, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		svc:        svc,
		responders: responders,
		policy:     policy,
		logger:     logger.With(zap.String("component", "coordinator")),
		tracer:     otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ProcessTurn produces the reply to last. It returns (nil, nil) when last
// carries STOP or HANDOVER. On responder failure, timeout or role mismatch
// nothing is persisted and a *TurnError is returned. The caller must hold the
// session lock.
func (c *Coordinator) ProcessTurn(ctx context.Context, session domain.Session, last domain.Message) (*domain.Message, error) {
	if last.Signal.Terminal() {
		return nil, nil
	}
	actor := NextActor(last)

	ctx, span := c.tracer.Start(ctx, "coordinator.turn", trace.WithAttributes(
		attribute.String("session_id", session.ID),
		attribute.String("actor", string(actor)),
	))
	defer span.End()

	start := time.Now()
	reply, err := c.invoke(ctx, actor, last)
	if err != nil {
		kind := ResponderFailure
		var te *TurnError
		if errors.As(err, &te) {
			kind = te.Kind
		}
		c.metrics.RecordTurn(string(session.Mode), string(actor), string(kind), time.Since(start))
		span.SetStatus(codes.Error, err.Error())
		c.logger.Warn("turn abandoned",
			zap.String("session_id", session.ID),
			zap.String("actor", string(actor)),
			zap.Error(err))
		if te != nil {
			return nil, te
		}
		return nil, &TurnError{Kind: kind, SessionID: session.ID, Actor: actor, Err: err}
	}

	reply.Signal = c.responderSignal(session.ID, actor, reply.Signal)
	var conv *domain.Conversation
	if err := c.svc.Run(ctx, session.ID, func(cv *domain.Conversation) error {
		cv.Append(reply)
		conv = cv
		return nil
	}); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("persist turn: %w", err)
	}
	saved := *conv.Last

	c.metrics.RecordTurn(string(session.Mode), string(actor), "ok", time.Since(start))
	c.logger.Info("turn completed",
		zap.String("session_id", session.ID),
		zap.String("actor", string(actor)),
		zap.String("signal", string(saved.Signal)),
		zap.Duration("duration", time.Since(start)))
	return &saved, nil
}

// invoke calls the responder for actor, bounded by the turn timeout. A late
// reply after the timeout is discarded.
func (c *Coordinator) invoke(ctx context.Context, actor domain.Role, last domain.Message) (domain.Message, error) {
	r, ok := c.responders[actor]
	if !ok || r == nil {
		return domain.Message{}, fmt.Errorf("no responder registered for %s", actor)
	}

	type result struct {
		msg domain.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := r.Respond(ctx, last)
		done <- result{msg, err}
	}()

	var timeout <-chan time.Time
	if d := c.policy.TurnTimeout(); d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case res := <-done:
		if res.err != nil {
			return domain.Message{}, res.err
		}
		if res.msg.Role != actor {
			return domain.Message{}, &TurnError{
				Kind:      RoleMismatch,
				SessionID: last.SessionID,
				Actor:     actor,
				Err:       fmt.Errorf("expected %s, got %s", actor, res.msg.Role),
			}
		}
		return res.msg, nil
	case <-timeout:
		return domain.Message{}, fmt.Errorf("timed out after %s", c.policy.TurnTimeout())
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}

// responderSignal enforces that responders can only CONTINUE or HANDOVER.
func (c *Coordinator) responderSignal(sessionID string, actor domain.Role, s domain.Signal) domain.Signal {
	switch s {
	case domain.SignalContinue, domain.SignalHandover:
		return s
	case "":
		return domain.SignalContinue
	}
	c.logger.Warn("responder signal downgraded to handover",
		zap.String("session_id", sessionID),
		zap.String("actor", string(actor)),
		zap.String("signal", string(s)))
	return domain.SignalHandover
}

// Inject appends a human message. A STOP completes the session. When the
// signal is CONTINUE and the engine is autonomous, a debate session's next
// turn runs immediately and its reply is returned.
//
// The session lock is held from the append through the inline turn, so a
// turn already in flight finishes before the human message lands and the
// inline turn always answers the message it just stored.
func (c *Coordinator) Inject(ctx context.Context, sessionID, content string, signal domain.Signal) (*domain.Message, *domain.Message, error) {
	if content == "" {
		return nil, nil, errors.New("content is required")
	}
	if signal == "" {
		signal = domain.SignalContinue
	}
	if !signal.Valid() {
		return nil, nil, fmt.Errorf("%w: %q", domain.ErrInvalidSignal, signal)
	}

	unlock := c.svc.Locks().Lock(sessionID)
	defer unlock()

	var human domain.Message
	var session domain.Session
	err := c.svc.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Session.Status == domain.StatusCompleted {
			return domain.ErrSessionClosed
		}
		human = conv.Append(domain.Message{Role: domain.RoleHuman, Content: content, Signal: signal})
		if signal == domain.SignalStop {
			conv.SetStatus(domain.StatusCompleted)
		}
		session = conv.Session
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	c.logger.Info("human message injected",
		zap.String("session_id", sessionID),
		zap.String("signal", string(signal)))

	if signal != domain.SignalContinue || !c.policy.Autonomous() || session.Mode != domain.ModeDebate || session.Status != domain.StatusActive {
		return &human, nil, nil
	}
	reply, err := c.ProcessTurn(ctx, session, human)
	return &human, reply, err
}

// NeedsFollowUp reports whether another turn should be scheduled after
// Inject returned human and reply: a CONTINUE human nobody answered yet, or
// an autonomous inline reply that kept the floor.
func (c *Coordinator) NeedsFollowUp(human, reply *domain.Message) bool {
	switch {
	case human == nil:
		return false
	case reply == nil:
		return human.Signal == domain.SignalContinue
	default:
		return reply.Signal == domain.SignalContinue && c.policy.Autonomous()
	}
}

// RunAutonomous drives a debate session turn after turn, sleeping the
// configured delay between turns, until a turn yields STOP or HANDOVER, the
// session leaves the active state, a turn fails, or ctx ends. The session
// lock is held per turn, not across the delay.
func (c *Coordinator) RunAutonomous(ctx context.Context, sessionID string) error {
	for {
		unlock := c.svc.Locks().Lock(sessionID)
		var conv *domain.Conversation
		err := c.svc.Query(ctx, sessionID, func(cv *domain.Conversation) error {
			conv = cv
			return nil
		})
		if err != nil {
			unlock()
			return err
		}
		if conv.Session.Status != domain.StatusActive || conv.Last == nil {
			unlock()
			c.logger.Info("autonomous run stopped",
				zap.String("session_id", sessionID),
				zap.String("status", string(conv.Session.Status)))
			return nil
		}
		reply, err := c.ProcessTurn(ctx, conv.Session, *conv.Last)
		unlock()
		if err != nil {
			return err
		}
		if reply == nil {
			return c.completeOnStop(ctx, sessionID)
		}
		if reply.Signal != domain.SignalContinue {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.policy.TurnDelay()):
		}
	}
}

func (c *Coordinator) completeOnStop(ctx context.Context, sessionID string) error {
	return c.svc.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Last != nil && conv.Last.Signal == domain.SignalStop {
			conv.SetStatus(domain.StatusCompleted)
		}
		return nil
	})
}
