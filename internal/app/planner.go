package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/metrics"
)

const (
	// CompletedAck is returned for turns on a finished English plan.
	CompletedAck = "✅ Planning completed. You can start implementation or request modifications."

	summaryFieldLimit = 500
	summaryFileLimit  = 10
)

// NodeFunc does the work of one planning node and returns the updated state.
// It must not change CurrentNode.
type NodeFunc func(ctx context.Context, state domain.PlanningState) (domain.PlanningState, error)

// NodeSet binds a NodeFunc to every executable node.
type NodeSet struct {
	Analyze  NodeFunc
	Propose  NodeFunc
	Review   NodeFunc
	Validate NodeFunc
	Finalize NodeFunc
}

// HumanInput is a human message driving a planning turn, already classified
// by the caller.
type HumanInput struct {
	Message domain.Message
	Intent  Intent
}

// Turn is the outcome of ExecuteOneTurn.
type Turn struct {
	State     domain.PlanningState
	Message   *domain.Message
	Persisted bool        // Message and State were written
	Failed    bool        // a node failed; Message is an unpersisted error acknowledgment
	Ran       domain.Node // node executed, NodeUnknown if none
}

// Planner is the planning state machine.
type Planner struct {
	svc         *ConversationService
	nodes       NodeSet
	nodeTimeout time.Duration
	metrics     *metrics.Collector
	logger      *zap.Logger
	tracer      trace.Tracer
}

// PlannerOption configures the planner.
type PlannerOption func(*Planner)

// WithPlannerMetrics attaches a metrics collector.
func WithPlannerMetrics(m *metrics.Collector) PlannerOption {
	return func(p *Planner) { p.metrics = m }
}

// WithNodeTimeout bounds each node execution. Zero means no bound.
func WithNodeTimeout(d time.Duration) PlannerOption {
	return func(p *Planner) { p.nodeTimeout = d }
}

// NewPlanner creates a planner executing nodes.
func NewPlanner(svc *ConversationService, nodes NodeSet, logger *zap.Logger, opts ...PlannerOption) *Planner {
	p := &Planner{
		svc:    svc,
		nodes:  nodes,
		logger: logger.With(zap.String("component", "planner")),
		tracer: otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Initialize creates the planning state at the first node, replacing any
// previous state for the session.
func (p *Planner) Initialize(ctx context.Context, sessionID, request string, lang domain.Language) (domain.PlanningState, error) {
	state := domain.NewPlanningState(sessionID, request, lang)
	err := p.svc.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		conv.SetPlanning(state)
		state = *conv.Planning
		return nil
	})
	if err != nil {
		return domain.PlanningState{}, err
	}
	return state, nil
}

// State returns the persisted planning state.
func (p *Planner) State(ctx context.Context, sessionID string) (domain.PlanningState, error) {
	var state domain.PlanningState
	err := p.svc.Query(ctx, sessionID, func(conv *domain.Conversation) error {
		if conv.Planning == nil {
			return domain.ErrMissingState
		}
		state = conv.Planning.Clone()
		return nil
	})
	return state, err
}

// ExecuteOneTurn runs one step. A human input is handled as an interrupt
// instead of running a node. A finished plan yields the completed
// acknowledgment without touching state. Node failures leave state unchanged
// and yield an unpersisted HANDOVER acknowledgment with Failed set.
// The caller must hold the session lock.
func (p *Planner) ExecuteOneTurn(ctx context.Context, sessionID string, human *HumanInput) (Turn, error) {
	ctx, span := p.tracer.Start(ctx, "planner.turn", trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	turn := Turn{Ran: domain.NodeUnknown}
	var conv *domain.Conversation
	err := p.svc.Run(ctx, sessionID, func(cv *domain.Conversation) error {
		conv = cv
		if cv.Planning == nil {
			return domain.ErrMissingState
		}
		state := cv.Planning.Clone()

		if !state.CurrentNode.Valid() {
			p.logger.Warn("unknown planning node, treating as completed",
				zap.String("session_id", sessionID),
				zap.String("node", state.CurrentNode.String()))
			state.CurrentNode = domain.NodeCompleted
			cv.SetPlanning(state)
		}

		if human != nil && human.Message.Role == domain.RoleHuman {
			return p.interrupt(cv, state, *human, &turn)
		}

		if state.CurrentNode == domain.NodeCompleted {
			turn.State = state
			turn.Message = &domain.Message{
				SessionID: sessionID,
				Role:      domain.RoleAgentA,
				Content:   textFor(state.Language).completed,
				Signal:    domain.SignalHandover,
				Timestamp: time.Now().UTC(),
			}
			return nil
		}

		return p.runNode(ctx, cv, state, &turn)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Turn{}, err
	}
	if turn.Persisted && conv.Last != nil {
		saved := *conv.Last
		turn.Message = &saved
		turn.State = conv.Planning.Clone()
	}
	if turn.Failed {
		span.SetStatus(codes.Error, "node failed")
	}
	return turn, nil
}

func (p *Planner) runNode(ctx context.Context, conv *domain.Conversation, state domain.PlanningState, turn *Turn) error {
	node := state.CurrentNode
	fn, err := p.nodeFunc(node)
	if err != nil {
		return err
	}

	nctx := ctx
	if p.nodeTimeout > 0 {
		var cancel context.CancelFunc
		nctx, cancel = context.WithTimeout(ctx, p.nodeTimeout)
		defer cancel()
	}
	start := time.Now()
	updated, err := fn(nctx, state.Clone())
	if err != nil {
		p.metrics.RecordTurn(string(domain.ModePlanning), node.String(), "node_failure", time.Since(start))
		p.logger.Warn("planning node failed",
			zap.String("session_id", state.SessionID),
			zap.String("node", node.String()),
			zap.Error(err))
		turn.State = state
		turn.Failed = true
		turn.Ran = node
		turn.Message = &domain.Message{
			SessionID: state.SessionID,
			Role:      domain.RoleAgentA,
			Content:   fmt.Sprintf(textFor(state.Language).nodeError, node, err),
			Signal:    domain.SignalHandover,
			Timestamp: time.Now().UTC(),
		}
		return nil
	}

	next, err := domain.Transition(node, domain.Advance())
	if err != nil {
		p.logger.Warn("advance from unknown node", zap.String("node", node.String()), zap.Error(err))
	}
	updated.SessionID = state.SessionID
	updated.CurrentNode = next
	conv.SetPlanning(updated)
	conv.Append(nodeMessage(node, next, updated))

	p.metrics.RecordTurn(string(domain.ModePlanning), node.String(), "ok", time.Since(start))
	p.metrics.RecordTransition(node.String(), next.String(), domain.EventAdvance.String())
	p.logger.Info("planning node completed",
		zap.String("session_id", state.SessionID),
		zap.String("node", node.String()),
		zap.String("next", next.String()),
		zap.Duration("duration", time.Since(start)))

	turn.Persisted = true
	turn.Ran = node
	return nil
}

// nodeFunc is the exhaustive dispatch over executable nodes.
func (p *Planner) nodeFunc(n domain.Node) (NodeFunc, error) {
	var fn NodeFunc
	switch n {
	case domain.NodeAnalyzeCodebase:
		fn = p.nodes.Analyze
	case domain.NodeProposeChanges:
		fn = p.nodes.Propose
	case domain.NodeReviewAndRefine:
		fn = p.nodes.Review
	case domain.NodeValidateProposal:
		fn = p.nodes.Validate
	case domain.NodeFinalizePlan:
		fn = p.nodes.Finalize
	case domain.NodeCompleted, domain.NodeUnknown:
		return nil, fmt.Errorf("%w: %s is not executable", domain.ErrIllegalTransition, n)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownNode, n)
	}
	if fn == nil {
		return nil, fmt.Errorf("no function bound to node %s", n)
	}
	return fn, nil
}

// interrupt applies a human message: stop, then modification, then feedback.
func (p *Planner) interrupt(conv *domain.Conversation, state domain.PlanningState, in HumanInput, turn *Turn) error {
	from := state.CurrentNode
	text := textFor(state.Language)
	var ack domain.Message

	switch in.Intent.Kind {
	case IntentStop:
		summary := Summarize(state)
		state.CurrentNode = domain.NodeCompleted
		state.FinalPlan = summary
		ack = domain.Message{Role: domain.RoleAgentA, Content: summary, Signal: domain.SignalHandover}
		if from != domain.NodeCompleted {
			p.metrics.RecordTransition(from.String(), domain.NodeCompleted.String(), "stop")
		}

	case IntentModify:
		target := domain.StepBack(from)
		if in.Intent.HasStage && in.Intent.Stage <= from && in.Intent.Stage.Rewindable() {
			target = in.Intent.Stage
		}
		next, err := domain.Transition(from, domain.RewindTo(target))
		if err != nil {
			return err
		}
		state.CurrentNode = next
		state.ClearStage(next)
		state.Amend("Modification", in.Message.Content)
		ack = domain.Message{
			Role:    domain.RoleAgentA,
			Content: fmt.Sprintf(text.rewound, from, next),
			Signal:  domain.SignalContinue,
		}
		p.metrics.RecordTransition(from.String(), next.String(), domain.EventRewind.String())

	default:
		state.Amend("Feedback", in.Message.Content)
		content := fmt.Sprintf(text.continuing, from)
		if from == domain.NodeCompleted {
			next, err := domain.Transition(from, domain.ResetToFirst())
			if err != nil {
				return err
			}
			state.CurrentNode = next
			content = fmt.Sprintf(text.restarted, next)
			p.metrics.RecordTransition(from.String(), next.String(), domain.EventReset.String())
		}
		ack = domain.Message{Role: domain.RoleAgentA, Content: content, Signal: domain.SignalContinue}
	}

	p.metrics.RecordInterrupt(in.Intent.Kind.String())
	p.logger.Info("human interrupt handled",
		zap.String("session_id", state.SessionID),
		zap.String("kind", in.Intent.Kind.String()),
		zap.String("from", from.String()),
		zap.String("to", state.CurrentNode.String()))

	conv.SetPlanning(state)
	conv.Append(ack)
	turn.Persisted = true
	return nil
}

// Summarize builds the stop summary from the accumulated derived fields, in
// the plan's language.
func Summarize(s domain.PlanningState) string {
	text := textFor(s.Language)
	var b strings.Builder
	b.WriteString(text.summaryHead + "\n\n")
	fmt.Fprintf(&b, "%s\n%s\n\n", text.request, orDefault(s.Request, text.none))
	fmt.Fprintf(&b, "%s\n%s\n\n", text.analysis, Truncate(orDefault(s.AgentAAnalysis, text.notDone), summaryFieldLimit))
	fmt.Fprintf(&b, "%s\n%s\n\n", text.proposal, Truncate(orDefault(s.AgentAProposal, text.notDone), summaryFieldLimit))
	fmt.Fprintf(&b, "%s\n%s\n\n", text.review, Truncate(orDefault(s.AgentBReview, text.notDone), summaryFieldLimit))
	b.WriteString(text.files + "\n")
	if len(s.IdentifiedFiles) == 0 {
		b.WriteString(text.noFiles + "\n")
	}
	for i, f := range s.IdentifiedFiles {
		if i == summaryFileLimit {
			fmt.Fprintf(&b, text.moreFiles+"\n", len(s.IdentifiedFiles)-summaryFileLimit)
			break
		}
		fmt.Fprintf(&b, "- %s\n", f)
	}
	b.WriteString("\n---\n" + text.stopped)
	return b.String()
}

// nodeMessage is the message emitted after node ran and the plan moved to next.
func nodeMessage(node, next domain.Node, s domain.PlanningState) domain.Message {
	text := textFor(s.Language)
	role := domain.RoleAgentA
	var prefix, content string
	switch node {
	case domain.NodeAnalyzeCodebase:
		prefix, content = text.analysisPrefix, s.AgentAAnalysis
	case domain.NodeProposeChanges:
		prefix, content = text.proposalPrefix, s.AgentAProposal
	case domain.NodeReviewAndRefine:
		role = domain.RoleAgentB
		prefix, content = text.reviewPrefix, s.AgentBReview
	case domain.NodeValidateProposal:
		prefix = text.validationPrefix
		if s.ValidationPassed {
			content = text.validated
		} else {
			content = text.needsAdjustment + bulletList(s.ValidationIssues)
		}
	default:
		prefix, content = text.finalPrefix, s.FinalPlan
	}
	return domain.Message{
		Role:    role,
		Content: prefix + "\n\n" + content,
		Signal:  domain.SignalFor(next),
	}
}

// IsMissingState reports whether err means the session has no planning state.
func IsMissingState(err error) bool {
	return errors.Is(err, domain.ErrMissingState)
}
