package app

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/metrics"
)

const (
	defaultIngestWorkers = 2
	defaultMaxAutoSteps  = 10
)

// Trigger outcomes, used as the metrics label and in logs.
const (
	OutcomeHandled        = "handled"
	OutcomeSkippedPaused  = "skipped_paused"
	OutcomeSkippedClosed  = "skipped_completed"
	OutcomeAlreadyStarted = "already_started"
	OutcomeUnknownSession = "unknown_session"
	OutcomeMissingState   = "missing_state"
	OutcomeNoTurn         = "no_turn"
	OutcomeFailed         = "failed"
)

// Ingestor consumes start/advance triggers and drives sessions one step (or,
// for planning, one auto-looped run of steps) per trigger. It is the only
// place that retries: a stalled session is advanced again by a later trigger.
type Ingestor struct {
	svc        *ConversationService
	queue      TriggerQueue
	coord      *Coordinator
	planner    *Planner
	classifier Classifier
	policy     Policy
	workers    int
	limiter    *rate.Limiter
	metrics    *metrics.Collector
	logger     *zap.Logger
	tracer     trace.Tracer
}

// IngestorOption configures the ingestor.
type IngestorOption func(*Ingestor)

// WithIngestWorkers sets the number of concurrent consumers.
func WithIngestWorkers(n int) IngestorOption {
	return func(i *Ingestor) {
		if n > 0 {
			i.workers = n
		}
	}
}

// WithIngestRate limits trigger handling to perSecond with the given burst.
// A non-positive rate disables limiting.
func WithIngestRate(perSecond float64, burst int) IngestorOption {
	return func(i *Ingestor) {
		if perSecond <= 0 {
			i.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		i.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithClassifier replaces the default keyword classifier.
func WithClassifier(c Classifier) IngestorOption {
	return func(i *Ingestor) { i.classifier = c }
}

// WithIngestorMetrics attaches a metrics collector.
func WithIngestorMetrics(m *metrics.Collector) IngestorOption {
	return func(i *Ingestor) { i.metrics = m }
}

// NewIngestor wires the trigger loop. planner may be nil when only debate
// sessions are served.
func NewIngestor(svc *ConversationService, queue TriggerQueue, coord *Coordinator, planner *Planner, policy Policy, logger *zap.Logger, opts ...IngestorOption) *Ingestor {
	i := &Ingestor{
		svc:        svc,
		queue:      queue,
		coord:      coord,
		planner:    planner,
		classifier: KeywordClassifier{},
		policy:     policy,
		workers:    defaultIngestWorkers,
		logger:     logger.With(zap.String("component", "ingestor")),
		tracer:     otel.Tracer(tracerName),
	}
	for _, o := range opts {
		o(i)
	}
	return i
}

// Run consumes triggers until ctx is cancelled or the queue is closed.
func (i *Ingestor) Run(ctx context.Context) error {
	i.logger.Info("ingestor started", zap.Int("workers", i.workers))
	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < i.workers; w++ {
		worker := w
		g.Go(func() error { return i.consume(gctx, worker) })
	}
	err := g.Wait()
	i.logger.Info("ingestor stopped")
	return err
}

func (i *Ingestor) consume(ctx context.Context, worker int) error {
	for {
		if i.limiter != nil {
			if err := i.limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		d, err := i.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, ErrQueueClosed) || ctx.Err() != nil {
				return nil
			}
			i.logger.Error("dequeue failed", zap.Int("worker", worker), zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		t := d.Trigger()
		outcome := i.Handle(ctx, t)
		var waited time.Duration
		if !t.EnqueuedAt.IsZero() {
			waited = time.Since(t.EnqueuedAt)
		}
		i.metrics.RecordTrigger(string(t.Kind), outcome, waited)
		if err := d.Ack(ctx); err != nil {
			i.logger.Error("trigger ack failed",
				zap.String("trigger", t.Key()),
				zap.Error(err))
		}
	}
}

// Handle processes a single trigger while holding the session lock and
// returns its outcome. Failures are logged, never returned: one session's
// failure must not stop the loop.
func (i *Ingestor) Handle(ctx context.Context, t domain.Trigger) string {
	ctx, span := i.tracer.Start(ctx, "ingestor.trigger", trace.WithAttributes(
		attribute.String("session_id", t.SessionID),
		attribute.String("kind", string(t.Kind)),
	))
	defer span.End()

	unlock := i.svc.Locks().Lock(t.SessionID)
	outcome, reschedule := i.handleLocked(ctx, t)
	unlock()

	span.SetAttributes(attribute.String("outcome", outcome))
	if outcome == OutcomeFailed {
		span.SetStatus(codes.Error, outcome)
	}
	i.logger.Debug("trigger handled",
		zap.String("session_id", t.SessionID),
		zap.String("kind", string(t.Kind)),
		zap.String("outcome", outcome))

	if reschedule {
		i.scheduleAdvance(ctx, t.SessionID)
	}
	return outcome
}

func (i *Ingestor) handleLocked(ctx context.Context, t domain.Trigger) (string, bool) {
	var conv *domain.Conversation
	err := i.svc.Query(ctx, t.SessionID, func(cv *domain.Conversation) error {
		conv = cv
		return nil
	})
	if errors.Is(err, domain.ErrNotFound) {
		i.logger.Warn("trigger for unknown session", zap.String("session_id", t.SessionID))
		return OutcomeUnknownSession, false
	}
	if err != nil {
		i.logger.Error("trigger load failed", zap.String("session_id", t.SessionID), zap.Error(err))
		return OutcomeFailed, false
	}

	switch {
	case conv.Session.Status == domain.StatusPaused:
		i.logger.Info("session paused, trigger skipped", zap.String("session_id", t.SessionID))
		return OutcomeSkippedPaused, false
	case conv.Session.Status == domain.StatusCompleted && conv.Session.Mode == domain.ModeDebate:
		i.logger.Info("session completed, trigger skipped", zap.String("session_id", t.SessionID))
		return OutcomeSkippedClosed, false
	case conv.Last == nil:
		return OutcomeNoTurn, false
	}

	if t.Kind == domain.TriggerStart {
		started, err := i.started(ctx, t.SessionID)
		if err != nil {
			i.logger.Error("trigger load failed", zap.String("session_id", t.SessionID), zap.Error(err))
			return OutcomeFailed, false
		}
		if started {
			return OutcomeAlreadyStarted, false
		}
	}

	if conv.Session.Mode == domain.ModePlanning {
		return i.handlePlanning(ctx, conv), false
	}
	return i.handleDebate(ctx, conv)
}

// started reports whether the session has moved past its opening message.
func (i *Ingestor) started(ctx context.Context, sessionID string) (bool, error) {
	msgs, err := i.svc.Transcript(ctx, sessionID, 2)
	if err != nil {
		return false, err
	}
	return len(msgs) > 1, nil
}

func (i *Ingestor) handleDebate(ctx context.Context, conv *domain.Conversation) (string, bool) {
	last := *conv.Last
	reply, err := i.coord.ProcessTurn(ctx, conv.Session, last)
	if err != nil {
		// The stall is left for the next trigger or the watchdog.
		return OutcomeFailed, false
	}
	if reply == nil {
		if last.Signal == domain.SignalStop {
			i.complete(ctx, conv.Session.ID, "stop signal")
		}
		return OutcomeNoTurn, false
	}
	if last.Role == domain.RoleHuman && reply.Signal == domain.SignalHandover && IsStopRequest(i.classifier, last.Content) {
		i.complete(ctx, conv.Session.ID, "human stop request")
		return OutcomeHandled, false
	}
	return OutcomeHandled, reply.Signal == domain.SignalContinue && i.policy.Autonomous()
}

func (i *Ingestor) handlePlanning(ctx context.Context, conv *domain.Conversation) string {
	if i.planner == nil {
		i.logger.Error("planning session without planner", zap.String("session_id", conv.Session.ID))
		return OutcomeFailed
	}
	if conv.Planning == nil {
		i.logger.Error("planning session has no state", zap.String("session_id", conv.Session.ID))
		return OutcomeMissingState
	}

	// Human appends are serialized with turns by the session lock, so a human
	// message at the tail is one no node has answered. The opening request is
	// the only human message that is also the first one.
	var human *HumanInput
	if last := *conv.Last; last.Role == domain.RoleHuman {
		started, err := i.started(ctx, conv.Session.ID)
		if err != nil {
			i.logger.Error("trigger load failed", zap.String("session_id", conv.Session.ID), zap.Error(err))
			return OutcomeFailed
		}
		if started {
			human = &HumanInput{Message: last, Intent: i.classifier.Classify(last.Content)}
		}
	}

	limit := i.policy.MaxAutoSteps()
	if limit <= 0 {
		limit = defaultMaxAutoSteps
	}
	sessionID := conv.Session.ID
	for step := 0; step < limit; step++ {
		turn, err := i.planner.ExecuteOneTurn(ctx, sessionID, human)
		human = nil
		if err != nil {
			if IsMissingState(err) {
				return OutcomeMissingState
			}
			i.logger.Error("planning turn failed", zap.String("session_id", sessionID), zap.Error(err))
			return OutcomeFailed
		}
		if turn.Failed {
			i.persistAck(ctx, sessionID, turn.Message)
			return OutcomeFailed
		}
		if !turn.Persisted || turn.Message == nil {
			return OutcomeNoTurn
		}
		if turn.Message.Signal != domain.SignalContinue || turn.State.CurrentNode == domain.NodeCompleted {
			return OutcomeHandled
		}
		if ctx.Err() != nil {
			return OutcomeHandled
		}
	}
	i.logger.Warn("planning auto-loop hit the step ceiling",
		zap.String("session_id", sessionID),
		zap.Int("max_auto_steps", limit))
	return OutcomeHandled
}

// persistAck records a node-failure acknowledgment so the session stops in
// an explicit HANDOVER instead of an ambiguous stall.
func (i *Ingestor) persistAck(ctx context.Context, sessionID string, ack *domain.Message) {
	if ack == nil {
		return
	}
	err := i.svc.Run(ctx, sessionID, func(conv *domain.Conversation) error {
		conv.Append(*ack)
		return nil
	})
	if err != nil {
		i.logger.Error("failed to persist error acknowledgment", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (i *Ingestor) complete(ctx context.Context, sessionID, reason string) {
	if err := i.svc.Complete(ctx, sessionID); err != nil {
		i.logger.Error("failed to complete session", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	i.logger.Info("session completed", zap.String("session_id", sessionID), zap.String("reason", reason))
}

// scheduleAdvance re-enqueues the session after the inter-turn delay so an
// autonomous debate keeps going without holding a worker on the lock.
func (i *Ingestor) scheduleAdvance(ctx context.Context, sessionID string) {
	if d := i.policy.TurnDelay(); d > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(d):
		}
	}
	if _, err := i.svc.Enqueue(ctx, domain.TriggerAdvance, sessionID); err != nil {
		i.logger.Warn("failed to reschedule session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

