package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/metrics"
)

const (
	// defaultWatchdogInterval is how often the watchdog runs its checks.
	defaultWatchdogInterval = 60 * time.Second

	// defaultStallThreshold is how long an active session may sit on a
	// CONTINUE message before it is considered stalled.
	defaultStallThreshold = 5 * time.Minute
)

// Watchdog re-drives stalled sessions. A session is stalled when it is
// active, its last message carries CONTINUE, no turn is in flight and the
// message is older than the stall threshold. This is the ingestion-side
// retry for abandoned turns: the engine itself never retries.
type Watchdog struct {
	svc      *ConversationService
	logger   *zap.Logger
	metrics  *metrics.Collector
	interval time.Duration
	stall    time.Duration
	now      func() time.Time
}

// WatchdogOption configures the watchdog.
type WatchdogOption func(*Watchdog)

// WithWatchdogInterval sets the check interval.
func WithWatchdogInterval(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithStallThreshold sets how old a CONTINUE message must be to count as a stall.
func WithStallThreshold(d time.Duration) WatchdogOption {
	return func(w *Watchdog) {
		if d > 0 {
			w.stall = d
		}
	}
}

// WithWatchdogMetrics attaches a metrics collector.
func WithWatchdogMetrics(m *metrics.Collector) WatchdogOption {
	return func(w *Watchdog) { w.metrics = m }
}

// NewWatchdog creates a new Watchdog. Triggers go to the queue attached to svc.
func NewWatchdog(svc *ConversationService, logger *zap.Logger, opts ...WatchdogOption) *Watchdog {
	w := &Watchdog{
		svc:      svc,
		logger:   logger.With(zap.String("component", "watchdog")),
		interval: defaultWatchdogInterval,
		stall:    defaultStallThreshold,
		now:      time.Now,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Start runs the watchdog loop until ctx is cancelled.
func (w *Watchdog) Start(ctx context.Context) {
	w.logger.Info("watchdog started",
		zap.Duration("interval", w.interval),
		zap.Duration("stall_threshold", w.stall))

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return
		case <-ticker.C:
			if _, err := w.CheckOnce(ctx); err != nil {
				w.logger.Warn("watchdog check failed", zap.Error(err))
			}
		}
	}
}

// CheckOnce runs one cycle and returns the ids of the sessions it re-drove.
func (w *Watchdog) CheckOnce(ctx context.Context) ([]string, error) {
	sessions, err := w.svc.ListSessions(ctx, domain.StatusActive)
	if err != nil {
		return nil, err
	}
	busy := w.svc.Locks().Busy()
	now := w.now()

	var recovered []string
	for _, s := range sessions {
		if _, inFlight := busy[s.ID]; inFlight {
			continue
		}
		msgs, err := w.svc.Transcript(ctx, s.ID, 1)
		if err != nil || len(msgs) == 0 {
			continue
		}
		last := msgs[0]
		if last.Signal != domain.SignalContinue || now.Sub(last.Timestamp) < w.stall {
			continue
		}

		added, err := w.svc.Enqueue(ctx, domain.TriggerAdvance, s.ID)
		if err != nil {
			w.logger.Warn("failed to re-drive stalled session", zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if !added {
			continue
		}
		w.metrics.RecordStall()
		w.logger.Info("re-driving stalled session",
			zap.String("session_id", s.ID),
			zap.String("last_role", string(last.Role)),
			zap.Duration("idle", now.Sub(last.Timestamp).Round(time.Second)))
		recovered = append(recovered, s.ID)
	}
	return recovered, nil
}
