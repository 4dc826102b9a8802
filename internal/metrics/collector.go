// Package metrics exposes Prometheus collectors for the orchestration engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records turn, transition, trigger and interrupt metrics.
// A nil *Collector is valid and records nothing.
type Collector struct {
	turnsTotal        *prometheus.CounterVec
	turnDuration      *prometheus.HistogramVec
	nodeTransitions   *prometheus.CounterVec
	interruptsTotal   *prometheus.CounterVec
	triggersTotal     *prometheus.CounterVec
	triggerQueueDelay prometheus.Histogram
	stalledSessions   prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the collectors on reg under namespace.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.turnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Turns attempted, by mode, actor and outcome",
		},
		[]string{"mode", "actor", "outcome"},
	)

	c.turnDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Time spent waiting on a responder or plan node",
			Buckets:   []float64{.1, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"mode", "actor"},
	)

	c.nodeTransitions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Planning node transitions by event kind",
		},
		[]string{"from", "to", "event"},
	)

	c.interruptsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interrupts_total",
			Help:      "Human interrupts handled by the planner",
		},
		[]string{"kind"},
	)

	c.triggersTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Triggers consumed by the ingestor",
		},
		[]string{"kind", "outcome"},
	)

	c.triggerQueueDelay = f.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "trigger_queue_delay_seconds",
		Help:      "Time between enqueue and dequeue of a trigger",
		Buckets:   prometheus.DefBuckets,
	})

	c.stalledSessions = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stalled_sessions_total",
		Help:      "Advance triggers re-issued by the watchdog",
	})

	return c
}

// RecordTurn records a finished turn. outcome is e.g. "ok", "responder_failure".
func (c *Collector) RecordTurn(mode, actor, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.turnsTotal.WithLabelValues(mode, actor, outcome).Inc()
	c.turnDuration.WithLabelValues(mode, actor).Observe(d.Seconds())
}

// RecordTransition records a planning node move.
func (c *Collector) RecordTransition(from, to, event string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(from, to, event).Inc()
}

// RecordInterrupt records a handled human interrupt ("stop", "modify", "feedback").
func (c *Collector) RecordInterrupt(kind string) {
	if c == nil {
		return
	}
	c.interruptsTotal.WithLabelValues(kind).Inc()
}

// RecordTrigger records a consumed trigger and how long it waited.
func (c *Collector) RecordTrigger(kind, outcome string, waited time.Duration) {
	if c == nil {
		return
	}
	c.triggersTotal.WithLabelValues(kind, outcome).Inc()
	if waited > 0 {
		c.triggerQueueDelay.Observe(waited.Seconds())
	}
}

// RecordStall records a watchdog retry.
func (c *Collector) RecordStall() {
	if c == nil {
		return
	}
	c.stalledSessions.Inc()
}
