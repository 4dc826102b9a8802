package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/knowledge"
	"github.com/jaakkos/duet/internal/logging"
	"github.com/jaakkos/duet/internal/metrics"
	"github.com/jaakkos/duet/internal/policy"
	"github.com/jaakkos/duet/internal/queue"
	"github.com/jaakkos/duet/internal/repository"
	"github.com/jaakkos/duet/internal/responder"
)

// engine is everything a command needs to act on sessions.
type engine struct {
	policy      *policy.Policy
	logger      *zap.Logger
	repo        app.Repository
	svc         *app.ConversationService
	registry    *prometheus.Registry
	metrics     *metrics.Collector
	responders  app.Responders
	coordinator *app.Coordinator
	planner     *app.Planner
	knowledge   *knowledge.Store // nil when disabled

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (e *engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// loadPolicy reads the config and applies the --log-level override.
func loadPolicy() (*policy.Policy, error) {
	cfg, err := policy.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return policy.New(cfg), nil
}

// openEngine wires the store, responders and state machines. interactive
// selects the console logger used by serve; one-shot commands keep stderr
// quiet unless no log file is configured.
func openEngine(interactive bool) (*engine, error) {
	pol, err := loadPolicy()
	if err != nil {
		return nil, err
	}
	newLogger := logging.NewFile
	if interactive {
		newLogger = logging.New
	}
	logger, flush, err := newLogger(pol.LogFile(), pol.LogLevel())
	if err != nil {
		return nil, err
	}
	e := &engine{policy: pol, logger: logger}
	e.closers = append(e.closers, flush)

	repo, err := repository.NewRepository(pol.StateFile())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open state store: %w", err)
	}
	e.repo = repo
	e.closers = append(e.closers, func() {
		if err := repo.Close(); err != nil {
			logger.Warn("close state store", zap.Error(err))
		}
	})
	e.svc = app.NewConversationService(repo, logger)

	e.registry = prometheus.NewRegistry()
	e.metrics = metrics.NewCollector("duet", e.registry, logger)

	e.responders, err = buildResponders(pol, logger)
	if err != nil {
		e.Close()
		return nil, err
	}

	var retriever app.Retriever
	if kc := pol.Knowledge(); kc.Enabled {
		store, err := knowledge.NewStore(pol.KnowledgeDBPath())
		if err != nil {
			e.Close()
			return nil, fmt.Errorf("open knowledge store: %w", err)
		}
		e.knowledge = store
		e.closers = append(e.closers, func() { _ = store.Close() })
		retriever = knowledge.NewRetriever(store, 5)
	}

	e.coordinator = app.NewCoordinator(e.svc, e.responders, pol, logger,
		app.WithCoordinatorMetrics(e.metrics))
	e.planner = app.NewPlanner(e.svc, app.NewPlanNodes(e.responders, retriever, logger).Set(), logger,
		app.WithPlannerMetrics(e.metrics),
		app.WithNodeTimeout(pol.TurnTimeout()))
	return e, nil
}

// ingestor builds an Ingestor consuming q.
func (e *engine) ingestor(q app.TriggerQueue) *app.Ingestor {
	ic := e.policy.Ingest()
	return app.NewIngestor(e.svc, q, e.coordinator, e.planner, e.policy, e.logger,
		app.WithIngestWorkers(ic.Workers),
		app.WithIngestRate(ic.TriggersPerSecond, ic.Burst),
		app.WithIngestorMetrics(e.metrics))
}

// inlineIngestor is used through Handle only; its queue is never consumed.
// Follow-up triggers go wherever the service's queue points.
func (e *engine) inlineIngestor() *app.Ingestor {
	return e.ingestor(queue.NewMemory(0))
}

// attachSharedQueue connects the service to the configured queue when it is
// shared between processes (redis). It returns nil for the in-process
// backend, whose consumers are only reachable through signal files.
func (e *engine) attachSharedQueue(ctx context.Context) (queue.Queue, error) {
	cfg := queueConfig(e.policy)
	if cfg.Backend != "redis" {
		return nil, nil
	}
	q, err := queue.Open(ctx, cfg, e.logger)
	if err != nil {
		return nil, fmt.Errorf("open trigger queue: %w", err)
	}
	e.svc.SetTriggerQueue(q)
	e.closers = append(e.closers, func() { _ = q.Close() })
	return q, nil
}

// queueConfig maps the policy's queue section onto queue.Config.
func queueConfig(pol *policy.Policy) queue.Config {
	qc := pol.Queue()
	return queue.Config{
		Backend:   qc.Backend,
		Addr:      qc.Redis.Addr,
		Password:  qc.Redis.Password,
		DB:        qc.Redis.DB,
		KeyPrefix: qc.Redis.KeyPrefix,
	}
}

var responderRoles = []domain.Role{domain.RoleAgentA, domain.RoleAgentB}

// buildResponders creates one responder per agent. A configured command wins;
// otherwise the "scripted" default gives canned replies for dry runs.
func buildResponders(pol *policy.Policy, logger *zap.Logger) (app.Responders, error) {
	out := make(app.Responders, len(responderRoles))
	for _, role := range responderRoles {
		rc, ok := pol.Responder(string(role))
		if ok && len(rc.Command) > 0 {
			timeout := pol.TurnTimeout()
			if rc.TimeoutSeconds > 0 {
				timeout = time.Duration(rc.TimeoutSeconds) * time.Second
			}
			cmd, err := responder.NewCommand(responder.CommandConfig{
				Role:       role,
				Command:    rc.Command,
				Dir:        rc.Dir,
				Timeout:    timeout,
				Env:        rc.Env,
				InheritEnv: rc.InheritEnv,
			}, logger)
			if err != nil {
				return nil, err
			}
			out[role] = cmd
			continue
		}
		if pol.DefaultResponder() != "scripted" {
			return nil, fmt.Errorf("no responder command configured for %s (set responders.%s.command or engine.default_responder: scripted)", role, role)
		}
		out[role] = responder.NewScripted(role,
			role.DisplayName()+" has nothing scripted to add.",
			role.DisplayName()+" hands over. [HANDOVER]")
	}
	return out, nil
}
