package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/dashboard"
	"github.com/jaakkos/duet/internal/knowledge"
	"github.com/jaakkos/duet/internal/queue"
	"github.com/jaakkos/duet/internal/tools/moderator"
)

var (
	serveStdio bool
	servePort  int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run trigger consumers, the MCP tools and the dashboard",
	Long: `serve consumes advance/start triggers from the queue and the signal
directory, recovers stalled sessions, keeps the knowledge index fresh and
exposes the MCP tools on /mcp next to the dashboard.

With --stdio the MCP tools are also served on stdin/stdout for clients that
launch duet as a subprocess.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveStdio, "stdio", false, "also serve MCP over stdin/stdout")
	serveCmd.Flags().IntVar(&servePort, "port", -1, "HTTP port for /mcp and the dashboard (default from config; 0 disables)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	e, err := openEngine(!serveStdio)
	if err != nil {
		return err
	}
	defer e.Close()
	pol, logger := e.policy, e.logger

	// Keep running when daemonized (nohup, launchd).
	signal.Ignore(syscall.SIGHUP)
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	q, err := queue.Open(ctx, queueConfig(pol), logger)
	if err != nil {
		return fmt.Errorf("open trigger queue: %w", err)
	}
	defer q.Close()
	e.svc.SetTriggerQueue(q)
	ingestor := e.ingestor(q)

	mcpServer := server.NewMCPServer(
		"duet",
		Version,
		server.WithInstructions(moderator.InstructionsText()),
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(sessionHooks(logger)),
	)
	regOpts := []moderator.RegisterOption{
		moderator.WithIngestor(ingestor),
		moderator.WithToolGate(pol),
	}
	if e.knowledge != nil {
		regOpts = append(regOpts, moderator.WithKnowledgeStore(e.knowledge))
	}
	moderator.Register(mcpServer, moderator.Engine{
		Service:     e.svc,
		Coordinator: e.coordinator,
		Planner:     e.planner,
	}, logger, regOpts...)

	port := pol.HTTPPort()
	if servePort >= 0 {
		port = servePort
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ingestor.Run(gctx) })
	g.Go(func() error {
		return app.NewSignalDrop(pol.SignalDir(), e.svc, logger,
			app.WithPollInterval(pol.PollInterval())).Start(gctx)
	})
	if wc := pol.Watchdog(); wc.Enabled {
		wd := app.NewWatchdog(e.svc, logger,
			app.WithWatchdogInterval(time.Duration(wc.IntervalSeconds)*time.Second),
			app.WithStallThreshold(time.Duration(wc.StallSeconds)*time.Second),
			app.WithWatchdogMetrics(e.metrics))
		g.Go(func() error {
			wd.Start(gctx)
			return nil
		})
	}
	if kc := pol.Knowledge(); e.knowledge != nil {
		idx := knowledge.NewIndexer(e.knowledge, knowledge.IndexerConfig{
			Root:          kc.CodebaseRoot,
			IndexGoSource: kc.IndexGoSource,
			Watch:         kc.Watch,
		}, knowledge.NewServicePlans(e.svc), logger)
		g.Go(func() error { return idx.Start(gctx) })
	}
	if port > 0 {
		g.Go(func() error {
			return serveHTTP(gctx, port, e, ingestor, q, mcpServer)
		})
	} else if !serveStdio {
		logger.Warn("http disabled and --stdio not set; only signal files and the queue drive sessions")
	}
	if serveStdio {
		g.Go(func() error {
			err := server.NewStdioServer(mcpServer).Listen(gctx, os.Stdin, os.Stdout)
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("stdio server: %w", err)
			}
			// stdin closed: the client is gone, shut everything down.
			stop()
			return nil
		})
	}

	logger.Info("duet serving",
		zap.String("version", Version),
		zap.String("state_file", pol.StateFile()),
		zap.String("queue", queueConfig(pol).Backend),
		zap.Bool("stdio", serveStdio))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("duet stopped")
	return nil
}

// serveHTTP mounts the MCP endpoint and the dashboard on one listener and
// shuts the server down when ctx ends.
func serveHTTP(ctx context.Context, port int, e *engine, ingestor *app.Ingestor, q dashboard.QueueDepth, mcpServer *server.MCPServer) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	baseURL := fmt.Sprintf("http://localhost:%d", ln.Addr().(*net.TCPAddr).Port)
	e.logger.Info("http server listening",
		zap.String("mcp", baseURL+"/mcp"),
		zap.String("dashboard", baseURL+"/dashboard"))

	mux := http.NewServeMux()
	mux.Handle("/mcp", server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp")))
	dashboard.NewHandler(e.svc, e.coordinator, e.logger,
		dashboard.WithIngestor(ingestor),
		dashboard.WithQueueDepth(q),
		dashboard.WithMetrics(e.registry),
	).RegisterRoutes(mux)

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		e.logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// sessionHooks logs MCP client sessions as they come and go.
func sessionHooks(logger *zap.Logger) *server.Hooks {
	hooks := &server.Hooks{}
	hooks.AddBeforeInitialize(func(ctx context.Context, id any, message *mcp.InitializeRequest) {
		if message == nil {
			return
		}
		ci := message.Params.ClientInfo
		logger.Info("mcp client connected",
			zap.String("client", ci.Name),
			zap.String("client_version", ci.Version),
			zap.String("protocol", message.Params.ProtocolVersion))
	})
	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		logger.Info("mcp client disconnected", zap.String("mcp_session", session.SessionID()))
	})
	return hooks
}
