// Package moderator exposes the turn engine to MCP clients: the start and
// advance trigger surface, human injection, and read access to transcripts,
// sessions, planning state and the codebase index.
package moderator

import (
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/knowledge"
)

// ToolGate decides which tools are registered.
type ToolGate interface {
	IsToolEnabled(name string) bool
}

// RegisterOption configures optional dependencies for tool registration.
type RegisterOption func(*registerOpts)

type registerOpts struct {
	ingestor       *app.Ingestor
	knowledgeStore *knowledge.Store
	gate           ToolGate
}

// WithIngestor lets advance_session run a trigger inline when wait is set.
func WithIngestor(i *app.Ingestor) RegisterOption {
	return func(o *registerOpts) { o.ingestor = i }
}

// WithKnowledgeStore enables the query_codebase tool.
func WithKnowledgeStore(ks *knowledge.Store) RegisterOption {
	return func(o *registerOpts) { o.knowledgeStore = ks }
}

// WithToolGate skips tools the gate reports as disabled.
func WithToolGate(g ToolGate) RegisterOption {
	return func(o *registerOpts) { o.gate = g }
}

// Engine groups the components the tools drive.
type Engine struct {
	Service     *app.ConversationService
	Coordinator *app.Coordinator
	Planner     *app.Planner
}

type registrar struct {
	s    *server.MCPServer
	gate ToolGate
}

func (r registrar) add(name string, fn func(*server.MCPServer)) {
	if r.gate != nil && !r.gate.IsToolEnabled(name) {
		return
	}
	fn(r.s)
}

// Register registers the moderator tools with the mcp-go server.
func Register(s *server.MCPServer, eng Engine, logger *zap.Logger, opts ...RegisterOption) {
	var o registerOpts
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With(zap.String("component", "mcp"))
	r := registrar{s: s, gate: o.gate}

	// Trigger surface
	r.add("start_session", func(s *server.MCPServer) { registerStartSession(s, eng.Service, logger) })
	r.add("advance_session", func(s *server.MCPServer) { registerAdvanceSession(s, eng.Service, o.ingestor, logger) })
	r.add("inject_message", func(s *server.MCPServer) { registerInjectMessage(s, eng, logger) })

	// Read APIs
	r.add("get_transcript", func(s *server.MCPServer) { registerGetTranscript(s, eng.Service) })
	r.add("list_sessions", func(s *server.MCPServer) { registerListSessions(s, eng.Service) })
	r.add("planning_status", func(s *server.MCPServer) { registerPlanningStatus(s, eng.Planner) })

	// Lifecycle
	r.add("pause_session", func(s *server.MCPServer) { registerPauseSession(s, eng.Service, logger) })
	r.add("resume_session", func(s *server.MCPServer) { registerResumeSession(s, eng.Service, logger) })

	if o.knowledgeStore != nil {
		r.add("query_codebase", func(s *server.MCPServer) { registerQueryCodebase(s, o.knowledgeStore, logger) })
	}
}

// InstructionsText is the server instruction block shown to MCP clients.
func InstructionsText() string {
	return `duet moderates two AI agents through debate and planning sessions.

- start_session creates a session (mode "debate" or "planning") and queues its first turn.
- advance_session asks for the next step; planning sessions run until the next checkpoint.
- inject_message adds a human message. In planning sessions, "modify"/"change" rewinds to an earlier stage and "stop" ends with a summary.
- get_transcript, list_sessions and planning_status are read-only.`
}
