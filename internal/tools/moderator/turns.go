package moderator

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

const (
	defaultTranscriptLimit = 20
	maxTranscriptLimit     = 500
)

type advanceResult struct {
	SessionID string          `json:"session_id"`
	Queued    bool            `json:"queued"`
	Outcome   string          `json:"outcome,omitempty"`
	Last      *domain.Message `json:"last_message,omitempty"`
}

// registerAdvanceSession registers the advance_session tool. Without wait the
// request goes through the trigger queue like any other producer; with wait
// and an ingestor available the trigger is handled inline.
func registerAdvanceSession(s *server.MCPServer, svc *app.ConversationService, ingestor *app.Ingestor, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("advance_session",
			mcp.WithDescription("Request the next step of a session. Debate sessions take one turn; planning sessions run nodes until the next checkpoint. Duplicate requests while one is pending are coalesced."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
			mcp.WithBoolean("wait", mcp.Description("Run the step now and return its outcome instead of queueing it (default: false)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			if _, err := svc.LastMessage(ctx, id); err != nil {
				return nil, err
			}

			res := advanceResult{SessionID: id}
			if optionalBool(args, "wait", false) && ingestor != nil {
				res.Outcome = ingestor.Handle(ctx, domain.Trigger{
					ID:         uuid.NewString(),
					Kind:       domain.TriggerAdvance,
					SessionID:  id,
					EnqueuedAt: time.Now().UTC(),
				})
				if last, err := svc.LastMessage(ctx, id); err == nil {
					res.Last = &last
				}
				logger.Info("advance handled inline", zap.String("session_id", id), zap.String("outcome", res.Outcome))
				return jsonResult(res)
			}

			if res.Queued, err = svc.Enqueue(ctx, domain.TriggerAdvance, id); err != nil {
				return nil, err
			}
			return jsonResult(res)
		},
	)
}

type injectResult struct {
	Human  *domain.Message `json:"human"`
	Reply  *domain.Message `json:"reply,omitempty"`
	Queued bool            `json:"queued"`
}

// registerInjectMessage registers the inject_message tool.
func registerInjectMessage(s *server.MCPServer, eng Engine, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("inject_message",
			mcp.WithDescription("Add a human message to a session. STOP completes the session. A CONTINUE message queues the next turn unless the reply was produced immediately."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
			mcp.WithString("content", mcp.Required(), mcp.Description("Message text")),
			mcp.WithString("signal", mcp.Description("Signal to attach (default: continue)"), mcp.Enum("continue", "handover", "stop")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			content, err := requireString(args, "content")
			if err != nil {
				return nil, err
			}
			var signal domain.Signal
			if sigArg, _ := args["signal"].(string); sigArg != "" {
				if signal, err = domain.ParseSignal(sigArg); err != nil {
					return nil, err
				}
			}

			human, reply, err := eng.Coordinator.Inject(ctx, id, content, signal)
			if err != nil && human == nil {
				return nil, err
			}
			res := injectResult{Human: human, Reply: reply}
			if err != nil {
				// The message is stored; the inline turn failed and is left for a retry.
				logger.Warn("inline turn failed", zap.String("session_id", id), zap.Error(err))
			}
			if eng.Coordinator.NeedsFollowUp(human, reply) {
				if res.Queued, err = eng.Service.Enqueue(ctx, domain.TriggerAdvance, id); err != nil {
					logger.Warn("advance trigger not queued", zap.String("session_id", id), zap.Error(err))
				}
			}
			return jsonResult(res)
		},
	)
}

// registerGetTranscript registers the get_transcript tool.
func registerGetTranscript(s *server.MCPServer, svc *app.ConversationService) {
	s.AddTool(
		mcp.NewTool("get_transcript",
			mcp.WithDescription("Read the most recent messages of a session in order."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of messages (default: 20, max: 500, 0 for all)")),
			mcp.WithString("format", mcp.Description("Output format (default: markdown)"), mcp.Enum("markdown", "json")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			id, err := requireString(args, "session_id")
			if err != nil {
				return nil, err
			}
			limit := optionalInt(args, "limit", defaultTranscriptLimit, 0, maxTranscriptLimit)

			var session domain.Session
			if err := svc.Query(ctx, id, func(conv *domain.Conversation) error {
				session = conv.Session
				return nil
			}); err != nil {
				return nil, err
			}
			msgs, err := svc.Transcript(ctx, id, limit)
			if err != nil {
				return nil, err
			}
			if format, _ := args["format"].(string); format == "json" {
				return jsonResult(msgs)
			}

			var b strings.Builder
			b.WriteString("# " + session.Topic + "\n\n")
			b.WriteString("Mode: " + string(session.Mode) + " | Status: " + string(session.Status) + "\n")
			if len(msgs) == 0 {
				b.WriteString("\n(no messages)\n")
			}
			for _, m := range msgs {
				b.WriteString(m.Markdown())
			}
			return mcp.NewToolResultText(b.String()), nil
		},
	)
}
