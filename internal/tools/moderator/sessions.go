package moderator

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

type startResult struct {
	SessionID string        `json:"session_id"`
	Mode      domain.Mode   `json:"mode"`
	Status    domain.Status `json:"status"`
	Queued    bool          `json:"queued"`
}

// registerStartSession registers the start_session tool.
func registerStartSession(s *server.MCPServer, svc *app.ConversationService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("start_session",
			mcp.WithDescription("Start a new moderated session. Debate sessions alternate Agent A and Agent B; planning sessions walk analyze, propose, review, validate and finalize with human checkpoints. The first turn is queued immediately."),
			mcp.WithString("topic", mcp.Required(), mcp.Description("Topic or feature request")),
			mcp.WithString("mode", mcp.Description("Session mode (default: debate)"), mcp.Enum("debate", "planning")),
			mcp.WithString("opener", mcp.Description("Opening human message (defaults to the topic)")),
			mcp.WithString("language", mcp.Description("Language for planning messages (default: en)"), mcp.Enum("en", "vi")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			topic, err := requireString(args, "topic")
			if err != nil {
				return nil, err
			}
			modeArg, _ := args["mode"].(string)
			mode := domain.ModeDebate
			if modeArg != "" {
				if mode, err = domain.ParseMode(modeArg); err != nil {
					return nil, err
				}
			}
			opener, _ := args["opener"].(string)
			lang, _ := args["language"].(string)

			conv, err := svc.StartSession(ctx, app.StartOptions{
				Mode:     mode,
				Topic:    topic,
				Opener:   opener,
				Language: domain.ParseLanguage(lang),
			})
			if err != nil {
				return nil, err
			}
			queued, err := svc.Enqueue(ctx, domain.TriggerStart, conv.Session.ID)
			if err != nil {
				logger.Warn("start trigger not queued", zap.String("session_id", conv.Session.ID), zap.Error(err))
			}
			return jsonResult(startResult{
				SessionID: conv.Session.ID,
				Mode:      conv.Session.Mode,
				Status:    conv.Session.Status,
				Queued:    queued,
			})
		},
	)
}

// registerListSessions registers the list_sessions tool.
func registerListSessions(s *server.MCPServer, svc *app.ConversationService) {
	s.AddTool(
		mcp.NewTool("list_sessions",
			mcp.WithDescription("List sessions, newest first, with their message counts."),
			mcp.WithString("status", mcp.Description("Filter by status (omit for all)"), mcp.Enum("active", "paused", "completed")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			status, _ := req.GetArguments()["status"].(string)
			sessions, err := svc.ListSessions(ctx, domain.Status(status))
			if err != nil {
				return nil, err
			}
			if len(sessions) == 0 {
				return mcp.NewToolResultText("No sessions."), nil
			}
			return jsonResult(sessions)
		},
	)
}

// registerPauseSession registers the pause_session tool.
func registerPauseSession(s *server.MCPServer, svc *app.ConversationService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("pause_session",
			mcp.WithDescription("Pause a session. Queued triggers for a paused session are skipped until it is resumed."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "session_id")
			if err != nil {
				return nil, err
			}
			if err := svc.Pause(ctx, id); err != nil {
				return nil, err
			}
			logger.Info("session paused", zap.String("session_id", id))
			return mcp.NewToolResultText(fmt.Sprintf("Session %s paused.", id)), nil
		},
	)
}

// registerResumeSession registers the resume_session tool.
func registerResumeSession(s *server.MCPServer, svc *app.ConversationService, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("resume_session",
			mcp.WithDescription("Resume a paused session and queue its next turn."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "session_id")
			if err != nil {
				return nil, err
			}
			if err := svc.Resume(ctx, id); err != nil {
				return nil, err
			}
			logger.Info("session resumed", zap.String("session_id", id))
			return mcp.NewToolResultText(fmt.Sprintf("Session %s resumed.", id)), nil
		},
	)
}
