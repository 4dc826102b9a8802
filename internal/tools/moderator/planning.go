package moderator

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
)

type planningStatus struct {
	domain.PlanningState
	Checkpoint bool   `json:"awaiting_human"`
	Summary    string `json:"summary"`
}

// registerPlanningStatus registers the planning_status tool.
func registerPlanningStatus(s *server.MCPServer, planner *app.Planner) {
	s.AddTool(
		mcp.NewTool("planning_status",
			mcp.WithDescription("Show the planning state of a planning session: current node, derived analysis, proposal, review, validation and final plan."),
			mcp.WithString("session_id", mcp.Required(), mcp.Description("Session ID")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			id, err := requireString(req.GetArguments(), "session_id")
			if err != nil {
				return nil, err
			}
			state, err := planner.State(ctx, id)
			if err != nil {
				return nil, err
			}
			return jsonResult(planningStatus{
				PlanningState: state,
				Checkpoint:    state.CurrentNode.IsCheckpoint(),
				Summary:       app.Summarize(state),
			})
		},
	)
}
