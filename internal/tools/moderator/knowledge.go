package moderator

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/knowledge"
)

// registerQueryCodebase registers the query_codebase tool.
func registerQueryCodebase(s *server.MCPServer, store *knowledge.Store, logger *zap.Logger) {
	s.AddTool(
		mcp.NewTool("query_codebase",
			mcp.WithDescription(
				"Search the indexed codebase: markdown docs, Go source outlines, config files "+
					"and finalized plans. This is the same index planning sessions use for "+
					"codebase context. Returns ranked snippets with file paths."),
			mcp.WithString("query", mcp.Required(), mcp.Description(
				"Natural language search query, e.g. 'session lock', 'redis trigger queue'")),
			mcp.WithString("category", mcp.Description("Optional category filter"),
				mcp.Enum(knowledge.CategoryMarkdown, knowledge.CategoryGoSource, knowledge.CategoryConfig, knowledge.CategoryPlan)),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default: 10, max: 50)")),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := req.GetArguments()
			query, err := requireString(args, "query")
			if err != nil {
				return nil, err
			}
			category, _ := args["category"].(string)
			limit := optionalInt(args, "limit", 10, 1, 50)

			results, err := store.Query(ctx, query, category, limit)
			if err != nil {
				logger.Warn("query_codebase failed", zap.Error(err))
				return nil, fmt.Errorf("codebase query failed: %w", err)
			}
			if len(results) == 0 {
				return mcp.NewToolResultText("No results found for: " + query), nil
			}
			logger.Debug("query_codebase", zap.String("query", query), zap.Int("results", len(results)))
			return jsonResult(results)
		},
	)
}
