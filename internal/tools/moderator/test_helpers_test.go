package moderator

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jaakkos/duet/internal/app"
	"github.com/jaakkos/duet/internal/domain"
	"github.com/jaakkos/duet/internal/queue"
	"github.com/jaakkos/duet/internal/repository/sqlite"
	"github.com/jaakkos/duet/internal/responder"
)

type fixture struct {
	svc      *app.ConversationService
	queue    *queue.Memory
	ingestor *app.Ingestor
	server   *server.MCPServer
}

// newFixture wires a real store, an in-memory queue and scripted responders.
func newFixture(t *testing.T, opts ...RegisterOption) *fixture {
	t.Helper()
	return newFixtureWithPolicy(t, app.StaticPolicy{MaxSteps: 10}, opts...)
}

func newFixtureWithPolicy(t *testing.T, policy app.StaticPolicy, opts ...RegisterOption) *fixture {
	t.Helper()
	store, err := sqlite.New(filepath.Join(t.TempDir(), "state.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger := zap.NewNop()
	svc := app.NewConversationService(store, logger)
	q := queue.NewMemory(16)
	svc.SetTriggerQueue(q)

	responders := app.Responders{
		domain.RoleAgentA: responder.NewScripted(domain.RoleAgentA, "Agent A opens", "Agent A again", "Agent A analysis", "Agent A proposal"),
		domain.RoleAgentB: responder.NewScripted(domain.RoleAgentB, "Agent B replies [HANDOVER]", "Agent B review"),
	}
	coord := app.NewCoordinator(svc, responders, policy, logger)
	planner := app.NewPlanner(svc, app.NewPlanNodes(responders, nil, logger).Set(), logger)
	ingestor := app.NewIngestor(svc, q, coord, planner, policy, logger)

	s := server.NewMCPServer("test", "1.0.0")
	opts = append([]RegisterOption{WithIngestor(ingestor)}, opts...)
	Register(s, Engine{Service: svc, Coordinator: coord, Planner: planner}, logger, opts...)
	return &fixture{svc: svc, queue: q, ingestor: ingestor, server: s}
}

// callTool calls a registered tool via the MCPServer's HandleMessage.
// Returns the parsed CallToolResult or an error.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) (*mcp.CallToolResult, error) {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result, nil
}

// resultText extracts the first text content from a CallToolResult.
func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no text content in result")
	return ""
}

// decode calls a tool that answers in JSON and unmarshals its text into v.
func decode(t *testing.T, s *server.MCPServer, name string, args map[string]any, v any) {
	t.Helper()
	result, err := callTool(t, s, name, args)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), v))
}

func listTools(t *testing.T, s *server.MCPServer) []string {
	t.Helper()
	reqJSON, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	respBytes, err := json.Marshal(s.HandleMessage(context.Background(), reqJSON))
	require.NoError(t, err)
	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(respBytes, &resp))
	names := make([]string, 0, len(resp.Result.Tools))
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	return names
}
