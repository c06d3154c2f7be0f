package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/prompt-optimizer/internal/server"
)

// RegisterTools registers all MCP tools with the server.
func RegisterTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	if err := registerExperimentTools(s, sc); err != nil {
		return err
	}
	if err := registerAnalysisTools(s, sc); err != nil {
		return err
	}
	if err := registerPredictTools(s, sc); err != nil {
		return err
	}
	return nil
}

// jsonResult renders v as an indented JSON tool result.
func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// decodeArg unmarshals a JSON-encoded string argument into v. Missing or
// empty arguments leave v untouched and report false.
func decodeArg(args map[string]any, key string, v any) (bool, error) {
	raw, ok := args[key].(string)
	if !ok || raw == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return false, fmt.Errorf("invalid %s JSON: %w", key, err)
	}
	return true, nil
}
