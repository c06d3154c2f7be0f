package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/prompt-optimizer/internal/server"
)

func handleGetResults(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	runID, _ := args["run_id"].(string)

	if runID != "" {
		return getSpecificRun(sc.OutputDir, runID)
	}
	return listRuns(sc.OutputDir)
}

func listRuns(outputDir string) (*mcp.CallToolResult, error) {
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return mcp.NewToolResultText("[]"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to read results directory: %v", err)), nil
	}

	runs := []map[string]any{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		dir := runDir(filepath.Join(outputDir, e.Name()))
		data, err := os.ReadFile(dir.manifest())
		if err != nil {
			continue
		}

		var metadata map[string]any
		if err := json.Unmarshal(data, &metadata); err != nil {
			continue
		}
		metadata["evaluation_files"] = dir.evaluations()
		runs = append(runs, metadata)
	}

	if len(runs) == 0 {
		return mcp.NewToolResultText("[]"), nil
	}
	return jsonResult(runs, "runs")
}

func getSpecificRun(outputDir, runID string) (*mcp.CallToolResult, error) {
	dir, err := openRunDir(outputDir, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid run_id: %v", err)), nil
	}

	data, err := os.ReadFile(dir.manifest())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run %q not found: %v", runID, err)), nil
	}

	var metadata map[string]any
	if err := json.Unmarshal(data, &metadata); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to parse run metadata: %v", err)), nil
	}

	// Include evaluation data if available.
	evaluations := make(map[string]any)
	for _, name := range dir.evaluations() {
		raw, err := os.ReadFile(filepath.Join(string(dir), name))
		if err != nil {
			continue
		}
		var obj any
		if json.Unmarshal(raw, &obj) == nil {
			evaluations[name] = obj
		}
	}
	if len(evaluations) > 0 {
		metadata["evaluations"] = evaluations
	}

	return jsonResult(metadata, "result")
}
