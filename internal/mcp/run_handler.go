package mcp

import (
	"bytes"
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/runner"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

func handleRunExperiment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	id, ok := args["experiment_id"].(string)
	if !ok || id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}

	inputs, err := resolveInputs(args, sc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	r := runner.NewRunner(sc.Manager, sc.OutputDir)
	run, err := r.Run(ctx, id, inputs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("experiment run failed: %v", err)), nil
	}

	summary := map[string]any{
		"run_id":        run.ID,
		"experiment_id": run.ExperimentID,
		"experiment":    run.Experiment,
		"duration":      run.Duration.String(),
		"completed":     run.Completed,
		"failed":        run.Failed,
		"results_file":  run.ResultsFile,
	}
	return jsonResult(summary, "summary")
}

// resolveInputs returns the dataset named by the "inputs" JSON argument or,
// failing that, the dataset of the "definition" argument.
func resolveInputs(args map[string]any, sc *server.ServerContext) ([]map[string]any, error) {
	var inputs []map[string]any
	found, err := decodeArg(args, "inputs", &inputs)
	if err != nil {
		return nil, err
	}
	if found {
		return inputs, nil
	}
	name, _ := args["definition"].(string)
	if name == "" {
		return nil, fmt.Errorf("either 'inputs' or 'definition' is required")
	}
	def, err := sc.LoadDefinition(name)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment definition: %w", err)
	}
	return def.Inputs, nil
}

func handleExportResults(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, _ := args["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	format := experiment.FormatCSV
	if f, ok := args["format"].(string); ok && f != "" {
		parsed, err := experiment.ParseFormat(f)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		format = parsed
	}

	results, err := sc.Manager.Results(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load results: %v", err)), nil
	}
	var buf bytes.Buffer
	if err := experiment.Export(&buf, results, format); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to export results: %v", err)), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}
