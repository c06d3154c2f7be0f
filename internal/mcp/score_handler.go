package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/giantswarm/prompt-optimizer/internal/server"
)

func handleScoreResponse(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	prompt, _ := args["prompt"].(string)
	response, _ := args["response"].(string)
	if response == "" {
		return mcp.NewToolResultError("response is required"), nil
	}

	if sc.Judge == nil {
		if sc.Scorer == nil {
			return mcp.NewToolResultError("quality scorer is not configured"), nil
		}
		score, err := sc.Scorer.Score(ctx, prompt, response)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("scoring failed: %v", err)), nil
		}
		return jsonResult(map[string]any{"score": score}, "score")
	}

	eval, err := sc.Judge.Evaluate(ctx, prompt, response)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scoring failed: %v", err)), nil
	}
	return jsonResult(eval, "evaluation")
}

// handleScoreRun re-scores every response of a past run with the judge model
// and stores one evaluation file per result in the run directory.
func handleScoreRun(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	if sc.Judge == nil {
		return mcp.NewToolResultError(server.ErrNoJudge.Error()), nil
	}

	runID, _ := request.GetArguments()["run_id"].(string)
	dir, err := openRunDir(sc.OutputDir, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid run_id: %v", err)), nil
	}

	scored, err := sc.ScoreResults(ctx, dir.results())
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("scoring failed: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run_id": runID,
		"scored": scored,
	}, "result")
}
