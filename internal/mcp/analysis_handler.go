package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/optimizer"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

func registerAnalysisTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// analyze_experiment
	analyzeTool := mcp.NewTool("analyze_experiment",
		mcp.WithDescription("Run significance tests between all variants of an experiment and recommend a winner"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
	)
	s.AddTool(analyzeTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleAnalyzeExperiment(ctx, request, sc)
	})

	// optimize_prompt
	optimizeTool := mcp.NewTool("optimize_prompt",
		mcp.WithDescription("Evolve a prompt template with a genetic search, measuring candidates against a dataset"),
		mcp.WithString("template",
			mcp.Required(),
			mcp.Description("Base prompt template with {placeholders}"),
		),
		mcp.WithString("definition",
			mcp.Description("Definition whose dataset candidates are measured against"),
		),
		mcp.WithString("inputs",
			mcp.Description("Inputs as a JSON array of objects (overrides the definition dataset)"),
		),
		mcp.WithString("target_metrics",
			mcp.Description("Comma-separated metrics to optimise (quality, latency, cost, tokens, conversion)"),
		),
		mcp.WithNumber("max_iterations",
			mcp.Description("Maximum number of generations (default: from config)"),
		),
		mcp.WithNumber("population_size",
			mcp.Description("Candidates per generation (default: from config)"),
		),
		mcp.WithNumber("seed",
			mcp.Description("Random seed for a reproducible search"),
		),
	)
	s.AddTool(optimizeTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleOptimizePrompt(ctx, request, sc)
	})

	// get_dashboard
	dashboardTool := mcp.NewTool("get_dashboard",
		mcp.WithDescription("Get the live dashboard: metric windows, experiment statuses, alerts and system health"),
		mcp.WithString("experiment_id",
			mcp.Description("Restrict the view to one experiment"),
		),
	)
	s.AddTool(dashboardTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetDashboard(ctx, request, sc)
	})

	// score_response
	scoreTool := mcp.NewTool("score_response",
		mcp.WithDescription("Score a single response to a prompt with the configured quality scorer"),
		mcp.WithString("prompt",
			mcp.Description("The prompt the response answers"),
		),
		mcp.WithString("response",
			mcp.Required(),
			mcp.Description("The response to score"),
		),
	)
	s.AddTool(scoreTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleScoreResponse(ctx, request, sc)
	})

	// score_run
	scoreRunTool := mcp.NewTool("score_run",
		mcp.WithDescription("Re-score every response of a past run using an LLM as judge"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID as returned by run_experiment"),
		),
	)
	s.AddTool(scoreRunTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleScoreRun(ctx, request, sc)
	})

	return nil
}

func handleAnalyzeExperiment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	report, err := sc.Analyze(ctx, id)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("experiment %q not found", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("analysis failed: %v", err)), nil
	}
	return jsonResult(report, "report")
}

func handleOptimizePrompt(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	template, _ := args["template"].(string)
	if strings.TrimSpace(template) == "" {
		return mcp.NewToolResultError("template is required"), nil
	}

	inputs, err := resolveInputs(args, sc)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	cfg, err := optimizerConfig(sc.Config.Optimizer, args)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opt, err := sc.NewOptimizer(cfg, inputs)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create optimizer: %v", err)), nil
	}
	result, err := opt.Optimize(ctx, template)
	if err != nil && result == nil {
		return mcp.NewToolResultError(fmt.Sprintf("optimization failed: %v", err)), nil
	}
	if err != nil {
		// Best-so-far result is still worth returning.
		return jsonResult(map[string]any{"error": err.Error(), "result": result}, "result")
	}
	return jsonResult(result, "result")
}

// optimizerConfig overlays tool arguments on the configured defaults.
func optimizerConfig(base optimizer.Config, args map[string]any) (optimizer.Config, error) {
	cfg := base
	if raw, ok := args["target_metrics"].(string); ok && raw != "" {
		cfg.TargetMetrics = nil
		for _, name := range strings.Split(raw, ",") {
			m, err := experiment.ParseMetric(strings.TrimSpace(name))
			if err != nil {
				return cfg, err
			}
			cfg.TargetMetrics = append(cfg.TargetMetrics, m)
		}
	}
	if n, ok := args["max_iterations"].(float64); ok && n > 0 {
		cfg.MaxIterations = int(n)
	}
	if n, ok := args["population_size"].(float64); ok && n > 0 {
		cfg.PopulationSize = int(n)
	}
	if n, ok := args["seed"].(float64); ok {
		cfg.Seed = int64(n)
	}
	return cfg, nil
}

func handleGetDashboard(_ context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["experiment_id"].(string)
	if id == "" {
		return jsonResult(sc.Dashboard.Snapshot(), "snapshot")
	}
	status, ok := sc.Dashboard.ExperimentStatus(id)
	if !ok {
		return mcp.NewToolResultError(fmt.Sprintf("experiment %q has no dashboard status", id)), nil
	}
	return jsonResult(map[string]any{
		"experiment": status,
		"metrics":    sc.Dashboard.ExperimentMetrics(id),
	}, "experiment view")
}
