package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/prompt-optimizer/internal/server"
)

const (
	defaultForecastDays = 7
	defaultTotalTraffic = 1000
)

func registerPredictTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// predict_quality
	qualityTool := mcp.NewTool("predict_quality",
		mcp.WithDescription("Forecast the quality score of a prompt template from historical results"),
		mcp.WithString("template",
			mcp.Required(),
			mcp.Description("Prompt template to forecast"),
		),
	)
	s.AddTool(qualityTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handlePredictQuality(ctx, request, sc)
	})

	// predict_conversion
	conversionTool := mcp.NewTool("predict_conversion",
		mcp.WithDescription("Forecast the conversion rate of each variant of an experiment"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
	)
	s.AddTool(conversionTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handlePredictConversion(ctx, request, sc)
	})

	// predict_cost_trend
	costTool := mcp.NewTool("predict_cost_trend",
		mcp.WithDescription("Forecast the per-request cost of an experiment for the coming days"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
		mcp.WithNumber("days",
			mcp.Description("Forecast horizon in days (default: 7)"),
		),
	)
	s.AddTool(costTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handlePredictCostTrend(ctx, request, sc)
	})

	// predict_traffic_split
	splitTool := mcp.NewTool("predict_traffic_split",
		mcp.WithDescription("Recommend a traffic split between the variants of an experiment"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
		mcp.WithNumber("total_traffic",
			mcp.Description("Number of requests to allocate (default: 1000)"),
		),
		mcp.WithString("exclude",
			mcp.Description("Comma-separated variant names that must receive no traffic"),
		),
	)
	s.AddTool(splitTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handlePredictTrafficSplit(ctx, request, sc)
	})

	return nil
}

func handlePredictQuality(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	template, _ := request.GetArguments()["template"].(string)
	if strings.TrimSpace(template) == "" {
		return mcp.NewToolResultError("template is required"), nil
	}
	result, err := sc.PredictQuality(ctx, template)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("prediction failed: %v", err)), nil
	}
	return jsonResult(result, "prediction")
}

func handlePredictConversion(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	result, err := sc.PredictConversion(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("prediction failed: %v", err)), nil
	}
	return jsonResult(result, "prediction")
}

func handlePredictCostTrend(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, _ := args["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	days := defaultForecastDays
	if d, ok := args["days"].(float64); ok && d > 0 {
		days = int(d)
	}
	result, err := sc.PredictCostTrend(ctx, id, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("prediction failed: %v", err)), nil
	}
	return jsonResult(result, "prediction")
}

func handlePredictTrafficSplit(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, _ := args["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	total := defaultTotalTraffic
	if t, ok := args["total_traffic"].(float64); ok && t > 0 {
		total = int(t)
	}
	var exclude []string
	if raw, ok := args["exclude"].(string); ok && raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				exclude = append(exclude, name)
			}
		}
	}
	plan, err := sc.PredictTrafficSplit(ctx, id, total, exclude)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("prediction failed: %v", err)), nil
	}
	return jsonResult(plan, "traffic plan")
}
