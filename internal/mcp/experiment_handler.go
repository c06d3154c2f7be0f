package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"gopkg.in/yaml.v3"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

func registerExperimentTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// list_definitions
	listDefsTool := mcp.NewTool("list_definitions",
		mcp.WithDescription("List available experiment definitions with their variants and dataset size"),
	)
	s.AddTool(listDefsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListDefinitions(ctx, request, sc)
	})

	// create_experiment
	createTool := mcp.NewTool("create_experiment",
		mcp.WithDescription("Create a draft experiment from a named definition or an inline YAML definition"),
		mcp.WithString("definition",
			mcp.Description("Name of an experiment definition (e.g. 'support-summary')"),
		),
		mcp.WithString("yaml",
			mcp.Description("Inline definition: name, description, variants and config as YAML"),
		),
	)
	s.AddTool(createTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCreateExperiment(ctx, request, sc)
	})

	// set_experiment_status
	statusTool := mcp.NewTool("set_experiment_status",
		mcp.WithDescription("Start, stop or complete an experiment"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
		mcp.WithString("action",
			mcp.Required(),
			mcp.Description("One of: start, stop, complete"),
			mcp.Enum("start", "stop", "complete"),
		),
	)
	s.AddTool(statusTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleSetExperimentStatus(ctx, request, sc)
	})

	// list_experiments
	listTool := mcp.NewTool("list_experiments",
		mcp.WithDescription("List experiments with their status and result counters"),
	)
	s.AddTool(listTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListExperiments(ctx, request, sc)
	})

	// get_experiment
	getTool := mcp.NewTool("get_experiment",
		mcp.WithDescription("Get an experiment with its variants and configuration"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
	)
	s.AddTool(getTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetExperiment(ctx, request, sc)
	})

	// run_experiment
	runTool := mcp.NewTool("run_experiment",
		mcp.WithDescription("Run a started experiment over a dataset: each input is assigned a variant, executed and scored"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("ID of a running experiment"),
		),
		mcp.WithString("definition",
			mcp.Description("Definition whose dataset is used as input"),
		),
		mcp.WithString("inputs",
			mcp.Description("Inputs as a JSON array of objects (overrides the definition dataset)"),
		),
	)
	s.AddTool(runTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleRunExperiment(ctx, request, sc)
	})

	// get_results
	getResultsTool := mcp.NewTool("get_results",
		mcp.WithDescription("Retrieve manifests of past experiment runs"),
		mcp.WithString("run_id",
			mcp.Description("Specific run ID to retrieve (optional, lists all if omitted)"),
		),
	)
	s.AddTool(getResultsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetResults(ctx, request, sc)
	})

	// export_results
	exportTool := mcp.NewTool("export_results",
		mcp.WithDescription("Export all test results of an experiment as CSV or JSON"),
		mcp.WithString("experiment_id",
			mcp.Required(),
			mcp.Description("Experiment ID"),
		),
		mcp.WithString("format",
			mcp.Description("csv or json (default: csv)"),
			mcp.Enum("csv", "json"),
		),
	)
	s.AddTool(exportTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleExportResults(ctx, request, sc)
	})

	return nil
}

func handleListDefinitions(_ context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	names, err := experiment.List(sc.DefinitionsDir)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list experiment definitions: %v", err)), nil
	}

	type definitionInfo struct {
		Name        string   `json:"name"`
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Variants    []string `json:"variants"`
		InputCount  int      `json:"input_count"`
	}

	defs := []definitionInfo{}
	for _, name := range names {
		def, err := sc.LoadDefinition(name)
		if err != nil {
			continue
		}
		variants := make([]string, 0, len(def.Variants))
		for _, v := range def.Variants {
			variants = append(variants, v.Name)
		}
		defs = append(defs, definitionInfo{
			Name:        name,
			Title:       def.Name,
			Description: def.Description,
			Variants:    variants,
			InputCount:  len(def.Inputs),
		})
	}
	return jsonResult(defs, "experiment definitions")
}

func handleCreateExperiment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	name, _ := args["definition"].(string)
	inline, _ := args["yaml"].(string)

	var def *experiment.Definition
	switch {
	case name != "" && inline != "":
		return mcp.NewToolResultError("only one of 'definition' or 'yaml' may be set"), nil
	case name != "":
		loaded, err := sc.LoadDefinition(name)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to load experiment definition: %v", err)), nil
		}
		def = loaded
	case inline != "":
		def = &experiment.Definition{}
		if err := yaml.Unmarshal([]byte(inline), def); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid definition YAML: %v", err)), nil
		}
	default:
		return mcp.NewToolResultError("either 'definition' or 'yaml' is required"), nil
	}

	exp, err := sc.Manager.Create(ctx, def.Name, def.Description, def.Variants, def.Config)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create experiment: %v", err)), nil
	}
	return jsonResult(exp, "experiment")
}

func handleSetExperimentStatus(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	id, _ := args["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	action, _ := args["action"].(string)

	var (
		exp *experiment.Experiment
		err error
	)
	switch action {
	case "start":
		exp, err = sc.Manager.Start(ctx, id)
	case "stop":
		exp, err = sc.Manager.Stop(ctx, id)
	case "complete":
		exp, err = sc.Manager.Complete(ctx, id)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unsupported action %q (supported: start, stop, complete)", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to %s experiment: %v", action, err)), nil
	}
	return jsonResult(exp, "experiment")
}

type experimentSummary struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	Status   experiment.Status   `json:"status"`
	Variants []string            `json:"variants"`
	Counters experiment.Counters `json:"counters"`
}

func handleListExperiments(ctx context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	exps, err := sc.Manager.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list experiments: %v", err)), nil
	}
	out := make([]experimentSummary, 0, len(exps))
	for _, e := range exps {
		out = append(out, experimentSummary{
			ID:       e.ID,
			Name:     e.Name,
			Status:   e.Status,
			Variants: e.VariantNames(),
			Counters: sc.Manager.Counters(e.ID),
		})
	}
	return jsonResult(out, "experiments")
}

func handleGetExperiment(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	id, _ := request.GetArguments()["experiment_id"].(string)
	if id == "" {
		return mcp.NewToolResultError("experiment_id is required"), nil
	}
	exp, err := sc.Manager.Get(ctx, id)
	if err != nil {
		if errors.Is(err, experiment.ErrNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("experiment %q not found", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to get experiment: %v", err)), nil
	}
	return jsonResult(exp, "experiment")
}
