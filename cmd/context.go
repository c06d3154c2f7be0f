package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/giantswarm/prompt-optimizer/internal/config"
	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

// memoryStore selects the in-memory store on the command line.
const memoryStore = "memory"

// contextFlags are the persistent flags every command builds its server
// context from.
var contextFlags struct {
	configFile     string
	store          string
	outputDir      string
	definitionsDir string
	endpoint       string
	apiKey         string
	model          string
}

func addContextFlags(flags *pflag.FlagSet) {
	flags.StringVar(&contextFlags.configFile, "config", "", "Path to a YAML configuration file")
	flags.StringVar(&contextFlags.store, "store", "prompt-optimizer.db", "SQLite database for experiments and results ('memory' keeps nothing)")
	flags.StringVar(&contextFlags.outputDir, "output-dir", "results", "Directory for run results")
	flags.StringVar(&contextFlags.definitionsDir, "definitions-dir", "", "External experiment definitions directory (optional)")
	flags.StringVar(&contextFlags.endpoint, "endpoint", "", "LLM API endpoint URL (overrides config)")
	flags.StringVar(&contextFlags.apiKey, "api-key", "", "API key (or set OPENAI_API_KEY)")
	flags.StringVar(&contextFlags.model, "model", "", "Model prompts are executed on (overrides config)")
}

// loadConfig reads the configuration file and applies command-line overrides.
// Judge settings inherited from the execution model follow the overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(contextFlags.configFile)
	if err != nil {
		return nil, err
	}

	if cmd.Flags().Changed("store") || cfg.Store.Path == "" {
		cfg.Store.Path = contextFlags.store
	}
	if cfg.Store.Path == memoryStore {
		cfg.Store.Path = ""
	}

	prev := cfg.LLM
	if contextFlags.endpoint != "" {
		cfg.LLM.BaseURL = contextFlags.endpoint
		if cfg.Judge.BaseURL == prev.BaseURL {
			cfg.Judge.BaseURL = contextFlags.endpoint
		}
	}
	if contextFlags.apiKey != "" {
		cfg.LLM.APIKey = contextFlags.apiKey
		if cfg.Judge.APIKey == prev.APIKey {
			cfg.Judge.APIKey = contextFlags.apiKey
		}
	}
	if contextFlags.model != "" {
		cfg.LLM.Model = contextFlags.model
	}
	return cfg, nil
}

// newServerContext builds the shared dependencies of a command. Callers must
// close the returned context.
func newServerContext(cmd *cobra.Command) (*server.ServerContext, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return newServerContextFrom(cfg)
}

func newServerContextFrom(cfg *config.Config) (*server.ServerContext, error) {
	sc, err := server.NewServerContext(cfg, server.Options{
		OutputDir:      contextFlags.outputDir,
		DefinitionsDir: contextFlags.definitionsDir,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialise: %w", err)
	}
	return sc, nil
}

func closeServerContext(sc *server.ServerContext) {
	if err := sc.Close(context.Background()); err != nil {
		slog.Warn("failed to close resources", "error", err)
	}
}

// loadInputs reads the dataset given by --inputs, or the dataset of the named
// definition.
func loadInputs(sc *server.ServerContext, inputsFile, definition string) ([]map[string]any, error) {
	if inputsFile != "" {
		inputs, err := experiment.LoadInputs(inputsFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load inputs: %w", err)
		}
		return inputs, nil
	}
	if definition == "" {
		return nil, fmt.Errorf("either --inputs or --definition is required")
	}
	def, err := sc.LoadDefinition(definition)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment definition: %w", err)
	}
	return def.Inputs, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
