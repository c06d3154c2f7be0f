package cmd

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "prompt-optimizer",
	Short: "Experiment analysis and optimization engine for prompt templates",
	Long: `prompt-optimizer runs controlled experiments between prompt template variants,
tests them for statistical significance, evolves better templates with a genetic
search, watches live metrics on a dashboard with threshold alerts, and forecasts
quality, cost and the best traffic split from historical results.

All functionality is also exposed via an MCP server with OAuth 2.1 authentication.

When run without subcommands, it starts the MCP server (equivalent to 'prompt-optimizer serve').`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		debug, _ := cmd.Flags().GetBool("debug")
		if verbose || debug {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
				Level: slog.LevelDebug,
			})))
		}
	},
}

// serveCmd is stored so the root command can delegate to it by default.
var serveCmd *cobra.Command

var (
	buildCommit = "unknown"
	buildDate   = "unknown"
)

// SetVersion sets the version for the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

// SetBuildInfo sets the commit and build date for the version command.
func SetBuildInfo(commit, date string) {
	buildCommit = commit
	buildDate = date
}

// Execute is the main entry point for the CLI application.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "prompt-optimizer version %s\n" .Version}}`)

	// Default to the serve command when invoked without arguments.
	// We use Run (not RunE) to print the help text directing the user to use
	// an explicit subcommand, since the root command cannot parse serve-specific
	// flags (like --transport, --http-addr).
	rootCmd.Run = func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(os.Stderr, "No subcommand specified. Defaulting to 'serve' (stdio transport).")
		fmt.Fprintln(os.Stderr, "For HTTP transport or OAuth, use: prompt-optimizer serve --transport streamable-http")
		fmt.Fprintln(os.Stderr)
		if err := serveCmd.RunE(serveCmd, args); err != nil {
			slog.Error("serve failed", "error", err)
			os.Exit(1)
		}
	}

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	serveCmd = newServeCmd()
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(newListCmd())
	rootCmd.AddCommand(newExperimentCmd())
	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newAnalyzeCmd())
	rootCmd.AddCommand(newOptimizeCmd())
	rootCmd.AddCommand(newExportCmd())
	rootCmd.AddCommand(newPredictCmd())
	rootCmd.AddCommand(newScoreCmd())

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	addContextFlags(rootCmd.PersistentFlags())
}
