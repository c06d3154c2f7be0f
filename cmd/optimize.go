package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/optimizer"
)

func newOptimizeCmd() *cobra.Command {
	var (
		definition     string
		inputsFile     string
		metrics        []string
		maxIterations  int
		populationSize int
		seed           int64
		outputFile     string
	)

	cmd := &cobra.Command{
		Use:   "optimize <template>",
		Short: "Evolve a prompt template with a genetic search",
		Long: `Evolve a prompt template by mutation and crossover. Every candidate is executed
against a sample of the dataset and scored; fitness combines the target metrics.
The search stops at the fitness threshold, on stagnation or after the last generation.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			inputs, err := loadInputs(sc, inputsFile, definition)
			if err != nil {
				return err
			}

			cfg := sc.Config.Optimizer
			if len(metrics) > 0 {
				cfg.TargetMetrics = nil
				for _, name := range metrics {
					m, err := experiment.ParseMetric(strings.TrimSpace(name))
					if err != nil {
						return err
					}
					cfg.TargetMetrics = append(cfg.TargetMetrics, m)
				}
			}
			if cmd.Flags().Changed("max-iterations") {
				cfg.MaxIterations = maxIterations
			}
			if cmd.Flags().Changed("population") {
				cfg.PopulationSize = populationSize
			}
			if cmd.Flags().Changed("seed") {
				cfg.Seed = seed
			}

			opt, err := sc.NewOptimizer(cfg, inputs)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Optimizing over %d inputs (population %d, up to %d generations)...\n",
				len(inputs), opt.Config().PopulationSize, opt.Config().MaxIterations)

			result, err := opt.Optimize(cmd.Context(), args[0])
			if result == nil {
				return err
			}
			if errors.Is(err, optimizer.ErrAllCandidatesFailed) {
				fmt.Fprintf(out, "Warning: %v; reporting best result so far.\n", err)
			}

			fmt.Fprintf(out, "\nStopped: %s after %d generations\n", result.StopReason, len(result.History))
			fmt.Fprintf(out, "Fitness: %.4f -> %.4f (improvement %.4f)\n", result.BaselineFitness, result.BestFitness, result.ImprovementScore)
			for m, d := range result.MetricsImprovement {
				fmt.Fprintf(out, "  %s: %+.4f\n", m, d)
			}
			fmt.Fprintf(out, "\nOptimized prompt:\n%s\n", result.OptimizedPrompt)

			if outputFile != "" {
				f, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				if err := printJSON(f, result); err != nil {
					return fmt.Errorf("failed to write result: %w", err)
				}
				fmt.Fprintf(out, "\nResult written to: %s\n", outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&definition, "definition", "", "Definition whose dataset candidates are measured against")
	cmd.Flags().StringVar(&inputsFile, "inputs", "", "CSV dataset candidates are measured against")
	cmd.Flags().StringSliceVar(&metrics, "metrics", nil, "Target metrics (quality, latency, cost, tokens, conversion)")
	cmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Maximum number of generations (default: from config)")
	cmd.Flags().IntVar(&populationSize, "population", 0, "Candidates per generation (default: from config)")
	cmd.Flags().Int64Var(&seed, "seed", 0, "Random seed for a reproducible search")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write the full result as JSON to this file")

	return cmd
}
