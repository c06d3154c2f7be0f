package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/runner"
)

func newRunCmd() *cobra.Command {
	var (
		experimentID string
		inputsFile   string
		timeout      time.Duration
		analyze      bool
	)

	cmd := &cobra.Command{
		Use:   "run <definition>",
		Short: "Run an experiment definition's dataset through its variants",
		Long: `Send every input of a dataset through a running experiment. Each input is
assigned a variant by the traffic split, executed against the LLM and scored.

Without --experiment a new experiment is created from the definition and started.
Results are written to the output directory as CSV with a JSON metadata manifest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			def, err := sc.LoadDefinition(args[0])
			if err != nil {
				return fmt.Errorf("failed to load experiment definition: %w", err)
			}
			inputs := def.Inputs
			if inputsFile != "" {
				if inputs, err = loadInputs(sc, inputsFile, ""); err != nil {
					return err
				}
			}

			var exp *experiment.Experiment
			if experimentID != "" {
				exp, err = sc.Manager.Get(ctx, experimentID)
			} else {
				exp, err = sc.Manager.Create(ctx, def.Name, def.Description, def.Variants, def.Config)
				if err == nil {
					exp, err = sc.Manager.Start(ctx, exp.ID)
				}
			}
			if err != nil {
				return err
			}

			r := runner.NewRunner(sc.Manager, sc.OutputDir)
			r.SetProgressFunc(func(_ string, idx, total int) {
				fmt.Fprintf(cmd.OutOrStdout(), "\r  Processing input %d/%d...", idx, total)
			})

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Experiment: %s (%s)\n", exp.Name, exp.ID)
			fmt.Fprintf(out, "Description: %s\n", exp.Description)
			fmt.Fprintf(out, "Variants:\n")
			for i, v := range exp.Variants {
				fmt.Fprintf(out, "  %d. %s (traffic: %.0f%%)\n", i+1, v.Name, exp.Config.TrafficSplit[v.Name]*100)
			}
			fmt.Fprintln(out)

			run, err := r.Run(ctx, exp.ID, inputs)
			if err != nil {
				return err
			}

			fmt.Fprintf(out, "\n\nRun completed.\n")
			fmt.Fprintf(out, "Run ID: %s\n", run.ID)
			fmt.Fprintf(out, "Duration: %s\n", run.Duration)
			fmt.Fprintf(out, "Completed: %d, failed: %d\n", run.Completed, run.Failed)
			fmt.Fprintf(out, "Results: %s\n", run.ResultsFile)

			if analyze {
				report, err := sc.Analyze(ctx, exp.ID)
				if err != nil {
					return err
				}
				fmt.Fprintln(out)
				printReport(out, report)
			}

			slog.Info("experiment run complete", "run_id", run.ID, "experiment_id", exp.ID)
			return nil
		},
	}

	cmd.Flags().StringVar(&experimentID, "experiment", "", "Run against an existing running experiment instead of creating one")
	cmd.Flags().StringVar(&inputsFile, "inputs", "", "CSV dataset to use instead of the definition's inputs")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Overall timeout for the run (e.g. 30m, 1h). 0 means no timeout")
	cmd.Flags().BoolVar(&analyze, "analyze", true, "Print the statistical analysis after the run")

	return cmd
}
