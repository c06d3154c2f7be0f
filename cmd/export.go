package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

func newExportCmd() *cobra.Command {
	var (
		format     string
		outputFile string
	)

	cmd := &cobra.Command{
		Use:   "export <experiment-id>",
		Short: "Export an experiment's test results as CSV or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := experiment.ParseFormat(format)
			if err != nil {
				return err
			}

			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			results, err := sc.Manager.Results(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if outputFile != "" {
				file, err := os.Create(outputFile)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer file.Close()
				w = file
			}
			if err := experiment.Export(w, results, f); err != nil {
				return fmt.Errorf("failed to export results: %w", err)
			}
			if outputFile != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Exported %d results to %s\n", len(results), outputFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&format, "format", string(experiment.FormatCSV), "Export format: csv or json")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Output file (default: stdout)")

	return cmd
}
