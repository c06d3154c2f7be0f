package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/prompt-optimizer/internal/stats"
)

func newAnalyzeCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "analyze <experiment-id>",
		Short: "Test an experiment's variants for statistical significance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			report, err := sc.Analyze(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the full report as JSON")

	return cmd
}

func printReport(w io.Writer, r *stats.Report) {
	fmt.Fprintf(w, "Analysis: %s\n", r.ExperimentID)
	fmt.Fprintf(w, "Status: %s\n", r.Status)
	fmt.Fprintf(w, "Primary metric: %s\n", r.PrimaryMetric)
	fmt.Fprintf(w, "Samples: %d\n", r.TotalSamples)
	if r.BestVariant != "" {
		fmt.Fprintf(w, "Best variant: %s (confidence %.1f%%)\n", r.BestVariant, r.ConfidenceLevel*100)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nVARIANT\tSAMPLES\tQUALITY\tLATENCY MS\tCOST\tCONVERSION\tPRIMARY\tCI")
	for _, v := range r.Variants {
		fmt.Fprintf(tw, "%s\t%d\t%.3f\t%.1f\t%.5f\t%.3f\t%.4f\t[%.4f, %.4f]\n",
			v.Name, v.Count, v.QualityMean, v.MeanLatencyMs, v.MeanCost, v.ConversionRate, v.PrimaryMean, v.PrimaryCILow, v.PrimaryCIHigh)
	}
	_ = tw.Flush()

	if len(r.Results) > 0 {
		tw = tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\nCOMPARISON\tMETRIC\tP-VALUE\tEFFECT\tSIGNIFICANT\tWINNER")
		for _, s := range r.Results {
			fmt.Fprintf(tw, "%s vs %s\t%s\t%.4f\t%.4f\t%t\t%s\n", s.VariantA, s.VariantB, s.Metric, s.PValue, s.EffectSize, s.IsSignificant, s.Winner)
		}
		_ = tw.Flush()
	}

	if len(r.Shortfall) > 0 {
		fmt.Fprintf(w, "\nStill collecting:\n")
		for name, n := range r.Shortfall {
			fmt.Fprintf(w, "  - %s needs %d more samples\n", name, n)
		}
	}
	if len(r.Recommendations) > 0 {
		fmt.Fprintf(w, "\nRecommendations:\n")
		for _, rec := range r.Recommendations {
			fmt.Fprintf(w, "  - %s\n", rec)
		}
	}
}
