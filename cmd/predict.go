package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newPredictCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Forecast quality, cost and traffic allocation from historical results",
	}
	cmd.AddCommand(
		newPredictQualityCmd(),
		newPredictConversionCmd(),
		newPredictCostCmd(),
		newPredictSplitCmd(),
	)
	return cmd
}

func newPredictQualityCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "quality <template>",
		Short: "Forecast the quality score of a prompt template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			result, err := sc.PredictQuality(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newPredictConversionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "conversion <experiment-id>",
		Short: "Forecast the conversion rate of each variant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			result, err := sc.PredictConversion(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newPredictCostCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cost <experiment-id>",
		Short: "Forecast the per-request cost for the coming days",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			trend, err := sc.PredictCostTrend(cmd.Context(), args[0], days)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "HORIZON\tCOST\tLOW\tHIGH\tACCURACY")
			for _, r := range trend {
				fmt.Fprintf(tw, "%s\t%.6f\t%.6f\t%.6f\t%.2f\n", r.Horizon, r.PredictedValue, r.ConfidenceLow, r.ConfidenceHigh, r.ModelAccuracy)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Forecast horizon in days")

	return cmd
}

func newPredictSplitCmd() *cobra.Command {
	var (
		total   int
		exclude []string
	)

	cmd := &cobra.Command{
		Use:   "split <experiment-id>",
		Short: "Recommend a traffic split between the variants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			plan, err := sc.PredictTrafficSplit(cmd.Context(), args[0], total, exclude)
			if err != nil {
				return err
			}

			names := make([]string, 0, len(plan.Split))
			for name := range plan.Split {
				names = append(names, name)
			}
			sort.Strings(names)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "VARIANT\tSHARE\tREQUESTS")
			for _, name := range names {
				fmt.Fprintf(tw, "%s\t%.1f%%\t%d\n", name, plan.Split[name]*100, plan.Counts[name])
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVar(&total, "total", 1000, "Number of requests to allocate")
	cmd.Flags().StringSliceVar(&exclude, "exclude", nil, "Variants that must receive no traffic")

	return cmd
}
