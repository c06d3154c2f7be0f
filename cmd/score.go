package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newScoreCmd() *cobra.Command {
	var (
		scoringModel string
		repetitions  int
	)

	cmd := &cobra.Command{
		Use:   "score <results-file>",
		Short: "Re-score a results file using an LLM as judge",
		Long: `Evaluate every response of a run's results.csv by sending it to a scoring LLM.
Runs multiple evaluation passes for confidence and writes one JSON evaluation
per result next to the results file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resultsFile := args[0]

			if _, err := os.Stat(resultsFile); os.IsNotExist(err) {
				return fmt.Errorf("results file not found: %s", resultsFile)
			}

			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Judge.Heuristic = false
			if scoringModel != "" {
				cfg.Judge.Model = scoringModel
			}
			if repetitions > 0 {
				cfg.Judge.Repetitions = repetitions
			}
			sc, err := newServerContextFrom(cfg)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Scoring: %s\n", resultsFile)
			fmt.Fprintf(out, "Repetitions: %d\n\n", cfg.Judge.Repetitions)

			scored, err := sc.ScoreResults(cmd.Context(), resultsFile)
			if err != nil {
				return err
			}

			sum, parsed := 0.0, 0
			for _, s := range scored {
				if s.Summary.MeanScore == nil {
					fmt.Fprintf(out, "  %s (%s): unparsed\n", s.UserID, s.Variant)
					continue
				}
				sum += *s.Summary.MeanScore
				parsed++
				fmt.Fprintf(out, "  %s (%s): %.2f\n", s.UserID, s.Variant, *s.Summary.MeanScore)
			}
			if parsed > 0 {
				fmt.Fprintf(out, "\nMean score: %.4f over %d of %d results\n", sum/float64(parsed), parsed, len(scored))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scoringModel, "scoring-model", "", "Scoring model name (default: from config)")
	cmd.Flags().IntVar(&repetitions, "repetitions", 0, "Number of scoring repetitions (default: from config)")

	return cmd
}
