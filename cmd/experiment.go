package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
	"github.com/giantswarm/prompt-optimizer/internal/server"
)

func newExperimentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "experiment",
		Aliases: []string{"exp"},
		Short:   "Manage experiments",
	}
	cmd.AddCommand(
		newExperimentCreateCmd(),
		newExperimentTransitionCmd("start", "Start a draft or stopped experiment", (*experiment.Manager).Start),
		newExperimentTransitionCmd("stop", "Pause a running experiment", (*experiment.Manager).Stop),
		newExperimentTransitionCmd("complete", "Complete a running or stopped experiment", (*experiment.Manager).Complete),
		newExperimentListCmd(),
		newExperimentGetCmd(),
	)
	return cmd
}

func newExperimentCreateCmd() *cobra.Command {
	var (
		file  string
		start bool
	)

	cmd := &cobra.Command{
		Use:   "create [definition]",
		Short: "Create an experiment from a definition",
		Long: `Create a draft experiment from a named definition (embedded or in --definitions-dir)
or from a definition directory given with --file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (file == "") {
				return fmt.Errorf("specify either a definition name or --file")
			}

			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			var def *experiment.Definition
			if file != "" {
				def, err = experiment.LoadDefinition(file)
			} else {
				def, err = sc.LoadDefinition(args[0])
			}
			if err != nil {
				return fmt.Errorf("failed to load experiment definition: %w", err)
			}

			ctx := cmd.Context()
			exp, err := sc.Manager.Create(ctx, def.Name, def.Description, def.Variants, def.Config)
			if err != nil {
				return err
			}
			if start {
				if exp, err = sc.Manager.Start(ctx, exp.ID); err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Created experiment %s (%s, %s)\n", exp.ID, exp.Name, exp.Status)
			return nil
		},
	}

	cmd.Flags().StringVar(&file, "file", "", "Definition directory containing config.yaml")
	cmd.Flags().BoolVar(&start, "start", false, "Start the experiment right away")

	return cmd
}

type transitionFunc func(m *experiment.Manager, ctx context.Context, id string) (*experiment.Experiment, error)

func newExperimentTransitionCmd(use, short string, transition transitionFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <experiment-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			exp, err := transition(sc.Manager, cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Experiment %s is now %s\n", exp.ID, exp.Status)
			return nil
		},
	}
}

func newExperimentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List experiments",
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			exps, err := sc.Manager.List(cmd.Context())
			if err != nil {
				return err
			}
			return printExperiments(cmd, sc, exps)
		},
	}
}

func printExperiments(cmd *cobra.Command, sc *server.ServerContext, exps []*experiment.Experiment) error {
	if len(exps) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No experiments found.")
		return nil
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tVARIANTS\tRESULTS\tCREATED")
	for _, e := range exps {
		results, err := sc.Manager.Results(cmd.Context(), e.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n", e.ID, e.Name, e.Status, len(e.Variants), len(results), e.CreatedAt.Format("2006-01-02 15:04"))
	}
	return tw.Flush()
}

func newExperimentGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <experiment-id>",
		Short: "Show an experiment as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc, err := newServerContext(cmd)
			if err != nil {
				return err
			}
			defer closeServerContext(sc)

			exp, err := sc.Manager.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), exp)
		},
	}
}
