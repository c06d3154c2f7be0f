package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/prompt-optimizer/internal/experiment"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List available experiment definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := contextFlags.definitionsDir
			names, err := experiment.List(dir)
			if err != nil {
				return fmt.Errorf("failed to list experiment definitions: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(names) == 0 {
				fmt.Fprintln(out, "No experiment definitions found.")
				return nil
			}

			fmt.Fprintf(out, "Available experiment definitions:\n\n")
			for _, name := range names {
				def, err := experiment.Load(name, dir)
				if err != nil {
					fmt.Fprintf(out, "  - %s (error loading: %v)\n", name, err)
					continue
				}
				fmt.Fprintf(out, "  - %s\n", name)
				fmt.Fprintf(out, "    Name: %s\n", def.Name)
				fmt.Fprintf(out, "    Description: %s\n", def.Description)
				fmt.Fprintf(out, "    Variants: %d\n", len(def.Variants))
				fmt.Fprintf(out, "    Inputs: %d\n\n", len(def.Inputs))
			}

			return nil
		},
	}
}
