package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/murabcd/vibestack/unifiedllm"
)

func init() {
	rootCmd.AddCommand(modelsCmd)
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models offered to clients",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCONTEXT\tREASONING\tIN $/1M\tOUT $/1M")
		for _, m := range unifiedllm.ListModels("") {
			id := m.ID
			if id == cfg.Model.Default {
				id += " (default)"
			}
			fmt.Fprintf(tw, "%s\t%s\t%d\t%t\t%.2f\t%.2f\n",
				id, m.Name, m.ContextWindow, m.SupportsReasoning, m.InputCostPerMillion, m.OutputCostPerMillion)
		}
		return tw.Flush()
	},
}
