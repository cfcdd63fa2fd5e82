package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilianp07/wqforecast/core/model"
)

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List the built-in model presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			names, def, err := model.Presets()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTARGET\tLOOKBACK\tMAX HORIZON\tFEATURES")
			for _, n := range names {
				h, err := model.Load(n, model.Options{Horizon: 1, Threads: 1})
				if err != nil {
					return err
				}
				name := n
				if n == def {
					name += " (default)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", name, h.Target(), h.Lookback(), h.MaxHorizon(), len(h.Features()))
			}
			return w.Flush()
		},
	}
}
