package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/profile"
	"github.com/kilianp07/wqforecast/pkg/export"
)

func newProfileCmd() *cobra.Command {
	var runID, op, format string
	cmd := &cobra.Command{
		Use:   "profile FILE",
		Short: "Summarize or export a task profile written with --prof",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) != 1 {
				return errdefs.Configuration("expected one profile file, got %d argument(s)", len(args))
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err != nil {
				return errdefs.Configuration("profile: %w", err)
			}
			store, err := profile.Open(args[0])
			if err != nil {
				return errdefs.Configuration("profile: %w", err)
			}
			defer store.Close()
			recs, err := store.Query(cmd.Context(), profile.Query{RunID: runID, Op: op})
			if err != nil {
				return errdefs.Data("profile %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			switch format {
			case "csv":
				return export.WriteCSV(out, recs)
			case "json":
				return export.WriteJSON(out, recs)
			case "summary":
				w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "OP\tTASKS\tFAILED\tTOTAL\tMAX\tPEAK HEAP MB")
				for _, s := range profile.Summarize(recs) {
					fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\t%.1f\n", s.Op, s.Tasks, s.Failed,
						s.Total.Round(time.Microsecond), s.Max.Round(time.Microsecond), float64(s.PeakHeap)/(1<<20))
				}
				return w.Flush()
			}
			return errdefs.Configuration("unknown profile format %q (summary, csv, json)", format)
		},
	}
	f := cmd.Flags()
	f.StringVar(&runID, "run", "", "only records of this run id")
	f.StringVar(&op, "op", "", "only records of this operation (load, forecast, filter)")
	f.StringVar(&format, "format", "summary", "output format (summary, csv, json)")
	return cmd
}
