package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/photosift/internal/config"
	"github.com/andresmejia3/photosift/internal/pipeline"
	"github.com/andresmejia3/photosift/internal/storage"
	"github.com/andresmejia3/photosift/internal/utils"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which bundles are migrated, stale or pending",
	Long:  "Inspects the destination the same way migrate does, without fetching or uploading anything.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runStatusReport(cmd.Context(), Cfg, os.Stdout)
	},
}

func init() {
	addLocationFlags(statusCmd.Flags())
	rootCmd.AddCommand(statusCmd)
}

func runStatusReport(ctx context.Context, cfg *config.Config, w io.Writer) error {
	if cfg.Source == "" || cfg.Destination == "" {
		err := errors.New("source and destination are required")
		utils.ShowError("Invalid configuration", err, nil)
		return err
	}

	units, err := pipeline.Enumerate(cfg.Source, cfg.Marker, cfg.BundleExt, cfg.ResultPrefix)
	if err != nil {
		utils.ShowError("Cannot list source location", err, nil)
		return err
	}
	if len(units) == 0 {
		fmt.Fprintf(w, "No bundles matching %q found in %s.\n", cfg.Marker, cfg.Source)
		return nil
	}

	dest, err := storage.Open(cfg.Destination)
	if err != nil {
		utils.ShowError("Invalid destination", err, nil)
		return err
	}
	defer dest.Close()

	counts := make(map[pipeline.BundleState]int)
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tBUNDLE\tARTIFACT\tSTATE")
	fmt.Fprintln(tw, "---\t------\t--------\t-----")
	for _, u := range units {
		state, err := pipeline.InspectState(ctx, dest, u)
		if err != nil {
			tw.Flush()
			utils.ShowError("Cannot inspect destination "+dest.Name(), err, nil)
			return err
		}
		counts[state]++
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", u.Seq, u.Source, u.Artifact(), state)
	}
	tw.Flush()

	fmt.Fprintf(w, "\n%d bundles: %d done, %d stale, %d pending\n",
		len(units), counts[pipeline.StateDone], counts[pipeline.StateStale], counts[pipeline.StatePending])
	return nil
}
