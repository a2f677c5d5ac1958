package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/photosift/internal/store"
	"github.com/andresmejia3/photosift/internal/utils"
)

var (
	historyRuns  bool
	historyRun   string
	historyLimit int
)

var errNoLedger = errors.New("no ledger configured (use --db or POSTGRES_HOST)")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recorded runs and bundle outcomes from the ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			utils.ShowError("History unavailable", errNoLedger, nil)
			return errNoLedger
		}
		if historyRuns {
			return listRuns(cmd.Context(), DB, historyLimit, os.Stdout)
		}
		var runID *uuid.UUID
		if historyRun != "" {
			id, err := uuid.Parse(historyRun)
			if err != nil {
				return fmt.Errorf("invalid run ID %q: %w", historyRun, err)
			}
			runID = &id
		}
		return listBundles(cmd.Context(), DB, runID, os.Stdout)
	},
}

func init() {
	historyCmd.Flags().BoolVar(&historyRuns, "runs", false, "List runs instead of bundles")
	historyCmd.Flags().StringVar(&historyRun, "run", "", "Show the bundles of this run ID (default: latest run)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Maximum number of runs listed")
	rootCmd.AddCommand(historyCmd)
}

func listRuns(ctx context.Context, db *store.Store, limit int, out io.Writer) error {
	runs, err := db.ListRuns(ctx, limit)
	if err != nil {
		utils.ShowError("Failed to list runs", err, nil)
		return err
	}

	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS\tUPLOADED\tSKIPPED\tFAILED\tMATCHES")
	fmt.Fprintln(w, "---\t-------\t------\t--------\t-------\t------\t-------")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
			r.ID, r.StartedAt.Local().Format("2006-01-02 15:04"), r.Status, r.Uploaded, r.Skipped, r.Failed, r.Matches)
	}
	return w.Flush()
}

func listBundles(ctx context.Context, db *store.Store, runID *uuid.UUID, out io.Writer) error {
	bundles, err := db.ListBundles(ctx, runID)
	if err != nil {
		utils.ShowError("Failed to list bundles", err, nil)
		return err
	}

	if len(bundles) == 0 {
		fmt.Fprintln(out, "No bundles recorded.")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "SEQ\tBUNDLE\tRESULT\tOUTCOME\tMATCHES\tSIZE\tDURATION\tERROR")
	fmt.Fprintln(w, "---\t------\t------\t-------\t-------\t----\t--------\t-----")

	for _, b := range bundles {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			b.Seq, b.Source, b.Result, b.Outcome, b.Matches, utils.HumanBytes(b.Bytes), fmtDuration(b.Duration), b.Error)
	}
	return w.Flush()
}
