package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/photosift/internal/config"
	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/logging"
	"github.com/andresmejia3/photosift/internal/metrics"
	"github.com/andresmejia3/photosift/internal/notify"
	"github.com/andresmejia3/photosift/internal/pipeline"
	"github.com/andresmejia3/photosift/internal/storage"
	"github.com/andresmejia3/photosift/internal/store"
	"github.com/andresmejia3/photosift/internal/utils"
	"github.com/andresmejia3/photosift/internal/worker"
)

const notifyTimeout = 30 * time.Second

// faceEncoder is the supervised encoder process as the commands see it.
type faceEncoder interface {
	faces.Encoder
	Command() *utils.SafeCommand
	Close()
}

// startEncoder is replaced in tests.
var startEncoder = func(cfg *config.Config, log *slog.Logger) faceEncoder {
	return worker.NewEncoder(cfg.EncoderCommand(), cfg.EncodeTimeout, log)
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Filter every source bundle and upload the remainders",
	Long: `Takes each source bundle through fetch, extract, face scan, repack and upload.
Bundles whose remainder archive already exists at the destination are skipped,
so an interrupted or halted run is resumed by running the same command again.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		_, err := runMigrate(cmd.Context(), Cfg, DB, Log, os.Stderr)
		return err
	},
}

func init() {
	fs := migrateCmd.Flags()
	addLocationFlags(fs)
	addWorkspaceFlags(fs)
	addMatchFlags(fs)
	addUploadFlags(fs)
	rootCmd.AddCommand(migrateCmd)
}

// runMigrate performs one migration run. db may be nil.
func runMigrate(ctx context.Context, cfg *config.Config, db *store.Store, log *slog.Logger, out io.Writer) (pipeline.RunStats, error) {
	if err := cfg.Validate(); err != nil {
		utils.ShowError("Invalid configuration", err, nil)
		return pipeline.RunStats{}, err
	}

	dest, err := storage.Open(cfg.Destination)
	if err != nil {
		utils.ShowError("Invalid destination", err, nil)
		return pipeline.RunStats{}, err
	}
	defer dest.Close()

	notifier, err := notify.New(cfg.Notify, notifyTimeout, log)
	if err != nil {
		utils.ShowError("Invalid notification settings", err, nil)
		return pipeline.RunStats{}, err
	}

	registry := prometheus.NewRegistry()
	runMetrics, err := metrics.New(registry)
	if err != nil {
		return pipeline.RunStats{}, fmt.Errorf("failed to register metrics: %w", err)
	}

	runID := uuid.New()
	log = log.With("run", runID.String())
	opts := []pipeline.Option{pipeline.WithObserver(runMetrics)}
	if db != nil {
		if err := db.StartRun(ctx, runID, cfg.Source, logging.RedactURL(cfg.Destination)); err != nil {
			log.Warn("Ledger write failed, continuing without it", "error", err)
			db = nil
		} else {
			opts = append(opts, pipeline.WithRecorder(db.Recorder(runID)))
		}
	}

	fmt.Fprintln(out, "🚀 Starting face encoder...")
	enc := startEncoder(cfg, log)
	defer enc.Close()

	fmt.Fprintf(out, "📦 Migrating %s -> %s\n", cfg.Source, dest.Name())
	start := time.Now()
	stats, runErr := pipeline.New(cfg, enc, dest, log, opts...).Run(ctx)
	elapsed := time.Since(start)

	// The run is over; reporting must still happen after Ctrl+C.
	reportCtx := context.WithoutCancel(ctx)
	if db != nil {
		if err := db.FinishRun(reportCtx, runID, runStatus(stats, runErr), stats); err != nil {
			log.Warn("Ledger write failed", "error", err)
		}
	}

	runMetrics.Finish(runErr == nil, time.Now())
	if cfg.MetricsFile != "" {
		if err := runMetrics.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warn("Failed to write metrics", "file", cfg.MetricsFile, "error", err)
		}
	}

	if err := notifier.RunFinished(stats, runErr, elapsed); err != nil {
		log.Warn("Failed to send notification", "error", logging.RedactString(err.Error()))
	}

	printSummary(out, stats, elapsed)

	switch {
	case runErr == nil:
		fmt.Fprintf(out, "\n🏁 Migration Complete. %d photos matched.\n", stats.Matches)
	case errors.Is(runErr, context.Canceled):
		fmt.Fprintf(out, "\n🛑 Interrupted. Run the same command again to resume (%d bundles left).\n", stats.Remaining)
	default:
		var proc *utils.SafeCommand
		if pipeline.IsErrorCode(runErr, pipeline.ErrEncoder) {
			proc = enc.Command()
		}
		utils.ShowError(haltReason(runErr), runErr, proc)
	}
	return stats, runErr
}

// runStatus maps the outcome of Run onto the ledger's run status.
func runStatus(stats pipeline.RunStats, runErr error) string {
	switch {
	case runErr == nil:
		return store.StatusCompleted
	case errors.Is(runErr, context.Canceled):
		return store.StatusInterrupted
	case stats.Halted:
		return store.StatusHalted
	default:
		return store.StatusFailed
	}
}

func haltReason(err error) string {
	var perr *pipeline.Error
	if !errors.As(err, &perr) {
		return "Migration failed"
	}
	switch perr.Code {
	case pipeline.ErrUpload:
		return "Destination unreachable, migration halted"
	case pipeline.ErrEncoder:
		return "Face encoder crashed, migration halted"
	case pipeline.ErrReferenceLoadEmpty:
		return "No usable reference faces"
	case pipeline.ErrSourceMissing:
		return "Source location unavailable"
	case pipeline.ErrDestinationCreate:
		return "Cannot create output locations"
	default:
		return "Migration halted"
	}
}

func printSummary(w io.Writer, s pipeline.RunStats, elapsed time.Duration) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 MIGRATION SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")
	fmt.Fprintf(w, "📦 Bundles:            %d\n", s.Total)
	fmt.Fprintf(w, "⬆️  Uploaded:           %d (%s)\n", s.Uploaded, utils.HumanBytes(s.BytesUp))
	fmt.Fprintf(w, "⏭️  Already migrated:   %d\n", s.Skipped)
	if s.Redone > 0 {
		fmt.Fprintf(w, "♻️  Redone (stale):     %d\n", s.Redone)
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "⚠️  Skipped (bad data): %d\n", s.Failed)
	}
	fmt.Fprintf(w, "👤 Matched photos:     %d\n", s.Matches)
	if s.Remaining > 0 {
		fmt.Fprintf(w, "⏸️  Left for next run:  %d\n", s.Remaining)
	}
	fmt.Fprintf(w, "⏱️  Elapsed:            %s\n", fmtDuration(elapsed))
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

func fmtDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
