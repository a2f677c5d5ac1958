package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/andresmejia3/photosift/internal/config"
	"github.com/andresmejia3/photosift/internal/logging"
	"github.com/andresmejia3/photosift/internal/store"
)

var (
	// Cfg is the resolved configuration, built once in PersistentPreRunE
	Cfg *config.Config
	// Log is the run logger
	Log *slog.Logger
	// DB is the optional run ledger; nil when no database is configured
	DB *store.Store

	cfgFile  string
	closeLog func() error
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "photosift",
	Short:   "Resumable photo archive migration with face filtering",
	Version: Version, // This enables the --version flag
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags(), cfgFile)
		if err != nil {
			return err
		}
		Cfg = cfg

		Log, closeLog, err = logging.New(logging.Options{Verbose: cfg.Verbose, File: cfg.LogFile})
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		// The ledger is history only, so an unreachable database is not fatal here.
		if url := ledgerURL(cfg); url != "" {
			// Use the command's context (which will be cancellable) for the connection
			DB, err = store.New(cmd.Context(), url)
			if err != nil {
				Log.Warn("Ledger unavailable, continuing without it", "db", logging.RedactURL(url), "error", err)
				DB = nil
			}
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			// Use Background here because the main context might be cancelled already (due to Ctrl+C)
			// and we still need to send the "Close" command to the DB.
			DB.Close(context.Background())
		}
		if closeLog != nil {
			closeLog()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// This tells Cobra not to print the version in the help text, which is cleaner.
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	d := config.Defaults()
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "YAML config file (default: ./photosift.yaml if present)")
	pf.String("db", "", "PostgreSQL connection string for the run ledger (default: built from POSTGRES_* if set)")
	pf.String("log-file", "", "Also write JSON logs to this file")
	pf.BoolP("verbose", "v", false, "Enable debug logging")
	pf.Bool("progress", d.Progress, "Show progress bars")
}

// ledgerURL returns the configured connection string, or one built from the
// POSTGRES_* environment, or "" when neither is present.
func ledgerURL(cfg *config.Config) string {
	if cfg.DB != "" {
		return cfg.DB
	}
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// --- Shared flag groups. Defaults mirror config.Defaults so an unset flag never
// shadows the config file. ---

func addLocationFlags(fs *pflag.FlagSet) {
	d := config.Defaults()
	fs.StringP("source", "s", d.Source, "Directory holding the source bundles")
	fs.StringP("destination", "o", d.Destination, "Destination for remainder archives (path, sftp:// or ftp:// URL)")
	fs.String("marker", d.Marker, "Only bundles whose name contains this token are migrated")
	fs.String("bundle-ext", d.BundleExt, "Extension of source bundles")
	fs.String("result-prefix", d.ResultPrefix, "Name prefix of remainder archives")
}

func addWorkspaceFlags(fs *pflag.FlagSet) {
	d := config.Defaults()
	fs.StringP("results", "r", d.Results, "Directory receiving matched photos (never cleared)")
	fs.String("scratch", d.Scratch, "Local scratch directory for fetch, extraction and packing")
}

func addMatchFlags(fs *pflag.FlagSet) {
	d := config.Defaults()
	fs.String("references", d.References, "Directory of reference face photos")
	fs.StringSlice("extensions", d.Extensions, "Photo extensions considered for matching")
	fs.Float64P("tolerance", "t", d.Tolerance, "Face matching tolerance (lower is stricter)")
	fs.String("encoder-cmd", d.EncoderCmd, "Command starting the face encoder process")
	fs.Duration("encode-timeout", d.EncodeTimeout, "Maximum time to wait for one encoder reply")
}

func addUploadFlags(fs *pflag.FlagSet) {
	d := config.Defaults()
	fs.Int("max-attempts", d.MaxAttempts, "Upload attempts per remainder archive before halting")
	fs.Duration("retry-delay", d.RetryDelay, "Delay between upload attempts")
	fs.String("verify", d.Verify, "Upload verification: 'size' or 'exists'")
	fs.String("metrics-file", "", "Write Prometheus metrics to this textfile after the run")
	fs.StringSlice("notify", nil, "shoutrrr URLs notified when the run ends")
}
