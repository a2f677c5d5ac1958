package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/andresmejia3/photosift/internal/archive"
	"github.com/andresmejia3/photosift/internal/config"
	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/logging"
	"github.com/andresmejia3/photosift/internal/pipeline"
	"github.com/andresmejia3/photosift/internal/store"
	"github.com/andresmejia3/photosift/internal/utils"
)

// fakeEncoder maps file contents to fixed vectors instead of running the encoder process.
type fakeEncoder struct {
	closed bool
}

func (f *fakeEncoder) Encode(ctx context.Context, image []byte) ([]faces.Vector, error) {
	switch string(image) {
	case "alice-ref":
		return []faces.Vector{{0, 0}}, nil
	case "alice-photo":
		return []faces.Vector{{9, 9}, {0.1, 0}}, nil
	case "stranger-photo":
		return []faces.Vector{{5, 5}}, nil
	case "corrupt-jpeg":
		return nil, &faces.DecodeError{Err: errors.New("cannot identify image file")}
	}
	return nil, nil
}

func (f *fakeEncoder) Command() *utils.SafeCommand { return nil }
func (f *fakeEncoder) Close()                      { f.closed = true }

func useFakeEncoder(t *testing.T) *fakeEncoder {
	t.Helper()
	enc := &fakeEncoder{}
	orig := startEncoder
	startEncoder = func(*config.Config, *slog.Logger) faceEncoder { return enc }
	t.Cleanup(func() { startEncoder = orig })
	return enc
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

// testConfig lays out a share with n bundles, each holding one photo of the
// reference identity and one of a stranger.
func testConfig(t *testing.T, n int) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Source = filepath.Join(root, "share")
	cfg.Destination = filepath.Join(root, "nas")
	cfg.Results = filepath.Join(root, "found_photos")
	cfg.References = filepath.Join(root, "references")
	cfg.Scratch = filepath.Join(root, "scratch")
	cfg.RetryDelay = 0
	cfg.Progress = false

	writeFile(t, filepath.Join(cfg.References, "alice.jpg"), "alice-ref")
	if err := os.MkdirAll(cfg.Source, 0o755); err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= n; i++ {
		tree := t.TempDir()
		writeFile(t, filepath.Join(tree, "Takeout", "IMG_1.jpg"), "alice-photo")
		writeFile(t, filepath.Join(tree, "Takeout", "IMG_2.jpg"), "stranger-photo")
		base := filepath.Join(cfg.Source, fmt.Sprintf("takeout-2024-%03d", i))
		if _, err := archive.Pack(tree, base); err != nil {
			t.Fatal(err)
		}
	}
	return &cfg
}

func TestRunMigrate(t *testing.T) {
	enc := useFakeEncoder(t)
	cfg := testConfig(t, 2)
	cfg.MetricsFile = filepath.Join(t.TempDir(), "photosift.prom")

	var out bytes.Buffer
	stats, err := runMigrate(context.Background(), cfg, nil, logging.Discard(), &out)
	if err != nil {
		t.Fatalf("runMigrate failed: %v", err)
	}
	if !enc.closed {
		t.Error("Expected the encoder to be closed after the run")
	}
	if stats.Uploaded != 2 || stats.Matches != 2 {
		t.Errorf("Unexpected stats: %+v", stats)
	}

	for _, name := range []string{"remainder_001.zip", "remainder_002.zip"} {
		if info, err := os.Stat(filepath.Join(cfg.Destination, name)); err != nil || info.Size() == 0 {
			t.Errorf("Expected non-empty %s at destination, err=%v", name, err)
		}
	}
	found, err := os.ReadDir(cfg.Results)
	if err != nil {
		t.Fatal(err)
	}
	// Both bundles carry IMG_1.jpg, the second one is renamed.
	if len(found) != 2 {
		t.Errorf("Expected 2 matched photos, got %d", len(found))
	}
	if _, err := os.Stat(filepath.Join(cfg.Results, "IMG_1_1.jpg")); err != nil {
		t.Errorf("Expected collision-renamed IMG_1_1.jpg: %v", err)
	}

	if !strings.Contains(out.String(), "MIGRATION SUMMARY") || !strings.Contains(out.String(), "Migration Complete") {
		t.Errorf("Summary missing from output:\n%s", out.String())
	}

	prom, err := os.ReadFile(cfg.MetricsFile)
	if err != nil {
		t.Fatalf("Metrics file not written: %v", err)
	}
	if !strings.Contains(string(prom), "photosift_bundles_total") {
		t.Errorf("Metrics file lacks bundle counter:\n%s", prom)
	}

	// Second run resumes from the destination and skips everything.
	out.Reset()
	stats, err = runMigrate(context.Background(), cfg, nil, logging.Discard(), &out)
	if err != nil {
		t.Fatalf("Second runMigrate failed: %v", err)
	}
	if stats.Skipped != 2 || stats.Uploaded != 0 {
		t.Errorf("Expected all bundles skipped, got %+v", stats)
	}
}

func TestRunMigrateRejectsInvalidConfig(t *testing.T) {
	useFakeEncoder(t)
	cfg := testConfig(t, 0)
	cfg.Source = ""
	cfg.MaxAttempts = 0

	var out bytes.Buffer
	if _, err := runMigrate(context.Background(), cfg, nil, logging.Discard(), &out); err == nil {
		t.Fatal("Expected a validation error")
	}
}

func TestRunMigrateFailsWithoutReferences(t *testing.T) {
	useFakeEncoder(t)
	cfg := testConfig(t, 1)
	if err := os.RemoveAll(cfg.References); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	_, err := runMigrate(context.Background(), cfg, nil, logging.Discard(), &out)
	if !pipeline.IsErrorCode(err, pipeline.ErrReferenceLoadEmpty) {
		t.Fatalf("Expected ErrReferenceLoadEmpty, got %v", err)
	}
}

func TestRunStatus(t *testing.T) {
	tests := []struct {
		name  string
		stats pipeline.RunStats
		err   error
		want  string
	}{
		{"Completed", pipeline.RunStats{Total: 2}, nil, store.StatusCompleted},
		{"Interrupted", pipeline.RunStats{Remaining: 1}, context.Canceled, store.StatusInterrupted},
		{"Halted", pipeline.RunStats{Halted: true}, pipeline.NewError(pipeline.ErrUpload, "upload", errors.New("timeout")), store.StatusHalted},
		{"Failed to start", pipeline.RunStats{}, pipeline.NewError(pipeline.ErrSourceMissing, "source", nil), store.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runStatus(tt.stats, tt.err); got != tt.want {
				t.Errorf("runStatus() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusReport(t *testing.T) {
	useFakeEncoder(t)
	cfg := testConfig(t, 3)

	var out bytes.Buffer
	if err := runStatusReport(context.Background(), cfg, &out); err != nil {
		t.Fatalf("runStatusReport failed: %v", err)
	}
	if !strings.Contains(out.String(), "3 bundles: 0 done, 0 stale, 3 pending") {
		t.Errorf("Unexpected report before migrating:\n%s", out.String())
	}

	if _, err := runMigrate(context.Background(), cfg, nil, logging.Discard(), &bytes.Buffer{}); err != nil {
		t.Fatalf("runMigrate failed: %v", err)
	}
	// An interrupted publish from an older run leaves an empty artifact behind.
	writeFile(t, filepath.Join(cfg.Destination, "remainder_002.zip"), "")

	out.Reset()
	if err := runStatusReport(context.Background(), cfg, &out); err != nil {
		t.Fatalf("runStatusReport failed: %v", err)
	}
	if !strings.Contains(out.String(), "3 bundles: 2 done, 1 stale, 0 pending") {
		t.Errorf("Unexpected report after migrating:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "STALE") {
		t.Errorf("Expected a STALE row:\n%s", out.String())
	}
}

func TestMatch(t *testing.T) {
	enc := &fakeEncoder{}
	cfg := testConfig(t, 0)
	dir := t.TempDir()

	tests := []struct {
		name    string
		content string
		want    bool
	}{
		{"Reference identity", "alice-photo", true},
		{"Stranger", "stranger-photo", false},
		{"No faces", "sunset", false},
		{"Undecodable", "corrupt-jpeg", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".jpg")
			writeFile(t, path, tt.content)

			var out bytes.Buffer
			got, err := runMatch(context.Background(), cfg, path, enc, logging.Discard(), &out)
			if err != nil {
				t.Fatalf("runMatch failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("runMatch() = %v, want %v\n%s", got, tt.want, out.String())
			}
		})
	}

	if _, err := runMatch(context.Background(), cfg, filepath.Join(dir, "missing.jpg"), enc, logging.Discard(), &bytes.Buffer{}); err == nil {
		t.Error("Expected an error for a missing photo")
	}
}

func TestLedgerURL(t *testing.T) {
	cfg := config.Defaults()

	t.Setenv("POSTGRES_HOST", "")
	if got := ledgerURL(&cfg); got != "" {
		t.Errorf("Expected no ledger without configuration, got %q", got)
	}

	t.Setenv("POSTGRES_HOST", "db")
	t.Setenv("POSTGRES_USER", "sift")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_DB", "photosift")
	t.Setenv("POSTGRES_PORT", "")
	if got, want := ledgerURL(&cfg), "postgres://sift:secret@db:5432/photosift"; got != want {
		t.Errorf("ledgerURL() = %q, want %q", got, want)
	}

	cfg.DB = "postgres://localhost/other"
	if got := ledgerURL(&cfg); got != cfg.DB {
		t.Errorf("Explicit db should win, got %q", got)
	}
}

func TestFmtDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "00:00:00"},
		{65 * time.Second, "00:01:05"},
		{3661 * time.Second, "01:01:01"},
	}

	for _, tt := range tests {
		if got := fmtDuration(tt.d); got != tt.want {
			t.Errorf("fmtDuration(%v) = %v, want %v", tt.d, got, tt.want)
		}
	}
}

// TestMigrateRecordsLedger runs a migration against a real Postgres ledger.
func TestMigrateRecordsLedger(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	// Explicitly check for Docker availability and fail hard if missing
	// We wrap this in a function to recover from panics inside testcontainers (e.g. socket not found)
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		_, err = testcontainers.NewDockerClientWithOpts(ctx)
		return
	}()
	if err != nil {
		t.Fatalf("Docker not available, cannot run integration test: %v", err)
	}

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("photosift_test"),
		postgres.WithUsername("user"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
		testcontainers.WithLogger(noopLogger{}),
	)
	if err != nil {
		t.Fatal(err)
	}
	defer pgContainer.Terminate(ctx)

	connStr, _ := pgContainer.ConnectionString(ctx, "sslmode=disable")
	db, err := store.New(ctx, connStr)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close(ctx)

	useFakeEncoder(t)
	cfg := testConfig(t, 2)
	// Bundle 2 is not a zip at all.
	writeFile(t, filepath.Join(cfg.Source, "takeout-2024-002.zip"), "not a zip")

	if _, err := runMigrate(ctx, cfg, db, logging.Discard(), &bytes.Buffer{}); err != nil {
		t.Fatalf("runMigrate failed: %v", err)
	}

	runs, err := db.ListRuns(ctx, 10)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != store.StatusCompleted || runs[0].Uploaded != 1 || runs[0].Failed != 1 {
		t.Fatalf("Unexpected runs: %+v", runs)
	}
	if n, err := db.CountMatches(ctx, runs[0].ID); err != nil || n != 1 {
		t.Errorf("Expected 1 recorded match, got %d (err=%v)", n, err)
	}

	var out bytes.Buffer
	if err := listBundles(ctx, db, nil, &out); err != nil {
		t.Fatalf("listBundles failed: %v", err)
	}
	if !strings.Contains(out.String(), "uploaded") || !strings.Contains(out.String(), "corrupt") {
		t.Errorf("Unexpected bundle listing:\n%s", out.String())
	}

	out.Reset()
	if err := listRuns(ctx, db, 5, &out); err != nil {
		t.Fatalf("listRuns failed: %v", err)
	}
	if !strings.Contains(out.String(), runs[0].ID.String()) {
		t.Errorf("Run listing lacks the run ID:\n%s", out.String())
	}
}

type noopLogger struct{}

func (n noopLogger) Printf(format string, v ...interface{}) {}
