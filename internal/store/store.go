package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/andresmejia3/photosift/internal/pipeline"
)

// Store manages the PostgreSQL connection holding the migration ledger.
// The ledger is history only: resume decisions never read from it.
type Store struct {
	conn *pgx.Conn
}

// Run is one recorded migrate invocation.
type Run struct {
	ID          uuid.UUID
	Source      string
	Destination string
	Status      string
	StartedAt   time.Time
	FinishedAt  *time.Time
	Uploaded    int
	Skipped     int
	Failed      int
	Matches     int
}

// Bundle is one recorded unit outcome.
type Bundle struct {
	RunID      uuid.UUID
	Seq        int
	Source     string
	Result     string
	Outcome    string
	Matches    int
	Bytes      int64
	Duration   time.Duration
	Error      string
	RecordedAt time.Time
}

// Run statuses.
const (
	StatusRunning     = "running"
	StatusCompleted   = "completed"
	StatusHalted      = "halted"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// New establishes a connection to the database and ensures the schema is initialized.
func New(ctx context.Context, connString string) (*Store, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, err
	}

	// Initialize schema (Auto-Migration)
	if err := initSchema(ctx, conn); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}

	return &Store{conn: conn}, nil
}

// initSchema creates the ledger tables if they don't exist (Auto-Migration).
func initSchema(ctx context.Context, conn *pgx.Conn) error {
	query := `
		CREATE TABLE IF NOT EXISTS migration_runs (
			id UUID PRIMARY KEY,
			source TEXT NOT NULL,
			destination TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ DEFAULT NOW(),
			finished_at TIMESTAMPTZ,
			uploaded INT NOT NULL DEFAULT 0,
			skipped INT NOT NULL DEFAULT 0,
			failed INT NOT NULL DEFAULT 0,
			matches INT NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS migrated_bundles (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID REFERENCES migration_runs(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			source TEXT NOT NULL,
			result TEXT NOT NULL,
			outcome TEXT NOT NULL,
			matches INT NOT NULL DEFAULT 0,
			bytes BIGINT NOT NULL DEFAULT 0,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			recorded_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS matched_photos (
			id BIGSERIAL PRIMARY KEY,
			run_id UUID REFERENCES migration_runs(id) ON DELETE CASCADE,
			seq INT NOT NULL,
			bundle TEXT NOT NULL,
			original_path TEXT NOT NULL,
			saved_as TEXT NOT NULL,
			matched_at TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS migrated_bundles_run_id_idx ON migrated_bundles (run_id);
		CREATE INDEX IF NOT EXISTS matched_photos_run_id_idx ON matched_photos (run_id);
	`
	_, err := conn.Exec(ctx, query)
	return err
}

// Close terminates the database connection.
func (s *Store) Close(ctx context.Context) {
	s.conn.Close(ctx)
}

// StartRun registers a new run under id.
func (s *Store) StartRun(ctx context.Context, id uuid.UUID, source, destination string) error {
	_, err := s.conn.Exec(ctx, `
		INSERT INTO migration_runs (id, source, destination, status, started_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, id.String(), source, destination, StatusRunning)
	return err
}

// FinishRun stores the final counters and status of a run.
func (s *Store) FinishRun(ctx context.Context, id uuid.UUID, status string, stats pipeline.RunStats) error {
	_, err := s.conn.Exec(ctx, `
		UPDATE migration_runs
		SET status = $2, finished_at = NOW(), uploaded = $3, skipped = $4, failed = $5, matches = $6
		WHERE id = $1
	`, id.String(), status, stats.Uploaded, stats.Skipped, stats.Failed, stats.Matches)
	return err
}

// Recorder returns a pipeline.Recorder writing into run id.
func (s *Store) Recorder(id uuid.UUID) *RunRecorder {
	return &RunRecorder{store: s, runID: id}
}

// RunRecorder binds the ledger to one run.
type RunRecorder struct {
	store *Store
	runID uuid.UUID
}

// RecordBundle saves the outcome of one unit.
func (r *RunRecorder) RecordBundle(ctx context.Context, rec pipeline.BundleRecord) error {
	var errText string
	if rec.Err != nil {
		errText = rec.Err.Error()
	}
	_, err := r.store.conn.Exec(ctx, `
		INSERT INTO migrated_bundles (run_id, seq, source, result, outcome, matches, bytes, duration_ms, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, r.runID.String(), rec.Unit.Seq, rec.Unit.Source, rec.Unit.Result, string(rec.Outcome),
		rec.Matches, rec.Bytes, rec.Duration.Milliseconds(), errText)
	return err
}

// RecordMatch saves one relocated photo.
func (r *RunRecorder) RecordMatch(ctx context.Context, u pipeline.WorkUnit, src, dst string) error {
	_, err := r.store.conn.Exec(ctx, `
		INSERT INTO matched_photos (run_id, seq, bundle, original_path, saved_as)
		VALUES ($1, $2, $3, $4, $5)
	`, r.runID.String(), u.Seq, u.Source, src, dst)
	return err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT id::text, source, destination, status, started_at, finished_at, uploaded, skipped, failed, matches
		FROM migration_runs ORDER BY started_at DESC LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var id string
		if err := rows.Scan(&id, &r.Source, &r.Destination, &r.Status, &r.StartedAt, &r.FinishedAt,
			&r.Uploaded, &r.Skipped, &r.Failed, &r.Matches); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ListBundles returns the bundle outcomes of a run in sequence order. A nil
// run ID selects the most recent run.
func (s *Store) ListBundles(ctx context.Context, runID *uuid.UUID) ([]Bundle, error) {
	var id string
	if runID != nil {
		id = runID.String()
	} else {
		err := s.conn.QueryRow(ctx, "SELECT id::text FROM migration_runs ORDER BY started_at DESC LIMIT 1").Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
	}

	rows, err := s.conn.Query(ctx, `
		SELECT run_id::text, seq, source, result, outcome, matches, bytes, duration_ms, error, recorded_at
		FROM migrated_bundles WHERE run_id = $1 ORDER BY seq ASC, recorded_at ASC
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Bundle
	for rows.Next() {
		var b Bundle
		var rid string
		var ms int64
		if err := rows.Scan(&rid, &b.Seq, &b.Source, &b.Result, &b.Outcome, &b.Matches, &b.Bytes, &ms, &b.Error, &b.RecordedAt); err != nil {
			return nil, err
		}
		if b.RunID, err = uuid.Parse(rid); err != nil {
			return nil, err
		}
		b.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, b)
	}
	return out, rows.Err()
}

// CountMatches returns how many photos a run relocated.
func (s *Store) CountMatches(ctx context.Context, runID uuid.UUID) (int, error) {
	var n int
	err := s.conn.QueryRow(ctx, "SELECT COUNT(*) FROM matched_photos WHERE run_id = $1", runID.String()).Scan(&n)
	return n, err
}

// Reset drops all ledger tables.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.conn.Exec(ctx, `
		DROP TABLE IF EXISTS matched_photos CASCADE;
		DROP TABLE IF EXISTS migrated_bundles CASCADE;
		DROP TABLE IF EXISTS migration_runs CASCADE;
	`)
	return err
}
