// Package pipeline drives the migration: it enumerates source bundles,
// decides from the destination which ones still need work, and takes each
// remaining bundle through fetch, extract, scan, pack, upload and cleanup.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/photosift/internal/archive"
	"github.com/andresmejia3/photosift/internal/config"
	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/fsx"
	"github.com/andresmejia3/photosift/internal/logging"
	"github.com/andresmejia3/photosift/internal/scanner"
	"github.com/andresmejia3/photosift/internal/storage"
	"github.com/andresmejia3/photosift/internal/transfer"
)

// workDirName is the extraction directory inside scratch, reused by every unit.
const workDirName = "work"

// Orchestrator runs units strictly one at a time.
type Orchestrator struct {
	cfg      *config.Config
	enc      faces.Encoder
	dest     storage.Destination
	log      *slog.Logger
	recorder Recorder
	observer Observer

	refs     *faces.ReferenceSet
	uploader *transfer.Transporter
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithRecorder attaches a run ledger.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithObserver attaches a metrics sink.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// New returns an Orchestrator. The encoder is owned by the caller.
func New(cfg *config.Config, enc faces.Encoder, dest storage.Destination, log *slog.Logger, opts ...Option) *Orchestrator {
	if log == nil {
		log = logging.Discard()
	}
	o := &Orchestrator{
		cfg:      cfg,
		enc:      enc,
		dest:     dest,
		log:      log,
		observer: noopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	o.uploader = transfer.New(dest, transfer.Options{
		MaxAttempts: cfg.MaxAttempts,
		Delay:       cfg.RetryDelay,
		Verify:      transfer.VerifyMode(cfg.Verify),
		Progress:    cfg.Progress,
		Logger:      log,
		OnAttempt:   func(_ int, err error) { o.observer.UploadAttempt(err) },
	})
	return o
}

// Prepare checks the run preconditions, loads the reference faces and
// enumerates the work units. Every error it returns is fatal.
func (o *Orchestrator) Prepare(ctx context.Context) ([]WorkUnit, error) {
	info, err := os.Stat(o.cfg.Source)
	if err == nil && !info.IsDir() {
		err = fmt.Errorf("%s is not a directory", o.cfg.Source)
	}
	if err != nil {
		return nil, NewError(ErrSourceMissing, "source location unavailable", err)
	}

	if err := o.dest.Prepare(ctx); err != nil {
		return nil, NewError(ErrDestinationCreate, "cannot prepare destination "+o.dest.Name(), err)
	}
	for _, dir := range []string{o.cfg.Results, o.cfg.Scratch} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, NewError(ErrDestinationCreate, "cannot create "+dir, err)
		}
	}

	refs, err := faces.LoadReferences(ctx, o.cfg.References, o.cfg.Extensions, o.enc, o.log)
	switch {
	case err == nil:
		o.refs = refs
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, faces.ErrNoReferences):
		return nil, NewError(ErrReferenceLoadEmpty, "no reference faces in "+o.cfg.References, err)
	case errors.Is(err, fs.ErrNotExist):
		return nil, NewError(ErrReferenceLoadEmpty, "reference directory missing", err)
	default:
		return nil, NewError(ErrEncoder, "face encoder failed while loading references", err)
	}

	units, err := Enumerate(o.cfg.Source, o.cfg.Marker, o.cfg.BundleExt, o.cfg.ResultPrefix)
	if err != nil {
		return nil, NewError(ErrSourceMissing, "cannot list source location", err)
	}
	return units, nil
}

// Run processes every unit in order. It stops early, leaving the remaining
// units PENDING, when an upload exhausts its attempts, the encoder dies or
// ctx is cancelled. Bundle-local failures are logged and skipped.
func (o *Orchestrator) Run(ctx context.Context) (RunStats, error) {
	var stats RunStats

	units, err := o.Prepare(ctx)
	if err != nil {
		return stats, err
	}
	stats.Total = len(units)
	o.log.Info("Found bundles",
		"count", len(units), "source", o.cfg.Source, "destination", o.dest.Name(), "references", o.refs.Len())

	defer o.logSummary(&stats)

	for i, u := range units {
		stats.Current = u.Seq

		if err := ctx.Err(); err != nil {
			stats.Remaining = len(units) - i
			o.log.Warn("Interrupted, remaining bundles left for the next run", "remaining", stats.Remaining)
			return stats, err
		}

		if err := o.processUnit(ctx, u, &stats); err != nil {
			stats.Remaining = len(units) - i
			if ctx.Err() != nil {
				o.log.Warn("Interrupted, current bundle will be redone", "bundle", u.Source)
				return stats, ctx.Err()
			}
			stats.Halted = true
			o.log.Error("Halting run", "bundle", u.Source, "error", err)
			return stats, err
		}
	}
	return stats, nil
}

// processUnit takes one unit through the state machine. It returns an error
// only for failures that must stop the run.
func (o *Orchestrator) processUnit(ctx context.Context, u WorkUnit, stats *RunStats) error {
	start := time.Now()
	prefix := fmt.Sprintf("[%d/%d]", u.Seq, stats.Total)
	rec := BundleRecord{Unit: u}

	finish := func(outcome Outcome, err error) {
		rec.Outcome = outcome
		rec.Err = err
		rec.Duration = time.Since(start)
		o.observer.BundleFinished(outcome)
		o.record(ctx, rec)
	}

	state, err := InspectState(ctx, o.dest, u)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return NewError(ErrUpload, "cannot inspect "+u.Artifact()+" at destination", err)
	}
	switch state {
	case StateDone:
		o.log.Info(prefix+" [SKIP] already migrated", "bundle", u.Source, "artifact", u.Artifact())
		stats.Skipped++
		finish(OutcomeSkipped, nil)
		return nil
	case StateStale:
		o.log.Warn(prefix+" [REDO] empty artifact at destination", "bundle", u.Source, "artifact", u.Artifact())
		stats.Redone++
	}

	localCopy := filepath.Join(o.cfg.Scratch, u.Source)
	workDir := filepath.Join(o.cfg.Scratch, workDirName)
	packBase := filepath.Join(o.cfg.Scratch, u.Result)
	defer o.cleanup(prefix, u, localCopy, workDir, packBase+archive.Extension)

	// Fetch
	o.phase(prefix, PhaseFetch, u)
	t := time.Now()
	if _, err := transfer.Fetch(ctx, filepath.Join(o.cfg.Source, u.Source), localCopy, o.cfg.Progress); err != nil {
		if ctx.Err() != nil {
			finish(OutcomeAborted, ctx.Err())
			return ctx.Err()
		}
		err = NewError(ErrFetch, "fetch "+u.Source, err)
		o.log.Error(prefix+" Fetch failed, skipping bundle", "bundle", u.Source, "error", err)
		stats.Failed++
		finish(OutcomeFetchFailed, err)
		return nil
	}
	o.observer.PhaseDone(PhaseFetch, time.Since(t))

	// Extract
	o.phase(prefix, PhaseExtract, u)
	t = time.Now()
	if err := archive.Extract(localCopy, workDir); err != nil {
		outcome := OutcomeCorrupt
		if !archive.IsCorrupt(err) {
			outcome = OutcomeExtractFailed
		}
		err = NewError(ErrCorruptArchive, "extract "+u.Source, err)
		o.log.Error(prefix+" Extract failed, skipping bundle", "bundle", u.Source, "error", err)
		if rmErr := fsx.RemoveIfExists(localCopy); rmErr != nil {
			o.log.Warn("Could not delete bad local copy", "path", localCopy, "error", rmErr)
		}
		stats.Failed++
		finish(outcome, err)
		return nil
	}
	o.observer.PhaseDone(PhaseExtract, time.Since(t))

	// Scan
	o.phase(prefix, PhaseScan, u)
	t = time.Now()
	sc := scanner.New(o.enc, o.refs, scanner.Options{
		ResultDir:  o.cfg.Results,
		Extensions: o.cfg.Extensions,
		Tolerance:  o.cfg.Tolerance,
		Progress:   o.cfg.Progress,
		Logger:     o.log,
		OnMatch: func(src, dst string) {
			if o.recorder == nil {
				return
			}
			rel, err := filepath.Rel(workDir, src)
			if err != nil {
				rel = src
			}
			if err := o.recorder.RecordMatch(context.WithoutCancel(ctx), u, rel, dst); err != nil {
				o.log.Warn("Ledger write failed", "error", err)
			}
		},
	})
	n, err := sc.Scan(ctx, workDir)
	stats.Matches += n
	rec.Matches = n
	o.observer.Matched(n)
	if err != nil {
		if ctx.Err() != nil {
			finish(OutcomeAborted, ctx.Err())
			return ctx.Err()
		}
		if errors.Is(err, scanner.ErrRelocate) {
			// The remainder still holds the match: no pack, no upload.
			err = NewError(ErrRelocate, "cannot move match into "+o.cfg.Results, err)
			o.log.Error(prefix+" Relocation failed, skipping bundle", "bundle", u.Source, "error", err)
			stats.Failed++
			finish(OutcomeRelocateFailed, err)
			return nil
		}
		err = NewError(ErrEncoder, "face encoder failed during scan of "+u.Source, err)
		finish(OutcomeAborted, err)
		return err
	}
	o.observer.PhaseDone(PhaseScan, time.Since(t))
	o.log.Info(prefix+" Scan complete", "bundle", u.Source, "matches", n)

	// Pack
	o.phase(prefix, PhasePack, u)
	t = time.Now()
	packed, err := archive.Pack(workDir, packBase)
	if err != nil {
		o.log.Error(prefix+" Pack failed, skipping bundle", "bundle", u.Source, "error", err)
		stats.Failed++
		finish(OutcomePackFailed, err)
		return nil
	}
	o.observer.PhaseDone(PhasePack, time.Since(t))

	// Upload
	o.phase(prefix, PhaseUpload, u)
	t = time.Now()
	size, err := o.uploader.Transfer(ctx, packed, u.Artifact())
	if err != nil {
		if ctx.Err() != nil {
			finish(OutcomeAborted, ctx.Err())
			return ctx.Err()
		}
		err = NewError(ErrUpload, "upload "+u.Artifact()+" to "+o.dest.Name(), err)
		finish(OutcomeUploadFailed, err)
		return err
	}
	o.observer.PhaseDone(PhaseUpload, time.Since(t))
	o.observer.Uploaded(size)

	stats.Uploaded++
	stats.BytesUp += size
	rec.Bytes = size
	o.log.Info(prefix+" Uploaded", "artifact", u.Artifact(), "bytes", size, "elapsed", time.Since(start).Round(time.Second))
	finish(OutcomeUploaded, nil)
	return nil
}

func (o *Orchestrator) phase(prefix string, p Phase, u WorkUnit) {
	o.log.Info(fmt.Sprintf("%s %s", prefix, p), "bundle", u.Source)
}

// cleanup removes every scratch artifact of the unit, whatever the outcome.
func (o *Orchestrator) cleanup(prefix string, u WorkUnit, paths ...string) {
	o.phase(prefix, PhaseCleanup, u)
	t := time.Now()
	for _, p := range paths {
		if err := os.RemoveAll(p); err != nil {
			o.log.Warn("Cleanup failed", "path", p, "error", err)
		}
	}
	o.observer.PhaseDone(PhaseCleanup, time.Since(t))
}

func (o *Orchestrator) record(ctx context.Context, rec BundleRecord) {
	if o.recorder == nil {
		return
	}
	if err := o.recorder.RecordBundle(context.WithoutCancel(ctx), rec); err != nil {
		o.log.Warn("Ledger write failed", "bundle", rec.Unit.Source, "error", err)
	}
}

func (o *Orchestrator) logSummary(s *RunStats) {
	o.log.Info("Run summary",
		"bundles", s.Total,
		"uploaded", s.Uploaded,
		"skipped", s.Skipped,
		"redone", s.Redone,
		"failed", s.Failed,
		"matches", s.Matches,
		"bytes_uploaded", s.BytesUp,
		"halted", s.Halted,
		"remaining", s.Remaining,
	)
}
