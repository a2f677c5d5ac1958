package pipeline

import (
	"context"
	"time"
)

// RunStats tracks aggregate counters across a run.
type RunStats struct {
	Total     int
	Current   int
	Uploaded  int // Units processed and uploaded in this run.
	Skipped   int // Units already DONE at the destination.
	Redone    int // STALE units reprocessed; also counted in Uploaded when they succeed.
	Failed    int // Units abandoned after a bundle-local failure.
	Matches   int
	BytesUp   int64
	Halted    bool
	Remaining int // Units not reached because the run stopped early.
}

// Outcome is the final disposition of one unit.
type Outcome string

const (
	OutcomeUploaded       Outcome = "uploaded"
	OutcomeSkipped        Outcome = "skipped"
	OutcomeFetchFailed    Outcome = "fetch_failed"
	OutcomeCorrupt        Outcome = "corrupt"
	OutcomeExtractFailed  Outcome = "extract_failed"
	OutcomeRelocateFailed Outcome = "relocate_failed"
	OutcomePackFailed     Outcome = "pack_failed"
	OutcomeUploadFailed   Outcome = "upload_failed"
	OutcomeAborted        Outcome = "aborted"
)

// Phase names a step of the per-unit state machine.
type Phase string

const (
	PhaseFetch   Phase = "fetch"
	PhaseExtract Phase = "extract"
	PhaseScan    Phase = "scan"
	PhasePack    Phase = "pack"
	PhaseUpload  Phase = "upload"
	PhaseCleanup Phase = "cleanup"
)

// BundleRecord summarises a finished unit for the ledger.
type BundleRecord struct {
	Unit     WorkUnit
	Outcome  Outcome
	Matches  int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// Recorder persists run history. Failures are logged and never stop a run.
type Recorder interface {
	RecordBundle(ctx context.Context, rec BundleRecord) error
	RecordMatch(ctx context.Context, u WorkUnit, src, dst string) error
}

// Observer receives run measurements.
type Observer interface {
	PhaseDone(phase Phase, d time.Duration)
	BundleFinished(outcome Outcome)
	Matched(n int)
	UploadAttempt(err error)
	Uploaded(bytes int64)
}

type noopObserver struct{}

func (noopObserver) PhaseDone(Phase, time.Duration) {}
func (noopObserver) BundleFinished(Outcome)         {}
func (noopObserver) Matched(int)                    {}
func (noopObserver) UploadAttempt(error)            {}
func (noopObserver) Uploaded(int64)                 {}
