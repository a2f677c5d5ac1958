// Package transfer moves single files across the unreliable storage boundary:
// the verified, retrying upload of remainder archives and the plain fetch of
// source bundles into scratch.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/photosift/internal/fsx"
	"github.com/andresmejia3/photosift/internal/storage"
	"github.com/andresmejia3/photosift/internal/utils"
)

// VerifyMode selects how an upload is confirmed.
type VerifyMode string

const (
	// VerifyExists accepts any artifact present under the final name.
	VerifyExists VerifyMode = "exists"
	// VerifySize additionally requires the artifact size to equal the local file.
	VerifySize VerifyMode = "size"
)

// Defaults for the retry policy.
const (
	DefaultMaxAttempts = 3
	DefaultDelay       = 15 * time.Second
)

// ErrVerification means the upload completed but the destination artifact
// could not be confirmed.
var ErrVerification = errors.New("destination artifact failed verification")

// Error is returned once every attempt has failed.
type Error struct {
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Options configures a Transporter.
type Options struct {
	MaxAttempts int
	Delay       time.Duration
	Verify      VerifyMode
	Progress    bool
	Logger      *slog.Logger
	// OnAttempt is called after every attempt with its outcome.
	OnAttempt func(attempt int, err error)
}

// Transporter uploads local files to a Destination with move semantics:
// the local file is removed only after the destination copy is verified.
type Transporter struct {
	dest storage.Destination
	opts Options

	// sleep is swappable so tests can observe delays without waiting.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a Transporter for dest. Zero option values take the defaults.
func New(dest storage.Destination, opts Options) *Transporter {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Verify == "" {
		opts.Verify = VerifySize
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transporter{dest: dest, opts: opts, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Transfer uploads localPath to the destination under name. It makes up to
// MaxAttempts attempts, clears any partial artifact after a failed attempt and
// waits Delay before the next one. On success the local file is removed and
// the number of bytes uploaded is returned.
func (t *Transporter) Transfer(ctx context.Context, localPath, name string) (int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", localPath, err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		lastErr = t.attempt(ctx, localPath, name, info.Size())
		if t.opts.OnAttempt != nil {
			t.opts.OnAttempt(attempt, lastErr)
		}
		if lastErr == nil {
			if err := os.Remove(localPath); err != nil {
				t.opts.Logger.Warn("Uploaded but could not remove local copy", "path", localPath, "error", err)
			}
			return info.Size(), nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}

		t.opts.Logger.Warn("Upload attempt failed",
			"name", name, "attempt", attempt, "max_attempts", t.opts.MaxAttempts, "error", lastErr)

		// A leftover artifact must not be mistaken for success next time.
		if err := t.dest.Remove(ctx, name); err != nil {
			t.opts.Logger.Debug("Could not clear partial artifact", "name", name, "error", err)
		}

		if attempt < t.opts.MaxAttempts {
			if err := t.sleep(ctx, t.opts.Delay); err != nil {
				return 0, err
			}
		}
	}
	return 0, &Error{Attempts: t.opts.MaxAttempts, Err: lastErr}
}

func (t *Transporter) attempt(ctx context.Context, localPath, name string, size int64) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer f.Close()

	bar := utils.NewBar(size, "⬆️  "+name, t.opts.Progress, true)
	defer bar.Close()

	if err := t.dest.Put(ctx, name, io.TeeReader(f, bar)); err != nil {
		return err
	}
	return t.verify(ctx, name, size)
}

func (t *Transporter) verify(ctx context.Context, name string, want int64) error {
	got, err := t.dest.Stat(ctx, name)
	if err != nil {
		if storage.IsNotExist(err) {
			return fmt.Errorf("%w: %s is missing", ErrVerification, name)
		}
		return err
	}
	if t.opts.Verify == VerifySize && got != want {
		return fmt.Errorf("%w: %s has %d bytes, expected %d", ErrVerification, name, got, want)
	}
	return nil
}

// Fetch copies src to dst with a byte progress bar. Unlike Transfer it does
// not retry and leaves src in place: the source share is read-only input.
func Fetch(ctx context.Context, src, dst string, progress bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	info, err := os.Stat(src)
	if err != nil {
		return 0, err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return 0, err
	}

	bar := utils.NewBar(info.Size(), "⬇️  "+filepath.Base(src), progress, true)
	defer bar.Close()

	n, err := fsx.CopyFile(src, dst, bar)
	if err != nil {
		os.Remove(dst)
		return n, err
	}
	return n, nil
}
