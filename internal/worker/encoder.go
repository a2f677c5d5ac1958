package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/utils"
	"github.com/patrickmn/go-cache"
)

// Encoder supervises a single encoder process and implements faces.Encoder.
//
// Takeout bundles repeat the same photo across albums, so results are memoised
// by content hash. A transport failure restarts the process once. If the fresh
// process dies on the same image, that image is reported as a *faces.DecodeError
// and the next image gets a new process.
type Encoder struct {
	mu       sync.Mutex
	spawn    func(id int) (*PythonWorker, error)
	current  *PythonWorker
	last     *utils.SafeCommand
	started  int
	poisoned int
	memo     *cache.Cache
	log      *slog.Logger
}

// maxPoisoned is how many images in a row may kill the encoder before it is
// considered broken rather than the images.
const maxPoisoned = 3

var errSpawn = errors.New("start encoder")

// NewEncoder returns an Encoder that starts command lazily on first use.
func NewEncoder(command []string, timeout time.Duration, log *slog.Logger) *Encoder {
	return newEncoder(func(id int) (*PythonWorker, error) {
		return NewPythonWorker(id, command, timeout)
	}, log)
}

func newEncoder(spawn func(id int) (*PythonWorker, error), log *slog.Logger) *Encoder {
	return &Encoder{
		spawn: spawn,
		memo:  cache.New(30*time.Minute, 10*time.Minute),
		log:   log,
	}
}

// Encode implements faces.Encoder.
func (e *Encoder) Encode(ctx context.Context, image []byte) ([]faces.Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(image)
	key := hex.EncodeToString(sum[:])
	if v, ok := e.memo.Get(key); ok {
		return v.([]faces.Vector), nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	vecs, err := e.encodeLocked(image)
	if crashed(err) {
		e.log.Warn("Encoder failed, restarting", "error", err)
		e.stopLocked()
		vecs, err = e.encodeLocked(image)
		if crashed(err) {
			e.stopLocked()
			e.poisoned++
			if e.poisoned >= maxPoisoned {
				return nil, fmt.Errorf("encoder unavailable: died on %d images in a row: %w", e.poisoned, err)
			}
			e.log.Warn("Encoder died twice on the same image, skipping it", "error", err)
			return nil, &faces.DecodeError{Err: fmt.Errorf("encoder crashed: %w", err)}
		}
	}
	if errors.Is(err, errSpawn) {
		return nil, fmt.Errorf("encoder unavailable: %w", err)
	}
	e.poisoned = 0
	if err != nil {
		return nil, err
	}

	e.memo.Set(key, vecs, cache.DefaultExpiration)
	return vecs, nil
}

// crashed reports a transport failure of a running process.
func crashed(err error) bool {
	return err != nil && !faces.IsDecodeError(err) && !errors.Is(err, errSpawn)
}

func (e *Encoder) encodeLocked(image []byte) ([]faces.Vector, error) {
	if e.current == nil {
		w, err := e.spawn(e.started)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errSpawn, err)
		}
		e.started++
		e.current = w
	}
	return e.current.Encode(image)
}

func (e *Encoder) stopLocked() {
	if e.current != nil {
		e.current.Close()
		e.last = e.current.Cmd
		e.current = nil
	}
}

// Command returns the running or most recently stopped process for crash reporting.
func (e *Encoder) Command() *utils.SafeCommand {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil {
		return e.last
	}
	return e.current.Cmd
}

// Close stops the encoder process.
func (e *Encoder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopLocked()
}
