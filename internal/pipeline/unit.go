package pipeline

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/andresmejia3/photosift/internal/archive"
	"github.com/andresmejia3/photosift/internal/storage"
)

// WorkUnit is one source bundle and the artifact it produces.
type WorkUnit struct {
	Source string // Bundle file name in the source location.
	Seq    int    // 1-based position in the sorted listing.
	Result string // Canonical result name without extension, e.g. remainder_007.
}

// Artifact is the file name of the unit's remainder archive at the destination.
func (u WorkUnit) Artifact() string {
	return u.Result + archive.Extension
}

// Enumerate lists the bundles in dir whose names contain marker and end in
// ext (both case-insensitive), sorts them by name and numbers them from 1.
// Numbers embedded in the bundle names are ignored.
func Enumerate(dir, marker, ext, prefix string) ([]WorkUnit, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	marker = strings.ToLower(marker)
	ext = strings.ToLower(ext)

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		lower := strings.ToLower(e.Name())
		if strings.Contains(lower, marker) && strings.HasSuffix(lower, ext) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	units := make([]WorkUnit, len(names))
	for i, name := range names {
		units[i] = WorkUnit{
			Source: name,
			Seq:    i + 1,
			Result: fmt.Sprintf("%s_%03d", prefix, i+1),
		}
	}
	return units, nil
}

// BundleState is the resume state of a unit, derived from its destination
// artifact. Nothing else is persisted.
type BundleState int

const (
	// StatePending means no artifact exists yet
	StatePending BundleState = iota
	// StateStale means a zero-byte artifact was left by an interrupted upload
	StateStale
	// StateDone means a non-empty artifact exists
	StateDone
)

func (s BundleState) String() string {
	switch s {
	case StateDone:
		return "DONE"
	case StateStale:
		return "STALE"
	default:
		return "PENDING"
	}
}

// InspectState derives the state of u from the destination. Errors other than
// absence are returned: an unreachable destination is not PENDING.
func InspectState(ctx context.Context, dest storage.Destination, u WorkUnit) (BundleState, error) {
	size, err := dest.Stat(ctx, u.Artifact())
	switch {
	case storage.IsNotExist(err):
		return StatePending, nil
	case err != nil:
		return StatePending, err
	case size == 0:
		return StateStale, nil
	default:
		return StateDone, nil
	}
}
