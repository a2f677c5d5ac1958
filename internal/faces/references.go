package faces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// ErrNoReferences is returned when a reference directory yields no usable face.
var ErrNoReferences = errors.New("no valid reference faces loaded")

// ReferenceSet is the ordered set of known face vectors a photo is matched against.
// It is built once and never mutated.
type ReferenceSet struct {
	vectors []Vector
	sources []string
}

// NewReferenceSet builds a set from already-encoded vectors.
func NewReferenceSet(vectors ...Vector) *ReferenceSet {
	rs := &ReferenceSet{}
	for i, v := range vectors {
		rs.vectors = append(rs.vectors, v)
		rs.sources = append(rs.sources, fmt.Sprintf("vector-%d", i))
	}
	return rs
}

// Len returns the number of reference vectors.
func (rs *ReferenceSet) Len() int { return len(rs.vectors) }

// Sources returns the file names the vectors were taken from, in load order.
func (rs *ReferenceSet) Sources() []string {
	out := make([]string, len(rs.sources))
	copy(out, rs.sources)
	return out
}

// MatchesAny reports whether any candidate matches any reference within tolerance.
func (rs *ReferenceSet) MatchesAny(candidates []Vector, tolerance float64) bool {
	for _, c := range candidates {
		if Matches(rs.vectors, c, tolerance) {
			return true
		}
	}
	return false
}

// Closest returns the reference nearest to candidate and its distance.
// An empty set returns an empty name and +Inf.
func (rs *ReferenceSet) Closest(candidate Vector) (string, float64) {
	best, dist := "", math.Inf(1)
	for i, v := range rs.vectors {
		if d := Distance(v, candidate); d < dist {
			best, dist = rs.sources[i], d
		}
	}
	return best, dist
}

// LoadReferences encodes every allow-listed image in dir and keeps the first
// face found in each one. Files that fail to decode or contain no face are
// logged and skipped. An empty result is ErrNoReferences.
func LoadReferences(ctx context.Context, dir string, extensions []string, enc Encoder, log *slog.Logger) (*ReferenceSet, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read reference directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	rs := &ReferenceSet{}
	for _, e := range entries {
		if e.IsDir() || !HasExtension(e.Name(), extensions) {
			continue
		}
		path := filepath.Join(dir, e.Name())

		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn("Skipping unreadable reference", "file", e.Name(), "error", err)
			continue
		}

		vecs, err := enc.Encode(ctx, data)
		if err != nil {
			if IsDecodeError(err) {
				log.Warn("Skipping undecodable reference", "file", e.Name(), "error", err)
				continue
			}
			return nil, fmt.Errorf("encode reference %s: %w", e.Name(), err)
		}
		if len(vecs) == 0 {
			log.Warn("No face detected in reference", "file", e.Name())
			continue
		}
		if len(vecs) > 1 {
			log.Debug("Multiple faces in reference, keeping the first", "file", e.Name(), "faces", len(vecs))
		}

		rs.vectors = append(rs.vectors, vecs[0])
		rs.sources = append(rs.sources, e.Name())
	}

	if rs.Len() == 0 {
		return nil, ErrNoReferences
	}
	log.Info("Reference faces loaded", "count", rs.Len(), "dir", dir)
	return rs, nil
}

// HasExtension reports whether name ends with one of exts, case-insensitively.
func HasExtension(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, x := range exts {
		if ext == strings.ToLower(x) {
			return true
		}
	}
	return false
}
