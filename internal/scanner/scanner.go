// Package scanner walks an extracted bundle, classifies every photo against
// the reference faces and relocates the matches into the result directory.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/andresmejia3/photosift/internal/faces"
	"github.com/andresmejia3/photosift/internal/fsx"
	"github.com/andresmejia3/photosift/internal/utils"
)

// ErrRelocate wraps failures to move a matched photo into the result directory.
var ErrRelocate = errors.New("relocate match")

// Options configures a Scanner.
type Options struct {
	ResultDir  string
	Extensions []string
	Tolerance  float64
	Progress   bool
	Logger     *slog.Logger
	// OnMatch is called after a matched photo has been moved to dst.
	OnMatch func(src, dst string)
}

// Result is the outcome for one file.
type Result struct {
	Path    string
	IsMatch bool
}

// Scanner classifies photos with an Encoder against a ReferenceSet.
type Scanner struct {
	enc  faces.Encoder
	refs *faces.ReferenceSet
	opts Options
}

// New returns a Scanner.
func New(enc faces.Encoder, refs *faces.ReferenceSet, opts Options) *Scanner {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Scanner{enc: enc, refs: refs, opts: opts}
}

// Classify reports whether the photo at path contains any reference face.
// Image-local failures come back as *faces.DecodeError.
func (s *Scanner) Classify(ctx context.Context, path string) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Path: path}, &faces.DecodeError{Path: path, Err: err}
	}
	vecs, err := s.enc.Encode(ctx, data)
	if err != nil {
		var de *faces.DecodeError
		if errors.As(err, &de) && de.Path == "" {
			de.Path = path
		}
		return Result{Path: path}, err
	}
	return Result{Path: path, IsMatch: s.refs.MatchesAny(vecs, s.opts.Tolerance)}, nil
}

// Scan classifies every allow-listed file under root and moves matches into
// the result directory under a collision-free name. Files are visited in
// lexical order. Decode failures count as no match; any other encoder error
// stops the scan and is returned with the matches made so far.
func (s *Scanner) Scan(ctx context.Context, root string) (int, error) {
	if err := os.MkdirAll(s.opts.ResultDir, 0o755); err != nil {
		return 0, fmt.Errorf("create result directory: %w", err)
	}

	files, err := s.collect(root)
	if err != nil {
		return 0, err
	}

	bar := utils.NewBar(int64(len(files)), "🔍 Scanning "+filepath.Base(root), s.opts.Progress, false)
	defer bar.Close()

	matches := 0
	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return matches, err
		}

		res, err := s.Classify(ctx, path)
		bar.Add(1)
		if err != nil {
			if faces.IsDecodeError(err) {
				s.opts.Logger.Debug("Skipping unreadable photo", "file", path, "error", err)
				continue
			}
			return matches, err
		}
		if !res.IsMatch {
			continue
		}

		name := fsx.UniqueName(s.opts.ResultDir, filepath.Base(path))
		dst := filepath.Join(s.opts.ResultDir, name)
		if err := fsx.Move(path, dst); err != nil {
			return matches, fmt.Errorf("%w %s: %w", ErrRelocate, path, err)
		}
		matches++
		s.opts.Logger.Debug("Match", "file", path, "saved_as", name)
		if s.opts.OnMatch != nil {
			s.opts.OnMatch(path, dst)
		}
	}
	return matches, nil
}

// collect lists allow-listed files under root before any file is moved.
func (s *Scanner) collect(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && faces.HasExtension(d.Name(), s.opts.Extensions) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return files, nil
}
