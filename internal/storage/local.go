package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andresmejia3/photosift/internal/fsx"
)

// Local is a destination on a local or mounted directory.
type Local struct {
	dir string
}

// NewLocal returns a destination rooted at dir.
func NewLocal(dir string) *Local {
	return &Local{dir: dir}
}

func (l *Local) Name() string { return l.dir }

func (l *Local) Prepare(ctx context.Context) error {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("create destination %s: %w", l.dir, err)
	}
	return nil
}

func (l *Local) Stat(ctx context.Context, name string) (int64, error) {
	info, err := os.Stat(filepath.Join(l.dir, name))
	if err != nil {
		return 0, err
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%s is a directory", name)
	}
	return info.Size(), nil
}

// Put copies data only: no chmod, no timestamps. SMB/NAS mounts reject
// metadata-bearing operations.
func (l *Local) Put(ctx context.Context, name string, r io.Reader) error {
	final := filepath.Join(l.dir, name)
	tmp := final + partialSuffix

	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}

func (l *Local) Remove(ctx context.Context, name string) error {
	final := filepath.Join(l.dir, name)
	if err := fsx.RemoveIfExists(final + partialSuffix); err != nil {
		return err
	}
	return fsx.RemoveIfExists(final)
}

func (l *Local) Close() error { return nil }
