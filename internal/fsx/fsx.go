// Package fsx holds the small filesystem primitives the pipeline is built on:
// collision-safe naming, data-only copies and moves that survive crossing
// filesystems.
package fsx

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// renameFunc is swappable so tests can simulate EXDEV.
var renameFunc = os.Rename

// copyBufferSize matches the chunk size used for network mounts.
const copyBufferSize = 1024 * 1024

// UniqueName returns filename if it is free in dir, otherwise the first free
// "<stem>_N<ext>" for N = 1, 2, ... Leading dots belong to the stem, so
// ".jpg" becomes ".jpg_1". It only checks existence; the caller is assumed to
// be the sole writer of dir.
func UniqueName(dir, filename string) string {
	if !exists(filepath.Join(dir, filename)) {
		return filename
	}
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	if strings.TrimLeft(stem, ".") == "" {
		stem, ext = filename, ""
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if !exists(filepath.Join(dir, candidate)) {
			return candidate
		}
	}
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// CopyFile copies the bytes of src into dst, truncating dst. Only data is
// copied: no mode bits beyond the default, no timestamps, since some network
// mounts reject metadata updates. If progress is non-nil it receives every
// byte written.
func CopyFile(src, dst string, progress io.Writer) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, err
	}

	var w io.Writer = out
	if progress != nil {
		w = io.MultiWriter(out, progress)
	}
	n, err := io.CopyBuffer(w, in, make([]byte, copyBufferSize))
	if err != nil {
		out.Close()
		return n, err
	}
	// Close errors on network mounts are where short writes surface.
	if err := out.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// Move relocates src to dst. It renames when possible and falls back to
// copy+delete when src and dst live on different filesystems.
func Move(src, dst string) error {
	err := renameFunc(src, dst)
	if err == nil {
		return nil
	}
	if !isEXDEV(err) {
		return err
	}

	if _, err := CopyFile(src, dst, nil); err != nil {
		_ = os.Remove(dst)
		return fmt.Errorf("copy across devices: %w", err)
	}
	if err := os.Remove(src); err != nil {
		return fmt.Errorf("remove source after copy: %w", err)
	}
	return nil
}

// RemoveIfExists deletes path, treating a missing file as success.
func RemoveIfExists(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
