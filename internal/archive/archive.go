// Package archive extracts and repacks zip bundles.
package archive

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zip"
)

// Extension is appended to the base path given to Pack.
const Extension = ".zip"

// CorruptError reports a bundle that failed its structural integrity check.
type CorruptError struct {
	Path string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("corrupt archive %q: %v", e.Path, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a CorruptError.
func IsCorrupt(err error) bool {
	var e *CorruptError
	return errors.As(err, &e)
}

// Extract wipes targetDir, recreates it and unpacks archivePath into it.
// Checksum, format and unsafe-path failures are returned as *CorruptError.
func Extract(archivePath, targetDir string) error {
	if err := os.RemoveAll(targetDir); err != nil {
		return fmt.Errorf("wipe %s: %w", targetDir, err)
	}
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", targetDir, err)
	}

	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return &CorruptError{Path: archivePath, Err: err}
	}
	defer r.Close()

	root := filepath.Clean(targetDir)
	for _, f := range r.File {
		dst, err := entryPath(root, f.Name)
		if err != nil {
			return &CorruptError{Path: archivePath, Err: err}
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := extractFile(f, dst); err != nil {
			if isFormatError(err) {
				return &CorruptError{Path: archivePath, Err: fmt.Errorf("%s: %w", f.Name, err)}
			}
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
	}
	return nil
}

// entryPath resolves name under root and rejects entries that escape it.
func entryPath(root, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("absolute entry path %q", name)
	}
	dst := filepath.Join(root, filepath.FromSlash(name))
	if dst != root && !strings.HasPrefix(dst, root+string(filepath.Separator)) {
		return "", fmt.Errorf("entry %q escapes extraction directory", name)
	}
	return dst, nil
}

func extractFile(f *zip.File, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	// The zip reader verifies the CRC when the entry is fully read.
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isFormatError(err error) bool {
	return errors.Is(err, zip.ErrChecksum) ||
		errors.Is(err, zip.ErrFormat) ||
		errors.Is(err, zip.ErrAlgorithm) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.As(err, new(flate.CorruptInputError))
}

// Pack compresses the full contents of sourceDir into destBase+Extension and
// returns the archive path. Entry names are relative to sourceDir.
func Pack(sourceDir, destBase string) (string, error) {
	archivePath := destBase + Extension

	out, err := os.Create(archivePath)
	if err != nil {
		return "", err
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		return addEntry(zw, path, filepath.ToSlash(rel), d)
	})

	if walkErr != nil {
		zw.Close()
		out.Close()
		os.Remove(archivePath)
		return "", fmt.Errorf("pack %s: %w", sourceDir, walkErr)
	}
	if err := zw.Close(); err != nil {
		out.Close()
		os.Remove(archivePath)
		return "", err
	}
	if err := out.Close(); err != nil {
		os.Remove(archivePath)
		return "", err
	}
	return archivePath, nil
}

func addEntry(zw *zip.Writer, path, name string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = name

	if d.IsDir() {
		hdr.Name += "/"
		_, err := zw.CreateHeader(hdr)
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
