package fsx

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestUniqueName(t *testing.T) {
	dir := t.TempDir()

	if got := UniqueName(dir, "a.jpg"); got != "a.jpg" {
		t.Errorf("Free name should be unchanged, got %q", got)
	}

	touch(t, filepath.Join(dir, "a.jpg"), "x")
	touch(t, filepath.Join(dir, "a_1.jpg"), "x")
	if got := UniqueName(dir, "a.jpg"); got != "a_2.jpg" {
		t.Errorf("Expected a_2.jpg, got %q", got)
	}

	touch(t, filepath.Join(dir, "README"), "x")
	if got := UniqueName(dir, "README"); got != "README_1" {
		t.Errorf("Expected README_1 for a name without extension, got %q", got)
	}

	touch(t, filepath.Join(dir, ".jpg"), "x")
	if got := UniqueName(dir, ".jpg"); got != ".jpg_1" {
		t.Errorf("Expected .jpg_1 for a dotfile, got %q", got)
	}

	touch(t, filepath.Join(dir, ".trip.jpg"), "x")
	if got := UniqueName(dir, ".trip.jpg"); got != ".trip_1.jpg" {
		t.Errorf("Expected .trip_1.jpg, got %q", got)
	}
}

func TestCopyFileDataOnly(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	dst := filepath.Join(dir, "dst.bin")
	touch(t, src, "payload")
	if err := os.Chmod(src, 0o600); err != nil {
		t.Fatal(err)
	}
	touch(t, dst, "old content that is longer")

	var progress bytes.Buffer
	n, err := CopyFile(src, dst, &progress)
	if err != nil {
		t.Fatalf("CopyFile failed: %v", err)
	}
	if n != int64(len("payload")) || progress.String() != "payload" {
		t.Errorf("Unexpected copy result: n=%d progress=%q", n, progress.String())
	}

	got, _ := os.ReadFile(dst)
	if string(got) != "payload" {
		t.Errorf("Destination not truncated and rewritten: %q", got)
	}
}

func TestMoveSameDevice(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "a.jpg")
	dst := filepath.Join(dir, "out", "a.jpg")
	touch(t, src, "img")
	if err := os.Mkdir(filepath.Join(dir, "out"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := Move(src, dst); err != nil {
		t.Fatalf("Move failed: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Error("Source should be gone after move")
	}
	if _, err := os.Stat(dst); err != nil {
		t.Errorf("Destination missing: %v", err)
	}
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	if err := RemoveIfExists(filepath.Join(dir, "missing")); err != nil {
		t.Errorf("Missing file should not be an error: %v", err)
	}
}
