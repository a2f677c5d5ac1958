package scanner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/photosift/internal/faces"
)

// contentEncoder returns the vectors registered for an image's exact bytes.
type contentEncoder struct {
	byContent map[string][]faces.Vector
	fail      map[string]error
	calls     int
}

func (c *contentEncoder) Encode(ctx context.Context, image []byte) ([]faces.Vector, error) {
	c.calls++
	if err, ok := c.fail[string(image)]; ok {
		return nil, err
	}
	return c.byContent[string(image)], nil
}

var (
	alice   = faces.Vector{0.1, 0.2, 0.3}
	bob     = faces.Vector{0.9, 0.9, 0.9}
	strange = faces.Vector{-5, -5, -5}
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func countFiles(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	return len(entries)
}

func newScanner(enc faces.Encoder, resultDir string, refs ...faces.Vector) *Scanner {
	return New(enc, faces.NewReferenceSet(refs...), Options{
		ResultDir:  resultDir,
		Extensions: []string{".jpg", ".png"},
		Tolerance:  0.6,
	})
}

func TestScanRelocatesExactlyTheMatch(t *testing.T) {
	root := t.TempDir()
	results := filepath.Join(t.TempDir(), "found")
	writeFile(t, filepath.Join(root, "Takeout", "Photos", "match.jpg"), "alice-photo")
	writeFile(t, filepath.Join(root, "Takeout", "Photos", "other.jpg"), "stranger-photo")

	enc := &contentEncoder{byContent: map[string][]faces.Vector{
		"alice-photo":    {alice},
		"stranger-photo": {strange},
	}}
	n, err := newScanner(enc, results, alice).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("Expected 1 match, got %d", n)
	}
	if got := countFiles(t, results); got != 1 {
		t.Errorf("Expected 1 file in results, got %d", got)
	}
	if _, err := os.Stat(filepath.Join(root, "Takeout", "Photos", "match.jpg")); !os.IsNotExist(err) {
		t.Error("Matched photo must be moved, not copied")
	}
	if _, err := os.Stat(filepath.Join(root, "Takeout", "Photos", "other.jpg")); err != nil {
		t.Error("Unmatched photo must stay in the bundle")
	}
}

func TestScanMatchesAnyFaceAgainstAnyReference(t *testing.T) {
	root := t.TempDir()
	results := t.TempDir()
	writeFile(t, filepath.Join(root, "group.jpg"), "group")

	enc := &contentEncoder{byContent: map[string][]faces.Vector{
		"group": {strange, bob},
	}}
	n, err := newScanner(enc, results, alice, bob).Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("Second face matching second reference should count, got %d", n)
	}
}

func TestScanSkipsDisallowedAndUndecodable(t *testing.T) {
	root := t.TempDir()
	results := t.TempDir()
	writeFile(t, filepath.Join(root, "notes.txt"), "alice-photo")
	writeFile(t, filepath.Join(root, "broken.jpg"), "broken")
	writeFile(t, filepath.Join(root, "ok.PNG"), "alice-photo")

	enc := &contentEncoder{
		byContent: map[string][]faces.Vector{"alice-photo": {alice}},
		fail:      map[string]error{"broken": &faces.DecodeError{Err: errors.New("bad jpeg")}},
	}
	n, err := newScanner(enc, results, alice).Scan(context.Background(), root)
	if err != nil {
		t.Fatalf("Decode errors must not abort the walk: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 match, got %d", n)
	}
	if enc.calls != 2 {
		t.Errorf("Only allow-listed files should be encoded, got %d calls", enc.calls)
	}
	if _, err := os.Stat(filepath.Join(root, "notes.txt")); err != nil {
		t.Error("Non-photo file must be left alone")
	}
}

func TestScanRenamesOnCollision(t *testing.T) {
	root := t.TempDir()
	results := t.TempDir()
	writeFile(t, filepath.Join(results, "IMG_0001.jpg"), "from an earlier bundle")
	writeFile(t, filepath.Join(root, "2019", "IMG_0001.jpg"), "alice-photo")
	writeFile(t, filepath.Join(root, "2020", "IMG_0001.jpg"), "alice-photo")

	enc := &contentEncoder{byContent: map[string][]faces.Vector{"alice-photo": {alice}}}
	n, err := newScanner(enc, results, alice).Scan(context.Background(), root)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("Expected 2 matches, got %d", n)
	}
	for _, name := range []string{"IMG_0001.jpg", "IMG_0001_1.jpg", "IMG_0001_2.jpg"} {
		if _, err := os.Stat(filepath.Join(results, name)); err != nil {
			t.Errorf("Expected %s in results: %v", name, err)
		}
	}
	data, _ := os.ReadFile(filepath.Join(results, "IMG_0001.jpg"))
	if string(data) != "from an earlier bundle" {
		t.Error("Existing result must never be overwritten")
	}
}

func TestScanStopsOnEncoderFailure(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), "a")

	dead := errors.New("encoder unavailable")
	enc := &contentEncoder{fail: map[string]error{"a": dead}}
	_, err := newScanner(enc, t.TempDir(), alice).Scan(context.Background(), root)
	if !errors.Is(err, dead) {
		t.Fatalf("Expected encoder failure to propagate, got %v", err)
	}
}

func TestScanHonoursCancellation(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), "alice-photo")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	enc := &contentEncoder{byContent: map[string][]faces.Vector{"alice-photo": {alice}}}
	if _, err := newScanner(enc, t.TempDir(), alice).Scan(ctx, root); !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestScanReportsMatches(t *testing.T) {
	root := t.TempDir()
	results := t.TempDir()
	writeFile(t, filepath.Join(root, "a.jpg"), "alice-photo")

	var got []string
	s := New(&contentEncoder{byContent: map[string][]faces.Vector{"alice-photo": {alice}}},
		faces.NewReferenceSet(alice),
		Options{
			ResultDir:  results,
			Extensions: []string{".jpg"},
			Tolerance:  0.6,
			OnMatch:    func(src, dst string) { got = append(got, filepath.Base(dst)) },
		})
	if _, err := s.Scan(context.Background(), root); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0] != "a.jpg" {
		t.Errorf("OnMatch calls = %v", got)
	}
}

func TestClassifyFillsDecodePath(t *testing.T) {
	root := t.TempDir()
	p := filepath.Join(root, "bad.jpg")
	writeFile(t, p, "bad")

	enc := &contentEncoder{fail: map[string]error{"bad": &faces.DecodeError{Err: errors.New("nope")}}}
	_, err := newScanner(enc, t.TempDir(), alice).Classify(context.Background(), p)
	var de *faces.DecodeError
	if !errors.As(err, &de) || de.Path != p {
		t.Fatalf("Expected DecodeError for %s, got %v", p, err)
	}
}
