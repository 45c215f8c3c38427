package hashutil

import (
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestContentHashStable(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "a.bin", []byte("hello world, this is a test fixture"))

	h1, err := ContentHash(path)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	h2, err := ContentHash(path)
	if err != nil {
		t.Fatalf("ContentHash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("hash not stable: %s != %s", h1, h2)
	}
	if len(h1) != 16 {
		t.Fatalf("expected 16-char hex digest, got %d chars: %s", len(h1), h1)
	}
}

func TestContentHashIdenticalHeadTailSize(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("same content here"))
	b := writeFile(t, dir, "b.bin", []byte("same content here"))

	ha, err := ContentHash(a)
	if err != nil {
		t.Fatalf("ContentHash a: %v", err)
	}
	hb, err := ContentHash(b)
	if err != nil {
		t.Fatalf("ContentHash b: %v", err)
	}
	if ha != hb {
		t.Fatalf("expected equal hashes for identical content: %s != %s", ha, hb)
	}
}

func TestContentHashDiffersOnSize(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.bin", []byte("abc"))
	b := writeFile(t, dir, "b.bin", []byte("abcd"))

	ha, _ := ContentHash(a)
	hb, _ := ContentHash(b)
	if ha == hb {
		t.Fatalf("expected different hashes for different sizes")
	}
}

func TestContentHashMissingFile(t *testing.T) {
	if _, err := ContentHash(filepath.Join(t.TempDir(), "missing.bin")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
