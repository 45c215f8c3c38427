package mediasource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func setupTree(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "a.jpg"), []byte("x"), 0o644)
	os.MkdirAll(filepath.Join(dir, "sub"), 0o755)
	os.WriteFile(filepath.Join(dir, "sub", "b.mp4"), []byte("xx"), 0o644)
	os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644)
	return dir
}

func TestCountOnlySupportedExtensions(t *testing.T) {
	dir := setupTree(t)
	n, err := New(dir).Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 supported files, got %d", n)
	}
}

func TestIterateYieldsRelativeSlashPaths(t *testing.T) {
	dir := setupTree(t)
	items, errs := New(dir).Iterate(context.Background())

	seen := map[string]bool{}
	for it := range items {
		seen[it.RelativePath] = true
	}
	if err := <-errs; err != nil {
		t.Fatalf("Iterate error: %v", err)
	}

	if !seen["a.jpg"] || !seen["sub/b.mp4"] {
		t.Fatalf("unexpected items: %+v", seen)
	}
	if seen["ignored.txt"] {
		t.Fatalf("unsupported extension was yielded")
	}
}

func TestIterateRestartable(t *testing.T) {
	dir := setupTree(t)
	src := New(dir)

	first, errs1 := src.Iterate(context.Background())
	count1 := 0
	for range first {
		count1++
	}
	<-errs1

	second, errs2 := src.Iterate(context.Background())
	count2 := 0
	for range second {
		count2++
	}
	<-errs2

	if count1 != count2 {
		t.Fatalf("expected same count across calls, got %d and %d", count1, count2)
	}
}
