package fileid

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveSameFileSameIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.bin")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	id1, ok1 := Resolve(path)
	id2, ok2 := Resolve(path)
	if !ok1 || !ok2 {
		t.Skip("platform does not provide file identity")
	}
	if *id1 != *id2 {
		t.Fatalf("identity changed between calls: %+v != %+v", id1, id2)
	}
}

func TestResolveDistinctFilesDistinctIdentity(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.bin")
	b := filepath.Join(dir, "b.bin")
	os.WriteFile(a, []byte("x"), 0o644)
	os.WriteFile(b, []byte("y"), 0o644)

	ida, ok1 := Resolve(a)
	idb, ok2 := Resolve(b)
	if !ok1 || !ok2 {
		t.Skip("platform does not provide file identity")
	}
	if *ida == *idb {
		t.Fatalf("expected distinct identities for distinct files")
	}
}
