package librarysync

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/fileid"
	"github.com/booru/core/internal/hashutil"
	"github.com/booru/core/internal/models"
)

type fakePostStore struct {
	snapshot []*models.Post
	moved    map[uuid.UUID]string
	changed  map[uuid.UUID]string
	deleted  map[uuid.UUID]bool
}

func newFakePostStore(snapshot []*models.Post) *fakePostStore {
	return &fakePostStore{
		snapshot: snapshot,
		moved:    map[uuid.UUID]string{},
		changed:  map[uuid.UUID]string{},
		deleted:  map[uuid.UUID]bool{},
	}
}

func (f *fakePostStore) Snapshot(ctx context.Context, libraryID uuid.UUID) ([]*models.Post, error) {
	return f.snapshot, nil
}

func (f *fakePostStore) UpdateMoved(ctx context.Context, id uuid.UUID, newRelativePath string) error {
	f.moved[id] = newRelativePath
	return nil
}

func (f *fakePostStore) UpdateChanged(ctx context.Context, id uuid.UUID, contentHash string, sizeBytes int64, fileModifiedDate time.Time) error {
	f.changed[id] = contentHash
	return nil
}

func (f *fakePostStore) DeleteByID(ctx context.Context, id uuid.UUID) error {
	f.deleted[id] = true
	return nil
}

type fakeLibraryStore struct {
	ignored  []models.LibraryIgnoredPath
	excluded []models.ExcludedFile
}

func (f *fakeLibraryStore) ListIgnoredPaths(libraryID uuid.UUID) ([]models.LibraryIgnoredPath, error) {
	return f.ignored, nil
}

func (f *fakeLibraryStore) ListExcludedFiles(libraryID uuid.UUID) ([]models.ExcludedFile, error) {
	return f.excluded, nil
}

type fakeSink struct {
	enqueued []models.Post
}

func (f *fakeSink) Enqueue(ctx context.Context, post models.Post) error {
	f.enqueued = append(f.enqueued, post)
	return nil
}

func TestSyncClassifiesNewFile(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "a.jpg"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	posts := newFakePostStore(nil)
	libs := &fakeLibraryStore{}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 1 || report.Scanned != 1 {
		t.Fatalf("expected added=1 scanned=1, got %+v", report)
	}
	if len(sink.enqueued) != 1 || sink.enqueued[0].RelativePath != "a.jpg" {
		t.Fatalf("expected a.jpg enqueued, got %+v", sink.enqueued)
	}
}

func TestSyncIdempotentOnUnchangedTree(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.jpg")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	existing := &models.Post{
		ID:               uuid.New(),
		RelativePath:     "a.jpg",
		SizeBytes:        info.Size(),
		FileModifiedDate: info.ModTime().UTC(),
	}
	posts := newFakePostStore([]*models.Post{existing})
	libs := &fakeLibraryStore{}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Added != 0 || report.Updated != 0 || report.Moved != 0 || report.Removed != 0 {
		t.Fatalf("expected all-zero report on unchanged tree, got %+v", report)
	}
	if len(sink.enqueued) != 0 {
		t.Fatalf("expected nothing enqueued, got %+v", sink.enqueued)
	}
}

func TestSyncDetectsOrphanRemoval(t *testing.T) {
	root := t.TempDir()

	existing := &models.Post{ID: uuid.New(), RelativePath: "gone.jpg"}
	posts := newFakePostStore([]*models.Post{existing})
	libs := &fakeLibraryStore{}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected removed=1, got %+v", report)
	}
	if !posts.deleted[existing.ID] {
		t.Fatalf("expected existing post deleted")
	}
}

func TestSyncSkipsIgnoredPrefix(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "skip"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "skip", "a.jpg"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	posts := newFakePostStore(nil)
	libs := &fakeLibraryStore{ignored: []models.LibraryIgnoredPath{{RelativePathPrefix: "skip"}}}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Scanned != 0 || len(sink.enqueued) != 0 {
		t.Fatalf("expected ignored path to be skipped entirely, got %+v enqueued=%v", report, sink.enqueued)
	}
}

func TestSyncDetectsMoveByIdentity(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.jpg")
	if err := os.WriteFile(oldPath, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	identity, ok := fileid.Resolve(oldPath)
	if !ok {
		t.Skip("platform does not provide file identity")
	}
	if err := os.MkdirAll(filepath.Join(root, "renamed"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(oldPath, filepath.Join(root, "renamed", "a.jpg")); err != nil {
		t.Fatal(err)
	}

	existing := &models.Post{ID: uuid.New(), RelativePath: "a.jpg", FileIdentity: identity}
	posts := newFakePostStore([]*models.Post{existing})
	libs := &fakeLibraryStore{}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Moved != 1 || report.Added != 0 || report.Removed != 0 {
		t.Fatalf("expected moved=1 added=0 removed=0, got %+v", report)
	}
	if posts.moved[existing.ID] != "renamed/a.jpg" {
		t.Fatalf("expected post moved to renamed/a.jpg, got %q", posts.moved[existing.ID])
	}
	if posts.deleted[existing.ID] {
		t.Fatalf("moved post must not be orphan-swept")
	}
}

func TestSyncMoveWithHardLinkedIdentityTargetsTheMovedPost(t *testing.T) {
	root := t.TempDir()
	aPath := filepath.Join(root, "a.jpg")
	bPath := filepath.Join(root, "b.jpg")
	if err := os.WriteFile(aPath, []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Link(aPath, bPath); err != nil {
		t.Skip("platform does not support hard links")
	}
	identity, ok := fileid.Resolve(aPath)
	if !ok {
		t.Skip("platform does not provide file identity")
	}

	// Two posts legitimately share one identity; only a.jpg moves.
	postA := &models.Post{ID: uuid.New(), RelativePath: "a.jpg", FileIdentity: identity}
	info, err := os.Stat(bPath)
	if err != nil {
		t.Fatal(err)
	}
	postB := &models.Post{
		ID: uuid.New(), RelativePath: "b.jpg", FileIdentity: identity,
		SizeBytes: info.Size(), FileModifiedDate: info.ModTime().UTC(),
	}
	if err := os.Rename(aPath, filepath.Join(root, "c.jpg")); err != nil {
		t.Fatal(err)
	}

	posts := newFakePostStore([]*models.Post{postA, postB})
	libs := &fakeLibraryStore{}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Moved != 1 || report.Added != 0 || report.Removed != 0 {
		t.Fatalf("expected moved=1 added=0 removed=0, got %+v", report)
	}
	if posts.moved[postA.ID] != "c.jpg" {
		t.Fatalf("expected a.jpg's post moved to c.jpg, got moves %+v", posts.moved)
	}
	if _, touched := posts.moved[postB.ID]; touched {
		t.Fatalf("hard-linked sibling post must not be rewritten")
	}
	if posts.deleted[postA.ID] || posts.deleted[postB.ID] {
		t.Fatalf("neither post should be orphan-swept, deleted=%+v", posts.deleted)
	}
}

func TestSyncDetectsMoveByContentHashWhenPostHasNoIdentity(t *testing.T) {
	root := t.TempDir()
	oldPath := filepath.Join(root, "a.jpg")
	if err := os.WriteFile(oldPath, []byte("hash me"), 0o644); err != nil {
		t.Fatal(err)
	}
	hash, err := hashutil.ContentHash(oldPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(oldPath, filepath.Join(root, "moved.jpg")); err != nil {
		t.Fatal(err)
	}

	existing := &models.Post{ID: uuid.New(), RelativePath: "a.jpg", ContentHash: hash}
	posts := newFakePostStore([]*models.Post{existing})
	libs := &fakeLibraryStore{}
	sink := &fakeSink{}
	proc := New(posts, libs, sink)

	lib := &models.Library{ID: uuid.New(), Path: root}
	report, err := proc.Sync(context.Background(), lib)
	if err != nil {
		t.Fatal(err)
	}
	if report.Moved != 1 || report.Added != 0 || report.Removed != 0 {
		t.Fatalf("expected moved=1 added=0 removed=0, got %+v", report)
	}
	if posts.moved[existing.ID] != "moved.jpg" {
		t.Fatalf("expected post moved to moved.jpg, got %q", posts.moved[existing.ID])
	}
}
