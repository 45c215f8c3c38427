package duplicate

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/uuid"

	"github.com/booru/core/internal/models"
)

func hashPtr(v uint64) *uint64 { return &v }

func TestExactPassGroupsByContentHash(t *testing.T) {
	a := &models.Post{ID: uuid.New(), ContentHash: "same"}
	b := &models.Post{ID: uuid.New(), ContentHash: "same"}
	c := &models.Post{ID: uuid.New(), ContentHash: "different"}

	groups := exactPass([]*models.Post{a, b, c})
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if len(groups[0].Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(groups[0].Entries))
	}
}

func TestExactPassSkipsSingletons(t *testing.T) {
	a := &models.Post{ID: uuid.New(), ContentHash: "unique"}
	groups := exactPass([]*models.Post{a})
	if len(groups) != 0 {
		t.Fatalf("expected no groups for a singleton hash, got %d", len(groups))
	}
}

func TestPerceptualPassClustersWithinThreshold(t *testing.T) {
	// d=8 between a and b: 8 differing bits over 64 is 88% similarity.
	a := &models.Post{ID: uuid.New(), PerceptualHashD: hashPtr(0)}
	b := &models.Post{ID: uuid.New(), PerceptualHashD: hashPtr(0xFF)} // 8 bits set
	c := &models.Post{ID: uuid.New(), PerceptualHashD: hashPtr(0xFFFFFFFF)} // 32 bits set, too far from a

	groups := perceptualPass([]*models.Post{a, b, c}, 8)
	if len(groups) != 1 {
		t.Fatalf("expected 1 group, got %d", len(groups))
	}
	if len(groups[0].Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(groups[0].Entries))
	}
	if groups[0].SimilarityPercent == nil || *groups[0].SimilarityPercent != 88 {
		t.Fatalf("expected similarity 88, got %v", groups[0].SimilarityPercent)
	}
}

func TestPerceptualPassIgnoresPostsWithoutHash(t *testing.T) {
	a := &models.Post{ID: uuid.New(), PerceptualHashD: nil}
	b := &models.Post{ID: uuid.New(), PerceptualHashD: hashPtr(0)}
	groups := perceptualPass([]*models.Post{a, b}, 8)
	if len(groups) != 0 {
		t.Fatalf("expected no groups with only one hashed post, got %d", len(groups))
	}
}

func TestRecommendedKeepIsSmallestID(t *testing.T) {
	ids := []uuid.UUID{
		uuid.MustParse("22222222-2222-2222-2222-222222222222"),
		uuid.MustParse("11111111-1111-1111-1111-111111111111"),
		uuid.MustParse("33333333-3333-3333-3333-333333333333"),
	}
	got := RecommendedKeep(ids)
	want := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	if got != want {
		t.Fatalf("expected smallest id %s, got %s", want, got)
	}
}

type fakeGroupStore struct {
	group    *models.DuplicateGroup
	resolved []uuid.UUID
}

func (f *fakeGroupStore) BeginTx(ctx context.Context) (*sql.Tx, error)              { return nil, nil }
func (f *fakeGroupStore) DeleteUnresolvedGroups(ctx context.Context, tx *sql.Tx) error { return nil }
func (f *fakeGroupStore) CreateGroup(ctx context.Context, tx *sql.Tx, g *models.DuplicateGroup) error {
	return nil
}
func (f *fakeGroupStore) GetByID(id uuid.UUID) (*models.DuplicateGroup, error) { return f.group, nil }
func (f *fakeGroupStore) MarkResolved(id uuid.UUID) error {
	f.resolved = append(f.resolved, id)
	return nil
}

type fakePostStore struct {
	posts    map[uuid.UUID]*models.Post
	deleted  []uuid.UUID
	excluded []models.ExcludedFile
}

func (f *fakePostStore) GetByID(id uuid.UUID) (*models.Post, error) {
	p, ok := f.posts[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return p, nil
}

func (f *fakePostStore) DeleteByID(ctx context.Context, id uuid.UUID) error {
	f.deleted = append(f.deleted, id)
	delete(f.posts, id)
	return nil
}

func (f *fakePostStore) AddExcludedFile(tx *sql.Tx, file models.ExcludedFile) error {
	f.excluded = append(f.excluded, file)
	return nil
}

func TestResolveSameFolderKeepsSmallestID(t *testing.T) {
	libID := uuid.New()
	keep := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	drop := uuid.MustParse("22222222-2222-2222-2222-222222222222")
	other := uuid.MustParse("33333333-3333-3333-3333-333333333333")

	store := &fakePostStore{posts: map[uuid.UUID]*models.Post{
		keep:  {ID: keep, LibraryID: libID, RelativePath: "a/1.jpg", ContentHash: "h1"},
		drop:  {ID: drop, LibraryID: libID, RelativePath: "a/2.jpg", ContentHash: "h2"},
		other: {ID: other, LibraryID: libID, RelativePath: "b/3.jpg", ContentHash: "h3"},
	}}
	groupID := uuid.New()
	groups := &fakeGroupStore{group: &models.DuplicateGroup{
		ID:   groupID,
		Type: models.DuplicateGroupPerceptual,
		Entries: []models.DuplicateGroupEntry{
			{GroupID: groupID, PostID: keep},
			{GroupID: groupID, PostID: drop},
			{GroupID: groupID, PostID: other},
		},
	}}

	e := New(nil, groups, store, store)
	if err := e.ResolveSameFolder(context.Background(), nil, groupID, libID, "a"); err != nil {
		t.Fatalf("ResolveSameFolder: %v", err)
	}
	if len(store.deleted) != 1 || store.deleted[0] != drop {
		t.Fatalf("expected only %s deleted, got %v", drop, store.deleted)
	}
	if len(store.excluded) != 1 || store.excluded[0].RelativePath != "a/2.jpg" {
		t.Fatalf("unexpected exclusions: %+v", store.excluded)
	}
	// keep and other remain, so the parent group stays unresolved.
	if len(groups.resolved) != 0 {
		t.Fatalf("group should remain unresolved with 2 live entries, got %v", groups.resolved)
	}
}

func TestResolveSameFolderResolvesGroupWhenDrained(t *testing.T) {
	libID := uuid.New()
	keep := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	drop := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	store := &fakePostStore{posts: map[uuid.UUID]*models.Post{
		keep: {ID: keep, LibraryID: libID, RelativePath: "a/1.jpg", ContentHash: "h1"},
		drop: {ID: drop, LibraryID: libID, RelativePath: "a/2.jpg", ContentHash: "h2"},
	}}
	groupID := uuid.New()
	groups := &fakeGroupStore{group: &models.DuplicateGroup{
		ID:   groupID,
		Type: models.DuplicateGroupExact,
		Entries: []models.DuplicateGroupEntry{
			{GroupID: groupID, PostID: keep},
			{GroupID: groupID, PostID: drop},
		},
	}}

	e := New(nil, groups, store, store)
	if err := e.ResolveSameFolder(context.Background(), nil, groupID, libID, "a"); err != nil {
		t.Fatalf("ResolveSameFolder: %v", err)
	}
	if len(groups.resolved) != 1 || groups.resolved[0] != groupID {
		t.Fatalf("expected group resolved, got %v", groups.resolved)
	}
}

func TestSameFolderSubgroups(t *testing.T) {
	p1, p2, p3 := uuid.New(), uuid.New(), uuid.New()
	paths := map[uuid.UUID]string{
		p1: "a/1.jpg",
		p2: "a/2.jpg",
		p3: "b/3.jpg",
	}
	entries := []models.DuplicateGroupEntry{{PostID: p1}, {PostID: p2}, {PostID: p3}}
	subgroups := SameFolderSubgroups(entries, func(id uuid.UUID) string { return paths[id] })
	if len(subgroups["a"]) != 2 || len(subgroups["b"]) != 1 {
		t.Fatalf("unexpected subgroup shape: %+v", subgroups)
	}
}
