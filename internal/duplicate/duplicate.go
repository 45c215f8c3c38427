// Package duplicate is the duplicate detection engine: the find-duplicates
// analysis (exact content-hash grouping plus perceptual-hash clustering)
// and the group resolution API.
package duplicate

import (
	"context"
	"database/sql"
	"math/bits"
	"sort"

	"github.com/google/uuid"

	"github.com/booru/core/internal/booruerr"
	"github.com/booru/core/internal/models"
)

const defaultPerceptualThreshold = 8

// Progress reports the current phase of the find-duplicates job.
type Progress interface {
	SetActivity(text string)
	SetProgress(current, total int64)
}

// PostSource supplies the live post set the engine clusters.
type PostSource interface {
	ListAllWithHashes(ctx context.Context) ([]*models.Post, error)
}

// GroupStore is the transactional persistence surface the engine drives.
type GroupStore interface {
	BeginTx(ctx context.Context) (*sql.Tx, error)
	DeleteUnresolvedGroups(ctx context.Context, tx *sql.Tx) error
	CreateGroup(ctx context.Context, tx *sql.Tx, g *models.DuplicateGroup) error
	GetByID(id uuid.UUID) (*models.DuplicateGroup, error)
	MarkResolved(id uuid.UUID) error
}

// PostRemover is the post-deletion side of group resolution.
type PostRemover interface {
	GetByID(id uuid.UUID) (*models.Post, error)
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

// ExcludedFileRecorder records why a post was removed as a duplicate.
type ExcludedFileRecorder interface {
	AddExcludedFile(tx *sql.Tx, f models.ExcludedFile) error
}

type Engine struct {
	posts       PostSource
	groups      GroupStore
	postRemover PostRemover
	excluded    ExcludedFileRecorder
	threshold   int
}

func New(posts PostSource, groups GroupStore, postRemover PostRemover, excluded ExcludedFileRecorder) *Engine {
	return &Engine{posts: posts, groups: groups, postRemover: postRemover, excluded: excluded, threshold: defaultPerceptualThreshold}
}

// Run performs the full find-duplicates pass.
func (e *Engine) Run(ctx context.Context, progress Progress) error {
	progress.SetActivity("Enumerating posts")
	posts, err := e.posts.ListAllWithHashes(ctx)
	if err != nil {
		return err
	}

	tx, err := e.groups.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.groups.DeleteUnresolvedGroups(ctx, tx); err != nil {
		return err
	}

	progress.SetActivity("Grouping exact duplicates")
	exactGroups := exactPass(posts)

	progress.SetActivity("Computing perceptual distances")
	progress.SetProgress(0, int64(len(posts)))
	perceptualGroups := perceptualPass(posts, e.threshold)

	progress.SetActivity("Persisting duplicate groups")
	allGroups := append(exactGroups, perceptualGroups...)
	for _, g := range allGroups {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := e.groups.CreateGroup(ctx, tx, g); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// exactPass groups live posts by contentHash where group size >= 2.
func exactPass(posts []*models.Post) []*models.DuplicateGroup {
	byHash := make(map[string][]*models.Post)
	for _, p := range posts {
		byHash[p.ContentHash] = append(byHash[p.ContentHash], p)
	}

	var groups []*models.DuplicateGroup
	for _, members := range byHash {
		if len(members) < 2 {
			continue
		}
		g := &models.DuplicateGroup{ID: uuid.New(), Type: models.DuplicateGroupExact}
		for _, m := range members {
			g.Entries = append(g.Entries, models.DuplicateGroupEntry{PostID: m.ID})
		}
		groups = append(groups, g)
	}
	return groups
}

// unionFind is a minimal disjoint-set with path compression and union by
// rank, indexed by position in the input slice.
type unionFind struct {
	parent []int
	rank   []int
}

func newUnionFind(n int) *unionFind {
	uf := &unionFind{parent: make([]int, n), rank: make([]int, n)}
	for i := range uf.parent {
		uf.parent[i] = i
	}
	return uf
}

func (uf *unionFind) find(x int) int {
	for uf.parent[x] != x {
		uf.parent[x] = uf.parent[uf.parent[x]]
		x = uf.parent[x]
	}
	return x
}

func (uf *unionFind) union(a, b int) {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return
	}
	if uf.rank[ra] < uf.rank[rb] {
		ra, rb = rb, ra
	}
	uf.parent[rb] = ra
	if uf.rank[ra] == uf.rank[rb] {
		uf.rank[ra]++
	}
}

// perceptualPass clusters posts with a non-null dHash via union-find over
// every pair within threshold.
func perceptualPass(posts []*models.Post, threshold int) []*models.DuplicateGroup {
	var candidates []*models.Post
	for _, p := range posts {
		if p.PerceptualHashD != nil {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) < 2 {
		return nil
	}

	uf := newUnionFind(len(candidates))
	type edge struct {
		i, j       int
		similarity int
	}
	var edges []edge

	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			d := bits.OnesCount64(*candidates[i].PerceptualHashD ^ *candidates[j].PerceptualHashD)
			if d > threshold {
				continue
			}
			similarity := int(round((1 - float64(d)/64) * 100))
			uf.union(i, j)
			edges = append(edges, edge{i: i, j: j, similarity: similarity})
		}
	}

	// minSimilarity is keyed by each edge's final (post-all-unions) root, not
	// the root at the moment the edge was accepted, so a component assembled
	// from multiple merged subcomponents reports the true minimum similarity
	// across every edge that merged it, not just the edge that happened to
	// join the final two roots together.
	minSimilarity := make(map[int]int)
	for _, e := range edges {
		root := uf.find(e.i)
		if existing, ok := minSimilarity[root]; !ok || e.similarity < existing {
			minSimilarity[root] = e.similarity
		}
	}

	componentMembers := make(map[int][]*models.Post)
	for i, p := range candidates {
		root := uf.find(i)
		componentMembers[root] = append(componentMembers[root], p)
	}

	var groups []*models.DuplicateGroup
	for root, members := range componentMembers {
		if len(members) < 2 {
			continue
		}
		sim := minSimilarity[root]
		g := &models.DuplicateGroup{ID: uuid.New(), Type: models.DuplicateGroupPerceptual, SimilarityPercent: &sim}
		for _, m := range members {
			g.Entries = append(g.Entries, models.DuplicateGroupEntry{PostID: m.ID})
		}
		groups = append(groups, g)
	}
	return groups
}

func round(f float64) float64 {
	if f < 0 {
		return float64(int(f - 0.5))
	}
	return float64(int(f + 0.5))
}

// KeepAll resolves a group with no post changes.
func (e *Engine) KeepAll(id uuid.UUID) error {
	return e.groups.MarkResolved(id)
}

// KeepOne deletes every other post in group g, recording an ExcludedFile for
// each, then marks g resolved. Files on disk are untouched.
func (e *Engine) KeepOne(ctx context.Context, tx *sql.Tx, groupID, keepID uuid.UUID) error {
	g, err := e.groups.GetByID(groupID)
	if err != nil {
		return err
	}
	keptFound := false
	for _, entry := range g.Entries {
		if entry.PostID == keepID {
			keptFound = true
			continue
		}
		post, err := e.postRemover.GetByID(entry.PostID)
		if err != nil {
			continue
		}
		if err := e.excluded.AddExcludedFile(tx, models.ExcludedFile{
			LibraryID:    post.LibraryID,
			RelativePath: post.RelativePath,
			ContentHash:  post.ContentHash,
			Reason:       "duplicate-of-#" + keepID.String(),
		}); err != nil {
			return err
		}
		if err := e.postRemover.DeleteByID(ctx, entry.PostID); err != nil {
			return err
		}
	}
	if !keptFound {
		return booruerr.New(booruerr.InvalidInput, "keep post is not a member of this group")
	}
	return e.groups.MarkResolved(groupID)
}

// ResolveAllExact applies KeepOne to every unresolved Exact group, picking
// the oldest post (smallest importDate, tie-break smallest id) to keep.
func (e *Engine) ResolveAllExact(ctx context.Context, tx *sql.Tx, groups []*models.DuplicateGroup) error {
	for _, g := range groups {
		if g.Type != models.DuplicateGroupExact || g.IsResolved {
			continue
		}
		keepID, err := e.oldestMember(g)
		if err != nil {
			return err
		}
		if err := e.KeepOne(ctx, tx, g.ID, keepID); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) oldestMember(g *models.DuplicateGroup) (uuid.UUID, error) {
	var posts []*models.Post
	for _, entry := range g.Entries {
		p, err := e.postRemover.GetByID(entry.PostID)
		if err != nil {
			continue
		}
		posts = append(posts, p)
	}
	if len(posts) == 0 {
		return uuid.Nil, booruerr.New(booruerr.NotFound, "group has no resolvable members")
	}
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].ImportDate.Equal(posts[j].ImportDate) {
			return posts[i].ImportDate.Before(posts[j].ImportDate)
		}
		return posts[i].ID.String() < posts[j].ID.String()
	})
	return posts[0].ID, nil
}

// ResolveSameFolder applies keep-one limited to the subgroup of a group's
// posts that share folderPath within library libraryID. The subgroup's
// smallest id survives; the group is marked resolved once fewer than two
// live entries remain in it.
func (e *Engine) ResolveSameFolder(ctx context.Context, tx *sql.Tx, groupID, libraryID uuid.UUID, folderPath string) error {
	g, err := e.groups.GetByID(groupID)
	if err != nil {
		return err
	}
	if g.IsResolved {
		return booruerr.New(booruerr.InvalidInput, "group is already resolved")
	}

	live := 0
	var subgroup []*models.Post
	for _, entry := range g.Entries {
		post, err := e.postRemover.GetByID(entry.PostID)
		if err != nil {
			continue
		}
		live++
		if post.LibraryID == libraryID && parentFolder(post.RelativePath) == folderPath {
			subgroup = append(subgroup, post)
		}
	}
	if len(subgroup) < 2 {
		return booruerr.New(booruerr.InvalidInput, "folder subgroup has fewer than two posts")
	}

	ids := make([]uuid.UUID, len(subgroup))
	for i, p := range subgroup {
		ids[i] = p.ID
	}
	keepID := RecommendedKeep(ids)
	for _, post := range subgroup {
		if post.ID == keepID {
			continue
		}
		if err := e.excluded.AddExcludedFile(tx, models.ExcludedFile{
			LibraryID:    post.LibraryID,
			RelativePath: post.RelativePath,
			ContentHash:  post.ContentHash,
			Reason:       "duplicate-of-#" + keepID.String(),
		}); err != nil {
			return err
		}
		if err := e.postRemover.DeleteByID(ctx, post.ID); err != nil {
			return err
		}
		live--
	}
	if live < 2 {
		return e.groups.MarkResolved(groupID)
	}
	return nil
}

// SameFolderSubgroups projects a group's entries into per-parent-folder
// subgroups for UI display, keyed by folder path. It returns only the post
// ids; a subgroup's recommended keep (its smallest id) comes from
// RecommendedKeep.
func SameFolderSubgroups(entries []models.DuplicateGroupEntry, pathOf func(postID uuid.UUID) string) map[string][]uuid.UUID {
	byFolder := make(map[string][]uuid.UUID)
	for _, e := range entries {
		folder := parentFolder(pathOf(e.PostID))
		byFolder[folder] = append(byFolder[folder], e.PostID)
	}
	return byFolder
}

func parentFolder(relativePath string) string {
	idx := -1
	for i := len(relativePath) - 1; i >= 0; i-- {
		if relativePath[i] == '/' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ""
	}
	return relativePath[:idx]
}

// RecommendedKeep returns the smallest id among postIDs, the tie-break rule
// used for same-folder sub-groups.
func RecommendedKeep(postIDs []uuid.UUID) uuid.UUID {
	if len(postIDs) == 0 {
		return uuid.Nil
	}
	best := postIDs[0]
	for _, id := range postIDs[1:] {
		if id.String() < best.String() {
			best = id
		}
	}
	return best
}
