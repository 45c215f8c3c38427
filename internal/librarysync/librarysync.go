// Package librarysync is the per-library scan/ingest state machine that
// turns a filesystem walk into post rows: snapshot known state, walk,
// classify, sweep orphans.
package librarysync

import (
	"context"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/booru/core/internal/fileid"
	"github.com/booru/core/internal/hashutil"
	"github.com/booru/core/internal/mediasource"
	"github.com/booru/core/internal/models"
)

// PostSink is how newly discovered posts are handed off; satisfied by
// ingest.Sink.
type PostSink interface {
	Enqueue(ctx context.Context, post models.Post) error
}

// PostStore is the subset of repository.PostRepository the sync drives
// directly for classifications other than NEW (which go through PostSink).
type PostStore interface {
	Snapshot(ctx context.Context, libraryID uuid.UUID) ([]*models.Post, error)
	UpdateMoved(ctx context.Context, id uuid.UUID, newRelativePath string) error
	UpdateChanged(ctx context.Context, id uuid.UUID, contentHash string, sizeBytes int64, fileModifiedDate time.Time) error
	DeleteByID(ctx context.Context, id uuid.UUID) error
}

// LibraryStore is the subset of repository.LibraryRepository needed for
// ignored-prefix and excluded-path lookups.
type LibraryStore interface {
	ListIgnoredPaths(libraryID uuid.UUID) ([]models.LibraryIgnoredPath, error)
	ListExcludedFiles(libraryID uuid.UUID) ([]models.ExcludedFile, error)
}

// Report is the aggregate count one sync produces.
type Report struct {
	Scanned int
	Added   int
	Updated int
	Moved   int
	Removed int
}

// Processor runs library syncs. All sync state is per-call, so a single
// Processor may sync several libraries in parallel from different
// goroutines.
type Processor struct {
	posts     PostStore
	libraries LibraryStore
	sink      PostSink
}

func New(posts PostStore, libraries LibraryStore, sink PostSink) *Processor {
	return &Processor{posts: posts, libraries: libraries, sink: sink}
}

type knownPost struct {
	post *models.Post
	seen bool
}

// Sync runs the five phases against one library's root. Cancellation is
// checked between items and between phases; whatever has already been
// persisted through the sink is retained, matching the idempotent-scan
// invariant.
func (p *Processor) Sync(ctx context.Context, lib *models.Library) (Report, error) {
	report := Report{}

	// 1. Snapshot — a frozen view; files observed later in this scan are
	// classified only against this snapshot, per the ordering guarantee.
	existing, err := p.posts.Snapshot(ctx, lib.ID)
	if err != nil {
		return report, err
	}
	ignoredPaths, err := p.libraries.ListIgnoredPaths(lib.ID)
	if err != nil {
		return report, err
	}
	excluded, err := p.libraries.ListExcludedFiles(lib.ID)
	if err != nil {
		return report, err
	}

	// byIdentity and byContentHash hold slices, not single posts: identities
	// are not unique (hard links), and identity-less posts can share a
	// content hash. Move detection picks the first not-yet-seen candidate.
	byPath := make(map[string]*knownPost, len(existing))
	byIdentity := make(map[string][]*knownPost)
	byContentHash := make(map[string][]*knownPost)
	for _, post := range existing {
		kp := &knownPost{post: post}
		byPath[post.RelativePath] = kp
		if post.FileIdentity != nil {
			k := identityKey(post.FileIdentity)
			byIdentity[k] = append(byIdentity[k], kp)
		} else {
			byContentHash[post.ContentHash] = append(byContentHash[post.ContentHash], kp)
		}
	}

	excludedPaths := make(map[string]string, len(excluded))
	for _, e := range excluded {
		excludedPaths[e.RelativePath] = e.ContentHash
	}

	// 2. Enumerate + 3. Classify.
	source := mediasource.New(lib.Path)
	items, errs := source.Iterate(ctx)

	for item := range items {
		if ctx.Err() != nil {
			break
		}
		if isIgnored(item.RelativePath, ignoredPaths) {
			continue
		}
		if hash, excludedAlready := excludedPaths[item.RelativePath]; excludedAlready {
			if known, ok := byPath[item.RelativePath]; !ok || known.post.ContentHash == hash {
				continue
			}
		}

		report.Scanned++

		if known, ok := byPath[item.RelativePath]; ok {
			known.seen = true
			if item.SizeBytes == known.post.SizeBytes && item.LastModifiedUtc.Equal(known.post.FileModifiedDate) {
				// UNCHANGED
				continue
			}
			// UPDATED
			hash, err := hashutil.ContentHash(item.FullPath)
			if err != nil {
				log.Printf("librarysync: hashing %s failed, skipping: %v", item.FullPath, err)
				continue
			}
			if err := p.posts.UpdateChanged(ctx, known.post.ID, hash, item.SizeBytes, item.LastModifiedUtc); err != nil {
				log.Printf("librarysync: updating %s failed: %v", item.FullPath, err)
				continue
			}
			report.Updated++
			continue
		}

		identity, hasIdentity := fileid.Resolve(item.FullPath)
		if hasIdentity {
			if known := firstUnseen(byIdentity[identityKey(identity)]); known != nil {
				// MOVED — identity matches a post whose old path wasn't seen
				// yet in this scan.
				known.seen = true
				if err := p.posts.UpdateMoved(ctx, known.post.ID, item.RelativePath); err != nil {
					log.Printf("librarysync: moving %s failed: %v", item.FullPath, err)
					continue
				}
				report.Moved++
				continue
			}
		}

		hash, err := hashutil.ContentHash(item.FullPath)
		if err != nil {
			log.Printf("librarysync: hashing %s failed, skipping: %v", item.FullPath, err)
			continue
		}

		// Content-hash fallback covers posts recorded without an identity
		// (byContentHash only ever holds those), whether or not the platform
		// can resolve one for the file now.
		if known := firstUnseen(byContentHash[hash]); known != nil {
			known.seen = true
			if err := p.posts.UpdateMoved(ctx, known.post.ID, item.RelativePath); err != nil {
				log.Printf("librarysync: moving %s failed: %v", item.FullPath, err)
				continue
			}
			report.Moved++
			continue
		}

		// NEW
		post := models.Post{
			ID:               uuid.New(),
			LibraryID:        lib.ID,
			RelativePath:     item.RelativePath,
			ContentHash:      hash,
			FileIdentity:     identity,
			SizeBytes:        item.SizeBytes,
			ContentType:      mediasource.MimeType(item.FullPath),
			ImportDate:       time.Now().UTC(),
			FileModifiedDate: item.LastModifiedUtc,
		}
		if err := p.sink.Enqueue(ctx, post); err != nil {
			log.Printf("librarysync: enqueue %s failed: %v", item.FullPath, err)
			continue
		}
		report.Added++
	}

	if err := <-errs; err != nil {
		return report, err
	}
	if err := ctx.Err(); err != nil {
		return report, err
	}

	// 4. Orphan sweep.
	for _, kp := range byPath {
		if ctx.Err() != nil {
			break
		}
		if kp.seen {
			continue
		}
		if err := p.posts.DeleteByID(ctx, kp.post.ID); err != nil {
			log.Printf("librarysync: removing orphan post %s failed: %v", kp.post.RelativePath, err)
			continue
		}
		report.Removed++
	}

	return report, ctx.Err()
}

func identityKey(id *models.FileIdentity) string {
	return id.Device + ":" + id.Value
}

func firstUnseen(candidates []*knownPost) *knownPost {
	for _, kp := range candidates {
		if !kp.seen {
			return kp
		}
	}
	return nil
}

func isIgnored(relativePath string, prefixes []models.LibraryIgnoredPath) bool {
	for _, p := range prefixes {
		prefix := strings.TrimSuffix(filepath.ToSlash(p.RelativePathPrefix), "/")
		if relativePath == prefix || strings.HasPrefix(relativePath, prefix+"/") {
			return true
		}
	}
	return false
}
