package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/dgryski/go-rendezvous"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/booru/core/internal/duplicate"
	"github.com/booru/core/internal/ffmpeg"
	"github.com/booru/core/internal/librarysync"
	"github.com/booru/core/internal/mediasource"
	"github.com/booru/core/internal/models"
	"github.com/booru/core/internal/phash"
	"github.com/booru/core/internal/repository"
)

// Deps bundles everything the concrete job Definitions need. Built once at
// startup and closed over by each task's Run function.
type Deps struct {
	Libraries   *repository.LibraryRepository
	Posts       *repository.PostRepository
	Tags        *repository.TagRepository
	Sync        *librarysync.Processor
	Thumbnailer *ffmpeg.Thumbnailer
	Prober      *ffmpeg.FFprobe
	Hasher      *phash.Hasher
	Duplicates  *duplicate.Engine
	ThumbnailDir string
	ThumbnailMaxSize int
	ScannerParallelism    int
	MetadataParallelism   int
	SimilarityParallelism int
	ThumbnailParallelism  int
}

// RegisterAll registers the core's eight built-in jobs.
func RegisterAll(registry *Registry, deps *Deps) {
	registry.Register(scanAllLibrariesJob(deps))
	registry.Register(extractMetadataJob(deps))
	registry.Register(computeSimilarityJob(deps))
	registry.Register(findDuplicatesJob(deps))
	registry.Register(generateThumbnailsJob(deps))
	registry.Register(cleanupOrphanedThumbnailsJob(deps))
	registry.Register(applyFolderTagsJob(deps))
	registry.Register(sanitizeTagNamesJob(deps))
}

func scanAllLibrariesJob(deps *Deps) Definition {
	return Definition{
		Key: "scan-all-libraries", DisplayOrder: 1, Name: "Scan all libraries",
		Description: "Discovers new, updated, moved, and removed files across every library.",
		Run: func(jc *JobContext) (*string, int, error) {
			libs, err := deps.Libraries.List()
			if err != nil {
				return nil, 0, err
			}

			byID := make(map[uuid.UUID]*models.Library, len(libs))
			ids := make([]uuid.UUID, 0, len(libs))
			for _, lib := range libs {
				byID[lib.ID] = lib
				ids = append(ids, lib.ID)
			}

			// Libraries scan in parallel, ScannerParallelism lanes wide; each
			// library's own five phases stay sequential inside its lane.
			total := librarysync.Report{}
			var mu sync.Mutex
			var done int
			var firstErr error
			jc.Reporter.SetProgress(0, int64(len(libs)))
			partitionByLanes(ids, deps.ScannerParallelism, func(id uuid.UUID) {
				if jc.Cancelled() {
					return
				}
				lib := byID[id]
				jc.Reporter.SetActivity(fmt.Sprintf("Scanning %s", lib.Name))

				report, err := deps.Sync.Sync(jc.Ctx, lib)

				mu.Lock()
				defer mu.Unlock()
				done++
				jc.Reporter.SetProgress(int64(done), int64(len(libs)))
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("scan %s: %w", lib.Name, err)
					}
					return
				}
				total.Scanned += report.Scanned
				total.Added += report.Added
				total.Updated += report.Updated
				total.Moved += report.Moved
				total.Removed += report.Removed
				deps.Libraries.UpdateLastScan(lib.ID, time.Now().UTC())
			})
			if firstErr != nil && !jc.Cancelled() {
				return nil, 0, firstErr
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Scanned %d libraries: %d added, %d updated, %d moved, %d removed",
				len(libs), total.Added, total.Updated, total.Moved, total.Removed))
			result, _ := json.Marshal(total)
			resultStr := string(result)
			return &resultStr, 1, nil
		},
	}
}

// partitionByLanes assigns ids (library ids for scans, post ids for the
// enrichment jobs) to the given number of lanes using rendezvous hashing,
// then runs fn over each lane concurrently. A deterministic assignment means re-running with a
// different lane count still only reshuffles minimally.
func partitionByLanes(ids []uuid.UUID, lanes int, fn func(id uuid.UUID)) {
	if lanes < 1 {
		lanes = 1
	}
	names := make([]string, lanes)
	for i := range names {
		names[i] = fmt.Sprintf("lane-%d", i)
	}
	r := rendezvous.New(names, xxhash.Sum64String)

	buckets := make(map[string][]uuid.UUID, lanes)
	for _, id := range ids {
		lane := r.Lookup(id.String())
		buckets[lane] = append(buckets[lane], id)
	}

	var wg sync.WaitGroup
	for _, ids := range buckets {
		ids := ids
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, id := range ids {
				fn(id)
			}
		}()
	}
	wg.Wait()
}

func extractMetadataJob(deps *Deps) Definition {
	return Definition{
		Key: "extract-metadata", DisplayOrder: 2, Name: "Extract metadata", SupportsAllMode: true,
		Description: "Probes width, height, and format for posts via ffprobe.",
		Run: func(jc *JobContext) (*string, int, error) {
			libs, err := deps.Libraries.List()
			if err != nil {
				return nil, 0, err
			}

			var processed, failed int
			for _, lib := range libs {
				if jc.Cancelled() {
					break
				}
				posts, err := deps.Posts.ListMissingMetadata(jc.Ctx, lib.ID, jc.Mode == ModeAll)
				if err != nil {
					return nil, 0, err
				}
				jc.Reporter.SetActivity(fmt.Sprintf("Extracting metadata for %s", lib.Name))
				jc.Reporter.SetProgress(0, int64(len(posts)))

				byID := make(map[uuid.UUID]*models.Post, len(posts))
				ids := make([]uuid.UUID, 0, len(posts))
				for _, p := range posts {
					byID[p.ID] = p
					ids = append(ids, p.ID)
				}

				var mu sync.Mutex
				var done int
				partitionByLanes(ids, deps.MetadataParallelism, func(id uuid.UUID) {
					if jc.Cancelled() {
						return
					}
					post := byID[id]
					fullPath := filepath.Join(lib.Path, post.RelativePath)
					result, err := deps.Prober.Probe(fullPath)
					mu.Lock()
					defer mu.Unlock()
					done++
					jc.Reporter.SetProgress(int64(done), int64(len(posts)))
					if err != nil {
						failed++
						return
					}
					if err := deps.Posts.UpdateEnrichment(jc.Ctx, post.ID, result.Width, result.Height, mediasource.MimeType(fullPath)); err != nil {
						failed++
						return
					}
					processed++
				})
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Extracted metadata for %d posts (%d failed)", processed, failed))
			return nil, 0, nil
		},
	}
}

func computeSimilarityJob(deps *Deps) Definition {
	return Definition{
		Key: "compute-similarity", DisplayOrder: 3, Name: "Compute similarity hashes", SupportsAllMode: true,
		Description: "Computes dHash/pHash perceptual hashes for still images.",
		Run: func(jc *JobContext) (*string, int, error) {
			libs, err := deps.Libraries.List()
			if err != nil {
				return nil, 0, err
			}

			var processed int
			for _, lib := range libs {
				if jc.Cancelled() {
					break
				}
				posts, err := deps.Posts.ListMissingPerceptualHash(jc.Ctx, lib.ID, jc.Mode == ModeAll)
				if err != nil {
					return nil, 0, err
				}
				jc.Reporter.SetActivity(fmt.Sprintf("Hashing %s", lib.Name))
				jc.Reporter.SetProgress(0, int64(len(posts)))

				byID := make(map[uuid.UUID]*models.Post, len(posts))
				ids := make([]uuid.UUID, 0, len(posts))
				for _, p := range posts {
					byID[p.ID] = p
					ids = append(ids, p.ID)
				}

				var mu sync.Mutex
				var done int
				partitionByLanes(ids, deps.SimilarityParallelism, func(id uuid.UUID) {
					if jc.Cancelled() {
						return
					}
					post := byID[id]
					fullPath := filepath.Join(lib.Path, post.RelativePath)
					hashes, err := deps.Hasher.Compute(fullPath)
					mu.Lock()
					defer mu.Unlock()
					done++
					jc.Reporter.SetProgress(int64(done), int64(len(posts)))
					if err != nil || hashes == nil {
						return
					}
					if err := deps.Posts.UpdatePerceptualHashes(jc.Ctx, post.ID, &hashes.DHash, &hashes.PHash); err == nil {
						processed++
					}
				})
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Computed perceptual hashes for %d posts", processed))
			return nil, 0, nil
		},
	}
}

func findDuplicatesJob(deps *Deps) Definition {
	return Definition{
		Key: "find-duplicates", DisplayOrder: 4, Name: "Find duplicates",
		Description: "Groups exact and perceptually-similar posts into duplicate groups.",
		Run: func(jc *JobContext) (*string, int, error) {
			if err := deps.Duplicates.Run(jc.Ctx, jc.Reporter); err != nil {
				return nil, 0, err
			}
			jc.Reporter.SetFinalText("Duplicate scan complete")
			return nil, 0, nil
		},
	}
}

func generateThumbnailsJob(deps *Deps) Definition {
	return Definition{
		Key: "generate-thumbnails", DisplayOrder: 5, Name: "Generate thumbnails", SupportsAllMode: true,
		Description: "Generates .webp thumbnails for posts lacking one.",
		Run: func(jc *JobContext) (*string, int, error) {
			libs, err := deps.Libraries.List()
			if err != nil {
				return nil, 0, err
			}

			var generated, failed int
			var totalBytes int64
			for _, lib := range libs {
				if jc.Cancelled() {
					break
				}
				posts, err := deps.Posts.ListAll(jc.Ctx, lib.ID)
				if err != nil {
					return nil, 0, err
				}
				jc.Reporter.SetActivity(fmt.Sprintf("Thumbnailing %s", lib.Name))
				jc.Reporter.SetProgress(0, int64(len(posts)))

				byID := make(map[uuid.UUID]*models.Post, len(posts))
				ids := make([]uuid.UUID, 0, len(posts))
				for _, p := range posts {
					if thumbnailExists(deps.ThumbnailDir, p.LibraryID, p.ContentHash) && jc.Mode != ModeAll {
						continue
					}
					byID[p.ID] = p
					ids = append(ids, p.ID)
				}

				var mu sync.Mutex
				var done int
				partitionByLanes(ids, deps.ThumbnailParallelism, func(id uuid.UUID) {
					if jc.Cancelled() {
						return
					}
					post := byID[id]
					fullPath := filepath.Join(lib.Path, post.RelativePath)
					dstPath := thumbnailPath(deps.ThumbnailDir, post.LibraryID, post.ContentHash)

					var duration float64
					if probe, err := deps.Prober.Probe(fullPath); err == nil {
						duration = probe.DurationSeconds
					}

					err := deps.Thumbnailer.GenerateThumbnail(fullPath, dstPath, deps.ThumbnailMaxSize, duration)
					mu.Lock()
					defer mu.Unlock()
					done++
					jc.Reporter.SetProgress(int64(done), int64(len(ids)))
					if err != nil {
						failed++
						return
					}
					generated++
					if info, statErr := os.Stat(dstPath); statErr == nil {
						totalBytes += info.Size()
					}
				})
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Generated %d thumbnails (%s, %d failed)",
				generated, humanize.Bytes(uint64(totalBytes)), failed))
			return nil, 0, nil
		},
	}
}

func cleanupOrphanedThumbnailsJob(deps *Deps) Definition {
	return Definition{
		Key: "cleanup-orphaned-thumbnails", DisplayOrder: 6, Name: "Clean up orphaned thumbnails",
		Description: "Deletes thumbnail files whose post no longer exists.",
		Run: func(jc *JobContext) (*string, int, error) {
			libDirs, err := os.ReadDir(deps.ThumbnailDir)
			if err != nil {
				if os.IsNotExist(err) {
					jc.Reporter.SetFinalText("No thumbnail directory to clean")
					return nil, 0, nil
				}
				return nil, 0, err
			}

			var removed int
			for _, libDir := range libDirs {
				if jc.Cancelled() {
					break
				}
				if !libDir.IsDir() {
					continue
				}
				libraryID, err := uuid.Parse(libDir.Name())
				if err != nil {
					continue
				}
				libPath := filepath.Join(deps.ThumbnailDir, libDir.Name())
				entries, err := os.ReadDir(libPath)
				if err != nil {
					continue
				}

				jc.Reporter.SetActivity(fmt.Sprintf("Scanning thumbnails for library %s", libraryID))
				jc.Reporter.SetProgress(0, int64(len(entries)))
				for i, entry := range entries {
					if jc.Cancelled() {
						break
					}
					jc.Reporter.SetProgress(int64(i+1), int64(len(entries)))
					contentHash := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
					exists, err := deps.Posts.ExistsByLibraryAndHash(jc.Ctx, libraryID, contentHash)
					if err != nil || exists {
						continue
					}
					if rmErr := os.Remove(filepath.Join(libPath, entry.Name())); rmErr == nil {
						removed++
					}
				}
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Removed %d orphaned thumbnails", removed))
			return nil, 0, nil
		},
	}
}

func applyFolderTagsJob(deps *Deps) Definition {
	return Definition{
		Key: "apply-folder-tags", DisplayOrder: 7, Name: "Apply folder tags", SupportsAllMode: true,
		Description: "Tags each post with the sanitized names of its containing folders.",
		Run: func(jc *JobContext) (*string, int, error) {
			libs, err := deps.Libraries.List()
			if err != nil {
				return nil, 0, err
			}

			var tagged int
			for _, lib := range libs {
				if jc.Cancelled() {
					break
				}
				posts, err := deps.Posts.ListAll(jc.Ctx, lib.ID)
				if err != nil {
					return nil, 0, err
				}
				jc.Reporter.SetActivity(fmt.Sprintf("Applying folder tags in %s", lib.Name))
				jc.Reporter.SetProgress(0, int64(len(posts)))

				for i, post := range posts {
					if jc.Cancelled() {
						break
					}
					jc.Reporter.SetProgress(int64(i+1), int64(len(posts)))
					for _, segment := range strings.Split(filepath.ToSlash(filepath.Dir(post.RelativePath)), "/") {
						if segment == "" || segment == "." {
							continue
						}
						tag, err := deps.Tags.GetOrCreate(segment)
						if err != nil {
							continue
						}
						if err := deps.Tags.AttachToPost(post.ID, tag.ID, models.TagSourceFolderRule); err == nil {
							tagged++
						}
					}
				}
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Applied %d folder tags", tagged))
			return nil, 0, nil
		},
	}
}

func sanitizeTagNamesJob(deps *Deps) Definition {
	return Definition{
		Key: "sanitize-tag-names", DisplayOrder: 8, Name: "Sanitize tag names",
		Description: "Renames tags whose stored name is not already in sanitized form.",
		Run: func(jc *JobContext) (*string, int, error) {
			tags, err := deps.Tags.List()
			if err != nil {
				return nil, 0, err
			}

			var renamed int
			jc.Reporter.SetProgress(0, int64(len(tags)))
			for i, tag := range tags {
				if jc.Cancelled() {
					break
				}
				jc.Reporter.SetProgress(int64(i+1), int64(len(tags)))
				sanitized := repository.SanitizeTagName(tag.Name)
				if sanitized == tag.Name || sanitized == "" {
					continue
				}
				if merged, err := deps.Tags.RenameMerge(tag.ID, sanitized); err == nil && merged {
					renamed++
				}
			}

			jc.Reporter.SetFinalText(fmt.Sprintf("Sanitized %d tag names", renamed))
			return nil, 0, nil
		},
	}
}

// thumbnailPath follows the thumbnail store's
// <root>/<libraryId>/<contentHash>.webp layout.
func thumbnailPath(dir string, libraryID uuid.UUID, contentHash string) string {
	return filepath.Join(dir, libraryID.String(), contentHash+".webp")
}

func thumbnailExists(dir string, libraryID uuid.UUID, contentHash string) bool {
	_, err := os.Stat(thumbnailPath(dir, libraryID, contentHash))
	return err == nil
}
