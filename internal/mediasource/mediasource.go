// Package mediasource enumerates the files under a library root: a count
// and a restartable, single-pass streaming iteration, filtered to
// supported extensions.
package mediasource

import (
	"context"
	"io/fs"
	"log"
	"path/filepath"
	"strings"
	"time"
)

// Item is one file seen during enumeration.
type Item struct {
	FullPath         string
	RelativePath     string
	SizeBytes        int64
	LastModifiedUtc  time.Time
}

// supportedExtensions maps each supported extension to the MIME type
// persisted as a post's contentType ("image/jpeg", "video/mp4", ...), not
// a coarse bucket.
var supportedExtensions = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".bmp":  "image/bmp",
	".tga":  "image/x-tga",
	".webp": "image/webp",
	".jxl":  "image/jxl",
	".gif":  "image/gif",
	".mp4":  "video/mp4",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".mov":  "video/quicktime",
}

// MimeType returns the MIME type stored as a post's contentType for a
// path's extension, or "" if the extension is unsupported.
func MimeType(path string) string {
	return supportedExtensions[strings.ToLower(filepath.Ext(path))]
}

// IsSupported reports whether path's extension is one the walk yields.
func IsSupported(path string) bool {
	_, ok := supportedExtensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

// TypeBucket classifies a stored MIME contentType into the three
// query-language buckets (image, animation, video); every image/gif is
// classified as animation, whether or not the file is actually animated.
// Returns "" for an unrecognized MIME type.
func TypeBucket(mimeType string) string {
	switch {
	case mimeType == "image/gif":
		return "animation"
	case strings.HasPrefix(mimeType, "video/"):
		return "video"
	case strings.HasPrefix(mimeType, "image/"):
		return "image"
	default:
		return ""
	}
}

type Source struct {
	root string
}

func New(root string) *Source {
	return &Source{root: root}
}

// Count returns an upper bound on the number of supported files under root.
// It is used only to size progress reporting; a changing tree may make it
// stale by the time Iterate runs, which is acceptable.
func (s *Source) Count(ctx context.Context) (int, error) {
	n := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			if d != nil && d.IsDir() {
				log.Printf("mediasource: skipping unreadable directory %s: %v", path, err)
				return fs.SkipDir
			}
			return nil
		}
		if !d.IsDir() && IsSupported(path) {
			n++
		}
		return nil
	})
	return n, err
}

// Iterate streams every supported file under root on the returned channel,
// closing it when the walk finishes, the context is cancelled, or an
// unrecoverable error occurs (reported on the error channel). Each call
// starts a fresh walk — the iterator is restartable and single-pass per
// call, exactly as the capability contract requires.
func (s *Source) Iterate(ctx context.Context) (<-chan Item, <-chan error) {
	items := make(chan Item)
	errs := make(chan error, 1)

	go func() {
		defer close(items)
		defer close(errs)

		err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				if d != nil && d.IsDir() {
					log.Printf("mediasource: skipping unreadable directory %s: %v", path, err)
					return fs.SkipDir
				}
				log.Printf("mediasource: skipping unreadable entry %s: %v", path, err)
				return nil
			}
			if d.IsDir() {
				return nil
			}
			if !IsSupported(path) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				log.Printf("mediasource: stat failed for %s: %v", path, err)
				return nil
			}
			rel, err := filepath.Rel(s.root, path)
			if err != nil {
				return nil
			}
			item := Item{
				FullPath:        path,
				RelativePath:    filepath.ToSlash(rel),
				SizeBytes:       info.Size(),
				LastModifiedUtc: info.ModTime().UTC(),
			}
			select {
			case items <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		})
		if err != nil && err != context.Canceled {
			errs <- err
		}
	}()

	return items, errs
}
