// Package fileid resolves a platform-stable file identity used exclusively
// to detect moves of a file within the same library.
package fileid

import "github.com/booru/core/internal/models"

// Resolve returns the (device, value) identity for path, or nil, false when
// the platform cannot provide one. It never returns an error: an
// unresolvable identity just falls back to content-hash move detection.
func Resolve(path string) (*models.FileIdentity, bool) {
	return resolve(path)
}
