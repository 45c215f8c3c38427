package ffmpeg

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/booru/core/internal/booruerr"
	"github.com/booru/core/internal/mediasource"
)

type Thumbnailer struct {
	Path    string
	Timeout time.Duration
	// TempDir is where in-progress thumbnails are staged before moving into
	// the thumbnail store. Empty means "next to the destination".
	TempDir string
	// Limiter throttles the rate at which ffmpeg invocations start, the same
	// way FFprobe's does; it limits starts per unit of time, not the number
	// of invocations running at once. Nil means unthrottled.
	Limiter *rate.Limiter
}

func NewThumbnailer(path string, timeout time.Duration) *Thumbnailer {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Thumbnailer{Path: path, Timeout: timeout}
}

// WithLimiter sets the invocation-rate limiter and returns t for chaining.
func (t *Thumbnailer) WithLimiter(l *rate.Limiter) *Thumbnailer {
	t.Limiter = l
	return t
}

// WithTempDir sets the scratch directory for in-progress thumbnails and
// returns t for chaining.
func (t *Thumbnailer) WithTempDir(dir string) *Thumbnailer {
	t.TempDir = dir
	return t
}

// GenerateThumbnail writes a .webp at dstPath whose longest side is at most
// maxSize, preserving aspect ratio without upscaling. For video sources it
// decodes a representative frame at 1s or 10% of duration, whichever is
// later; a clip shorter than that seek is sampled at its midpoint instead
// (see representativeFrameSeconds). Writes go through a temp file and an
// atomic rename so concurrent readers of dstPath never see a partial file.
func (t *Thumbnailer) GenerateThumbnail(srcPath, dstPath string, maxSize int, durationSeconds float64) error {
	if err := os.MkdirAll(filepath.Dir(dstPath), 0o755); err != nil {
		return booruerr.Wrap(booruerr.Internal, "create thumbnail directory", err)
	}

	tmpDir := t.TempDir
	if tmpDir == "" {
		tmpDir = filepath.Dir(dstPath)
	} else if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return booruerr.Wrap(booruerr.Internal, "create thumbnail temp directory", err)
	}
	tmpPath := filepath.Join(tmpDir, uuid.NewString()+".webp.tmp")
	defer os.Remove(tmpPath)

	scaleFilter := fmt.Sprintf("scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease", maxSize, maxSize)

	args := []string{"-y"}
	if mediasource.TypeBucket(mediasource.MimeType(srcPath)) == "video" {
		args = append(args, "-ss", fmt.Sprintf("%.3f", representativeFrameSeconds(durationSeconds)))
	}
	args = append(args, "-i", srcPath, "-vframes", "1", "-vf", scaleFilter, "-c:v", "libwebp", tmpPath)

	if err := t.run(args); err != nil {
		return err
	}

	if err := moveFile(tmpPath, dstPath); err != nil {
		return booruerr.Wrap(booruerr.Internal, "rename thumbnail into place", err)
	}
	return nil
}

// moveFile renames src onto dst. When the temp directory is on a different
// filesystem than the thumbnail store, the rename fails with EXDEV; the file
// is then copied into the destination directory under a staging name and
// renamed within it, so readers of dst still never see a partial file.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	staged := dst + ".staged"
	out, err := os.Create(staged)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(staged)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(staged)
		return err
	}
	return os.Rename(staged, dst)
}

// representativeFrameSeconds picks the seek offset for the thumbnail frame:
// 10% into the file, but never before 1s; when that would seek past the end
// of a very short clip, the clip's midpoint is used instead.
func representativeFrameSeconds(durationSeconds float64) float64 {
	seek := durationSeconds * 0.10
	if seek < 1 {
		seek = 1
	}
	if durationSeconds > 0 && seek > durationSeconds {
		seek = durationSeconds / 2
	}
	return seek
}

func (t *Thumbnailer) run(args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.Timeout)
	defer cancel()

	if t.Limiter != nil {
		if err := t.Limiter.Wait(ctx); err != nil {
			return booruerr.Wrap(booruerr.MediaUnreadable, "ffmpeg rate limit wait failed", err)
		}
	}

	cmd := exec.Command(t.Path, args...)
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return booruerr.Wrap(booruerr.MediaUnreadable, "ffmpeg failed to start", err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return booruerr.Wrap(booruerr.MediaUnreadable, "ffmpeg failed", err)
		}
		return nil
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return booruerr.New(booruerr.MediaUnreadable, "ffmpeg timed out")
	}
}
