// Package ffmpeg wraps an external ffmpeg/ffprobe binary resolvable on
// PATH, providing metadata probing and thumbnail generation. The binary's
// absence is a fatal config error surfaced at startup by the caller, not
// by this package.
package ffmpeg

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/booru/core/internal/booruerr"
)

type FFprobe struct {
	Path    string
	Timeout time.Duration
	// Limiter throttles the rate at which probes start across every caller
	// sharing this *FFprobe; it limits starts per unit of time, not the
	// number of probes running at once. Nil means unthrottled.
	Limiter *rate.Limiter
}

func NewFFprobe(path string, timeout time.Duration) *FFprobe {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FFprobe{Path: path, Timeout: timeout}
}

// WithLimiter sets the invocation-rate limiter and returns f for chaining.
func (f *FFprobe) WithLimiter(l *rate.Limiter) *FFprobe {
	f.Limiter = l
	return f
}

type probeResult struct {
	Format  formatInfo   `json:"format"`
	Streams []streamInfo `json:"streams"`
}

type formatInfo struct {
	FormatName string `json:"format_name"`
	Duration   string `json:"duration"`
	Size       string `json:"size"`
}

type streamInfo struct {
	CodecType string `json:"codec_type"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

// ProbeResult is the capability's contract return value: {width, height, format}.
type ProbeResult struct {
	Width            int
	Height           int
	Format           string
	DurationSeconds  float64
}

// Probe runs ffprobe against filePath and returns width, height, and a
// coarse format classification. On timeout, unreadable input, or a parse
// failure it returns a *booruerr.Error with Kind MediaUnreadable — callers
// record the item with zeroed enrichment and keep going.
func (f *FFprobe) Probe(filePath string) (*ProbeResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), f.Timeout)
	defer cancel()

	if f.Limiter != nil {
		if err := f.Limiter.Wait(ctx); err != nil {
			return nil, booruerr.Wrap(booruerr.MediaUnreadable, "ffprobe rate limit wait failed", err)
		}
	}

	cmd := exec.CommandContext(ctx, f.Path, "-v", "quiet", "-print_format", "json",
		"-show_format", "-show_streams", filePath)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, booruerr.Wrap(booruerr.MediaUnreadable, "ffprobe timed out", err)
		}
		return nil, booruerr.Wrap(booruerr.MediaUnreadable, "ffprobe failed", err)
	}

	var raw probeResult
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, booruerr.Wrap(booruerr.MediaUnreadable, "ffprobe output unparseable", err)
	}

	result := &ProbeResult{Format: raw.Format.FormatName}
	if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
		result.DurationSeconds = d
	}
	for _, s := range raw.Streams {
		if s.CodecType == "video" {
			result.Width = s.Width
			result.Height = s.Height
			break
		}
	}
	if result.Width == 0 || result.Height == 0 {
		return nil, booruerr.New(booruerr.MediaUnreadable, fmt.Sprintf("no decodable video stream in %s", filePath))
	}

	return result, nil
}
