// Package phash computes dHash and pHash perceptual hashes for still
// images. It decodes frames through the same external ffmpeg binary the
// media processor uses (piped raw grayscale, no temp files).
package phash

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"time"

	"golang.org/x/time/rate"

	"github.com/booru/core/internal/mediasource"
)

// Hashes is the capability's contract return value: {dHash, pHash}, both
// 64-bit. A nil *Hashes (with nil error) means the file was not decodable
// as a still image — not an error condition.
type Hashes struct {
	DHash uint64
	PHash uint64
}

type Hasher struct {
	FFmpegPath string
	Timeout    time.Duration
	// Limiter throttles the rate at which ffmpeg invocations start across
	// callers sharing this Hasher; it does not bound how many run at once.
	// nil means unthrottled.
	Limiter *rate.Limiter
}

func New(ffmpegPath string, timeout time.Duration) *Hasher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Hasher{FFmpegPath: ffmpegPath, Timeout: timeout}
}

// WithLimiter sets the invocation-rate limiter and returns h for chaining.
func (h *Hasher) WithLimiter(l *rate.Limiter) *Hasher {
	h.Limiter = l
	return h
}

// Compute returns dHash and pHash for path, or (nil, nil) if path is a video
// (videos are never hashed perceptually) or is not decodable. It never
// returns a non-nil error: an undecodable file and a failure to invoke
// ffmpeg itself both yield (nil, nil).
func (h *Hasher) Compute(path string) (*Hashes, error) {
	if mediasource.TypeBucket(mediasource.MimeType(path)) == "video" {
		return nil, nil
	}

	dPixels, err := h.rawGray(path, 9, 8)
	if err != nil {
		return nil, nil
	}
	pPixels, err := h.rawGray(path, 32, 32)
	if err != nil {
		return nil, nil
	}

	return &Hashes{
		DHash: computeDHash(dPixels),
		PHash: computePHash(pPixels),
	}, nil
}

// rawGray decodes the first frame of path, scaled to w×h, as raw 8-bit
// grayscale bytes in row-major order.
func (h *Hasher) rawGray(path string, w, h2 int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.Timeout)
	defer cancel()

	if h.Limiter != nil {
		if err := h.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	args := []string{
		"-v", "quiet",
		"-i", path,
		"-vframes", "1",
		"-vf", fmt.Sprintf("scale=%d:%d", w, h2),
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"pipe:1",
	}
	cmd := exec.CommandContext(ctx, h.FFmpegPath, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	want := w * h2
	if out.Len() < want {
		return nil, fmt.Errorf("phash: short read, got %d want %d", out.Len(), want)
	}
	return out.Bytes()[:want], nil
}

// computeDHash implements the 9×8 row-wise neighbor comparison: bit y*8+x
// set when pixel[y][x] > pixel[y][x+1]. pixels is 9 wide, 8 tall, row-major.
func computeDHash(pixels []byte) uint64 {
	var hash uint64
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			left := pixels[y*9+x]
			right := pixels[y*9+x+1]
			if left > right {
				hash |= 1 << uint(y*8+x)
			}
		}
	}
	return hash
}

// computePHash implements: 32×32 grayscale → 2D DCT → top-left 8×8 block
// excluding the DC coefficient → bit set when coefficient > block median.
func computePHash(pixels []byte) uint64 {
	const n = 32
	matrix := make([][]float64, n)
	for y := 0; y < n; y++ {
		matrix[y] = make([]float64, n)
		for x := 0; x < n; x++ {
			matrix[y][x] = float64(pixels[y*n+x])
		}
	}

	coeffs := dct2D(matrix, n)

	const block = 8
	// Round off floating-point residue from the DCT so that coefficients
	// which are mathematically equal (e.g. the all-zero AC terms of a flat
	// image) compare as equal rather than by rounding noise.
	for y := 0; y < block; y++ {
		for x := 0; x < block; x++ {
			coeffs[y][x] = math.Round(coeffs[y][x]*1e6) / 1e6
		}
	}
	values := make([]float64, 0, block*block-1)
	for y := 0; y < block; y++ {
		for x := 0; x < block; x++ {
			if y == 0 && x == 0 {
				continue // exclude DC coefficient
			}
			values = append(values, coeffs[y][x])
		}
	}
	median := medianOf(values)

	var hash uint64
	bit := uint(0)
	for y := 0; y < block; y++ {
		for x := 0; x < block; x++ {
			if y == 0 && x == 0 {
				continue
			}
			if coeffs[y][x] > median {
				hash |= 1 << bit
			}
			bit++
		}
	}
	return hash
}

// dct2D computes the 2D DCT-II of an n×n matrix by applying the 1D DCT to
// rows, then to the resulting columns.
func dct2D(matrix [][]float64, n int) [][]float64 {
	rowTransformed := make([][]float64, n)
	for y := 0; y < n; y++ {
		rowTransformed[y] = dct1D(matrix[y])
	}

	result := make([][]float64, n)
	for y := 0; y < n; y++ {
		result[y] = make([]float64, n)
	}
	col := make([]float64, n)
	for x := 0; x < n; x++ {
		for y := 0; y < n; y++ {
			col[y] = rowTransformed[y][x]
		}
		transformed := dct1D(col)
		for y := 0; y < n; y++ {
			result[y][x] = transformed[y]
		}
	}
	return result
}

func dct1D(in []float64) []float64 {
	n := len(in)
	out := make([]float64, n)
	for k := 0; k < n; k++ {
		var sum float64
		for i := 0; i < n; i++ {
			sum += in[i] * math.Cos(math.Pi/float64(n)*(float64(i)+0.5)*float64(k))
		}
		alpha := math.Sqrt(2.0 / float64(n))
		if k == 0 {
			alpha = math.Sqrt(1.0 / float64(n))
		}
		out[k] = alpha * sum
	}
	return out
}

func medianOf(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// HammingDistance returns the number of differing bits between two 64-bit
// perceptual hashes.
func HammingDistance(a, b uint64) int {
	return popcount(a ^ b)
}

func popcount(v uint64) int {
	count := 0
	for v != 0 {
		v &= v - 1
		count++
	}
	return count
}

// Similarity converts a Hamming distance over 64 bits into a percentage.
func Similarity(distance int) float64 {
	return (1 - float64(distance)/64) * 100
}
