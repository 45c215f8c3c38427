// Package hashutil computes the cheap partial-content fingerprint used to
// index and move-detect posts. It is not a cryptographic digest: two
// distinct files with identical head, tail, and size collide, and that is
// accepted.
package hashutil

import (
	"encoding/binary"
	"encoding/hex"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

const probeSize = 64 * 1024

// ContentHash returns the 16-char lowercase hex xxHash64 digest of
// (head 64KiB, size as little-endian uint64, tail 64KiB) for the file at
// path. It returns an error if the file cannot be opened or read.
func ContentHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	size := info.Size()

	h := xxhash.New()

	head := make([]byte, probeSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if _, err := h.Write(head[:n]); err != nil {
		return "", err
	}

	var sizeBuf [8]byte
	binary.LittleEndian.PutUint64(sizeBuf[:], uint64(size))
	if _, err := h.Write(sizeBuf[:]); err != nil {
		return "", err
	}

	tailStart := size - probeSize
	if tailStart < 0 {
		tailStart = 0
	}
	if _, err := f.Seek(tailStart, io.SeekStart); err != nil {
		return "", err
	}
	tail := make([]byte, probeSize)
	n, err = io.ReadFull(f, tail)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	if _, err := h.Write(tail[:n]); err != nil {
		return "", err
	}

	return hex.EncodeToString(sum8(h.Sum64())), nil
}

func sum8(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}
