package hash

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"os"
)

// content fingerprints for duplicate detection

const DefaultBlockSize = 64 * 1024

var (
	ErrNotAFile         = errors.New("not a regular file")
	ErrPermissionDenied = errors.New("permission denied")
	ErrIO               = errors.New("i/o failure")
)

type Result struct {
	Size   int64
	Digest string // md5, 32 hex chars
	CRC32C uint32
}

type Hasher struct {
	blockSize int
}

func New(blockSize int) *Hasher {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Hasher{blockSize: blockSize}
}

// Fingerprint returns only the content digest of path.
func (h *Hasher) Fingerprint(path string) (string, error) {
	r, err := h.Compute(path)
	if err != nil {
		return "", err
	}
	return r.Digest, nil
}

func (h *Hasher) Compute(path string) (Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Result{}, classify(path, err)
	}
	if !info.Mode().IsRegular() {
		return Result{}, fmt.Errorf("hash %s: %w", path, ErrNotAFile)
	}

	f, err := os.Open(path)
	if err != nil {
		return Result{}, classify(path, err)
	}
	defer f.Close()

	sum := md5.New()
	crc := crc32.New(crc32.MakeTable(crc32.Castagnoli))

	// Copy once, update both digests
	buf := make([]byte, h.blockSize)
	n, err := io.CopyBuffer(io.MultiWriter(sum, crc), f, buf)
	if err != nil {
		return Result{}, classify(path, err)
	}

	return Result{
		Size:   n,
		Digest: hex.EncodeToString(sum.Sum(nil)),
		CRC32C: crc.Sum32(),
	}, nil
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("hash %s: %w: %w", path, ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("hash %s: %w: %w", path, ErrNotAFile, err)
	default:
		return fmt.Errorf("hash %s: %w: %w", path, ErrIO, err)
	}
}
