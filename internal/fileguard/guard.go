// Package fileguard performs the file operations that must never lose data:
// path validation, verified copies and verified moves. The source of a move
// is deleted only after the destination's fingerprint has been checked.
package fileguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"mediaup/internal/failure"
	"mediaup/internal/hash"
)

var (
	ErrVerifyMismatch    = errors.New("copy verification failed: fingerprints differ")
	ErrSourceNotDeleted  = errors.New("original file was not deleted")
	ErrDestinationExists = errors.New("destination already exists") // a copy would have replaced a file
)

// maxNameAttempts bounds the search for a free destination name.
const maxNameAttempts = 1000

// RetryPolicy bounds the attempts to delete a source file held open by
// another process (virus scanners, indexers).
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.InitialDelay <= 0 {
		return 0
	}
	d := p.InitialDelay << attempt
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

type Guard struct {
	hasher    *hash.Hasher
	policy    RetryPolicy
	blockSize int
	logger    *zap.Logger

	now    func() time.Time
	sleep  func(time.Duration)
	remove func(string) error

	// afterCopy runs between the copy and its verification. Tests use it to
	// damage the destination.
	afterCopy func(dst string)
}

func New(hasher *hash.Hasher, policy RetryPolicy, blockSize int, logger *zap.Logger) *Guard {
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	if blockSize <= 0 {
		blockSize = hash.DefaultBlockSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		hasher:    hasher,
		policy:    policy,
		blockSize: blockSize,
		logger:    logger,
		now:       time.Now,
		sleep:     time.Sleep,
		remove:    os.Remove,
	}
}

// ValidatePath reports whether path is safe to operate on. A path containing
// NUL is always rejected; with a non-empty baseDir the canonical form of path
// must lie inside baseDir.
func (g *Guard) ValidatePath(path, baseDir string) bool {
	if strings.ContainsRune(path, 0) || strings.ContainsRune(baseDir, 0) {
		g.logger.Warn("path validation failed: NUL byte", zap.String("path", path))
		return false
	}
	if baseDir == "" {
		return true
	}

	target, err := canonical(path)
	if err != nil {
		g.logger.Warn("path validation failed", zap.String("path", path), zap.Error(err))
		return false
	}
	base, err := canonical(baseDir)
	if err != nil {
		g.logger.Warn("path validation failed", zap.String("base", baseDir), zap.Error(err))
		return false
	}

	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		g.logger.Warn("path outside base directory", zap.String("path", path), zap.String("base", baseDir))
		return false
	}
	return true
}

// canonical resolves symlinks where the path exists and falls back to the
// cleaned absolute path otherwise.
func canonical(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	// resolve the parent so a not-yet-existing leaf is still canonical
	if parent, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(parent, filepath.Base(abs)), nil
	}
	return abs, nil
}

func (g *Guard) EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// VerifiedCopy copies src to dst and checks that dst carries the same
// fingerprint as src (cachedDigest when given). On mismatch dst is removed.
// src is never modified.
func (g *Guard) VerifiedCopy(src, dst, cachedDigest string) error {
	info, err := os.Stat(src)
	if err != nil {
		return failure.Integrity("copy", src, err)
	}
	if !info.Mode().IsRegular() {
		return failure.Integrity("copy", src, hash.ErrNotAFile)
	}
	if _, err := os.Stat(filepath.Dir(dst)); err != nil {
		return failure.Integrity("copy", dst, fmt.Errorf("destination directory: %w", err))
	}

	g.logger.Debug("copying", zap.String("src", src), zap.String("dst", dst))
	if err := copyAtomic(src, dst, g.blockSize); err != nil {
		return failure.Integrity("copy", src, err)
	}
	if g.afterCopy != nil {
		g.afterCopy(dst)
	}

	want := cachedDigest
	if want == "" {
		if want, err = g.hasher.Fingerprint(src); err != nil {
			g.discard(dst)
			return failure.Integrity("verify", src, err)
		}
	}
	got, err := g.hasher.Fingerprint(dst)
	if err != nil {
		g.discard(dst)
		return failure.Integrity("verify", dst, err)
	}
	if got != want {
		g.logger.Error("copy verification failed",
			zap.String("src", src), zap.String("want", want), zap.String("got", got))
		g.discard(dst)
		return failure.Integrity("verify", dst, ErrVerifyMismatch)
	}
	return nil
}

func (g *Guard) discard(dst string) {
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		g.logger.Warn("could not remove failed copy", zap.String("dst", dst), zap.Error(err))
	}
}

type MoveResult struct {
	Destination string // final path, after any timestamp suffix
	Attempts    int    // delete attempts used
	Message     string
}

// SafeMove copies src to dst, verifies the copy, then deletes src with
// bounded exponential backoff. An existing file is never overwritten: the new
// copy gets a _YYYYMMDD_HHMMSS suffix instead, plus a _N counter when that
// name is taken too.
//
// When the copy succeeds but src cannot be deleted the returned error wraps
// ErrSourceNotDeleted; both files then exist and are identical.
func (g *Guard) SafeMove(src, dst, cachedDigest string) (MoveResult, error) {
	res := MoveResult{Destination: dst}
	stamp := g.now().Format("20060102_150405")

	copied := false
	for n := 0; n < maxNameAttempts; n++ {
		candidate := candidateName(dst, stamp, n)
		if _, err := os.Lstat(candidate); err == nil {
			continue
		}
		if n > 0 {
			g.logger.Info("destination exists, using suffixed name", zap.String("dst", candidate))
		}
		res.Destination = candidate

		err := g.VerifiedCopy(src, candidate, cachedDigest)
		if errors.Is(err, ErrDestinationExists) {
			// taken between the check and the commit
			continue
		}
		if err != nil {
			res.Message = "copy or verification failed"
			return res, err
		}
		copied = true
		break
	}
	if !copied {
		res.Message = "no free destination name"
		return res, failure.Integrity("move", dst, fmt.Errorf("%w after %d names", ErrDestinationExists, maxNameAttempts))
	}
	dst = res.Destination

	var lastErr error
	for attempt := 0; attempt < g.policy.Attempts; attempt++ {
		if d := g.policy.delay(attempt); d > 0 {
			g.sleep(d)
		}
		res.Attempts = attempt + 1

		err := g.remove(src)
		if err == nil || errors.Is(err, os.ErrNotExist) {
			res.Message = "moved " + filepath.Base(src)
			if attempt > 0 {
				res.Message += fmt.Sprintf(" (after %d attempts)", attempt+1)
			}
			return res, nil
		}
		lastErr = err
		g.logger.Warn("delete source failed, retrying",
			zap.String("src", src), zap.Int("attempt", attempt+1), zap.Int("of", g.policy.Attempts), zap.Error(err))
	}

	res.Message = fmt.Sprintf("could not delete original after %d attempts (it may be locked by another process); "+
		"the original was NOT deleted and a verified copy exists at %s", g.policy.Attempts, dst)
	g.logger.Error(res.Message, zap.String("src", src), zap.Error(lastErr))
	return res, fmt.Errorf("%s: %w: %w", src, ErrSourceNotDeleted, lastErr)
}

// candidateName returns dst itself for n == 0, dst with a _stamp suffix for
// n == 1 and _stamp_N after that.
func candidateName(dst, stamp string, n int) string {
	if n == 0 {
		return dst
	}
	ext := filepath.Ext(dst)
	stem := strings.TrimSuffix(filepath.Base(dst), ext)
	name := stem + "_" + stamp
	if n > 1 {
		name += fmt.Sprintf("_%d", n-1)
	}
	return filepath.Join(filepath.Dir(dst), name+ext)
}
