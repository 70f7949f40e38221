package fileguard

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// copyAtomic copies src to dst through a temp file in dst's directory:
// tmp + fsync, carries over mode and modification time, then commits the
// temp file under dst. An existing dst is never replaced: the commit fails
// with ErrDestinationExists instead.
func copyAtomic(src, dst string, blockSize int) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := out.Name()

	_, copyErr := io.CopyBuffer(out, in, make([]byte, blockSize))
	syncErr := out.Sync()
	closeErr := out.Close()

	if copyErr != nil {
		_ = os.Remove(tmp)
		return copyErr
	}
	if syncErr != nil {
		_ = os.Remove(tmp)
		return syncErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return closeErr
	}

	if err := os.Chmod(tmp, info.Mode().Perm()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chmod tmp: %w", err)
	}
	if err := os.Chtimes(tmp, info.ModTime(), info.ModTime()); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("chtimes tmp: %w", err)
	}

	if err := commit(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// commit publishes tmp as dst without replacing an existing file. A hard
// link fails with EEXIST when dst is taken; filesystems without hard links
// (FAT, exFAT) fall back to a checked rename.
func commit(tmp, dst string) error {
	err := os.Link(tmp, dst)
	switch {
	case err == nil:
		if err := os.Remove(tmp); err != nil {
			return fmt.Errorf("remove tmp after link: %w", err)
		}
		return nil
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("%s: %w", dst, ErrDestinationExists)
	}

	if _, statErr := os.Lstat(dst); statErr == nil {
		return fmt.Errorf("%s: %w", dst, ErrDestinationExists)
	} else if !errors.Is(statErr, fs.ErrNotExist) {
		return fmt.Errorf("stat destination: %w", statErr)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename tmp->final: %w", err)
	}
	return nil
}
