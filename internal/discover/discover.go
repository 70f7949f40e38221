package discover

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
)

// MediaFiles lists regular files directly inside dir whose extension is one
// of exts (case-insensitive), sorted by name. Subdirectories, including the
// processed folder, are not entered.
func MediaFiles(ctx context.Context, dir string, exts []string) ([]string, error) {
	want := make(map[string]bool, len(exts))
	for _, e := range exts {
		want[strings.ToLower(e)] = true
	}

	var out []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if d.IsDir() {
			if path == dir {
				return nil
			}
			return filepath.SkipDir
		}
		if !d.Type().IsRegular() {
			return nil
		}
		// partial downloads and our own temp files
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		if !want[strings.ToLower(filepath.Ext(d.Name()))] {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Supported reports whether name carries one of exts.
func Supported(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if strings.ToLower(e) == ext {
			return true
		}
	}
	return false
}
