package scanner

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
)

// Detector is one independent check over an extracted package tree.
// Detectors are side-effect free: they read the tree and emit risks.
// Errors local to a single file are absorbed inside the detector; a
// returned error means the detector could not run at all and the whole
// scan is treated as failed.
type Detector interface {
	Name() string
	Detect(ctx context.Context, root string) ([]Risk, error)
}

const maxWalkFiles = 10000

// walkTree walks the extracted tree with a file-count bound, calling fn
// for every regular file. Symlinks are not followed (WalkDir never
// descends through them). fn receives the path relative to root.
func walkTree(ctx context.Context, root string, skipDir func(name string) bool, fn func(rel string, info fs.FileInfo) error) error {
	seen := 0
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// One unreadable entry skips that entry, never the scan.
			return nil
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() {
			if p != root && skipDir != nil && skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		seen++
		if seen > maxWalkFiles {
			return filepath.SkipAll
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		return fn(filepath.ToSlash(rel), info)
	})
}

// skipHiddenAndDeps skips dot-directories and dependency caches while
// walking source trees.
func skipHiddenAndDeps(name string) bool {
	return strings.HasPrefix(name, ".") || name == "node_modules"
}
