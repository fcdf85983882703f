package scanner

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Extraction bounds applied to untrusted archives. A crafted tarball must
// not be able to exhaust disk or inode budgets before the detectors run.
const (
	maxArchiveEntries = 10000
	maxEntrySize      = 100 << 20 // 100 MiB
	maxEntryDepth     = 32
)

// extractTarball unpacks a gzipped npm tarball into dest, stripping the
// conventional single top-level wrapper directory ("package/" for npm).
// Absolute paths, parent-escaping paths and link entries are never
// written; links are skipped rather than followed.
func extractTarball(ctx context.Context, archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("failed to read gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	entries := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		entries++
		if entries > maxArchiveEntries {
			return fmt.Errorf("archive has more than %d entries", maxArchiveEntries)
		}

		name := stripWrapperDir(hdr.Name)
		if name == "" {
			continue
		}

		target, err := safeJoin(dest, name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}

		case tar.TypeReg:
			if hdr.Size > maxEntrySize {
				return fmt.Errorf("archive entry %s exceeds size limit", name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := writeEntry(target, tr, fs.FileMode(hdr.Mode)&0o777); err != nil {
				return err
			}

		default:
			// Symlinks, hard links and device nodes from an untrusted
			// archive are never materialised.
			continue
		}
	}
}

// stripWrapperDir removes the first path component of an archive entry
// name. The remainder is validated (not cleaned) by safeJoin, so a
// traversal hidden behind the wrapper still gets rejected.
func stripWrapperDir(name string) string {
	name = strings.TrimPrefix(name, "./")
	idx := strings.Index(name, "/")
	if idx < 0 {
		return ""
	}
	return name[idx+1:]
}

// safeJoin resolves an archive entry name under root, rejecting absolute
// paths, parent traversal and names nested deeper than maxEntryDepth.
func safeJoin(root, name string) (string, error) {
	if path.IsAbs(name) {
		return "", fmt.Errorf("archive entry has absolute path: %s", name)
	}
	clean := path.Clean(name)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("archive entry escapes extraction root: %s", name)
	}
	if strings.Count(clean, "/") >= maxEntryDepth {
		return "", fmt.Errorf("archive entry nested too deeply: %s", name)
	}
	return filepath.Join(root, filepath.FromSlash(clean)), nil
}

// writeEntry copies one regular file out of the archive, preserving the
// permission bits so the binary detector can observe exec bits later.
func writeEntry(target string, r io.Reader, mode fs.FileMode) error {
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	_, err = io.Copy(out, io.LimitReader(r, maxEntrySize+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", target, err)
	}
	return nil
}
