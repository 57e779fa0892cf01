// Package fsutil holds the filesystem primitives every writer in relay goes
// through: atomic file replacement, atomic directory replacement, removal and
// advisory locks.
//
// No path written through this package is ever observable half-written:
// content is staged in a hidden sibling and renamed into place.
package fsutil

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// WriteFileAtomic replaces path with data.
func WriteFileAtomic(path string, data []byte, perm fs.FileMode) error {
	return WriteAtomic(path, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// WriteAtomic stages the output of fill in a temp file next to path, fsyncs
// it and renames it over path. If fill or any later step fails, the temp
// file is removed and path keeps its previous content.
func WriteAtomic(path string, perm fs.FileMode, fill func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", path, err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	bw := bufio.NewWriter(f)
	if err = fill(bw); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = bw.Flush(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err = f.Chmod(perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", tmp, err)
	}
	if err = os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename into %s: %w", path, err)
	}
	syncDir(dir)
	return nil
}

// ReplaceDir builds a new tree for dir with populate, which receives an
// empty staging directory, then swaps it into place. An existing dir is
// moved aside first and restored if the swap fails.
func ReplaceDir(dir string, populate func(staging string) error) (err error) {
	parent := filepath.Dir(dir)
	base := filepath.Base(dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", parent, err)
	}

	staging, err := os.MkdirTemp(parent, "."+base+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create staging dir for %s: %w", dir, err)
	}
	defer func() {
		if err != nil {
			_ = os.RemoveAll(staging)
		}
	}()
	if err = os.Chmod(staging, 0o755); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", staging, err)
	}

	if err = populate(staging); err != nil {
		return fmt.Errorf("failed to populate %s: %w", dir, err)
	}

	info, statErr := os.Lstat(dir)
	switch {
	case errors.Is(statErr, fs.ErrNotExist):
		if err = os.Rename(staging, dir); err != nil {
			return fmt.Errorf("failed to rename into %s: %w", dir, err)
		}
		syncDir(parent)
		return nil
	case statErr != nil:
		return fmt.Errorf("failed to stat %s: %w", dir, statErr)
	case !info.IsDir():
		return fmt.Errorf("cannot replace %s: not a directory", dir)
	}

	backup := staging + ".old"
	if err = os.Rename(dir, backup); err != nil {
		return fmt.Errorf("failed to move aside %s: %w", dir, err)
	}
	if err = os.Rename(staging, dir); err != nil {
		if rerr := os.Rename(backup, dir); rerr != nil {
			return errors.Join(fmt.Errorf("failed to rename into %s: %w", dir, err),
				fmt.Errorf("failed to restore %s from %s: %w", dir, backup, rerr))
		}
		return fmt.Errorf("failed to rename into %s: %w", dir, err)
	}
	syncDir(parent)
	_ = os.RemoveAll(backup)
	return nil
}

// RemovePath deletes a file or directory tree. A missing path is not an
// error.
func RemovePath(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}
	syncDir(filepath.Dir(path))
	return nil
}

// ResolveSymlink returns the target of path when path itself is a symlink,
// otherwise path unchanged. Missing paths are returned unchanged.
func ResolveSymlink(path string) (string, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return path, nil
		}
		return "", err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return path, nil
	}
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve symlink %s: %w", path, err)
	}
	return resolved, nil
}

// IsHidden reports whether a directory entry name should be ignored.
// Staging and backup entries created by this package are hidden.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
