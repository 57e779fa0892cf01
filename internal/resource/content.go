package resource

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/fsutil"
)

// Kind says whether content is a single file or a directory tree.
type Kind string

const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// treeMagic tags directory snapshots so they are never mistaken for file
// bytes.
const treeMagic = "relay-dir/1"

// File is one regular file of a directory tree.
type File struct {
	Path string `cbor:"path"` // slash separated, relative to the tree root
	Mode uint32 `cbor:"mode"`
	Data []byte `cbor:"data"`
}

type treeDoc struct {
	Magic string `cbor:"magic"`
	Files []File `cbor:"files"`
}

// Content is the payload of an instance. Files is kept sorted by Path.
type Content struct {
	Kind  Kind
	Data  []byte
	Files []File
}

// FileContent wraps raw bytes.
func FileContent(data []byte) Content {
	return Content{Kind: KindFile, Data: data}
}

// TreeContent wraps files, sorting them by path.
func TreeContent(files []File) Content {
	sorted := append([]File(nil), files...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })
	return Content{Kind: KindDir, Files: sorted}
}

// File returns the bytes of the tree file at rel.
func (c Content) File(rel string) ([]byte, bool) {
	for _, f := range c.Files {
		if f.Path == rel {
			return f.Data, true
		}
	}
	return nil, false
}

// Bytes returns the stored form of c: the raw bytes of a file, or the
// canonical snapshot of a tree.
func (c Content) Bytes() ([]byte, error) {
	if c.Kind == KindDir {
		return EncodeTree(c.Files)
	}
	return c.Data, nil
}

// Equal compares content exactly, modes included.
func (c Content) Equal(o Content) bool {
	if c.Kind != o.Kind {
		return false
	}
	if c.Kind == KindFile {
		return bytes.Equal(c.Data, o.Data)
	}
	if len(c.Files) != len(o.Files) {
		return false
	}
	for i := range c.Files {
		a, b := c.Files[i], o.Files[i]
		if a.Path != b.Path || a.Mode != b.Mode || !bytes.Equal(a.Data, b.Data) {
			return false
		}
	}
	return true
}

var (
	treeEnc cbor.EncMode
	treeDec cbor.DecMode
)

func init() {
	var err error
	treeEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("resource: CBOR encoder initialization failed: " + err.Error())
	}
	treeDec, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("resource: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeTree produces the deterministic snapshot of a file tree. The same
// set of files always encodes to the same bytes.
func EncodeTree(files []File) ([]byte, error) {
	doc := treeDoc{Magic: treeMagic, Files: TreeContent(files).Files}
	if doc.Files == nil {
		doc.Files = []File{}
	}
	for i := range doc.Files {
		if doc.Files[i].Data == nil {
			doc.Files[i].Data = []byte{}
		}
	}
	data, err := treeEnc.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tree snapshot: %w", err)
	}
	return data, nil
}

// DecodeTree parses a snapshot produced by EncodeTree.
func DecodeTree(data []byte) ([]File, error) {
	var doc treeDoc
	if err := treeDec.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode tree snapshot: %w", err)
	}
	if doc.Magic != treeMagic {
		return nil, fmt.Errorf("not a tree snapshot (magic %q)", doc.Magic)
	}
	for _, f := range doc.Files {
		if !fs.ValidPath(f.Path) || f.Path == "." {
			return nil, fmt.Errorf("invalid path %q in tree snapshot", f.Path)
		}
	}
	return doc.Files, nil
}

// DecodeContent rebuilds content of the given kind from its stored bytes.
func DecodeContent(kind Kind, data []byte) (Content, error) {
	if kind != KindDir {
		return FileContent(data), nil
	}
	files, err := DecodeTree(data)
	if err != nil {
		return Content{}, err
	}
	return TreeContent(files), nil
}

// ReadContent loads the content of kind at path, following a symlink at
// path itself. exists is false when nothing is there; that is not an error.
func ReadContent(kind Kind, p string) (c Content, exists bool, err error) {
	c, _, exists, err = readContent(kind, p)
	return c, exists, err
}

func readContent(kind Kind, p string) (Content, time.Time, bool, error) {
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Content{}, time.Time{}, false, nil
		}
		return Content{}, time.Time{}, false, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	if kind == KindFile {
		if info.IsDir() {
			return Content{}, time.Time{}, false, fmt.Errorf("%w: %s is a directory", errdefs.ErrIO, p)
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return Content{}, time.Time{}, false, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
		}
		return FileContent(data), info.ModTime(), true, nil
	}

	if !info.IsDir() {
		return Content{}, time.Time{}, false, fmt.Errorf("%w: %s is not a directory", errdefs.ErrIO, p)
	}
	files, mtime, err := readTree(p)
	if err != nil {
		return Content{}, time.Time{}, false, err
	}
	return TreeContent(files), mtime, true, nil
}

// readTree loads every regular file below root. Hidden entries and
// symlinks inside the tree are skipped; the root may itself be a symlink.
// The returned time is the newest file mtime.
func readTree(root string) ([]File, time.Time, error) {
	resolved, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}

	var (
		files  []File
		newest time.Time
	)
	err = filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == resolved {
			return nil
		}
		if fsutil.IsHidden(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 || d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(resolved, p)
		if err != nil {
			return err
		}
		files = append(files, File{
			Path: filepath.ToSlash(rel),
			Mode: uint32(info.Mode().Perm()),
			Data: data,
		})
		if info.ModTime().After(newest) {
			newest = info.ModTime()
		}
		return nil
	})
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: failed to read %s: %v", errdefs.ErrIO, root, err)
	}
	return files, newest, nil
}

// WriteContent replaces whatever is at p with c, atomically. A file keeps
// its current permissions; a new file gets 0644. A directory keeps its
// hidden entries and inner symlinks, which are not part of its content.
func WriteContent(p string, c Content) error {
	if c.Kind != KindDir {
		perm := fs.FileMode(0o644)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			perm = info.Mode().Perm()
		}
		if err := fsutil.WriteFileAtomic(p, c.Data, perm); err != nil {
			return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
		}
		return nil
	}

	err := fsutil.ReplaceDir(p, func(staging string) error {
		for _, f := range c.Files {
			if !fs.ValidPath(f.Path) {
				return fmt.Errorf("invalid tree path %q", f.Path)
			}
			dst := filepath.Join(staging, filepath.FromSlash(f.Path))
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return err
			}
			mode := fs.FileMode(f.Mode).Perm()
			if mode == 0 {
				mode = 0o644
			}
			if err := os.WriteFile(dst, f.Data, mode); err != nil {
				return err
			}
			if err := os.Chmod(dst, mode); err != nil {
				return err
			}
		}
		return keepUntracked(p, staging)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	return nil
}

// keepUntracked copies the entries readTree ignores, hidden entries and
// symlinks inside the tree, from the current directory at dir into staging.
// Paths the new content already wrote win.
func keepUntracked(dir, staging string) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	return filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == resolved {
			return nil
		}
		if !fsutil.IsHidden(d.Name()) && d.Type()&fs.ModeSymlink == 0 {
			return nil
		}
		rel, err := filepath.Rel(resolved, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(staging, rel)
		if _, err := os.Lstat(dst); err == nil {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return err
		}
		if err := copyEntry(p, dst); err != nil {
			return err
		}
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

// copyEntry copies a file, symlink or whole directory from src to dst
// without following symlinks. Other file types are skipped.
func copyEntry(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm())
		case d.Type().IsRegular():
			data, err := os.ReadFile(p)
			if err != nil {
				return err
			}
			return os.WriteFile(target, data, info.Mode().Perm())
		}
		return nil
	})
}

// RemoveContent deletes p. Missing paths are fine.
func RemoveContent(p string) error {
	if err := fsutil.RemovePath(p); err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
	return nil
}
