// Package blob is relay's content-addressed store for historical bytes.
//
// Every blob is addressed by the BLAKE3-256 hash of its exact bytes and is
// immutable once written. Blobs live under a 256-way fan-out:
//
//	<root>/<hex[0:2]>/<hex>
//
// Nothing in relay ever deletes a blob.
package blob

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/fsutil"
)

const refPrefix = "b3:"

// Ref is a blob reference of the form "b3:<64 hex chars>". The zero Ref
// means "no content" (a path that did not exist).
type Ref string

// Sum returns the Ref for data without storing it.
func Sum(data []byte) Ref {
	sum := blake3.Sum256(data)
	return Ref(refPrefix + hex.EncodeToString(sum[:]))
}

// ParseRef validates s and returns it as a Ref. The empty string is a valid
// (zero) Ref.
func ParseRef(s string) (Ref, error) {
	r := Ref(s)
	if err := r.Validate(); err != nil {
		return "", err
	}
	return r, nil
}

// Validate checks the ref format.
func (r Ref) Validate() error {
	if r == "" {
		return nil
	}
	h, ok := strings.CutPrefix(string(r), refPrefix)
	if !ok || len(h) != 64 {
		return fmt.Errorf("invalid blob ref %q", string(r))
	}
	if _, err := hex.DecodeString(h); err != nil || strings.ToLower(h) != h {
		return fmt.Errorf("invalid blob ref %q", string(r))
	}
	return nil
}

// IsZero reports whether r refers to no content.
func (r Ref) IsZero() bool { return r == "" }

// Hex returns the hash part of the ref.
func (r Ref) Hex() string { return strings.TrimPrefix(string(r), refPrefix) }

// Short returns an abbreviated form for display.
func (r Ref) Short() string {
	if r == "" {
		return "-"
	}
	h := r.Hex()
	if len(h) > 12 {
		h = h[:12]
	}
	return h
}

func (r Ref) String() string { return string(r) }

// Store is a directory of blobs. It is safe for concurrent use by
// goroutines and processes: blobs are finalized by rename and a blob's
// path depends only on its content.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating it if needed.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &Store{root: dir}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Put stores data and returns its Ref. Storing bytes that are already
// present performs no write.
func (s *Store) Put(data []byte) (Ref, error) {
	ref := Sum(data)
	path := s.path(ref)

	if _, err := os.Stat(path); err == nil {
		return ref, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: failed to stat blob %s: %v", errdefs.ErrIO, ref.Short(), err)
	}

	if err := fsutil.WriteFileAtomic(path, data, 0o444); err != nil {
		return "", fmt.Errorf("%w: failed to store blob %s: %v", errdefs.ErrIO, ref.Short(), err)
	}
	return ref, nil
}

// Get returns the bytes for ref. It fails with errdefs.ErrNotFound when the
// blob is missing and errdefs.ErrCorrupt when the stored bytes no longer
// match the ref.
func (s *Store) Get(ref Ref) ([]byte, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}
	if ref.IsZero() {
		return nil, fmt.Errorf("%w: empty blob ref", errdefs.ErrNotFound)
	}

	data, err := os.ReadFile(s.path(ref))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: blob %s", errdefs.ErrNotFound, ref)
		}
		return nil, fmt.Errorf("%w: failed to read blob %s: %v", errdefs.ErrIO, ref.Short(), err)
	}
	if got := Sum(data); got != ref {
		return nil, fmt.Errorf("%w: blob %s hashes to %s", errdefs.ErrCorrupt, ref, got.Short())
	}
	return data, nil
}

// Has reports whether ref is stored.
func (s *Store) Has(ref Ref) (bool, error) {
	if err := ref.Validate(); err != nil || ref.IsZero() {
		return false, err
	}
	_, err := os.Stat(s.path(ref))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("%w: %v", errdefs.ErrIO, err)
	}
}

func (s *Store) path(ref Ref) string {
	h := ref.Hex()
	return filepath.Join(s.root, h[:2], h)
}
