package fsutil

import (
	"path/filepath"
	"sync"
)

// procLocks holds one mutex per lock file path for the whole process, so
// every KeyLocker over the same directory shares them.
var procLocks sync.Map // path -> *sync.Mutex

// KeyLocker hands out per-key critical sections that hold across
// goroutines and processes: a process-wide mutex first, then a flock on
// <dir>/<key>.lock.
type KeyLocker struct {
	dir string
}

// NewKeyLocker returns a KeyLocker whose lock files live in dir.
func NewKeyLocker(dir string) *KeyLocker {
	return &KeyLocker{dir: dir}
}

// Lock acquires the critical section for key and returns its release
// function. Key must be a valid file name.
func (k *KeyLocker) Lock(key string) (func(), error) {
	path := filepath.Join(k.dir, key+".lock")
	v, _ := procLocks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()

	fl, err := Lock(path)
	if err != nil {
		mu.Unlock()
		return nil, err
	}
	return func() {
		_ = fl.Unlock()
		mu.Unlock()
	}, nil
}
