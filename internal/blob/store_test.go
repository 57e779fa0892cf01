package blob

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/relaysync/relay/internal/errdefs"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return s
}

func TestStore_PutGet(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Put([]byte("hello"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if ref != Sum([]byte("hello")) {
		t.Errorf("Put() ref = %s, want %s", ref, Sum([]byte("hello")))
	}
	if err := ref.Validate(); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}

	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("Get() = %q, want hello", got)
	}

	has, err := s.Has(ref)
	if err != nil || !has {
		t.Errorf("Has() = %v, %v; want true", has, err)
	}
}

func TestStore_PutIdempotent(t *testing.T) {
	s := newTestStore(t)

	ref, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	before, err := os.Stat(s.path(ref))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	ref2, err := s.Put([]byte("same"))
	if err != nil {
		t.Fatalf("second Put() failed: %v", err)
	}
	if ref2 != ref {
		t.Errorf("second Put() ref = %s, want %s", ref2, ref)
	}
	after, err := os.Stat(s.path(ref))
	if err != nil {
		t.Fatalf("Stat() failed: %v", err)
	}
	if !after.ModTime().Equal(before.ModTime()) {
		t.Error("second Put() rewrote the blob")
	}
}

func TestStore_PutEmpty(t *testing.T) {
	s := newTestStore(t)
	ref, err := s.Put(nil)
	if err != nil {
		t.Fatalf("Put(nil) failed: %v", err)
	}
	if ref.IsZero() {
		t.Fatal("Put(nil) returned the zero ref")
	}
	got, err := s.Get(ref)
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Get() = %q, want empty", got)
	}
}

func TestStore_GetErrors(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Get(Sum([]byte("never stored"))); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Get(missing) error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(""); !errors.Is(err, errdefs.ErrNotFound) {
		t.Errorf("Get(\"\") error = %v, want ErrNotFound", err)
	}
	if _, err := s.Get("sha1:abc"); err == nil {
		t.Error("Get(invalid) should fail")
	}

	ref, err := s.Put([]byte("original"))
	if err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	path := s.path(ref)
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("Chmod() failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("tampered"), 0o644); err != nil {
		t.Fatalf("WriteFile() failed: %v", err)
	}
	if _, err := s.Get(ref); !errors.Is(err, errdefs.ErrCorrupt) {
		t.Errorf("Get(tampered) error = %v, want ErrCorrupt", err)
	}
}

func TestStore_ConcurrentPut(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Put([]byte("contended")); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent Put() failed: %v", err)
	}

	if _, err := s.Get(Sum([]byte("contended"))); err != nil {
		t.Errorf("Get() after concurrent Put() failed: %v", err)
	}
}

func TestParseRef(t *testing.T) {
	valid := string(Sum([]byte("x")))
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{valid, false},
		{"b3:1234", true},
		{"sha256:" + valid[3:], true},
		{"b3:" + "ZZ" + valid[5:], true},
	}
	for _, tt := range tests {
		_, err := ParseRef(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseRef(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
	}
}
