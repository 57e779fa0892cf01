package errdefs

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
)

func TestPartialFailure_Is(t *testing.T) {
	var pf PartialFailure
	if pf.OrNil() != nil {
		t.Fatal("empty PartialFailure should be nil error")
	}

	pf.Add("/a", fmt.Errorf("%w: denied", ErrIO))
	pf.Add("/b", nil)
	pf.Add("/c", fs.ErrPermission)

	err := pf.OrNil()
	if err == nil {
		t.Fatal("OrNil() returned nil with failures")
	}
	if len(pf.Failures) != 2 {
		t.Fatalf("Failures = %d, want 2", len(pf.Failures))
	}
	if !errors.Is(err, ErrPartialFailure) {
		t.Error("errors.Is(err, ErrPartialFailure) = false")
	}
	if !errors.Is(err, ErrIO) {
		t.Error("errors.Is(err, ErrIO) = false")
	}
	if !errors.Is(err, fs.ErrPermission) {
		t.Error("errors.Is(err, fs.ErrPermission) = false")
	}

	var le *LocationError
	if !errors.As(err, &le) {
		t.Fatal("errors.As(err, *LocationError) = false")
	}
	if le.Path != "/a" {
		t.Errorf("first LocationError path = %q, want /a", le.Path)
	}
}

func TestClassifiers(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		fatal bool
		soft  bool
	}{
		{"nil", nil, false, false},
		{"unrecorded", fmt.Errorf("apply: %w", ErrUnrecorded), true, false},
		{"corrupt", ErrCorrupt, true, false},
		{"frontmatter", fmt.Errorf("skill x: %w", ErrMalformedFrontmatter), false, true},
		{"conflict", ErrConflict, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsFatal(tt.err); got != tt.fatal {
				t.Errorf("IsFatal() = %v, want %v", got, tt.fatal)
			}
			if got := IsSoft(tt.err); got != tt.soft {
				t.Errorf("IsSoft() = %v, want %v", got, tt.soft)
			}
		})
	}
}
