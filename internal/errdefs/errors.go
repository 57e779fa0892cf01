// Package errdefs defines the error taxonomy shared by every relay package.
package errdefs

import (
	"errors"
	"fmt"
	"strings"
)

// Common errors returned by relay operations.
//
// These errors can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, errdefs.ErrConflict) {
//	    // Target changed since the event was recorded
//	}
var (
	// ErrIO is returned when a path exists but cannot be read or written.
	// A missing path is never an ErrIO; it is the normal empty state.
	ErrIO = errors.New("i/o error")

	// ErrNotFound is returned for unknown blob refs and event ids.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when stored blob bytes no longer hash to
	// their ref.
	ErrCorrupt = errors.New("corrupt blob")

	// ErrConflict is returned by rollback when a target path no longer
	// holds the content the event wrote.
	ErrConflict = errors.New("conflict")

	// ErrMalformedFrontmatter is a soft error: the manifest is mirrored as
	// opaque bytes instead of being merged.
	ErrMalformedFrontmatter = errors.New("malformed frontmatter")

	// ErrPartialFailure is returned when a multi-location operation
	// succeeded for some locations and failed for others.
	ErrPartialFailure = errors.New("partial failure")

	// ErrUnrecorded is returned when writes reached the filesystem but the
	// history ledger could not record them. The crash journal keeps them
	// recoverable.
	ErrUnrecorded = errors.New("writes applied but not recorded")
)

// LocationError is a failure tied to one concrete path.
type LocationError struct {
	Path string
	Err  error
}

func (e *LocationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Path, e.Err)
}

func (e *LocationError) Unwrap() error {
	return e.Err
}

// PartialFailure aggregates per-location failures of a single run.
// It matches ErrPartialFailure with errors.Is, and each underlying cause
// with errors.As / errors.Is through Unwrap.
type PartialFailure struct {
	Failures []*LocationError
}

func (p *PartialFailure) Error() string {
	parts := make([]string, 0, len(p.Failures))
	for _, f := range p.Failures {
		parts = append(parts, f.Error())
	}
	return fmt.Sprintf("%d location(s) failed: %s", len(p.Failures), strings.Join(parts, "; "))
}

func (p *PartialFailure) Unwrap() []error {
	errs := make([]error, 0, len(p.Failures)+1)
	errs = append(errs, ErrPartialFailure)
	for _, f := range p.Failures {
		errs = append(errs, f)
	}
	return errs
}

// Add records a failure for path. A nil err is ignored.
func (p *PartialFailure) Add(path string, err error) {
	if err == nil {
		return
	}
	p.Failures = append(p.Failures, &LocationError{Path: path, Err: err})
}

// OrNil returns p as an error when it holds at least one failure.
func (p *PartialFailure) OrNil() error {
	if p == nil || len(p.Failures) == 0 {
		return nil
	}
	return p
}

// IsFatal returns true if the error means the run's durable record cannot
// be trusted and the caller must stop.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	// Writes happened without a ledger entry
	if errors.Is(err, ErrUnrecorded) {
		return true
	}

	// History storage is damaged
	if errors.Is(err, ErrCorrupt) {
		return true
	}

	return false
}

// IsSoft returns true if the error only degrades behavior and should be
// surfaced as a warning.
func IsSoft(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMalformedFrontmatter)
}
