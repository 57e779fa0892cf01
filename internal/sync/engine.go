package sync

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/relaysync/relay/internal/blob"
	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/fsutil"
	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
)

// LocksDir returns the directory holding per-resource lock files.
func LocksDir(stateDir string) string { return filepath.Join(stateDir, "locks") }

// JournalDir returns the directory holding run journals.
func JournalDir(stateDir string) string { return filepath.Join(stateDir, "journal") }

// Config holds engine configuration.
type Config struct {
	// Locations is the ordered location table. Order breaks mtime ties.
	Locations []resource.Location
	Blobs     *blob.Store
	Ledger    history.Ledger
	// StateDir holds the journal and lock directories.
	StateDir string
	// ConflictWindow is how close two differing edits must be to warn.
	// Zero disables the warning.
	ConflictWindow time.Duration
	Logger         *slog.Logger
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		ConflictWindow: 2 * time.Second,
	}
}

type engine struct {
	cfg    Config
	locks  *fsutil.KeyLocker
	logger *slog.Logger
}

// New creates a Syncer with the default configuration.
func New(locations []resource.Location, blobs *blob.Store, ledger history.Ledger, stateDir string, logger *slog.Logger) Syncer {
	cfg := DefaultConfig()
	cfg.Locations = locations
	cfg.Blobs = blobs
	cfg.Ledger = ledger
	cfg.StateDir = stateDir
	cfg.Logger = logger
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Syncer with custom configuration.
func NewWithConfig(cfg Config) Syncer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &engine{
		cfg:    cfg,
		locks:  fsutil.NewKeyLocker(LocksDir(cfg.StateDir)),
		logger: logger,
	}
}

// run is the state of one Run call.
type run struct {
	req     Request
	result  *Result
	journal *history.Journal
	pf      errdefs.PartialFailure
}

// Run implements Syncer.
func (e *engine) Run(ctx context.Context, req Request) (*Result, error) {
	if req.Trigger == "" {
		req.Trigger = history.TriggerSync
	}
	r := &run{req: req, result: &Result{Plan: &Plan{}}}

	keys := req.Keys
	if len(keys) == 0 {
		resources, err := resource.LoadAll(e.cfg.Locations)
		mergeFailures(&r.pf, err)
		for _, res := range resources {
			keys = append(keys, res.Key)
		}
	}

	var fatal error
	for _, k := range keys {
		// Resources not started yet are left for the next run.
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}
		if err := e.runKey(r, k); err != nil {
			fatal = err
			break
		}
	}

	// Writes that landed are recorded even when the run stopped early or
	// the caller is shutting down.
	if err := e.finish(context.WithoutCancel(ctx), r); err != nil {
		return r.result, err
	}
	if fatal != nil {
		return r.result, fatal
	}
	return r.result, r.pf.OrNil()
}

// runKey plans and applies one resource inside its critical section.
// Only fatal errors are returned; per-path failures go to r.pf.
func (e *engine) runKey(r *run, k resource.Key) error {
	unlock, err := e.locks.Lock(k.LockName())
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", k, err)
	}
	defer unlock()

	// Reload under the lock so the plan reflects what another run may
	// have just written.
	resources, err := resource.LoadKeys(e.cfg.Locations, k)
	mergeFailures(&r.pf, err)
	if len(resources) == 0 {
		return nil
	}
	rp := e.planResource(resources[0])
	r.result.Plan.Resources = append(r.result.Plan.Resources, rp)

	for _, w := range rp.Warnings {
		e.logger.Warn(w.Message, "resource", w.Key.String(), "owners", w.Owners, "error", w.Err)
	}
	for _, w := range rp.Writes {
		if err := e.apply(r, k, w); err != nil {
			return err
		}
	}
	return nil
}

// apply performs one write. The previous and new content are stored as
// blobs and the action is journaled before the target is touched.
func (e *engine) apply(r *run, k resource.Key, w Write) error {
	kind := k.Ability.Kind()
	wr := WriteResult{Key: k, Location: w.Location, Path: w.Path, Create: w.Create}

	prev, exists, err := resource.ReadContent(kind, w.Path)
	if err != nil {
		wr.Err = err
		r.result.Writes = append(r.result.Writes, wr)
		r.pf.Add(w.Path, err)
		return nil
	}

	var prevRef blob.Ref
	if exists {
		if prevRef, err = e.putContent(prev); err != nil {
			return fmt.Errorf("failed to store previous content of %s: %w", w.Path, err)
		}
	}
	newRef, err := e.putContent(w.Content)
	if err != nil {
		return fmt.Errorf("failed to store new content for %s: %w", w.Path, err)
	}

	action := history.Action{
		Owner:    w.Location.Owner,
		Ability:  k.Ability.String(),
		Name:     k.Name,
		Path:     w.Path,
		Kind:     string(kind),
		Previous: prevRef,
		New:      newRef,
	}
	if r.journal == nil {
		j, err := history.OpenJournal(JournalDir(e.cfg.StateDir), r.req.Trigger, r.req.Origin)
		if err != nil {
			return fmt.Errorf("failed to open journal: %w", err)
		}
		r.journal = j
	}
	if err := r.journal.Append(action); err != nil {
		return err
	}

	if err := resource.WriteContent(w.Path, w.Content); err != nil {
		wr.Err = err
		r.result.Writes = append(r.result.Writes, wr)
		r.pf.Add(w.Path, err)
		e.logger.Error("write failed", "resource", k.String(), "path", w.Path, "error", err)
		return nil
	}

	r.result.Writes = append(r.result.Writes, wr)
	r.result.Actions = append(r.result.Actions, action)
	e.logger.Debug("wrote", "resource", k.String(), "owner", w.Location.Owner, "path", w.Path, "create", w.Create)
	return nil
}

func (e *engine) putContent(c resource.Content) (blob.Ref, error) {
	data, err := c.Bytes()
	if err != nil {
		return "", err
	}
	return e.cfg.Blobs.Put(data)
}

// finish records the run's event and drops its journal. When recording
// fails the journal stays on disk for history.Recover.
func (e *engine) finish(ctx context.Context, r *run) error {
	if r.journal == nil {
		return nil
	}
	if len(r.result.Actions) == 0 {
		return r.journal.Discard()
	}

	id, err := e.cfg.Ledger.Record(ctx, r.req.Trigger, r.req.Origin, r.result.Actions)
	if err != nil {
		_ = r.journal.Keep()
		paths := make([]string, 0, len(r.result.Actions))
		for _, a := range r.result.Actions {
			paths = append(paths, a.Path)
		}
		return fmt.Errorf("%w: %s (journal %s): %v",
			errdefs.ErrUnrecorded, strings.Join(paths, ", "), r.journal.Path(), err)
	}
	r.result.EventID = id
	if err := r.journal.Discard(); err != nil {
		e.logger.Warn("failed to remove journal", "path", r.journal.Path(), "error", err)
	}
	e.logger.Info("recorded event", "id", id, "trigger", string(r.req.Trigger), "origin", r.req.Origin, "actions", len(r.result.Actions))
	return nil
}
