// Package rollback undoes a recorded history event.
//
// Each action of the event is checked against the filesystem before it is
// reverted: a path is restored only while it still holds exactly what the
// event wrote. Anything edited since is reported as a conflict and left
// alone unless Force is set. The restores are recorded as a new rollback
// event, so a rollback can itself be rolled back.
package rollback

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/relaysync/relay/internal/blob"
	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/fsutil"
	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
	"github.com/relaysync/relay/internal/sync"
)

// OriginPrefix prefixes the origin of rollback events; the rolled back
// event's id follows.
const OriginPrefix = "rollback:"

// Outcome is what happened to one path.
type Outcome string

const (
	// Restored means the path was returned to its previous content, or
	// removed when it did not exist before.
	Restored Outcome = "restored"
	// SkippedConflict means the path changed after the event and was kept.
	SkippedConflict Outcome = "skipped-conflict"
	// NotApplicable means the path already holds its previous content.
	NotApplicable Outcome = "not-applicable"
	// Failed means the path could not be read or written.
	Failed Outcome = "failed"
)

// Options selects the event to undo.
type Options struct {
	// EventID names the event. Empty means the latest event.
	EventID string
	// Force restores paths even when they changed after the event.
	Force bool
}

// PathResult is the outcome for one action of the event.
type PathResult struct {
	Action  history.Action
	Outcome Outcome
	Err     error
}

// Result reports a rollback.
type Result struct {
	// Target is the event that was rolled back.
	Target *history.Event
	// EventID is the rollback's own event, empty when nothing was
	// restored.
	EventID string
	Paths   []PathResult
}

// Count returns how many paths ended with outcome o.
func (r *Result) Count(o Outcome) int {
	n := 0
	for _, p := range r.Paths {
		if p.Outcome == o {
			n++
		}
	}
	return n
}

// Roller performs rollbacks against one state directory.
type Roller struct {
	blobs    *blob.Store
	ledger   history.Ledger
	stateDir string
	locks    *fsutil.KeyLocker
	logger   *slog.Logger
}

// New creates a Roller. It shares per-resource locks with sync runs over
// the same state directory.
func New(blobs *blob.Store, ledger history.Ledger, stateDir string, logger *slog.Logger) *Roller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Roller{
		blobs:    blobs,
		ledger:   ledger,
		stateDir: stateDir,
		locks:    fsutil.NewKeyLocker(sync.LocksDir(stateDir)),
		logger:   logger,
	}
}

// Rollback undoes the selected event, processing its actions in reverse.
//
// The Result is non-nil whenever the event was found. A non-nil error
// alongside it is a *errdefs.PartialFailure whose entries wrap
// errdefs.ErrConflict for skipped paths, or an ErrUnrecorded error when the
// restores could not be recorded.
func (r *Roller) Rollback(ctx context.Context, opts Options) (*Result, error) {
	target, err := r.resolve(ctx, opts.EventID)
	if err != nil {
		return nil, err
	}

	res := &Result{Target: target}
	st := &state{origin: OriginPrefix + target.ID}
	var fatal error
	for i := len(target.Actions) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			fatal = err
			break
		}
		pr, err := r.revert(st, target.Actions[i], opts.Force)
		if err != nil {
			fatal = err
			break
		}
		res.Paths = append(res.Paths, pr)
		if pr.Err != nil {
			st.pf.Add(pr.Action.Path, pr.Err)
		}
	}

	if err := r.finish(context.WithoutCancel(ctx), st, res); err != nil {
		return res, err
	}
	if fatal != nil {
		return res, fatal
	}
	return res, st.pf.OrNil()
}

func (r *Roller) resolve(ctx context.Context, id string) (*history.Event, error) {
	if id != "" {
		return r.ledger.Get(ctx, id)
	}
	ev, ok, err := r.ledger.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: history is empty", errdefs.ErrNotFound)
	}
	return ev, nil
}

type state struct {
	origin  string
	journal *history.Journal
	actions []history.Action
	pf      errdefs.PartialFailure
}

// revert restores one action under its resource lock. Per-path problems
// are returned in the PathResult; the error is reserved for failures that
// stop the rollback.
func (r *Roller) revert(st *state, a history.Action, force bool) (PathResult, error) {
	pr := PathResult{Action: a}
	ability, err := resource.ParseAbility(a.Ability)
	if err != nil {
		pr.Outcome, pr.Err = Failed, err
		return pr, nil
	}
	kind := resource.Kind(a.Kind)
	key := resource.Key{Ability: ability, Name: a.Name}

	unlock, err := r.locks.Lock(key.LockName())
	if err != nil {
		return pr, fmt.Errorf("failed to lock %s: %w", key, err)
	}
	defer unlock()

	cur, exists, err := resource.ReadContent(kind, a.Path)
	if err != nil {
		pr.Outcome, pr.Err = Failed, err
		return pr, nil
	}
	var curData []byte
	var curRef blob.Ref
	if exists {
		if curData, err = cur.Bytes(); err != nil {
			pr.Outcome, pr.Err = Failed, err
			return pr, nil
		}
		curRef = blob.Sum(curData)
	}

	switch {
	case curRef == a.Previous:
		pr.Outcome = NotApplicable
		return pr, nil
	case curRef != a.New && !force:
		pr.Outcome = SkippedConflict
		pr.Err = fmt.Errorf("%w: %s changed since the event (now %s, event wrote %s)",
			errdefs.ErrConflict, a.Path, describe(curRef), describe(a.New))
		return pr, nil
	}

	var restore resource.Content
	if !a.Previous.IsZero() {
		data, err := r.blobs.Get(a.Previous)
		if err != nil {
			return pr, fmt.Errorf("failed to load previous content of %s: %w", a.Path, err)
		}
		if restore, err = resource.DecodeContent(kind, data); err != nil {
			return pr, fmt.Errorf("failed to decode previous content of %s: %w", a.Path, err)
		}
	}

	// With force the current bytes may be unknown to the store.
	if exists {
		if _, err := r.blobs.Put(curData); err != nil {
			return pr, fmt.Errorf("failed to store current content of %s: %w", a.Path, err)
		}
	}
	undo := a
	undo.Previous = curRef
	undo.New = a.Previous

	if st.journal == nil {
		j, err := history.OpenJournal(sync.JournalDir(r.stateDir), history.TriggerRollback, st.origin)
		if err != nil {
			return pr, fmt.Errorf("failed to open journal: %w", err)
		}
		st.journal = j
	}
	if err := st.journal.Append(undo); err != nil {
		return pr, err
	}

	if a.Previous.IsZero() {
		err = resource.RemoveContent(a.Path)
	} else {
		err = resource.WriteContent(a.Path, restore)
	}
	if err != nil {
		pr.Outcome, pr.Err = Failed, err
		return pr, nil
	}

	pr.Outcome = Restored
	st.actions = append(st.actions, undo)
	r.logger.Debug("restored", "path", a.Path, "to", describe(a.Previous))
	return pr, nil
}

func (r *Roller) finish(ctx context.Context, st *state, res *Result) error {
	if st.journal == nil {
		return nil
	}
	if len(st.actions) == 0 {
		return st.journal.Discard()
	}
	id, err := r.ledger.Record(ctx, history.TriggerRollback, st.origin, st.actions)
	if err != nil {
		_ = st.journal.Keep()
		return fmt.Errorf("%w: rollback of %s (journal %s): %v",
			errdefs.ErrUnrecorded, res.Target.ID, st.journal.Path(), err)
	}
	res.EventID = id
	if err := st.journal.Discard(); err != nil {
		r.logger.Warn("failed to remove journal", "path", st.journal.Path(), "error", err)
	}
	r.logger.Info("recorded rollback", "id", id, "target", res.Target.ID, "restored", len(st.actions))
	return nil
}

func describe(ref blob.Ref) string {
	if ref.IsZero() {
		return "absent"
	}
	return ref.Short()
}
