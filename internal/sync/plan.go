package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/resource"
)

// Plan implements Syncer.
func (e *engine) Plan(ctx context.Context, keys ...resource.Key) (*Plan, error) {
	var (
		resources []*resource.Resource
		err       error
	)
	if len(keys) == 0 {
		resources, err = resource.LoadAll(e.cfg.Locations)
	} else {
		resources, err = resource.LoadKeys(e.cfg.Locations, keys...)
	}

	plan := &Plan{}
	for _, r := range resources {
		if cerr := ctx.Err(); cerr != nil {
			return plan, cerr
		}
		plan.Resources = append(plan.Resources, e.planResource(r))
	}
	return plan, err
}

// planResource computes the writes that bring every slot of r to the
// winner's state. Slots already equal to the winner are left out, and
// nothing is ever deleted.
func (e *engine) planResource(r *resource.Resource) *ResourcePlan {
	rp := &ResourcePlan{Key: r.Key}
	winner := r.Winner()
	if winner == nil {
		return rp
	}
	rp.Winner = winner

	seen := make(map[string]bool)
	warn := func(ws ...resource.Warning) {
		for _, w := range ws {
			if s := w.String(); !seen[s] {
				seen[s] = true
				rp.Warnings = append(rp.Warnings, w)
			}
		}
	}
	if w, ok := conflictWarning(r, winner, e.cfg.ConflictWindow); ok {
		warn(w)
	}

	for _, slot := range r.Slots {
		if slot.Instance == winner {
			continue
		}
		content, changed, warnings := r.Key.Ability.Reconcile(winner, slot.Instance)
		warn(warnings...)
		if !changed {
			continue
		}
		rp.Writes = append(rp.Writes, Write{
			Location: slot.Location,
			Path:     slot.Path,
			Create:   slot.Instance == nil,
			Content:  content,
		})
	}
	return rp
}

// conflictWarning reports instances that differ from the winner but were
// modified within window of it. Last-write-wins still applies; the warning
// only tells the user an edit may have been overwritten.
func conflictWarning(r *resource.Resource, winner *resource.Instance, window time.Duration) (resource.Warning, bool) {
	if window <= 0 {
		return resource.Warning{}, false
	}
	owners := []string{winner.Location.Owner}
	for _, inst := range r.Instances() {
		if inst == winner || inst.Fingerprint == winner.Fingerprint {
			continue
		}
		if winner.ModTime.Sub(inst.ModTime) <= window {
			owners = append(owners, inst.Location.Owner)
		}
	}
	if len(owners) < 2 {
		return resource.Warning{}, false
	}
	return resource.Warning{
		Key:     r.Key,
		Owners:  owners,
		Message: fmt.Sprintf("edited within %s of each other; %s wins", window, winner.Location.Owner),
	}, true
}

// mergeFailures folds a load error into pf. Errors that are not partial
// failures are attributed to no particular path.
func mergeFailures(pf *errdefs.PartialFailure, err error) {
	if err == nil {
		return
	}
	var p *errdefs.PartialFailure
	if errors.As(err, &p) {
		pf.Failures = append(pf.Failures, p.Failures...)
		return
	}
	pf.Add("", err)
}
