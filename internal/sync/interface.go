package sync

import (
	"context"

	"github.com/relaysync/relay/internal/history"
	"github.com/relaysync/relay/internal/resource"
)

// Syncer plans and applies reconciliation runs.
//
// Both methods are safe to call concurrently; runs over the same resource
// serialize.
type Syncer interface {
	// Plan computes the writes a run would perform, without side effects.
	// With no keys, every resource present at any location is planned.
	//
	// A non-nil error is a *errdefs.PartialFailure listing locations that
	// could not be read; the returned plan covers everything else.
	Plan(ctx context.Context, keys ...resource.Key) (*Plan, error)

	// Run plans and applies under the per-resource critical sections and
	// records at most one history event.
	//
	// The Result is always non-nil, even with an error, and lists exactly
	// what was written.
	Run(ctx context.Context, req Request) (*Result, error)
}

// Request describes one apply run.
type Request struct {
	Trigger history.Trigger
	// Origin is free-form provenance stored with the event, such as
	// "watch:claude:review.md".
	Origin string
	// Keys restricts the run to these resources. Empty means all.
	Keys []resource.Key
}

// Write is one planned change to one path.
type Write struct {
	Location resource.Location
	Path     string
	// Create is true when the resource is absent at Path.
	Create  bool
	Content resource.Content
}

// ResourcePlan is the plan for a single resource.
type ResourcePlan struct {
	Key resource.Key
	// Winner is nil when the resource has no instance anywhere.
	Winner   *resource.Instance
	Writes   []Write
	Warnings []resource.Warning
}

// Plan is the side-effect-free description of a run.
type Plan struct {
	Resources []*ResourcePlan
}

// WriteCount returns the total number of planned writes.
func (p *Plan) WriteCount() int {
	n := 0
	for _, r := range p.Resources {
		n += len(r.Writes)
	}
	return n
}

// Warnings returns every warning in resource order.
func (p *Plan) Warnings() []resource.Warning {
	var out []resource.Warning
	for _, r := range p.Resources {
		out = append(out, r.Warnings...)
	}
	return out
}

// WriteResult is the outcome of one attempted write.
type WriteResult struct {
	Key      resource.Key
	Location resource.Location
	Path     string
	Create   bool
	// Err is nil when the write landed.
	Err error
}

// Result reports an apply run.
type Result struct {
	Plan *Plan
	// EventID is empty when nothing was written or recording failed.
	EventID string
	Actions []history.Action
	Writes  []WriteResult
}

// Applied returns the writes that landed.
func (r *Result) Applied() []WriteResult {
	var out []WriteResult
	for _, w := range r.Writes {
		if w.Err == nil {
			out = append(out, w)
		}
	}
	return out
}

// Failed returns the writes that did not land.
func (r *Result) Failed() []WriteResult {
	var out []WriteResult
	for _, w := range r.Writes {
		if w.Err != nil {
			out = append(out, w)
		}
	}
	return out
}

var _ Syncer = (*engine)(nil)
