// Package sync reconciles every copy of every resource into one state.
//
// # Overview
//
// A run has two phases per resource. Planning is pure: it loads every
// instance, picks the winner (newest mtime, ties to the earlier location)
// and computes the write each other location needs. Applying performs those
// writes atomically, capturing the previous content of each path in the
// blob store first, and records the run as one history event.
//
//	claude/commands/review.md ─┐
//	codex/prompts/review.md  ──┼─► Plan ─► Apply ─► blobs + journal ─► rename ─► Record
//	central/commands/review.md ┘
//
// Deletions are never planned: relay mirrors additions and edits only.
//
// # Usage
//
//	engine := sync.New(locations, blobs, ledger, stateDir, logger)
//
//	// Preview
//	plan, err := engine.Plan(ctx)
//
//	// Apply everything
//	res, err := engine.Run(ctx, sync.Request{Trigger: history.TriggerSync})
//
//	// Apply one resource, as the watch engine does
//	res, err = engine.Run(ctx, sync.Request{
//	    Trigger: history.TriggerWatch,
//	    Origin:  "watch:claude:review.md",
//	    Keys:    []resource.Key{{Ability: resource.Command, Name: "review.md"}},
//	})
//
// # Failure handling
//
// A failed write affects only its own path; the run continues and the
// failure comes back in a *errdefs.PartialFailure. Failing to store a blob
// or record the event stops the run. If writes already reached disk and
// cannot be recorded, the error wraps errdefs.ErrUnrecorded and the run's
// journal is kept so history.Recover can record them later.
//
// # Concurrency
//
// Plan and apply for one resource run inside a critical section keyed by
// the resource: a process-wide mutex plus a flock under <state>/locks, so a
// manual sync racing a watch-triggered one (even in another process)
// cannot both act on a stale snapshot.
package sync
