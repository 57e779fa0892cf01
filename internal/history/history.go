// Package history is relay's append-only ledger of applied change sets.
//
// Every sync or rollback that writes anything records exactly one Event.
// Events reference content by blob.Ref only; the bytes live in the blob
// store. Events are totally ordered by Seq and are never edited.
//
// Two backends implement Ledger:
//   - sqlite: <state>/history.db, one transaction per event
//   - toml:   <state>/events/<seq>.toml, one file per event
package history

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/maruel/ksid"

	"github.com/relaysync/relay/internal/blob"
)

// Trigger says what started the run that produced an event.
type Trigger string

const (
	TriggerSync     Trigger = "sync"
	TriggerWatch    Trigger = "watch"
	TriggerRollback Trigger = "rollback"
)

// Valid reports whether t is a known trigger.
func (t Trigger) Valid() bool {
	switch t {
	case TriggerSync, TriggerWatch, TriggerRollback:
		return true
	}
	return false
}

// Action is one write performed at one path.
type Action struct {
	Owner   string `toml:"owner"`
	Ability string `toml:"ability"`
	// Name is the resource name, empty for singleton abilities.
	Name string `toml:"name"`
	Path string `toml:"path"`
	// Kind is "file" or "dir".
	Kind string `toml:"kind"`
	// Previous is empty when the path did not exist before the write.
	Previous blob.Ref `toml:"previous_blob"`
	// New is empty when the write deleted the path.
	New blob.Ref `toml:"new_blob"`
}

// Event is one recorded change set.
type Event struct {
	ID        string    `toml:"id"`
	Seq       int64     `toml:"seq"`
	Timestamp time.Time `toml:"timestamp"`
	Trigger   Trigger   `toml:"trigger"`
	Origin    string    `toml:"origin"`
	Actions   []Action  `toml:"actions"`
}

// ListOptions bounds a List call.
type ListOptions struct {
	// Limit caps the number of events; zero or less means no limit.
	Limit int
	// Since drops events older than this time when non-zero.
	Since time.Time
}

// Ledger is the durable event log. Implementations are safe for concurrent
// use by goroutines and by separate processes sharing the state directory.
type Ledger interface {
	// Record appends an event and returns its id. The event is durable
	// when Record returns.
	Record(ctx context.Context, trigger Trigger, origin string, actions []Action) (string, error)

	// List returns events newest first.
	List(ctx context.Context, opts ListOptions) ([]*Event, error)

	// Get returns the event with the given id, or errdefs.ErrNotFound.
	Get(ctx context.Context, id string) (*Event, error)

	// Latest returns the last recorded event; ok is false when the ledger
	// is empty.
	Latest(ctx context.Context) (ev *Event, ok bool, err error)

	Close() error
}

// Backend names a Ledger implementation.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendTOML   Backend = "toml"
)

// Open opens the ledger for backend inside stateDir.
func Open(ctx context.Context, backend Backend, stateDir string) (Ledger, error) {
	switch backend {
	case BackendSQLite, "":
		return OpenSQLite(ctx, filepath.Join(stateDir, "history.db"))
	case BackendTOML:
		return OpenTOML(filepath.Join(stateDir, "events"))
	default:
		return nil, fmt.Errorf("unknown history backend %q", backend)
	}
}

func newEventID() string {
	return ksid.NewID().String()
}

func validate(trigger Trigger, actions []Action) error {
	if !trigger.Valid() {
		return fmt.Errorf("invalid trigger %q", trigger)
	}
	if len(actions) == 0 {
		return fmt.Errorf("event has no actions")
	}
	for i, a := range actions {
		if a.Path == "" {
			return fmt.Errorf("action %d has no path", i)
		}
		if err := a.Previous.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
		if err := a.New.Validate(); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}
	return nil
}

func blobRef(s string) blob.Ref { return blob.Ref(s) }
