package watch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/relaysync/relay/internal/fsutil"
	"github.com/relaysync/relay/internal/resource"
)

// EventOp represents the type of file system operation.
type EventOp int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate EventOp = iota
	// OpModify indicates an existing file was written.
	OpModify
)

// String returns a human-readable representation of the operation.
func (op EventOp) String() string {
	switch op {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	default:
		return "unknown"
	}
}

// Event is a change attributed to one resource at one location.
type Event struct {
	// Path is the path that changed. For skills it may be any file inside
	// the skill directory.
	Path     string
	Location resource.Location
	Key      resource.Key
	Op       EventOp
}

// Origin is the provenance string recorded for runs this event triggers.
func (e Event) Origin() string {
	if e.Key.Name == "" {
		return "watch:" + e.Location.Owner
	}
	return "watch:" + e.Location.Owner + ":" + e.Key.Name
}

// Watcher watches every participating location for changes and attributes
// them to resources. fsnotify is not recursive, so skill directories are
// added one by one as they appear.
type Watcher struct {
	watcher   *fsnotify.Watcher
	locations []resource.Location
	events    chan Event
	errors    chan error
	done      chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
	watched   map[string]bool
}

// NewWatcher creates a Watcher over locations. The watcher must be started
// with Start before it emits events.
func NewWatcher(locations []resource.Location) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &Watcher{
		watcher:   watcher,
		locations: locations,
		events:    make(chan Event, 100),
		errors:    make(chan error, 10),
		done:      make(chan struct{}),
		watched:   make(map[string]bool),
	}, nil
}

// Start adds the container directory of every participating location and,
// for skills, every directory below it. Central containers are created if
// missing; client containers are never created.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	for _, loc := range w.locations {
		ok, err := resource.Participates(loc)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if loc.IsCentral() {
			if err := os.MkdirAll(loc.Container(), 0o755); err != nil {
				return fmt.Errorf("failed to create %s: %w", loc.Container(), err)
			}
		}
		if err := w.add(loc.Container(), false); err != nil {
			return err
		}
		if loc.Ability == resource.Skill {
			if err := w.addSkills(loc.Path); err != nil {
				return err
			}
		}
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents()

	return nil
}

// Stop stops watching and blocks until the processing goroutine exits.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}

	w.wg.Wait()

	close(w.events)
	close(w.errors)

	return nil
}

// Events returns the channel of attributed changes. It is closed by Stop.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Errors returns the channel of watcher errors. It is closed by Stop.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// IsRunning returns true if the watcher is currently running.
func (w *Watcher) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// add watches dir. Unless force is set a directory already watched is
// skipped; force re-adds a path whose directory was replaced, since the old
// watch stays with the old inode. Callers hold mu.
func (w *Watcher) add(dir string, force bool) error {
	if w.watched[dir] && !force {
		return nil
	}
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	w.watched[dir] = true
	return nil
}

// addSkills watches every skill directory under container.
func (w *Watcher) addSkills(container string) error {
	entries, err := os.ReadDir(container)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", container, err)
	}
	for _, e := range entries {
		if fsutil.IsHidden(e.Name()) {
			continue
		}
		p := filepath.Join(container, e.Name())
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			if err := w.addTree(p, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// addTree watches dir and its non-hidden subdirectories. dir may be a
// symlink; directories below it are added under dir's own name so events
// map back to the skill.
func (w *Watcher) addTree(dir string, force bool) error {
	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil // vanished or dangling
	}
	return filepath.WalkDir(resolved, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if p != resolved && fsutil.IsHidden(d.Name()) {
			return filepath.SkipDir
		}
		rel, err := filepath.Rel(resolved, p)
		if err != nil {
			return nil
		}
		return w.add(filepath.Join(dir, rel), force)
	})
}

// processEvents converts fsnotify events until Stop.
func (w *Watcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.forget(event.Name)
			}
			ev, ok := w.convertEvent(event)
			if !ok {
				continue
			}
			if ev.Op == OpCreate && ev.Key.Ability == resource.Skill {
				if info, err := os.Stat(ev.Path); err == nil && info.IsDir() {
					w.mu.Lock()
					err := w.addTree(ev.Path, true)
					w.mu.Unlock()
					if err != nil {
						w.sendError(err)
					}
				}
			}

			select {
			case w.events <- ev:
			case <-w.done:
				return
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.sendError(err)
		}
	}
}

// forget drops path and everything below it from the watched set.
func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	prefix := path + string(filepath.Separator)
	for dir := range w.watched {
		if dir == path || strings.HasPrefix(dir, prefix) {
			delete(w.watched, dir)
		}
	}
}

func (w *Watcher) sendError(err error) {
	select {
	case w.errors <- err:
	case <-w.done:
	}
}

// convertEvent attributes an fsnotify event to a resource. Removals,
// renames away and chmods are ignored: deletions are never mirrored.
func (w *Watcher) convertEvent(event fsnotify.Event) (Event, bool) {
	var op EventOp
	switch {
	case event.Has(fsnotify.Create):
		op = OpCreate
	case event.Has(fsnotify.Write):
		op = OpModify
	default:
		return Event{}, false
	}

	loc, key, ok := attribute(w.locations, event.Name)
	if !ok {
		return Event{}, false
	}
	return Event{Path: event.Name, Location: loc, Key: key, Op: op}, true
}

// attribute maps a changed path to the location and resource it belongs
// to. Hidden entries, including the staging files of atomic writes, are
// ignored.
func attribute(locations []resource.Location, path string) (resource.Location, resource.Key, bool) {
	path = filepath.Clean(path)
	for _, loc := range locations {
		switch {
		case loc.Ability.Singleton():
			if path == filepath.Clean(loc.Path) {
				return loc, resource.Key{Ability: loc.Ability}, true
			}

		case loc.Ability == resource.Command:
			if filepath.Dir(path) == filepath.Clean(loc.Path) && !fsutil.IsHidden(filepath.Base(path)) {
				return loc, resource.Key{Ability: loc.Ability, Name: filepath.Base(path)}, true
			}

		case loc.Ability == resource.Skill:
			rel, err := filepath.Rel(loc.Path, path)
			if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
				continue
			}
			parts := strings.Split(rel, string(filepath.Separator))
			hidden := false
			for _, p := range parts {
				if fsutil.IsHidden(p) {
					hidden = true
					break
				}
			}
			if hidden {
				continue
			}
			return loc, resource.Key{Ability: loc.Ability, Name: parts[0]}, true
		}
	}
	return resource.Location{}, resource.Key{}, false
}
