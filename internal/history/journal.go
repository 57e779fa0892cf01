package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/relaysync/relay/internal/fsutil"
)

// RecoveredPrefix marks the origin of events rebuilt from a leftover
// journal.
const RecoveredPrefix = "recovered:"

// Journal is the intent log of one run. Each action is appended and
// fsynced before its write is renamed into place, so a crash between the
// write and Ledger.Record leaves a journal that Recover turns into an
// event. Actions journaled for writes that never happened are harmless:
// rollback finds nothing to undo for them.
type Journal struct {
	path string
	lock *fsutil.FileLock

	mu sync.Mutex
	f  *os.File
	n  int
}

type journalHeader struct {
	Trigger Trigger   `toml:"trigger"`
	Origin  string    `toml:"origin"`
	Started time.Time `toml:"started"`
}

type journalActions struct {
	Actions []Action `toml:"actions"`
}

type journalFile struct {
	Trigger Trigger   `toml:"trigger"`
	Origin  string    `toml:"origin"`
	Started time.Time `toml:"started"`
	Actions []Action  `toml:"actions"`
}

// OpenJournal starts a new journal in dir. The journal holds a lock for
// its lifetime so Recover in another process leaves it alone.
func OpenJournal(dir string, trigger Trigger, origin string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}
	path := filepath.Join(dir, newEventID()+eventExt)

	lock, err := fsutil.Lock(path + lockName)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("failed to create journal: %w", err)
	}

	j := &Journal{path: path, lock: lock, f: f}
	hdr := journalHeader{Trigger: trigger, Origin: origin, Started: time.Now().UTC()}
	if err := j.write(hdr); err != nil {
		_ = j.Discard()
		return nil, err
	}
	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string { return j.path }

// Len returns the number of journaled actions.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.n
}

// Append durably adds an action.
func (j *Journal) Append(a Action) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.write(journalActions{Actions: []Action{a}}); err != nil {
		return err
	}
	j.n++
	return nil
}

func (j *Journal) write(v any) error {
	if j.f == nil {
		return fmt.Errorf("journal %s is closed", j.path)
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	if _, err := j.f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to append to journal: %w", err)
	}
	if err := j.f.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Discard removes the journal once its actions are recorded, or when
// nothing was written.
func (j *Journal) Discard() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	if j.f != nil {
		errs = append(errs, j.f.Close())
		j.f = nil
	}
	if err := os.Remove(j.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		errs = append(errs, err)
	}
	_ = os.Remove(j.path + lockName)
	errs = append(errs, j.lock.Unlock())
	return errors.Join(errs...)
}

// Keep closes the journal but leaves it on disk for Recover.
func (j *Journal) Keep() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var errs []error
	if j.f != nil {
		errs = append(errs, j.f.Close())
		j.f = nil
	}
	errs = append(errs, j.lock.Unlock())
	return errors.Join(errs...)
}

// Recover records an event for every abandoned journal in dir and removes
// it. Journals still held by a live run are skipped. It returns the ids of
// the recovered events.
func Recover(ctx context.Context, dir string, ledger Ledger, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read journal directory: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if fsutil.IsHidden(name) || !strings.HasSuffix(name, eventExt) {
			continue
		}
		path := filepath.Join(dir, name)

		lock, ok, err := fsutil.TryLock(path + lockName)
		if err != nil {
			return ids, err
		}
		if !ok {
			continue
		}

		id, err := recoverOne(ctx, path, ledger)
		if err != nil {
			_ = lock.Unlock()
			return ids, fmt.Errorf("failed to recover journal %s: %w", name, err)
		}
		_ = os.Remove(path)
		_ = os.Remove(path + lockName)
		_ = lock.Unlock()

		if id != "" {
			logger.Warn("recovered unrecorded writes", "journal", name, "event", id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func recoverOne(ctx context.Context, path string, ledger Ledger) (string, error) {
	jf, err := readJournal(path)
	if err != nil {
		return "", err
	}
	if len(jf.Actions) == 0 {
		return "", nil
	}
	trigger := jf.Trigger
	if !trigger.Valid() {
		trigger = TriggerSync
	}
	return ledger.Record(ctx, trigger, RecoveredPrefix+jf.Origin, jf.Actions)
}

// readJournal decodes a journal, dropping a trailing entry that a crash
// cut short.
func readJournal(path string) (*journalFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var jf journalFile
	if _, err := toml.Decode(string(data), &jf); err == nil {
		return &jf, nil
	}

	text := string(data)
	cut := strings.LastIndex(text, "[[actions]]")
	if cut < 0 {
		return nil, fmt.Errorf("unreadable journal header")
	}
	jf = journalFile{}
	if _, err := toml.Decode(text[:cut], &jf); err != nil {
		return nil, fmt.Errorf("failed to decode journal: %w", err)
	}
	return &jf, nil
}
