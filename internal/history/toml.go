package history

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/relaysync/relay/internal/errdefs"
	"github.com/relaysync/relay/internal/fsutil"
)

const (
	eventExt  = ".toml"
	lockName  = ".lock"
	seqDigits = 20
)

// TOMLLedger stores one human-readable TOML file per event. Appends are
// serialized by a flock on the directory's lock file; a new event file is
// hard-linked into place so it either exists complete or not at all.
type TOMLLedger struct {
	dir string
	mu  sync.Mutex
}

// OpenTOML opens the event directory, creating it if needed.
func OpenTOML(dir string) (*TOMLLedger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create events directory: %w", err)
	}
	return &TOMLLedger{dir: dir}, nil
}

// Close implements Ledger.
func (l *TOMLLedger) Close() error { return nil }

// Record implements Ledger.
func (l *TOMLLedger) Record(ctx context.Context, trigger Trigger, origin string, actions []Action) (string, error) {
	if err := validate(trigger, actions); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	lock, err := fsutil.Lock(filepath.Join(l.dir, lockName))
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	seqs, err := l.seqs()
	if err != nil {
		return "", err
	}
	var next int64 = 1
	if len(seqs) > 0 {
		next = seqs[len(seqs)-1] + 1
	}

	ev := Event{
		ID:        newEventID(),
		Seq:       next,
		Timestamp: time.Now().UTC(),
		Trigger:   trigger,
		Origin:    origin,
		Actions:   actions,
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(ev); err != nil {
		return "", fmt.Errorf("failed to encode event: %w", err)
	}

	final := filepath.Join(l.dir, fmt.Sprintf("%0*d%s", seqDigits, next, eventExt))
	tmp := filepath.Join(l.dir, "."+filepath.Base(final)+".tmp")
	if err := fsutil.WriteFileAtomic(tmp, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write event: %w", err)
	}
	defer os.Remove(tmp)

	// Link fails with EEXIST instead of overwriting, like O_EXCL.
	if err := os.Link(tmp, final); err != nil {
		return "", fmt.Errorf("failed to publish event %d: %w", next, err)
	}
	if d, err := os.Open(l.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return ev.ID, nil
}

// List implements Ledger.
func (l *TOMLLedger) List(ctx context.Context, opts ListOptions) ([]*Event, error) {
	seqs, err := l.seqs()
	if err != nil {
		return nil, err
	}

	var events []*Event
	for i := len(seqs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := l.read(seqs[i])
		if err != nil {
			return nil, err
		}
		if !opts.Since.IsZero() && ev.Timestamp.Before(opts.Since) {
			continue
		}
		events = append(events, ev)
		if opts.Limit > 0 && len(events) == opts.Limit {
			break
		}
	}
	return events, nil
}

// Get implements Ledger.
func (l *TOMLLedger) Get(ctx context.Context, id string) (*Event, error) {
	seqs, err := l.seqs()
	if err != nil {
		return nil, err
	}
	for i := len(seqs) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := l.read(seqs[i])
		if err != nil {
			return nil, err
		}
		if ev.ID == id {
			return ev, nil
		}
	}
	return nil, fmt.Errorf("%w: event %s", errdefs.ErrNotFound, id)
}

// Latest implements Ledger.
func (l *TOMLLedger) Latest(ctx context.Context) (*Event, bool, error) {
	events, err := l.List(ctx, ListOptions{Limit: 1})
	if err != nil || len(events) == 0 {
		return nil, false, err
	}
	return events[0], true, nil
}

// seqs returns the sequence numbers of every published event, ascending.
func (l *TOMLLedger) seqs() ([]int64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: failed to read events directory: %v", errdefs.ErrIO, err)
	}
	var seqs []int64
	for _, e := range entries {
		name := e.Name()
		if fsutil.IsHidden(name) || !strings.HasSuffix(name, eventExt) {
			continue
		}
		n, err := strconv.ParseInt(strings.TrimSuffix(name, eventExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, n)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (l *TOMLLedger) read(seq int64) (*Event, error) {
	path := filepath.Join(l.dir, fmt.Sprintf("%0*d%s", seqDigits, seq, eventExt))
	var ev Event
	if _, err := toml.DecodeFile(path, &ev); err != nil {
		return nil, fmt.Errorf("%w: failed to decode %s: %v", errdefs.ErrCorrupt, path, err)
	}
	ev.Timestamp = ev.Timestamp.UTC()
	return &ev, nil
}
