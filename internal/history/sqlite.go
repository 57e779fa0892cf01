package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/relaysync/relay/internal/errdefs"
)

// SQLiteLedger stores events in an embedded SQLite database in WAL mode.
// Each Record is a single IMMEDIATE transaction, so concurrent writers from
// several processes serialize on the database lock and AUTOINCREMENT seq
// gives the total append order.
type SQLiteLedger struct {
	conn *sql.DB
	path string
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS events (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	id TEXT NOT NULL UNIQUE,
	ts_unix_nano INTEGER NOT NULL,
	trigger_type TEXT NOT NULL,
	origin TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS actions (
	event_seq INTEGER NOT NULL,
	position INTEGER NOT NULL,
	owner TEXT NOT NULL,
	ability TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	path TEXT NOT NULL,
	kind TEXT NOT NULL,
	previous_blob TEXT NOT NULL DEFAULT '',
	new_blob TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (event_seq, position),
	FOREIGN KEY (event_seq) REFERENCES events(seq) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts_unix_nano);
CREATE INDEX IF NOT EXISTS idx_actions_path ON actions(path);
`

// OpenSQLite opens (creating if needed) the ledger database at path.
//
// The caller MUST call Close() when done.
func OpenSQLite(ctx context.Context, path string) (*SQLiteLedger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas in the DSN apply to every pooled connection.
	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "foreign_keys(on)")
	params.Add("_pragma", "synchronous(full)")
	params.Set("_txlock", "immediate")
	conn, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	l := &SQLiteLedger{conn: conn, path: path}

	// WAL is persistent in the database file, so one connection is enough.
	if _, err := conn.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.ExecContext(ctx, sqliteSchema); err != nil {
		_ = l.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return l, nil
}

// Path returns the database file path.
func (l *SQLiteLedger) Path() string { return l.path }

// Close closes the database, checkpointing the WAL first.
func (l *SQLiteLedger) Close() error {
	if l.conn == nil {
		return nil
	}
	if _, err := l.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	l.conn = nil
	return nil
}

// Record implements Ledger.
func (l *SQLiteLedger) Record(ctx context.Context, trigger Trigger, origin string, actions []Action) (string, error) {
	if err := validate(trigger, actions); err != nil {
		return "", err
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	id := newEventID()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (id, ts_unix_nano, trigger_type, origin) VALUES (?, ?, ?, ?)`,
		id, time.Now().UTC().UnixNano(), string(trigger), origin)
	if err != nil {
		return "", fmt.Errorf("failed to insert event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return "", fmt.Errorf("failed to read event seq: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO actions (
		event_seq, position, owner, ability, name, path, kind, previous_blob, new_blob
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", fmt.Errorf("failed to prepare action insert: %w", err)
	}
	defer stmt.Close()

	for i, a := range actions {
		if _, err := stmt.ExecContext(ctx, seq, i, a.Owner, a.Ability, a.Name, a.Path, a.Kind,
			string(a.Previous), string(a.New)); err != nil {
			return "", fmt.Errorf("failed to insert action %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}
	return id, nil
}

// List implements Ledger.
func (l *SQLiteLedger) List(ctx context.Context, opts ListOptions) ([]*Event, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	var since int64
	if !opts.Since.IsZero() {
		since = opts.Since.UnixNano()
	}

	rows, err := l.conn.QueryContext(ctx, `
	SELECT seq, id, ts_unix_nano, trigger_type, origin
	FROM events
	WHERE ts_unix_nano >= ?
	ORDER BY seq DESC
	LIMIT ?`, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	rows.Close()

	for _, ev := range events {
		if err := l.loadActions(ctx, ev); err != nil {
			return nil, err
		}
	}
	return events, nil
}

// Get implements Ledger.
func (l *SQLiteLedger) Get(ctx context.Context, id string) (*Event, error) {
	row := l.conn.QueryRowContext(ctx,
		`SELECT seq, id, ts_unix_nano, trigger_type, origin FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: event %s", errdefs.ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if err := l.loadActions(ctx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Latest implements Ledger.
func (l *SQLiteLedger) Latest(ctx context.Context) (*Event, bool, error) {
	events, err := l.List(ctx, ListOptions{Limit: 1})
	if err != nil || len(events) == 0 {
		return nil, false, err
	}
	return events[0], true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(s scanner) (*Event, error) {
	var (
		ev      Event
		tsNano  int64
		trigger string
	)
	if err := s.Scan(&ev.Seq, &ev.ID, &tsNano, &trigger, &ev.Origin); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}
	ev.Timestamp = time.Unix(0, tsNano).UTC()
	ev.Trigger = Trigger(trigger)
	return &ev, nil
}

func (l *SQLiteLedger) loadActions(ctx context.Context, ev *Event) error {
	rows, err := l.conn.QueryContext(ctx, `
	SELECT owner, ability, name, path, kind, previous_blob, new_blob
	FROM actions
	WHERE event_seq = ?
	ORDER BY position`, ev.Seq)
	if err != nil {
		return fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a Action
		var prev, next string
		if err := rows.Scan(&a.Owner, &a.Ability, &a.Name, &a.Path, &a.Kind, &prev, &next); err != nil {
			return fmt.Errorf("failed to scan action: %w", err)
		}
		a.Previous, a.New = blobRef(prev), blobRef(next)
		ev.Actions = append(ev.Actions, a)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to iterate actions: %w", err)
	}
	return nil
}
