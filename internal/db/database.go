package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("not found")

type Database struct {
	db *sql.DB
}

type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var _ strokelog.Log = (*Database)(nil)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	dsn := dbPath + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS stroke_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		stroke_data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_stroke_events_session_id ON stroke_events(session_id, id);

	CREATE TABLE IF NOT EXISTS stroke_snapshots (
		session_id TEXT PRIMARY KEY,
		snapshot_data TEXT NOT NULL,
		last_seq INTEGER NOT NULL DEFAULT 0,
		event_count INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Session operations

func (d *Database) CreateSession(ctx context.Context, id, name, createdBy string) (*Session, error) {
	_, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, name, created_by) VALUES (?, ?, ?)",
		id, name, createdBy,
	)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return d.GetSession(ctx, id)
}

func (d *Database) GetSession(ctx context.Context, id string) (*Session, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT id, name, created_by, created_at, updated_at FROM sessions WHERE id = ?",
		id,
	)

	var s Session
	err := row.Scan(&s.ID, &s.Name, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session: %w", err)
	}
	return &s, nil
}

func (d *Database) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	rows, err := d.db.QueryContext(ctx,
		"SELECT id, name, created_by, created_at, updated_at FROM sessions ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.Name, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

func (d *Database) TouchSession(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx,
		"UPDATE sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?",
		id,
	)
	return err
}

// DeleteSession removes the metadata row; stroke rows and snapshots cascade.
func (d *Database) DeleteSession(ctx context.Context, id string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", id)
	return err
}

// Stroke log operations

func (d *Database) Append(ctx context.Context, sessionID string, ev strokelog.Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	point, err := json.Marshal(ev.Point)
	if err != nil {
		return 0, fmt.Errorf("marshalling stroke point: %w", err)
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	// Ensure session exists
	if _, err := d.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id) VALUES (?)", sessionID,
	); err != nil {
		return 0, fmt.Errorf("ensuring session: %w", err)
	}

	result, err := d.db.ExecContext(ctx,
		"INSERT INTO stroke_events (session_id, user_id, kind, stroke_data, created_at) VALUES (?, ?, ?, ?, ?)",
		sessionID, ev.UserID, string(ev.Kind), string(point), ev.Timestamp.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("appending stroke event: %w", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return 0, err
	}

	if err := d.TouchSession(ctx, sessionID); err != nil {
		return 0, err
	}
	return seq, nil
}

// ReadAll returns the compacted snapshot followed by the live rows, read in
// one transaction so a concurrent compaction can't drop or repeat events.
func (d *Database) ReadAll(ctx context.Context, sessionID string) ([]strokelog.Event, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	events, err := readSnapshot(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}

	tail, err := readEvents(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	return append(events, tail...), nil
}

func (d *Database) Clear(ctx context.Context, sessionID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM stroke_events WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing stroke events: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM stroke_snapshots WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clearing stroke snapshot: %w", err)
	}
	return tx.Commit()
}

// EventCount returns the number of live (not yet compacted) rows for a session.
func (d *Database) EventCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM stroke_events WHERE session_id = ?",
		sessionID,
	).Scan(&count)
	return count, err
}

// Snapshot operations (for compaction)

// Compact folds every live row of the session into its snapshot and returns
// how many rows were folded.
func (d *Database) Compact(ctx context.Context, sessionID string) (int, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	snapshot, err := readSnapshot(ctx, tx, sessionID)
	if err != nil {
		return 0, err
	}

	tail, err := readEvents(ctx, tx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(tail) == 0 {
		return 0, nil
	}

	merged := append(snapshot, tail...)
	lastSeq := tail[len(tail)-1].Seq

	data, err := json.Marshal(merged)
	if err != nil {
		return 0, fmt.Errorf("marshalling snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stroke_snapshots (session_id, snapshot_data, last_seq, event_count, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(session_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			last_seq = excluded.last_seq,
			event_count = excluded.event_count,
			updated_at = CURRENT_TIMESTAMP
	`, sessionID, string(data), lastSeq, len(merged)); err != nil {
		return 0, fmt.Errorf("saving snapshot: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM stroke_events WHERE session_id = ? AND id <= ?",
		sessionID, lastSeq,
	); err != nil {
		return 0, fmt.Errorf("deleting compacted events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(tail), nil
}

func readSnapshot(ctx context.Context, tx *sql.Tx, sessionID string) ([]strokelog.Event, error) {
	var data string
	err := tx.QueryRowContext(ctx,
		"SELECT snapshot_data FROM stroke_snapshots WHERE session_id = ?",
		sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return []strokelog.Event{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	var events []strokelog.Event
	if err := json.Unmarshal([]byte(data), &events); err != nil {
		return nil, fmt.Errorf("unmarshalling snapshot: %w", err)
	}
	return events, nil
}

// readEvents reads the live rows of a session in append order.
func readEvents(ctx context.Context, tx *sql.Tx, sessionID string) ([]strokelog.Event, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, session_id, user_id, kind, stroke_data, created_at
		FROM stroke_events
		WHERE session_id = ?
		ORDER BY id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("reading stroke events: %w", err)
	}
	defer rows.Close()

	events := []strokelog.Event{}
	for rows.Next() {
		var ev strokelog.Event
		var kind, point string
		var createdAt int64
		if err := rows.Scan(&ev.Seq, &ev.SessionID, &ev.UserID, &kind, &point, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(point), &ev.Point); err != nil {
			return nil, fmt.Errorf("unmarshalling stroke point %d: %w", ev.Seq, err)
		}
		ev.Kind = strokelog.Kind(kind)
		ev.Timestamp = time.UnixMilli(createdAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]int, error) {
	stats := make(map[string]int)

	var sessionCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sessions").Scan(&sessionCount); err != nil {
		return nil, err
	}
	stats["session_count"] = sessionCount

	var eventCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stroke_events").Scan(&eventCount); err != nil {
		return nil, err
	}
	var compacted sql.NullInt64
	if err := d.db.QueryRowContext(ctx, "SELECT SUM(event_count) FROM stroke_snapshots").Scan(&compacted); err != nil {
		return nil, err
	}
	stats["stroke_count"] = eventCount + int(compacted.Int64)

	return stats, nil
}
