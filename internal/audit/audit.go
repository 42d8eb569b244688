// Package audit keeps an append-only SQLite log of task lifecycle events.
// It exists for operators digging into "what happened to task X": the JSON
// snapshot only holds the latest state, the audit log holds the history.
// Append failures are logged and swallowed; the snapshot is the source of
// truth and a broken audit log must not stop task traffic.
package audit

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Log records task lifecycle events in SQLite.
type Log struct {
	db *sql.DB
}

// Open opens (or creates) the audit database at the given path.
func Open(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Log{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS task_events (
			id         TEXT PRIMARY KEY,
			task_id    TEXT NOT NULL,
			type       TEXT NOT NULL,
			data       TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_task_events_task_id
			ON task_events(task_id);
	`)
	return err
}

// Close closes the database.
func (l *Log) Close() error {
	return l.db.Close()
}

// Record appends one lifecycle event. Failures are logged, not returned.
func (l *Log) Record(taskID, eventType, detail string) {
	_, err := l.db.Exec(
		`INSERT INTO task_events (id, task_id, type, data, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), taskID, eventType, detail, time.Now().UTC(),
	)
	if err != nil {
		slog.Warn("audit append failed", "task_id", taskID, "type", eventType, "error", err.Error())
	}
}

// Event is one recorded lifecycle event.
type Event struct {
	ID        string
	TaskID    string
	Type      string
	Data      string
	CreatedAt time.Time
}

// Events returns the recorded events for a task, oldest first.
func (l *Log) Events(taskID string) ([]Event, error) {
	rows, err := l.db.Query(
		`SELECT id, task_id, type, data, created_at
		 FROM task_events WHERE task_id = ? ORDER BY created_at, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying task events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.Type, &ev.Data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning task event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
