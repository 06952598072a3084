// Package history persists attempt lifecycle events to SQLite so failed
// runs leave forensics behind. Recording is best-effort diagnostics and
// never gates the supervisor's primary outcome.
package history

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Log wraps the SQLite connection and scopes events to one supervisor run.
type Log struct {
	conn  *sql.DB
	path  string
	runID int64
}

// Open opens or creates the history database at path.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	// WAL mode so a crashing harness doesn't corrupt earlier runs
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &Log{conn: conn, path: path}
	if err := l.initSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to initialize history schema: %w", err)
	}
	return l, nil
}

// Close checkpoints the WAL and closes the connection.
func (l *Log) Close() error {
	if l.conn != nil {
		l.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return l.conn.Close()
	}
	return nil
}

func (l *Log) initSchema() error {
	schema := `
	-- One row per supervisor run
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		server_exe TEXT NOT NULL,
		started_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	-- Attempt lifecycle events within a run
	CREATE TABLE IF NOT EXISTS attempt_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		event_type TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		port INTEGER NOT NULL,
		pid INTEGER NOT NULL,
		details TEXT,
		timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (run_id) REFERENCES runs(id)
	);

	CREATE INDEX IF NOT EXISTS idx_attempt_events_run
		ON attempt_events(run_id, timestamp);
	`
	_, err := l.conn.Exec(schema)
	return err
}

// BeginRun records the start of a supervisor run; subsequent events are
// scoped to it.
func (l *Log) BeginRun(serverExe string) error {
	result, err := l.conn.Exec("INSERT INTO runs (server_exe) VALUES (?)", serverExe)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	l.runID, err = result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read run id: %w", err)
	}
	return nil
}

// RecordEvent implements the supervisor's EventRecorder. Errors are logged
// and swallowed: history must never change the run's outcome.
func (l *Log) RecordEvent(event string, attempt, port, pid int, details string) {
	_, err := l.conn.Exec(
		"INSERT INTO attempt_events (run_id, event_type, attempt, port, pid, details) VALUES (?, ?, ?, ?, ?, ?)",
		l.runID, event, attempt, port, pid, details)
	if err != nil {
		slog.Error("Failed to record attempt event", "event", event, "error", err)
	}
}

// Event is one recorded attempt lifecycle event.
type Event struct {
	RunID     int64
	EventType string
	Attempt   int
	Port      int
	Pid       int
	Details   string
	Timestamp time.Time
}

// RecentEvents returns up to limit events, most recent first.
func (l *Log) RecentEvents(limit int) ([]Event, error) {
	rows, err := l.conn.Query(`
		SELECT run_id, event_type, attempt, port, pid, COALESCE(details, ''), timestamp
		FROM attempt_events
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query attempt events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.RunID, &e.EventType, &e.Attempt, &e.Port, &e.Pid, &e.Details, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan attempt event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LastRunPIDs returns the PIDs recorded for the most recent run, used to
// reap leaked processes from a harness that died without teardown.
func (l *Log) LastRunPIDs() ([]int, error) {
	rows, err := l.conn.Query(`
		SELECT DISTINCT pid FROM attempt_events
		WHERE run_id = (SELECT MAX(id) FROM runs)
		AND event_type = 'attempt_started'`)
	if err != nil {
		return nil, fmt.Errorf("failed to query last run pids: %w", err)
	}
	defer rows.Close()

	var pids []int
	for rows.Next() {
		var pid int
		if err := rows.Scan(&pid); err != nil {
			return nil, err
		}
		pids = append(pids, pid)
	}
	return pids, rows.Err()
}
