// Package storage persists per-frame telemetry and error events so the
// diagnostics surface can show history across restarts.
package storage

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for frame history.
type Store struct {
	DB *sql.DB
}

// FrameRecord is one row of frame history.
type FrameRecord struct {
	FrameNumber   uint64
	SessionID     string
	Timestamp     time.Time
	FramesStacked int
	QueueLatency  time.Duration
	StackDuration time.Duration
	FilterTime    time.Duration
	Dropped       bool
	Stage         string
	Error         string
}

// ErrorRecord is one recorded failure event.
type ErrorRecord struct {
	Timestamp time.Time
	Stage     string
	Message   string
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS frames (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            frame_number INTEGER NOT NULL,
            session_id TEXT,
            captured_at TIMESTAMP NOT NULL,
            frames_stacked INTEGER,
            queue_latency_ms REAL,
            stack_ms REAL,
            filter_ms REAL,
            dropped INTEGER NOT NULL DEFAULT 0,
            stage TEXT,
            error_message TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_frames_captured_at ON frames(captured_at);`,
		`CREATE TABLE IF NOT EXISTS error_events (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            occurred_at TIMESTAMP NOT NULL,
            stage TEXT NOT NULL,
            message TEXT NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// RecordFrame appends one frame row.
func (s *Store) RecordFrame(rec FrameRecord) error {
	_, err := s.DB.Exec(
		`INSERT INTO frames (frame_number, session_id, captured_at, frames_stacked,
            queue_latency_ms, stack_ms, filter_ms, dropped, stage, error_message)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.FrameNumber,
		rec.SessionID,
		rec.Timestamp,
		rec.FramesStacked,
		float64(rec.QueueLatency)/float64(time.Millisecond),
		float64(rec.StackDuration)/float64(time.Millisecond),
		float64(rec.FilterTime)/float64(time.Millisecond),
		rec.Dropped,
		rec.Stage,
		rec.Error,
	)
	return err
}

// RecordError appends one failure event.
func (s *Store) RecordError(stage string, message string) error {
	_, err := s.DB.Exec(
		`INSERT INTO error_events (occurred_at, stage, message) VALUES (?, ?, ?)`,
		time.Now(), stage, message,
	)
	return err
}

// RecentFrames returns up to limit frame rows, newest first.
func (s *Store) RecentFrames(limit int) ([]FrameRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(
		`SELECT frame_number, session_id, captured_at, frames_stacked,
                queue_latency_ms, stack_ms, filter_ms, dropped, stage, error_message
         FROM frames ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		var rec FrameRecord
		var queueMs, stackMs, filterMs float64
		if err := rows.Scan(&rec.FrameNumber, &rec.SessionID, &rec.Timestamp,
			&rec.FramesStacked, &queueMs, &stackMs, &filterMs,
			&rec.Dropped, &rec.Stage, &rec.Error); err != nil {
			return nil, err
		}
		rec.QueueLatency = time.Duration(queueMs * float64(time.Millisecond))
		rec.StackDuration = time.Duration(stackMs * float64(time.Millisecond))
		rec.FilterTime = time.Duration(filterMs * float64(time.Millisecond))
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Prune keeps only the newest keep frame rows.
func (s *Store) Prune(keep int) error {
	if keep <= 0 {
		return nil
	}
	_, err := s.DB.Exec(
		`DELETE FROM frames WHERE id NOT IN (SELECT id FROM frames ORDER BY id DESC LIMIT ?)`, keep)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}
