// Package store persists processing jobs, analyses, chunks, and progress
// events in SQLite, and owns every status transition in the job state
// machine. All timestamps are stored as RFC3339Nano UTC text.
package store

import (
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// Analysis and chunk statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	// Analysis-only statuses. A partial run finished with a mix of completed
	// and failed chunks; a paused run is waiting on a rate limit window or an
	// operator resume.
	StatusPartial = "partial"
	StatusPaused  = "paused"
)

// Chunk error codes recorded on failure.
const (
	ErrCodeRateLimit = "RATE_LIMIT"
	ErrCodeTransient = "TRANSIENT"
	ErrCodeBadOutput = "BAD_OUTPUT"
	ErrCodeRejected  = "REJECTED"
)

// Pause reasons recorded on the analysis row.
const (
	PauseReasonRateLimit = "rate_limit"
	PauseReasonCancelled = "cancelled"
	PauseReasonShutdown  = "shutdown"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a compare-and-swap transition loses to a
	// concurrent caller.
	ErrConflict = errors.New("record in conflicting state")
)

// Store wraps the SQLite handle with typed accessors.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

func New(db *sql.DB, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, log: log}
}

// DB exposes the underlying handle for components that share the database,
// such as the task queue.
func (s *Store) DB() *sql.DB { return s.db }

func now() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// nullableTime converts an optional timestamp column.
func nullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeArg(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}
