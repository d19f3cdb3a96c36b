package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Analysis is one refine-chain run over a processing job's masked text.
type Analysis struct {
	ID                 string     `json:"id"`
	JobID              string     `json:"job_id"`
	TaskType           string     `json:"task_type"`
	DetailLevel        string     `json:"detail_level"`
	Model              string     `json:"model"`
	Status             string     `json:"status"`
	TotalChunks        int        `json:"total_chunks"`
	FinalResult        string     `json:"final_result,omitempty"`
	ErrorMessage       string     `json:"error_message,omitempty"`
	CancelRequested    bool       `json:"cancel_requested"`
	PauseReason        string     `json:"pause_reason,omitempty"`
	RateLimitWaitUntil *time.Time `json:"rate_limit_wait_until,omitempty"`
	AvgChunkMS         int64      `json:"avg_chunk_ms"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// CanResume reports whether a resume may target this analysis. Partial and
// paused runs are resumable; completed and failed are terminal.
func (a *Analysis) CanResume() bool {
	return a.Status == StatusPartial || a.Status == StatusPaused
}

// CreateAnalysis inserts an analysis and its chunk rows in one transaction.
// TotalChunks is set from the chunk slice.
func (s *Store) CreateAnalysis(a *Analysis, chunks []*Chunk) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now()
	}
	a.UpdatedAt = a.CreatedAt
	a.TotalChunks = len(chunks)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO analyses
			(id, job_id, task_type, detail_level, model, status, total_chunks,
			 created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.JobID, a.TaskType, a.DetailLevel, a.Model, a.Status,
		a.TotalChunks, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}

	for _, c := range chunks {
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.AnalysisID = a.ID
		if c.Status == "" {
			c.Status = StatusPending
		}
		_, err = tx.Exec(`
			INSERT INTO chunks
				(id, analysis_id, chunk_index, start_char, end_char, content, status)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.AnalysisID, c.Index, c.StartChar, c.EndChar, c.Content, c.Status)
		if err != nil {
			return fmt.Errorf("insert chunk %d: %w", c.Index, err)
		}
	}

	return tx.Commit()
}

// GetAnalysis loads one analysis by id.
func (s *Store) GetAnalysis(id string) (*Analysis, error) {
	row := s.db.QueryRow(analysisColumns+` WHERE id = ?`, id)
	a, err := scanAnalysis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return a, err
}

// ListAnalyses returns all analyses for a job, newest first.
func (s *Store) ListAnalyses(jobID string) ([]*Analysis, error) {
	rows, err := s.db.Query(analysisColumns+` WHERE job_id = ? ORDER BY created_at DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query analyses: %w", err)
	}
	defer rows.Close()

	var out []*Analysis
	for rows.Next() {
		a, err := scanAnalysis(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ClaimAnalysis atomically moves an analysis into processing. Only one
// caller can win; concurrent claims of the same id see ErrConflict. Pause
// fields are cleared so a resumed run starts clean.
func (s *Store) ClaimAnalysis(id string) error {
	res, err := s.db.Exec(`
		UPDATE analyses
		SET status = ?, pause_reason = NULL, rate_limit_wait_until = NULL,
		    started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		StatusProcessing, formatTime(now()), formatTime(now()),
		id, StatusPending, StatusPartial, StatusPaused)
	if err != nil {
		return fmt.Errorf("claim analysis: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.GetAnalysis(id); err != nil {
		return err
	}
	return ErrConflict
}

// SetAnalysisModel swaps the model used by subsequent chunk processing.
func (s *Store) SetAnalysisModel(id, model string) error {
	return s.updateAnalysis(id, `model = ?`, model)
}

// CompleteAnalysis records the consolidated result and marks the run done.
func (s *Store) CompleteAnalysis(id, finalResult string, avgChunkMS int64) error {
	return s.updateAnalysis(id,
		`status = ?, final_result = ?, avg_chunk_ms = ?, error_message = NULL,
		 pause_reason = NULL, rate_limit_wait_until = NULL, completed_at = ?`,
		StatusCompleted, finalResult, avgChunkMS, formatTime(now()))
}

// FailAnalysis marks the run unrecoverable.
func (s *Store) FailAnalysis(id, message string) error {
	return s.updateAnalysis(id,
		`status = ?, error_message = ?, completed_at = ?`,
		StatusFailed, message, formatTime(now()))
}

// MarkPartial records a run that finished with failed chunks left behind.
func (s *Store) MarkPartial(id, message string, avgChunkMS int64) error {
	return s.updateAnalysis(id,
		`status = ?, error_message = ?, avg_chunk_ms = ?`,
		StatusPartial, message, avgChunkMS)
}

// PauseAnalysis parks the run. waitUntil is set for rate-limit pauses so the
// resumer can wake the job, and nil for operator-requested pauses.
func (s *Store) PauseAnalysis(id, reason string, waitUntil *time.Time) error {
	return s.updateAnalysis(id,
		`status = ?, pause_reason = ?, rate_limit_wait_until = ?`,
		StatusPaused, reason, timeArg(waitUntil))
}

// RequestCancel flags a queued or running analysis to stop before its next
// chunk. The orchestrator observes the flag between chunks.
func (s *Store) RequestCancel(id string) error {
	res, err := s.db.Exec(`
		UPDATE analyses SET cancel_requested = 1, updated_at = ?
		WHERE id = ? AND status IN (?, ?)`,
		formatTime(now()), id, StatusPending, StatusProcessing)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		return nil
	}
	if _, err := s.GetAnalysis(id); err != nil {
		return err
	}
	return ErrConflict
}

// ClearCancel resets the cancellation flag, used when a resume restarts a
// previously cancelled run.
func (s *Store) ClearCancel(id string) error {
	return s.updateAnalysis(id, `cancel_requested = 0`)
}

// CancelRequested reads the current flag.
func (s *Store) CancelRequested(id string) (bool, error) {
	var v int
	err := s.db.QueryRow(`SELECT cancel_requested FROM analyses WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return v != 0, nil
}

// ExpiredPauses returns ids of rate-limit-paused analyses whose wait has
// elapsed. Timestamps are compared in Go because RFC3339Nano text drops
// trailing zeros and does not sort lexicographically.
func (s *Store) ExpiredPauses(cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT id, rate_limit_wait_until FROM analyses
		WHERE status = ? AND pause_reason = ? AND rate_limit_wait_until IS NOT NULL`,
		StatusPaused, PauseReasonRateLimit)
	if err != nil {
		return nil, fmt.Errorf("query paused analyses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id, until string
		if err := rows.Scan(&id, &until); err != nil {
			return nil, fmt.Errorf("scan paused analysis: %w", err)
		}
		if t := parseTime(until); !t.IsZero() && !t.After(cutoff) {
			out = append(out, id)
		}
	}
	return out, rows.Err()
}

// ShutdownPaused returns analyses parked by a graceful shutdown, so the
// engine can re-enqueue them on startup.
func (s *Store) ShutdownPaused() ([]string, error) {
	rows, err := s.db.Query(`SELECT id FROM analyses WHERE status = ? AND pause_reason = ?`,
		StatusPaused, PauseReasonShutdown)
	if err != nil {
		return nil, fmt.Errorf("query shutdown-paused analyses: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan analysis id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecoverStaleProcessing sweeps analyses stranded in processing by a crash
// or hard shutdown back to partial, and their in-flight chunks back to
// pending, so the claim CAS can pick them up again. Returns the recovered
// analysis ids. Called once at engine startup, before any worker runs.
func (s *Store) RecoverStaleProcessing() ([]string, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT id FROM analyses WHERE status = ?`, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("query stale analyses: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan analysis id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.Exec(`
		UPDATE chunks SET status = ?, started_at = NULL
		WHERE status = ? AND analysis_id IN
			(SELECT id FROM analyses WHERE status = ?)`,
		StatusPending, StatusProcessing, StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("recover chunks: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE analyses SET status = ?, error_message = ?, updated_at = ?
		WHERE status = ?`,
		StatusPartial, "run interrupted by restart", formatTime(now()), StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("recover analyses: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *Store) updateAnalysis(id, set string, args ...any) error {
	args = append(args, formatTime(now()), id)
	res, err := s.db.Exec(`UPDATE analyses SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update analysis: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const analysisColumns = `
	SELECT id, job_id, task_type, detail_level, model, status, total_chunks,
	       COALESCE(final_result, ''), COALESCE(error_message, ''),
	       cancel_requested, COALESCE(pause_reason, ''), rate_limit_wait_until,
	       avg_chunk_ms, started_at, completed_at, created_at, updated_at
	FROM analyses`

func scanAnalysis(r rowScanner) (*Analysis, error) {
	var (
		a         Analysis
		cancelled int
		waitUntil sql.NullString
		started   sql.NullString
		completed sql.NullString
		created   string
		updated   string
	)
	err := r.Scan(&a.ID, &a.JobID, &a.TaskType, &a.DetailLevel, &a.Model,
		&a.Status, &a.TotalChunks, &a.FinalResult, &a.ErrorMessage,
		&cancelled, &a.PauseReason, &waitUntil, &a.AvgChunkMS,
		&started, &completed, &created, &updated)
	if err != nil {
		return nil, err
	}
	a.CancelRequested = cancelled != 0
	a.RateLimitWaitUntil = nullableTime(waitUntil)
	a.StartedAt = nullableTime(started)
	a.CompletedAt = nullableTime(completed)
	a.CreatedAt = parseTime(created)
	a.UpdatedAt = parseTime(updated)
	return &a, nil
}
