package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Chunk is one segment of an analysis, processed strictly in index order.
// Chunks are never deleted; completed chunks and their outputs survive every
// resume so refine context can be rebuilt from persisted state.
type Chunk struct {
	ID              string     `json:"id"`
	AnalysisID      string     `json:"analysis_id"`
	Index           int        `json:"index"`
	StartChar       int        `json:"start_char"`
	EndChar         int        `json:"end_char"`
	Content         string     `json:"-"`
	Status          string     `json:"status"`
	Output          string     `json:"output,omitempty"`
	RetryCount      int        `json:"retry_count"`
	ErrorCode       string     `json:"error_code,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	ProcessingMS    int64      `json:"processing_ms"`
	RateLimitDelayS int        `json:"rate_limit_delay_s,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// GetChunks returns every chunk of an analysis ordered by index.
func (s *Store) GetChunks(analysisID string) ([]*Chunk, error) {
	return s.queryChunks(chunkColumns+` WHERE analysis_id = ? ORDER BY chunk_index`, analysisID)
}

// RemainingChunks returns the chunks a run must still process, in index
// order: everything pending or failed. Completed chunks are never returned.
func (s *Store) RemainingChunks(analysisID string) ([]*Chunk, error) {
	return s.queryChunks(
		chunkColumns+` WHERE analysis_id = ? AND status IN (?, ?) ORDER BY chunk_index`,
		analysisID, StatusPending, StatusFailed)
}

// CompletedOutputs returns outputs of completed chunks in index order, the
// raw material for refine context and consolidation.
func (s *Store) CompletedOutputs(analysisID string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT COALESCE(output, '') FROM chunks
		WHERE analysis_id = ? AND status = ?
		ORDER BY chunk_index`, analysisID, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("query chunk outputs: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, fmt.Errorf("scan chunk output: %w", err)
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// MarkChunkProcessing transitions a chunk into processing. Reprocessing a
// previously failed chunk counts as a retry.
func (s *Store) MarkChunkProcessing(id string) error {
	res, err := s.db.Exec(`
		UPDATE chunks
		SET retry_count = retry_count + (CASE WHEN status = ? THEN 1 ELSE 0 END),
		    status = ?, error_code = NULL, error_message = NULL, started_at = ?
		WHERE id = ?`,
		StatusFailed, StatusProcessing, formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("mark chunk processing: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteChunk stores the output and marks the chunk done.
func (s *Store) CompleteChunk(id, output string, elapsed time.Duration) error {
	res, err := s.db.Exec(`
		UPDATE chunks
		SET status = ?, output = ?, processing_ms = ?, completed_at = ?,
		    error_code = NULL, error_message = NULL
		WHERE id = ?`,
		StatusCompleted, output, elapsed.Milliseconds(), formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("complete chunk: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailChunk records a classified failure. rateLimitDelay is the provider
// wait for RATE_LIMIT failures, zero otherwise.
func (s *Store) FailChunk(id, code, message string, elapsed time.Duration, rateLimitDelay time.Duration) error {
	res, err := s.db.Exec(`
		UPDATE chunks
		SET status = ?, error_code = ?, error_message = ?, processing_ms = ?,
		    rate_limit_delay_s = ?, completed_at = ?
		WHERE id = ?`,
		StatusFailed, code, message, elapsed.Milliseconds(),
		int(rateLimitDelay.Seconds()), formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("fail chunk: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ReleaseChunk returns an in-flight chunk to pending, used when a run stops
// between claim and completion (cancellation observed mid-loop).
func (s *Store) ReleaseChunk(id string) error {
	res, err := s.db.Exec(`
		UPDATE chunks SET status = ?, started_at = NULL WHERE id = ? AND status = ?`,
		StatusPending, id, StatusProcessing)
	if err != nil {
		return fmt.Errorf("release chunk: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetFailedChunks flips failed chunks back to pending ahead of a resume,
// clearing error fields and counting the retry.
func (s *Store) ResetFailedChunks(analysisID string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE chunks
		SET status = ?, error_code = NULL, error_message = NULL,
		    retry_count = retry_count + 1
		WHERE analysis_id = ? AND status = ?`,
		StatusPending, analysisID, StatusFailed)
	if err != nil {
		return 0, fmt.Errorf("reset failed chunks: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Counts aggregates chunk statuses for one analysis.
type Counts struct {
	Total      int `json:"total"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Processing int `json:"processing"`
	Pending    int `json:"pending"`
}

// ChunkCounts tallies chunk statuses in one query.
func (s *Store) ChunkCounts(analysisID string) (Counts, error) {
	rows, err := s.db.Query(`
		SELECT status, COUNT(*) FROM chunks WHERE analysis_id = ? GROUP BY status`,
		analysisID)
	if err != nil {
		return Counts{}, fmt.Errorf("count chunks: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan chunk count: %w", err)
		}
		switch status {
		case StatusCompleted:
			c.Completed = n
		case StatusFailed:
			c.Failed = n
		case StatusProcessing:
			c.Processing = n
		case StatusPending:
			c.Pending = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

// AvgCompletedChunkMS returns the mean processing time of completed chunks,
// zero when none have completed.
func (s *Store) AvgCompletedChunkMS(analysisID string) (int64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT AVG(processing_ms) FROM chunks
		WHERE analysis_id = ? AND status = ?`, analysisID, StatusCompleted).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("average chunk time: %w", err)
	}
	if !avg.Valid {
		return 0, nil
	}
	return int64(avg.Float64), nil
}

const chunkColumns = `
	SELECT id, analysis_id, chunk_index, start_char, end_char, content, status,
	       COALESCE(output, ''), retry_count, COALESCE(error_code, ''),
	       COALESCE(error_message, ''), processing_ms, rate_limit_delay_s,
	       started_at, completed_at
	FROM chunks`

func (s *Store) queryChunks(query string, args ...any) ([]*Chunk, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(r rowScanner) (*Chunk, error) {
	var (
		c         Chunk
		started   sql.NullString
		completed sql.NullString
	)
	err := r.Scan(&c.ID, &c.AnalysisID, &c.Index, &c.StartChar, &c.EndChar,
		&c.Content, &c.Status, &c.Output, &c.RetryCount, &c.ErrorCode,
		&c.ErrorMessage, &c.ProcessingMS, &c.RateLimitDelayS,
		&started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	c.StartedAt = nullableTime(started)
	c.CompletedAt = nullableTime(completed)
	return &c, nil
}
