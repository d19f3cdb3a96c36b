package store

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Snapshot is a derived view of analysis progress. It is recomputed from the
// analysis and chunk rows on demand, never mutated in place, so every
// consumer sees a consistent point-in-time picture.
type Snapshot struct {
	AnalysisID   string    `json:"analysis_id"`
	JobID        string    `json:"job_id"`
	TaskType     string    `json:"task_type"`
	Model        string    `json:"model"`
	Status       string    `json:"status"`
	Counts       Counts    `json:"counts"`
	Percent      float64   `json:"percent"`
	EtaSeconds   int64     `json:"eta_seconds"`
	WaitSeconds  int64     `json:"rate_limit_wait_s,omitempty"`
	PauseReason  string    `json:"pause_reason,omitempty"`
	CanResume    bool      `json:"can_resume"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Snapshot computes the current progress view for an analysis.
func (s *Store) Snapshot(analysisID string) (*Snapshot, error) {
	a, err := s.GetAnalysis(analysisID)
	if err != nil {
		return nil, err
	}
	counts, err := s.ChunkCounts(analysisID)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{
		AnalysisID:   a.ID,
		JobID:        a.JobID,
		TaskType:     a.TaskType,
		Model:        a.Model,
		Status:       a.Status,
		Counts:       counts,
		CanResume:    a.CanResume(),
		PauseReason:  a.PauseReason,
		ErrorMessage: a.ErrorMessage,
		Timestamp:    now(),
	}

	if counts.Total > 0 {
		snap.Percent = math.Round(float64(counts.Completed)/float64(counts.Total)*1000) / 10
	}

	// ETA: mean completed-chunk duration times the chunks a forward run
	// still has ahead of it.
	remaining := counts.Pending + counts.Processing
	if remaining > 0 && counts.Completed > 0 {
		avgMS, err := s.AvgCompletedChunkMS(analysisID)
		if err != nil {
			return nil, err
		}
		snap.EtaSeconds = int64(math.Ceil(float64(avgMS) * float64(remaining) / 1000))
	}

	if a.Status == StatusPaused && a.RateLimitWaitUntil != nil {
		if wait := time.Until(*a.RateLimitWaitUntil); wait > 0 {
			snap.WaitSeconds = int64(math.Ceil(wait.Seconds()))
		}
	}

	return snap, nil
}

// Event is one journaled snapshot.
type Event struct {
	Seq        int64     `json:"seq"`
	AnalysisID string    `json:"analysis_id"`
	Snapshot   *Snapshot `json:"snapshot"`
	CreatedAt  time.Time `json:"created_at"`
}

// AppendEvent journals a snapshot so late subscribers and reconnecting
// clients can catch up by sequence number.
func (s *Store) AppendEvent(snap *Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO progress_events (analysis_id, snapshot_json, created_at)
		VALUES (?, ?, ?)`,
		snap.AnalysisID, string(raw), formatTime(now()))
	if err != nil {
		return fmt.Errorf("append progress event: %w", err)
	}
	return nil
}

// EventsAfter returns journaled events with seq greater than afterSeq, in
// order, capped at limit.
func (s *Store) EventsAfter(analysisID string, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT seq, analysis_id, snapshot_json, created_at
		FROM progress_events
		WHERE analysis_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`,
		analysisID, afterSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("query progress events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev      Event
			raw     string
			created string
		)
		if err := rows.Scan(&ev.Seq, &ev.AnalysisID, &raw, &created); err != nil {
			return nil, fmt.Errorf("scan progress event: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &ev.Snapshot); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		ev.CreatedAt = parseTime(created)
		out = append(out, ev)
	}
	return out, rows.Err()
}
