package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProcessingJob is a pseudonymized document ready for analysis.
type ProcessingJob struct {
	ID              string         `json:"id"`
	Owner           string         `json:"owner,omitempty"`
	Filename        string         `json:"filename,omitempty"`
	ContentHash     string         `json:"content_hash"`
	Mode            string         `json:"mode"`
	TotalMessages   int            `json:"total_messages"`
	MessagesWithPII int            `json:"messages_with_pii"`
	TotalEntities   int            `json:"total_entities"`
	PIISummary      map[string]int `json:"pii_summary"`
	MaskedText      string         `json:"-"`
	IsActive        bool           `json:"is_active"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CreateJob inserts a job, assigning an id and timestamps when unset.
func (s *Store) CreateJob(job *ProcessingJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now()
	}
	job.UpdatedAt = job.CreatedAt
	job.IsActive = true

	summary, err := json.Marshal(job.PIISummary)
	if err != nil {
		return fmt.Errorf("marshal pii summary: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO processing_jobs
			(id, owner, filename, content_hash, mode, total_messages,
			 messages_with_pii, total_entities, pii_summary, masked_text,
			 is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		job.ID, job.Owner, job.Filename, job.ContentHash, job.Mode,
		job.TotalMessages, job.MessagesWithPII, job.TotalEntities,
		string(summary), job.MaskedText,
		formatTime(job.CreatedAt), formatTime(job.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert processing job: %w", err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(id string) (*ProcessingJob, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, filename, content_hash, mode, total_messages,
		       messages_with_pii, total_entities, pii_summary, masked_text,
		       is_active, created_at, updated_at
		FROM processing_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// ListJobs returns active jobs, newest first.
func (s *Store) ListJobs() ([]*ProcessingJob, error) {
	rows, err := s.db.Query(`
		SELECT id, owner, filename, content_hash, mode, total_messages,
		       messages_with_pii, total_entities, pii_summary, masked_text,
		       is_active, created_at, updated_at
		FROM processing_jobs
		WHERE is_active = 1
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query processing jobs: %w", err)
	}
	defer rows.Close()

	var out []*ProcessingJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// FindJobByHash returns the most recent active job with the given content
// hash, or ErrNotFound. Used to deduplicate repeated submissions of the
// same document.
func (s *Store) FindJobByHash(contentHash string) (*ProcessingJob, error) {
	row := s.db.QueryRow(`
		SELECT id, owner, filename, content_hash, mode, total_messages,
		       messages_with_pii, total_entities, pii_summary, masked_text,
		       is_active, created_at, updated_at
		FROM processing_jobs
		WHERE content_hash = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1`, contentHash)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

// DeactivateJob soft-deletes a job. The row and its vault stay on disk so a
// later audit can still resolve tokens, but listings skip it.
func (s *Store) DeactivateJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE processing_jobs SET is_active = 0, updated_at = ? WHERE id = ?`,
		formatTime(now()), id)
	if err != nil {
		return fmt.Errorf("deactivate job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*ProcessingJob, error) {
	var (
		job      ProcessingJob
		summary  string
		isActive int
		created  string
		updated  string
	)
	err := r.Scan(&job.ID, &job.Owner, &job.Filename, &job.ContentHash,
		&job.Mode, &job.TotalMessages, &job.MessagesWithPII, &job.TotalEntities,
		&summary, &job.MaskedText, &isActive, &created, &updated)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(summary), &job.PIISummary); err != nil {
		return nil, fmt.Errorf("decode pii summary: %w", err)
	}
	job.IsActive = isActive != 0
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return &job, nil
}
