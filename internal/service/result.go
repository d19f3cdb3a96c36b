package service

import (
	"context"
	"fmt"

	"github.com/veilworks/veil/internal/pii"
	"github.com/veilworks/veil/internal/store"
	"github.com/veilworks/veil/internal/vault"
)

// AnalysisResult is the read model for a finished (or stopped) run. The
// stored final result stays pseudonymized; rehydration happens on the way
// out, never in place.
type AnalysisResult struct {
	AnalysisID     string `json:"analysis_id"`
	JobID          string `json:"job_id"`
	TaskType       string `json:"task_type"`
	Status         string `json:"status"`
	FinalResult    string `json:"final_result,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	Mode           string `json:"mode"`
	CanDeanonymize bool   `json:"can_deanonymize"`
}

// GetResult returns the analysis outcome. With deanonymize set, the final
// result is rehydrated through the vault; on a masking-mode job that is an
// error, not a silently pseudonymized answer.
func (s *Service) GetResult(ctx context.Context, analysisID string, deanonymize bool) (*AnalysisResult, error) {
	a, err := s.store.GetAnalysis(analysisID)
	if err != nil {
		return nil, err
	}
	job, err := s.store.GetJob(a.JobID)
	if err != nil {
		return nil, err
	}

	out := &AnalysisResult{
		AnalysisID:     a.ID,
		JobID:          job.ID,
		TaskType:       a.TaskType,
		Status:         a.Status,
		FinalResult:    a.FinalResult,
		ErrorMessage:   a.ErrorMessage,
		Mode:           job.Mode,
		CanDeanonymize: pii.Mode(job.Mode).Reversible(),
	}
	if deanonymize {
		v, err := s.loadVault(job)
		if err != nil {
			return nil, err
		}
		out.FinalResult = v.BulkResolve(out.FinalResult)
	}
	return out, nil
}

// Deanonymize rehydrates the stored final result of an analysis.
func (s *Service) Deanonymize(ctx context.Context, analysisID string) (string, error) {
	a, err := s.store.GetAnalysis(analysisID)
	if err != nil {
		return "", err
	}
	if a.FinalResult == "" {
		return "", fmt.Errorf("analysis %s has no final result (status %s)", analysisID, a.Status)
	}
	job, err := s.store.GetJob(a.JobID)
	if err != nil {
		return "", err
	}
	v, err := s.loadVault(job)
	if err != nil {
		return "", err
	}
	return v.BulkResolve(a.FinalResult), nil
}

// DeanonymizeText rehydrates caller-supplied text against a job's vault, for
// chunk outputs or excerpts copied out of a report.
func (s *Service) DeanonymizeText(ctx context.Context, jobID, text string) (string, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return "", err
	}
	v, err := s.loadVault(job)
	if err != nil {
		return "", err
	}
	return v.BulkResolve(text), nil
}

// VaultInfo returns vault metadata for a job. Token mappings themselves are
// never exposed through the service surface.
func (s *Service) VaultInfo(ctx context.Context, jobID string) (vault.Info, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return vault.Info{}, err
	}
	v, err := s.loadVault(job)
	if err != nil {
		return vault.Info{}, err
	}
	return v.Info(), nil
}

func (s *Service) loadVault(job *store.ProcessingJob) (*vault.Vault, error) {
	if !pii.Mode(job.Mode).Reversible() {
		return nil, fmt.Errorf("job %s: %w", job.ID, vault.ErrIrreversibleMode)
	}
	v, err := vault.Load(s.store.DB(), job.ID)
	if err != nil {
		return nil, fmt.Errorf("load vault for job %s: %w", job.ID, err)
	}
	return v, nil
}
