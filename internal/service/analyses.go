package service

import (
	"context"
	"fmt"

	"github.com/veilworks/veil/internal/analysis"
	"github.com/veilworks/veil/internal/chunk"
	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/store"
)

// StartAnalysis validates the request, splits the job's masked text into
// chunks for the chosen model, persists the analysis with its chunk rows,
// and enqueues the run. Validation failures are synchronous; the analysis
// never reaches processing.
func (s *Service) StartAnalysis(ctx context.Context, jobID, taskType, detailLevel, model string) (*store.Analysis, error) {
	job, err := s.store.GetJob(jobID)
	if err != nil {
		return nil, fmt.Errorf("processing job %s: %w", jobID, err)
	}
	task, err := analysis.TaskByName(taskType)
	if err != nil {
		return nil, err
	}
	detail, err := analysis.ParseDetail(detailLevel)
	if err != nil {
		return nil, err
	}
	if model == "" {
		model = s.cfg.LLM.DefaultModel
	}
	if err := llm.ValidateModel(model, s.llm.Configured()); err != nil {
		return nil, err
	}

	budget := llm.ChunkBudget(model)
	segments := chunk.Split(job.MaskedText, budget)
	if len(segments) == 0 {
		return nil, fmt.Errorf("job %s has no analyzable content", jobID)
	}

	chunks := make([]*store.Chunk, len(segments))
	for i, seg := range segments {
		if seg.Oversized(budget) {
			s.log.Warn("chunk.oversized",
				"job_id", jobID, "index", seg.Index, "chars", len(seg.Text), "budget", budget)
		}
		chunks[i] = &store.Chunk{
			Index:     seg.Index,
			StartChar: seg.StartChar,
			EndChar:   seg.EndChar,
			Content:   seg.Text,
		}
	}

	a := &store.Analysis{JobID: job.ID, TaskType: task.Name, DetailLevel: detail, Model: model}
	if err := s.store.CreateAnalysis(a, chunks); err != nil {
		return nil, err
	}
	if err := s.queue.EnqueueAnalysis(ctx, a.ID); err != nil {
		return nil, fmt.Errorf("enqueue analysis %s: %w", a.ID, err)
	}

	s.log.Info("analysis.created",
		"analysis_id", a.ID,
		"job_id", job.ID,
		"task", task.Name,
		"detail", detail,
		"model", model,
		"chunks", len(chunks))
	return a, nil
}

// ResumeAnalysis re-enqueues a partial or paused analysis. Completed chunks
// and their outputs are never touched; the worker targets only pending and
// failed chunks when it picks the run back up. A completed analysis is a
// no-op that returns the stored state unchanged.
func (s *Service) ResumeAnalysis(ctx context.Context, analysisID, newModel string, resetFailed bool) (*store.Analysis, error) {
	a, err := s.store.GetAnalysis(analysisID)
	if err != nil {
		return nil, err
	}

	switch a.Status {
	case store.StatusCompleted:
		return a, nil
	case store.StatusProcessing:
		return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, analysisID)
	case store.StatusPending, store.StatusPartial, store.StatusPaused:
		// Pending is allowed so a lost enqueue can be repaired; a duplicate
		// run no-ops on the status claim.
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotResumable, analysisID, a.Status)
	}

	if newModel != "" && newModel != a.Model {
		if err := llm.ValidateModel(newModel, s.llm.Configured()); err != nil {
			return nil, err
		}
		if err := s.store.SetAnalysisModel(analysisID, newModel); err != nil {
			return nil, err
		}
	}
	if resetFailed {
		n, err := s.store.ResetFailedChunks(analysisID)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			s.log.Info("analysis.chunks_reset", "analysis_id", analysisID, "count", n)
		}
	}
	if err := s.store.ClearCancel(analysisID); err != nil {
		return nil, err
	}
	if err := s.queue.EnqueueAnalysis(ctx, analysisID); err != nil {
		return nil, fmt.Errorf("enqueue analysis %s: %w", analysisID, err)
	}

	s.log.Info("analysis.resumed",
		"analysis_id", analysisID, "new_model", newModel, "reset_failed", resetFailed)
	return s.store.GetAnalysis(analysisID)
}

// CancelAnalysis asks a running or queued analysis to stop before its next
// chunk. Nothing mid-call is interrupted; completed chunks stay completed.
func (s *Service) CancelAnalysis(ctx context.Context, analysisID string) error {
	if err := s.store.RequestCancel(analysisID); err != nil {
		return err
	}
	s.log.Info("analysis.cancel_requested", "analysis_id", analysisID)
	return nil
}

// Analyses lists analyses for a processing job, newest first.
func (s *Service) Analyses(jobID string) ([]*store.Analysis, error) {
	return s.store.ListAnalyses(jobID)
}

// Analysis loads one analysis.
func (s *Service) Analysis(id string) (*store.Analysis, error) {
	return s.store.GetAnalysis(id)
}

// GetProgress derives the current snapshot for an analysis.
func (s *Service) GetProgress(ctx context.Context, analysisID string) (*store.Snapshot, error) {
	return s.store.Snapshot(analysisID)
}

// SubscribeProgress registers for pushed snapshots. The first element on the
// channel is the current state; cancel must be called when done.
func (s *Service) SubscribeProgress(ctx context.Context, analysisID string) (<-chan *store.Snapshot, func(), error) {
	return s.broker.Subscribe(analysisID)
}

// ProgressEvents returns journaled snapshots after a sequence number, oldest
// first, for catch-up before switching to the live stream.
func (s *Service) ProgressEvents(ctx context.Context, analysisID string, afterSeq int64, limit int) ([]store.Event, error) {
	return s.store.EventsAfter(analysisID, afterSeq, limit)
}
