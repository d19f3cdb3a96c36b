// Package service is the operational surface of the engine: everything the
// CLI, the HTTP API, and the watcher do goes through a Service method. It
// composes the pseudonymizer, vault, chunker, store, and queue; it never
// calls the LLM itself, that happens on a worker after EnqueueAnalysis.
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/veilworks/veil/internal/analysis"
	"github.com/veilworks/veil/internal/config"
	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/pii"
	"github.com/veilworks/veil/internal/progress"
	"github.com/veilworks/veil/internal/store"
	"github.com/veilworks/veil/internal/vault"
)

var (
	// ErrEmptyText rejects a submission with nothing to analyze.
	ErrEmptyText = errors.New("transcript text is empty")
	// ErrAlreadyRunning rejects a resume while a worker holds the analysis.
	ErrAlreadyRunning = errors.New("analysis is already running")
	// ErrNotResumable rejects a resume of a terminal analysis.
	ErrNotResumable = errors.New("analysis is not resumable")
)

// Enqueuer hands an analysis to the worker engine. Enqueueing the same
// analysis twice must be harmless.
type Enqueuer interface {
	EnqueueAnalysis(ctx context.Context, analysisID string) error
}

type Service struct {
	cfg    *config.Config
	store  *store.Store
	llm    *llm.Client
	broker *progress.Broker
	queue  Enqueuer
	log    *slog.Logger
}

func New(cfg *config.Config, st *store.Store, client *llm.Client, broker *progress.Broker, queue Enqueuer, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{cfg: cfg, store: st, llm: client, broker: broker, queue: queue, log: log}
}

// SubmitOptions carries submission metadata beyond the text itself.
type SubmitOptions struct {
	Owner    string
	Filename string
}

// SubmitProcessingJob pseudonymizes raw text and persists the job, plus a
// vault when the mode is reversible. Resubmitting identical text in the same
// mode returns the existing job instead of masking it again.
func (s *Service) SubmitProcessingJob(ctx context.Context, rawText, mode string, opts SubmitOptions) (*store.ProcessingJob, error) {
	m, err := pii.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(rawText) == "" {
		return nil, ErrEmptyText
	}

	hash := contentHash(rawText)
	existing, err := s.store.FindJobByHash(hash)
	switch {
	case err == nil:
		if existing.Mode == string(m) {
			s.log.Info("job.deduplicated", "job_id", existing.ID, "filename", opts.Filename)
			return existing, nil
		}
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	p, err := pii.New(m, s.piiOptions())
	if err != nil {
		return nil, err
	}
	res, err := p.Process(rawText)
	if err != nil {
		return nil, fmt.Errorf("pseudonymize: %w", err)
	}

	job := &store.ProcessingJob{
		Owner:           opts.Owner,
		Filename:        opts.Filename,
		ContentHash:     hash,
		Mode:            string(m),
		TotalMessages:   res.TotalMessages,
		MessagesWithPII: res.MessagesWithPII,
		TotalEntities:   res.TotalEntities,
		PIISummary:      res.Summary,
		MaskedText:      res.MaskedText,
	}
	if err := s.store.CreateJob(job); err != nil {
		return nil, err
	}

	if m.Reversible() {
		v := vault.Build(uuid.NewString(), job.ID, res.Mappings, p.FakerSeed())
		if err := v.Save(s.store.DB()); err != nil {
			return nil, fmt.Errorf("save vault: %w", err)
		}
	}

	s.log.Info("job.submitted",
		"job_id", job.ID,
		"mode", job.Mode,
		"messages", res.TotalMessages,
		"entities", res.TotalEntities)
	return job, nil
}

// Jobs lists active processing jobs, newest first.
func (s *Service) Jobs() ([]*store.ProcessingJob, error) { return s.store.ListJobs() }

// Job loads one processing job.
func (s *Service) Job(id string) (*store.ProcessingJob, error) { return s.store.GetJob(id) }

// Modes lists supported pseudonymization modes.
func (s *Service) Modes() []pii.ModeInfo { return pii.Modes() }

// Models lists models whose provider has an API key configured.
func (s *Service) Models() []llm.ModelInfo { return s.llm.AvailableModels() }

// Tasks lists the analysis task registry.
func (s *Service) Tasks() []analysis.Task { return analysis.Tasks() }

// Usage reports cumulative LLM usage for this process.
func (s *Service) Usage() llm.UsageStats { return s.llm.Usage() }

func (s *Service) piiOptions() pii.Options {
	opts := pii.Options{AllowList: s.cfg.PII.AllowList}
	for _, cp := range s.cfg.PII.CustomPatterns {
		opts.CustomPatterns = append(opts.CustomPatterns, pii.PatternSpec{Type: cp.Type, Regex: cp.Regex})
	}
	return opts
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
