// Package engine runs analyses on the task queue. It owns the worker pool,
// crash recovery at startup, and the resumer that wakes rate-limited
// analyses when their wait expires. Mutual exclusion per analysis comes from
// the store's status claim, not from the queue: a duplicate job is a cheap
// no-op.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Napageneral/taskengine/engine"
	"github.com/Napageneral/taskengine/queue"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/veilworks/veil/internal/analysis"
	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/progress"
	"github.com/veilworks/veil/internal/store"
)

const JobTypeAnalysis = "analysis"

const (
	defaultWorkerCount    = 4
	defaultPollInterval   = 2 * time.Second
	defaultResumeInterval = 5 * time.Second
)

// Config for the analysis engine.
type Config struct {
	WorkerCount    int
	ChunkDelay     time.Duration
	PollInterval   time.Duration // idle wait between queue drain passes
	ResumeInterval time.Duration // how often expired pauses are checked
}

// Engine wraps the taskengine with the refine-chain runner and recovery
// loops.
type Engine struct {
	db     *sql.DB
	store  *store.Store
	queue  *queue.Queue
	engine *engine.Engine
	runner *analysis.Runner
	log    *slog.Logger

	pollInterval   time.Duration
	resumeInterval time.Duration
}

// New initializes the queue schema and registers the analysis handler.
func New(sqlDB *sql.DB, st *store.Store, client *llm.Client, broker *progress.Broker, cfg Config, log *slog.Logger) (*Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := queue.Init(sqlDB); err != nil {
		return nil, fmt.Errorf("init queue schema: %w", err)
	}
	q := queue.New(sqlDB)

	engineCfg := engine.DefaultConfig()
	engineCfg.WorkerCount = cfg.WorkerCount
	if engineCfg.WorkerCount <= 0 {
		engineCfg.WorkerCount = defaultWorkerCount
	}
	engineCfg.LeaseOwner = "veil-engine"

	e := &Engine{
		db:             sqlDB,
		store:          st,
		queue:          q,
		engine:         engine.New(q, engineCfg),
		log:            log,
		pollInterval:   cfg.PollInterval,
		resumeInterval: cfg.ResumeInterval,
	}
	if e.pollInterval <= 0 {
		e.pollInterval = defaultPollInterval
	}
	if e.resumeInterval <= 0 {
		e.resumeInterval = defaultResumeInterval
	}

	e.runner = analysis.NewRunner(st, client, analysis.RunnerConfig{
		ChunkDelay: cfg.ChunkDelay,
		Publisher:  broker,
		Logger:     log,
	})
	e.engine.RegisterHandler(JobTypeAnalysis, e.handleAnalysis)
	return e, nil
}

type analysisPayload struct {
	AnalysisID string `json:"analysis_id"`
}

// EnqueueAnalysis queues one run of an analysis. Keys are unique per attempt
// so a resume can re-enqueue an analysis whose earlier job already finished.
func (e *Engine) EnqueueAnalysis(ctx context.Context, analysisID string) error {
	return e.queue.Enqueue(queue.EnqueueOptions{
		Type:    JobTypeAnalysis,
		Key:     fmt.Sprintf("analysis:%s:%s", analysisID, uuid.NewString()),
		Payload: analysisPayload{AnalysisID: analysisID},
	})
}

func (e *Engine) handleAnalysis(ctx context.Context, job *queue.Job) error {
	var payload analysisPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}

	err := e.runner.Run(ctx, payload.AnalysisID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrConflict):
		// Another worker holds the analysis, or it already finished.
		e.log.Debug("engine.claim_conflict", "analysis_id", payload.AnalysisID)
		return nil
	case errors.Is(err, store.ErrNotFound):
		e.log.Warn("engine.analysis_missing", "analysis_id", payload.AnalysisID)
		return nil
	default:
		return err
	}
}

// Recover sweeps work stranded by the previous process: analyses stuck in
// processing go back to a resumable state and are re-enqueued, as are
// analyses parked by a graceful shutdown. Call once before Run.
func (e *Engine) Recover(ctx context.Context) error {
	stale, err := e.store.RecoverStaleProcessing()
	if err != nil {
		return fmt.Errorf("recover stale analyses: %w", err)
	}
	parked, err := e.store.ShutdownPaused()
	if err != nil {
		return fmt.Errorf("list shutdown-paused analyses: %w", err)
	}

	requeued := 0
	for _, id := range append(stale, parked...) {
		if err := e.EnqueueAnalysis(ctx, id); err != nil {
			e.log.Warn("engine.requeue_failed", "analysis_id", id, "error", err)
			continue
		}
		requeued++
	}
	if len(stale) > 0 || len(parked) > 0 {
		e.log.Info("engine.recovered",
			"interrupted", len(stale), "shutdown_parked", len(parked), "requeued", requeued)
	}
	return nil
}

// ProcessQueue drains the queue once: workers run until no claimable job
// remains, then it returns. One-shot CLI commands use this directly.
func (e *Engine) ProcessQueue(ctx context.Context) error {
	stats, err := e.engine.Run(ctx)
	if err != nil {
		return err
	}
	e.log.Debug("engine.drained", "stats", stats)
	return nil
}

// Run is the daemon loop: recover, then alternate queue drains with idle
// waits while the resumer re-enqueues rate-limited analyses whose wait has
// expired. Returns when ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Recover(ctx); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.processLoop(ctx) })
	g.Go(func() error { return e.resumeLoop(ctx) })
	return g.Wait()
}

func (e *Engine) processLoop(ctx context.Context) error {
	for {
		if err := e.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
			e.log.Error("engine.process_queue", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Engine) resumeLoop(ctx context.Context) error {
	// An analysis stays in ExpiredPauses until a worker claims it, so
	// remember recent enqueues to avoid stacking duplicate jobs while the
	// queue is busy.
	recent := make(map[string]time.Time)

	ticker := time.NewTicker(e.resumeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := time.Now().UTC()
			ids, err := e.store.ExpiredPauses(now)
			if err != nil {
				e.log.Warn("engine.expired_pauses", "error", err)
				continue
			}
			for _, id := range ids {
				if at, ok := recent[id]; ok && now.Sub(at) < time.Minute {
					continue
				}
				if err := e.EnqueueAnalysis(ctx, id); err != nil {
					e.log.Warn("engine.auto_resume_failed", "analysis_id", id, "error", err)
					continue
				}
				recent[id] = now
				e.log.Info("analysis.auto_resumed", "analysis_id", id)
			}
			for id, at := range recent {
				if now.Sub(at) > 5*time.Minute {
					delete(recent, id)
				}
			}
		}
	}
}

// QueueStats returns current queue statistics.
func (e *Engine) QueueStats() (*queue.Stats, error) {
	return e.queue.GetStats()
}
