package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/store"
)

// ErrBadOutput marks a model response that was empty or failed schema
// validation after cleaning.
var ErrBadOutput = errors.New("model output failed validation")

// Completer is the slice of the LLM client the runner needs.
type Completer interface {
	Complete(ctx context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// Publisher receives a notification whenever the runner changes analysis or
// chunk state. Publishing must never block the run.
type Publisher interface {
	Publish(analysisID string)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string) {}

// RunnerConfig carries runner construction options.
type RunnerConfig struct {
	// ChunkDelay is slept between consecutive chunk calls.
	ChunkDelay time.Duration
	Publisher  Publisher
	Logger     *slog.Logger
}

// Runner drives one analysis at a time through the refine chain: claim the
// job, process remaining chunks strictly in index order rebuilding refine
// context from persisted outputs, then consolidate. Chunks of one analysis
// are never parallelized; each depends on the synthesis of all before it.
type Runner struct {
	store      *store.Store
	client     Completer
	publisher  Publisher
	log        *slog.Logger
	chunkDelay time.Duration
}

func NewRunner(st *store.Store, client Completer, cfg RunnerConfig) *Runner {
	pub := cfg.Publisher
	if pub == nil {
		pub = noopPublisher{}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		store:      st,
		client:     client,
		publisher:  pub,
		log:        log,
		chunkDelay: cfg.ChunkDelay,
	}
}

// Run executes one analysis until it completes, parks, or fails. The claim
// is a compare-and-swap, so concurrent calls for the same id lose with
// store.ErrConflict and must not touch the job.
func (r *Runner) Run(ctx context.Context, analysisID string) error {
	if err := r.store.ClaimAnalysis(analysisID); err != nil {
		return err
	}
	r.publish(analysisID)

	a, err := r.store.GetAnalysis(analysisID)
	if err != nil {
		return err
	}
	task, err := TaskByName(a.TaskType)
	if err != nil {
		r.fail(analysisID, err.Error())
		return err
	}

	// Honour a cancel that arrived while the job was queued.
	if stopped, err := r.checkCancel(analysisID); stopped || err != nil {
		return err
	}

	remaining, err := r.store.RemainingChunks(analysisID)
	if err != nil {
		return err
	}
	r.log.Info("analysis.run.start",
		"analysis_id", analysisID,
		"task", a.TaskType,
		"model", a.Model,
		"remaining", len(remaining),
		"total", a.TotalChunks)

	for i, c := range remaining {
		if i > 0 && r.chunkDelay > 0 {
			if err := sleepCtx(ctx, r.chunkDelay); err != nil {
				return r.parkForShutdown(analysisID, err)
			}
		}
		if stopped, err := r.checkCancel(analysisID); stopped || err != nil {
			return err
		}

		outputs, err := r.store.CompletedOutputs(analysisID)
		if err != nil {
			return err
		}
		refineCtx := buildRefineContext(outputs)

		if err := r.store.MarkChunkProcessing(c.ID); err != nil {
			return err
		}
		r.publish(analysisID)

		start := time.Now()
		output, err := r.processChunk(ctx, a, task, c, refineCtx)
		elapsed := time.Since(start)

		if err != nil {
			if ctx.Err() != nil {
				// Shutdown mid-call: the chunk goes back to pending so the
				// next run reprocesses it from scratch.
				if rerr := r.store.ReleaseChunk(c.ID); rerr != nil {
					r.log.Error("analysis.release_chunk", "chunk_id", c.ID, "error", rerr)
				}
				return r.parkForShutdown(analysisID, ctx.Err())
			}
			if llm.IsRateLimit(err) {
				wait := llm.RateLimitWait(err)
				until := time.Now().Add(wait)
				if ferr := r.store.FailChunk(c.ID, store.ErrCodeRateLimit, errMsg(err), elapsed, wait); ferr != nil {
					return ferr
				}
				if perr := r.store.PauseAnalysis(analysisID, store.PauseReasonRateLimit, &until); perr != nil {
					return perr
				}
				r.log.Warn("analysis.rate_limited",
					"analysis_id", analysisID,
					"chunk", c.Index,
					"wait_s", int(wait.Seconds()))
				r.publish(analysisID)
				return nil
			}
			code := classifyError(err)
			if ferr := r.store.FailChunk(c.ID, code, errMsg(err), elapsed, 0); ferr != nil {
				return ferr
			}
			r.log.Warn("analysis.chunk_failed",
				"analysis_id", analysisID,
				"chunk", c.Index,
				"code", code,
				"error", err)
			r.publish(analysisID)
			continue
		}

		if cerr := r.store.CompleteChunk(c.ID, output, elapsed); cerr != nil {
			return cerr
		}
		r.log.Info("analysis.chunk_completed",
			"analysis_id", analysisID,
			"chunk", c.Index,
			"ms", elapsed.Milliseconds())
		r.publish(analysisID)
	}

	return r.finish(ctx, a, task)
}

// finish decides the terminal state after the chunk loop and runs the
// consolidation pass when every chunk completed.
func (r *Runner) finish(ctx context.Context, a *store.Analysis, task *Task) error {
	counts, err := r.store.ChunkCounts(a.ID)
	if err != nil {
		return err
	}
	avgMS, err := r.store.AvgCompletedChunkMS(a.ID)
	if err != nil {
		return err
	}

	if counts.Completed == 0 {
		r.fail(a.ID, "no chunks completed")
		return nil
	}
	if counts.Completed < counts.Total {
		msg := fmt.Sprintf("%d of %d chunks failed", counts.Failed, counts.Total)
		if counts.Failed == 0 {
			msg = fmt.Sprintf("%d of %d chunks unprocessed", counts.Total-counts.Completed, counts.Total)
		}
		if err := r.store.MarkPartial(a.ID, msg, avgMS); err != nil {
			return err
		}
		r.log.Warn("analysis.partial", "analysis_id", a.ID, "failed", counts.Failed, "total", counts.Total)
		r.publish(a.ID)
		return nil
	}

	outputs, err := r.store.CompletedOutputs(a.ID)
	if err != nil {
		return err
	}

	var final string
	if len(outputs) == 1 {
		// A single part needs no consolidation call.
		final = outputs[0]
	} else {
		final, err = r.consolidate(ctx, a, task, outputs)
		if err != nil {
			if ctx.Err() != nil {
				return r.parkForShutdown(a.ID, ctx.Err())
			}
			if llm.IsRateLimit(err) {
				wait := llm.RateLimitWait(err)
				until := time.Now().Add(wait)
				if perr := r.store.PauseAnalysis(a.ID, store.PauseReasonRateLimit, &until); perr != nil {
					return perr
				}
				r.log.Warn("analysis.consolidation_rate_limited",
					"analysis_id", a.ID,
					"wait_s", int(wait.Seconds()))
				r.publish(a.ID)
				return nil
			}
			r.fail(a.ID, fmt.Sprintf("consolidation failed: %v", errMsg(err)))
			return nil
		}
	}

	if err := r.store.CompleteAnalysis(a.ID, final, avgMS); err != nil {
		return err
	}
	r.log.Info("analysis.completed",
		"analysis_id", a.ID,
		"chunks", counts.Total,
		"avg_chunk_ms", avgMS)
	r.publish(a.ID)
	return nil
}

func (r *Runner) processChunk(ctx context.Context, a *store.Analysis, task *Task, c *store.Chunk, refineCtx string) (string, error) {
	prompt := chunkPrompt(task, a.DetailLevel, c.Content, refineCtx, c.Index+1, a.TotalChunks)
	resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Model:       a.Model,
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: task.Temperature(),
		MaxTokens:   llm.Lookup(a.Model).MaxOutputTokens,
		JSONMode:    task.JSON,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", ErrBadOutput)
	}
	if task.JSON {
		return validateStructured(task, text)
	}
	return text, nil
}

// validateStructured validates strictly first, then retries once against
// the fence-stripped outermost object.
func validateStructured(task *Task, text string) (string, error) {
	if err := ValidateJSONAgainstSchema(task.Schema, []byte(text)); err == nil {
		return text, nil
	}
	cleaned := extractJSONObject(text)
	if cleaned == "" {
		return "", fmt.Errorf("%w: response contains no JSON object", ErrBadOutput)
	}
	if err := ValidateJSONAgainstSchema(task.Schema, []byte(cleaned)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrBadOutput, err)
	}
	return cleaned, nil
}

func (r *Runner) consolidate(ctx context.Context, a *store.Analysis, task *Task, outputs []string) (string, error) {
	prompt := consolidationPrompt(task, a.DetailLevel, outputs)
	resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Model:       a.Model,
		System:      systemPrompt,
		Prompt:      prompt,
		Temperature: consolidationTemperature,
		MaxTokens:   llm.Lookup(a.Model).MaxOutputTokens,
		JSONMode:    task.JSON,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: empty consolidation response", ErrBadOutput)
	}
	if task.JSON {
		return validateStructured(task, text)
	}
	return text, nil
}

// checkCancel pauses the run when a cancel was requested. Returns stopped
// true after parking the job.
func (r *Runner) checkCancel(analysisID string) (bool, error) {
	cancelled, err := r.store.CancelRequested(analysisID)
	if err != nil {
		return false, err
	}
	if !cancelled {
		return false, nil
	}
	if err := r.store.PauseAnalysis(analysisID, store.PauseReasonCancelled, nil); err != nil {
		return false, err
	}
	if err := r.store.ClearCancel(analysisID); err != nil {
		return false, err
	}
	r.log.Info("analysis.cancelled", "analysis_id", analysisID)
	r.publish(analysisID)
	return true, nil
}

// parkForShutdown leaves the job resumable when the context dies mid-run.
func (r *Runner) parkForShutdown(analysisID string, cause error) error {
	if err := r.store.PauseAnalysis(analysisID, store.PauseReasonShutdown, nil); err != nil {
		r.log.Error("analysis.park_failed", "analysis_id", analysisID, "error", err)
	}
	r.publish(analysisID)
	return cause
}

func (r *Runner) fail(analysisID, msg string) {
	if err := r.store.FailAnalysis(analysisID, msg); err != nil {
		r.log.Error("analysis.fail_update", "analysis_id", analysisID, "error", err)
	}
	r.log.Error("analysis.failed", "analysis_id", analysisID, "error", msg)
	r.publish(analysisID)
}

func (r *Runner) publish(analysisID string) {
	r.publisher.Publish(analysisID)
}

// classifyError maps a chunk failure to its persisted error code. Content
// rejections and bad output are permanent; everything else is transient and
// a candidate for resume.
func classifyError(err error) string {
	if errors.Is(err, ErrBadOutput) {
		return store.ErrCodeBadOutput
	}
	var apiErr *llm.APIError
	if errors.As(err, &apiErr) &&
		apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		isContentRejection(apiErr.Message) {
		return store.ErrCodeRejected
	}
	return store.ErrCodeTransient
}

func isContentRejection(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "content policy") ||
		strings.Contains(m, "content_filter") ||
		strings.Contains(m, "content management policy") ||
		strings.Contains(m, "safety") ||
		strings.Contains(m, "refus")
}

func errMsg(err error) string {
	msg := err.Error()
	if len(msg) > 1000 {
		msg = msg[:1000]
	}
	return msg
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
