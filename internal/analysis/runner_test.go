package analysis

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/veilworks/veil/internal/db"
	"github.com/veilworks/veil/internal/llm"
	"github.com/veilworks/veil/internal/store"
)

type scriptedCompleter struct {
	mu      sync.Mutex
	calls   []llm.CompletionRequest
	handler func(call int, req *llm.CompletionRequest) (*llm.CompletionResponse, error)
}

func (s *scriptedCompleter) Complete(_ context.Context, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
	s.mu.Lock()
	n := len(s.calls)
	s.calls = append(s.calls, *req)
	s.mu.Unlock()
	return s.handler(n, req)
}

func (s *scriptedCompleter) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// promptsContaining returns how many recorded prompts include the substring.
func (s *scriptedCompleter) promptsContaining(sub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if strings.Contains(c.Prompt, sub) {
			n++
		}
	}
	return n
}

func setupRunnerTest(t *testing.T) *store.Store {
	t.Helper()
	conn, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.EnsureSchema(conn); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return store.New(conn, testLogger())
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedAnalysis(t *testing.T, st *store.Store, taskType string, contents []string) *store.Analysis {
	t.Helper()
	job := &store.ProcessingJob{ContentHash: "h", Mode: "tags", MaskedText: strings.Join(contents, "\n")}
	if err := st.CreateJob(job); err != nil {
		t.Fatalf("failed to create job: %v", err)
	}
	chunks := make([]*store.Chunk, len(contents))
	pos := 0
	for i, c := range contents {
		chunks[i] = &store.Chunk{Index: i, StartChar: pos, EndChar: pos + len(c), Content: c}
		pos += len(c) + 1
	}
	a := &store.Analysis{JobID: job.ID, TaskType: taskType, DetailLevel: DetailStandard, Model: "gpt-4o-mini"}
	if err := st.CreateAnalysis(a, chunks); err != nil {
		t.Fatalf("failed to create analysis: %v", err)
	}
	return a
}

func newTestRunner(st *store.Store, c Completer) *Runner {
	return NewRunner(st, c, RunnerConfig{Logger: testLogger()})
}

// TestRunCompletesAllChunks drives three chunks to completion and checks
// refine context flow and the consolidation pass.
func TestRunCompletesAllChunks(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"first part text", "second part text", "third part text"})

	fake := &scriptedCompleter{handler: func(_ int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		switch {
		case strings.Contains(req.Prompt, "Per-part results"):
			return &llm.CompletionResponse{Text: "consolidated report"}, nil
		case strings.Contains(req.Prompt, "first part text"):
			return &llm.CompletionResponse{Text: "notes on part one"}, nil
		case strings.Contains(req.Prompt, "second part text"):
			return &llm.CompletionResponse{Text: "notes on part two"}, nil
		default:
			return &llm.CompletionResponse{Text: "notes on part three"}, nil
		}
	}}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.FinalResult != "consolidated report" {
		t.Errorf("final result = %q", got.FinalResult)
	}
	if got.CompletedAt == nil {
		t.Error("completed_at not set")
	}

	// 3 chunk calls + 1 consolidation.
	if fake.callCount() != 4 {
		t.Errorf("llm calls = %d, want 4", fake.callCount())
	}

	// The second chunk's prompt must carry the first chunk's output as
	// refine context; the third must carry both.
	if n := fake.promptsContaining("notes on part one"); n < 3 {
		// chunk 2 prompt, chunk 3 prompt, consolidation prompt
		t.Errorf("part one output appeared in %d prompts, want 3", n)
	}
	if n := fake.promptsContaining("Part 2: notes on part two"); n != 1 {
		t.Errorf("consolidation header for part two appeared %d times, want 1", n)
	}

	chunks, _ := st.GetChunks(a.ID)
	for _, c := range chunks {
		if c.Status != store.StatusCompleted {
			t.Errorf("chunk %d status = %s, want completed", c.Index, c.Status)
		}
		if c.Output == "" {
			t.Errorf("chunk %d output not persisted", c.Index)
		}
	}
}

// TestRunRateLimitPausesJob exercises the three-chunk scenario: chunk one
// completes, chunk two hits a rate limit carrying a 30s wait, chunk three is
// never attempted, and the job parks with the computed resume time.
func TestRunRateLimitPausesJob(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"chunk one text", "chunk two text", "chunk three text"})

	fake := &scriptedCompleter{handler: func(_ int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.Prompt, "chunk two text") {
			return nil, &llm.APIError{Provider: "openai", StatusCode: 429,
				Message: "Rate limit reached. Please try again in 30s."}
		}
		return &llm.CompletionResponse{Text: "ok"}, nil
	}}

	before := time.Now()
	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if fake.callCount() != 2 {
		t.Errorf("llm calls = %d, want 2 (chunk three must not be attempted)", fake.callCount())
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusPaused {
		t.Fatalf("status = %s, want paused", got.Status)
	}
	if got.PauseReason != store.PauseReasonRateLimit {
		t.Errorf("pause reason = %q", got.PauseReason)
	}
	if !got.CanResume() {
		t.Error("paused analysis must be resumable")
	}
	if got.RateLimitWaitUntil == nil {
		t.Fatal("rate_limit_wait_until not set")
	}
	// 30s hint plus 5s grace.
	wait := got.RateLimitWaitUntil.Sub(before)
	if wait < 30*time.Second || wait > 40*time.Second {
		t.Errorf("wait until +%v, want about 35s", wait)
	}

	chunks, _ := st.GetChunks(a.ID)
	wantStatus := []string{store.StatusCompleted, store.StatusFailed, store.StatusPending}
	for i, c := range chunks {
		if c.Status != wantStatus[i] {
			t.Errorf("chunk %d status = %s, want %s", i, c.Status, wantStatus[i])
		}
	}
	if chunks[1].ErrorCode != store.ErrCodeRateLimit {
		t.Errorf("chunk 1 error code = %q, want RATE_LIMIT", chunks[1].ErrorCode)
	}
	if chunks[1].RateLimitDelayS != 35 {
		t.Errorf("chunk 1 rate limit delay = %ds, want 35", chunks[1].RateLimitDelayS)
	}

	snap, err := st.Snapshot(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	c := snap.Counts
	if c.Completed != 1 || c.Failed != 1 || c.Pending != 1 {
		t.Errorf("snapshot counts = %+v, want 1/1/1", c)
	}
	if snap.WaitSeconds <= 0 || snap.WaitSeconds > 36 {
		t.Errorf("snapshot wait = %ds, want about 35", snap.WaitSeconds)
	}
}

// TestRunTransientFailureContinues confirms one bad chunk does not block
// the rest and the job lands in partial.
func TestRunTransientFailureContinues(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"alpha text", "beta text", "gamma text"})

	fake := &scriptedCompleter{handler: func(_ int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.Prompt, "beta text") {
			return nil, &llm.APIError{Provider: "openai", StatusCode: 500, Message: "upstream error"}
		}
		return &llm.CompletionResponse{Text: "analyzed"}, nil
	}}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusPartial {
		t.Fatalf("status = %s, want partial", got.Status)
	}
	if !strings.Contains(got.ErrorMessage, "1 of 3 chunks failed") {
		t.Errorf("error message = %q", got.ErrorMessage)
	}
	if !got.CanResume() {
		t.Error("partial analysis must be resumable")
	}

	chunks, _ := st.GetChunks(a.ID)
	if chunks[1].Status != store.StatusFailed || chunks[1].ErrorCode != store.ErrCodeTransient {
		t.Errorf("chunk 1 = %s/%s, want failed/TRANSIENT", chunks[1].Status, chunks[1].ErrorCode)
	}
	if chunks[0].Status != store.StatusCompleted || chunks[2].Status != store.StatusCompleted {
		t.Error("chunks 0 and 2 should complete despite the failure")
	}
	// No consolidation call on a partial run: 3 chunk calls only.
	if fake.callCount() != 3 {
		t.Errorf("llm calls = %d, want 3", fake.callCount())
	}
}

// TestResumeSkipsCompletedChunks runs to a rate-limit pause, then resumes
// and verifies completed work is never reprocessed.
func TestResumeSkipsCompletedChunks(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"one text", "two text", "three text"})

	limitOnce := true
	fake := &scriptedCompleter{handler: func(_ int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.Prompt, "two text") && limitOnce {
			limitOnce = false
			return nil, &llm.APIError{Provider: "openai", StatusCode: 429, Message: "slow down"}
		}
		switch {
		case strings.Contains(req.Prompt, "Per-part results"):
			return &llm.CompletionResponse{Text: "merged"}, nil
		case strings.Contains(req.Prompt, "one text"):
			return &llm.CompletionResponse{Text: "result one"}, nil
		case strings.Contains(req.Prompt, "two text"):
			return &llm.CompletionResponse{Text: "result two"}, nil
		default:
			return &llm.CompletionResponse{Text: "result three"}, nil
		}
	}}
	runner := newTestRunner(st, fake)

	if err := runner.Run(context.Background(), a.ID); err != nil {
		t.Fatalf("first run: %v", err)
	}
	paused, _ := st.GetAnalysis(a.ID)
	if paused.Status != store.StatusPaused {
		t.Fatalf("after first run status = %s, want paused", paused.Status)
	}
	firstRunCalls := fake.callCount()

	if err := runner.Run(context.Background(), a.ID); err != nil {
		t.Fatalf("resume run: %v", err)
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("after resume status = %s, want completed", got.Status)
	}
	if got.FinalResult != "merged" {
		t.Errorf("final result = %q", got.FinalResult)
	}

	// Resume processed chunk two, chunk three, and consolidation only.
	if resumed := fake.callCount() - firstRunCalls; resumed != 3 {
		t.Errorf("resume made %d llm calls, want 3", resumed)
	}
	// Chunk one was analyzed exactly once across both runs.
	if n := fake.promptsContaining("## Document (part 1"); n != 1 {
		t.Errorf("chunk one processed %d times, want 1", n)
	}

	chunks, _ := st.GetChunks(a.ID)
	if chunks[0].Output != "result one" {
		t.Errorf("chunk 0 output changed: %q", chunks[0].Output)
	}
	// The failed chunk re-entered processing on resume, counting a retry.
	if chunks[1].RetryCount != 1 {
		t.Errorf("chunk 1 retry count = %d, want 1", chunks[1].RetryCount)
	}
}

// TestRunCancelBetweenChunks verifies the flag is honoured at the chunk
// boundary, never mid-call.
func TestRunCancelBetweenChunks(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"cancel one", "cancel two", "cancel three"})

	fake := &scriptedCompleter{}
	fake.handler = func(call int, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if call == 0 {
			// Request cancellation while the first chunk is in flight.
			if err := st.RequestCancel(a.ID); err != nil {
				t.Errorf("failed to request cancel: %v", err)
			}
		}
		return &llm.CompletionResponse{Text: "done"}, nil
	}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	if fake.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1 (stop before chunk two)", fake.callCount())
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusPaused || got.PauseReason != store.PauseReasonCancelled {
		t.Errorf("status = %s/%s, want paused/cancelled", got.Status, got.PauseReason)
	}
	if got.CancelRequested {
		t.Error("cancel flag should be cleared after honouring it")
	}

	chunks, _ := st.GetChunks(a.ID)
	if chunks[0].Status != store.StatusCompleted {
		t.Errorf("chunk 0 = %s, completed work must be preserved", chunks[0].Status)
	}
	if chunks[1].Status != store.StatusPending || chunks[2].Status != store.StatusPending {
		t.Error("later chunks should stay pending")
	}
}

// TestRunStructuredOutput validates the JSON task path including fence
// stripping and schema rejection.
func TestRunStructuredOutput(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "topic_map", []string{"structured text"})

	fenced := "```json\n{\"topics\":[{\"title\":\"Budget\",\"status\":\"pending\"}],\"key_points\":[\"cut costs\"]}\n```"
	fake := &scriptedCompleter{handler: func(_ int, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: fenced}, nil
	}}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	// Single chunk: the cleaned JSON becomes the final result directly.
	if !strings.HasPrefix(got.FinalResult, "{") || strings.Contains(got.FinalResult, "```") {
		t.Errorf("final result not cleaned: %q", got.FinalResult)
	}
	if fake.calls[0].JSONMode != true {
		t.Error("structured task should request JSON mode")
	}
}

// TestRunStructuredBadOutput marks schema violations as BAD_OUTPUT.
func TestRunStructuredBadOutput(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "timeline", []string{"bad json text"})

	fake := &scriptedCompleter{handler: func(_ int, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: `{"events":[{"description":"x","status":"not_a_valid_status"}]}`}, nil
	}}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run returned error: %v", err)
	}

	chunks, _ := st.GetChunks(a.ID)
	if chunks[0].Status != store.StatusFailed || chunks[0].ErrorCode != store.ErrCodeBadOutput {
		t.Errorf("chunk = %s/%s, want failed/BAD_OUTPUT", chunks[0].Status, chunks[0].ErrorCode)
	}
	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusFailed {
		// Zero completed chunks means the run cannot produce a result.
		t.Errorf("status = %s, want failed", got.Status)
	}
}

// TestRunStructuredConsolidation checks the merged output of a multi-part
// JSON task is requested in JSON mode and validated like any chunk result.
func TestRunStructuredConsolidation(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "topic_map", []string{"part one text", "part two text"})

	merged := "```json\n{\"topics\":[{\"title\":\"Roadmap\",\"status\":\"in_debate\"}]}\n```"
	fake := &scriptedCompleter{handler: func(_ int, req *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		if strings.Contains(req.Prompt, "Per-part results") {
			return &llm.CompletionResponse{Text: merged}, nil
		}
		return &llm.CompletionResponse{Text: `{"topics":[{"title":"Roadmap","status":"pending"}]}`}, nil
	}}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	got, _ := st.GetAnalysis(a.ID)
	if got.Status != store.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if strings.Contains(got.FinalResult, "```") || !strings.HasPrefix(got.FinalResult, "{") {
		t.Errorf("consolidated result not cleaned: %q", got.FinalResult)
	}
	if last := fake.calls[len(fake.calls)-1]; !last.JSONMode {
		t.Error("consolidation of a structured task should request JSON mode")
	}
}

// TestRunConflict verifies the claim CAS rejects a second concurrent run.
func TestRunConflict(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"conflict text"})

	if err := st.ClaimAnalysis(a.ID); err != nil {
		t.Fatal(err)
	}

	fake := &scriptedCompleter{handler: func(_ int, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: "x"}, nil
	}}
	err := newTestRunner(st, fake).Run(context.Background(), a.ID)
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second run error = %v, want ErrConflict", err)
	}
	if fake.callCount() != 0 {
		t.Error("losing run must not touch the LLM")
	}
}

// TestRunSingleChunkSkipsConsolidation checks the one-part shortcut.
func TestRunSingleChunkSkipsConsolidation(t *testing.T) {
	st := setupRunnerTest(t)
	a := seedAnalysis(t, st, "summary", []string{"only part"})

	fake := &scriptedCompleter{handler: func(_ int, _ *llm.CompletionRequest) (*llm.CompletionResponse, error) {
		return &llm.CompletionResponse{Text: "single result"}, nil
	}}

	if err := newTestRunner(st, fake).Run(context.Background(), a.ID); err != nil {
		t.Fatalf("run failed: %v", err)
	}

	if fake.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1", fake.callCount())
	}
	got, _ := st.GetAnalysis(a.ID)
	if got.FinalResult != "single result" {
		t.Errorf("final result = %q", got.FinalResult)
	}
}
