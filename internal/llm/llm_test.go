package llm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/veilworks/veil/internal/ratelimit"
)

type fakeProvider struct {
	name  string
	calls int
	fn    func(req *CompletionRequest) (*CompletionResponse, error)
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Complete(_ context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	f.calls++
	return f.fn(req)
}

func newTestClient(p Provider) *Client {
	return &Client{
		providers:  map[string]Provider{p.Name(): p},
		limiter:    ratelimit.NewLeakyBucketFromRPM(600000),
		cache:      newMemoryCache(),
		maxRetries: defaultMaxRetries,
		log:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// TestParseWaitHint verifies wait extraction from provider error text.
func TestParseWaitHint(t *testing.T) {
	d, ok := parseWaitHint("Rate limit reached for gpt-4o. Please try again in 12.5s.")
	if !ok {
		t.Fatal("expected hint to parse")
	}
	if d != 13*time.Second {
		t.Errorf("wait = %v, want 13s (rounded up)", d)
	}

	if _, ok := parseWaitHint("something went wrong"); ok {
		t.Error("expected no hint in unrelated message")
	}
}

// TestRateLimitWait covers the hint, header, and default paths.
func TestRateLimitWait(t *testing.T) {
	hinted := &APIError{StatusCode: 429, Message: "try again in 10s"}
	if got := RateLimitWait(hinted); got != 15*time.Second {
		t.Errorf("hinted wait = %v, want 15s", got)
	}

	headered := &APIError{StatusCode: 429, Message: "slow down", RetryAfter: 20 * time.Second}
	if got := RateLimitWait(headered); got != 25*time.Second {
		t.Errorf("header wait = %v, want 25s", got)
	}

	bare := &APIError{StatusCode: 429, Message: "too many requests"}
	if got := RateLimitWait(bare); got != DefaultRateLimitWait {
		t.Errorf("default wait = %v, want %v", got, DefaultRateLimitWait)
	}
}

// TestIsRateLimit checks classification by status code and by message text.
func TestIsRateLimit(t *testing.T) {
	if !IsRateLimit(&APIError{StatusCode: 429, Message: "too many requests"}) {
		t.Error("429 should classify as rate limit")
	}
	if !IsRateLimit(&APIError{StatusCode: 400, Message: "Rate limit reached for requests"}) {
		t.Error("rate limit message should classify even without 429")
	}
	if IsRateLimit(&APIError{StatusCode: 500, Message: "internal error"}) {
		t.Error("500 should not classify as rate limit")
	}
	if IsRateLimit(errors.New("connection refused")) {
		t.Error("transport error should not classify as rate limit")
	}
}

// TestIsRetryable checks the retry classification boundaries.
func TestIsRetryable(t *testing.T) {
	if !IsRetryable(&APIError{StatusCode: 500, Message: "server error"}) {
		t.Error("500 should be retryable")
	}
	if !IsRetryable(&APIError{StatusCode: 503, Message: "overloaded"}) {
		t.Error("503 should be retryable")
	}
	if IsRetryable(&APIError{StatusCode: 429, Message: "too many requests"}) {
		t.Error("429 must not enter the retry loop")
	}
	if IsRetryable(&APIError{StatusCode: 400, Message: "bad request"}) {
		t.Error("400 should not be retryable")
	}
	if !IsRetryable(errors.New("connection reset by peer")) {
		t.Error("transport failure should be retryable")
	}
	if IsRetryable(context.Canceled) {
		t.Error("context cancellation should not be retryable")
	}
}

// TestCalculateBackoff verifies the exponential growth stays inside the
// jitter envelope and respects the cap.
func TestCalculateBackoff(t *testing.T) {
	for i := 0; i < 50; i++ {
		b1 := calculateBackoff(1)
		if b1 < 3750*time.Millisecond || b1 > 6250*time.Millisecond {
			t.Fatalf("attempt 1 backoff %v outside [3.75s, 6.25s]", b1)
		}
		b3 := calculateBackoff(3)
		if b3 < 15*time.Second || b3 > 25*time.Second {
			t.Fatalf("attempt 3 backoff %v outside [15s, 25s]", b3)
		}
		b10 := calculateBackoff(10)
		if b10 > 37500*time.Millisecond {
			t.Fatalf("attempt 10 backoff %v exceeds capped envelope", b10)
		}
	}
}

// TestCacheKey confirms each request field participates in the key.
func TestCacheKey(t *testing.T) {
	base := &CompletionRequest{Model: "gpt-4o", System: "sys", Prompt: "text", Temperature: 0.3}
	variants := []*CompletionRequest{
		{Model: "gpt-4o-mini", System: "sys", Prompt: "text", Temperature: 0.3},
		{Model: "gpt-4o", System: "other", Prompt: "text", Temperature: 0.3},
		{Model: "gpt-4o", System: "sys", Prompt: "other", Temperature: 0.3},
		{Model: "gpt-4o", System: "sys", Prompt: "text", Temperature: 0.7},
		{Model: "gpt-4o", System: "sys", Prompt: "text", Temperature: 0.3, JSONMode: true},
	}
	baseKey := CacheKey(base)
	for i, v := range variants {
		if CacheKey(v) == baseKey {
			t.Errorf("variant %d produced the same cache key", i)
		}
	}
	if CacheKey(base) != baseKey {
		t.Error("cache key is not stable")
	}
}

// TestClientRateLimitSurfacesImmediately verifies 429 is returned on the
// first attempt without entering the backoff loop.
func TestClientRateLimitSurfacesImmediately(t *testing.T) {
	fake := &fakeProvider{name: ProviderOpenAI, fn: func(_ *CompletionRequest) (*CompletionResponse, error) {
		return nil, &APIError{Provider: ProviderOpenAI, StatusCode: 429, Message: "try again in 8s"}
	}}
	c := newTestClient(fake)

	_, err := c.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o", Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsRateLimit(err) {
		t.Fatalf("expected rate limit classification, got %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times, want 1", fake.calls)
	}
	if got := RateLimitWait(err); got != 13*time.Second {
		t.Errorf("wait = %v, want 13s", got)
	}
}

// TestClientPermanentErrorNoRetry verifies 4xx failures return without retry.
func TestClientPermanentErrorNoRetry(t *testing.T) {
	fake := &fakeProvider{name: ProviderOpenAI, fn: func(_ *CompletionRequest) (*CompletionResponse, error) {
		return nil, &APIError{Provider: ProviderOpenAI, StatusCode: 400, Message: "invalid request"}
	}}
	c := newTestClient(fake)

	_, err := c.Complete(context.Background(), &CompletionRequest{Model: "gpt-4o", Prompt: "hello"})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 400 {
		t.Fatalf("expected 400 APIError, got %v", err)
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times, want 1", fake.calls)
	}
}

// TestClientCacheHit verifies the second identical request is served from
// cache without touching the provider.
func TestClientCacheHit(t *testing.T) {
	fake := &fakeProvider{name: ProviderOpenAI, fn: func(req *CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Text: "result", Model: req.Model, InputTokens: 10, OutputTokens: 5}, nil
	}}
	c := newTestClient(fake)

	req := &CompletionRequest{Model: "gpt-4o", Prompt: "hello"}
	first, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if first.Cached {
		t.Error("first call should not be cached")
	}

	second, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if !second.Cached {
		t.Error("second call should be cached")
	}
	if second.Text != "result" {
		t.Errorf("cached text = %q, want %q", second.Text, "result")
	}
	if fake.calls != 1 {
		t.Errorf("provider called %d times, want 1", fake.calls)
	}

	usage := c.Usage()
	if usage.Calls != 1 || usage.CacheHits != 1 {
		t.Errorf("usage = %+v, want 1 call and 1 cache hit", usage)
	}
	if usage.InputTokens != 10 || usage.OutputTokens != 5 {
		t.Errorf("token usage = %+v", usage)
	}
}

// TestClientUnconfiguredProvider verifies routing to a missing provider
// fails with a clear error.
func TestClientUnconfiguredProvider(t *testing.T) {
	fake := &fakeProvider{name: ProviderOpenAI, fn: func(_ *CompletionRequest) (*CompletionResponse, error) {
		return &CompletionResponse{Text: "x"}, nil
	}}
	c := newTestClient(fake)

	_, err := c.Complete(context.Background(), &CompletionRequest{Model: "claude-3-haiku", Prompt: "hi"})
	if err == nil {
		t.Fatal("expected error for unconfigured provider")
	}
	if fake.calls != 0 {
		t.Errorf("provider called %d times, want 0", fake.calls)
	}
}

// TestProviderFor checks model-to-provider routing including unregistered
// dated variants.
func TestProviderFor(t *testing.T) {
	cases := map[string]string{
		"gpt-4o":                 ProviderOpenAI,
		"gpt-3.5-turbo":          ProviderOpenAI,
		"claude-3-haiku":         ProviderAnthropic,
		"claude-3-opus-20240229": ProviderAnthropic,
		"mystery-model":          ProviderOpenAI,
	}
	for model, want := range cases {
		if got := ProviderFor(model); got != want {
			t.Errorf("ProviderFor(%q) = %q, want %q", model, got, want)
		}
	}
}

// TestLookup checks exact, prefix, and default sizing resolution.
func TestLookup(t *testing.T) {
	if got := Lookup("gpt-3.5-turbo").ChunkBudget; got != 12_000 {
		t.Errorf("gpt-3.5-turbo budget = %d, want 12000", got)
	}
	if got := Lookup("claude-3-opus-20240229").ChunkBudget; got != 80_000 {
		t.Errorf("dated opus budget = %d, want 80000 via prefix", got)
	}
	if got := Lookup("gpt-4o-2024-08-06").ChunkBudget; got != 60_000 {
		t.Errorf("dated gpt-4o budget = %d, want 60000 via longest prefix", got)
	}
	info := Lookup("mystery-model")
	if info.ChunkBudget != DefaultChunkBudget || info.MaxOutputTokens != DefaultMaxOutputTokens {
		t.Errorf("unknown model sizing = %+v, want defaults", info)
	}
}

// TestValidateModel rejects models routed to providers without keys.
func TestValidateModel(t *testing.T) {
	onlyOpenAI := map[string]bool{ProviderOpenAI: true}
	if err := ValidateModel("gpt-4o", onlyOpenAI); err != nil {
		t.Errorf("gpt-4o should validate: %v", err)
	}
	if err := ValidateModel("claude-3-haiku", onlyOpenAI); err == nil {
		t.Error("claude model should fail without anthropic key")
	}
	if err := ValidateModel("", onlyOpenAI); err == nil {
		t.Error("empty model should fail")
	}
}
