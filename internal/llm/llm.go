// Package llm provides a provider-agnostic chat completion client with
// retry, rate limiting, response caching, and usage accounting. Model names
// route to the OpenAI or Anthropic backend; both are normalized to the same
// request and response shapes so callers never branch on provider.
package llm

import "context"

// CompletionRequest is a single-turn completion call.
type CompletionRequest struct {
	Model       string
	System      string
	Prompt      string
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a JSON object response where supported.
	JSONMode bool
}

// CompletionResponse is the normalized result of a completion call.
type CompletionResponse struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	// Cached is true when the response was served from the local cache.
	Cached bool
}

// Provider executes completions against one backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}
