package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/veilworks/veil/internal/ratelimit"
)

const (
	defaultTimeout = 120 * time.Second
	defaultRPM     = 60

	// Transient failures retry with exponential backoff. Rate limits do not
	// enter this loop; see IsRetryable.
	defaultMaxRetries = 3
	initialBackoff    = 5 * time.Second
	maxBackoff        = 30 * time.Second

	// HTTP transport tuning for connection reuse across chunk calls.
	maxIdleConns        = 100
	maxIdleConnsPerHost = 10
	idleConnTimeout     = 90 * time.Second
)

// Config carries client construction options. A provider is enabled when its
// API key is set.
type Config struct {
	OpenAIKey      string
	AnthropicKey   string
	OpenAIBaseURL  string
	RequestTimeout time.Duration
	RPM            int
	MaxRetries     int // retries per call for transient failures, 0 = default
	CachePath      string
	Logger         *slog.Logger
}

// UsageStats accumulates token and call counts across the client lifetime.
type UsageStats struct {
	Calls        int   `json:"calls"`
	CacheHits    int   `json:"cache_hits"`
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Client routes completion requests to the right provider with rate
// limiting, transient-failure retry, and response caching.
type Client struct {
	providers  map[string]Provider
	limiter    *ratelimit.LeakyBucket
	cache      ResponseCache
	maxRetries int
	log        *slog.Logger

	usageMu sync.Mutex
	usage   UsageStats
}

// NewClient builds a client from config. At least one provider key must be
// set. A cache path enables the persistent response cache; without one an
// in-memory cache is used.
func NewClient(cfg Config) (*Client, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        maxIdleConns,
			MaxIdleConnsPerHost: maxIdleConnsPerHost,
			IdleConnTimeout:     idleConnTimeout,
		},
	}

	providers := make(map[string]Provider)
	if cfg.OpenAIKey != "" {
		providers[ProviderOpenAI] = NewOpenAIProvider(cfg.OpenAIKey, cfg.OpenAIBaseURL, httpClient, log)
	}
	if cfg.AnthropicKey != "" {
		providers[ProviderAnthropic] = NewAnthropicProvider(cfg.AnthropicKey, httpClient, log)
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set OPENAI_API_KEY or ANTHROPIC_API_KEY")
	}

	var cache ResponseCache
	if cfg.CachePath != "" {
		c, err := newBoltCache(cfg.CachePath, log)
		if err != nil {
			return nil, err
		}
		cache = c
	} else {
		cache = newMemoryCache()
	}

	rpm := cfg.RPM
	if rpm <= 0 {
		rpm = defaultRPM
	}
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}

	return &Client{
		providers:  providers,
		limiter:    ratelimit.NewLeakyBucketFromRPM(rpm),
		cache:      cache,
		maxRetries: retries,
		log:        log,
	}, nil
}

// Configured reports which providers have keys.
func (c *Client) Configured() map[string]bool {
	out := make(map[string]bool, len(c.providers))
	for name := range c.providers {
		out[name] = true
	}
	return out
}

// SupportsModel checks that the model routes to an enabled provider.
func (c *Client) SupportsModel(model string) error {
	return ValidateModel(model, c.Configured())
}

// AvailableModels lists registry models whose provider is enabled.
func (c *Client) AvailableModels() []ModelInfo {
	configured := c.Configured()
	var out []ModelInfo
	for _, info := range KnownModels() {
		if configured[info.Provider] {
			out = append(out, info)
		}
	}
	return out
}

// Complete runs one completion with rate limiting and retry. Rate-limit
// errors return immediately with the provider's wait hint attached so the
// caller can pause instead of spinning. Other retryable failures back off
// exponentially up to the configured retry cap.
func (c *Client) Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error) {
	provider, ok := c.providers[ProviderFor(req.Model)]
	if !ok {
		return nil, fmt.Errorf("model %q requires the %s provider, which has no API key configured", req.Model, ProviderFor(req.Model))
	}

	key := CacheKey(req)
	if text, ok := c.cache.Get(key); ok {
		c.usageMu.Lock()
		c.usage.CacheHits++
		c.usageMu.Unlock()
		return &CompletionResponse{Text: text, Model: req.Model, Cached: true}, nil
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		if attempt > 0 {
			backoff := calculateBackoff(attempt)
			c.log.Warn("llm.retry",
				"provider", provider.Name(),
				"attempt", attempt,
				"backoff_ms", backoff.Milliseconds(),
				"error", lastErr)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := provider.Complete(ctx, req)
		if err != nil {
			if IsRateLimit(err) {
				return nil, err
			}
			if IsRetryable(err) {
				lastErr = err
				continue
			}
			return nil, err
		}

		c.recordUsage(resp)
		c.cache.Set(key, resp.Text)
		return resp, nil
	}
	return nil, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// SetRPM adjusts the request pacing at runtime.
func (c *Client) SetRPM(rpm int) {
	c.limiter.SetRPM(rpm)
}

// Usage returns a snapshot of accumulated usage.
func (c *Client) Usage() UsageStats {
	c.usageMu.Lock()
	defer c.usageMu.Unlock()
	return c.usage
}

// Close releases the limiter and cache.
func (c *Client) Close() error {
	c.limiter.Close()
	return c.cache.Close()
}

func (c *Client) recordUsage(resp *CompletionResponse) {
	c.usageMu.Lock()
	c.usage.Calls++
	c.usage.InputTokens += int64(resp.InputTokens)
	c.usage.OutputTokens += int64(resp.OutputTokens)
	c.usageMu.Unlock()
}

// calculateBackoff returns the delay before the given retry attempt,
// doubling from initialBackoff with +/-25% jitter, capped at maxBackoff.
func calculateBackoff(attempt int) time.Duration {
	backoff := float64(initialBackoff) * math.Pow(2, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	jitter := backoff * 0.25 * (rand.Float64()*2 - 1)
	return time.Duration(backoff + jitter)
}
