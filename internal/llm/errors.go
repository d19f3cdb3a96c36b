package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DefaultRateLimitWait is used when a rate-limited response carries no
// parseable wait hint.
const DefaultRateLimitWait = 35 * time.Second

// rateLimitGrace is added on top of a provider-suggested wait.
const rateLimitGrace = 5 * time.Second

// APIError is a normalized provider error.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
	RetryAfter time.Duration // from a Retry-After header, 0 if absent
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRateLimit reports whether the error is a provider rate limit.
func IsRateLimit(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == 429 {
			return true
		}
		msg := strings.ToLower(apiErr.Message)
		return strings.Contains(msg, "rate limit") || strings.Contains(msg, "rate_limit")
	}
	return false
}

// RateLimitWait extracts the wait duration for a rate-limited error:
// a "try again in Ns" hint (plus grace), else the Retry-After header (plus
// grace), else the default.
func RateLimitWait(err error) time.Duration {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return DefaultRateLimitWait
	}
	if d, ok := parseWaitHint(apiErr.Message); ok {
		return d + rateLimitGrace
	}
	if apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter + rateLimitGrace
	}
	return DefaultRateLimitWait
}

var tryAgainRe = regexp.MustCompile(`try again in (\d+(?:\.\d+)?)\s*s`)

// parseWaitHint parses provider error text like
// "Rate limit reached ... Please try again in 12.5s."
func parseWaitHint(msg string) (time.Duration, bool) {
	m := tryAgainRe.FindStringSubmatch(strings.ToLower(msg))
	if m == nil {
		return 0, false
	}
	secs, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(math.Ceil(secs)) * time.Second, true
}

// IsRetryable reports whether the client's own retry loop should try again:
// transport failures and server-side errors. Rate limits are deliberately
// excluded; they surface immediately so the caller can schedule a timed
// pause instead of burning retries.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	// Anything else is a transport-level failure (reset, timeout, DNS).
	return true
}
