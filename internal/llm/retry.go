package llm

import (
	"context"
	"strings"

	"github.com/kortix-ai/agentpress/internal/backoff"
)

// maxAttempts bounds the retry loop around the initial stream request.
// Errors arriving mid-stream are not retried; the caller sees them as a
// chunk with Err set and decides what to do with the partial response.
const maxAttempts = 3

// retryable reports whether an error from a provider is worth retrying.
// Rate limits, timeouts and server-side failures qualify; auth and
// validation errors do not.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range []string{
		"rate limit",
		"429",
		"500",
		"502",
		"503",
		"504",
		"timeout",
		"connection reset",
		"overloaded",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// rateLimitStretch multiplies the backoff schedule when the provider is
// telling us to slow down rather than failing on its side.
const rateLimitStretch = 4

// rateLimited reports whether an error is the provider throttling us.
func rateLimited(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "429")
}

// sleepPolicy picks the backoff schedule for the next wait. Rate-limit
// errors get a stretched schedule; other transient errors keep the base one.
func sleepPolicy(policy backoff.Policy, err error) backoff.Policy {
	if !rateLimited(err) {
		return policy
	}
	policy.Initial *= rateLimitStretch
	policy.Max *= rateLimitStretch
	return policy
}

// withRetry runs fn up to maxAttempts times with exponential backoff,
// stopping early on success, on a non-retryable error, or when ctx is done.
func withRetry[T any](ctx context.Context, policy backoff.Policy, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepAttempt(ctx, sleepPolicy(policy, lastErr), attempt); err != nil {
				return zero, err
			}
		}
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if !retryable(err) {
			return zero, err
		}
		lastErr = err
	}
	return zero, lastErr
}
