package fetch

import (
	"context"
	"io"
	"net/http"
	"time"
)

// RetryPolicy holds the retry budget and the per-class waits between attempts
type RetryPolicy struct {
	// MaxAttempts counts the first try
	MaxAttempts int
	// ForbiddenWait follows a 403 (proxy or IP blocked)
	ForbiddenWait time.Duration
	// RateLimitStep is multiplied by the attempt number after a 429
	RateLimitStep time.Duration
	// RateLimitCap bounds the 429 wait
	RateLimitCap time.Duration
	// ErrorWait follows transport and decode failures
	ErrorWait time.Duration
}

// DefaultRetryPolicy returns the marketplace policy: 15 attempts, 1s after
// 403, min(10, (attempt+1)*2)s after 429 and 0.5s after anything else.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   15,
		ForbiddenWait: time.Second,
		RateLimitStep: 2 * time.Second,
		RateLimitCap:  10 * time.Second,
		ErrorWait:     500 * time.Millisecond,
	}
}

// WithMaxAttempts returns a copy of the policy with a different budget
func (p RetryPolicy) WithMaxAttempts(n int) RetryPolicy {
	if n > 0 {
		p.MaxAttempts = n
	}
	return p
}

// CheckRetry classifies one attempt. 403 and 429 are retried, as are transport
// and decode errors. Any other non-2xx status is a hard failure.
func (p RetryPolicy) CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp == nil {
		return true, nil
	}

	switch {
	case resp.StatusCode == http.StatusForbidden, resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		return false, nil
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, &StatusError{
			StatusCode: resp.StatusCode,
			URL:        resp.Request.URL.Redacted(),
			Body:       string(body),
		}
	}
}

// Backoff returns the wait before the next attempt. attemptNum is zero-based.
func (p RetryPolicy) Backoff(_, _ time.Duration, attemptNum int, resp *http.Response) time.Duration {
	if resp == nil {
		return p.ErrorWait
	}
	switch resp.StatusCode {
	case http.StatusForbidden:
		return p.ForbiddenWait
	case http.StatusTooManyRequests:
		wait := time.Duration(attemptNum+1) * p.RateLimitStep
		if wait > p.RateLimitCap {
			wait = p.RateLimitCap
		}
		return wait
	default:
		return p.ErrorWait
	}
}
