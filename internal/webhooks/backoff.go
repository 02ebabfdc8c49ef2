package webhooks

import (
	"math"
	"time"
)

// maxRetryDelay caps a single backoff step so large factors cannot overflow.
const maxRetryDelay = 7 * 24 * time.Hour

// RetryDelay returns backoffFactor^attempt minutes, the wait after the given
// failed attempt.
func RetryDelay(p RetryPolicy, attempt int) time.Duration {
	factor := p.BackoffFactor
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	delay := math.Pow(float64(factor), float64(attempt)) * float64(time.Minute)
	if delay > float64(maxRetryDelay) {
		return maxRetryDelay
	}
	return time.Duration(delay)
}

// nextOutcomeOnError decides between retrying and failed after a network
// error on the given attempt.
func nextOutcomeOnError(p RetryPolicy, attempt int, now time.Time, msg string) Outcome {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	o := Outcome{ErrorMessage: &msg}
	if attempt < maxAttempts {
		next := now.Add(RetryDelay(p, attempt))
		o.Status = StatusRetrying
		o.NextRetryAt = &next
		return o
	}
	o.Status = StatusFailed
	o.CompletedAt = &now
	return o
}
