package grading

import (
	"time"

	"golang.org/x/time/rate"
)

// Options carries the per-batch runtime policy. It is passed explicitly into
// every run so concurrent batches can use independent policies; nothing here
// is process-global.
type Options struct {
	// Concurrency bounds the worker pool size.
	Concurrency int
	// MaxProviderAttempts bounds retries of a single round-trip on transient errors.
	MaxProviderAttempts int
	// MaxGradeAttempts bounds corrective re-asks after validation failures,
	// counting the initial request.
	MaxGradeAttempts int
	// InitialBackoff is the base delay before the first retry; it doubles each
	// attempt up to MaxBackoff, with full jitter applied.
	InitialBackoff time.Duration
	// MaxBackoff caps the backoff delay.
	MaxBackoff time.Duration
	// RequestTimeout bounds a single provider round-trip.
	RequestTimeout time.Duration
	// RequestsPerSecond is the shared token-bucket ceiling across all workers.
	RequestsPerSecond float64
	// Burst is the token-bucket burst allowance.
	Burst int
	// SinkWriteAttempts bounds retries of a failed sink write.
	SinkWriteAttempts int
	// AbortAfterConsecutiveFailures aborts the batch once this many submissions
	// in a row reach a failed terminal state. Zero disables the threshold;
	// fatal provider errors always abort regardless.
	AbortAfterConsecutiveFailures int
}

// DefaultOptions returns the policy used when the caller does not override it.
func DefaultOptions() Options {
	return Options{
		Concurrency:         5,
		MaxProviderAttempts: 3,
		MaxGradeAttempts:    2,
		InitialBackoff:      500 * time.Millisecond,
		MaxBackoff:          8 * time.Second,
		RequestTimeout:      60 * time.Second,
		RequestsPerSecond:   10,
		Burst:               5,
		SinkWriteAttempts:   3,
	}
}

// Validate rejects option values that would make the run misbehave.
func (o Options) Validate() error {
	if o.Concurrency <= 0 {
		return &ConfigurationError{Field: "options.concurrency", Message: "must be positive"}
	}
	if o.MaxProviderAttempts <= 0 {
		return &ConfigurationError{Field: "options.max_provider_attempts", Message: "must be positive"}
	}
	if o.MaxGradeAttempts <= 0 {
		return &ConfigurationError{Field: "options.max_grade_attempts", Message: "must be positive"}
	}
	if o.InitialBackoff <= 0 {
		return &ConfigurationError{Field: "options.initial_backoff", Message: "must be positive"}
	}
	if o.MaxBackoff < o.InitialBackoff {
		return &ConfigurationError{Field: "options.max_backoff", Message: "must be at least initial backoff"}
	}
	if o.RequestTimeout <= 0 {
		return &ConfigurationError{Field: "options.request_timeout", Message: "must be positive"}
	}
	if o.RequestsPerSecond <= 0 {
		return &ConfigurationError{Field: "options.requests_per_second", Message: "must be positive"}
	}
	if o.Burst <= 0 {
		return &ConfigurationError{Field: "options.burst", Message: "must be positive"}
	}
	if o.SinkWriteAttempts <= 0 {
		return &ConfigurationError{Field: "options.sink_write_attempts", Message: "must be positive"}
	}
	if o.AbortAfterConsecutiveFailures < 0 {
		return &ConfigurationError{Field: "options.abort_after_consecutive_failures", Message: "must not be negative"}
	}
	return nil
}

func (o Options) limiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(o.RequestsPerSecond), o.Burst)
}
