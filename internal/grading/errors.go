package grading

import (
	"fmt"
	"strings"
)

// ConfigurationError signals invalid caller input: malformed rubric or batch,
// or out-of-range runtime options. It fails the batch before any worker runs.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Message)
}

// ErrorClass separates provider failures that are worth retrying from those
// that invalidate the whole request.
type ErrorClass string

const (
	// ClassTransient covers timeouts, rate limits and 5xx responses.
	ClassTransient ErrorClass = "transient"
	// ClassFatal covers auth failures and malformed requests.
	ClassFatal ErrorClass = "fatal"
)

// ProviderError wraps a failed provider round-trip together with its
// classification and, once retries are exhausted, the terminal reason code.
type ProviderError struct {
	Class      ErrorClass
	Reason     FailureReason
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider error (%s, status %d): %v", e.Class, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider error (%s): %v", e.Class, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the error is eligible for retry with backoff.
func (e *ProviderError) Transient() bool { return e.Class == ClassTransient }

// ValidationError signals model output that failed schema or range
// validation. It carries the individual violations so a corrective prompt can
// reference them.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 0 {
		return "invalid model response"
	}
	return "invalid model response: " + strings.Join(e.Violations, "; ")
}
