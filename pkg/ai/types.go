package ai

import (
	"context"
	"fmt"
)

// CompletionRequest carries one prompt to the model provider.
type CompletionRequest struct {
	System    string
	User      string
	MaxTokens int
}

// Completion is the raw model output for a single request.
type Completion struct {
	Content string
	Model   string
}

// Completer describes an AI model capable of answering a single prompt.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

// RequestError is returned when the provider rejects or fails a request. The
// HTTP status code is preserved so callers can decide whether to retry.
type RequestError struct {
	StatusCode int
	Err        error
}

func (e *RequestError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("ai request failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ai request failed: %v", e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }
