package grading

import (
	"context"
	"errors"
	"math/rand/v2"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/avalos-dev/gradebatch-api/pkg/ai"
)

// ProviderClient performs a single round-trip to the LLM provider. The
// orchestrator owns timeouts, retries, and rate limiting; implementations
// only translate a prompt into raw model output.
type ProviderClient interface {
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

type completerClient struct {
	completer ai.Completer
}

// NewProviderClient adapts an ai.Completer to the grading pipeline.
func NewProviderClient(completer ai.Completer) ProviderClient {
	return &completerClient{completer: completer}
}

func (c *completerClient) Complete(ctx context.Context, prompt Prompt) (string, error) {
	completion, err := c.completer.Complete(ctx, ai.CompletionRequest{
		System: prompt.System,
		User:   prompt.User,
	})
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

// classifyProviderError maps a raw provider failure onto the retry taxonomy.
// Timeouts, rate limits, 5xx and network faults are transient; auth failures
// and malformed requests are fatal.
func classifyProviderError(err error) *ProviderError {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr
	}

	var reqErr *ai.RequestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.StatusCode == http.StatusUnauthorized,
			reqErr.StatusCode == http.StatusForbidden,
			reqErr.StatusCode == http.StatusBadRequest,
			reqErr.StatusCode == http.StatusNotFound,
			reqErr.StatusCode == http.StatusUnprocessableEntity:
			return &ProviderError{Class: ClassFatal, Reason: ReasonProviderFatal, StatusCode: reqErr.StatusCode, Err: err}
		default:
			return &ProviderError{Class: ClassTransient, StatusCode: reqErr.StatusCode, Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &ProviderError{Class: ClassTransient, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ProviderError{Class: ClassTransient, Err: err}
	}

	return &ProviderError{Class: ClassTransient, Err: err}
}

// completeWithRetry drives a single logical provider request through the
// shared rate limiter, the per-call timeout, and bounded retries with
// exponential backoff. It returns the raw output and the number of
// round-trips actually issued. A fatal error propagates immediately;
// exhausted transient retries come back as a ProviderError with reason
// ProviderTimeout.
func completeWithRetry(ctx context.Context, client ProviderClient, limiter *rate.Limiter, prompt Prompt, opts Options) (string, int, error) {
	attempts := 0
	var lastErr *ProviderError

	for attempt := 1; attempt <= opts.MaxProviderAttempts; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return "", attempts, ctx.Err()
			}
			// Wait can also fail on its own, e.g. when the reservation would
			// outlive the context deadline. No call was issued; report it as
			// a timeout rather than letting an empty response leak out.
			return "", attempts, &ProviderError{Class: ClassTransient, Reason: ReasonProviderTimeout, Err: err}
		}

		attempts++

		// Once issued, a call runs to its own timeout even if the batch is
		// cancelled, so partially-paid-for provider work is not lost.
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), opts.RequestTimeout)
		raw, err := client.Complete(callCtx, prompt)
		cancel()
		if err == nil {
			return raw, attempts, nil
		}

		perr := classifyProviderError(err)
		if !perr.Transient() {
			return "", attempts, perr
		}
		lastErr = perr

		if attempt == opts.MaxProviderAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return "", attempts, ctx.Err()
		case <-time.After(backoffDelay(attempt, opts)):
		}
	}

	lastErr.Reason = ReasonProviderTimeout
	return "", attempts, lastErr
}

// backoffDelay doubles the base delay per attempt up to the configured
// ceiling and applies full jitter.
func backoffDelay(attempt int, opts Options) time.Duration {
	delay := opts.InitialBackoff
	if delay <= 0 {
		delay = time.Millisecond
	}

	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= opts.MaxBackoff {
			delay = opts.MaxBackoff
			break
		}
	}

	jitterMs := rand.Int64N(delay.Milliseconds() + 1)
	return time.Duration(jitterMs) * time.Millisecond
}
