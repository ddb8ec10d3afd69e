package grading

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// worker drives one submission from prompt construction to a terminal
// GradeResult. Failures never escape to the batch level; they are folded
// into the result with a machine-readable reason.
type worker struct {
	client  ProviderClient
	limiter *rate.Limiter
	opts    Options
	logger  zerolog.Logger
}

func (w *worker) grade(ctx context.Context, submission Submission, rubric Rubric) GradeResult {
	prompt, err := BuildPrompt(submission, rubric)
	if err != nil {
		// Unreachable after batch validation, kept as a terminal failure so
		// the report invariant holds regardless.
		return failedResult(submission.ID, ReasonProviderFatal, 0, err.Error())
	}

	attempts := 0
	current := prompt

	for gradeAttempt := 1; gradeAttempt <= w.opts.MaxGradeAttempts; gradeAttempt++ {
		raw, calls, err := completeWithRetry(ctx, w.client, w.limiter, current, w.opts)
		attempts += calls
		if err != nil {
			return w.failFromProviderError(submission.ID, attempts, err)
		}

		result, parseErr := ParseGradeResult(raw, rubric)
		if parseErr == nil {
			result.SubmissionID = submission.ID
			result.AttemptCount = attempts
			result.Status = ResultCompleted
			return result
		}

		w.logger.Warn().
			Str("submission_id", submission.ID).
			Int("grade_attempt", gradeAttempt).
			Err(parseErr).
			Msg("model response failed validation")

		if ctx.Err() != nil {
			return failedResult(submission.ID, ReasonBatchCancelled, attempts, "batch cancelled before corrective retry")
		}

		current = prompt.WithCorrection()
	}

	return failedResult(submission.ID, ReasonUnparsable, attempts, "model output failed validation after corrective retries")
}

func (w *worker) failFromProviderError(submissionID string, attempts int, err error) GradeResult {
	if errors.Is(err, context.Canceled) {
		return failedResult(submissionID, ReasonBatchCancelled, attempts, "batch cancelled")
	}

	var perr *ProviderError
	if errors.As(err, &perr) {
		reason := perr.Reason
		if reason == "" {
			reason = ReasonProviderTimeout
		}
		return failedResult(submissionID, reason, attempts, perr.Error())
	}

	return failedResult(submissionID, ReasonProviderTimeout, attempts, err.Error())
}

func failedResult(submissionID string, reason FailureReason, attempts int, feedback string) GradeResult {
	return GradeResult{
		SubmissionID: submissionID,
		AttemptCount: attempts,
		Status:       ResultFailed,
		Reason:       reason,
		Feedback:     feedback,
	}
}
