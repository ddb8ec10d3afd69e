package grading

import (
	"strings"
	"time"
)

// Criterion is a single rubric entry a submission is scored against.
type Criterion struct {
	ID          string  `json:"id"`
	Description string  `json:"description"`
	MaxPoints   float64 `json:"max_points"`
}

// Rubric is the ordered list of criteria for a batch. It is immutable once a
// batch starts; workers only ever read it.
type Rubric struct {
	Criteria []Criterion `json:"criteria"`
}

// Validate reports a ConfigurationError when the rubric cannot be graded
// against: no criteria, blank or duplicate ids, or a non-positive point cap.
func (r Rubric) Validate() error {
	if len(r.Criteria) == 0 {
		return &ConfigurationError{Field: "rubric.criteria", Message: "rubric must contain at least one criterion"}
	}

	seen := make(map[string]struct{}, len(r.Criteria))
	for _, criterion := range r.Criteria {
		id := strings.TrimSpace(criterion.ID)
		if id == "" {
			return &ConfigurationError{Field: "rubric.criteria", Message: "criterion id must not be empty"}
		}
		if _, ok := seen[id]; ok {
			return &ConfigurationError{Field: "rubric.criteria", Message: "duplicate criterion id: " + id}
		}
		seen[id] = struct{}{}

		if criterion.MaxPoints <= 0 {
			return &ConfigurationError{Field: "rubric.criteria", Message: "criterion " + id + " must have positive max_points"}
		}
	}

	return nil
}

// MaxTotal returns the highest total score the rubric allows.
func (r Rubric) MaxTotal() float64 {
	var total float64
	for _, criterion := range r.Criteria {
		total += criterion.MaxPoints
	}
	return total
}

// Criterion looks up a criterion by id.
func (r Rubric) Criterion(id string) (Criterion, bool) {
	for _, criterion := range r.Criteria {
		if criterion.ID == id {
			return criterion, true
		}
	}
	return Criterion{}, false
}

// Submission is one student deliverable, already normalized to plain text by
// the upload layer.
type Submission struct {
	ID      string `json:"id"`
	Student string `json:"student"`
	Text    string `json:"text"`
}

// Batch groups a rubric with the submissions graded against it. A batch is
// consumed exactly once by the orchestrator and never mutated afterwards.
type Batch struct {
	ID          string       `json:"id"`
	Rubric      Rubric       `json:"rubric"`
	Submissions []Submission `json:"submissions"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Validate checks the batch is runnable before any worker is dispatched.
func (b Batch) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return &ConfigurationError{Field: "batch.id", Message: "batch id must not be empty"}
	}
	if err := b.Rubric.Validate(); err != nil {
		return err
	}
	if len(b.Submissions) == 0 {
		return &ConfigurationError{Field: "batch.submissions", Message: "batch must contain at least one submission"}
	}

	seen := make(map[string]struct{}, len(b.Submissions))
	for _, submission := range b.Submissions {
		id := strings.TrimSpace(submission.ID)
		if id == "" {
			return &ConfigurationError{Field: "batch.submissions", Message: "submission id must not be empty"}
		}
		if _, ok := seen[id]; ok {
			return &ConfigurationError{Field: "batch.submissions", Message: "duplicate submission id: " + id}
		}
		seen[id] = struct{}{}
	}

	return nil
}

// ResultStatus is the terminal state of a single submission.
type ResultStatus string

const (
	// ResultCompleted indicates the submission received a validated grade.
	ResultCompleted ResultStatus = "completed"
	// ResultFailed indicates grading did not produce a usable grade.
	ResultFailed ResultStatus = "failed"
)

// FailureReason is the machine-readable reason attached to failed results.
type FailureReason string

const (
	// ReasonProviderTimeout marks a submission that exhausted transient retries.
	ReasonProviderTimeout FailureReason = "ProviderTimeout"
	// ReasonProviderFatal marks a submission aborted by a non-retryable provider error.
	ReasonProviderFatal FailureReason = "ProviderFatalError"
	// ReasonUnparsable marks a submission whose model output never validated.
	ReasonUnparsable FailureReason = "UnparsableResponse"
	// ReasonBatchCancelled marks submissions never dispatched because the batch was cancelled.
	ReasonBatchCancelled FailureReason = "BatchCancelled"
)

// CriterionScore is the points awarded for one rubric criterion.
type CriterionScore struct {
	CriterionID string  `json:"criterion_id"`
	Points      float64 `json:"points"`
}

// GradeResult is the terminal outcome of grading one submission.
type GradeResult struct {
	SubmissionID string           `json:"submission_id"`
	Scores       []CriterionScore `json:"scores,omitempty"`
	TotalScore   float64          `json:"total_score"`
	Feedback     string           `json:"feedback,omitempty"`
	AttemptCount int              `json:"attempt_count"`
	Status       ResultStatus     `json:"status"`
	Reason       FailureReason    `json:"reason,omitempty"`
	// Unpersisted is set when the sink rejected the result even after retries;
	// the result is still part of the in-memory report.
	Unpersisted bool `json:"unpersisted,omitempty"`
}

// BatchStatus is the lifecycle state of a batch run.
type BatchStatus string

const (
	// BatchPending means the batch has been accepted but no worker has started.
	BatchPending BatchStatus = "pending"
	// BatchRunning means workers are actively grading.
	BatchRunning BatchStatus = "running"
	// BatchCompleted means every submission was graded successfully.
	BatchCompleted BatchStatus = "completed"
	// BatchPartiallyFailed means the batch finished with mixed outcomes.
	BatchPartiallyFailed BatchStatus = "partially_failed"
	// BatchFailed means every submission failed or a fatal error aborted the run.
	BatchFailed BatchStatus = "failed"
)

// Terminal reports whether the status is final.
func (s BatchStatus) Terminal() bool {
	switch s {
	case BatchCompleted, BatchPartiallyFailed, BatchFailed:
		return true
	default:
		return false
	}
}

// Counts aggregates terminal outcomes for a batch.
type Counts struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// BatchReport is the aggregate outcome of one batch run, keyed by submission
// id so consumers never depend on completion order.
type BatchReport struct {
	BatchID     string                 `json:"batch_id"`
	Status      BatchStatus            `json:"status"`
	Results     map[string]GradeResult `json:"results"`
	Counts      Counts                 `json:"counts"`
	AbortReason FailureReason          `json:"abort_reason,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at,omitempty"`
}

// Clone returns a deep copy so callers can snapshot an in-flight report.
func (r BatchReport) Clone() BatchReport {
	out := r
	out.Results = make(map[string]GradeResult, len(r.Results))
	for id, result := range r.Results {
		scores := make([]CriterionScore, len(result.Scores))
		copy(scores, result.Scores)
		result.Scores = scores
		out.Results[id] = result
	}
	return out
}
