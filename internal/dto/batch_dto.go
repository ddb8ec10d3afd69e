package dto

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/avalos-dev/gradebatch-api/internal/grading"
	"github.com/avalos-dev/gradebatch-api/internal/models"
)

// CriterionRequest is one rubric entry in a batch creation payload.
type CriterionRequest struct {
	ID          string  `json:"id" validate:"required,min=1,max=64"`
	Description string  `json:"description" validate:"required,min=1,max=2000"`
	MaxPoints   float64 `json:"max_points" validate:"required,gt=0"`
}

// SubmissionRequest is one student deliverable in a batch creation payload.
type SubmissionRequest struct {
	ID      string `json:"id" validate:"omitempty,max=64"`
	Student string `json:"student" validate:"required,min=1,max=128"`
	Text    string `json:"text" validate:"required,min=1"`
}

// BatchOptionsRequest overrides the configured grading defaults for one batch.
// Every field is optional; zero values fall back to the server defaults.
type BatchOptionsRequest struct {
	Concurrency         int     `json:"concurrency" validate:"omitempty,min=1,max=64"`
	MaxProviderAttempts int     `json:"max_provider_attempts" validate:"omitempty,min=1,max=10"`
	MaxGradeAttempts    int     `json:"max_grade_attempts" validate:"omitempty,min=1,max=5"`
	RequestTimeoutMS    int     `json:"request_timeout_ms" validate:"omitempty,min=1000"`
	RequestsPerSecond   float64 `json:"requests_per_second" validate:"omitempty,gt=0"`
	Burst               int     `json:"burst" validate:"omitempty,min=1"`
	AbortThreshold      int     `json:"abort_threshold" validate:"omitempty,min=0"`
}

// BatchCreateRequest is the payload for starting a grading batch.
type BatchCreateRequest struct {
	Rubric      []CriterionRequest   `json:"rubric" validate:"required,min=1,dive"`
	Submissions []SubmissionRequest  `json:"submissions" validate:"required,min=1,dive"`
	Options     *BatchOptionsRequest `json:"options" validate:"omitempty"`
}

// Apply merges the request overrides onto the configured defaults.
func (r *BatchOptionsRequest) Apply(opts grading.Options) grading.Options {
	if r == nil {
		return opts
	}
	if r.Concurrency > 0 {
		opts.Concurrency = r.Concurrency
	}
	if r.MaxProviderAttempts > 0 {
		opts.MaxProviderAttempts = r.MaxProviderAttempts
	}
	if r.MaxGradeAttempts > 0 {
		opts.MaxGradeAttempts = r.MaxGradeAttempts
	}
	if r.RequestTimeoutMS > 0 {
		opts.RequestTimeout = time.Duration(r.RequestTimeoutMS) * time.Millisecond
	}
	if r.RequestsPerSecond > 0 {
		opts.RequestsPerSecond = r.RequestsPerSecond
	}
	if r.Burst > 0 {
		opts.Burst = r.Burst
	}
	if r.AbortThreshold > 0 {
		opts.AbortAfterConsecutiveFailures = r.AbortThreshold
	}
	return opts
}

// CriterionScoreResponse serializes one awarded criterion score.
type CriterionScoreResponse struct {
	CriterionID string  `json:"criterion_id"`
	Points      float64 `json:"points"`
}

// GradeResultResponse serializes the terminal outcome for one submission.
type GradeResultResponse struct {
	SubmissionID string                   `json:"submission_id"`
	Status       string                   `json:"status"`
	Reason       string                   `json:"reason,omitempty"`
	Scores       []CriterionScoreResponse `json:"scores,omitempty"`
	TotalScore   float64                  `json:"total_score"`
	Feedback     string                   `json:"feedback,omitempty"`
	AttemptCount int                      `json:"attempt_count"`
	Unpersisted  bool                     `json:"unpersisted,omitempty"`
}

// BatchReportResponse serializes a batch report snapshot.
type BatchReportResponse struct {
	BatchID     string                `json:"batch_id"`
	Status      string                `json:"status"`
	AbortReason string                `json:"abort_reason,omitempty"`
	Completed   int                   `json:"completed"`
	Failed      int                   `json:"failed"`
	Results     []GradeResultResponse `json:"results"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
}

// BatchStartResponse acknowledges an asynchronously started batch.
type BatchStartResponse struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// NewGradeResultResponse converts a grading result into a DTO.
func NewGradeResultResponse(result grading.GradeResult) GradeResultResponse {
	scores := make([]CriterionScoreResponse, 0, len(result.Scores))
	for _, score := range result.Scores {
		scores = append(scores, CriterionScoreResponse{
			CriterionID: score.CriterionID,
			Points:      score.Points,
		})
	}

	return GradeResultResponse{
		SubmissionID: result.SubmissionID,
		Status:       string(result.Status),
		Reason:       string(result.Reason),
		Scores:       scores,
		TotalScore:   result.TotalScore,
		Feedback:     result.Feedback,
		AttemptCount: result.AttemptCount,
		Unpersisted:  result.Unpersisted,
	}
}

// NewBatchReportResponse converts a report into a DTO. Results are sorted by
// submission id so responses are stable across polls.
func NewBatchReportResponse(report grading.BatchReport) BatchReportResponse {
	results := make([]GradeResultResponse, 0, len(report.Results))
	for _, result := range report.Results {
		results = append(results, NewGradeResultResponse(result))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].SubmissionID < results[j].SubmissionID
	})

	var finished *time.Time
	if !report.FinishedAt.IsZero() {
		t := report.FinishedAt
		finished = &t
	}

	return BatchReportResponse{
		BatchID:     report.BatchID,
		Status:      string(report.Status),
		AbortReason: string(report.AbortReason),
		Completed:   report.Counts.Completed,
		Failed:      report.Counts.Failed,
		Results:     results,
		StartedAt:   report.StartedAt,
		FinishedAt:  finished,
	}
}

// BatchSummaryResponse is one row of the batch listing; it carries the
// aggregate state without per-submission results.
type BatchSummaryResponse struct {
	BatchID     string     `json:"batch_id"`
	Status      string     `json:"status"`
	AbortReason string     `json:"abort_reason,omitempty"`
	Completed   int        `json:"completed"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewBatchSummaryResponse converts a persisted batch record into a summary.
func NewBatchSummaryResponse(record models.BatchRecord) BatchSummaryResponse {
	return BatchSummaryResponse{
		BatchID:     record.ID,
		Status:      record.Status,
		AbortReason: record.AbortReason,
		Completed:   record.CompletedCount,
		Failed:      record.FailedCount,
		StartedAt:   record.StartedAt,
		FinishedAt:  record.FinishedAt,
	}
}

// NewGradeResultResponseFromRecord converts a persisted grade row into a DTO.
func NewGradeResultResponseFromRecord(record models.GradeRecord) GradeResultResponse {
	return GradeResultResponse{
		SubmissionID: record.SubmissionID,
		Status:       record.Status,
		Reason:       record.Reason,
		Scores:       scoresFromJSON(record.Scores),
		TotalScore:   record.TotalScore,
		Feedback:     record.Feedback,
		AttemptCount: record.AttemptCount,
	}
}

// NewBatchReportResponseFromRecord converts a persisted batch record into the
// same response shape served for live runs.
func NewBatchReportResponseFromRecord(record models.BatchRecord) BatchReportResponse {
	results := make([]GradeResultResponse, 0, len(record.Results))
	for _, grade := range record.Results {
		results = append(results, NewGradeResultResponseFromRecord(grade))
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].SubmissionID < results[j].SubmissionID
	})

	return BatchReportResponse{
		BatchID:     record.ID,
		Status:      record.Status,
		AbortReason: record.AbortReason,
		Completed:   record.CompletedCount,
		Failed:      record.FailedCount,
		Results:     results,
		StartedAt:   record.StartedAt,
		FinishedAt:  record.FinishedAt,
	}
}

func scoresFromJSON(raw []byte) []CriterionScoreResponse {
	if len(raw) == 0 {
		return nil
	}
	var scores []CriterionScoreResponse
	if err := json.Unmarshal(raw, &scores); err != nil {
		return nil
	}
	return scores
}
