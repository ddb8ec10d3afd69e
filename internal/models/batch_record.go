package models

import (
	"time"

	"gorm.io/datatypes"
)

// BatchRecord persists the aggregate outcome of one grading batch run.
type BatchRecord struct {
	ID             string         `gorm:"primaryKey;size:64" json:"id"`
	Status         string         `gorm:"size:32;not null" json:"status"`
	AbortReason    string         `gorm:"size:64" json:"abort_reason"`
	CompletedCount int            `json:"completed_count"`
	FailedCount    int            `json:"failed_count"`
	StartedAt      time.Time      `json:"started_at"`
	FinishedAt     *time.Time     `json:"finished_at"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	Results        []GradeRecord  `gorm:"foreignKey:BatchID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"results"`
}

// GradeRecord persists one terminal grade result. The sink is at-least-once,
// so (batch_id, submission_id) is unique and repeated writes upsert.
type GradeRecord struct {
	ID           uint           `gorm:"primaryKey" json:"id"`
	BatchID      string         `gorm:"size:64;not null;uniqueIndex:idx_batch_submission" json:"batch_id"`
	SubmissionID string         `gorm:"size:64;not null;uniqueIndex:idx_batch_submission" json:"submission_id"`
	Status       string         `gorm:"size:32;not null" json:"status"`
	Reason       string         `gorm:"size:64" json:"reason"`
	TotalScore   float64        `json:"total_score"`
	Scores       datatypes.JSON `json:"scores"`
	Feedback     string         `gorm:"type:text" json:"feedback"`
	AttemptCount int            `json:"attempt_count"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

const (
	// GradeRecordCompleted mirrors a completed grading outcome.
	GradeRecordCompleted = "completed"
	// GradeRecordFailed mirrors a failed grading outcome.
	GradeRecordFailed = "failed"
)
