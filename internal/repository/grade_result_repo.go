package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/avalos-dev/gradebatch-api/internal/grading"
	"github.com/avalos-dev/gradebatch-api/internal/models"
)

// GradeResultRepository stores grade results and batch reports. It satisfies
// grading.ResultSink so the orchestrator can stream into it directly.
type GradeResultRepository interface {
	PutResult(ctx context.Context, batchID string, result grading.GradeResult) error
	PutReport(ctx context.Context, report grading.BatchReport) error
	GetReport(ctx context.Context, batchID string) (models.BatchRecord, error)
	ListResults(ctx context.Context, batchID string) ([]models.GradeRecord, error)
	ListReports(ctx context.Context) ([]models.BatchRecord, error)
}

type gradeResultRepository struct {
	db *gorm.DB
}

// NewGradeResultRepository instantiates the repository.
func NewGradeResultRepository(db *gorm.DB) GradeResultRepository {
	return &gradeResultRepository{db: db}
}

func (r *gradeResultRepository) PutResult(ctx context.Context, batchID string, result grading.GradeResult) error {
	scores, err := json.Marshal(result.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}

	// Results stream in while the batch is still running, before any report
	// write. The grade row references the batch row, so make sure a running
	// placeholder exists; the final report upsert overwrites it.
	placeholder := models.BatchRecord{
		ID:        batchID,
		Status:    string(grading.BatchRunning),
		StartedAt: time.Now().UTC(),
	}
	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			DoNothing: true,
		}).
		Create(&placeholder).Error
	if err != nil {
		return fmt.Errorf("ensure batch row: %w", err)
	}

	record := models.GradeRecord{
		BatchID:      batchID,
		SubmissionID: result.SubmissionID,
		Status:       string(result.Status),
		Reason:       string(result.Reason),
		TotalScore:   result.TotalScore,
		Scores:       scores,
		Feedback:     result.Feedback,
		AttemptCount: result.AttemptCount,
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "batch_id"}, {Name: "submission_id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

func (r *gradeResultRepository) PutReport(ctx context.Context, report grading.BatchReport) error {
	record := models.BatchRecord{
		ID:             report.BatchID,
		Status:         string(report.Status),
		AbortReason:    string(report.AbortReason),
		CompletedCount: report.Counts.Completed,
		FailedCount:    report.Counts.Failed,
		StartedAt:      report.StartedAt,
	}
	if !report.FinishedAt.IsZero() {
		finished := report.FinishedAt
		record.FinishedAt = &finished
	}

	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&record).Error
}

func (r *gradeResultRepository) GetReport(ctx context.Context, batchID string) (models.BatchRecord, error) {
	var record models.BatchRecord
	err := r.db.WithContext(ctx).
		Preload("Results").
		First(&record, "id = ?", batchID).Error
	if err != nil {
		return models.BatchRecord{}, err
	}
	return record, nil
}

func (r *gradeResultRepository) ListResults(ctx context.Context, batchID string) ([]models.GradeRecord, error) {
	var records []models.GradeRecord
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("submission_id ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *gradeResultRepository) ListReports(ctx context.Context) ([]models.BatchRecord, error) {
	var records []models.BatchRecord
	err := r.db.WithContext(ctx).
		Order("created_at DESC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
