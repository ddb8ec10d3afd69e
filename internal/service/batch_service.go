package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/avalos-dev/gradebatch-api/internal/dto"
	"github.com/avalos-dev/gradebatch-api/internal/grading"
	"github.com/avalos-dev/gradebatch-api/internal/repository"
)

// ErrBatchNotFound is returned when no run or stored report matches the id.
var ErrBatchNotFound = errors.New("batch not found")

const (
	progressKeyPrefix  = "gradebatch:progress:"
	defaultProgressTTL = 10 * time.Minute
	completionSubject  = "gradebatch.batch.completed"
)

// BatchService runs grading batches and exposes their lifecycle.
type BatchService interface {
	// Run grades the batch synchronously and returns the final report.
	Run(ctx context.Context, payload dto.BatchCreateRequest) (dto.BatchReportResponse, error)
	// Start launches the batch in the background and returns immediately.
	Start(ctx context.Context, payload dto.BatchCreateRequest) (dto.BatchStartResponse, error)
	// Poll returns the current snapshot for a running or finished batch.
	Poll(ctx context.Context, batchID string) (dto.BatchReportResponse, error)
	// Cancel requests cooperative cancellation of a running batch.
	Cancel(ctx context.Context, batchID string) error
	// List returns summaries of every stored batch, most recent first.
	List(ctx context.Context) ([]dto.BatchSummaryResponse, error)
	// Results returns the per-submission results for one batch.
	Results(ctx context.Context, batchID string) ([]dto.GradeResultResponse, error)
}

type batchService struct {
	orchestrator *grading.Orchestrator
	defaults     grading.Options
	store        repository.GradeResultRepository
	redis        *redis.Client
	cacheTTL     time.Duration
	nats         *nats.Conn
	validator    *validator.Validate
	logger       zerolog.Logger
	tracer       trace.Tracer

	mu   sync.Mutex
	runs map[string]*grading.Run
}

// NewBatchService constructs the batch service. redisClient, natsConn and
// store may be nil; the matching feature is then skipped.
func NewBatchService(orchestrator *grading.Orchestrator, defaults grading.Options, store repository.GradeResultRepository, redisClient *redis.Client, cacheTTL time.Duration, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) BatchService {
	if cacheTTL <= 0 {
		cacheTTL = defaultProgressTTL
	}

	return &batchService{
		orchestrator: orchestrator,
		defaults:     defaults,
		store:        store,
		redis:        redisClient,
		cacheTTL:     cacheTTL,
		nats:         natsConn,
		validator:    validate,
		logger:       logger.With().Str("component", "batch_service").Logger(),
		tracer:       otel.Tracer("github.com/avalos-dev/gradebatch-api/internal/service/batch"),
		runs:         make(map[string]*grading.Run),
	}
}

func (s *batchService) Run(ctx context.Context, payload dto.BatchCreateRequest) (dto.BatchReportResponse, error) {
	batch, opts, err := s.buildBatch(payload)
	if err != nil {
		return dto.BatchReportResponse{}, err
	}

	spanCtx, span := s.tracer.Start(ctx, "batch.run", trace.WithAttributes(
		attribute.String("batch.id", batch.ID),
		attribute.Int("batch.submissions", len(batch.Submissions)),
	))
	defer span.End()

	run, err := s.orchestrator.Start(spanCtx, batch, opts)
	if err != nil {
		return dto.BatchReportResponse{}, err
	}
	s.track(run)
	go s.awaitRun(run)

	// A dropped request cancels the run cooperatively; whatever graded before
	// the cancellation stays in the report and the sink.
	report, err := run.Wait(spanCtx)
	return dto.NewBatchReportResponse(report), err
}

func (s *batchService) Start(ctx context.Context, payload dto.BatchCreateRequest) (dto.BatchStartResponse, error) {
	batch, opts, err := s.buildBatch(payload)
	if err != nil {
		return dto.BatchStartResponse{}, err
	}

	// The run outlives the request; only request-scoped values carry over.
	run, err := s.orchestrator.Start(context.WithoutCancel(ctx), batch, opts)
	if err != nil {
		return dto.BatchStartResponse{}, err
	}
	s.track(run)
	go s.awaitRun(run)

	return dto.BatchStartResponse{BatchID: batch.ID, Status: string(grading.BatchPending)}, nil
}

func (s *batchService) awaitRun(run *grading.Run) {
	report, _ := run.Wait(context.Background())
	s.finish(run.BatchID(), report)
}

func (s *batchService) Poll(ctx context.Context, batchID string) (dto.BatchReportResponse, error) {
	s.mu.Lock()
	run, ok := s.runs[batchID]
	s.mu.Unlock()
	if ok {
		report := run.Poll()
		s.cacheProgress(ctx, report)
		return dto.NewBatchReportResponse(report), nil
	}

	if cached, ok := s.cachedProgress(ctx, batchID); ok {
		return dto.NewBatchReportResponse(cached), nil
	}

	if s.store != nil {
		record, err := s.store.GetReport(ctx, batchID)
		if err == nil {
			return dto.NewBatchReportResponseFromRecord(record), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.BatchReportResponse{}, err
		}
	}

	return dto.BatchReportResponse{}, ErrBatchNotFound
}

func (s *batchService) List(ctx context.Context) ([]dto.BatchSummaryResponse, error) {
	summaries := []dto.BatchSummaryResponse{}
	if s.store == nil {
		return summaries, nil
	}

	records, err := s.store.ListReports(ctx)
	if err != nil {
		return nil, err
	}
	for _, record := range records {
		summaries = append(summaries, dto.NewBatchSummaryResponse(record))
	}
	return summaries, nil
}

func (s *batchService) Results(ctx context.Context, batchID string) ([]dto.GradeResultResponse, error) {
	s.mu.Lock()
	run, ok := s.runs[batchID]
	s.mu.Unlock()
	if ok {
		return dto.NewBatchReportResponse(run.Poll()).Results, nil
	}

	if s.store != nil {
		records, err := s.store.ListResults(ctx, batchID)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			results := make([]dto.GradeResultResponse, 0, len(records))
			for _, record := range records {
				results = append(results, dto.NewGradeResultResponseFromRecord(record))
			}
			return results, nil
		}
		// No rows can mean the batch is unknown; only an existing report row
		// makes an empty result set legitimate.
		if _, err := s.store.GetReport(ctx, batchID); err == nil {
			return []dto.GradeResultResponse{}, nil
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}

	return nil, ErrBatchNotFound
}

func (s *batchService) Cancel(_ context.Context, batchID string) error {
	s.mu.Lock()
	run, ok := s.runs[batchID]
	s.mu.Unlock()
	if !ok {
		return ErrBatchNotFound
	}
	run.Cancel()
	return nil
}

func (s *batchService) buildBatch(payload dto.BatchCreateRequest) (grading.Batch, grading.Options, error) {
	if err := s.validator.Struct(payload); err != nil {
		return grading.Batch{}, grading.Options{}, err
	}

	criteria := make([]grading.Criterion, 0, len(payload.Rubric))
	for _, criterion := range payload.Rubric {
		criteria = append(criteria, grading.Criterion{
			ID:          strings.TrimSpace(criterion.ID),
			Description: criterion.Description,
			MaxPoints:   criterion.MaxPoints,
		})
	}

	submissions := make([]grading.Submission, 0, len(payload.Submissions))
	for _, submission := range payload.Submissions {
		id := strings.TrimSpace(submission.ID)
		if id == "" {
			id = uuid.NewString()
		}
		submissions = append(submissions, grading.Submission{
			ID:      id,
			Student: submission.Student,
			Text:    submission.Text,
		})
	}

	batch := grading.Batch{
		ID:          uuid.NewString(),
		Rubric:      grading.Rubric{Criteria: criteria},
		Submissions: submissions,
		CreatedAt:   time.Now().UTC(),
	}

	opts := payload.Options.Apply(s.defaults)
	return batch, opts, nil
}

func (s *batchService) track(run *grading.Run) {
	s.mu.Lock()
	s.runs[run.BatchID()] = run
	s.mu.Unlock()
}

// finish drops the live run, caches the terminal snapshot, and announces
// completion on the bus. Callers pass the report from Wait so the cached copy
// is always the final one.
func (s *batchService) finish(batchID string, report grading.BatchReport) {
	s.mu.Lock()
	delete(s.runs, batchID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.cacheProgress(ctx, report)
	s.publishCompletion(report)

	s.logger.Info().
		Str("batch_id", batchID).
		Str("status", string(report.Status)).
		Int("completed", report.Counts.Completed).
		Int("failed", report.Counts.Failed).
		Msg("batch finished")
}

func (s *batchService) cacheProgress(ctx context.Context, report grading.BatchReport) {
	if s.redis == nil || report.BatchID == "" {
		return
	}

	payload, err := json.Marshal(report)
	if err != nil {
		s.logger.Warn().Err(err).Str("batch_id", report.BatchID).Msg("marshal progress snapshot")
		return
	}
	if err := s.redis.Set(ctx, progressKeyPrefix+report.BatchID, payload, s.cacheTTL).Err(); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", report.BatchID).Msg("cache progress snapshot")
	}
}

func (s *batchService) cachedProgress(ctx context.Context, batchID string) (grading.BatchReport, bool) {
	if s.redis == nil {
		return grading.BatchReport{}, false
	}

	raw, err := s.redis.Get(ctx, progressKeyPrefix+batchID).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("read progress snapshot")
		}
		return grading.BatchReport{}, false
	}

	var report grading.BatchReport
	if err := json.Unmarshal(raw, &report); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", batchID).Msg("decode progress snapshot")
		return grading.BatchReport{}, false
	}
	return report, true
}

func (s *batchService) publishCompletion(report grading.BatchReport) {
	if s.nats == nil {
		return
	}

	event := struct {
		BatchID    string    `json:"batch_id"`
		Status     string    `json:"status"`
		Completed  int       `json:"completed"`
		Failed     int       `json:"failed"`
		FinishedAt time.Time `json:"finished_at"`
	}{
		BatchID:    report.BatchID,
		Status:     string(report.Status),
		Completed:  report.Counts.Completed,
		Failed:     report.Counts.Failed,
		FinishedAt: report.FinishedAt,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Str("batch_id", report.BatchID).Msg("marshal completion event")
		return
	}
	if err := s.nats.Publish(completionSubject, payload); err != nil {
		s.logger.Warn().Err(err).Str("batch_id", report.BatchID).Msg("publish completion event")
	}
}
