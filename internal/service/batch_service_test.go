package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/go-playground/validator/v10"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/avalos-dev/gradebatch-api/internal/dto"
	"github.com/avalos-dev/gradebatch-api/internal/grading"
	"github.com/avalos-dev/gradebatch-api/internal/models"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

const stubGradeResponse = `{
	"scores": [
		{"criterion_id": "clarity", "points": 7},
		{"criterion_id": "evidence", "points": 8}
	],
	"feedback": "Clear argument, could cite more sources."
}`

type stubProvider struct {
	mu    sync.Mutex
	calls int
}

func (s *stubProvider) Complete(_ context.Context, _ grading.Prompt) (string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	return stubGradeResponse, nil
}

type memoryStore struct {
	mu      sync.Mutex
	results map[string][]grading.GradeResult
	reports map[string]grading.BatchReport
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		results: make(map[string][]grading.GradeResult),
		reports: make(map[string]grading.BatchReport),
	}
}

func (m *memoryStore) PutResult(_ context.Context, batchID string, result grading.GradeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[batchID] = append(m.results[batchID], result)
	return nil
}

func (m *memoryStore) PutReport(_ context.Context, report grading.BatchReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.BatchID] = report.Clone()
	return nil
}

func (m *memoryStore) GetReport(_ context.Context, batchID string) (models.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[batchID]
	if !ok {
		return models.BatchRecord{}, gorm.ErrRecordNotFound
	}
	return models.BatchRecord{
		ID:             report.BatchID,
		Status:         string(report.Status),
		AbortReason:    string(report.AbortReason),
		CompletedCount: report.Counts.Completed,
		FailedCount:    report.Counts.Failed,
		StartedAt:      report.StartedAt,
	}, nil
}

func (m *memoryStore) ListResults(_ context.Context, batchID string) ([]models.GradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]models.GradeRecord, 0, len(m.results[batchID]))
	for _, result := range m.results[batchID] {
		scores, err := json.Marshal(result.Scores)
		if err != nil {
			return nil, err
		}
		records = append(records, models.GradeRecord{
			BatchID:      batchID,
			SubmissionID: result.SubmissionID,
			Status:       string(result.Status),
			Reason:       string(result.Reason),
			TotalScore:   result.TotalScore,
			Scores:       scores,
			Feedback:     result.Feedback,
			AttemptCount: result.AttemptCount,
		})
	}
	return records, nil
}

func (m *memoryStore) ListReports(_ context.Context) ([]models.BatchRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	records := make([]models.BatchRecord, 0, len(m.reports))
	for _, report := range m.reports {
		records = append(records, models.BatchRecord{
			ID:             report.BatchID,
			Status:         string(report.Status),
			AbortReason:    string(report.AbortReason),
			CompletedCount: report.Counts.Completed,
			FailedCount:    report.Counts.Failed,
			StartedAt:      report.StartedAt,
		})
	}
	return records, nil
}

func testCreateRequest() dto.BatchCreateRequest {
	return dto.BatchCreateRequest{
		Rubric: []dto.CriterionRequest{
			{ID: "clarity", Description: "Is the argument clear?", MaxPoints: 10},
			{ID: "evidence", Description: "Is the argument supported?", MaxPoints: 10},
		},
		Submissions: []dto.SubmissionRequest{
			{ID: "s1", Student: "alice", Text: "First essay."},
			{ID: "s2", Student: "bob", Text: "Second essay."},
		},
	}
}

func testDefaults() grading.Options {
	opts := grading.DefaultOptions()
	opts.Concurrency = 2
	opts.InitialBackoff = time.Millisecond
	opts.MaxBackoff = 5 * time.Millisecond
	opts.RequestTimeout = time.Second
	opts.RequestsPerSecond = 1000
	opts.Burst = 100
	return opts
}

func newTestService(t *testing.T) (BatchService, *stubProvider, *memoryStore, *redis.Client) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(server.Close)

	redisClient := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { redisClient.Close() })

	provider := &stubProvider{}
	store := newMemoryStore()
	orch := grading.NewOrchestrator(provider, store, testLogger())
	svc := NewBatchService(orch, testDefaults(), store, redisClient, time.Minute, nil, validator.New(validator.WithRequiredStructEnabled()), testLogger())
	return svc, provider, store, redisClient
}

func TestBatchServiceRunGradesAllSubmissions(t *testing.T) {
	svc, provider, store, redisClient := newTestService(t)

	resp, err := svc.Run(context.Background(), testCreateRequest())
	require.NoError(t, err)

	require.Equal(t, string(grading.BatchCompleted), resp.Status)
	require.Equal(t, 2, resp.Completed)
	require.Zero(t, resp.Failed)
	require.Len(t, resp.Results, 2)
	require.Equal(t, "s1", resp.Results[0].SubmissionID)
	require.Equal(t, "s2", resp.Results[1].SubmissionID)
	require.Equal(t, 15.0, resp.Results[0].TotalScore)

	provider.mu.Lock()
	require.Equal(t, 2, provider.calls)
	provider.mu.Unlock()

	store.mu.Lock()
	require.Len(t, store.results[resp.BatchID], 2)
	require.Contains(t, store.reports, resp.BatchID)
	store.mu.Unlock()

	// The terminal snapshot is cached for later polls.
	cached := redisClient.Get(context.Background(), progressKeyPrefix+resp.BatchID)
	require.NoError(t, cached.Err())
}

func TestBatchServiceRunRejectsInvalidPayload(t *testing.T) {
	svc, provider, _, _ := newTestService(t)

	payload := testCreateRequest()
	payload.Rubric = nil

	_, err := svc.Run(context.Background(), payload)
	require.Error(t, err)

	provider.mu.Lock()
	require.Zero(t, provider.calls)
	provider.mu.Unlock()
}

func TestBatchServiceStartAndPoll(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	started, err := svc.Start(context.Background(), testCreateRequest())
	require.NoError(t, err)
	require.NotEmpty(t, started.BatchID)

	require.Eventually(t, func() bool {
		resp, err := svc.Poll(context.Background(), started.BatchID)
		if err != nil {
			return false
		}
		return grading.BatchStatus(resp.Status).Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	resp, err := svc.Poll(context.Background(), started.BatchID)
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchCompleted), resp.Status)
	require.Len(t, resp.Results, 2)
}

func TestBatchServicePollFallsBackToStore(t *testing.T) {
	svc, _, store, redisClient := newTestService(t)

	store.mu.Lock()
	store.reports["old-batch"] = grading.BatchReport{
		BatchID: "old-batch",
		Status:  grading.BatchPartiallyFailed,
		Counts:  grading.Counts{Completed: 1, Failed: 1},
	}
	store.mu.Unlock()

	// Make sure the redis cache cannot answer.
	require.NoError(t, redisClient.FlushAll(context.Background()).Err())

	resp, err := svc.Poll(context.Background(), "old-batch")
	require.NoError(t, err)
	require.Equal(t, string(grading.BatchPartiallyFailed), resp.Status)
	require.Equal(t, 1, resp.Completed)
}

func TestBatchServicePollUnknownBatch(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Poll(context.Background(), "nope")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestBatchServiceCancelUnknownBatch(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	require.ErrorIs(t, svc.Cancel(context.Background(), "nope"), ErrBatchNotFound)
}

func TestBatchServiceListReturnsStoredBatches(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	summaries, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, summaries)

	resp, err := svc.Run(context.Background(), testCreateRequest())
	require.NoError(t, err)

	summaries, err = svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	require.Equal(t, resp.BatchID, summaries[0].BatchID)
	require.Equal(t, string(grading.BatchCompleted), summaries[0].Status)
	require.Equal(t, 2, summaries[0].Completed)
}

func TestBatchServiceResultsFromStore(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	resp, err := svc.Run(context.Background(), testCreateRequest())
	require.NoError(t, err)

	results, err := svc.Results(context.Background(), resp.BatchID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, result := range results {
		require.Equal(t, string(grading.ResultCompleted), result.Status)
		require.Equal(t, 15.0, result.TotalScore)
		require.Len(t, result.Scores, 2)
	}
}

func TestBatchServiceResultsUnknownBatch(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	_, err := svc.Results(context.Background(), "nope")
	require.ErrorIs(t, err, ErrBatchNotFound)
}

func TestBatchServiceGeneratesSubmissionIDs(t *testing.T) {
	svc, _, _, _ := newTestService(t)

	payload := testCreateRequest()
	payload.Submissions[0].ID = ""

	resp, err := svc.Run(context.Background(), payload)
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	for _, result := range resp.Results {
		require.NotEmpty(t, result.SubmissionID)
	}
}
