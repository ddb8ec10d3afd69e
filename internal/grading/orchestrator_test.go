package grading

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func threeSubmissionBatch() Batch {
	return Batch{
		ID:     "batch-1",
		Rubric: testRubric(),
		Submissions: []Submission{
			{ID: "s1", Student: "Ada", Text: "essay one"},
			{ID: "s2", Student: "Grace", Text: "essay two"},
			{ID: "s3", Student: "Edsger", Text: "essay three"},
		},
	}
}

func newTestOrchestrator(client ProviderClient, sink ResultSink) *Orchestrator {
	return NewOrchestrator(client, sink, zerolog.Nop())
}

func TestOrchestratorAllCompleted(t *testing.T) {
	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		return validGradeResponse, nil
	}}
	sink := NewMemorySink()
	orch := newTestOrchestrator(client, sink)

	batch := threeSubmissionBatch()
	report, err := orch.Run(context.Background(), batch, testOptions())
	require.NoError(t, err)

	require.Equal(t, BatchCompleted, report.Status)
	require.Len(t, report.Results, len(batch.Submissions))
	require.Equal(t, 3, report.Counts.Completed)
	require.Equal(t, 0, report.Counts.Failed)
	require.True(t, report.FinishedAt.After(report.StartedAt) || report.FinishedAt.Equal(report.StartedAt))

	for _, submission := range batch.Submissions {
		result, ok := report.Results[submission.ID]
		require.True(t, ok)
		require.Equal(t, ResultCompleted, result.Status)
		require.Equal(t, 15.0, result.TotalScore)
		require.Equal(t, 1, result.AttemptCount)
		require.False(t, result.Unpersisted)
	}

	require.Len(t, sink.Results(batch.ID), 3)
	stored, ok := sink.Report(batch.ID)
	require.True(t, ok)
	require.Equal(t, BatchCompleted, stored.Status)
}

func TestOrchestratorPartiallyFailed(t *testing.T) {
	client := &scriptedClient{respond: func(_ int, prompt Prompt) (string, error) {
		if strings.Contains(prompt.User, "essay one") {
			return "garbage response", nil
		}
		return validGradeResponse, nil
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	opts := testOptions()
	batch := Batch{
		ID:     "batch-2",
		Rubric: testRubric(),
		Submissions: []Submission{
			{ID: "a", Student: "Ada", Text: "essay one"},
			{ID: "b", Student: "Grace", Text: "essay two"},
		},
	}

	report, err := orch.Run(context.Background(), batch, opts)
	require.NoError(t, err)

	require.Equal(t, BatchPartiallyFailed, report.Status)
	require.Len(t, report.Results, 2)

	failed := report.Results["a"]
	require.Equal(t, ResultFailed, failed.Status)
	require.Equal(t, ReasonUnparsable, failed.Reason)
	require.Equal(t, opts.MaxGradeAttempts, failed.AttemptCount)

	completed := report.Results["b"]
	require.Equal(t, ResultCompleted, completed.Status)
	require.Equal(t, 1, report.Counts.Failed)
	require.Equal(t, 1, report.Counts.Completed)
}

func TestOrchestratorFatalAbortsBatch(t *testing.T) {
	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		return "", fatalErr()
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	opts := testOptions()
	opts.Concurrency = 1

	report, err := orch.Run(context.Background(), threeSubmissionBatch(), opts)
	require.NoError(t, err)

	require.Equal(t, BatchFailed, report.Status)
	require.Equal(t, ReasonProviderFatal, report.AbortReason)
	require.Len(t, report.Results, 3)
	for _, result := range report.Results {
		require.Equal(t, ResultFailed, result.Status)
		require.Equal(t, ReasonProviderFatal, result.Reason)
	}

	// Only the first submission reached the provider; no corrective retries.
	require.Equal(t, 1, client.count())
}

func TestOrchestratorConsecutiveFailureThreshold(t *testing.T) {
	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		return "", transientErr()
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	opts := testOptions()
	opts.Concurrency = 1
	opts.AbortAfterConsecutiveFailures = 2

	report, err := orch.Run(context.Background(), threeSubmissionBatch(), opts)
	require.NoError(t, err)

	require.Equal(t, BatchFailed, report.Status)
	require.Equal(t, ReasonProviderTimeout, report.AbortReason)
	require.Len(t, report.Results, 3)
	// Third submission was never dispatched.
	require.Equal(t, 0, report.Results["s3"].AttemptCount)
	require.Equal(t, 2*opts.MaxProviderAttempts, client.count())
}

func TestOrchestratorIsolation(t *testing.T) {
	// One submission exhausting retries must not touch the others.
	client := &scriptedClient{respond: func(_ int, prompt Prompt) (string, error) {
		if strings.Contains(prompt.User, "essay two") {
			return "", transientErr()
		}
		return validGradeResponse, nil
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	report, err := orch.Run(context.Background(), threeSubmissionBatch(), testOptions())
	require.NoError(t, err)

	require.Equal(t, BatchPartiallyFailed, report.Status)
	require.Equal(t, ResultCompleted, report.Results["s1"].Status)
	require.Equal(t, ResultFailed, report.Results["s2"].Status)
	require.Equal(t, ReasonProviderTimeout, report.Results["s2"].Reason)
	require.Equal(t, ResultCompleted, report.Results["s3"].Status)
}

func TestOrchestratorCancellation(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once

	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		once.Do(func() { close(started) })
		<-release
		return validGradeResponse, nil
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	opts := testOptions()
	opts.Concurrency = 1

	run, err := orch.Start(context.Background(), threeSubmissionBatch(), opts)
	require.NoError(t, err)

	<-started
	run.Cancel()
	close(release)

	report, err := run.Wait(context.Background())
	require.NoError(t, err)

	// The in-flight submission ran to completion; the rest were never dispatched.
	require.Len(t, report.Results, 3)
	require.Equal(t, ResultCompleted, report.Results["s1"].Status)
	require.Equal(t, ReasonBatchCancelled, report.Results["s2"].Reason)
	require.Equal(t, ReasonBatchCancelled, report.Results["s3"].Reason)
	require.Equal(t, BatchPartiallyFailed, report.Status)
}

func TestOrchestratorPoll(t *testing.T) {
	release := make(chan struct{})
	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		<-release
		return validGradeResponse, nil
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	run, err := orch.Start(context.Background(), threeSubmissionBatch(), testOptions())
	require.NoError(t, err)

	partial := run.Poll()
	require.Equal(t, "batch-1", partial.BatchID)
	require.False(t, partial.Status.Terminal())

	close(release)
	report, err := run.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, report.Status.Terminal())
}

func TestOrchestratorRateLimiterCeiling(t *testing.T) {
	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		return validGradeResponse, nil
	}}
	orch := newTestOrchestrator(client, NewMemorySink())

	opts := testOptions()
	opts.RequestsPerSecond = 100
	opts.Burst = 1

	submissions := make([]Submission, 6)
	for i := range submissions {
		submissions[i] = Submission{ID: string(rune('a' + i)), Student: "S", Text: "essay"}
	}
	batch := Batch{ID: "batch-rl", Rubric: testRubric(), Submissions: submissions}

	_, err := orch.Run(context.Background(), batch, opts)
	require.NoError(t, err)

	require.Len(t, client.callTimes, 6)
	// Five calls beyond the burst must each wait at least one token interval.
	elapsed := client.callTimes[5].Sub(client.callTimes[0])
	require.GreaterOrEqual(t, elapsed, 45*time.Millisecond)
}

func TestOrchestratorIdempotentReports(t *testing.T) {
	batch := threeSubmissionBatch()
	opts := testOptions()

	runOnce := func() BatchReport {
		client := &scriptedClient{respond: func(int, Prompt) (string, error) {
			return validGradeResponse, nil
		}}
		report, err := newTestOrchestrator(client, NewMemorySink()).Run(context.Background(), batch, opts)
		require.NoError(t, err)
		return report
	}

	first := runOnce()
	second := runOnce()

	require.Equal(t, first.Results, second.Results)
	require.Equal(t, first.Counts, second.Counts)
	require.Equal(t, first.Status, second.Status)
}

func TestOrchestratorConfigurationErrors(t *testing.T) {
	orch := newTestOrchestrator(&scriptedClient{respond: func(int, Prompt) (string, error) {
		return validGradeResponse, nil
	}}, NewMemorySink())

	var cfgErr *ConfigurationError

	batch := threeSubmissionBatch()
	batch.Rubric = Rubric{}
	_, err := orch.Run(context.Background(), batch, testOptions())
	require.ErrorAs(t, err, &cfgErr)

	opts := testOptions()
	opts.Concurrency = -1
	_, err = orch.Run(context.Background(), threeSubmissionBatch(), opts)
	require.ErrorAs(t, err, &cfgErr)

	opts = testOptions()
	opts.InitialBackoff = 0
	_, err = orch.Run(context.Background(), threeSubmissionBatch(), opts)
	require.ErrorAs(t, err, &cfgErr)

	opts = testOptions()
	opts.MaxBackoff = opts.InitialBackoff / 2
	_, err = orch.Run(context.Background(), threeSubmissionBatch(), opts)
	require.ErrorAs(t, err, &cfgErr)
}

type failingSink struct {
	inner *MemorySink
}

func (s *failingSink) PutResult(context.Context, string, GradeResult) error {
	return errors.New("store unavailable")
}

func (s *failingSink) PutReport(ctx context.Context, report BatchReport) error {
	return s.inner.PutReport(ctx, report)
}

func TestOrchestratorUnpersistedFlag(t *testing.T) {
	client := &scriptedClient{respond: func(int, Prompt) (string, error) {
		return validGradeResponse, nil
	}}
	orch := newTestOrchestrator(client, &failingSink{inner: NewMemorySink()})

	opts := testOptions()
	opts.SinkWriteAttempts = 2

	batch := testBatch()
	report, err := orch.Run(context.Background(), batch, opts)
	require.NoError(t, err)

	result := report.Results["s1"]
	require.Equal(t, ResultCompleted, result.Status)
	require.True(t, result.Unpersisted)
	require.Equal(t, BatchCompleted, report.Status)
}
