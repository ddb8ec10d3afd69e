package grading

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	gradingResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gradebatch",
		Subsystem: "grading",
		Name:      "results_total",
		Help:      "Terminal grade results by status",
	}, []string{"status"})

	gradingProviderCalls = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gradebatch",
		Subsystem: "grading",
		Name:      "provider_attempts_total",
		Help:      "Provider round-trips issued across all submissions",
	})

	gradingBatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gradebatch",
		Subsystem: "grading",
		Name:      "batch_duration_seconds",
		Help:      "Wall-clock duration of batch runs",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	})
)

// Orchestrator fans a batch of submissions out to a bounded pool of grading
// workers and assembles the final report. One orchestrator serves any number
// of concurrent batches; all per-batch policy arrives via Options.
type Orchestrator struct {
	client ProviderClient
	sink   ResultSink
	logger zerolog.Logger
	tracer trace.Tracer
}

// NewOrchestrator constructs an orchestrator writing to the given sink.
func NewOrchestrator(client ProviderClient, sink ResultSink, logger zerolog.Logger) *Orchestrator {
	if sink == nil {
		sink = NewMemorySink()
	}
	return &Orchestrator{
		client: client,
		sink:   sink,
		logger: logger.With().Str("component", "grading_orchestrator").Logger(),
		tracer: otel.Tracer("github.com/avalos-dev/gradebatch-api/internal/grading"),
	}
}

// Run grades the batch synchronously and returns the terminal report. A
// ConfigurationError is returned before any worker starts; every other
// failure mode is folded into the report itself.
func (o *Orchestrator) Run(ctx context.Context, batch Batch, opts Options) (BatchReport, error) {
	run, err := o.Start(ctx, batch, opts)
	if err != nil {
		return BatchReport{}, err
	}
	return run.Wait(context.Background())
}

// Start validates the batch and launches it in the background, returning a
// handle for polling and cancellation. Zero-value options select the default
// policy.
func (o *Orchestrator) Start(ctx context.Context, batch Batch, opts Options) (*Run, error) {
	if opts == (Options{}) {
		opts = DefaultOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if err := batch.Validate(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		batchID: batch.ID,
		cancel:  cancel,
		done:    make(chan struct{}),
		report: BatchReport{
			BatchID:   batch.ID,
			Status:    BatchPending,
			Results:   make(map[string]GradeResult, len(batch.Submissions)),
			StartedAt: time.Now().UTC(),
		},
	}

	go o.execute(runCtx, batch, opts, run)

	return run, nil
}

func (o *Orchestrator) execute(ctx context.Context, batch Batch, opts Options, run *Run) {
	_, span := o.tracer.Start(ctx, "grading.batch", trace.WithAttributes(
		attribute.String("batch_id", batch.ID),
		attribute.Int("submissions", len(batch.Submissions)),
		attribute.Int("concurrency", opts.Concurrency),
	))
	defer span.End()

	start := time.Now()

	abortCtx, abortDispatch := context.WithCancel(ctx)
	defer abortDispatch()

	run.mu.Lock()
	run.report.Status = BatchRunning
	run.abortFn = abortDispatch
	run.mu.Unlock()

	w := &worker{
		client:  o.client,
		limiter: opts.limiter(),
		opts:    opts,
		logger:  o.logger,
	}

	sem := make(chan struct{}, opts.Concurrency)
	var wg sync.WaitGroup

	// Submissions are dispatched in batch order; completion order is up to
	// the workers.
	for _, submission := range batch.Submissions {
		if reason, skip := run.skipReason(abortCtx); skip {
			o.record(ctx, run, opts, failedResult(submission.ID, reason, 0, "batch stopped before dispatch"))
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-abortCtx.Done():
			reason, _ := run.skipReason(abortCtx)
			o.record(ctx, run, opts, failedResult(submission.ID, reason, 0, "batch stopped before dispatch"))
			continue
		}

		// A slot may free at the same moment the batch stops; cancellation wins.
		if reason, skip := run.skipReason(abortCtx); skip {
			<-sem
			o.record(ctx, run, opts, failedResult(submission.ID, reason, 0, "batch stopped before dispatch"))
			continue
		}

		wg.Add(1)
		go func(sub Submission) {
			defer wg.Done()
			defer func() { <-sem }()
			o.record(ctx, run, opts, w.grade(abortCtx, sub, batch.Rubric))
		}(submission)
	}

	wg.Wait()

	report := run.finalize()
	o.putReport(ctx, opts, report)
	gradingBatchDuration.Observe(time.Since(start).Seconds())

	span.SetAttributes(
		attribute.String("batch_status", string(report.Status)),
		attribute.Int("completed", report.Counts.Completed),
		attribute.Int("failed", report.Counts.Failed),
	)

	o.logger.Info().
		Str("batch_id", batch.ID).
		Str("status", string(report.Status)).
		Int("completed", report.Counts.Completed).
		Int("failed", report.Counts.Failed).
		Dur("duration", time.Since(start)).
		Msg("batch finished")

	close(run.done)
}

// record persists a terminal result and folds it into the in-flight report.
// The sink write happens before the result is reported terminal.
func (o *Orchestrator) record(ctx context.Context, run *Run, opts Options, result GradeResult) {
	result.Unpersisted = !o.putResult(ctx, opts, run.batchID, result)

	run.mu.Lock()
	if result.Status == ResultFailed && result.Reason == ReasonBatchCancelled && run.abortReason != "" {
		// Workers interrupted by a batch abort share the abort reason.
		result.Reason = run.abortReason
	}

	run.report.Results[result.SubmissionID] = result
	if result.Status == ResultCompleted {
		run.report.Counts.Completed++
		run.consecutiveFailures = 0
	} else {
		run.report.Counts.Failed++
		run.consecutiveFailures++
	}

	fatal := result.Status == ResultFailed && result.Reason == ReasonProviderFatal
	threshold := opts.AbortAfterConsecutiveFailures > 0 &&
		run.consecutiveFailures >= opts.AbortAfterConsecutiveFailures
	shouldAbort := (fatal || threshold) && run.abortReason == ""
	if shouldAbort {
		run.abortReason = result.Reason
	}
	abortFn := run.abortFn
	run.mu.Unlock()

	if shouldAbort && abortFn != nil {
		o.logger.Error().
			Str("batch_id", run.batchID).
			Str("submission_id", result.SubmissionID).
			Str("reason", string(result.Reason)).
			Msg("aborting batch")
		abortFn()
	}

	gradingResults.WithLabelValues(string(result.Status)).Inc()
	gradingProviderCalls.Add(float64(result.AttemptCount))
}

// putResult writes one result to the sink with bounded retries. Failed writes
// leave the result in the report flagged as unpersisted.
func (o *Orchestrator) putResult(ctx context.Context, opts Options, batchID string, result GradeResult) bool {
	writeCtx := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= opts.SinkWriteAttempts; attempt++ {
		err := o.sink.PutResult(writeCtx, batchID, result)
		if err == nil {
			return true
		}
		o.logger.Warn().
			Str("batch_id", batchID).
			Str("submission_id", result.SubmissionID).
			Int("attempt", attempt).
			Err(err).
			Msg("sink write failed")
		if attempt < opts.SinkWriteAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	return false
}

func (o *Orchestrator) putReport(ctx context.Context, opts Options, report BatchReport) {
	writeCtx := context.WithoutCancel(ctx)
	for attempt := 1; attempt <= opts.SinkWriteAttempts; attempt++ {
		err := o.sink.PutReport(writeCtx, report)
		if err == nil {
			return
		}
		o.logger.Warn().
			Str("batch_id", report.BatchID).
			Int("attempt", attempt).
			Err(err).
			Msg("report write failed")
		if attempt < opts.SinkWriteAttempts {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
}

// Run is the handle for one in-flight batch.
type Run struct {
	batchID string
	cancel  context.CancelFunc
	done    chan struct{}

	mu                  sync.Mutex
	report              BatchReport
	abortReason         FailureReason
	abortFn             context.CancelFunc
	consecutiveFailures int
}

// BatchID returns the id of the batch this handle tracks.
func (r *Run) BatchID() string { return r.batchID }

// Poll returns a snapshot of the report, partial while the batch is running.
func (r *Run) Poll() BatchReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.report.Clone()
}

// Cancel stops dispatching new submissions. In-flight provider calls run to
// their own timeout; completed results stay in the report.
func (r *Run) Cancel() { r.cancel() }

// Done is closed once the batch reaches a terminal state.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the batch is terminal or the context expires, returning
// the report snapshot either way.
func (r *Run) Wait(ctx context.Context) (BatchReport, error) {
	select {
	case <-r.done:
		return r.Poll(), nil
	case <-ctx.Done():
		return r.Poll(), ctx.Err()
	}
}

func (r *Run) skipReason(ctx context.Context) (FailureReason, bool) {
	r.mu.Lock()
	reason := r.abortReason
	r.mu.Unlock()

	if reason != "" {
		return reason, true
	}
	if ctx.Err() != nil {
		return ReasonBatchCancelled, true
	}
	return "", false
}

func (r *Run) finalize() BatchReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.abortReason != "":
		r.report.Status = BatchFailed
		r.report.AbortReason = r.abortReason
	case r.report.Counts.Failed == 0:
		r.report.Status = BatchCompleted
	case r.report.Counts.Completed == 0:
		r.report.Status = BatchFailed
	default:
		r.report.Status = BatchPartiallyFailed
	}
	r.report.FinishedAt = time.Now().UTC()

	return r.report.Clone()
}
