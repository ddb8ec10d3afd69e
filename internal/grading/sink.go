package grading

import (
	"context"
	"sync"
)

// ResultSink is the durable store the orchestrator streams terminal results
// into. Implementations must tolerate at-least-once delivery.
type ResultSink interface {
	PutResult(ctx context.Context, batchID string, result GradeResult) error
	PutReport(ctx context.Context, report BatchReport) error
}

// MemorySink is a thread-safe in-memory sink, used in tests and as the
// default when no durable store is configured.
type MemorySink struct {
	mu      sync.Mutex
	results map[string][]GradeResult
	reports map[string]BatchReport
}

// NewMemorySink constructs an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{
		results: make(map[string][]GradeResult),
		reports: make(map[string]BatchReport),
	}
}

// PutResult records one terminal grade result.
func (s *MemorySink) PutResult(_ context.Context, batchID string, result GradeResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[batchID] = append(s.results[batchID], result)
	return nil
}

// PutReport records the final batch report.
func (s *MemorySink) PutReport(_ context.Context, report BatchReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports[report.BatchID] = report.Clone()
	return nil
}

// Results returns the results recorded for a batch, in write order.
func (s *MemorySink) Results(batchID string) []GradeResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GradeResult, len(s.results[batchID]))
	copy(out, s.results[batchID])
	return out
}

// Report returns the stored report for a batch, if any.
func (s *MemorySink) Report(batchID string) (BatchReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	report, ok := s.reports[batchID]
	return report, ok
}
