package monitor

import (
	"context"
	"sync"

	"github.com/ashureev/wabridge/internal/domain"
)

// StatusReport is one recorded Status call.
type StatusReport struct {
	Status string
	Attrs  Attributes
}

// Recorder is an in-memory Reporter. It is safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	statuses  []StatusReport
	processed []domain.DeliveryResult
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Status records the report.
func (r *Recorder) Status(_ context.Context, status string, attrs Attributes) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, StatusReport{Status: status, Attrs: attrs})
}

// Processed records the result.
func (r *Recorder) Processed(_ context.Context, result domain.DeliveryResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processed = append(r.processed, result)
}

// Statuses returns a copy of recorded status reports.
func (r *Recorder) Statuses() []StatusReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StatusReport, len(r.statuses))
	copy(out, r.statuses)
	return out
}

// StatusNames returns the recorded status values in order.
func (r *Recorder) StatusNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.statuses))
	for _, s := range r.statuses {
		out = append(out, s.Status)
	}
	return out
}

// ProcessedResults returns a copy of recorded delivery results.
func (r *Recorder) ProcessedResults() []domain.DeliveryResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.DeliveryResult, len(r.processed))
	copy(out, r.processed)
	return out
}

var _ Reporter = (*Recorder)(nil)
