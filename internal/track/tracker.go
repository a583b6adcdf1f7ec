package track

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/formwarden/formwarden/internal/logging"
	"github.com/formwarden/formwarden/internal/metrics"
)

// latencyReservoirSize bounds the in-memory sample set used for percentile
// estimation. Oldest samples are overwritten ring-buffer style.
const latencyReservoirSize = 4096

// Snapshot is the aggregate view served to the dashboard and export
// collaborators.
type Snapshot struct {
	Counts                map[State]int `json:"counts"`
	AvgAttemptsToSuccess  float64       `json:"avg_attempts_to_success"`
	LatencyP50            time.Duration `json:"latency_p50_ns"`
	LatencyP95            time.Duration `json:"latency_p95_ns"`
	LatencyP99            time.Duration `json:"latency_p99_ns"`
	ThrottleRejectionRate float64       `json:"throttle_rejection_rate"`
	TakenAt               time.Time     `json:"taken_at"`
}

// Tracker is the single writer of delivery record state. Every transition
// goes through it so the legal-edge check, the append-only attempt trail and
// the metrics stay consistent regardless of which pipeline stage drove the
// change.
type Tracker struct {
	store Store
	log   *logging.Logger

	mu               sync.Mutex
	latencies        []time.Duration
	latencyIdx       int
	successCount     uint64
	attemptsOnOK     uint64
	throttleRejected uint64
	throttleAdmitted uint64
}

// NewTracker wraps the durable store.
func NewTracker(store Store, log *logging.Logger) *Tracker {
	if log == nil {
		log = logging.New("formwarden-tracker")
	}
	return &Tracker{
		store:     store,
		log:       log,
		latencies: make([]time.Duration, 0, latencyReservoirSize),
	}
}

// Store exposes the underlying store for collaborators that only read.
func (t *Tracker) Store() Store { return t.store }

// Create persists a new record in its initial state.
func (t *Tracker) Create(ctx context.Context, rec *Record) error {
	if rec.State == "" {
		rec.State = StatePending
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	if err := t.store.Insert(ctx, rec); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	metrics.RecordStateTransition(string(rec.State))
	return nil
}

// TransitionOption mutates the record alongside a state change.
type TransitionOption func(*Record)

// WithNextRetryAt sets the next retry deadline.
func WithNextRetryAt(at time.Time) TransitionOption {
	return func(r *Record) { t := at; r.NextRetryAt = &t }
}

// WithoutNextRetry clears the retry deadline.
func WithoutNextRetry() TransitionOption {
	return func(r *Record) { r.NextRetryAt = nil }
}

// WithFailureReason stamps the terminal failure class.
func WithFailureReason(reason FailureReason) TransitionOption {
	return func(r *Record) { r.FailureReason = reason }
}

// WithLastError records the most recent error detail.
func WithLastError(detail string) TransitionOption {
	return func(r *Record) { r.LastError = detail }
}

// WithThrottleDeferral bumps the throttle deferral counter. Deferrals are
// counted apart from delivery attempts so throttling never consumes the
// bounded retry budget.
func WithThrottleDeferral() TransitionOption {
	return func(r *Record) { r.ThrottleDeferrals++ }
}

// Transition moves the record to the target state if the edge is legal and
// persists the result. It returns the updated record.
func (t *Tracker) Transition(ctx context.Context, id string, to State, opts ...TransitionOption) (*Record, error) {
	rec, err := t.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	same := rec.State == to
	if same && len(opts) == 0 {
		return rec, nil // idempotent
	}
	if !same && !CanTransition(rec.State, to) {
		return nil, fmt.Errorf("illegal transition %s -> %s for record %s", rec.State, to, id)
	}
	// A same-state move is idempotent on the state but the options still
	// apply: a batch rejected at the gate a second time must count the
	// deferral and refresh the re-admission deadline.
	rec.State = to
	rec.UpdatedAt = time.Now().UTC()
	if to.Terminal() {
		rec.NextRetryAt = nil
	}
	for _, opt := range opts {
		opt(rec)
	}
	if err := t.store.Update(ctx, rec); err != nil {
		return nil, fmt.Errorf("update record %s: %w", id, err)
	}
	if !same {
		metrics.RecordStateTransition(string(to))
	}
	return rec, nil
}

// RecordAttempt appends one completed attempt and feeds the aggregate
// counters. The attempt trail is never rewritten.
func (t *Tracker) RecordAttempt(ctx context.Context, id string, a Attempt) error {
	if err := t.store.AppendAttempt(ctx, id, a); err != nil {
		return fmt.Errorf("append attempt to %s: %w", id, err)
	}
	if a.Outcome == OutcomeSuccess {
		t.mu.Lock()
		t.successCount++
		t.attemptsOnOK += uint64(a.Number)
		lat := a.CompletedAt.Sub(a.StartedAt)
		if lat > 0 {
			if len(t.latencies) < latencyReservoirSize {
				t.latencies = append(t.latencies, lat)
			} else {
				t.latencies[t.latencyIdx] = lat
				t.latencyIdx = (t.latencyIdx + 1) % latencyReservoirSize
			}
		}
		t.mu.Unlock()
	}
	return nil
}

// NoteThrottleDecision feeds the rejection-rate aggregate.
func (t *Tracker) NoteThrottleDecision(admitted bool) {
	t.mu.Lock()
	if admitted {
		t.throttleAdmitted++
	} else {
		t.throttleRejected++
	}
	t.mu.Unlock()
}

// Get returns one record.
func (t *Tracker) Get(ctx context.Context, id string) (*Record, error) {
	return t.store.Get(ctx, id)
}

// Query returns records matching the filter for history/search/export.
func (t *Tracker) Query(ctx context.Context, f Filter) ([]*Record, error) {
	if f.State != "" && !ValidState(f.State) {
		return nil, fmt.Errorf("unknown state %q", f.State)
	}
	return t.store.Query(ctx, f)
}

// Metrics computes the aggregate snapshot.
func (t *Tracker) Metrics(ctx context.Context) (Snapshot, error) {
	counts, err := t.store.CountByState(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count by state: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	snap := Snapshot{
		Counts:  counts,
		TakenAt: time.Now().UTC(),
	}
	if t.successCount > 0 {
		snap.AvgAttemptsToSuccess = float64(t.attemptsOnOK) / float64(t.successCount)
	}
	if total := t.throttleAdmitted + t.throttleRejected; total > 0 {
		snap.ThrottleRejectionRate = float64(t.throttleRejected) / float64(total)
	}
	if len(t.latencies) > 0 {
		sorted := append([]time.Duration(nil), t.latencies...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.LatencyP50 = percentile(sorted, 0.50)
		snap.LatencyP95 = percentile(sorted, 0.95)
		snap.LatencyP99 = percentile(sorted, 0.99)
	}
	return snap, nil
}

// percentile returns the nearest-rank percentile of a sorted sample set.
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
