// Package engine wires the delivery pipeline: preference fan-out, batching,
// throttling, dispatch, retries and tracking. One Engine is one logical
// delivery-engine instance; all shared state (buckets, open batches, pending
// retries) lives on the instance, never in package globals, so multiple
// engines can coexist in one process.
package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/formwarden/formwarden/internal/batch"
	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/config"
	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/logging"
	"github.com/formwarden/formwarden/internal/metrics"
	"github.com/formwarden/formwarden/internal/prefs"
	"github.com/formwarden/formwarden/internal/render"
	"github.com/formwarden/formwarden/internal/retry"
	"github.com/formwarden/formwarden/internal/throttle"
	"github.com/formwarden/formwarden/internal/tracing"
	"github.com/formwarden/formwarden/internal/track"
)

// DeadLetters receives records that went terminal without delivery.
type DeadLetters interface {
	Publish(ctx context.Context, dl track.DeadLetter) error
}

// IngestResult is returned synchronously from Ingest; delivery continues
// asynchronously regardless of downstream outcomes.
type IngestResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"duplicate"`
	Fanout    int    `json:"fanout"`
}

// ErrStoreUnavailable wraps system-fatal store failures surfaced to the
// caller; pending in-memory work is retained for resumption.
var ErrStoreUnavailable = errors.New("durable store unavailable")

// Engine runs the notification delivery pipeline.
type Engine struct {
	cfg      config.Config
	log      *logging.Logger
	filter   *prefs.Filter
	agg      *batch.Aggregator
	gate     *throttle.Gate
	sched    *retry.Scheduler
	tracker  *track.Tracker
	renderer render.Renderer
	channels *channel.Registry
	dlq      DeadLetters // nil disables dead letter publishing
	policy   retry.Policy
	rng      *rand.Rand
	rngMu    sync.Mutex

	mu        sync.Mutex
	items     map[string]*pipelineItem // record id -> live item
	deferred  map[string]*batch.Batch  // batch id -> throttled batch awaiting re-admission
	queued    map[string]struct{}      // refs with a pending scheduler entry
	cancelled map[string]struct{}      // records cancelled while a dispatch was in flight

	sem  chan struct{} // bounds concurrent adapter invocations
	wg   sync.WaitGroup
	stop chan struct{}
}

type pipelineItem struct {
	recordID string
	ev       *event.Event
	target   prefs.Target
}

// New assembles an engine from its collaborators.
func New(cfg config.Config, filter *prefs.Filter, tracker *track.Tracker, renderer render.Renderer, channels *channel.Registry, dlq DeadLetters, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.New("formwarden-engine")
	}
	maxConc := cfg.Dispatch.MaxConcurrent
	if maxConc <= 0 {
		maxConc = 16
	}
	e := &Engine{
		cfg:      cfg,
		log:      log,
		filter:   filter,
		tracker:  tracker,
		renderer: renderer,
		channels: channels,
		dlq:      dlq,
		sched:    retry.NewScheduler(),
		policy: retry.Policy{
			BaseDelay:   cfg.Retry.BaseDelay,
			MaxDelay:    cfg.Retry.MaxDelay,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		items:     make(map[string]*pipelineItem),
		deferred:  make(map[string]*batch.Batch),
		queued:    make(map[string]struct{}),
		cancelled: make(map[string]struct{}),
		sem:       make(chan struct{}, maxConc),
		stop:      make(chan struct{}),
	}
	e.agg = batch.NewAggregator(func(ch channel.Channel) batch.Policy {
		p := cfg.Policy(string(ch))
		return batch.Policy{Window: p.BatchWindow, SizeCap: p.BatchSizeCap}
	}, cfg.UrgencyThreshold)
	e.gate = throttle.NewGate(func(ch string) throttle.Policy {
		p := cfg.Policy(ch)
		return throttle.Policy{Capacity: float64(p.ThrottleCapacity), Window: p.ThrottleWindow}
	})
	return e
}

// Tracker exposes the tracker for query/metrics collaborators.
func (e *Engine) Tracker() *track.Tracker { return e.tracker }

// Ingest accepts one change event. It is idempotent on the event id: a
// duplicate returns the existing id without a second fan-out. Ingest always
// returns promptly; no downstream delivery error propagates here.
func (e *Engine) Ingest(ctx context.Context, ev *event.Event) (IngestResult, error) {
	ctx, span := tracing.StartSpan(ctx, "engine.Ingest",
		attribute.String("subject_type", ev.SubjectType),
		attribute.String("severity", string(ev.Severity)),
	)
	defer span.End()

	now := time.Now().UTC()
	ev.Normalize(now)
	if err := ev.Validate(); err != nil {
		metrics.RecordEventIngested("invalid")
		tracing.SetSpanError(ctx, err)
		return IngestResult{}, fmt.Errorf("invalid event: %w", err)
	}
	span.SetAttributes(attribute.String("event_id", ev.ID))

	// Dedupe is decided atomically by the store.
	if err := e.tracker.Store().PutEvent(ctx, ev); err != nil {
		if errors.Is(err, track.ErrDuplicateEvent) {
			metrics.RecordEventIngested("duplicate")
			tracing.AddSpanEvent(ctx, "duplicate_event_detected")
			return IngestResult{EventID: ev.ID, Duplicate: true}, nil
		}
		tracing.SetSpanError(ctx, err)
		return IngestResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	targets, err := e.filter.ResolveTargets(ctx, ev)
	if err != nil {
		// Fail closed: the event is recorded but fans out to nobody.
		e.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("target resolution failed, no fan-out")
		metrics.RecordEventIngested("accepted")
		return IngestResult{EventID: ev.ID}, nil
	}
	span.SetAttributes(attribute.Int("fanout_count", len(targets)))

	for _, target := range targets {
		rec := &track.Record{
			ID:          uuid.NewString(),
			EventID:     ev.ID,
			RecipientID: target.RecipientID,
			Channel:     string(target.Channel),
			Address:     target.Address,
			Role:        target.Role,
			SubjectType: ev.SubjectType,
			Severity:    string(ev.Severity),
			State:       track.StatePending,
		}
		if err := e.tracker.Create(ctx, rec); err != nil {
			e.log.WithContext(ctx).WithEvent(ev.ID).WithRecipient(target.RecipientID).
				WithChannel(string(target.Channel)).WithError(err).Error("record create failed")
			continue
		}

		item := batch.Item{RecordID: rec.ID, Event: ev, Target: target}
		e.mu.Lock()
		e.items[rec.ID] = &pipelineItem{recordID: rec.ID, ev: ev, target: target}
		e.mu.Unlock()

		// The record must be batched before the aggregator can see it: a
		// concurrent producer on the same key may close the batch and admit
		// it on its own goroutine, and pending is not admissible.
		if _, err := e.tracker.Transition(ctx, rec.ID, track.StateBatched); err != nil {
			e.log.WithContext(ctx).WithRecord(rec.ID).WithError(err).Error("batch transition failed")
			e.forget(rec.ID)
			continue
		}
		closed := e.agg.Submit(item, now)
		for _, b := range closed {
			e.admitBatch(ctx, b, time.Now().UTC())
		}
	}

	metrics.RecordEventIngested("accepted")
	return IngestResult{EventID: ev.ID, Fanout: len(targets)}, nil
}

// Cancel marks a record cancelled and removes it from any pending retry
// queue. For a dispatch already in flight the cancel is advisory: the
// in-flight outcome still records, but no further retry is scheduled.
func (e *Engine) Cancel(ctx context.Context, recordID string) error {
	rec, err := e.tracker.Get(ctx, recordID)
	if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return fmt.Errorf("record %s already terminal (%s)", recordID, rec.State)
	}

	// Suppress a pending scheduler entry, if any; clearing the queued marker
	// here keeps the map from accumulating cancelled refs whose suppressed
	// entries are dropped inside PopDue without ever being returned.
	e.mu.Lock()
	_, pending := e.queued[recordID]
	delete(e.queued, recordID)
	e.mu.Unlock()
	if pending {
		e.sched.Cancel(recordID)
	}
	if rec.State == track.StateDispatching {
		e.mu.Lock()
		e.cancelled[recordID] = struct{}{}
		e.mu.Unlock()
		e.log.WithContext(ctx).WithRecord(recordID).Info("cancel noted for in-flight dispatch")
		return nil
	}

	if _, err := e.tracker.Transition(ctx, recordID, track.StateCancelled); err != nil {
		return err
	}
	e.forget(recordID)
	e.log.WithContext(ctx).WithRecord(recordID).Info("record cancelled")
	return nil
}

// Run drives the periodic sweep until ctx is done: closing due batches,
// popping due retries and re-admissions. It is the single scheduled
// activity; no two sweeps ever race.
func (e *Engine) Run(ctx context.Context) {
	interval := e.cfg.Dispatch.FlushInterval
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.log.Plain().WithField("flush_interval", interval.String()).Info("engine sweep started")
	for {
		select {
		case <-ctx.Done():
			e.Shutdown()
			return
		case <-e.stop:
			return
		case now := <-ticker.C:
			e.Sweep(ctx, now.UTC())
		}
	}
}

// Sweep runs one pipeline tick. Exposed so tests can drive time explicitly.
func (e *Engine) Sweep(ctx context.Context, now time.Time) {
	for _, b := range e.agg.FlushDue(now) {
		e.admitBatch(ctx, b, now)
	}
	for _, entry := range e.sched.PopDue(now) {
		e.unqueue(entry.Ref)
		switch entry.Kind {
		case retry.KindThrottleReadmit:
			e.mu.Lock()
			b := e.deferred[entry.Ref]
			delete(e.deferred, entry.Ref)
			e.mu.Unlock()
			if b != nil {
				e.admitBatch(ctx, b, now)
			}
		case retry.KindDeliveryRetry:
			e.mu.Lock()
			item := e.items[entry.Ref]
			e.mu.Unlock()
			if item == nil {
				continue
			}
			single := batch.NewSingle(batch.Item{RecordID: item.recordID, Event: item.ev, Target: item.target}, now)
			e.admitBatch(ctx, single, now)
		}
	}
}

// Shutdown stops accepting sweep work and waits for in-flight dispatches.
func (e *Engine) Shutdown() {
	select {
	case <-e.stop:
	default:
		close(e.stop)
	}
	e.wg.Wait()
}

// admitBatch runs one closed batch through the throttle gate. Admitted
// batches dispatch asynchronously; rejected ones are deferred with the
// gate-computed delay, never dropped.
func (e *Engine) admitBatch(ctx context.Context, b *batch.Batch, now time.Time) {
	key := throttle.Key{RecipientID: b.Key.RecipientID, Channel: string(b.Key.Channel)}
	cost := 1.0
	if e.cfg.Policy(string(b.Key.Channel)).CostPerItem {
		cost = float64(b.Size())
	}

	decision := e.gate.Admit(key, cost, now)
	e.tracker.NoteThrottleDecision(decision.Admitted)
	metrics.RecordThrottleDecision(string(b.Key.Channel), decision.Admitted)

	if !decision.Admitted {
		retryAt := now.Add(decision.RetryAfter)
		live := 0
		for _, item := range b.Items {
			if _, err := e.tracker.Transition(ctx, item.RecordID, track.StateThrottled,
				track.WithThrottleDeferral(), track.WithNextRetryAt(retryAt)); err != nil {
				// Cancelled or already terminal; it simply drops out of the batch.
				continue
			}
			live++
		}
		if live == 0 {
			return
		}
		e.mu.Lock()
		e.deferred[b.ID] = b
		e.queued[b.ID] = struct{}{}
		e.mu.Unlock()
		e.sched.Schedule(retry.Entry{Due: retryAt, Kind: retry.KindThrottleReadmit, Ref: b.ID})
		e.log.WithContext(ctx).WithBatch(b.ID).WithChannel(string(b.Key.Channel)).
			WithField("retry_after", decision.RetryAfter.String()).Info("batch throttled, deferred")
		return
	}

	ready := b.Items[:0:0]
	for _, item := range b.Items {
		if _, err := e.tracker.Transition(ctx, item.RecordID, track.StateReady, track.WithoutNextRetry()); err != nil {
			continue
		}
		ready = append(ready, item)
	}
	if len(ready) == 0 {
		return
	}

	e.wg.Add(1)
	go func(items []batch.Item) {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()
		e.dispatchItems(context.WithoutCancel(ctx), b.ID, items)
	}(ready)
}

// unqueue clears the pending-scheduler marker for a ref.
func (e *Engine) unqueue(ref string) {
	e.mu.Lock()
	delete(e.queued, ref)
	e.mu.Unlock()
}

// forget drops all engine-side state for a finished record.
func (e *Engine) forget(recordID string) {
	e.mu.Lock()
	delete(e.items, recordID)
	delete(e.cancelled, recordID)
	e.mu.Unlock()
}

// Reconcile re-queues records whose retry deadline passed while the engine
// was not looking, typically after a restart or store outage. Records with a
// scheduler entry already pending are left alone.
func (e *Engine) Reconcile(ctx context.Context, now time.Time) {
	due, err := e.tracker.Store().Due(ctx, now)
	if err != nil {
		e.log.WithContext(ctx).WithError(err).Error("reconcile: due scan failed")
		return
	}
	for _, rec := range due {
		e.mu.Lock()
		_, pending := e.queued[rec.ID]
		if !pending {
			// Throttled records re-admit through their deferred batch.
			for ref := range e.deferred {
				if _, ok := e.queued[ref]; ok {
					pending = pending || e.batchHasRecord(ref, rec.ID)
				}
			}
		}
		e.mu.Unlock()
		if pending {
			continue
		}

		ev, err := e.tracker.Store().GetEvent(ctx, rec.EventID)
		if err != nil {
			e.log.WithContext(ctx).WithRecord(rec.ID).WithEvent(rec.EventID).
				WithError(err).Error("reconcile: source event missing")
			continue
		}
		target := prefs.Target{
			RecipientID: rec.RecipientID,
			Channel:     channel.Channel(rec.Channel),
			Address:     rec.Address,
			Role:        rec.Role,
		}
		e.mu.Lock()
		e.items[rec.ID] = &pipelineItem{recordID: rec.ID, ev: ev, target: target}
		e.mu.Unlock()

		e.log.WithContext(ctx).WithRecord(rec.ID).WithField("state", string(rec.State)).Info("reconcile: resuming record")
		single := batch.NewSingle(batch.Item{RecordID: rec.ID, Event: ev, Target: target}, now)
		e.admitBatch(ctx, single, now)
	}
}

// batchHasRecord reports whether a deferred batch contains the record.
// Callers hold e.mu.
func (e *Engine) batchHasRecord(batchID, recordID string) bool {
	b, ok := e.deferred[batchID]
	if !ok {
		return false
	}
	for _, item := range b.Items {
		if item.RecordID == recordID {
			return true
		}
	}
	return false
}
