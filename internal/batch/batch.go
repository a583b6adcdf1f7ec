// Package batch groups related notifications into per-(recipient, channel)
// delivery batches bounded by a time window and a size cap.
package batch

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/metrics"
	"github.com/formwarden/formwarden/internal/prefs"
)

// Key identifies the open batch for one recipient/channel pair.
type Key struct {
	RecipientID string
	Channel     channel.Channel
}

// Item associates one delivery record with the event and target it delivers.
type Item struct {
	RecordID string
	Event    *event.Event
	Target   prefs.Target
}

// Batch is a window- and size-bounded group of notifications for one
// recipient/channel pair. It is owned exclusively by the aggregator until
// closed; afterwards it is immutable.
type Batch struct {
	ID       string
	Key      Key
	WindowID time.Time // open time; identifies the window
	Deadline time.Time
	Items    []Item
	closed   bool
}

// Closed reports whether the batch has been handed downstream.
func (b *Batch) Closed() bool { return b.closed }

// Size returns the item count.
func (b *Batch) Size() int { return len(b.Items) }

// NewSingle wraps one item in an already-closed batch, used when deferred
// work re-enters the pipeline outside any open window.
func NewSingle(item Item, now time.Time) *Batch {
	return &Batch{
		ID:       uuid.NewString(),
		Key:      Key{RecipientID: item.Target.RecipientID, Channel: item.Target.Channel},
		WindowID: now,
		Deadline: now,
		Items:    []Item{item},
		closed:   true,
	}
}

// Policy bounds batching for one channel. A zero Window disables batching
// for the channel: every submit yields an immediately closed batch.
type Policy struct {
	Window  time.Duration
	SizeCap int
}

// Aggregator maintains the per-key open-batch map. The outer lock guards
// only map access; batch mutation happens under the per-key lock so
// different recipient/channel keys never contend.
type Aggregator struct {
	mu     sync.Mutex
	open   map[Key]*keyState
	policy func(ch channel.Channel) Policy

	// Severity at or above this threshold bypasses batching entirely:
	// critical changes must not wait for a batch to fill.
	urgencyThreshold event.Severity
}

type keyState struct {
	mu    sync.Mutex
	batch *Batch
}

// NewAggregator builds an aggregator with per-channel policies and the
// urgency bypass threshold.
func NewAggregator(policy func(ch channel.Channel) Policy, urgencyThreshold event.Severity) *Aggregator {
	return &Aggregator{
		open:             make(map[Key]*keyState),
		policy:           policy,
		urgencyThreshold: urgencyThreshold,
	}
}

func (a *Aggregator) stateFor(key Key) *keyState {
	a.mu.Lock()
	defer a.mu.Unlock()
	ks, ok := a.open[key]
	if !ok {
		ks = &keyState{}
		a.open[key] = ks
	}
	return ks
}

// Submit adds one delivery item to the open batch for its key, opening a new
// window when none is open or when the current one just filled. It returns
// any batch that closed as a consequence (size cap reached, zero window, or
// urgency bypass); otherwise nil.
func (a *Aggregator) Submit(item Item, now time.Time) []*Batch {
	ch := item.Target.Channel
	pol := a.policy(ch)

	// Urgency bypass: a single-item batch closed on the spot, without
	// touching the open window for this key.
	if item.Event.Severity.AtLeast(a.urgencyThreshold) || pol.Window <= 0 {
		b := &Batch{
			ID:       uuid.NewString(),
			Key:      Key{RecipientID: item.Target.RecipientID, Channel: ch},
			WindowID: now,
			Deadline: now,
			Items:    []Item{item},
			closed:   true,
		}
		metrics.RecordBatchClosed(string(ch), 1)
		return []*Batch{b}
	}

	key := Key{RecipientID: item.Target.RecipientID, Channel: ch}
	ks := a.stateFor(key)

	ks.mu.Lock()
	defer ks.mu.Unlock()

	var closed []*Batch
	if ks.batch != nil && pol.SizeCap > 0 && len(ks.batch.Items) >= pol.SizeCap {
		closed = append(closed, a.closeLocked(ks))
	}
	if ks.batch == nil {
		ks.batch = &Batch{
			ID:       uuid.NewString(),
			Key:      key,
			WindowID: now,
			Deadline: now.Add(pol.Window),
		}
		metrics.OpenBatches.Inc()
	}
	ks.batch.Items = append(ks.batch.Items, item)
	if pol.SizeCap > 0 && len(ks.batch.Items) >= pol.SizeCap {
		closed = append(closed, a.closeLocked(ks))
	}
	return closed
}

// closeLocked seals the current batch for ks and clears the slot. Callers
// hold ks.mu.
func (a *Aggregator) closeLocked(ks *keyState) *Batch {
	b := ks.batch
	ks.batch = nil
	b.closed = true
	metrics.OpenBatches.Dec()
	metrics.RecordBatchClosed(string(b.Key.Channel), len(b.Items))
	return b
}

// FlushDue closes every open batch whose deadline has elapsed and returns
// them. Closing is idempotent: a batch already closed is never re-emitted.
// The periodic sweep is the only caller, and it runs single-flight.
func (a *Aggregator) FlushDue(now time.Time) []*Batch {
	a.mu.Lock()
	states := make([]*keyState, 0, len(a.open))
	for _, ks := range a.open {
		states = append(states, ks)
	}
	a.mu.Unlock()

	var due []*Batch
	for _, ks := range states {
		ks.mu.Lock()
		if ks.batch != nil && !ks.batch.Deadline.After(now) {
			due = append(due, a.closeLocked(ks))
		}
		ks.mu.Unlock()
	}
	return due
}

// OpenCount reports how many batches are currently accumulating.
func (a *Aggregator) OpenCount() int {
	a.mu.Lock()
	states := make([]*keyState, 0, len(a.open))
	for _, ks := range a.open {
		states = append(states, ks)
	}
	a.mu.Unlock()

	n := 0
	for _, ks := range states {
		ks.mu.Lock()
		if ks.batch != nil {
			n++
		}
		ks.mu.Unlock()
	}
	return n
}
