// Package retry schedules deferred pipeline work on a single time-ordered
// queue: bounded delivery retries with exponential backoff, and throttle
// re-admissions which re-enter at the gate and never consume the retry
// budget.
package retry

import (
	"container/heap"
	"math/rand"
	"sync"
	"time"
)

// Kind distinguishes the two deferral flavors.
type Kind int

const (
	// KindDeliveryRetry re-dispatches one record after a transient failure.
	KindDeliveryRetry Kind = iota
	// KindThrottleReadmit re-submits a throttle-rejected batch to the gate.
	KindThrottleReadmit
)

func (k Kind) String() string {
	if k == KindThrottleReadmit {
		return "throttle_readmit"
	}
	return "delivery_retry"
}

// Entry is one pending piece of deferred work. Ref is the record id for
// delivery retries and the batch id for re-admissions.
type Entry struct {
	Due  time.Time
	Kind Kind
	Ref  string
}

// Policy bounds the delivery-retry backoff.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay computes the backoff before the next attempt:
//
//	min(maxDelay, baseDelay * 2^attempt) * (0.5 + rand(0, 0.5))
//
// attempt is the number of attempts already made (1 after the first try).
func (p Policy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := 0.5 + rng.Float64()*0.5
	return time.Duration(float64(d) * jitter)
}

// Exhausted reports whether the attempt budget is spent.
func (p Policy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

type entryHeap []Entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].Due.Before(h[j].Due) }
func (h entryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *entryHeap) Push(x any)         { *h = append(*h, x.(Entry)) }
func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// Scheduler is a min-heap of pending re-admissions and retries. A single
// periodic sweep pops due entries and routes them upstream; cancellation
// removes an entry lazily by marking its ref.
type Scheduler struct {
	mu        sync.Mutex
	heap      entryHeap
	cancelled map[string]struct{}
}

// NewScheduler returns an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{cancelled: make(map[string]struct{})}
}

// Schedule queues one deferred entry.
func (s *Scheduler) Schedule(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelled, e.Ref)
	heap.Push(&s.heap, e)
}

// Cancel suppresses any pending entries for ref. Entries already popped are
// unaffected; in-flight work is advisory per the cancellation contract.
func (s *Scheduler) Cancel(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled[ref] = struct{}{}
}

// PopDue removes and returns every entry due at or before now, skipping
// cancelled refs.
func (s *Scheduler) PopDue(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Entry
	for len(s.heap) > 0 && !s.heap[0].Due.After(now) {
		e := heap.Pop(&s.heap).(Entry)
		if _, dropped := s.cancelled[e.Ref]; dropped {
			delete(s.cancelled, e.Ref)
			continue
		}
		due = append(due, e)
	}
	return due
}

// NextDue returns the earliest deadline in the queue, if any.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].Due, true
}

// Len reports the number of queued entries, including lazily cancelled ones.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.heap)
}
