// Package throttle bounds delivery volume per (recipient, channel) pair with
// independent token buckets. Buckets never coordinate across keys, so the
// gate partitions cleanly by recipient key.
package throttle

import (
	"sync"
	"time"
)

// Key addresses one bucket.
type Key struct {
	RecipientID string
	Channel     string
}

// Policy configures the buckets created for one channel.
type Policy struct {
	Capacity float64       // tokens at full refill
	Window   time.Duration // time to refill from empty to Capacity
}

// Decision is the outcome of one admission request.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration // time until enough tokens accrue; zero when admitted
}

type bucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	lastRefill time.Time
	window     time.Duration
}

// Gate owns the bucket registry. The outer lock only guards map access;
// every admission decision is a single read-modify-write under the bucket's
// own lock, so admissions for different keys never contend.
type Gate struct {
	mu      sync.RWMutex
	buckets map[Key]*bucket
	policy  func(channel string) Policy
}

// NewGate builds a gate whose buckets are sized by the per-channel policy
// function.
func NewGate(policy func(channel string) Policy) *Gate {
	return &Gate{
		buckets: make(map[Key]*bucket),
		policy:  policy,
	}
}

func (g *Gate) bucketFor(key Key, now time.Time) *bucket {
	g.mu.RLock()
	b, ok := g.buckets[key]
	g.mu.RUnlock()
	if ok {
		return b
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok = g.buckets[key]; ok {
		return b
	}
	p := g.policy(key.Channel)
	if p.Capacity <= 0 {
		p.Capacity = 1
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	b = &bucket{
		capacity:   p.Capacity,
		tokens:     p.Capacity,
		lastRefill: now,
		window:     p.Window,
	}
	g.buckets[key] = b
	return b
}

// Admit consumes cost tokens from the bucket for key if available after
// continuous refill, otherwise rejects with the time until the deficit
// accrues. Rejected work is deferred, never dropped.
func (g *Gate) Admit(key Key, cost float64, now time.Time) Decision {
	if cost <= 0 {
		cost = 1
	}
	b := g.bucketFor(key, now)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Continuous refill at capacity/window since the last touch. A clock
	// that went backwards refills nothing.
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		b.tokens += elapsed.Seconds() * (b.capacity / b.window.Seconds())
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
	}
	b.lastRefill = now

	if b.tokens >= cost {
		b.tokens -= cost
		return Decision{Admitted: true}
	}

	deficit := cost - b.tokens
	perToken := b.window.Seconds() / b.capacity
	retryAfter := time.Duration(deficit * perToken * float64(time.Second))
	if retryAfter <= 0 {
		retryAfter = time.Millisecond
	}
	return Decision{Admitted: false, RetryAfter: retryAfter}
}

// Snapshot reports the current token level for a key, refilled to now.
// Intended for diagnostics; it does not consume tokens.
func (g *Gate) Snapshot(key Key, now time.Time) (tokens, capacity float64) {
	b := g.bucketFor(key, now)
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.tokens
	if elapsed := now.Sub(b.lastRefill); elapsed > 0 {
		t += elapsed.Seconds() * (b.capacity / b.window.Seconds())
		if t > b.capacity {
			t = b.capacity
		}
	}
	return t, b.capacity
}
