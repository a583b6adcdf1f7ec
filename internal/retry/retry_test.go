package retry

import (
	"math/rand"
	"testing"
	"time"
)

func TestDelayGrowsExponentiallyWithinBounds(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 10 * time.Minute, MaxAttempts: 6}
	rng := rand.New(rand.NewSource(1))

	// For each attempt the jittered delay must stay within
	// [0.5, 1.0] * min(maxDelay, base*2^attempt).
	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := time.Second << attempt
		if ceiling > p.MaxDelay {
			ceiling = p.MaxDelay
		}
		for i := 0; i < 50; i++ {
			d := p.Delay(attempt, rng)
			if d < ceiling/2 || d > ceiling {
				t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, d, ceiling/2, ceiling)
			}
		}
	}
}

func TestDelayIsCappedAtMax(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: 8 * time.Second, MaxAttempts: 6}
	rng := rand.New(rand.NewSource(7))

	for i := 0; i < 100; i++ {
		if d := p.Delay(20, rng); d > 8*time.Second {
			t.Fatalf("Delay(20) = %v, exceeds cap", d)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Policy{BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 3}
	tests := []struct {
		attempts int
		want     bool
	}{
		{0, false},
		{2, false},
		{3, true},
		{4, true},
	}
	for _, tt := range tests {
		if got := p.Exhausted(tt.attempts); got != tt.want {
			t.Errorf("Exhausted(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestSchedulerPopsInDueOrder(t *testing.T) {
	s := NewScheduler()
	now := time.Now()

	s.Schedule(Entry{Due: now.Add(3 * time.Second), Kind: KindDeliveryRetry, Ref: "c"})
	s.Schedule(Entry{Due: now.Add(time.Second), Kind: KindDeliveryRetry, Ref: "a"})
	s.Schedule(Entry{Due: now.Add(2 * time.Second), Kind: KindThrottleReadmit, Ref: "b"})

	if due := s.PopDue(now); len(due) != 0 {
		t.Fatalf("PopDue before any deadline returned %d entries", len(due))
	}

	due := s.PopDue(now.Add(2 * time.Second))
	if len(due) != 2 {
		t.Fatalf("PopDue returned %d entries, want 2", len(due))
	}
	if due[0].Ref != "a" || due[1].Ref != "b" {
		t.Fatalf("PopDue order = [%s %s], want [a b]", due[0].Ref, due[1].Ref)
	}

	if next, ok := s.NextDue(); !ok || !next.Equal(now.Add(3*time.Second)) {
		t.Fatalf("NextDue = (%v, %v), want remaining entry", next, ok)
	}
}

func TestSchedulerCancelSuppressesEntry(t *testing.T) {
	s := NewScheduler()
	now := time.Now()

	s.Schedule(Entry{Due: now, Kind: KindDeliveryRetry, Ref: "a"})
	s.Schedule(Entry{Due: now, Kind: KindDeliveryRetry, Ref: "b"})
	s.Cancel("a")

	due := s.PopDue(now)
	if len(due) != 1 || due[0].Ref != "b" {
		t.Fatalf("PopDue after cancel = %v, want only b", due)
	}
}

func TestScheduleAfterCancelClearsSuppression(t *testing.T) {
	s := NewScheduler()
	now := time.Now()

	s.Cancel("a")
	s.Schedule(Entry{Due: now, Kind: KindDeliveryRetry, Ref: "a"})

	due := s.PopDue(now)
	if len(due) != 1 || due[0].Ref != "a" {
		t.Fatalf("PopDue = %v, want the rescheduled entry", due)
	}
}

func TestKindString(t *testing.T) {
	if KindDeliveryRetry.String() != "delivery_retry" {
		t.Errorf("KindDeliveryRetry.String() = %q", KindDeliveryRetry.String())
	}
	if KindThrottleReadmit.String() != "throttle_readmit" {
		t.Errorf("KindThrottleReadmit.String() = %q", KindThrottleReadmit.String())
	}
}
