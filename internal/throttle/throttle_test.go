package throttle

import (
	"testing"
	"time"
)

func fixedPolicy(capacity float64, window time.Duration) func(string) Policy {
	return func(string) Policy {
		return Policy{Capacity: capacity, Window: window}
	}
}

func TestAdmitUntilCapacityExhausted(t *testing.T) {
	gate := NewGate(fixedPolicy(3, time.Minute))
	key := Key{RecipientID: "u1", Channel: "webhook"}
	now := time.Now()

	for i := 0; i < 3; i++ {
		d := gate.Admit(key, 1, now)
		if !d.Admitted {
			t.Fatalf("admission %d rejected, want admitted", i+1)
		}
	}

	d := gate.Admit(key, 1, now)
	if d.Admitted {
		t.Fatal("fourth admission admitted, want rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("RetryAfter = %v, want positive", d.RetryAfter)
	}
}

func TestRefillAfterWindow(t *testing.T) {
	gate := NewGate(fixedPolicy(2, time.Minute))
	key := Key{RecipientID: "u1", Channel: "email"}
	now := time.Now()

	gate.Admit(key, 2, now)
	if d := gate.Admit(key, 1, now); d.Admitted {
		t.Fatal("admitted with empty bucket")
	}

	// A full window later the bucket is back at capacity.
	later := now.Add(time.Minute)
	for i := 0; i < 2; i++ {
		if d := gate.Admit(key, 1, later); !d.Admitted {
			t.Fatalf("admission %d after refill rejected", i+1)
		}
	}
}

func TestRetryAfterCoversDeficit(t *testing.T) {
	// 60 tokens per minute = 1 token per second.
	gate := NewGate(fixedPolicy(60, time.Minute))
	key := Key{RecipientID: "u1", Channel: "webhook"}
	now := time.Now()

	gate.Admit(key, 60, now)
	d := gate.Admit(key, 5, now)
	if d.Admitted {
		t.Fatal("admitted with empty bucket")
	}
	if d.RetryAfter < 4*time.Second || d.RetryAfter > 6*time.Second {
		t.Fatalf("RetryAfter = %v, want about 5s for a 5 token deficit", d.RetryAfter)
	}

	// Waiting the advertised delay must make the same request admissible.
	if d2 := gate.Admit(key, 5, now.Add(d.RetryAfter)); !d2.Admitted {
		t.Fatalf("request rejected after waiting RetryAfter %v", d.RetryAfter)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	gate := NewGate(fixedPolicy(1, time.Minute))
	now := time.Now()

	a := Key{RecipientID: "u1", Channel: "webhook"}
	b := Key{RecipientID: "u2", Channel: "webhook"}
	c := Key{RecipientID: "u1", Channel: "email"}

	if d := gate.Admit(a, 1, now); !d.Admitted {
		t.Fatal("first admission for a rejected")
	}
	if d := gate.Admit(a, 1, now); d.Admitted {
		t.Fatal("second admission for a admitted, bucket should be empty")
	}
	// Other recipient and other channel are untouched.
	if d := gate.Admit(b, 1, now); !d.Admitted {
		t.Fatal("admission for b rejected, buckets not independent by recipient")
	}
	if d := gate.Admit(c, 1, now); !d.Admitted {
		t.Fatal("admission for c rejected, buckets not independent by channel")
	}
}

func TestPartialRefillIsContinuous(t *testing.T) {
	gate := NewGate(fixedPolicy(10, 10*time.Second))
	key := Key{RecipientID: "u1", Channel: "chat"}
	now := time.Now()

	gate.Admit(key, 10, now)

	// 3 seconds accrues 3 tokens; a cost of 3 fits, 4 does not.
	at := now.Add(3 * time.Second)
	if d := gate.Admit(key, 4, at); d.Admitted {
		t.Fatal("cost 4 admitted after 3s refill")
	}
	if d := gate.Admit(key, 3, at); !d.Admitted {
		t.Fatal("cost 3 rejected after 3s refill")
	}
}

func TestSnapshotDoesNotConsume(t *testing.T) {
	gate := NewGate(fixedPolicy(5, time.Minute))
	key := Key{RecipientID: "u1", Channel: "webhook"}
	now := time.Now()

	tokens, capacity := gate.Snapshot(key, now)
	if tokens != 5 || capacity != 5 {
		t.Fatalf("Snapshot = (%v, %v), want (5, 5)", tokens, capacity)
	}
	gate.Snapshot(key, now)
	if d := gate.Admit(key, 5, now); !d.Admitted {
		t.Fatal("snapshot consumed tokens")
	}
}

func TestClockGoingBackwardsRefillsNothing(t *testing.T) {
	gate := NewGate(fixedPolicy(2, time.Minute))
	key := Key{RecipientID: "u1", Channel: "webhook"}
	now := time.Now()

	gate.Admit(key, 2, now)
	if d := gate.Admit(key, 1, now.Add(-time.Hour)); d.Admitted {
		t.Fatal("backwards clock produced tokens")
	}
}
