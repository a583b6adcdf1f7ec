package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/track"
)

func newRecord(id, eventID, recipient, channel string, state track.State, createdAt time.Time) *track.Record {
	return &track.Record{
		ID:          id,
		EventID:     eventID,
		RecipientID: recipient,
		Channel:     channel,
		SubjectType: "form.consent",
		Severity:    "info",
		State:       state,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestPutEventDeduplicates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	ev := &event.Event{ID: "ev-1", SubjectType: "form.consent", Severity: event.SeverityInfo, CreatedAt: time.Now()}

	if err := m.PutEvent(ctx, ev); err != nil {
		t.Fatalf("first PutEvent: %v", err)
	}
	if err := m.PutEvent(ctx, ev); !errors.Is(err, track.ErrDuplicateEvent) {
		t.Fatalf("second PutEvent = %v, want ErrDuplicateEvent", err)
	}

	got, err := m.GetEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if got.SubjectType != ev.SubjectType {
		t.Fatalf("GetEvent returned %+v", got)
	}
	if _, err := m.GetEvent(ctx, "missing"); !errors.Is(err, track.ErrNotFound) {
		t.Fatalf("GetEvent(missing) = %v, want ErrNotFound", err)
	}
}

func TestInsertRejectsDuplicateID(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	if err := m.Insert(ctx, newRecord("r1", "ev-1", "u1", "email", track.StatePending, now)); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := m.Insert(ctx, newRecord("r1", "ev-1", "u1", "email", track.StatePending, now)); err == nil {
		t.Fatal("duplicate Insert accepted")
	}
}

func TestUpdatePreservesPersistedAttempts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	rec := newRecord("r1", "ev-1", "u1", "webhook", track.StatePending, now)
	_ = m.Insert(ctx, rec)
	_ = m.AppendAttempt(ctx, "r1", track.Attempt{Number: 1, Outcome: track.OutcomeTransientFailure})

	// An update carrying a stale (empty) trail must not erase the attempt.
	head := rec.Clone()
	head.State = track.StateRetryPending
	head.Attempts = nil
	if err := m.Update(ctx, head); err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, _ := m.Get(ctx, "r1")
	if got.State != track.StateRetryPending {
		t.Fatalf("state = %s, want retry_pending", got.State)
	}
	if got.AttemptCount() != 1 {
		t.Fatalf("attempt count = %d, want trail preserved", got.AttemptCount())
	}
}

func TestGetReturnsDeepCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = m.Insert(ctx, newRecord("r1", "ev-1", "u1", "email", track.StatePending, now))
	_ = m.AppendAttempt(ctx, "r1", track.Attempt{Number: 1, Outcome: track.OutcomeSuccess})

	got, _ := m.Get(ctx, "r1")
	got.State = track.StateDelivered
	got.Attempts[0].Outcome = track.OutcomePermanentFailure

	fresh, _ := m.Get(ctx, "r1")
	if fresh.State != track.StatePending {
		t.Fatal("caller mutation leaked into store state")
	}
	if fresh.Attempts[0].Outcome != track.OutcomeSuccess {
		t.Fatal("caller mutation leaked into stored attempts")
	}
}

func TestQueryFiltersAndPaginates(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)

	_ = m.Insert(ctx, newRecord("r1", "ev-1", "u1", "email", track.StateDelivered, base))
	_ = m.Insert(ctx, newRecord("r2", "ev-1", "u2", "webhook", track.StatePending, base.Add(time.Minute)))
	_ = m.Insert(ctx, newRecord("r3", "ev-2", "u1", "webhook", track.StatePending, base.Add(2*time.Minute)))

	tests := []struct {
		name   string
		filter track.Filter
		want   []string // expected ids, newest first
	}{
		{"all", track.Filter{}, []string{"r3", "r2", "r1"}},
		{"by event", track.Filter{EventID: "ev-1"}, []string{"r2", "r1"}},
		{"by recipient", track.Filter{RecipientID: "u1"}, []string{"r3", "r1"}},
		{"by channel", track.Filter{Channel: "webhook"}, []string{"r3", "r2"}},
		{"by state", track.Filter{State: track.StatePending}, []string{"r3", "r2"}},
		{"time window", track.Filter{From: base.Add(30 * time.Second), To: base.Add(90 * time.Second)}, []string{"r2"}},
		{"limit", track.Filter{Limit: 2}, []string{"r3", "r2"}},
		{"offset", track.Filter{Offset: 1}, []string{"r2", "r1"}},
		{"offset past end", track.Filter{Offset: 10}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Query(ctx, tt.filter)
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("Query returned %d records, want %d", len(got), len(tt.want))
			}
			for i, rec := range got {
				if rec.ID != tt.want[i] {
					t.Fatalf("Query order = %v at %d, want %v", rec.ID, i, tt.want)
				}
			}
		})
	}
}

func TestFindByEventKeepsInsertionOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = m.Insert(ctx, newRecord("r1", "ev-1", "u1", "email", track.StatePending, now))
	_ = m.Insert(ctx, newRecord("r2", "ev-1", "u2", "webhook", track.StatePending, now))

	got, err := m.FindByEvent(ctx, "ev-1")
	if err != nil {
		t.Fatalf("FindByEvent: %v", err)
	}
	if len(got) != 2 || got[0].ID != "r1" || got[1].ID != "r2" {
		t.Fatalf("FindByEvent = %v", got)
	}
}

func TestCountByState(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()

	_ = m.Insert(ctx, newRecord("r1", "ev-1", "u1", "email", track.StateDelivered, now))
	_ = m.Insert(ctx, newRecord("r2", "ev-1", "u2", "email", track.StateDelivered, now))
	_ = m.Insert(ctx, newRecord("r3", "ev-2", "u3", "email", track.StatePending, now))

	counts, err := m.CountByState(ctx)
	if err != nil {
		t.Fatalf("CountByState: %v", err)
	}
	if counts[track.StateDelivered] != 2 || counts[track.StatePending] != 1 {
		t.Fatalf("counts = %v", counts)
	}
}

func TestDueSkipsTerminalAndFutureRecords(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := newRecord("r1", "ev-1", "u1", "webhook", track.StateRetryPending, now)
	due.NextRetryAt = &past
	notYet := newRecord("r2", "ev-1", "u2", "webhook", track.StateRetryPending, now)
	notYet.NextRetryAt = &future
	terminal := newRecord("r3", "ev-1", "u3", "webhook", track.StateCancelled, now)
	terminal.NextRetryAt = &past
	noDeadline := newRecord("r4", "ev-1", "u4", "webhook", track.StatePending, now)

	for _, rec := range []*track.Record{due, notYet, terminal, noDeadline} {
		_ = m.Insert(ctx, rec)
	}

	got, err := m.Due(ctx, now)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("Due = %v, want only r1", got)
	}
}
