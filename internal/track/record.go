package track

import (
	"context"
	"errors"
	"time"

	"github.com/formwarden/formwarden/internal/event"
)

// AttemptOutcome classifies one delivery try.
type AttemptOutcome string

const (
	OutcomePending          AttemptOutcome = "pending"
	OutcomeSuccess          AttemptOutcome = "success"
	OutcomeTransientFailure AttemptOutcome = "transient_failure"
	OutcomePermanentFailure AttemptOutcome = "permanent_failure"
)

// Attempt is one try to deliver one (event, recipient, channel) item.
// Attempts are append-only: once recorded they are never mutated or deleted.
type Attempt struct {
	Number      int            `json:"number"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	Outcome     AttemptOutcome `json:"outcome"`
	ErrorDetail string         `json:"error_detail,omitempty"`
}

// FailureReason distinguishes why a record went terminal without delivery.
// Operators need to tell "provider rejected" apart from "we gave up".
type FailureReason string

const (
	ReasonNone            FailureReason = ""
	ReasonChannelRejected FailureReason = "channel_rejected"
	ReasonBudgetExhausted FailureReason = "retry_budget_exhausted"
	ReasonRenderFailed    FailureReason = "render_failed"
)

// Record is the durable, queryable projection of one (event, recipient,
// channel) delivery: current state plus the full ordered attempt trail.
type Record struct {
	ID          string `json:"id"`
	EventID     string `json:"event_id"`
	RecipientID string `json:"recipient_id"`
	Channel     string `json:"channel"`
	Address     string `json:"address"` // channel-native destination
	Role        string `json:"role"`    // role that matched at fan-out, drives template choice
	SubjectType string `json:"subject_type"`
	Severity    string `json:"severity"`

	State             State         `json:"state"`
	Attempts          []Attempt     `json:"attempts"`
	ThrottleDeferrals int           `json:"throttle_deferrals"`
	NextRetryAt       *time.Time    `json:"next_retry_at,omitempty"`
	FailureReason     FailureReason `json:"failure_reason,omitempty"`
	LastError         string        `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptCount returns the number of completed attempts.
func (r *Record) AttemptCount() int { return len(r.Attempts) }

// Clone returns a deep copy so callers can hand records out of a store
// without exposing shared slices.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Attempts = append([]Attempt(nil), r.Attempts...)
	if r.NextRetryAt != nil {
		t := *r.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}

// Filter narrows a record query. Zero values mean "any".
type Filter struct {
	EventID     string
	RecipientID string
	Channel     string
	State       State
	From        time.Time // CreatedAt >= From
	To          time.Time // CreatedAt <= To
	Limit       int
	Offset      int
}

// ErrNotFound is returned by stores when no record matches an id.
var ErrNotFound = errors.New("delivery record not found")

// ErrDuplicateEvent is returned by PutEvent when the event id was already
// ingested; dedupe is decided atomically inside the store.
var ErrDuplicateEvent = errors.New("event already ingested")

// Store is the durable persistence boundary for records. Implementations
// must treat attempts as append-only and support indexed reads by
// recipient, time and state.
type Store interface {
	// PutEvent persists the immutable source event, returning
	// ErrDuplicateEvent when the id is already known. Events are retained
	// so pending retries can be rebuilt after a restart.
	PutEvent(ctx context.Context, ev *event.Event) error
	// GetEvent returns a previously ingested event by id, or ErrNotFound.
	GetEvent(ctx context.Context, id string) (*event.Event, error)
	// Insert persists a new record. The record id must be unique.
	Insert(ctx context.Context, rec *Record) error
	// Get returns the record by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Record, error)
	// Update persists the record's mutable head (state, next retry, failure
	// metadata). Attempts already persisted are never rewritten.
	Update(ctx context.Context, rec *Record) error
	// AppendAttempt adds one attempt to the record's trail.
	AppendAttempt(ctx context.Context, id string, a Attempt) error
	// FindByEvent returns every record derived from the given event id.
	FindByEvent(ctx context.Context, eventID string) ([]*Record, error)
	// Query returns records matching the filter, newest first.
	Query(ctx context.Context, f Filter) ([]*Record, error)
	// CountByState returns record counts keyed by state.
	CountByState(ctx context.Context) (map[State]int, error)
	// Due returns non-terminal records whose NextRetryAt is at or before now.
	Due(ctx context.Context, now time.Time) ([]*Record, error)
}
