package event

import (
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Severity orders how urgently a form change must reach its audience.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank maps severities to a comparable ordering. Unknown severities rank
// below info so they can never trip the urgency bypass by accident.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// Event is one observed change to a monitored compliance form. It is
// immutable once ingested; the ID doubles as the dedupe key.
type Event struct {
	ID          string         `json:"id" validate:"omitempty,max=128"`
	SubjectType string         `json:"subject_type" validate:"required,max=128"`
	Severity    Severity       `json:"severity" validate:"required,oneof=info warning critical"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize fills server-side defaults: a generated ID when the caller
// supplied none, and a creation timestamp.
func (e *Event) Normalize(now time.Time) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
}

// Validate checks the event against the ingest contract.
func (e *Event) Validate() error {
	return validate.Struct(e)
}
