package track

import "time"

const DeadLetterType = "delivery.dead"

// DeadLetter is the envelope published when a record goes terminal without
// delivery, carrying a full snapshot for out-of-band inspection.
type DeadLetter struct {
	Type      string        `json:"type"`    // "delivery.dead"
	Version   string        `json:"version"` // schema version
	At        string        `json:"at"`      // RFC3339 time the letter was emitted
	Reason    FailureReason `json:"reason"`
	LastError string        `json:"last_error,omitempty"`
	Attempts  int           `json:"attempts"`
	Record    *Record       `json:"record"` // full record snapshot
}

// NewDeadLetter builds the envelope for a terminally failed record.
func NewDeadLetter(rec *Record, reason FailureReason, lastErr string) DeadLetter {
	return DeadLetter{
		Type:      DeadLetterType,
		Version:   "v1",
		At:        time.Now().Format(time.RFC3339Nano),
		Reason:    reason,
		LastError: lastErr,
		Attempts:  rec.AttemptCount(),
		Record:    rec.Clone(),
	}
}
