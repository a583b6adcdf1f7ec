package event

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestSeverityRank(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{SeverityInfo, 1},
		{SeverityWarning, 2},
		{SeverityCritical, 3},
		{Severity("bogus"), 0},
		{Severity(""), 0},
	}
	for _, tt := range tests {
		if got := tt.severity.Rank(); got != tt.want {
			t.Errorf("Rank(%q) = %d, want %d", tt.severity, got, tt.want)
		}
	}
}

func TestSeverityAtLeast(t *testing.T) {
	tests := []struct {
		severity  Severity
		threshold Severity
		want      bool
	}{
		{SeverityCritical, SeverityWarning, true},
		{SeverityWarning, SeverityWarning, true},
		{SeverityInfo, SeverityWarning, false},
		{Severity("bogus"), SeverityInfo, false},
		{SeverityInfo, Severity("bogus"), true},
	}
	for _, tt := range tests {
		if got := tt.severity.AtLeast(tt.threshold); got != tt.want {
			t.Errorf("%q.AtLeast(%q) = %v, want %v", tt.severity, tt.threshold, got, tt.want)
		}
	}
}

func TestNormalizeFillsDefaults(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	ev := &Event{SubjectType: "form.consent", Severity: SeverityInfo}
	ev.Normalize(now)

	if _, err := uuid.Parse(ev.ID); err != nil {
		t.Fatalf("generated id %q is not a uuid: %v", ev.ID, err)
	}
	if !ev.CreatedAt.Equal(now) || ev.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt = %v, want %v in UTC", ev.CreatedAt, now)
	}
}

func TestNormalizeKeepsCallerValues(t *testing.T) {
	supplied := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	ev := &Event{ID: "ev-1", SubjectType: "form.consent", Severity: SeverityInfo, CreatedAt: supplied}
	ev.Normalize(time.Now())

	if ev.ID != "ev-1" {
		t.Fatalf("id = %q, caller id overwritten", ev.ID)
	}
	if !ev.CreatedAt.Equal(supplied) {
		t.Fatalf("CreatedAt = %v, caller timestamp overwritten", ev.CreatedAt)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		event Event
		ok    bool
	}{
		{"valid", Event{ID: "ev-1", SubjectType: "form.consent", Severity: SeverityWarning}, true},
		{"empty id is fine pre-normalize", Event{SubjectType: "form.consent", Severity: SeverityInfo}, true},
		{"missing subject type", Event{ID: "ev-1", Severity: SeverityInfo}, false},
		{"unknown severity", Event{ID: "ev-1", SubjectType: "form.consent", Severity: "urgent"}, false},
		{"missing severity", Event{ID: "ev-1", SubjectType: "form.consent"}, false},
		{"oversized subject type", Event{ID: "ev-1", SubjectType: strings.Repeat("x", 129), Severity: SeverityInfo}, false},
		{"oversized id", Event{ID: strings.Repeat("x", 129), SubjectType: "form.consent", Severity: SeverityInfo}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if !tt.ok && err == nil {
				t.Fatal("Validate accepted invalid event")
			}
		})
	}
}
