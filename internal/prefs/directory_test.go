package prefs

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/event"
)

func TestDirectoryEligibleRoles(t *testing.T) {
	d := NewDirectory()
	d.SetRule(Rule{SubjectType: "form.consent", MinSeverity: event.SeverityInfo, Roles: []string{"auditor"}})
	d.SetRule(Rule{SubjectType: "", MinSeverity: event.SeverityCritical, Roles: []string{"oncall"}})
	d.SetRule(Rule{SubjectType: "form.retention", MinSeverity: event.SeverityInfo, Roles: []string{"legal"}})

	tests := []struct {
		name        string
		subjectType string
		severity    event.Severity
		want        []string
	}{
		{"subject match at low severity", "form.consent", event.SeverityInfo, []string{"auditor"}},
		{"wildcard kicks in at critical", "form.consent", event.SeverityCritical, []string{"auditor", "oncall"}},
		{"other subject", "form.retention", event.SeverityWarning, []string{"legal"}},
		{"no match", "form.unknown", event.SeverityInfo, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := d.EligibleRoles(context.Background(), tt.subjectType, tt.severity)
			if err != nil {
				t.Fatalf("EligibleRoles: %v", err)
			}
			sort.Strings(got)
			sort.Strings(tt.want)
			if len(got) != len(tt.want) {
				t.Fatalf("roles = %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Fatalf("roles = %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDirectoryRecipientsInRole(t *testing.T) {
	d := NewDirectory()
	ctx := context.Background()
	_ = d.UpdatePreferences(ctx, "u1", PreferenceSet{Enabled: true, Roles: []string{"auditor"}})
	_ = d.UpdatePreferences(ctx, "u2", PreferenceSet{Enabled: true, Roles: []string{"auditor", "legal"}})
	_ = d.UpdatePreferences(ctx, "u3", PreferenceSet{Enabled: true, Roles: []string{"legal"}})

	got, err := d.RecipientsInRole(ctx, "auditor")
	if err != nil {
		t.Fatalf("RecipientsInRole: %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Fatalf("auditors = %v, want [u1 u2]", got)
	}
}

func TestDirectoryGetPreferencesUnknownRecipient(t *testing.T) {
	d := NewDirectory()
	if _, err := d.GetPreferences(context.Background(), "ghost"); err == nil {
		t.Fatal("GetPreferences for unknown recipient succeeded, want error")
	}
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	data := `{
	  "recipients": {
	    "u1": {
	      "enabled": true,
	      "channels": ["email"],
	      "addresses": {"email": "u1@example.com"},
	      "roles": ["auditor"]
	    }
	  },
	  "rules": [
	    {"subject_type": "form.consent", "min_severity": "info", "roles": ["auditor"]}
	  ]
	}`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	d, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("LoadDirectory: %v", err)
	}
	p, err := d.GetPreferences(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetPreferences: %v", err)
	}
	if !p.Enabled || p.Addresses[channel.Email] != "u1@example.com" {
		t.Fatalf("preferences = %+v", p)
	}
	roles, _ := d.EligibleRoles(context.Background(), "form.consent", event.SeverityWarning)
	if len(roles) != 1 || roles[0] != "auditor" {
		t.Fatalf("roles = %v, want [auditor]", roles)
	}
}

func TestLoadDirectoryErrors(t *testing.T) {
	if _, err := LoadDirectory(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("LoadDirectory succeeded on missing file")
	}
	bad := filepath.Join(t.TempDir(), "bad.json")
	_ = os.WriteFile(bad, []byte("{not json"), 0o600)
	if _, err := LoadDirectory(bad); err == nil {
		t.Fatal("LoadDirectory succeeded on malformed file")
	}
}
