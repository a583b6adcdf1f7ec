package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/samber/lo"

	"github.com/formwarden/formwarden/internal/event"
)

// Rule maps a subject type at a minimum severity to the roles that must be
// notified. An empty SubjectType matches every subject.
type Rule struct {
	SubjectType string         `json:"subject_type"`
	MinSeverity event.Severity `json:"min_severity"`
	Roles       []string       `json:"roles"`
}

// Directory is an in-process preference store and role resolver, loadable
// from a JSON file. Deployments with an external identity backend swap in
// their own Store/Resolver pair.
type Directory struct {
	mu         sync.RWMutex
	recipients map[string]PreferenceSet
	rules      []Rule
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{recipients: make(map[string]PreferenceSet)}
}

// directoryFile is the on-disk shape for LoadDirectory.
type directoryFile struct {
	Recipients map[string]PreferenceSet `json:"recipients"`
	Rules      []Rule                   `json:"rules"`
}

// LoadDirectory reads a directory snapshot from a JSON file.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory file: %w", err)
	}
	var file directoryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse directory file %s: %w", path, err)
	}
	d := NewDirectory()
	for id, p := range file.Recipients {
		d.recipients[id] = p
	}
	d.rules = file.Rules
	return d, nil
}

// SetRule appends one notification rule.
func (d *Directory) SetRule(r Rule) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rules = append(d.rules, r)
}

func (d *Directory) GetPreferences(_ context.Context, recipientID string) (PreferenceSet, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.recipients[recipientID]
	if !ok {
		return PreferenceSet{}, fmt.Errorf("no preferences for recipient %q", recipientID)
	}
	return p, nil
}

func (d *Directory) UpdatePreferences(_ context.Context, recipientID string, p PreferenceSet) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recipients[recipientID] = p
	return nil
}

func (d *Directory) EligibleRoles(_ context.Context, subjectType string, severity event.Severity) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var roles []string
	for _, r := range d.rules {
		if r.SubjectType != "" && r.SubjectType != subjectType {
			continue
		}
		if !severity.AtLeast(r.MinSeverity) {
			continue
		}
		roles = append(roles, r.Roles...)
	}
	return lo.Uniq(roles), nil
}

func (d *Directory) RecipientsInRole(_ context.Context, role string) ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for id, p := range d.recipients {
		if lo.Contains(p.Roles, role) {
			out = append(out, id)
		}
	}
	return out, nil
}
