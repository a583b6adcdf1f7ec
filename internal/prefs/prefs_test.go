package prefs

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/event"
)

type stubStore struct {
	prefs map[string]PreferenceSet
	err   map[string]error
}

func (s *stubStore) GetPreferences(_ context.Context, id string) (PreferenceSet, error) {
	if err := s.err[id]; err != nil {
		return PreferenceSet{}, err
	}
	p, ok := s.prefs[id]
	if !ok {
		return PreferenceSet{}, errors.New("no such recipient")
	}
	return p, nil
}

func (s *stubStore) UpdatePreferences(_ context.Context, id string, p PreferenceSet) error {
	s.prefs[id] = p
	return nil
}

type stubResolver struct {
	roles    []string
	rolesErr error
	members  map[string][]string
	roleErr  map[string]error
}

func (r *stubResolver) EligibleRoles(_ context.Context, _ string, _ event.Severity) ([]string, error) {
	return r.roles, r.rolesErr
}

func (r *stubResolver) RecipientsInRole(_ context.Context, role string) ([]string, error) {
	if err := r.roleErr[role]; err != nil {
		return nil, err
	}
	return r.members[role], nil
}

func testEvent() *event.Event {
	return &event.Event{ID: "ev-1", SubjectType: "form.consent", Severity: event.SeverityWarning}
}

func targetKeys(targets []Target) []string {
	keys := make([]string, 0, len(targets))
	for _, tg := range targets {
		keys = append(keys, tg.RecipientID+"/"+string(tg.Channel))
	}
	sort.Strings(keys)
	return keys
}

func TestResolveTargetsFansOutPerChannel(t *testing.T) {
	store := &stubStore{prefs: map[string]PreferenceSet{
		"u1": {
			Enabled:  true,
			Channels: []channel.Channel{channel.Email, channel.Webhook},
			Addresses: map[channel.Channel]string{
				channel.Email:   "u1@example.com",
				channel.Webhook: "https://hooks.example.com/u1",
			},
			Roles: []string{"auditor"},
		},
		"u2": {
			Enabled:   true,
			Channels:  []channel.Channel{channel.Chat},
			Addresses: map[channel.Channel]string{channel.Chat: "@u2"},
			Roles:     []string{"compliance"},
		},
	}}
	resolver := &stubResolver{
		roles: []string{"auditor", "compliance"},
		members: map[string][]string{
			"auditor":    {"u1"},
			"compliance": {"u2"},
		},
	}

	targets, err := NewFilter(store, resolver, nil).ResolveTargets(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	want := []string{"u1/email", "u1/webhook", "u2/chat"}
	got := targetKeys(targets)
	if len(got) != len(want) {
		t.Fatalf("targets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("targets = %v, want %v", got, want)
		}
	}
	for _, tg := range targets {
		if tg.Address == "" {
			t.Fatalf("target %s/%s has empty address", tg.RecipientID, tg.Channel)
		}
		if tg.Role == "" {
			t.Fatalf("target %s/%s has no role", tg.RecipientID, tg.Channel)
		}
	}
}

func TestResolveTargetsExcludesDisabledAndRoleless(t *testing.T) {
	store := &stubStore{prefs: map[string]PreferenceSet{
		"disabled": {Enabled: false, Channels: []channel.Channel{channel.Email}, Roles: []string{"auditor"}},
		"nochans":  {Enabled: true, Roles: []string{"auditor"}},
		"norole":   {Enabled: true, Channels: []channel.Channel{channel.Email}, Roles: []string{"viewer"}},
	}}
	resolver := &stubResolver{
		roles:   []string{"auditor"},
		members: map[string][]string{"auditor": {"disabled", "nochans", "norole"}},
	}

	targets, err := NewFilter(store, resolver, nil).ResolveTargets(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("targets = %v, want none", targetKeys(targets))
	}
}

func TestResolveTargetsFailsClosedOnPreferenceError(t *testing.T) {
	store := &stubStore{
		prefs: map[string]PreferenceSet{
			"ok": {
				Enabled:   true,
				Channels:  []channel.Channel{channel.Email},
				Addresses: map[channel.Channel]string{channel.Email: "ok@example.com"},
				Roles:     []string{"auditor"},
			},
		},
		err: map[string]error{"broken": errors.New("backend down")},
	}
	resolver := &stubResolver{
		roles:   []string{"auditor"},
		members: map[string][]string{"auditor": {"broken", "ok"}},
	}

	targets, err := NewFilter(store, resolver, nil).ResolveTargets(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	// The erroring recipient is excluded; the healthy one still resolves.
	if len(targets) != 1 || targets[0].RecipientID != "ok" {
		t.Fatalf("targets = %v, want only ok/email", targetKeys(targets))
	}
}

func TestResolveTargetsFailsClosedOnRoleError(t *testing.T) {
	store := &stubStore{prefs: map[string]PreferenceSet{
		"u1": {
			Enabled:   true,
			Channels:  []channel.Channel{channel.Email},
			Addresses: map[channel.Channel]string{channel.Email: "u1@example.com"},
			Roles:     []string{"auditor"},
		},
	}}
	resolver := &stubResolver{
		roles:   []string{"auditor", "compliance"},
		members: map[string][]string{"auditor": {"u1"}},
		roleErr: map[string]error{"compliance": errors.New("directory timeout")},
	}

	targets, err := NewFilter(store, resolver, nil).ResolveTargets(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].RecipientID != "u1" {
		t.Fatalf("targets = %v, want only u1/email", targetKeys(targets))
	}
}

func TestResolveTargetsPropagatesEligibilityError(t *testing.T) {
	resolver := &stubResolver{rolesErr: errors.New("rules unavailable")}
	_, err := NewFilter(&stubStore{}, resolver, nil).ResolveTargets(context.Background(), testEvent())
	if err == nil {
		t.Fatal("ResolveTargets swallowed eligibility error, want propagated")
	}
}

func TestResolveTargetsDeduplicatesAcrossRoles(t *testing.T) {
	store := &stubStore{prefs: map[string]PreferenceSet{
		"u1": {
			Enabled:   true,
			Channels:  []channel.Channel{channel.Email, channel.Email},
			Addresses: map[channel.Channel]string{channel.Email: "u1@example.com"},
			Roles:     []string{"auditor", "compliance"},
		},
	}}
	resolver := &stubResolver{
		roles: []string{"auditor", "compliance"},
		members: map[string][]string{
			"auditor":    {"u1"},
			"compliance": {"u1"},
		},
	}

	targets, err := NewFilter(store, resolver, nil).ResolveTargets(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("ResolveTargets: %v", err)
	}
	if len(targets) != 1 {
		t.Fatalf("targets = %v, want a single deduplicated target", targetKeys(targets))
	}
}
