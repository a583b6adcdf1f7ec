// Package prefs resolves which (recipient, channel) pairs a form-change
// event fans out to, honoring per-user preferences and role eligibility.
package prefs

import (
	"context"

	"github.com/samber/lo"

	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/logging"
)

// PreferenceSet is one recipient's delivery configuration.
type PreferenceSet struct {
	Enabled   bool                       `json:"enabled"`
	Channels  []channel.Channel          `json:"channels"`
	Addresses map[channel.Channel]string `json:"addresses"` // channel-native address per enabled channel
	Roles     []string                   `json:"roles"`     // roles held by the recipient
}

// Store is the external preference store boundary.
type Store interface {
	GetPreferences(ctx context.Context, recipientID string) (PreferenceSet, error)
	UpdatePreferences(ctx context.Context, recipientID string, p PreferenceSet) error
}

// Resolver is the external role/eligibility collaborator: which roles must
// hear about a subject type at a given severity, and who holds a role.
type Resolver interface {
	EligibleRoles(ctx context.Context, subjectType string, severity event.Severity) ([]string, error)
	RecipientsInRole(ctx context.Context, role string) ([]string, error)
}

// Target is one resolved (recipient, channel) delivery destination.
type Target struct {
	RecipientID string
	Channel     channel.Channel
	Address     string
	Role        string // the matching role, used for template selection
}

// Filter resolves events into delivery targets. It keeps no state of its
// own; every resolution reads the current preference snapshot.
type Filter struct {
	store    Store
	resolver Resolver
	log      *logging.Logger
}

// NewFilter wires the external collaborators.
func NewFilter(store Store, resolver Resolver, log *logging.Logger) *Filter {
	if log == nil {
		log = logging.New("formwarden-prefs")
	}
	return &Filter{store: store, resolver: resolver, log: log}
}

// ResolveTargets fans one event out to every eligible (recipient, channel)
// pair. A recipient is included only when notifications are enabled, at
// least one channel is configured, and the recipient holds an eligible role.
//
// Resolution fails closed: an erroring preference lookup excludes that
// recipient (logged, not raised) so a backend fault can never cause an
// unsolicited notification.
func (f *Filter) ResolveTargets(ctx context.Context, ev *event.Event) ([]Target, error) {
	roles, err := f.resolver.EligibleRoles(ctx, ev.SubjectType, ev.Severity)
	if err != nil {
		return nil, err
	}
	if len(roles) == 0 {
		return nil, nil
	}

	// Collect the candidate recipients across all eligible roles once.
	var candidates []string
	for _, role := range roles {
		recipients, err := f.resolver.RecipientsInRole(ctx, role)
		if err != nil {
			// Fail closed for this role only; other roles still resolve.
			f.log.WithContext(ctx).WithEvent(ev.ID).WithField("role", role).
				WithError(err).Warn("role resolution failed, excluding role")
			continue
		}
		candidates = append(candidates, recipients...)
	}
	candidates = lo.Uniq(candidates)

	var targets []Target
	for _, recipientID := range candidates {
		prefs, err := f.store.GetPreferences(ctx, recipientID)
		if err != nil {
			f.log.WithContext(ctx).WithEvent(ev.ID).WithRecipient(recipientID).
				WithError(err).Warn("preference lookup failed, excluding recipient")
			continue
		}
		if !prefs.Enabled || len(prefs.Channels) == 0 {
			continue
		}
		matching := lo.Intersect(roles, prefs.Roles)
		if len(matching) == 0 {
			continue
		}
		role := matching[0]
		for _, ch := range lo.Uniq(prefs.Channels) {
			targets = append(targets, Target{
				RecipientID: recipientID,
				Channel:     ch,
				Address:     prefs.Addresses[ch],
				Role:        role,
			})
		}
	}
	return targets, nil
}
