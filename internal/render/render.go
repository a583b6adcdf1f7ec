// Package render turns event payloads into channel-ready content. Template
// selection is keyed by (role, channel, subject type); a missing template is
// a permanent condition for the affected record since retrying cannot make a
// template appear.
package render

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/formwarden/formwarden/internal/channel"
)

// ErrTemplateMissing marks a render failure that no retry can repair.
var ErrTemplateMissing = errors.New("no template for key")

// Renderer is the template-rendering collaborator boundary.
type Renderer interface {
	Render(role string, ch channel.Channel, subjectType string, payload map[string]any) (channel.Content, error)
}

// Key selects a template. Empty Role or SubjectType act as wildcards during
// lookup fallback.
type Key struct {
	Role        string
	Channel     channel.Channel
	SubjectType string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Role, k.Channel, k.SubjectType)
}

// Template pairs a subject line template with a body template.
type Template struct {
	Subject string
	Body    string
}

// TemplateRenderer is a text/template-backed Renderer with wildcard
// fallback: exact key, then role wildcard, then subject wildcard, then both.
type TemplateRenderer struct {
	mu       sync.RWMutex
	compiled map[Key]compiledTemplate
}

type compiledTemplate struct {
	subject *template.Template
	body    *template.Template
}

// NewTemplateRenderer compiles the given template table. Registration errors
// surface immediately so a broken template cannot hide until dispatch time.
func NewTemplateRenderer(templates map[Key]Template) (*TemplateRenderer, error) {
	r := &TemplateRenderer{compiled: make(map[Key]compiledTemplate, len(templates))}
	for key, tpl := range templates {
		if err := r.Register(key, tpl); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles and installs one template.
func (r *TemplateRenderer) Register(key Key, tpl Template) error {
	subj, err := template.New(key.String() + "/subject").Parse(tpl.Subject)
	if err != nil {
		return fmt.Errorf("compile subject template %s: %w", key, err)
	}
	body, err := template.New(key.String() + "/body").Parse(tpl.Body)
	if err != nil {
		return fmt.Errorf("compile body template %s: %w", key, err)
	}
	r.mu.Lock()
	r.compiled[key] = compiledTemplate{subject: subj, body: body}
	r.mu.Unlock()
	return nil
}

func (r *TemplateRenderer) lookup(role string, ch channel.Channel, subjectType string) (compiledTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, key := range []Key{
		{Role: role, Channel: ch, SubjectType: subjectType},
		{Role: "", Channel: ch, SubjectType: subjectType},
		{Role: role, Channel: ch, SubjectType: ""},
		{Role: "", Channel: ch, SubjectType: ""},
	} {
		if tpl, ok := r.compiled[key]; ok {
			return tpl, true
		}
	}
	return compiledTemplate{}, false
}

// Render produces content for one (role, channel, subjectType) triple.
func (r *TemplateRenderer) Render(role string, ch channel.Channel, subjectType string, payload map[string]any) (channel.Content, error) {
	tpl, ok := r.lookup(role, ch, subjectType)
	if !ok {
		return channel.Content{}, fmt.Errorf("%w: %s/%s/%s", ErrTemplateMissing, role, ch, subjectType)
	}

	data := map[string]any{
		"Role":        role,
		"Channel":     string(ch),
		"SubjectType": subjectType,
		"Payload":     payload,
	}

	var subject, body strings.Builder
	if err := tpl.subject.Execute(&subject, data); err != nil {
		return channel.Content{}, fmt.Errorf("render subject: %w", err)
	}
	if err := tpl.body.Execute(&body, data); err != nil {
		return channel.Content{}, fmt.Errorf("render body: %w", err)
	}
	return channel.Content{
		Subject: strings.TrimSpace(subject.String()),
		Body:    body.String(),
		Meta: map[string]string{
			"role":         role,
			"subject_type": subjectType,
		},
	}, nil
}

// DefaultTemplates is a minimal table covering every channel with a wildcard
// template, suitable for deployments that have not customized rendering yet.
func DefaultTemplates() map[Key]Template {
	generic := Template{
		Subject: "{{.SubjectType}} changed",
		Body:    "Compliance form change detected.\nSubject: {{.SubjectType}}\nDetails: {{printf \"%v\" .Payload}}\n",
	}
	return map[Key]Template{
		{Channel: channel.Email}:   generic,
		{Channel: channel.Webhook}: generic,
		{Channel: channel.Chat}:    generic,
	}
}
