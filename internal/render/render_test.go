package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/formwarden/formwarden/internal/channel"
)

func TestLookupFallbackOrder(t *testing.T) {
	r, err := NewTemplateRenderer(map[Key]Template{
		{Role: "auditor", Channel: channel.Email, SubjectType: "form.consent"}: {Subject: "exact", Body: "."},
		{Channel: channel.Email, SubjectType: "form.consent"}:                  {Subject: "role-wildcard", Body: "."},
		{Role: "auditor", Channel: channel.Email}:                              {Subject: "subject-wildcard", Body: "."},
		{Channel: channel.Email}:                                               {Subject: "full-wildcard", Body: "."},
	})
	if err != nil {
		t.Fatalf("NewTemplateRenderer: %v", err)
	}

	tests := []struct {
		name        string
		role        string
		subjectType string
		want        string
	}{
		{"exact match wins", "auditor", "form.consent", "exact"},
		{"falls back on role", "legal", "form.consent", "role-wildcard"},
		{"falls back on subject", "auditor", "form.retention", "subject-wildcard"},
		{"falls back on both", "legal", "form.retention", "full-wildcard"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := r.Render(tt.role, channel.Email, tt.subjectType, nil)
			if err != nil {
				t.Fatalf("Render: %v", err)
			}
			if got.Subject != tt.want {
				t.Fatalf("subject = %q, want %q", got.Subject, tt.want)
			}
		})
	}
}

func TestRenderMissingTemplate(t *testing.T) {
	r, err := NewTemplateRenderer(map[Key]Template{
		{Channel: channel.Email}: {Subject: "s", Body: "b"},
	})
	if err != nil {
		t.Fatalf("NewTemplateRenderer: %v", err)
	}
	_, err = r.Render("auditor", channel.Webhook, "form.consent", nil)
	if !errors.Is(err, ErrTemplateMissing) {
		t.Fatalf("err = %v, want ErrTemplateMissing", err)
	}
}

func TestRenderExposesPayload(t *testing.T) {
	r, err := NewTemplateRenderer(map[Key]Template{
		{Channel: channel.Webhook}: {
			Subject: "{{.SubjectType}} for {{.Role}}",
			Body:    "field={{.Payload.field}}",
		},
	})
	if err != nil {
		t.Fatalf("NewTemplateRenderer: %v", err)
	}
	got, err := r.Render("auditor", channel.Webhook, "form.consent", map[string]any{"field": "retention_days"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got.Subject != "form.consent for auditor" {
		t.Fatalf("subject = %q", got.Subject)
	}
	if got.Body != "field=retention_days" {
		t.Fatalf("body = %q", got.Body)
	}
	if got.Meta["role"] != "auditor" || got.Meta["subject_type"] != "form.consent" {
		t.Fatalf("meta = %v", got.Meta)
	}
}

func TestNewTemplateRendererRejectsBrokenTemplate(t *testing.T) {
	_, err := NewTemplateRenderer(map[Key]Template{
		{Channel: channel.Email}: {Subject: "{{.Unclosed", Body: "."},
	})
	if err == nil {
		t.Fatal("broken template accepted at registration")
	}
}

func TestRegisterReplacesTemplate(t *testing.T) {
	r, _ := NewTemplateRenderer(map[Key]Template{
		{Channel: channel.Chat}: {Subject: "old", Body: "."},
	})
	if err := r.Register(Key{Channel: channel.Chat}, Template{Subject: "new", Body: "."}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	got, _ := r.Render("", channel.Chat, "form.consent", nil)
	if got.Subject != "new" {
		t.Fatalf("subject = %q, want replacement to take effect", got.Subject)
	}
}

func TestDefaultTemplatesCoverEveryChannel(t *testing.T) {
	r, err := NewTemplateRenderer(DefaultTemplates())
	if err != nil {
		t.Fatalf("NewTemplateRenderer: %v", err)
	}
	for _, ch := range []channel.Channel{channel.Email, channel.Webhook, channel.Chat} {
		got, err := r.Render("auditor", ch, "form.consent", map[string]any{"severity": "warning"})
		if err != nil {
			t.Fatalf("Render for %s: %v", ch, err)
		}
		if got.Subject == "" || got.Body == "" {
			t.Fatalf("empty content for %s", ch)
		}
		if strings.Contains(got.Subject, "<no value>") {
			t.Fatalf("subject leaked missing field: %q", got.Subject)
		}
	}
}
