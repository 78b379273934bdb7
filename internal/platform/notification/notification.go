// Package notification renders and delivers outbound email: OTP codes,
// incoming access-request alerts and decision receipts.
package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Status of a Notification.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Built-in template ids.
const (
	TemplateOTPCode        = "otp-code"
	TemplateAccessRequest  = "access-request"
	TemplateAccessDecision = "access-decision"
	TemplateAccessRevoked  = "access-revoked"
	TemplateDoctorReview   = "doctor-review"
)

// Notification is a single outbound email and its delivery state.
type Notification struct {
	ID           string            `json:"id"`
	Recipient    string            `json:"recipient"`
	Subject      string            `json:"subject"`
	Body         string            `json:"body"`
	HTMLBody     string            `json:"-"`
	TemplateID   string            `json:"template_id,omitempty"`
	TemplateData map[string]string `json:"-"`
	// Sensitive notifications carry a secret. Their content is dropped once
	// handed to the sender and they are never re-sent.
	Sensitive bool       `json:"sensitive,omitempty"`
	Status    string     `json:"status"`
	Attempts  int        `json:"attempts"`
	CreatedAt time.Time  `json:"created_at"`
	SentAt    *time.Time `json:"sent_at,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// Email is what a sender puts on the wire. HTML is optional.
type Email struct {
	To      string
	Subject string
	Text    string
	HTML    string
}

// EmailSender delivers a rendered email.
type EmailSender interface {
	SendEmail(ctx context.Context, msg Email) error
}

// Template defines a reusable message. Placeholders use {{key}}.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	HTML    string `json:"html,omitempty"`
	// Sensitive marks templates whose rendered text must not be retained.
	Sensitive bool `json:"sensitive,omitempty"`
}

// TemplateEngine manages notification templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:        TemplateOTPCode,
			Name:      "OTP Code",
			Subject:   "Your verification code",
			Body:      "Your OTP code is {{code}}. It will expire in {{ttl_minutes}} minutes.",
			HTML:      "<p>Your OTP code is <strong>{{code}}</strong>. It will expire in {{ttl_minutes}} minutes.</p>",
			Sensitive: true,
		},
		{
			ID:      TemplateAccessRequest,
			Name:    "Access Request",
			Subject: "A doctor is requesting access to your records",
			Body: "{{doctor}} has requested access to your records ({{patient_id}}).\n" +
				"Reason: {{reason}}\n" +
				"Open your dashboard to approve or deny. The request expires at {{expires_at}}.",
		},
		{
			ID:      TemplateAccessDecision,
			Name:    "Access Decision",
			Subject: "Access request {{decision}}",
			Body:    "Your decision ({{decision}}) on the request from {{doctor}} was recorded at {{decided_at}}.",
		},
		{
			ID:      TemplateAccessRevoked,
			Name:    "Access Revoked",
			Subject: "Access to {{patient_id}} revoked",
			Body:    "The grant given to {{doctor}} was revoked at {{revoked_at}}.",
		},
		{
			ID:      TemplateDoctorReview,
			Name:    "Doctor Credential Review",
			Subject: "Your MedVault credentials were {{status}}",
			Body: "Dr. {{name}}, your application with licence {{license_id}} was {{status}} on {{reviewed_at}}.\n" +
				"{{note}}",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Sensitive reports whether templateID renders secrets.
func (e *TemplateEngine) Sensitive(templateID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	t, ok := e.templates[templateID]
	return ok && t.Sensitive
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (Email, error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return Email{}, fmt.Errorf("template %q not found", templateID)
	}

	out := Email{Subject: t.Subject, Text: t.Body, HTML: t.HTML}
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		out.Subject = strings.ReplaceAll(out.Subject, placeholder, v)
		out.Text = strings.ReplaceAll(out.Text, placeholder, v)
		out.HTML = strings.ReplaceAll(out.HTML, placeholder, v)
	}
	return out, nil
}
