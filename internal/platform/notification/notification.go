// Package notification renders teleconsultation invitations from templates
// and delivers them by email.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

const (
	TemplateDoctorInvite  = "teleconsult-doctor-invite"
	TemplatePatientInvite = "teleconsult-patient-invite"
	TemplateCancelled     = "teleconsult-cancelled"
)

// Template defines a reusable notification template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
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
			ID:      TemplateDoctorInvite,
			Name:    "Teleconsultation Invitation (Doctor)",
			Subject: "Teleconsultation {{meeting_id}} on {{date}} at {{time}}",
			Body: "You are hosting a teleconsultation with {{patient_name}}.\n" +
				"Meeting ID: {{meeting_id}}\n" +
				"When: {{date}} {{time}} ({{duration}} minutes)\n" +
				"Join as moderator: {{url}}\n" +
				"Moderator password: {{secret}}",
		},
		{
			ID:      TemplatePatientInvite,
			Name:    "Teleconsultation Invitation (Patient)",
			Subject: "Your video consultation with {{doctor_name}} on {{date}}",
			Body: "Your teleconsultation with {{doctor_name}} is booked.\n" +
				"Meeting ID: {{meeting_id}}\n" +
				"When: {{date}} {{time}} ({{duration}} minutes)\n" +
				"Join here: {{url}}\n" +
				"Password: {{secret}}",
		},
		{
			ID:      TemplateCancelled,
			Name:    "Teleconsultation Cancelled",
			Subject: "Teleconsultation {{meeting_id}} cancelled",
			Body:    "The teleconsultation scheduled for {{date}} at {{time}} has been cancelled. Reason: {{reason}}",
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

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Senders
// ---------------------------------------------------------------------------

// NoopEmailSender discards every message. Used when SMTP is disabled.
type NoopEmailSender struct{}

func (NoopEmailSender) SendEmail(context.Context, string, string, string) error { return nil }

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// ---------------------------------------------------------------------------
// Invitations
// ---------------------------------------------------------------------------

// Invitation is a rendered message for one recipient.
type Invitation struct {
	Recipient string `json:"recipient,omitempty"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
}

// Mailer renders templates and hands them to an EmailSender.
type Mailer struct {
	templates *TemplateEngine
	sender    EmailSender
}

func NewMailer(tpl *TemplateEngine, sender EmailSender) *Mailer {
	if tpl == nil {
		tpl = NewTemplateEngine()
	}
	if sender == nil {
		sender = NoopEmailSender{}
	}
	return &Mailer{templates: tpl, sender: sender}
}

// Compose renders templateID for recipient without sending it.
func (m *Mailer) Compose(templateID, recipient string, data map[string]string) (Invitation, error) {
	subject, body, err := m.templates.Render(templateID, data)
	if err != nil {
		return Invitation{}, err
	}
	return Invitation{Recipient: recipient, Subject: subject, Body: body}, nil
}

// Deliver sends inv. Invitations without a recipient address are skipped.
func (m *Mailer) Deliver(ctx context.Context, inv Invitation) error {
	if strings.TrimSpace(inv.Recipient) == "" {
		return nil
	}
	if err := m.sender.SendEmail(ctx, inv.Recipient, inv.Subject, inv.Body); err != nil {
		return fmt.Errorf("send %q to %s: %w", inv.Subject, inv.Recipient, err)
	}
	return nil
}
