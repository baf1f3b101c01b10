package lists

import (
	"time"

	"github.com/google/uuid"
)

// MailingList is the owning scope for subscribers, campaigns, form
// templates, and imports. The denormalized counters are caches derived
// from the activity ledger; only the analytics aggregator writes them.
type MailingList struct {
	ID               uuid.UUID `json:"id" db:"id"`
	Name             string    `json:"name" db:"name"`
	Slug             string    `json:"slug" db:"slug"`
	ContactEmail     string    `json:"contact_email" db:"contact_email"`
	ListManagerEmail string    `json:"list_manager_email,omitempty" db:"list_manager_email"`

	DefaultFromName  string `json:"default_from_name" db:"default_from_name"`
	DefaultFromEmail string `json:"default_from_email" db:"default_from_email"`

	// Optional per-list SMTP relay override. When Host is empty the
	// process-default relay is used.
	SMTPHost           string `json:"-" db:"smtp_host"`
	SMTPPort           int    `json:"-" db:"smtp_port"`
	SMTPUsername       string `json:"-" db:"smtp_username"`
	SMTPPassword       string `json:"-" db:"smtp_password"`
	SMTPUseTLS         bool   `json:"-" db:"smtp_use_tls"`
	SMTPUseSSL         bool   `json:"-" db:"smtp_use_ssl"`
	SMTPTimeoutSeconds int    `json:"-" db:"smtp_timeout_seconds"`

	EnableRecaptcha bool `json:"enable_recaptcha" db:"enable_recaptcha"`

	SubscribersCount int     `json:"subscribers_count" db:"subscribers_count"`
	OpenRate         float64 `json:"open_rate" db:"open_rate"`
	ClickRate        float64 `json:"click_rate" db:"click_rate"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasSMTPOverride reports whether campaigns on this list use their own relay.
func (l *MailingList) HasSMTPOverride() bool {
	return l.SMTPHost != ""
}

// Form template roles. Each mailing list carries one template per key
// driving its subscribe/unsubscribe UX and workflow emails.
const (
	TemplateSubscribeForm   = "subscribe_form"
	TemplateThankYouPage    = "thank_you_page"
	TemplateConfirmEmail    = "confirm_email"
	TemplateWelcomeEmail    = "welcome_email"
	TemplateUnsubscribeForm = "unsubscribe_form"
	TemplateSuccessPage     = "success_page"
	TemplateGoodbyeEmail    = "goodbye_email"
)

// TemplateKeys lists every form-template role in workflow order.
var TemplateKeys = []string{
	TemplateSubscribeForm,
	TemplateThankYouPage,
	TemplateConfirmEmail,
	TemplateWelcomeEmail,
	TemplateUnsubscribeForm,
	TemplateSuccessPage,
	TemplateGoodbyeEmail,
}

// FormTemplate is a per-list, per-role template. Email roles (confirm,
// welcome, goodbye) additionally carry sender headers and a send flag.
type FormTemplate struct {
	ID          uuid.UUID `json:"id" db:"id"`
	ListID      uuid.UUID `json:"list_id" db:"list_id"`
	Key         string    `json:"key" db:"key"`
	RedirectURL string    `json:"redirect_url" db:"redirect_url"`
	SendEmail   bool      `json:"send_email" db:"send_email"`
	FromEmail   string    `json:"from_email" db:"from_email"`
	FromName    string    `json:"from_name" db:"from_name"`
	Subject     string    `json:"subject" db:"subject"`
	ContentHTML string    `json:"content_html" db:"content_html"`
	ContentText string    `json:"content_text" db:"content_text"`
}

// IsEmail reports whether this template role is delivered over email.
func (t *FormTemplate) IsEmail() bool {
	switch t.Key {
	case TemplateConfirmEmail, TemplateWelcomeEmail, TemplateGoodbyeEmail:
		return true
	}
	return false
}

// From composes the RFC 5322 sender for email roles.
func (t *FormTemplate) From() string {
	if t.FromName != "" {
		return t.FromName + " <" + t.FromEmail + ">"
	}
	return t.FromEmail
}
