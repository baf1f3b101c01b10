package campaigns

import (
	"time"

	"github.com/google/uuid"
)

// Campaign statuses. The delivery path is
// DRAFT → (SCHEDULED →) QUEUED → DELIVERING → SENT, with PAUSED as a
// side state of DELIVERING. SENT and TRASH are terminal.
const (
	StatusDraft      = "draft"
	StatusScheduled  = "scheduled"
	StatusQueued     = "queued"
	StatusDelivering = "delivering"
	StatusPaused     = "paused"
	StatusSent       = "sent"
	StatusTrash      = "trash"
)

// Campaign types. The delivery driver runs REGULAR campaigns end to end;
// the schema admits the others.
const (
	TypeRegular   = "regular"
	TypeAutomated = "automated"
	TypeABTest    = "ab_test"
)

// Campaign groups one or more emails for delivery to a mailing list.
// Denormalized counters are caches written only by the aggregator.
type Campaign struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Type          string     `json:"campaign_type" db:"campaign_type"`
	MailingListID *uuid.UUID `json:"mailing_list_id,omitempty" db:"mailing_list_id"`
	Status        string     `json:"status" db:"status"`
	SendDate      *time.Time `json:"send_date,omitempty" db:"send_date"`
	StartedAt     *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	TrackOpens    bool       `json:"track_opens" db:"track_opens"`
	TrackClicks   bool       `json:"track_clicks" db:"track_clicks"`

	RecipientsCount   int     `json:"recipients_count" db:"recipients_count"`
	UniqueOpensCount  int     `json:"unique_opens_count" db:"unique_opens_count"`
	TotalOpensCount   int     `json:"total_opens_count" db:"total_opens_count"`
	UniqueClicksCount int     `json:"unique_clicks_count" db:"unique_clicks_count"`
	TotalClicksCount  int     `json:"total_clicks_count" db:"total_clicks_count"`
	OpenRate          float64 `json:"open_rate" db:"open_rate"`
	ClickRate         float64 `json:"click_rate" db:"click_rate"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// CanEdit reports whether campaign content may still change.
func (c *Campaign) CanEdit() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}

// CanQueue reports whether send() may transition this campaign to QUEUED.
func (c *Campaign) CanQueue() bool {
	return c.Status == StatusDraft || c.Status == StatusScheduled
}

// CanPause reports whether an in-flight delivery may be paused.
func (c *Campaign) CanPause() bool {
	return c.Status == StatusDelivering || c.Status == StatusQueued
}

// CanResume reports whether a paused delivery may continue.
func (c *Campaign) CanResume() bool {
	return c.Status == StatusPaused
}

// CanCancel reports whether a scheduled campaign may return to DRAFT.
func (c *Campaign) CanCancel() bool {
	return c.Status == StatusScheduled
}

// CanTrash reports whether the campaign may be discarded.
func (c *Campaign) CanTrash() bool {
	return c.Status != StatusSent && c.Status != StatusTrash
}

// Email is the rendered-message template of a campaign, bound 1:1 for
// REGULAR campaigns. ContentHTML holds the instrumented body once the
// delivery run has applied tracking markup.
type Email struct {
	ID              uuid.UUID         `json:"id" db:"id"`
	CampaignID      uuid.UUID         `json:"campaign_id" db:"campaign_id"`
	FromEmail       string            `json:"from_email" db:"from_email"`
	FromName        string            `json:"from_name" db:"from_name"`
	Subject         string            `json:"subject" db:"subject"`
	Preview         string            `json:"preview" db:"preview"`
	TemplateContent string            `json:"template_content" db:"template_content"`
	ContentBlocks   map[string]string `json:"content_blocks" db:"content_blocks"`
	ContentHTML     string            `json:"content_html" db:"content_html"`
	ContentText     string            `json:"content_text" db:"content_text"`

	UniqueOpensCount  int `json:"unique_opens_count" db:"unique_opens_count"`
	TotalOpensCount   int `json:"total_opens_count" db:"total_opens_count"`
	UniqueClicksCount int `json:"unique_clicks_count" db:"unique_clicks_count"`
	TotalClicksCount  int `json:"total_clicks_count" db:"total_clicks_count"`
}

// From composes the RFC 5322 sender.
func (e *Email) From() string {
	if e.FromName != "" {
		return e.FromName + " <" + e.FromEmail + ">"
	}
	return e.FromEmail
}

// Link is one tracked anchor in an email body. Identity is
// (EmailID, Index, URL); duplicates of the same URL get distinct rows
// with increasing indices. Links are immutable once the email ships.
type Link struct {
	ID                uuid.UUID `json:"id" db:"id"`
	EmailID           uuid.UUID `json:"email_id" db:"email_id"`
	URL               string    `json:"url" db:"url"`
	Index             int       `json:"index" db:"index"`
	UniqueClicksCount int       `json:"unique_clicks_count" db:"unique_clicks_count"`
	TotalClicksCount  int       `json:"total_clicks_count" db:"total_clicks_count"`
}
