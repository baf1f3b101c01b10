package subscribers

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Subscriber statuses. PENDING becomes SUBSCRIBED only through a valid
// confirm-subscription token; CLEANED is an administrative terminal state.
const (
	StatusPending      = "pending"
	StatusSubscribed   = "subscribed"
	StatusUnsubscribed = "unsubscribed"
	StatusCleaned      = "cleaned"
)

// Activity types recorded in the ledger.
const (
	ActivitySent         = "sent"
	ActivityOpened       = "opened"
	ActivityClicked      = "clicked"
	ActivitySubscribed   = "subscribed"
	ActivityUnsubscribed = "unsubscribed"
	ActivityCleaned      = "cleaned"
	ActivityImported     = "imported"
)

// Subscriber is a member of one mailing list. (email, mailing_list_id)
// is unique. The denormalized rates are derived from the ledger by the
// analytics aggregator.
type Subscriber struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	MailingListID uuid.UUID  `json:"mailing_list_id" db:"mailing_list_id"`
	Email         string     `json:"email" db:"email"`
	Name          string     `json:"name" db:"name"`
	Status        string     `json:"status" db:"status"`
	OptinIP       string     `json:"optin_ip_address,omitempty" db:"optin_ip_address"`
	OptinDate     time.Time  `json:"optin_date" db:"optin_date"`
	ConfirmIP     string     `json:"confirm_ip_address,omitempty" db:"confirm_ip_address"`
	ConfirmDate   *time.Time `json:"confirm_date,omitempty" db:"confirm_date"`
	LastSeenIP    string     `json:"last_seen_ip_address,omitempty" db:"last_seen_ip_address"`
	LastSeenDate  *time.Time `json:"last_seen_date,omitempty" db:"last_seen_date"`
	LastSent      *time.Time `json:"last_sent,omitempty" db:"last_sent"`
	OpenRate      float64    `json:"open_rate" db:"open_rate"`
	ClickRate     float64    `json:"click_rate" db:"click_rate"`
	UpdateDate    time.Time  `json:"update_date" db:"update_date"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

// AddressedTo composes the RFC 5322 destination for this subscriber.
func (s *Subscriber) AddressedTo() string {
	if s.Name != "" {
		return s.Name + " <" + s.Email + ">"
	}
	return s.Email
}

// Activity is one immutable ledger entry describing a subscriber-level
// event. Rows are only ever appended; aggregates are re-derived from them.
type Activity struct {
	ID           int64      `json:"id" db:"id"`
	Type         string     `json:"type" db:"activity_type"`
	Date         time.Time  `json:"date" db:"date"`
	IPAddress    string     `json:"ip_address,omitempty" db:"ip_address"`
	SubscriberID uuid.UUID  `json:"subscriber_id" db:"subscriber_id"`
	CampaignID   *uuid.UUID `json:"campaign_id,omitempty" db:"campaign_id"`
	EmailID      *uuid.UUID `json:"email_id,omitempty" db:"email_id"`
	LinkID       *uuid.UUID `json:"link_id,omitempty" db:"link_id"`
	Description  string     `json:"description,omitempty" db:"description"`
}

// RequestContext carries the request-scoped facts the subscription
// operations need. Always passed explicitly by the HTTP layer.
type RequestContext struct {
	IP             string
	AcceptLanguage string
	Secure         bool
}

// NormalizeEmail lowercases the domain part of an address, leaving the
// local part untouched.
func NormalizeEmail(email string) string {
	email = strings.TrimSpace(email)
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return email
	}
	return email[:at+1] + strings.ToLower(email[at+1:])
}

// ValidEmail is a cheap structural check used by import and subscribe
// paths; full verification is the relay's problem.
func ValidEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return false
	}
	domain := email[at+1:]
	return strings.Contains(domain, ".") && !strings.ContainsAny(email, " \t\r\n")
}

// EmailDomain returns the "@domain" portion of a normalized address,
// or an empty string when the address has no domain part.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(email[at:])
}
