package campaigns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a campaign, email, or link lookup misses.
var ErrNotFound = errors.New("campaigns: not found")

// ErrInvalidTransition is returned when a status change is not allowed
// from the campaign's current state.
var ErrInvalidTransition = errors.New("campaigns: invalid status transition")

// Store provides data access for campaigns, emails, and links.
type Store struct {
	db *sql.DB
}

// NewStore creates a new campaigns store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const campaignColumns = `id, name, campaign_type, mailing_list_id, status,
	send_date, started_at, completed_at, track_opens, track_clicks,
	recipients_count, unique_opens_count, total_opens_count,
	unique_clicks_count, total_clicks_count, open_rate, click_rate,
	created_at, updated_at`

func scanCampaign(row interface{ Scan(...interface{}) error }) (*Campaign, error) {
	var c Campaign
	err := row.Scan(
		&c.ID, &c.Name, &c.Type, &c.MailingListID, &c.Status,
		&c.SendDate, &c.StartedAt, &c.CompletedAt, &c.TrackOpens, &c.TrackClicks,
		&c.RecipientsCount, &c.UniqueOpensCount, &c.TotalOpensCount,
		&c.UniqueClicksCount, &c.TotalClicksCount, &c.OpenRate, &c.ClickRate,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan campaign: %w", err)
	}
	return &c, nil
}

// CreateCampaign inserts a new campaign in DRAFT.
func (s *Store) CreateCampaign(ctx context.Context, c *Campaign) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusDraft
	}
	if c.Type == "" {
		c.Type = TypeRegular
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO campaigns (
			id, name, campaign_type, mailing_list_id, status, send_date,
			track_opens, track_clicks, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.Name, c.Type, c.MailingListID, c.Status, c.SendDate,
		c.TrackOpens, c.TrackClicks, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}
	return nil
}

// GetCampaign fetches a campaign by ID.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	return scanCampaign(row)
}

// TransitionStatus moves a campaign between states with an optimistic
// guard on the allowed source states. started_at / completed_at are
// stamped on entering DELIVERING / SENT. Returns ErrInvalidTransition
// when the campaign was not in any of the expected states, which is how
// concurrent workers lose a claim race without side effects.
func (s *Store) TransitionStatus(ctx context.Context, id uuid.UUID, to string, from ...string) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no source states given", to)
	}

	q := `UPDATE campaigns SET status = $1, updated_at = NOW()`
	switch to {
	case StatusDelivering:
		q += `, started_at = COALESCE(started_at, NOW())`
	case StatusSent:
		q += `, completed_at = NOW()`
	}
	q += ` WHERE id = $2 AND status = ANY($3)`

	res, err := s.db.ExecContext(ctx, q, to, id, pq.Array(from))
	if err != nil {
		return fmt.Errorf("transition campaign to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition campaign to %s: %w", to, err)
	}
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// Schedule sets the send date and moves DRAFT → SCHEDULED.
func (s *Store) Schedule(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE campaigns SET status = $2, send_date = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('draft','scheduled')`,
		id, StatusScheduled, at.UTC())
	if err != nil {
		return fmt.Errorf("schedule campaign: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrInvalidTransition
	}
	return nil
}

// QueueDueScheduled moves every SCHEDULED campaign whose send date has
// arrived into QUEUED and returns their IDs. Driven by the worker beat.
func (s *Store) QueueDueScheduled(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		UPDATE campaigns SET status = 'queued', updated_at = NOW()
		WHERE status = 'scheduled' AND send_date <= $1
		RETURNING id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("queue due campaigns: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetRecipientsCount records the fan-out size on run completion.
func (s *Store) SetRecipientsCount(ctx context.Context, id uuid.UUID, n int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE campaigns SET recipients_count = $2, updated_at = NOW() WHERE id = $1`, id, n)
	if err != nil {
		return fmt.Errorf("set recipients count: %w", err)
	}
	return nil
}

const emailColumns = `id, campaign_id, from_email, from_name, subject, preview,
	template_content, content_blocks, content_html, content_text,
	unique_opens_count, total_opens_count, unique_clicks_count, total_clicks_count`

func scanEmail(row interface{ Scan(...interface{}) error }) (*Email, error) {
	var e Email
	var blocks []byte
	err := row.Scan(
		&e.ID, &e.CampaignID, &e.FromEmail, &e.FromName, &e.Subject, &e.Preview,
		&e.TemplateContent, &blocks, &e.ContentHTML, &e.ContentText,
		&e.UniqueOpensCount, &e.TotalOpensCount, &e.UniqueClicksCount, &e.TotalClicksCount,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan email: %w", err)
	}
	if len(blocks) > 0 {
		if err := json.Unmarshal(blocks, &e.ContentBlocks); err != nil {
			e.ContentBlocks = map[string]string{"content": ""}
		}
	}
	return &e, nil
}

// CreateEmail inserts the message template for a campaign.
func (s *Store) CreateEmail(ctx context.Context, e *Email) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	blocks, err := json.Marshal(e.ContentBlocks)
	if err != nil {
		return fmt.Errorf("marshal content blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO emails (
			id, campaign_id, from_email, from_name, subject, preview,
			template_content, content_blocks, content_html, content_text
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.CampaignID, e.FromEmail, e.FromName, e.Subject, e.Preview,
		e.TemplateContent, blocks, e.ContentHTML, e.ContentText,
	)
	if err != nil {
		return fmt.Errorf("insert email: %w", err)
	}
	return nil
}

// GetEmail fetches an email by ID.
func (s *Store) GetEmail(ctx context.Context, id uuid.UUID) (*Email, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE id = $1`, id)
	return scanEmail(row)
}

// GetCampaignEmail fetches the (single, for REGULAR) email of a campaign.
func (s *Store) GetCampaignEmail(ctx context.Context, campaignID uuid.UUID) (*Email, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE campaign_id = $1 ORDER BY id LIMIT 1`,
		campaignID)
	return scanEmail(row)
}

// SaveEmailContent persists the instrumented bodies after the markup
// pass. Content is frozen once the campaign reaches SENT; callers gate
// on campaign state.
func (s *Store) SaveEmailContent(ctx context.Context, e *Email) error {
	blocks, err := json.Marshal(e.ContentBlocks)
	if err != nil {
		return fmt.Errorf("marshal content blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE emails SET template_content = $2, content_blocks = $3,
		       content_html = $4, content_text = $5
		WHERE id = $1`,
		e.ID, e.TemplateContent, blocks, e.ContentHTML, e.ContentText)
	if err != nil {
		return fmt.Errorf("save email content: %w", err)
	}
	return nil
}

// CreateLinks batch-inserts the Link records produced by click rewriting.
func (s *Store) CreateLinks(ctx context.Context, links []Link) error {
	if len(links) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin links tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO links (id, email_id, url, index)
		VALUES ($1,$2,$3,$4)`)
	if err != nil {
		return fmt.Errorf("prepare link insert: %w", err)
	}
	defer stmt.Close()

	for _, l := range links {
		if _, err := stmt.ExecContext(ctx, l.ID, l.EmailID, l.URL, l.Index); err != nil {
			return fmt.Errorf("insert link %d: %w", l.Index, err)
		}
	}
	return tx.Commit()
}

// GetLink fetches a link by ID.
func (s *Store) GetLink(ctx context.Context, id uuid.UUID) (*Link, error) {
	var l Link
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email_id, url, index, unique_clicks_count, total_clicks_count
		FROM links WHERE id = $1`, id).Scan(
		&l.ID, &l.EmailID, &l.URL, &l.Index, &l.UniqueClicksCount, &l.TotalClicksCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get link: %w", err)
	}
	return &l, nil
}

// EmailLinks returns the links of an email ordered by index.
func (s *Store) EmailLinks(ctx context.Context, emailID uuid.UUID) ([]Link, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email_id, url, index, unique_clicks_count, total_clicks_count
		FROM links WHERE email_id = $1 ORDER BY index`, emailID)
	if err != nil {
		return nil, fmt.Errorf("query email links: %w", err)
	}
	defer rows.Close()

	var out []Link
	for rows.Next() {
		var l Link
		if err := rows.Scan(&l.ID, &l.EmailID, &l.URL, &l.Index,
			&l.UniqueClicksCount, &l.TotalClicksCount); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Replicate copies a campaign and its email into a fresh DRAFT. The new
// name carries a " (copy)" suffix clamped to the 100-char name limit.
func (s *Store) Replicate(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	src, err := s.GetCampaign(ctx, id)
	if err != nil {
		return nil, err
	}

	const suffix = " (copy)"
	name := src.Name
	for len(name) > 100-len(suffix) {
		// Trim whole runes so a multibyte name never gets cut mid-sequence.
		_, size := utf8.DecodeLastRuneInString(name)
		name = name[:len(name)-size]
	}
	name += suffix

	copyCampaign := &Campaign{
		Name:          name,
		Type:          src.Type,
		MailingListID: src.MailingListID,
		Status:        StatusDraft,
		TrackOpens:    src.TrackOpens,
		TrackClicks:   src.TrackClicks,
	}
	if err := s.CreateCampaign(ctx, copyCampaign); err != nil {
		return nil, err
	}

	email, err := s.GetCampaignEmail(ctx, id)
	if err != nil && err != ErrNotFound {
		return nil, err
	}
	if email != nil {
		emailCopy := *email
		emailCopy.ID = uuid.Nil
		emailCopy.CampaignID = copyCampaign.ID
		emailCopy.UniqueOpensCount = 0
		emailCopy.TotalOpensCount = 0
		emailCopy.UniqueClicksCount = 0
		emailCopy.TotalClicksCount = 0
		if err := s.CreateEmail(ctx, &emailCopy); err != nil {
			return nil, err
		}
	}
	return copyCampaign, nil
}
