package lists

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a list or template lookup misses.
var ErrNotFound = errors.New("lists: not found")

// Store provides data access for mailing lists and form templates.
type Store struct {
	db *sql.DB
}

// NewStore creates a new lists store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const listColumns = `id, name, slug, contact_email, list_manager_email,
	default_from_name, default_from_email,
	smtp_host, smtp_port, smtp_username, smtp_password,
	smtp_use_tls, smtp_use_ssl, smtp_timeout_seconds,
	enable_recaptcha, subscribers_count, open_rate, click_rate,
	created_at, updated_at`

func scanList(row *sql.Row) (*MailingList, error) {
	var l MailingList
	err := row.Scan(
		&l.ID, &l.Name, &l.Slug, &l.ContactEmail, &l.ListManagerEmail,
		&l.DefaultFromName, &l.DefaultFromEmail,
		&l.SMTPHost, &l.SMTPPort, &l.SMTPUsername, &l.SMTPPassword,
		&l.SMTPUseTLS, &l.SMTPUseSSL, &l.SMTPTimeoutSeconds,
		&l.EnableRecaptcha, &l.SubscribersCount, &l.OpenRate, &l.ClickRate,
		&l.CreatedAt, &l.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mailing list: %w", err)
	}
	return &l, nil
}

// CreateList inserts a new mailing list.
func (s *Store) CreateList(ctx context.Context, l *MailingList) error {
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailing_lists (
			id, name, slug, contact_email, list_manager_email,
			default_from_name, default_from_email,
			smtp_host, smtp_port, smtp_username, smtp_password,
			smtp_use_tls, smtp_use_ssl, smtp_timeout_seconds,
			enable_recaptcha, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		l.ID, l.Name, l.Slug, l.ContactEmail, l.ListManagerEmail,
		l.DefaultFromName, l.DefaultFromEmail,
		l.SMTPHost, l.SMTPPort, l.SMTPUsername, l.SMTPPassword,
		l.SMTPUseTLS, l.SMTPUseSSL, l.SMTPTimeoutSeconds,
		l.EnableRecaptcha, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert mailing list: %w", err)
	}
	return nil
}

// GetList fetches a mailing list by ID.
func (s *Store) GetList(ctx context.Context, id uuid.UUID) (*MailingList, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM mailing_lists WHERE id = $1`, id)
	return scanList(row)
}

// GetListBySlug fetches a mailing list by its short-URL slug.
func (s *Store) GetListBySlug(ctx context.Context, slug string) (*MailingList, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+listColumns+` FROM mailing_lists WHERE slug = $1`, slug)
	return scanList(row)
}

// UpdateSubscribersCount re-derives subscribers_count from the subscribers
// table. Runs inside the caller's transaction when one is supplied so the
// count moves with the status change that triggered it.
func (s *Store) UpdateSubscribersCount(ctx context.Context, tx *sql.Tx, listID uuid.UUID) error {
	const q = `
		UPDATE mailing_lists
		SET subscribers_count = (
			SELECT COUNT(*) FROM subscribers
			WHERE mailing_list_id = $1 AND status = 'subscribed'
		), updated_at = NOW()
		WHERE id = $1`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, listID)
	} else {
		_, err = s.db.ExecContext(ctx, q, listID)
	}
	if err != nil {
		return fmt.Errorf("update subscribers count: %w", err)
	}
	return nil
}

// UpdateRates writes list-level open/click rates computed by the aggregator.
func (s *Store) UpdateRates(ctx context.Context, listID uuid.UUID, openRate, clickRate float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE mailing_lists SET open_rate = $2, click_rate = $3, updated_at = NOW()
		WHERE id = $1`, listID, openRate, clickRate)
	if err != nil {
		return fmt.Errorf("update list rates: %w", err)
	}
	return nil
}

const templateColumns = `id, list_id, key, redirect_url, send_email,
	from_email, from_name, subject, content_html, content_text`

// GetFormTemplate fetches the per-list template for a workflow role.
func (s *Store) GetFormTemplate(ctx context.Context, listID uuid.UUID, key string) (*FormTemplate, error) {
	var t FormTemplate
	err := s.db.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM subscription_form_templates
		 WHERE list_id = $1 AND key = $2`, listID, key).Scan(
		&t.ID, &t.ListID, &t.Key, &t.RedirectURL, &t.SendEmail,
		&t.FromEmail, &t.FromName, &t.Subject, &t.ContentHTML, &t.ContentText,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get form template: %w", err)
	}
	return &t, nil
}

// SaveFormTemplate inserts or updates the template for (list, key).
func (s *Store) SaveFormTemplate(ctx context.Context, t *FormTemplate) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscription_form_templates (
			id, list_id, key, redirect_url, send_email,
			from_email, from_name, subject, content_html, content_text
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (list_id, key) DO UPDATE SET
			redirect_url = EXCLUDED.redirect_url,
			send_email = EXCLUDED.send_email,
			from_email = EXCLUDED.from_email,
			from_name = EXCLUDED.from_name,
			subject = EXCLUDED.subject,
			content_html = EXCLUDED.content_html,
			content_text = EXCLUDED.content_text`,
		t.ID, t.ListID, t.Key, t.RedirectURL, t.SendEmail,
		t.FromEmail, t.FromName, t.Subject, t.ContentHTML, t.ContentText,
	)
	if err != nil {
		return fmt.Errorf("save form template: %w", err)
	}
	return nil
}
