package subscribers

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// ErrNotFound is returned when a subscriber lookup misses.
var ErrNotFound = errors.New("subscribers: not found")

// Store provides data access for subscribers and the activity ledger.
type Store struct {
	db *sql.DB
}

// NewStore creates a new subscribers store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const subscriberColumns = `id, mailing_list_id, email, name, status,
	optin_ip_address, optin_date, confirm_ip_address, confirm_date,
	last_seen_ip_address, last_seen_date, last_sent,
	open_rate, click_rate, update_date, created_at`

func scanSubscriber(row interface{ Scan(...interface{}) error }) (*Subscriber, error) {
	var s Subscriber
	err := row.Scan(
		&s.ID, &s.MailingListID, &s.Email, &s.Name, &s.Status,
		&s.OptinIP, &s.OptinDate, &s.ConfirmIP, &s.ConfirmDate,
		&s.LastSeenIP, &s.LastSeenDate, &s.LastSent,
		&s.OpenRate, &s.ClickRate, &s.UpdateDate, &s.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscriber: %w", err)
	}
	return &s, nil
}

// Create inserts a new subscriber. The email is normalized before
// insert and its @domain is recorded in the domains roster.
func (s *Store) Create(ctx context.Context, sub *Subscriber) error {
	if sub.ID == uuid.Nil {
		sub.ID = uuid.New()
	}
	sub.Email = NormalizeEmail(sub.Email)
	if d := EmailDomain(sub.Email); d != "" {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO domains (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`, d)
		if err != nil {
			return fmt.Errorf("upsert domain: %w", err)
		}
	}
	now := time.Now().UTC()
	if sub.OptinDate.IsZero() {
		sub.OptinDate = now
	}
	sub.UpdateDate = now
	sub.CreatedAt = now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscribers (
			id, mailing_list_id, email, name, status,
			optin_ip_address, optin_date, confirm_ip_address, confirm_date,
			open_rate, click_rate, update_date, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,0,0,$10,$11)`,
		sub.ID, sub.MailingListID, sub.Email, sub.Name, sub.Status,
		sub.OptinIP, sub.OptinDate, sub.ConfirmIP, sub.ConfirmDate,
		sub.UpdateDate, sub.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

// Get fetches a subscriber by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers WHERE id = $1`, id)
	return scanSubscriber(row)
}

// GetByEmail fetches a subscriber by (list, normalized email).
func (s *Store) GetByEmail(ctx context.Context, listID uuid.UUID, email string) (*Subscriber, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE mailing_list_id = $1 AND email = $2`,
		listID, NormalizeEmail(email))
	return scanSubscriber(row)
}

// ActiveForList returns the subscribers a campaign on this list fans out
// to, in a stable order so delivery runs are reproducible.
func (s *Store) ActiveForList(ctx context.Context, listID uuid.UUID) ([]*Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subscriberColumns+` FROM subscribers
		 WHERE mailing_list_id = $1 AND status = 'subscribed'
		 ORDER BY created_at, id`, listID)
	if err != nil {
		return nil, fmt.Errorf("query active subscribers: %w", err)
	}
	defer rows.Close()

	var out []*Subscriber
	for rows.Next() {
		sub, err := scanSubscriber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// CountActiveForList returns the recipient count for a delivery run.
func (s *Store) CountActiveForList(ctx context.Context, listID uuid.UUID) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscribers
		 WHERE mailing_list_id = $1 AND status = 'subscribed'`, listID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active subscribers: %w", err)
	}
	return n, nil
}

// SetStatus transitions a subscriber and re-derives the owning list's
// subscribers_count in the same transaction, with optional confirm /
// last-seen bookkeeping depending on the transition.
func (s *Store) SetStatus(ctx context.Context, id uuid.UUID, status, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin status tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	switch status {
	case StatusSubscribed:
		_, err = tx.ExecContext(ctx, `
			UPDATE subscribers
			SET status = $2, confirm_ip_address = $3, confirm_date = $4,
			    last_seen_ip_address = $3, last_seen_date = $4, update_date = $4
			WHERE id = $1`, id, status, ip, now)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE subscribers
			SET status = $2, last_seen_ip_address = $3, last_seen_date = $4,
			    update_date = $4
			WHERE id = $1`, id, status, ip, now)
	}
	if err != nil {
		return fmt.Errorf("update subscriber status: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE mailing_lists
		SET subscribers_count = (
			SELECT COUNT(*) FROM subscribers
			WHERE mailing_list_id = (SELECT mailing_list_id FROM subscribers WHERE id = $1)
			  AND status = 'subscribed'
		), updated_at = $2
		WHERE id = (SELECT mailing_list_id FROM subscribers WHERE id = $1)`, id, now)
	if err != nil {
		return fmt.Errorf("recount list subscribers: %w", err)
	}

	return tx.Commit()
}

// TouchLastSeen updates the subscriber's last-seen IP and timestamp.
func (s *Store) TouchLastSeen(ctx context.Context, id uuid.UUID, ip string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subscribers
		SET last_seen_ip_address = $2, last_seen_date = NOW()
		WHERE id = $1`, id, ip)
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	return nil
}

// SetLastSent stamps the last campaign delivery to this subscriber.
func (s *Store) SetLastSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET last_sent = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("set last sent: %w", err)
	}
	return nil
}

// ImportBatch upserts one batch of imported rows keyed on
// (mailing_list_id, email). Created rows keep every supplied field;
// existing rows get their name refreshed when the CSV carries one and
// their update_date bumped. A multi-row ON CONFLICT statement cannot
// touch the same row twice, so repeated emails within the batch are
// collapsed first, last occurrence winning. Returns the IDs of rows
// the batch created so the caller can append IMPORTED activities for
// them.
func (s *Store) ImportBatch(ctx context.Context, subs []*Subscriber) (created []uuid.UUID, err error) {
	for _, sub := range subs {
		sub.Email = NormalizeEmail(sub.Email)
	}
	subs = dedupeByEmail(subs)
	if len(subs) == 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	if err := s.upsertDomains(ctx, subs); err != nil {
		return nil, err
	}

	var sb strings.Builder
	sb.WriteString(`
		INSERT INTO subscribers (
			id, mailing_list_id, email, name, status,
			optin_ip_address, optin_date, confirm_ip_address, confirm_date,
			open_rate, click_rate, update_date, created_at
		) VALUES `)
	args := make([]interface{}, 0, len(subs)*11)
	for i, sub := range subs {
		if sub.ID == uuid.Nil {
			sub.ID = uuid.New()
		}
		if sub.OptinDate.IsZero() {
			sub.OptinDate = now
		}
		if i > 0 {
			sb.WriteString(",")
		}
		n := i * 11
		fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,0,0,$%d,$%d)",
			n+1, n+2, n+3, n+4, n+5, n+6, n+7, n+8, n+9, n+10, n+11)
		args = append(args,
			sub.ID, sub.MailingListID, sub.Email, sub.Name, sub.Status,
			sub.OptinIP, sub.OptinDate, sub.ConfirmIP, sub.ConfirmDate,
			now, now,
		)
	}
	sb.WriteString(`
		ON CONFLICT (mailing_list_id, email) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE subscribers.name END,
			update_date = EXCLUDED.update_date
		RETURNING id, (xmax = 0) AS inserted`)

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("import batch: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id uuid.UUID
		var inserted bool
		if err := rows.Scan(&id, &inserted); err != nil {
			return nil, fmt.Errorf("scan import batch: %w", err)
		}
		if inserted {
			created = append(created, id)
		}
	}
	return created, rows.Err()
}

// dedupeByEmail collapses rows sharing a (list, email) key, keeping the
// last occurrence in original batch order.
func dedupeByEmail(subs []*Subscriber) []*Subscriber {
	seen := make(map[string]int, len(subs))
	out := subs[:0:0]
	for _, sub := range subs {
		key := sub.MailingListID.String() + "\x00" + sub.Email
		if i, ok := seen[key]; ok {
			out[i] = sub
			continue
		}
		seen[key] = len(out)
		out = append(out, sub)
	}
	return out
}

// upsertDomains records the distinct @domains seen in a batch. Emails
// are already normalized at this point.
func (s *Store) upsertDomains(ctx context.Context, subs []*Subscriber) error {
	seen := make(map[string]struct{}, len(subs))
	var domains []string
	for _, sub := range subs {
		d := EmailDomain(sub.Email)
		if d == "" {
			continue
		}
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		domains = append(domains, d)
	}
	if len(domains) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domains (name)
		SELECT unnest($1::text[])
		ON CONFLICT (name) DO NOTHING`, pq.Array(domains))
	if err != nil {
		return fmt.Errorf("upsert domains: %w", err)
	}
	return nil
}

// TouchUpdateDate bumps update_date; used by the import pipeline when a
// row upserts onto an existing subscriber.
func (s *Store) TouchUpdateDate(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET update_date = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("touch update date: %w", err)
	}
	return nil
}

// RecordActivity appends one ledger row. The ledger is append-only;
// nothing in the system updates or deletes activity rows.
func (s *Store) RecordActivity(ctx context.Context, a *Activity) error {
	if a.Date.IsZero() {
		a.Date = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO activities (
			activity_type, date, ip_address, subscriber_id,
			campaign_id, email_id, link_id, description
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id`,
		a.Type, a.Date, a.IPAddress, a.SubscriberID,
		a.CampaignID, a.EmailID, a.LinkID, a.Description,
	).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// HasActivity reports whether a ledger row exists for
// (subscriber, email, type). The delivery driver uses this as its
// idempotency gate and the click ingest as its open-synthesis check.
func (s *Store) HasActivity(ctx context.Context, subscriberID, emailID uuid.UUID, activityType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM activities
			WHERE subscriber_id = $1 AND email_id = $2 AND activity_type = $3
		)`, subscriberID, emailID, activityType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check activity: %w", err)
	}
	return exists, nil
}

// RecentActivities returns the newest ledger rows for a subscriber.
func (s *Store) RecentActivities(ctx context.Context, subscriberID uuid.UUID, limit int) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_type, date, ip_address, subscriber_id,
		       campaign_id, email_id, link_id, description
		FROM activities
		WHERE subscriber_id = $1
		ORDER BY date DESC, id DESC
		LIMIT $2`, subscriberID, limit)
	if err != nil {
		return nil, fmt.Errorf("query activities: %w", err)
	}
	defer rows.Close()

	var out []*Activity
	for rows.Next() {
		var a Activity
		if err := rows.Scan(&a.ID, &a.Type, &a.Date, &a.IPAddress, &a.SubscriberID,
			&a.CampaignID, &a.EmailID, &a.LinkID, &a.Description); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

// Delete removes a subscriber and returns the email and link IDs its
// ledger referenced so the caller can schedule aggregate recomputation.
func (s *Store) Delete(ctx context.Context, id uuid.UUID) (emailIDs, linkIDs []uuid.UUID, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT email_id FROM activities
		WHERE subscriber_id = $1 AND activity_type = 'sent' AND email_id IS NOT NULL`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("collect email ids: %w", err)
	}
	for rows.Next() {
		var eid uuid.UUID
		if err := rows.Scan(&eid); err != nil {
			rows.Close()
			return nil, nil, err
		}
		emailIDs = append(emailIDs, eid)
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT DISTINCT link_id FROM activities
		WHERE subscriber_id = $1 AND activity_type = 'clicked' AND link_id IS NOT NULL`, id)
	if err != nil {
		return nil, nil, fmt.Errorf("collect link ids: %w", err)
	}
	for rows.Next() {
		var lid uuid.UUID
		if err := rows.Scan(&lid); err != nil {
			rows.Close()
			return nil, nil, err
		}
		linkIDs = append(linkIDs, lid)
	}
	rows.Close()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM subscribers WHERE id = $1`, id); err != nil {
		return nil, nil, fmt.Errorf("delete subscriber: %w", err)
	}
	return emailIDs, linkIDs, nil
}
