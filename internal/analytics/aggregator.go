package analytics

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Aggregator re-derives every denormalized counter from the activity
// ledger. All rates are ratios of distinct counts, rounded to four
// decimals, 0.0 when the denominator is zero. Each recompute is a pure
// function of current ledger state, so re-running is always safe.
type Aggregator struct {
	db *sql.DB
}

// NewAggregator creates an aggregator over the given database.
func NewAggregator(db *sql.DB) *Aggregator {
	return &Aggregator{db: db}
}

// Rate computes a distinct-count ratio clamped to four decimal digits.
func Rate(numerator, denominator int) float64 {
	if denominator == 0 {
		return 0.0
	}
	return round4(float64(numerator) / float64(denominator))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

// RecomputeSubscriber rewrites a subscriber's open and click rates:
// distinct emails opened (clicked) over distinct emails sent.
func (a *Aggregator) RecomputeSubscriber(ctx context.Context, subscriberID uuid.UUID) (openRate, clickRate float64, err error) {
	var sent, opened, clicked int
	err = a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT email_id) FILTER (WHERE activity_type = 'sent'),
			COUNT(DISTINCT email_id) FILTER (WHERE activity_type = 'opened'),
			COUNT(DISTINCT email_id) FILTER (WHERE activity_type = 'clicked')
		FROM activities
		WHERE subscriber_id = $1 AND email_id IS NOT NULL`,
		subscriberID).Scan(&sent, &opened, &clicked)
	if err != nil {
		return 0, 0, fmt.Errorf("count subscriber activities: %w", err)
	}

	openRate = Rate(opened, sent)
	clickRate = Rate(clicked, sent)

	_, err = a.db.ExecContext(ctx, `
		UPDATE subscribers SET open_rate = $2, click_rate = $3 WHERE id = $1`,
		subscriberID, openRate, clickRate)
	if err != nil {
		return 0, 0, fmt.Errorf("write subscriber rates: %w", err)
	}
	return openRate, clickRate, nil
}

// RecomputeEmail rewrites an email's unique/total open and click counters.
func (a *Aggregator) RecomputeEmail(ctx context.Context, emailID uuid.UUID) error {
	var uniqueOpens, totalOpens, uniqueClicks, totalClicks int
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COUNT(DISTINCT subscriber_id) FILTER (WHERE activity_type = 'opened'),
			COUNT(*) FILTER (WHERE activity_type = 'opened'),
			COUNT(DISTINCT subscriber_id) FILTER (WHERE activity_type = 'clicked'),
			COUNT(*) FILTER (WHERE activity_type = 'clicked')
		FROM activities
		WHERE email_id = $1`,
		emailID).Scan(&uniqueOpens, &totalOpens, &uniqueClicks, &totalClicks)
	if err != nil {
		return fmt.Errorf("count email activities: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		UPDATE emails SET unique_opens_count = $2, total_opens_count = $3,
		       unique_clicks_count = $4, total_clicks_count = $5
		WHERE id = $1`,
		emailID, uniqueOpens, totalOpens, uniqueClicks, totalClicks)
	if err != nil {
		return fmt.Errorf("write email counters: %w", err)
	}
	return nil
}

// RecomputeLink rewrites a link's unique/total click counters.
func (a *Aggregator) RecomputeLink(ctx context.Context, linkID uuid.UUID) error {
	var unique, total int
	err := a.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT subscriber_id), COUNT(*)
		FROM activities
		WHERE link_id = $1 AND activity_type = 'clicked'`,
		linkID).Scan(&unique, &total)
	if err != nil {
		return fmt.Errorf("count link clicks: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		UPDATE links SET unique_clicks_count = $2, total_clicks_count = $3
		WHERE id = $1`, linkID, unique, total)
	if err != nil {
		return fmt.Errorf("write link counters: %w", err)
	}
	return nil
}

// RecomputeCampaign rolls email counters up to the campaign and derives
// its open/click rates over the recorded recipient count.
func (a *Aggregator) RecomputeCampaign(ctx context.Context, campaignID uuid.UUID) error {
	var uniqueOpens, totalOpens, uniqueClicks, totalClicks, recipients int
	err := a.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(e.unique_opens_count), 0),
			COALESCE(SUM(e.total_opens_count), 0),
			COALESCE(SUM(e.unique_clicks_count), 0),
			COALESCE(SUM(e.total_clicks_count), 0),
			c.recipients_count
		FROM campaigns c
		LEFT JOIN emails e ON e.campaign_id = c.id
		WHERE c.id = $1
		GROUP BY c.recipients_count`,
		campaignID).Scan(&uniqueOpens, &totalOpens, &uniqueClicks, &totalClicks, &recipients)
	if err != nil {
		return fmt.Errorf("sum campaign counters: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		UPDATE campaigns SET unique_opens_count = $2, total_opens_count = $3,
		       unique_clicks_count = $4, total_clicks_count = $5,
		       open_rate = $6, click_rate = $7, updated_at = NOW()
		WHERE id = $1`,
		campaignID, uniqueOpens, totalOpens, uniqueClicks, totalClicks,
		Rate(uniqueOpens, recipients), Rate(uniqueClicks, recipients))
	if err != nil {
		return fmt.Errorf("write campaign counters: %w", err)
	}
	return nil
}

// RecomputeList rewrites a list's open/click rates as the arithmetic
// mean of its subscribers' rates.
func (a *Aggregator) RecomputeList(ctx context.Context, listID uuid.UUID) error {
	var openRate, clickRate float64
	err := a.db.QueryRowContext(ctx, `
		SELECT COALESCE(AVG(open_rate), 0), COALESCE(AVG(click_rate), 0)
		FROM subscribers
		WHERE mailing_list_id = $1`,
		listID).Scan(&openRate, &clickRate)
	if err != nil {
		return fmt.Errorf("average subscriber rates: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
		UPDATE mailing_lists SET open_rate = $2, click_rate = $3, updated_at = NOW()
		WHERE id = $1`, listID, round4(openRate), round4(clickRate))
	if err != nil {
		return fmt.Errorf("write list rates: %w", err)
	}
	return nil
}

// RecomputeForClick refreshes every scope a click touches: the link,
// its email, the email's campaign, and the subscriber.
func (a *Aggregator) RecomputeForClick(ctx context.Context, linkID, emailID, subscriberID uuid.UUID) error {
	if err := a.RecomputeLink(ctx, linkID); err != nil {
		return err
	}
	return a.RecomputeForOpen(ctx, emailID, subscriberID)
}

// RecomputeForOpen refreshes the email, its campaign, and the subscriber.
func (a *Aggregator) RecomputeForOpen(ctx context.Context, emailID, subscriberID uuid.UUID) error {
	if err := a.RecomputeEmail(ctx, emailID); err != nil {
		return err
	}
	var campaignID uuid.UUID
	err := a.db.QueryRowContext(ctx,
		`SELECT campaign_id FROM emails WHERE id = $1`, emailID).Scan(&campaignID)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("resolve campaign: %w", err)
	}
	if err == nil {
		if err := a.RecomputeCampaign(ctx, campaignID); err != nil {
			return err
		}
	}
	_, _, err = a.RecomputeSubscriber(ctx, subscriberID)
	return err
}
