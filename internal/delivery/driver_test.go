package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/mailkite/internal/analytics"
	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/subscribers"
)

type sentMessage struct {
	from string
	to   []string
	body []byte
}

type fakeTransport struct {
	sent   []sentMessage
	closed bool
}

func (f *fakeTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	f.sent = append(f.sent, sentMessage{from: from, to: to, body: msg})
	return nil
}

func (f *fakeTransport) Close() error {
	f.closed = true
	return nil
}

func setupDriverTest(t *testing.T) (*Driver, sqlmock.Sqlmock, *fakeTransport, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	transport := &fakeTransport{}
	d := NewDriver(
		campaigns.NewStore(db),
		subscribers.NewStore(db),
		lists.NewStore(db),
		analytics.NewAggregator(db),
		render.NewEngine(),
		config.SiteConfig{Domain: "mk.example.com", HTTPSOnly: true},
		config.SMTPConfig{Host: "relay.example.com", Port: 587, TimeoutSeconds: 30},
	)
	d.Dial = func(Relay) (Transport, error) { return transport, nil }
	return d, mock, transport, func() { db.Close() }
}

var campaignCols = []string{
	"id", "name", "campaign_type", "mailing_list_id", "status",
	"send_date", "started_at", "completed_at", "track_opens", "track_clicks",
	"recipients_count", "unique_opens_count", "total_opens_count",
	"unique_clicks_count", "total_clicks_count", "open_rate", "click_rate",
	"created_at", "updated_at",
}

func campaignRow(id, listID uuid.UUID, status string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(campaignCols).AddRow(
		id, "September news", campaigns.TypeRegular, listID, status,
		nil, nil, nil, true, false,
		0, 0, 0, 0, 0, 0.0, 0.0, now, now,
	)
}

var emailCols = []string{
	"id", "campaign_id", "from_email", "from_name", "subject", "preview",
	"template_content", "content_blocks", "content_html", "content_text",
	"unique_opens_count", "total_opens_count", "unique_clicks_count", "total_clicks_count",
}

func emailRow(id, campaignID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows(emailCols).AddRow(
		id, campaignID, "news@example.com", "News", "Hello {{name}}", "",
		"", []byte(`{}`), "<html><body><p>Hi {{name}}</p></body></html>", "Hi {{name}}",
		0, 0, 0, 0,
	)
}

var listCols = []string{
	"id", "name", "slug", "contact_email", "list_manager_email",
	"default_from_name", "default_from_email",
	"smtp_host", "smtp_port", "smtp_username", "smtp_password",
	"smtp_use_tls", "smtp_use_ssl", "smtp_timeout_seconds",
	"enable_recaptcha", "subscribers_count", "open_rate", "click_rate",
	"created_at", "updated_at",
}

func listRow(id uuid.UUID) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(listCols).AddRow(
		id, "Weekly", "weekly", "contact@example.com", "",
		"News", "news@example.com",
		"", 0, "", "", false, false, 0,
		false, 1, 0.0, 0.0, now, now,
	)
}

var subscriberCols = []string{
	"id", "mailing_list_id", "email", "name", "status",
	"optin_ip_address", "optin_date", "confirm_ip_address", "confirm_date",
	"last_seen_ip_address", "last_seen_date", "last_sent",
	"open_rate", "click_rate", "update_date", "created_at",
}

func subscriberRow(id, listID uuid.UUID, email, name string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows(subscriberCols).AddRow(
		id, listID, email, name, subscribers.StatusSubscribed,
		"203.0.113.9", now, "", nil, "", nil, nil,
		0.0, 0.0, now, now,
	)
}

func TestRunLosesClaimRace(t *testing.T) {
	d, mock, transport, cleanup := setupDriverTest(t)
	defer cleanup()

	campaignID := uuid.New()
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, d.Run(context.Background(), campaignID))
	assert.Empty(t, transport.sent, "a lost claim must not send anything")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunDeliversAndFinishes(t *testing.T) {
	d, mock, transport, cleanup := setupDriverTest(t)
	defer cleanup()

	campaignID := uuid.New()
	emailID := uuid.New()
	listID := uuid.New()
	subID := uuid.New()

	// Claim QUEUED → DELIVERING.
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusDelivering))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(emailID, campaignID))
	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID))

	// Instrumented content is persisted before fan-out.
	mock.ExpectExec(`UPDATE emails SET template_content`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`FROM subscribers`).
		WillReturnRows(subscriberRow(subID, listID, "jane@example.org", "Jane"))

	// Pause check, idempotency gate, ledger append, last-sent stamp.
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusDelivering))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO activities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE subscribers SET last_sent`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Run completion bookkeeping.
	mock.ExpectExec(`UPDATE campaigns SET recipients_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(AVG`).
		WillReturnRows(sqlmock.NewRows([]string{"o", "c"}).AddRow(0.0, 0.0))
	mock.ExpectExec(`UPDATE mailing_lists SET open_rate`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.Run(context.Background(), campaignID))

	require.Len(t, transport.sent, 1)
	assert.Equal(t, "news@example.com", transport.sent[0].from)
	assert.Equal(t, []string{"jane@example.org"}, transport.sent[0].to)
	assert.True(t, transport.closed, "the run must close its connection")

	header, parts := decodeMessage(t, transport.sent[0].body)
	assert.Equal(t, "Hello Jane", header.Get("Subject"))
	assert.Contains(t, header.Get("List-Id"), listID.String())
	assert.Equal(t, "NO", header.Get("List-Post"))
	assert.Contains(t, header.Get("List-Unsubscribe"),
		"https://mk.example.com/unsubscribe/"+listID.String()+"/"+subID.String()+"/"+campaignID.String()+"/")
	assert.Equal(t, "List-Unsubscribe=One-Click", header.Get("List-Unsubscribe-Post"))

	require.Len(t, parts, 2)
	// Open pixel injected with the recipient UUID resolved; text variant stays clean.
	assert.Contains(t, parts[1].body, "/track/open/"+emailID.String()+"/"+subID.String()+"/")
	assert.NotContains(t, parts[0].body, "/track/open/")
	assert.Contains(t, parts[0].body, "Hi Jane")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTracksClicksInBothVariants(t *testing.T) {
	d, mock, transport, cleanup := setupDriverTest(t)
	defer cleanup()

	campaignID := uuid.New()
	emailID := uuid.New()
	listID := uuid.New()
	subID := uuid.New()

	now := time.Now().UTC()
	trackingCampaign := sqlmock.NewRows(campaignCols).AddRow(
		campaignID, "September news", campaigns.TypeRegular, listID, campaigns.StatusDelivering,
		nil, nil, nil, false, true,
		0, 0, 0, 0, 0, 0.0, 0.0, now, now,
	)
	// The authored text variant repeats the promo URL verbatim.
	trackedEmail := sqlmock.NewRows(emailCols).AddRow(
		emailID, campaignID, "news@example.com", "News", "Hello {{name}}", "",
		"", []byte(`{}`), `<html><body><p><a href="https://example.org/promo">Promo</a></p></body></html>`,
		"Visit https://example.org/promo today.",
		0, 0, 0, 0,
	)

	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(trackingCampaign)
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(trackedEmail)
	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID))

	mock.ExpectQuery(`FROM links WHERE email_id`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "email_id", "url", "index", "unique_clicks_count", "total_clicks_count"}))
	mock.ExpectBegin()
	prep := mock.ExpectPrepare(`INSERT INTO links`)
	prep.ExpectExec().WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec(`UPDATE emails SET template_content`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectQuery(`FROM subscribers`).
		WillReturnRows(subscriberRow(subID, listID, "jane@example.org", "Jane"))
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusDelivering))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO activities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE subscribers SET last_sent`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	mock.ExpectExec(`UPDATE campaigns SET recipients_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(AVG`).
		WillReturnRows(sqlmock.NewRows([]string{"o", "c"}).AddRow(0.0, 0.0))
	mock.ExpectExec(`UPDATE mailing_lists SET open_rate`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.Run(context.Background(), campaignID))

	require.Len(t, transport.sent, 1)
	_, parts := decodeMessage(t, transport.sent[0].body)
	require.Len(t, parts, 2)

	// Both variants carry the tracked URL with the recipient resolved;
	// the raw promo URL survives nowhere.
	assert.Contains(t, parts[0].body, "/track/click/")
	assert.Contains(t, parts[0].body, "/"+subID.String()+"/")
	assert.NotContains(t, parts[0].body, "https://example.org/promo")
	assert.Contains(t, parts[1].body, "/track/click/")
	assert.NotContains(t, parts[1].body, "https://example.org/promo")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunSkipsAlreadySentRecipient(t *testing.T) {
	d, mock, transport, cleanup := setupDriverTest(t)
	defer cleanup()

	campaignID := uuid.New()
	emailID := uuid.New()
	listID := uuid.New()
	subID := uuid.New()

	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusDelivering))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(emailID, campaignID))
	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID))
	mock.ExpectExec(`UPDATE emails SET template_content`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM subscribers`).
		WillReturnRows(subscriberRow(subID, listID, "jane@example.org", "Jane"))

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusDelivering))
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	mock.ExpectExec(`UPDATE campaigns SET recipients_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT COALESCE\(AVG`).
		WillReturnRows(sqlmock.NewRows([]string{"o", "c"}).AddRow(0.0, 0.0))
	mock.ExpectExec(`UPDATE mailing_lists SET open_rate`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, d.Run(context.Background(), campaignID))
	assert.Empty(t, transport.sent, "already-sent recipients are skipped")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunStopsWhenPaused(t *testing.T) {
	d, mock, transport, cleanup := setupDriverTest(t)
	defer cleanup()

	campaignID := uuid.New()
	emailID := uuid.New()
	listID := uuid.New()
	subID := uuid.New()

	mock.ExpectExec(`UPDATE campaigns SET status`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusDelivering))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(emailID, campaignID))
	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID))
	mock.ExpectExec(`UPDATE emails SET template_content`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`FROM subscribers`).
		WillReturnRows(subscriberRow(subID, listID, "jane@example.org", "Jane"))

	// Someone paused the campaign between recipients.
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, listID, campaigns.StatusPaused))

	require.NoError(t, d.Run(context.Background(), campaignID))
	assert.Empty(t, transport.sent)
	assert.NoError(t, mock.ExpectationsWereMet(),
		"a paused run must not finish the campaign or touch counters")
}

func TestTestSendUsesStandIns(t *testing.T) {
	d, mock, transport, cleanup := setupDriverTest(t)
	defer cleanup()

	email := &campaigns.Email{
		ID:          uuid.New(),
		FromEmail:   "news@example.com",
		FromName:    "News",
		Subject:     "Hello {{name}}",
		ContentHTML: `<p>Hi {{name}}, <a href="{{unsub}}">leave</a></p>`,
		ContentText: "Hi {{name}}, leave: {{unsub}}",
	}
	list := &lists.MailingList{ID: uuid.New(), Name: "Weekly"}

	require.NoError(t, d.TestSend(context.Background(), email, list,
		[]string{"one@example.org", "two@example.org"}))

	require.Len(t, transport.sent, 2)
	header, parts := decodeMessage(t, transport.sent[0].body)
	assert.Equal(t, "[Test] Hello << Test Name >>", header.Get("Subject"))
	require.Len(t, parts, 2)
	assert.Contains(t, parts[1].body, "<< Test Name >>")
	assert.Contains(t, parts[1].body, `href="#"`)

	assert.NoError(t, mock.ExpectationsWereMet(), "test sends never touch the database")
}

func TestListRelayOverride(t *testing.T) {
	cfg := config.SMTPConfig{Host: "relay.example.com", Port: 587, Username: "default", TimeoutSeconds: 30}

	plain := &lists.MailingList{Name: "No override"}
	assert.Equal(t, "relay.example.com:587", ListRelay(cfg, plain).Addr())

	override := &lists.MailingList{
		Name:         "Own relay",
		SMTPHost:     "mail.tenant.example",
		SMTPPort:     465,
		SMTPUsername: "tenant",
		SMTPUseSSL:   true,
	}
	relay := ListRelay(cfg, override)
	assert.Equal(t, "mail.tenant.example:465", relay.Addr())
	assert.Equal(t, "tenant", relay.Username)
	assert.True(t, relay.UseSSL)
	assert.Equal(t, 30*time.Second, relay.Timeout, "override without timeout inherits the default")
}
