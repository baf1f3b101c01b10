package tracking

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailkite/mailkite/internal/analytics"
	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/subscribers"
)

func setupHandlerTest(t *testing.T) (http.Handler, sqlmock.Sqlmock, *miniredis.Miniredis, func()) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := NewHandler(
		campaigns.NewStore(db),
		subscribers.NewStore(db),
		analytics.NewAggregator(db),
		NewRateLimiter(client),
	)
	return h.Routes(), mock, mr, func() {
		client.Close()
		db.Close()
	}
}

func subscriberRows(id uuid.UUID) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "mailing_list_id", "email", "name", "status",
		"optin_ip_address", "optin_date", "confirm_ip_address", "confirm_date",
		"last_seen_ip_address", "last_seen_date", "last_sent",
		"open_rate", "click_rate", "update_date", "created_at",
	}).AddRow(
		id, uuid.New(), "jane@example.org", "Jane", subscribers.StatusSubscribed,
		"", now, "", nil, "", nil, nil, 0.0, 0.0, now, now,
	)
}

func emailRows(id, campaignID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "from_email", "from_name", "subject", "preview",
		"template_content", "content_blocks", "content_html", "content_text",
		"unique_opens_count", "total_opens_count", "unique_clicks_count", "total_clicks_count",
	}).AddRow(
		id, campaignID, "news@example.com", "News", "Hi", "",
		"", []byte(`{}`), "<p>hi</p>", "hi", 0, 0, 0, 0,
	)
}

// expectOpenRecompute covers the aggregator cascade an open triggers:
// email counters, campaign rollup, subscriber rates.
func expectOpenRecompute(mock sqlmock.Sqlmock, campaignID uuid.UUID) {
	mock.ExpectQuery(`WHERE email_id`).
		WillReturnRows(sqlmock.NewRows([]string{"uo", "to", "uc", "tc"}).AddRow(1, 1, 0, 0))
	mock.ExpectExec(`UPDATE emails SET unique_opens_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`SELECT campaign_id FROM emails`).
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id"}).AddRow(campaignID))
	mock.ExpectQuery(`FROM campaigns c`).
		WillReturnRows(sqlmock.NewRows([]string{"uo", "to", "uc", "tc", "r"}).AddRow(1, 1, 0, 0, 3))
	mock.ExpectExec(`UPDATE campaigns SET unique_opens_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`WHERE subscriber_id`).
		WillReturnRows(sqlmock.NewRows([]string{"sent", "opened", "clicked"}).AddRow(1, 1, 0))
	mock.ExpectExec(`UPDATE subscribers SET open_rate`).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestOpenServesPixelForGarbageIDs(t *testing.T) {
	router, mock, _, cleanup := setupHandlerTest(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/track/open/not-a-uuid/also-bad/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, pixelPNG, rec.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet(), "garbage IDs never touch the database")
}

func TestOpenServesPixelForUnknownSubscriber(t *testing.T) {
	router, mock, _, cleanup := setupHandlerTest(t)
	defer cleanup()

	emailID, subID := uuid.New(), uuid.New()
	mock.ExpectQuery(`FROM subscribers WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/open/%s/%s/", emailID, subID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelPNG, rec.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRecordsActivityAndRecomputes(t *testing.T) {
	router, mock, _, cleanup := setupHandlerTest(t)
	defer cleanup()

	emailID, subID, campaignID := uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM subscribers WHERE id`).
		WillReturnRows(subscriberRows(subID))
	mock.ExpectQuery(`FROM emails WHERE id`).
		WillReturnRows(emailRows(emailID, campaignID))
	mock.ExpectQuery(`INSERT INTO activities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE subscribers\s+SET last_seen_ip_address`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectOpenRecompute(mock, campaignID)

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/open/%s/%s/", emailID, subID), nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelPNG, rec.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenRateLimitedStillServesPixel(t *testing.T) {
	router, mock, mr, cleanup := setupHandlerTest(t)
	defer cleanup()

	emailID, subID := uuid.New(), uuid.New()

	// Exhaust this client address's open budget for the current window.
	bucket := time.Now().UnixMilli() / LimitOpen.Window.Milliseconds()
	key := fmt.Sprintf("ratelimit:open:%s:%d", "203.0.113.9", bucket)
	require.NoError(t, mr.Set(key, fmt.Sprint(LimitOpen.Max)))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/open/%s/%s/", emailID, subID), nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pixelPNG, rec.Body.Bytes())
	assert.NoError(t, mock.ExpectationsWereMet(), "rate-limited opens record nothing")
}

func TestOpenLimitKeyedOnAddressNotSubscriber(t *testing.T) {
	router, mock, mr, cleanup := setupHandlerTest(t)
	defer cleanup()

	emailID, subID, campaignID := uuid.New(), uuid.New(), uuid.New()

	// A spent budget for this subscriber's ID must not throttle a
	// request arriving from a fresh address.
	bucket := time.Now().UnixMilli() / LimitOpen.Window.Milliseconds()
	key := fmt.Sprintf("ratelimit:open:%s:%d", subID, bucket)
	require.NoError(t, mr.Set(key, fmt.Sprint(LimitOpen.Max)))

	mock.ExpectQuery(`FROM subscribers WHERE id`).
		WillReturnRows(subscriberRows(subID))
	mock.ExpectQuery(`FROM emails WHERE id`).
		WillReturnRows(emailRows(emailID, campaignID))
	mock.ExpectQuery(`INSERT INTO activities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectExec(`UPDATE subscribers\s+SET last_seen_ip_address`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectOpenRecompute(mock, campaignID)

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/open/%s/%s/", emailID, subID), nil)
	req.Header.Set("X-Forwarded-For", "198.51.100.7")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickUnknownLinkIs404(t *testing.T) {
	router, mock, _, cleanup := setupHandlerTest(t)
	defer cleanup()

	mock.ExpectQuery(`FROM links WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/click/%s/%s/", uuid.New(), uuid.New()), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickRedirectsAndSynthesizesOpen(t *testing.T) {
	router, mock, _, cleanup := setupHandlerTest(t)
	defer cleanup()

	linkID, emailID, subID, campaignID := uuid.New(), uuid.New(), uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM links WHERE id`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "email_id", "url", "index", "unique_clicks_count", "total_clicks_count"}).
			AddRow(linkID, emailID, "https://example.com/article", 0, 0, 0))
	mock.ExpectQuery(`FROM subscribers WHERE id`).
		WillReturnRows(subscriberRows(subID))
	mock.ExpectQuery(`FROM emails WHERE id`).
		WillReturnRows(emailRows(emailID, campaignID))

	// No pixel hit yet: the click implies the open.
	mock.ExpectQuery(`SELECT EXISTS`).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`INSERT INTO activities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(1)))
	mock.ExpectQuery(`INSERT INTO activities`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(2)))
	mock.ExpectExec(`UPDATE subscribers\s+SET last_seen_ip_address`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	// Link counters first, then the open cascade.
	mock.ExpectQuery(`WHERE link_id`).
		WillReturnRows(sqlmock.NewRows([]string{"u", "t"}).AddRow(1, 1))
	mock.ExpectExec(`UPDATE links SET unique_clicks_count`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	expectOpenRecompute(mock, campaignID)

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/click/%s/%s/", linkID, subID), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://example.com/article", rec.Header().Get("Location"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClickRedirectsWhenSubscriberMissing(t *testing.T) {
	router, mock, _, cleanup := setupHandlerTest(t)
	defer cleanup()

	linkID, emailID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM links WHERE id`).
		WillReturnRows(sqlmock.NewRows(
			[]string{"id", "email_id", "url", "index", "unique_clicks_count", "total_clicks_count"}).
			AddRow(linkID, emailID, "https://example.com/article", 0, 0, 0))
	mock.ExpectQuery(`FROM subscribers WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest(http.MethodGet,
		fmt.Sprintf("/track/click/%s/%s/", linkID, uuid.New()), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusFound, rec.Code, "the redirect must not depend on recording")
	assert.Equal(t, "https://example.com/article", rec.Header().Get("Location"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
