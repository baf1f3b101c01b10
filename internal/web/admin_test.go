package web

import (
	"bytes"
	"context"
	"database/sql/driver"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
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
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/delivery"
	"github.com/mailkite/mailkite/internal/imports"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/storage"
	"github.com/mailkite/mailkite/internal/subscribers"
)

type recordingTransport struct {
	from string
	to   [][]string
}

func (t *recordingTransport) Send(_ context.Context, from string, to []string, _ []byte) error {
	t.from = from
	t.to = append(t.to, to)
	return nil
}

func (t *recordingTransport) Close() error { return nil }

func setupAdminTest(t *testing.T) (http.Handler, sqlmock.Sqlmock, *queue.MemoryQueue, *miniredis.Miniredis, *recordingTransport) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	campaignStore := campaigns.NewStore(db)
	listStore := lists.NewStore(db)
	subscriberStore := subscribers.NewStore(db)
	transport := &recordingTransport{}

	driver := delivery.NewDriver(
		campaignStore, subscriberStore, listStore,
		analytics.NewAggregator(db), render.NewEngine(),
		config.SiteConfig{Domain: "mk.example.com", HTTPSOnly: true},
		config.SMTPConfig{},
	)
	driver.Dial = func(delivery.Relay) (delivery.Transport, error) { return transport, nil }

	files, err := storage.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	q := queue.NewMemoryQueue()
	h := NewAdminHandler(
		campaignStore, listStore, subscriberStore, imports.NewStore(db),
		files, q, driver, client,
	)
	return h.Routes(), mock, q, mr, transport
}

func campaignRow(id uuid.UUID, status string, listID *uuid.UUID) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"id", "name", "campaign_type", "mailing_list_id", "status",
		"send_date", "started_at", "completed_at", "track_opens", "track_clicks",
		"recipients_count", "unique_opens_count", "total_opens_count",
		"unique_clicks_count", "total_clicks_count", "open_rate", "click_rate",
		"created_at", "updated_at",
	}).AddRow(
		id, "September Digest", campaigns.TypeRegular, listID, status,
		nil, nil, nil, true, true,
		0, 0, 0, 0, 0, 0.0, 0.0, now, now,
	)
}

func emailRow(campaignID uuid.UUID) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "campaign_id", "from_email", "from_name", "subject", "preview",
		"template_content", "content_blocks", "content_html", "content_text",
		"unique_opens_count", "total_opens_count", "unique_clicks_count", "total_clicks_count",
	}).AddRow(
		uuid.New(), campaignID, "news@example.com", "News", "Hello {{name}}", "",
		"", []byte(`{}`), `<p>Hi {{name}}! <a href="{{unsub}}">Leave</a></p>`,
		"Hi {{name}}! Leave: {{unsub}}",
		0, 0, 0, 0,
	)
}

func adminImportRow(id, listID uuid.UUID, status string, mapping []byte) *sqlmock.Rows {
	now := time.Now().UTC()
	// A typed-nil []byte reaches Scan as []byte(nil); real drivers deliver
	// SQL NULL as an untyped nil, so mirror that here.
	var mappingVal driver.Value
	if mapping != nil {
		mappingVal = mapping
	}
	return sqlmock.NewRows([]string{
		"id", "mailing_list_id", "file_key", "filename", "status", "target_status",
		"field_mapping", "has_header", "total_rows", "created_rows", "updated_rows",
		"skipped_rows", "error_message", "created_at", "updated_at",
	}).AddRow(
		id, listID, "imports/"+id.String()+"/people.csv", "people.csv", status,
		subscribers.StatusSubscribed, mappingVal, true, 0, 0, 0, 0, "", now, now,
	)
}

func postJSON(router http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestSendQueuesDraftCampaign(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	campaignID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, &listID))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(campaignID))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM subscribers`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectExec(`UPDATE campaigns SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/send", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, q.Len())
	task, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.TaskCampaignDelivery, task.Kind)
	var p queue.CampaignDeliveryPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, campaignID, p.CampaignID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendRejectedByChecklist(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	campaignID, listID := uuid.New(), uuid.New()

	// No email content: the checklist fails and nothing may transition
	// or reach the queue.
	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, &listID))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/send", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "checklist")
	assert.Equal(t, 0, q.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendRejectedWithoutActiveRecipients(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	campaignID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, &listID))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(campaignID))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM subscribers`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/send", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recipients":false`)
	assert.Equal(t, 0, q.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSendConflictWhenAlreadySent(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	campaignID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusSent, &listID))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(campaignID))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM subscribers`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(5))
	mock.ExpectExec(`UPDATE campaigns SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/send", "")

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, 0, q.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleRequiresSendDate(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, nil))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/schedule", `{}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScheduleSetsSendDate(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, nil))
	mock.ExpectExec(`UPDATE campaigns SET status = \$2, send_date`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/schedule",
		`{"send_date":"2026-09-15T10:00:00Z"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), campaigns.StatusScheduled)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPauseDeliveringCampaign(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDelivering, nil))
	mock.ExpectExec(`UPDATE campaigns SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/pause", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), campaigns.StatusPaused)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResumeRequeuesPausedCampaign(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusPaused, nil))
	mock.ExpectExec(`UPDATE campaigns SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/resume", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, q.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTestSendDeliversToEachRecipient(t *testing.T) {
	router, mock, _, _, transport := setupAdminTest(t)
	campaignID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, &listID))
	mock.ExpectQuery(`FROM emails WHERE campaign_id`).
		WillReturnRows(emailRow(campaignID))
	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID, false))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/test-send",
		`{"to":["a@example.org","b@example.org"]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, transport.to, 2)
	assert.Equal(t, []string{"a@example.org"}, transport.to[0])
	assert.Equal(t, []string{"b@example.org"}, transport.to[1])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTestSendRejectsCampaignWithoutList(t *testing.T) {
	router, mock, _, _, transport := setupAdminTest(t)
	campaignID := uuid.New()

	mock.ExpectQuery(`FROM campaigns WHERE id`).
		WillReturnRows(campaignRow(campaignID, campaigns.StatusDraft, nil))

	rec := postJSON(router, "/campaigns/"+campaignID.String()+"/test-send",
		`{"to":["a@example.org"]}`)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Empty(t, transport.to)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportUploadStoresFileAndPreview(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	listID := uuid.New()

	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID, false))
	mock.ExpectExec(`INSERT INTO subscriber_imports`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "people.csv")
	require.NoError(t, err)
	_, err = part.Write([]byte("email;name\njane@example.org;Jane\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/lists/"+listID.String()+"/imports", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)

	var resp struct {
		Import    imports.SubscriberImport `json:"import"`
		Delimiter string                   `json:"delimiter"`
		Preview   [][]string               `json:"preview"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, imports.StatusPending, resp.Import.Status)
	assert.Equal(t, "people.csv", resp.Import.Filename)
	assert.Equal(t, ";", resp.Delimiter)
	require.Len(t, resp.Preview, 2)
	assert.Equal(t, []string{"email", "name"}, resp.Preview[0])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportUploadRequiresFile(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	listID := uuid.New()

	mock.ExpectQuery(`FROM mailing_lists WHERE id`).
		WillReturnRows(listRow(listID, false))

	rec := postJSON(router, "/lists/"+listID.String()+"/imports", "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportMappingRejectsUnknownTargetStatus(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	importID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM subscriber_imports WHERE id`).
		WillReturnRows(adminImportRow(importID, listID, imports.StatusPending, nil))

	req := httptest.NewRequest(http.MethodPut, "/imports/"+importID.String()+"/mapping",
		strings.NewReader(`{"mapping":{"0":"email"},"has_header":true,"target_status":"vip"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportMappingConflictWhenNotPending(t *testing.T) {
	router, mock, _, _, _ := setupAdminTest(t)
	importID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM subscriber_imports WHERE id`).
		WillReturnRows(adminImportRow(importID, listID, imports.StatusQueued, nil))
	mock.ExpectExec(`SET field_mapping`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	req := httptest.NewRequest(http.MethodPut, "/imports/"+importID.String()+"/mapping",
		strings.NewReader(`{"mapping":{"0":"email"},"has_header":true,"target_status":"subscribed"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportQueueHandsOffToWorker(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	importID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM subscriber_imports WHERE id`).
		WillReturnRows(adminImportRow(importID, listID, imports.StatusPending,
			[]byte(`{"0":"email","1":"name"}`)))
	mock.ExpectExec(`UPDATE subscriber_imports SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := postJSON(router, "/imports/"+importID.String()+"/queue", "")

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, q.Len())
	task, err := q.Claim(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.TaskRunImport, task.Kind)
	var p queue.RunImportPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, importID, p.ImportID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportQueueNeedsMappingFirst(t *testing.T) {
	router, mock, q, _, _ := setupAdminTest(t)
	importID, listID := uuid.New(), uuid.New()

	mock.ExpectQuery(`FROM subscriber_imports WHERE id`).
		WillReturnRows(adminImportRow(importID, listID, imports.StatusPending, nil))

	rec := postJSON(router, "/imports/"+importID.String()+"/queue", "")

	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, 0, q.Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestImportProgressRelaysRedisDocument(t *testing.T) {
	router, _, _, mr, _ := setupAdminTest(t)
	importID := uuid.New()

	doc := `{"status":"importing","processed":1500,"created":900,"updated":500,"skipped":100}`
	require.NoError(t, mr.Set(imports.ProgressKey(importID), doc))

	req := httptest.NewRequest(http.MethodGet, "/imports/"+importID.String()+"/progress", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, doc, rec.Body.String())
}

func TestImportProgressMissingIs404(t *testing.T) {
	router, _, _, _, _ := setupAdminTest(t)

	req := httptest.NewRequest(http.MethodGet,
		"/imports/"+uuid.New().String()+"/progress", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
