package web

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/delivery"
	"github.com/mailkite/mailkite/internal/imports"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/storage"
	"github.com/mailkite/mailkite/internal/subscribers"
)

// maxUploadBytes bounds import CSV uploads (64 MiB).
const maxUploadBytes = 64 << 20

// previewRows is how many parsed rows an upload response carries so the
// operator can map columns.
const previewRows = 5

// AdminHandler is the JSON API the management UI drives: campaign
// lifecycle actions and the import upload/mapping workflow.
type AdminHandler struct {
	campaigns   *campaigns.Store
	lists       *lists.Store
	subscribers *subscribers.Store
	imports     *imports.Store
	files       storage.FileStore
	queue       queue.Queue
	driver      *delivery.Driver
	redis       *redis.Client
}

// NewAdminHandler wires the admin API. redis may be nil; import progress
// then reports 404.
func NewAdminHandler(
	campaignStore *campaigns.Store,
	listStore *lists.Store,
	subscriberStore *subscribers.Store,
	importStore *imports.Store,
	files storage.FileStore,
	q queue.Queue,
	driver *delivery.Driver,
	rdb *redis.Client,
) *AdminHandler {
	return &AdminHandler{
		campaigns:   campaignStore,
		lists:       listStore,
		subscribers: subscriberStore,
		imports:     importStore,
		files:       files,
		queue:       q,
		driver:      driver,
		redis:       rdb,
	}
}

// Routes mounts the admin API.
func (h *AdminHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/campaigns/{campaignID}", h.HandleGetCampaign)
	r.Post("/campaigns/{campaignID}/send", h.HandleSend)
	r.Post("/campaigns/{campaignID}/schedule", h.HandleSchedule)
	r.Post("/campaigns/{campaignID}/pause", h.HandlePause)
	r.Post("/campaigns/{campaignID}/resume", h.HandleResume)
	r.Post("/campaigns/{campaignID}/cancel", h.HandleCancel)
	r.Post("/campaigns/{campaignID}/trash", h.HandleTrash)
	r.Post("/campaigns/{campaignID}/test-send", h.HandleTestSend)
	r.Post("/campaigns/{campaignID}/replicate", h.HandleReplicate)
	r.Post("/lists/{listID}/imports", h.HandleImportUpload)
	r.Get("/imports/{importID}", h.HandleGetImport)
	r.Put("/imports/{importID}/mapping", h.HandleImportMapping)
	r.Post("/imports/{importID}/queue", h.HandleImportQueue)
	r.Post("/imports/{importID}/cancel", h.HandleImportCancel)
	r.Get("/imports/{importID}/progress", h.HandleImportProgress)
	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("encoding response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (h *AdminHandler) getCampaign(w http.ResponseWriter, r *http.Request) *campaigns.Campaign {
	id, err := uuid.Parse(chi.URLParam(r, "campaignID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "campaign not found")
		return nil
	}
	c, err := h.campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			writeError(w, http.StatusNotFound, "campaign not found")
		} else {
			logger.Error("loading campaign", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return nil
	}
	return c
}

func (h *AdminHandler) HandleGetCampaign(w http.ResponseWriter, r *http.Request) {
	if c := h.getCampaign(w, r); c != nil {
		writeJSON(w, http.StatusOK, c)
	}
}

// HandleSend moves the campaign into QUEUED and hands it to the worker
// pool. DRAFT and SCHEDULED campaigns are eligible, and only after the
// delivery checklist passes; a 422 response carries the failing items.
func (h *AdminHandler) HandleSend(w http.ResponseWriter, r *http.Request) {
	c := h.getCampaign(w, r)
	if c == nil {
		return
	}
	cl, err := h.driver.Preflight(r.Context(), c)
	if err != nil {
		logger.Error("campaign preflight", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !cl.OK() {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":     "campaign failed the delivery checklist",
			"checklist": cl,
		})
		return
	}
	err = h.campaigns.TransitionStatus(r.Context(), c.ID,
		campaigns.StatusQueued, campaigns.StatusDraft, campaigns.StatusScheduled)
	if errors.Is(err, campaigns.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "campaign cannot be sent from status "+c.Status)
		return
	}
	if err != nil {
		logger.Error("queueing campaign", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	err = h.queue.Enqueue(r.Context(), queue.TaskCampaignDelivery,
		queue.CampaignDeliveryPayload{CampaignID: c.ID})
	if err != nil {
		logger.Error("enqueueing delivery", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	logger.Info("campaign queued for delivery", "campaign_id", c.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": campaigns.StatusQueued})
}

// HandleSchedule sets the send date; the worker beat queues the campaign
// when it arrives.
func (h *AdminHandler) HandleSchedule(w http.ResponseWriter, r *http.Request) {
	c := h.getCampaign(w, r)
	if c == nil {
		return
	}
	var body struct {
		SendDate time.Time `json:"send_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.SendDate.IsZero() {
		writeError(w, http.StatusBadRequest, "send_date is required")
		return
	}
	err := h.campaigns.Schedule(r.Context(), c.ID, body.SendDate)
	if errors.Is(err, campaigns.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "campaign cannot be scheduled from status "+c.Status)
		return
	}
	if err != nil {
		logger.Error("scheduling campaign", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": campaigns.StatusScheduled})
}

func (h *AdminHandler) transition(w http.ResponseWriter, r *http.Request, to string, from ...string) {
	c := h.getCampaign(w, r)
	if c == nil {
		return
	}
	err := h.campaigns.TransitionStatus(r.Context(), c.ID, to, from...)
	if errors.Is(err, campaigns.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "campaign cannot move to "+to+" from status "+c.Status)
		return
	}
	if err != nil {
		logger.Error("transitioning campaign", "campaign_id", c.ID, "to", to, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": to})
}

// HandlePause stops an in-flight or queued delivery between recipients.
func (h *AdminHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, campaigns.StatusPaused,
		campaigns.StatusQueued, campaigns.StatusDelivering)
}

// HandleResume requeues a paused campaign; already-reached recipients
// are skipped by the delivery run's SENT gate.
func (h *AdminHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	c := h.getCampaign(w, r)
	if c == nil {
		return
	}
	err := h.campaigns.TransitionStatus(r.Context(), c.ID,
		campaigns.StatusQueued, campaigns.StatusPaused)
	if errors.Is(err, campaigns.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "campaign is not paused")
		return
	}
	if err != nil {
		logger.Error("resuming campaign", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	err = h.queue.Enqueue(r.Context(), queue.TaskCampaignDelivery,
		queue.CampaignDeliveryPayload{CampaignID: c.ID})
	if err != nil {
		logger.Error("enqueueing resumed delivery", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": campaigns.StatusQueued})
}

// HandleCancel returns a scheduled campaign to DRAFT.
func (h *AdminHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, campaigns.StatusDraft, campaigns.StatusScheduled)
}

// HandleTrash discards a campaign in any non-terminal state.
func (h *AdminHandler) HandleTrash(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, campaigns.StatusTrash,
		campaigns.StatusDraft, campaigns.StatusScheduled, campaigns.StatusQueued,
		campaigns.StatusDelivering, campaigns.StatusPaused)
}

// HandleTestSend delivers the campaign to the given addresses with
// stand-in variables and no ledger writes.
func (h *AdminHandler) HandleTestSend(w http.ResponseWriter, r *http.Request) {
	c := h.getCampaign(w, r)
	if c == nil {
		return
	}
	var body struct {
		To []string `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.To) == 0 {
		writeError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}
	if c.MailingListID == nil {
		writeError(w, http.StatusUnprocessableEntity, "campaign has no mailing list")
		return
	}
	email, err := h.campaigns.GetCampaignEmail(r.Context(), c.ID)
	if err != nil {
		if errors.Is(err, campaigns.ErrNotFound) {
			writeError(w, http.StatusUnprocessableEntity, "campaign has no email content")
		} else {
			logger.Error("loading campaign email", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	list, err := h.lists.GetList(r.Context(), *c.MailingListID)
	if err != nil {
		logger.Error("loading campaign list", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.driver.TestSend(r.Context(), email, list, body.To); err != nil {
		logger.Error("test send failed", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusBadGateway, "test send failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"sent": len(body.To)})
}

// HandleReplicate clones the campaign and its email into a fresh DRAFT.
func (h *AdminHandler) HandleReplicate(w http.ResponseWriter, r *http.Request) {
	c := h.getCampaign(w, r)
	if c == nil {
		return
	}
	clone, err := h.campaigns.Replicate(r.Context(), c.ID)
	if err != nil {
		logger.Error("replicating campaign", "campaign_id", c.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, clone)
}

// HandleImportUpload stores the CSV and creates a PENDING import. The
// response carries the sniffed delimiter and a row preview so the UI can
// offer column mapping.
func (h *AdminHandler) HandleImportUpload(w http.ResponseWriter, r *http.Request) {
	listID, err := uuid.Parse(chi.URLParam(r, "listID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}
	if _, err := h.lists.GetList(r.Context(), listID); err != nil {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "a file upload is required")
		return
	}
	defer file.Close()

	si := &imports.SubscriberImport{
		ID:            uuid.New(),
		MailingListID: listID,
		Filename:      filepath.Base(header.Filename),
		TargetStatus:  subscribers.StatusSubscribed,
	}
	si.FileKey = "imports/" + si.ID.String() + "/" + si.Filename

	if err := h.files.Put(r.Context(), si.FileKey, file); err != nil {
		logger.Error("storing import file", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := h.imports.Create(r.Context(), si); err != nil {
		logger.Error("creating import", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	delim, preview := h.previewImport(r, si.FileKey)
	logger.Info("import uploaded",
		"import_id", si.ID, "list_id", listID, "file", si.Filename)
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"import":    si,
		"delimiter": string(delim),
		"preview":   preview,
	})
}

// previewImport re-reads the stored file and parses the first rows.
func (h *AdminHandler) previewImport(r *http.Request, key string) (rune, [][]string) {
	f, err := h.files.Get(r.Context(), key)
	if err != nil {
		logger.Error("reading back import file", "error", err)
		return ',', nil
	}
	defer f.Close()

	br := bufio.NewReader(f)
	sample, _ := br.Peek(1024)
	delim := imports.SniffDelimiter(sample)

	reader := csv.NewReader(br)
	reader.Comma = delim
	reader.FieldsPerRecord = -1

	var preview [][]string
	for len(preview) < previewRows {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			break
		}
		preview = append(preview, record)
	}
	return delim, preview
}

func (h *AdminHandler) getImport(w http.ResponseWriter, r *http.Request) *imports.SubscriberImport {
	id, err := uuid.Parse(chi.URLParam(r, "importID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "import not found")
		return nil
	}
	si, err := h.imports.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, imports.ErrNotFound) {
			writeError(w, http.StatusNotFound, "import not found")
		} else {
			logger.Error("loading import", "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return nil
	}
	return si
}

func (h *AdminHandler) HandleGetImport(w http.ResponseWriter, r *http.Request) {
	if si := h.getImport(w, r); si != nil {
		writeJSON(w, http.StatusOK, si)
	}
}

var importTargetStatuses = map[string]bool{
	subscribers.StatusPending:      true,
	subscribers.StatusSubscribed:   true,
	subscribers.StatusUnsubscribed: true,
	subscribers.StatusCleaned:      true,
}

// HandleImportMapping saves the operator's column mapping while the
// import is still PENDING.
func (h *AdminHandler) HandleImportMapping(w http.ResponseWriter, r *http.Request) {
	si := h.getImport(w, r)
	if si == nil {
		return
	}
	var body struct {
		Mapping      imports.FieldMapping `json:"mapping"`
		HasHeader    bool                 `json:"has_header"`
		TargetStatus string               `json:"target_status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if !importTargetStatuses[body.TargetStatus] {
		writeError(w, http.StatusUnprocessableEntity, "unknown target status")
		return
	}
	if err := body.Mapping.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	err := h.imports.SetMapping(r.Context(), si.ID, body.Mapping, body.HasHeader, body.TargetStatus)
	if errors.Is(err, imports.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "import is no longer editable")
		return
	}
	if err != nil {
		logger.Error("saving import mapping", "import_id", si.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": si.Status})
}

// HandleImportQueue submits the import to the worker pool.
func (h *AdminHandler) HandleImportQueue(w http.ResponseWriter, r *http.Request) {
	si := h.getImport(w, r)
	if si == nil {
		return
	}
	if err := si.Mapping.Validate(); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "a column mapping is required first")
		return
	}
	err := h.imports.TransitionStatus(r.Context(), si.ID,
		imports.StatusQueued, imports.StatusPending, imports.StatusErrored)
	if errors.Is(err, imports.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "import cannot be queued from status "+si.Status)
		return
	}
	if err != nil {
		logger.Error("queueing import", "import_id", si.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	err = h.queue.Enqueue(r.Context(), queue.TaskRunImport,
		queue.RunImportPayload{ImportID: si.ID})
	if err != nil {
		logger.Error("enqueueing import", "import_id", si.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": imports.StatusQueued})
}

// HandleImportCancel asks a queued or running import to stop. A running
// import notices at its next batch boundary.
func (h *AdminHandler) HandleImportCancel(w http.ResponseWriter, r *http.Request) {
	si := h.getImport(w, r)
	if si == nil {
		return
	}
	err := h.imports.TransitionStatus(r.Context(), si.ID,
		imports.StatusCanceled, imports.StatusQueued, imports.StatusImporting)
	if errors.Is(err, imports.ErrInvalidTransition) {
		writeError(w, http.StatusConflict, "import cannot be canceled from status "+si.Status)
		return
	}
	if err != nil {
		logger.Error("canceling import", "import_id", si.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": imports.StatusCanceled})
}

// HandleImportProgress relays the run's Redis progress document.
func (h *AdminHandler) HandleImportProgress(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "importID"))
	if err != nil {
		writeError(w, http.StatusNotFound, "import not found")
		return
	}
	if h.redis == nil {
		writeError(w, http.StatusNotFound, "no progress available")
		return
	}
	doc, err := h.redis.Get(r.Context(), imports.ProgressKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		writeError(w, http.StatusNotFound, "no progress available")
		return
	}
	if err != nil {
		logger.Error("reading import progress", "import_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(doc)
}
