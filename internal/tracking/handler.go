package tracking

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/analytics"
	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/subscribers"
)

// Handler serves the public engagement-tracking endpoints. The open
// endpoint never reveals whether recording succeeded: the pixel is
// served no matter what. The click endpoint always redirects when the
// link exists; recording is best effort.
type Handler struct {
	campaigns   *campaigns.Store
	subscribers *subscribers.Store
	aggregator  *analytics.Aggregator
	limiter     *RateLimiter
}

// NewHandler wires the tracking endpoints over the given stores.
func NewHandler(
	campaignStore *campaigns.Store,
	subscriberStore *subscribers.Store,
	aggregator *analytics.Aggregator,
	limiter *RateLimiter,
) *Handler {
	return &Handler{
		campaigns:   campaignStore,
		subscribers: subscriberStore,
		aggregator:  aggregator,
		limiter:     limiter,
	}
}

// Routes mounts the tracking endpoints.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/track/open/{emailID}/{subscriberID}/", h.HandleOpen)
	r.Get("/track/click/{linkID}/{subscriberID}/", h.HandleClick)
	r.Get("/health", h.HandleHealth)
	return r
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	h.recordOpen(r)
	h.servePixel(w)
}

// recordOpen appends an OPENED activity. Every failure is swallowed
// after logging; the caller serves the pixel regardless.
func (h *Handler) recordOpen(r *http.Request) {
	ctx := r.Context()

	emailID, err := uuid.Parse(chi.URLParam(r, "emailID"))
	if err != nil {
		return
	}
	subscriberID, err := uuid.Parse(chi.URLParam(r, "subscriberID"))
	if err != nil {
		return
	}

	// Ingest is throttled per client address.
	ip := realIP(r)
	if !h.limiter.Allow(ctx, "open", ip, LimitOpen) {
		logger.Debug("open ingest rate limited", "ip", ip)
		return
	}

	sub, err := h.subscribers.Get(ctx, subscriberID)
	if err != nil {
		if !errors.Is(err, subscribers.ErrNotFound) {
			logger.Error("open ingest subscriber lookup failed", "error", err)
		}
		return
	}
	email, err := h.campaigns.GetEmail(ctx, emailID)
	if err != nil {
		if !errors.Is(err, campaigns.ErrNotFound) {
			logger.Error("open ingest email lookup failed", "error", err)
		}
		return
	}

	activity := &subscribers.Activity{
		Type:         subscribers.ActivityOpened,
		IPAddress:    ip,
		SubscriberID: sub.ID,
		CampaignID:   &email.CampaignID,
		EmailID:      &email.ID,
	}
	if err := h.subscribers.RecordActivity(ctx, activity); err != nil {
		logger.Error("open ingest record failed", "error", err)
		return
	}
	if err := h.subscribers.TouchLastSeen(ctx, sub.ID, ip); err != nil {
		logger.Error("open ingest touch failed", "error", err)
	}
	if err := h.aggregator.RecomputeForOpen(ctx, email.ID, sub.ID); err != nil {
		logger.Error("open ingest recompute failed", "error", err)
	}
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	linkID, err := uuid.Parse(chi.URLParam(r, "linkID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	link, err := h.campaigns.GetLink(ctx, linkID)
	if err != nil {
		if !errors.Is(err, campaigns.ErrNotFound) {
			logger.Error("click ingest link lookup failed", "error", err)
		}
		http.NotFound(w, r)
		return
	}

	// Recording is best effort; the redirect happens either way.
	if subscriberID, err := uuid.Parse(chi.URLParam(r, "subscriberID")); err == nil {
		h.recordClick(ctx, link, subscriberID, realIP(r))
	}

	http.Redirect(w, r, link.URL, http.StatusFound)
}

func (h *Handler) recordClick(ctx context.Context, link *campaigns.Link, subscriberID uuid.UUID, ip string) {
	if !h.limiter.Allow(ctx, "click", ip, LimitClick) {
		logger.Debug("click ingest rate limited", "ip", ip)
		return
	}

	sub, err := h.subscribers.Get(ctx, subscriberID)
	if err != nil {
		if !errors.Is(err, subscribers.ErrNotFound) {
			logger.Error("click ingest subscriber lookup failed", "error", err)
		}
		return
	}
	email, err := h.campaigns.GetEmail(ctx, link.EmailID)
	if err != nil {
		logger.Error("click ingest email lookup failed", "error", err)
		return
	}

	// A click proves the email was opened even when the pixel was blocked.
	opened, err := h.subscribers.HasActivity(ctx, sub.ID, email.ID, subscribers.ActivityOpened)
	if err != nil {
		logger.Error("click ingest open check failed", "error", err)
		return
	}
	if !opened {
		synthesized := &subscribers.Activity{
			Type:         subscribers.ActivityOpened,
			IPAddress:    ip,
			SubscriberID: sub.ID,
			CampaignID:   &email.CampaignID,
			EmailID:      &email.ID,
		}
		if err := h.subscribers.RecordActivity(ctx, synthesized); err != nil {
			logger.Error("click ingest open synthesis failed", "error", err)
			return
		}
	}

	clicked := &subscribers.Activity{
		Type:         subscribers.ActivityClicked,
		IPAddress:    ip,
		SubscriberID: sub.ID,
		CampaignID:   &email.CampaignID,
		EmailID:      &email.ID,
		LinkID:       &link.ID,
	}
	if err := h.subscribers.RecordActivity(ctx, clicked); err != nil {
		logger.Error("click ingest record failed", "error", err)
		return
	}
	if err := h.subscribers.TouchLastSeen(ctx, sub.ID, ip); err != nil {
		logger.Error("click ingest touch failed", "error", err)
	}
	if err := h.aggregator.RecomputeForClick(ctx, link.ID, email.ID, sub.ID); err != nil {
		logger.Error("click ingest recompute failed", "error", err)
	}
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Content-Length", strconv.Itoa(len(pixelPNG)))
	w.Write(pixelPNG)
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
