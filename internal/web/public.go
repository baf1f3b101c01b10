package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/subscribers"
	"github.com/mailkite/mailkite/internal/tracking"
)

// neutralInvalidToken is the only thing an invalid, expired, or replayed
// confirm link ever learns. The endpoint must not be a token oracle.
const neutralInvalidToken = "This link is invalid or has expired."

// PublicHandler serves the subscription workflow: subscribe forms,
// double opt-in confirmation, and unsubscribe in its manual, link-based,
// and one-click variants.
type PublicHandler struct {
	lists       *lists.Store
	subscribers *subscribers.Store
	queue       queue.Queue
	limiter     *tracking.RateLimiter
	verifier    Verifier
	engine      *render.Engine
	site        config.SiteConfig
}

// NewPublicHandler wires the public endpoints. verifier may be nil to
// disable human verification globally.
func NewPublicHandler(
	listStore *lists.Store,
	subscriberStore *subscribers.Store,
	q queue.Queue,
	limiter *tracking.RateLimiter,
	verifier Verifier,
	engine *render.Engine,
	site config.SiteConfig,
) *PublicHandler {
	return &PublicHandler{
		lists:       listStore,
		subscribers: subscriberStore,
		queue:       q,
		limiter:     limiter,
		verifier:    verifier,
		engine:      engine,
		site:        site,
	}
}

// Routes mounts the subscription workflow endpoints.
func (h *PublicHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/subscribe/{listID}/", h.HandleSubscribeForm)
	r.Post("/subscribe/{listID}/", h.HandleSubscribe)
	r.Get("/subscribe/{listID}/confirm/{token}/", h.HandleConfirm)
	r.Get("/unsubscribe/{listID}/", h.HandleManualUnsubscribeForm)
	r.Post("/unsubscribe/{listID}/", h.HandleManualUnsubscribe)
	r.Get("/unsubscribe/{listID}/{subscriberID}/{campaignID}/", h.HandleUnsubscribe)
	r.Post("/unsubscribe/{listID}/{subscriberID}/{campaignID}/", h.HandleUnsubscribe)
	r.Get("/s/{slug}", h.HandleSubscribeShortURL)
	r.Get("/u/{slug}", h.HandleUnsubscribeShortURL)
	return r
}

// pageContext is the variable set form pages render with.
func (h *PublicHandler) pageContext(list *lists.MailingList) render.Context {
	return render.Context{
		"list":   list.Name,
		"domain": h.site.Domain,
	}
}

// renderPage serves a form template: redirect when the operator set a
// redirect URL, rendered HTML otherwise.
func (h *PublicHandler) renderPage(w http.ResponseWriter, r *http.Request, tpl *lists.FormTemplate, rc render.Context) {
	if tpl.RedirectURL != "" {
		http.Redirect(w, r, tpl.RedirectURL, http.StatusFound)
		return
	}
	body, err := h.engine.Render("", tpl.ContentHTML, rc)
	if err != nil {
		logger.Error("rendering form page", "key", tpl.Key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(body))
}

// showPage fetches and serves one of the list's workflow pages.
func (h *PublicHandler) showPage(w http.ResponseWriter, r *http.Request, list *lists.MailingList, key string) {
	tpl, err := h.lists.GetFormTemplate(r.Context(), list.ID, key)
	if err != nil {
		if errors.Is(err, lists.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		logger.Error("loading form template", "key", key, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	h.renderPage(w, r, tpl, h.pageContext(list))
}

func (h *PublicHandler) getList(w http.ResponseWriter, r *http.Request) *lists.MailingList {
	listID, err := uuid.Parse(chi.URLParam(r, "listID"))
	if err != nil {
		http.NotFound(w, r)
		return nil
	}
	list, err := h.lists.GetList(r.Context(), listID)
	if err != nil {
		if !errors.Is(err, lists.ErrNotFound) {
			logger.Error("loading list", "error", err)
		}
		http.NotFound(w, r)
		return nil
	}
	return list
}

func (h *PublicHandler) HandleSubscribeForm(w http.ResponseWriter, r *http.Request) {
	list := h.getList(w, r)
	if list == nil {
		return
	}
	h.showPage(w, r, list, lists.TemplateSubscribeForm)
}

// HandleSubscribe accepts a subscription request and starts the double
// opt-in workflow. The subscriber stays PENDING until the emailed token
// comes back.
func (h *PublicHandler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := requestContext(r)

	if !h.limiter.Allow(ctx, "subscribe", rc.IP, tracking.LimitSubscribe) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	list := h.getList(w, r)
	if list == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := subscribers.NormalizeEmail(r.FormValue("email"))
	if !subscribers.ValidEmail(email) {
		http.Error(w, "a valid email address is required", http.StatusBadRequest)
		return
	}

	if list.EnableRecaptcha && h.verifier != nil {
		ok, err := h.verifier.Verify(ctx, r.FormValue("g-recaptcha-response"), rc.IP)
		if err != nil {
			logger.Error("recaptcha verification failed", "error", err)
			http.Error(w, "verification unavailable", http.StatusBadRequest)
			return
		}
		if !ok {
			http.Error(w, "verification failed", http.StatusBadRequest)
			return
		}
	}

	sub, err := h.subscribers.GetByEmail(ctx, list.ID, email)
	switch {
	case errors.Is(err, subscribers.ErrNotFound):
		sub = &subscribers.Subscriber{
			MailingListID: list.ID,
			Email:         email,
			Name:          r.FormValue("name"),
			Status:        subscribers.StatusPending,
			OptinIP:       rc.IP,
		}
		if err := h.subscribers.Create(ctx, sub); err != nil {
			logger.Error("creating subscriber", "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
	case err != nil:
		logger.Error("looking up subscriber", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	case sub.Status == subscribers.StatusSubscribed:
		// Already on the list; say thanks and send nothing.
		h.showPage(w, r, list, lists.TemplateThankYouPage)
		return
	}

	err = h.queue.Enqueue(ctx, queue.TaskSendFormEmail, queue.SendFormEmailPayload{
		ListID:       list.ID,
		TemplateKey:  lists.TemplateConfirmEmail,
		SubscriberID: sub.ID,
	})
	if err != nil {
		logger.Error("enqueueing confirm email", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	logger.Info("subscription requested",
		"list_id", list.ID, "subscriber_id", sub.ID,
		"lang", rc.AcceptLanguage, "secure", rc.Secure)
	h.showPage(w, r, list, lists.TemplateThankYouPage)
}

// HandleConfirm consumes a double opt-in token. Whatever went wrong —
// unknown token, expired, replayed — the answer is the same neutral 400.
func (h *PublicHandler) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	list := h.getList(w, r)
	if list == nil {
		return
	}

	tok, err := h.subscribers.ConsumeToken(ctx,
		chi.URLParam(r, "token"), subscribers.TokenConfirmSubscription)
	if err != nil {
		if !errors.Is(err, subscribers.ErrTokenInvalid) {
			logger.Error("consuming confirm token", "error", err)
		}
		http.Error(w, neutralInvalidToken, http.StatusBadRequest)
		return
	}

	sub, err := h.subscribers.Get(ctx, tok.EntityID)
	if err != nil {
		if !errors.Is(err, subscribers.ErrNotFound) {
			logger.Error("loading confirming subscriber", "error", err)
		}
		http.Error(w, neutralInvalidToken, http.StatusBadRequest)
		return
	}

	rc := requestContext(r)
	if err := h.subscribers.SetStatus(ctx, sub.ID, subscribers.StatusSubscribed, rc.IP); err != nil {
		logger.Error("confirming subscriber", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	activity := &subscribers.Activity{
		Type:         subscribers.ActivitySubscribed,
		IPAddress:    rc.IP,
		SubscriberID: sub.ID,
	}
	if err := h.subscribers.RecordActivity(ctx, activity); err != nil {
		logger.Error("recording subscribe activity", "error", err)
	}

	err = h.queue.Enqueue(ctx, queue.TaskSendFormEmail, queue.SendFormEmailPayload{
		ListID:       list.ID,
		TemplateKey:  lists.TemplateWelcomeEmail,
		SubscriberID: sub.ID,
	})
	if err != nil {
		logger.Error("enqueueing welcome email", "error", err)
	}

	logger.Info("subscription confirmed", "list_id", list.ID, "subscriber_id", sub.ID)
	h.showPage(w, r, list, lists.TemplateSuccessPage)
}

// HandleUnsubscribe serves the List-Unsubscribe URL placed in outgoing
// campaign messages. A plain GET unsubscribes immediately, matching
// what the header promises; POST covers RFC 8058 one-click requests
// from mail clients.
func (h *PublicHandler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := requestContext(r)

	if !h.limiter.Allow(ctx, "unsubscribe", rc.IP, tracking.LimitUnsubscribe) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	list := h.getList(w, r)
	if list == nil {
		return
	}
	subscriberID, err := uuid.Parse(chi.URLParam(r, "subscriberID"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	var campaignID *uuid.UUID
	if id, err := uuid.Parse(chi.URLParam(r, "campaignID")); err == nil && id != uuid.Nil {
		campaignID = &id
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	oneClick := r.PostFormValue("List-Unsubscribe") == "One-Click"

	sub, err := h.subscribers.Get(ctx, subscriberID)
	if err != nil {
		if !errors.Is(err, subscribers.ErrNotFound) {
			logger.Error("loading unsubscribing subscriber", "error", err)
		}
		// Do not reveal whether the subscriber exists.
		h.unsubscribeResponse(w, r, list, oneClick)
		return
	}

	h.unsubscribe(ctx, list, sub, campaignID, rc)
	h.unsubscribeResponse(w, r, list, oneClick)
}

func (h *PublicHandler) HandleManualUnsubscribeForm(w http.ResponseWriter, r *http.Request) {
	list := h.getList(w, r)
	if list == nil {
		return
	}
	h.showPage(w, r, list, lists.TemplateUnsubscribeForm)
}

// HandleManualUnsubscribe removes a subscriber identified only by the
// email address typed into the form. The response never reveals whether
// the address was on the list.
func (h *PublicHandler) HandleManualUnsubscribe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := requestContext(r)

	if !h.limiter.Allow(ctx, "unsubscribe", rc.IP, tracking.LimitUnsubscribe) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	list := h.getList(w, r)
	if list == nil {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}
	email := subscribers.NormalizeEmail(r.FormValue("email"))
	if !subscribers.ValidEmail(email) {
		http.Error(w, "a valid email address is required", http.StatusBadRequest)
		return
	}

	sub, err := h.subscribers.GetByEmail(ctx, list.ID, email)
	if err == nil {
		h.unsubscribe(ctx, list, sub, nil, rc)
	} else if !errors.Is(err, subscribers.ErrNotFound) {
		logger.Error("looking up unsubscribing email", "error", err)
	}

	h.showPage(w, r, list, lists.TemplateSuccessPage)
}

// unsubscribe flips the status, appends the ledger row and queues the
// goodbye email. Repeating it for an already-unsubscribed member is a
// no-op.
func (h *PublicHandler) unsubscribe(ctx context.Context, list *lists.MailingList, sub *subscribers.Subscriber, campaignID *uuid.UUID, rc subscribers.RequestContext) {
	if sub.Status == subscribers.StatusUnsubscribed {
		return
	}
	if err := h.subscribers.SetStatus(ctx, sub.ID, subscribers.StatusUnsubscribed, rc.IP); err != nil {
		logger.Error("unsubscribing", "subscriber_id", sub.ID, "error", err)
		return
	}
	activity := &subscribers.Activity{
		Type:         subscribers.ActivityUnsubscribed,
		IPAddress:    rc.IP,
		SubscriberID: sub.ID,
		CampaignID:   campaignID,
	}
	if err := h.subscribers.RecordActivity(ctx, activity); err != nil {
		logger.Error("recording unsubscribe activity", "error", err)
	}
	err := h.queue.Enqueue(ctx, queue.TaskSendFormEmail, queue.SendFormEmailPayload{
		ListID:       list.ID,
		TemplateKey:  lists.TemplateGoodbyeEmail,
		SubscriberID: sub.ID,
	})
	if err != nil {
		logger.Error("enqueueing goodbye email", "error", err)
	}
	logger.Info("unsubscribed", "list_id", list.ID, "subscriber_id", sub.ID)
}

func (h *PublicHandler) unsubscribeResponse(w http.ResponseWriter, r *http.Request, list *lists.MailingList, oneClick bool) {
	if oneClick {
		// Mail clients only look at the status code.
		w.WriteHeader(http.StatusOK)
		return
	}
	h.showPage(w, r, list, lists.TemplateSuccessPage)
}

// HandleSubscribeShortURL redirects /s/{slug} to the UUID subscribe form.
func (h *PublicHandler) HandleSubscribeShortURL(w http.ResponseWriter, r *http.Request) {
	list, err := h.lists.GetListBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/subscribe/"+list.ID.String()+"/", http.StatusFound)
}

// HandleUnsubscribeShortURL redirects /u/{slug} to the manual
// unsubscribe form.
func (h *PublicHandler) HandleUnsubscribeShortURL(w http.ResponseWriter, r *http.Request) {
	list, err := h.lists.GetListBySlug(r.Context(), chi.URLParam(r, "slug"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	http.Redirect(w, r, "/unsubscribe/"+list.ID.String()+"/", http.StatusFound)
}

// requestContext captures the request-scoped facts the subscription
// operations record alongside their status changes.
func requestContext(r *http.Request) subscribers.RequestContext {
	return subscribers.RequestContext{
		IP:             clientIP(r),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		Secure:         r.TLS != nil,
	}
}

// clientIP resolves the originating address behind the proxy chain.
func clientIP(r *http.Request) string {
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
