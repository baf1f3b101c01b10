package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/analytics"
	"github.com/mailkite/mailkite/internal/campaigns"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/subscribers"
)

// Driver executes campaign delivery runs. A run claims a QUEUED campaign,
// instruments its content, fans out to the list's active subscribers over
// a single relay connection, and finishes the campaign into SENT.
//
// Runs are safe to repeat: the per-recipient SENT gate skips everyone a
// previous attempt already reached.
type Driver struct {
	campaigns   *campaigns.Store
	subscribers *subscribers.Store
	lists       *lists.Store
	aggregator  *analytics.Aggregator
	engine      *render.Engine
	site        config.SiteConfig
	smtp        config.SMTPConfig

	// Dial opens the transport for a run. Overridable by tests.
	Dial func(Relay) (Transport, error)
}

// NewDriver wires a delivery driver over the given stores.
func NewDriver(
	campaignStore *campaigns.Store,
	subscriberStore *subscribers.Store,
	listStore *lists.Store,
	aggregator *analytics.Aggregator,
	engine *render.Engine,
	site config.SiteConfig,
	smtp config.SMTPConfig,
) *Driver {
	return &Driver{
		campaigns:   campaignStore,
		subscribers: subscriberStore,
		lists:       listStore,
		aggregator:  aggregator,
		engine:      engine,
		site:        site,
		smtp:        smtp,
		Dial: func(r Relay) (Transport, error) {
			return DialSMTP(r)
		},
	}
}

func (d *Driver) subscribeURL(listID uuid.UUID) string {
	return fmt.Sprintf("%s://%s/subscribe/%s/", d.site.Protocol(), d.site.Domain, listID)
}

func (d *Driver) unsubscribeURL(listID, subscriberID, campaignID uuid.UUID) string {
	return fmt.Sprintf("%s://%s/unsubscribe/%s/%s/%s/",
		d.site.Protocol(), d.site.Domain, listID, subscriberID, campaignID)
}

// listHeaders builds the List-* header block for one recipient.
func (d *Driver) listHeaders(list *lists.MailingList, subscriberID, campaignID uuid.UUID) map[string]string {
	unsubURL := d.unsubscribeURL(list.ID, subscriberID, campaignID)
	subURL := d.subscribeURL(list.ID)

	h := map[string]string{
		"List-ID":               fmt.Sprintf("%s <%s.list-id.%s>", list.Name, list.ID, d.site.Domain),
		"List-Post":             "NO",
		"List-Unsubscribe-Post": "List-Unsubscribe=One-Click",
	}
	if list.ListManagerEmail != "" {
		h["List-Unsubscribe"] = fmt.Sprintf("<mailto:%s?subject=unsubscribe>, <%s>", list.ListManagerEmail, unsubURL)
		h["List-Subscribe"] = fmt.Sprintf("<mailto:%s?subject=subscribe>, <%s>", list.ListManagerEmail, subURL)
	} else {
		h["List-Unsubscribe"] = "<" + unsubURL + ">"
		h["List-Subscribe"] = "<" + subURL + ">"
	}
	return h
}

// instrument applies tracking markup to the email body according to the
// campaign's flags and persists the result. Both passes are idempotent,
// so a retried run never double-wraps links or stacks pixels.
func (d *Driver) instrument(ctx context.Context, campaign *campaigns.Campaign, email *campaigns.Email) error {
	if campaign.TrackClicks && !strings.Contains(email.ContentHTML, "/track/click/") {
		existing, err := d.campaigns.EmailLinks(ctx, email.ID)
		if err != nil {
			return err
		}
		html, links := campaigns.EnableClickTracking(email.ContentHTML, email.ID, len(existing), d.site)
		if len(links) > 0 {
			if err := d.campaigns.CreateLinks(ctx, links); err != nil {
				return err
			}
			email.ContentHTML = html
			// An authored text variant carries the same URLs; they get
			// the same tracked rewrite. A derived one picks them up
			// from the instrumented HTML below.
			if email.ContentText != "" {
				email.ContentText = campaigns.TrackLinksInText(email.ContentText, links, d.site)
			}
		}
	}
	if campaign.TrackOpens {
		email.ContentHTML = campaigns.EnableOpenTracking(email.ContentHTML, email.ID, d.site)
	}
	if email.ContentText == "" {
		email.ContentText = campaigns.PlainText(email.ContentHTML)
	}
	if err := d.campaigns.SaveEmailContent(ctx, email); err != nil {
		return err
	}
	d.engine.Invalidate(email.ID.String() + "/html")
	d.engine.Invalidate(email.ID.String() + "/text")
	d.engine.Invalidate(email.ID.String() + "/subject")
	return nil
}

// Preflight evaluates the delivery checklist for a campaign. A campaign
// without a mailing list or email content fails every item.
func (d *Driver) Preflight(ctx context.Context, campaign *campaigns.Campaign) (campaigns.Checklist, error) {
	var cl campaigns.Checklist
	if campaign.MailingListID == nil {
		return cl, nil
	}
	email, err := d.campaigns.GetCampaignEmail(ctx, campaign.ID)
	if errors.Is(err, campaigns.ErrNotFound) {
		return cl, nil
	}
	if err != nil {
		return cl, err
	}
	active, err := d.subscribers.CountActiveForList(ctx, *campaign.MailingListID)
	if err != nil {
		return cl, err
	}
	return campaigns.RunChecklist(email, d.engine, active), nil
}

// Run delivers one campaign. Losing the QUEUED claim to a concurrent
// worker is not an error; the run simply never starts.
func (d *Driver) Run(ctx context.Context, campaignID uuid.UUID) error {
	err := d.campaigns.TransitionStatus(ctx, campaignID, campaigns.StatusDelivering, campaigns.StatusQueued)
	if errors.Is(err, campaigns.ErrInvalidTransition) {
		logger.Info("campaign not claimable, skipping run", "campaign_id", campaignID)
		return nil
	}
	if err != nil {
		return err
	}

	campaign, err := d.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	email, err := d.campaigns.GetCampaignEmail(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("campaign %s has no email: %w", campaignID, err)
	}
	if campaign.MailingListID == nil {
		return fmt.Errorf("campaign %s has no mailing list", campaignID)
	}
	list, err := d.lists.GetList(ctx, *campaign.MailingListID)
	if err != nil {
		return err
	}

	if err := d.instrument(ctx, campaign, email); err != nil {
		return err
	}

	recipients, err := d.subscribers.ActiveForList(ctx, list.ID)
	if err != nil {
		return err
	}

	transport, err := d.Dial(ListRelay(d.smtp, list))
	if err != nil {
		return err
	}
	defer transport.Close()

	logger.Info("delivery run started",
		"campaign_id", campaignID, "list_id", list.ID, "recipients", len(recipients))

	sent := 0
	for _, sub := range recipients {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Re-read status between recipients so a pause takes effect
		// mid-run without finishing the fan-out.
		current, err := d.campaigns.GetCampaign(ctx, campaignID)
		if err != nil {
			return err
		}
		if current.Status != campaigns.StatusDelivering {
			logger.Info("delivery run interrupted",
				"campaign_id", campaignID, "status", current.Status, "sent", sent)
			return nil
		}

		already, err := d.subscribers.HasActivity(ctx, sub.ID, email.ID, subscribers.ActivitySent)
		if err != nil {
			return err
		}
		if already {
			continue
		}

		if err := d.deliverOne(ctx, transport, campaign, email, list, sub); err != nil {
			logger.Error("send failed",
				"campaign_id", campaignID, "subscriber_id", sub.ID, "error", err)
			continue
		}
		sent++
	}

	if err := d.campaigns.SetRecipientsCount(ctx, campaignID, len(recipients)); err != nil {
		return err
	}
	if err := d.aggregator.RecomputeList(ctx, list.ID); err != nil {
		return err
	}

	logger.Info("delivery run finished", "campaign_id", campaignID, "sent", sent)
	return d.campaigns.TransitionStatus(ctx, campaignID, campaigns.StatusSent, campaigns.StatusDelivering)
}

func (d *Driver) deliverOne(
	ctx context.Context,
	transport Transport,
	campaign *campaigns.Campaign,
	email *campaigns.Email,
	list *lists.MailingList,
	sub *subscribers.Subscriber,
) error {
	rc := render.CampaignContext(
		sub.Name,
		sub.ID.String(),
		d.subscribeURL(list.ID),
		d.unsubscribeURL(list.ID, sub.ID, campaign.ID),
		d.site.Domain,
	)

	htmlBody, err := d.engine.Render(email.ID.String()+"/html", email.ContentHTML, rc)
	if err != nil {
		return err
	}
	textBody, err := d.engine.RenderText(email.ID.String()+"/text", email.ContentText, rc)
	if err != nil {
		return err
	}
	subject, err := d.engine.Render(email.ID.String()+"/subject", email.Subject, rc)
	if err != nil {
		return err
	}

	msg := &Message{
		From:    email.From(),
		To:      sub.AddressedTo(),
		Subject: subject,
		HTML:    htmlBody,
		Text:    textBody,
		Headers: d.listHeaders(list, sub.ID, campaign.ID),
	}
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}

	if err := transport.Send(ctx, email.FromEmail, []string{sub.Email}, raw); err != nil {
		return err
	}

	activity := &subscribers.Activity{
		Type:         subscribers.ActivitySent,
		SubscriberID: sub.ID,
		CampaignID:   &campaign.ID,
		EmailID:      &email.ID,
	}
	if err := d.subscribers.RecordActivity(ctx, activity); err != nil {
		return err
	}
	return d.subscribers.SetLastSent(ctx, sub.ID, time.Now().UTC())
}

// TestSend delivers the email to arbitrary addresses with stand-in
// variables and a "[Test] " subject prefix. Nothing is recorded in the
// ledger and the stored content is untouched.
func (d *Driver) TestSend(ctx context.Context, email *campaigns.Email, list *lists.MailingList, to []string) error {
	tc := render.TestContext()
	htmlBody, err := d.engine.Render("", email.ContentHTML, tc)
	if err != nil {
		return err
	}
	textBody, err := d.engine.RenderText("", email.ContentText, tc)
	if err != nil {
		return err
	}
	subject, err := d.engine.Render("", email.Subject, tc)
	if err != nil {
		return err
	}

	transport, err := d.Dial(ListRelay(d.smtp, list))
	if err != nil {
		return err
	}
	defer transport.Close()

	for _, addr := range to {
		msg := &Message{
			From:    email.From(),
			To:      addr,
			Subject: "[Test] " + subject,
			HTML:    htmlBody,
			Text:    textBody,
		}
		raw, err := msg.Bytes()
		if err != nil {
			return err
		}
		if err := transport.Send(ctx, email.FromEmail, []string{addr}, raw); err != nil {
			return err
		}
	}
	return nil
}

// SendWorkflow delivers one subscription-workflow email (confirm,
// welcome, goodbye) rendered with the given context.
func (d *Driver) SendWorkflow(
	ctx context.Context,
	list *lists.MailingList,
	tpl *lists.FormTemplate,
	sub *subscribers.Subscriber,
	rc render.Context,
) error {
	if !tpl.IsEmail() {
		return fmt.Errorf("form template %s is not an email role", tpl.Key)
	}

	htmlBody, err := d.engine.Render("", tpl.ContentHTML, rc)
	if err != nil {
		return err
	}
	text := tpl.ContentText
	if text == "" {
		text = campaigns.PlainText(tpl.ContentHTML)
	}
	textBody, err := d.engine.RenderText("", text, rc)
	if err != nil {
		return err
	}
	subject, err := d.engine.Render("", tpl.Subject, rc)
	if err != nil {
		return err
	}

	transport, err := d.Dial(ListRelay(d.smtp, list))
	if err != nil {
		return err
	}
	defer transport.Close()

	msg := &Message{
		From:    tpl.From(),
		To:      sub.AddressedTo(),
		Subject: subject,
		HTML:    htmlBody,
		Text:    textBody,
	}
	raw, err := msg.Bytes()
	if err != nil {
		return err
	}
	return transport.Send(ctx, tpl.FromEmail, []string{sub.Email}, raw)
}
