package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mailkite/mailkite/internal/lists"
	"github.com/mailkite/mailkite/internal/pkg/logger"
	"github.com/mailkite/mailkite/internal/queue"
	"github.com/mailkite/mailkite/internal/render"
	"github.com/mailkite/mailkite/internal/subscribers"
)

// confirmTokenDays is how long a double opt-in confirmation link stays
// valid.
const confirmTokenDays = 7

// sendFormEmail renders and sends one subscription-workflow email. A
// subscriber or template that disappeared since enqueue is not an
// error; there is simply nothing left to send.
func (r *Runner) sendFormEmail(ctx context.Context, p queue.SendFormEmailPayload) error {
	list, err := r.lists.GetList(ctx, p.ListID)
	if err != nil {
		if errors.Is(err, lists.ErrNotFound) {
			logger.Warn("form email for missing list", "list_id", p.ListID)
			return nil
		}
		return err
	}
	tpl, err := r.lists.GetFormTemplate(ctx, p.ListID, p.TemplateKey)
	if err != nil {
		if errors.Is(err, lists.ErrNotFound) {
			logger.Warn("form email for missing template",
				"list_id", p.ListID, "key", p.TemplateKey)
			return nil
		}
		return err
	}
	if !tpl.SendEmail {
		logger.Info("form email disabled, skipping",
			"list_id", p.ListID, "key", p.TemplateKey)
		return nil
	}
	sub, err := r.subscribers.Get(ctx, p.SubscriberID)
	if err != nil {
		if errors.Is(err, subscribers.ErrNotFound) {
			logger.Warn("form email for missing subscriber", "subscriber_id", p.SubscriberID)
			return nil
		}
		return err
	}

	rc, err := r.workflowContext(ctx, list, tpl, sub)
	if err != nil {
		return err
	}
	if err := r.driver.SendWorkflow(ctx, list, tpl, sub, rc); err != nil {
		return err
	}
	logger.Info("form email sent",
		"list_id", list.ID, "key", tpl.Key, "subscriber_id", sub.ID)
	return nil
}

// workflowContext builds the variable set a form template renders with.
// The confirmation email gets a fresh single-use token baked into its
// subscribe URL; issuing it here invalidates any earlier confirm link.
func (r *Runner) workflowContext(
	ctx context.Context,
	list *lists.MailingList,
	tpl *lists.FormTemplate,
	sub *subscribers.Subscriber,
) (render.Context, error) {
	proto := r.site.Protocol()
	subURL := fmt.Sprintf("%s://%s/subscribe/%s/", proto, r.site.Domain, list.ID)
	unsubURL := fmt.Sprintf("%s://%s/unsubscribe/%s/%s/%s/",
		proto, r.site.Domain, list.ID, sub.ID, uuid.Nil)

	if tpl.Key == lists.TemplateConfirmEmail {
		tok, err := r.subscribers.IssueToken(ctx,
			subscribers.TokenConfirmSubscription, subscribers.EntityKindSubscriber,
			sub.ID, confirmTokenDays)
		if err != nil {
			return nil, err
		}
		subURL = fmt.Sprintf("%s://%s/subscribe/%s/confirm/%s/",
			proto, r.site.Domain, list.ID, tok.Text)
	}

	return render.CampaignContext(sub.Name, sub.ID.String(), subURL, unsubURL, r.site.Domain), nil
}
