package queue

import "github.com/google/uuid"

// CampaignDeliveryPayload asks the worker to run one campaign delivery.
type CampaignDeliveryPayload struct {
	CampaignID uuid.UUID `json:"campaign_id"`
}

// RecomputePayload names the entity whose aggregates need re-deriving.
// The task kind decides which table the ID refers to.
type RecomputePayload struct {
	ID uuid.UUID `json:"id"`
}

// RunImportPayload asks the worker to execute a queued subscriber import.
type RunImportPayload struct {
	ImportID uuid.UUID `json:"import_id"`
}

// SendFormEmailPayload asks the worker to render and send one
// subscription-workflow email (confirmation, welcome, goodbye).
type SendFormEmailPayload struct {
	ListID       uuid.UUID `json:"list_id"`
	TemplateKey  string    `json:"template_key"`
	SubscriberID uuid.UUID `json:"subscriber_id"`
}
