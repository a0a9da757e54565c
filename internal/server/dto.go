package server

import (
	"escrowline/internal/domain"
	"escrowline/internal/engine"
)

// Request payloads

type CreateCampaignRequest struct {
	Title                       string `json:"title"`
	DeliverablesTotal           int    `json:"deliverables_total" minimum:"1"`
	DueDaysAfterActivation      int    `json:"due_days_after_activation,omitempty" minimum:"0"`
	MaxPricePerDeliverableCents int64  `json:"max_price_per_deliverable_cents" minimum:"1"`
}

type UpdateCampaignRequest struct {
	Title                       *string `json:"title,omitempty"`
	DeliverablesTotal           *int    `json:"deliverables_total,omitempty"`
	DueDaysAfterActivation      *int    `json:"due_days_after_activation,omitempty"`
	MaxPricePerDeliverableCents *int64  `json:"max_price_per_deliverable_cents,omitempty"`
}

type SetCampaignStatusRequest struct {
	Status string `json:"status" enum:"draft,live,paused,completed,archived"`
}

type SubmitOfferRequest struct {
	PriceCents int64  `json:"price_cents" minimum:"1"`
	Message    string `json:"message,omitempty"`
}

type CancelContractRequest struct {
	Reason string `json:"reason,omitempty"`
}

type SubmitDeliverableRequest struct {
	PostURL         string          `json:"post_url"`
	Evidence        []string        `json:"evidence"`
	ComplianceFlags map[string]bool `json:"compliance_flags,omitempty"`
}

type ReviewRequest struct {
	Notes string `json:"notes,omitempty"`
}

type OpenDisputeRequest struct {
	ReasonCode  string   `json:"reason_code"`
	Description string   `json:"description,omitempty"`
	Evidence    []string `json:"evidence,omitempty"`
}

type ResolveDisputeRequest struct {
	Outcome     string `json:"outcome" enum:"resolved_refund,resolved_no_refund,resolved_partial_refund"`
	RefundCents int64  `json:"refund_cents,omitempty" minimum:"0"`
	Notes       string `json:"notes,omitempty"`
}

// Response payloads. Every success body carries ok=true.

type CampaignResponse struct {
	OK       bool            `json:"ok"`
	Campaign domain.Campaign `json:"campaign"`
}

type OfferResponse struct {
	OK    bool         `json:"ok"`
	Offer domain.Offer `json:"offer"`
}

type OfferListResponse struct {
	OK     bool           `json:"ok"`
	Offers []domain.Offer `json:"offers"`
}

type AcceptOfferResponse struct {
	OK          bool   `json:"ok"`
	ContractID  string `json:"contract_id"`
	CheckoutURL string `json:"checkout_url"`
	Created     bool   `json:"created"`
}

type ContractResponse struct {
	OK          bool                `json:"ok"`
	Contract    domain.Contract     `json:"contract"`
	Deliverable *domain.Deliverable `json:"deliverable,omitempty"`
	Disputes    []domain.Dispute    `json:"disputes,omitempty"`
}

type DeliverableResponse struct {
	OK          bool               `json:"ok"`
	Deliverable domain.Deliverable `json:"deliverable"`
}

type ApprovalResponse struct {
	OK          bool                `json:"ok"`
	Deliverable domain.Deliverable  `json:"deliverable"`
	Payout      engine.PayoutResult `json:"payout"`
}

type DisputeResponse struct {
	OK      bool           `json:"ok"`
	Dispute domain.Dispute `json:"dispute"`
}

type PayoutResponse struct {
	OK     bool                `json:"ok"`
	Payout domain.PayoutRecord `json:"payout"`
}

type EventListResponse struct {
	OK         bool           `json:"ok"`
	Events     []domain.Event `json:"events"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WhoAmIResponse struct {
	OK      bool     `json:"ok"`
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
}

type WebhookResponse struct {
	OK      bool   `json:"ok"`
	EventID string `json:"event_id,omitempty"`
	Deduped bool   `json:"deduped,omitempty"`
	Outcome string `json:"outcome,omitempty"`
}

func contractResponse(v engine.ContractView) ContractResponse {
	d := v.Deliverable
	return ContractResponse{
		OK:          true,
		Contract:    v.Contract,
		Deliverable: &d,
		Disputes:    nonNilSlice(v.Disputes),
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
