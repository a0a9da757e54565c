package domain

const (
	CampaignDraft     = "draft"
	CampaignLive      = "live"
	CampaignPaused    = "paused"
	CampaignCompleted = "completed"
	CampaignArchived  = "archived"
)

const (
	OfferSubmitted = "submitted"
	OfferWithdrawn = "withdrawn"
	OfferAccepted  = "accepted"
	OfferRejected  = "rejected"
)

const (
	ContractPendingPayment = "pending_payment"
	ContractActive         = "active"
	ContractCompleted      = "completed"
	ContractCancelled      = "cancelled"
	ContractDisputed       = "disputed"
)

const (
	PaymentUnpaid        = "unpaid"
	PaymentPaid          = "paid"
	PaymentRefunded      = "refunded"
	PaymentPartialRefund = "partial_refund"
	PaymentFailed        = "failed"
)

const (
	TransferNone    = "none"
	TransferPending = "pending"
	TransferSent    = "sent"
	TransferFailed  = "failed"
)

const (
	DeliverablePending           = "pending"
	DeliverableSubmitted         = "submitted"
	DeliverableRevisionRequested = "revision_requested"
	DeliverableApproved          = "approved"
	DeliverableRejected          = "rejected"
	DeliverableExpired           = "expired"
)

const (
	DisputeOpen                  = "open"
	DisputeUnderReview           = "under_review"
	DisputeResolvedRefund        = "resolved_refund"
	DisputeResolvedNoRefund      = "resolved_no_refund"
	DisputeResolvedPartialRefund = "resolved_partial_refund"
)

// Outcomes reported by contract activation.
const (
	ActivationActivated       = "activated"
	ActivationAlreadyPaid     = "already_paid"
	ActivationIgnoredRefunded = "ignored_refunded"
)

type DeliverableSpec struct {
	DeliverablesTotal      int `json:"deliverables_total" minimum:"1"`
	DueDaysAfterActivation int `json:"due_days_after_activation" minimum:"1"`
}

type CampaignPricing struct {
	MaxPricePerDeliverableCents int64 `json:"max_price_per_deliverable_cents" minimum:"1"`
}

type Campaign struct {
	ID                        string          `json:"id"`
	OwnerID                   string          `json:"owner_id"`
	Title                     string          `json:"title"`
	Status                    string          `json:"status" enum:"draft,live,paused,completed,archived"`
	AutoPaused                bool            `json:"auto_paused"`
	DeliverableSpec           DeliverableSpec `json:"deliverable_spec"`
	AcceptedDeliverablesCount int             `json:"accepted_deliverables_count"`
	Pricing                   CampaignPricing `json:"pricing"`
	CreatedAt                 string          `json:"created_at" format:"date-time"`
	UpdatedAt                 string          `json:"updated_at" format:"date-time"`
}

// HasCapacity reports whether another slot can be reserved.
func (c Campaign) HasCapacity() bool {
	return c.AcceptedDeliverablesCount < c.DeliverableSpec.DeliverablesTotal
}

type Offer struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	WorkerID   string `json:"worker_id"`
	OwnerID    string `json:"owner_id"`
	PriceCents int64  `json:"price_cents"`
	Message    string `json:"message,omitempty"`
	Status     string `json:"status" enum:"submitted,withdrawn,accepted,rejected"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}

type ContractPricing struct {
	TotalPriceCents        int64 `json:"total_price_cents"`
	PlatformFeeCents       int64 `json:"platform_fee_cents"`
	WorkerPayoutTotalCents int64 `json:"worker_payout_total_cents"`
}

type ContractPayment struct {
	CheckoutSessionID string `json:"checkout_session_id,omitempty"`
	CheckoutURL       string `json:"checkout_url,omitempty"`
	ReferenceID       string `json:"reference_id,omitempty"`
	Status            string `json:"status" enum:"unpaid,paid,refunded,partial_refund,failed"`
	RefundedCents     int64  `json:"refunded_cents"`
	// RefundPending holds the idempotency key of a refund in flight.
	RefundPending string `json:"refund_pending,omitempty"`
}

type ContractPayout struct {
	TransferStatus string `json:"transfer_status" enum:"none,pending,sent,failed"`
	TransferID     string `json:"transfer_id,omitempty"`
}

type Contract struct {
	ID           string          `json:"id"`
	CampaignID   string          `json:"campaign_id"`
	OwnerID      string          `json:"owner_id"`
	WorkerID     string          `json:"worker_id"`
	Status       string          `json:"status" enum:"pending_payment,active,completed,cancelled,disputed"`
	Pricing      ContractPricing `json:"pricing"`
	Payment      ContractPayment `json:"payment"`
	Payout       ContractPayout  `json:"payout"`
	SlotReserved bool            `json:"slot_reserved"`
	DocumentPath string          `json:"document_path,omitempty"`
	ThreadID     string          `json:"thread_id,omitempty"`
	CancelReason string          `json:"cancel_reason,omitempty"`
	CreatedAt    string          `json:"created_at" format:"date-time"`
	UpdatedAt    string          `json:"updated_at" format:"date-time"`
	ActivatedAt  *string         `json:"activated_at,omitempty" format:"date-time"`
	CompletedAt  *string         `json:"completed_at,omitempty" format:"date-time"`
	CancelledAt  *string         `json:"cancelled_at,omitempty" format:"date-time"`
}

// IsParty reports whether actorID is the owner or the worker of the contract.
func (c Contract) IsParty(actorID string) bool {
	return actorID != "" && (actorID == c.OwnerID || actorID == c.WorkerID)
}

// Captured reports whether funds are held or were held for the contract.
func (c Contract) Captured() bool {
	return c.Payment.Status == PaymentPaid || c.Payment.Status == PaymentPartialRefund
}

type Submission struct {
	PostURL         string          `json:"post_url,omitempty"`
	SubmittedAt     string          `json:"submitted_at,omitempty" format:"date-time"`
	Evidence        []string        `json:"evidence,omitempty"`
	ComplianceFlags map[string]bool `json:"compliance_flags,omitempty"`
}

type Review struct {
	Decision   string `json:"decision,omitempty"`
	Notes      string `json:"notes,omitempty"`
	ReviewedAt string `json:"reviewed_at,omitempty" format:"date-time"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
}

type Deliverable struct {
	ID            string     `json:"id"`
	Status        string     `json:"status" enum:"pending,submitted,revision_requested,approved,rejected,expired"`
	DueAt         string     `json:"due_at,omitempty" format:"date-time"`
	Submission    Submission `json:"submission"`
	Review        Review     `json:"review"`
	RevisionCount int        `json:"revision_count"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
}

type Resolution struct {
	RefundCents int64  `json:"refund_cents"`
	RefundID    string `json:"refund_id,omitempty"`
	Notes       string `json:"notes,omitempty"`
	ResolvedBy  string `json:"resolved_by,omitempty"`
	ResolvedAt  string `json:"resolved_at,omitempty" format:"date-time"`
}

type Dispute struct {
	ID          string     `json:"id"`
	ContractID  string     `json:"contract_id"`
	OpenedBy    string     `json:"opened_by"`
	ReasonCode  string     `json:"reason_code"`
	Description string     `json:"description,omitempty"`
	Evidence    []string   `json:"evidence,omitempty"`
	Status      string     `json:"status" enum:"open,under_review,resolved_refund,resolved_no_refund,resolved_partial_refund"`
	Resolution  Resolution `json:"resolution"`
	CreatedAt   string     `json:"created_at" format:"date-time"`
	UpdatedAt   string     `json:"updated_at" format:"date-time"`
}

// Unresolved reports whether the dispute still blocks the contract.
func (d Dispute) Unresolved() bool {
	return d.Status == DisputeOpen || d.Status == DisputeUnderReview
}

type PayoutRecord struct {
	ID                 string `json:"id"`
	TransferID         string `json:"transfer_id"`
	AmountCents        int64  `json:"amount_cents"`
	DestinationAccount string `json:"destination_account"`
	Status             string `json:"status"`
	CreatedAt          string `json:"created_at" format:"date-time"`
}

type ReconciliationEvent struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ContractID  string `json:"contract_id,omitempty"`
	ReceivedAt  string `json:"received_at" format:"date-time"`
	Outcome     string `json:"outcome,omitempty"`
	Error       string `json:"error,omitempty"`
	ProcessedAt string `json:"processed_at,omitempty" format:"date-time"`
}

type WorkerAccount struct {
	WorkerID        string `json:"worker_id"`
	Verified        bool   `json:"verified"`
	PayoutAccountID string `json:"payout_account_id,omitempty"`
	PayoutsEnabled  bool   `json:"payouts_enabled"`
	UpdatedAt       string `json:"updated_at" format:"date-time"`
}

// Eligible reports whether the worker can be contracted and paid.
func (w WorkerAccount) Eligible() bool {
	return w.Verified && w.PayoutsEnabled && w.PayoutAccountID != ""
}

type MessageThread struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	OwnerID    string `json:"owner_id"`
	WorkerID   string `json:"worker_id"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts" format:"date-time"`
	Type        string `json:"type"`
	EntityKind  string `json:"entity_kind"`
	EntityID    string `json:"entity_id,omitempty"`
	ActorID     string `json:"actor_id"`
	PayloadJSON string `json:"payload_json"`
}

type APIKey struct {
	ID        string   `json:"id"`
	ActorID   string   `json:"actor_id"`
	Name      string   `json:"name,omitempty"`
	KeyHash   string   `json:"-"`
	Roles     []string `json:"roles"`
	CreatedAt string   `json:"created_at" format:"date-time"`
}
