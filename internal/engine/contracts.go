package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/logging"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
	"escrowline/internal/repo"
)

type contractRow struct {
	Contract    domain.Contract
	Deliverable domain.Deliverable
}

// AcceptResult is returned by AcceptOffer. Created is false when the
// contract already existed and only the checkout step ran.
type AcceptResult struct {
	ContractID  string `json:"contract_id"`
	CheckoutURL string `json:"checkout_url"`
	Created     bool   `json:"created"`
}

// ContractView bundles a contract with its deliverable and disputes.
type ContractView struct {
	Contract    domain.Contract    `json:"contract"`
	Deliverable domain.Deliverable `json:"deliverable"`
	Disputes    []domain.Dispute   `json:"disputes"`
}

// AcceptOffer turns a submitted offer into a pending_payment contract and
// returns the checkout reference. Retrying with the same offer id skips
// straight to the checkout step, so capacity is reserved once.
func (e Engine) AcceptOffer(ctx context.Context, actor auth.Actor, offerID string) (AcceptResult, error) {
	o, err := e.Repo.GetOffer(ctx, nil, offerID)
	if err != nil {
		return AcceptResult{}, notFound(err, "offer", offerID)
	}
	if o.Status == domain.OfferWithdrawn || o.Status == domain.OfferRejected {
		return AcceptResult{}, apperr.FailedPrecondition("offer_"+o.Status, "offer is "+o.Status)
	}
	if o.OwnerID != actor.ID {
		return AcceptResult{}, apperr.PermissionDenied("not_campaign_owner", "only the campaign owner can accept offers")
	}

	created := false
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		created = false
		if _, err := e.Repo.GetContract(ctx, tx, offerID); err == nil {
			return nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		o, err := e.Repo.GetOffer(ctx, tx, offerID)
		if err != nil {
			return notFound(err, "offer", offerID)
		}
		if o.Status != domain.OfferSubmitted {
			return apperr.FailedPrecondition("offer_"+o.Status, "offer is "+o.Status)
		}
		campaign, err := e.Repo.GetCampaign(ctx, tx, o.CampaignID)
		if err != nil {
			return notFound(err, "campaign", o.CampaignID)
		}
		if campaign.OwnerID != actor.ID {
			return apperr.PermissionDenied("not_campaign_owner", "only the campaign owner can accept offers")
		}
		if campaign.Status != domain.CampaignLive {
			return apperr.FailedPrecondition("campaign_not_live", "campaign is "+campaign.Status)
		}
		if !campaign.HasCapacity() {
			return apperr.FailedPrecondition("campaign_full", "campaign has no free slots")
		}
		worker, err := e.Repo.GetWorkerAccount(ctx, tx, o.WorkerID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err != nil || !worker.Eligible() {
			return apperr.FailedPrecondition("worker_not_eligible", "worker is not verified or cannot receive payouts")
		}

		now := e.ts()
		c := domain.Contract{
			ID:           o.ID,
			CampaignID:   o.CampaignID,
			OwnerID:      o.OwnerID,
			WorkerID:     o.WorkerID,
			Status:       domain.ContractPendingPayment,
			Pricing:      splitPrice(o.PriceCents, e.Config.Platform.FeeBps),
			Payment:      domain.ContractPayment{Status: domain.PaymentUnpaid},
			Payout:       domain.ContractPayout{TransferStatus: domain.TransferNone},
			SlotReserved: true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertContract(ctx, tx, c); err != nil {
			return fmt.Errorf("insert contract: %w", err)
		}
		d := domain.Deliverable{ID: c.ID, Status: domain.DeliverablePending, CreatedAt: now, UpdatedAt: now}
		if err := e.Repo.InsertDeliverable(ctx, tx, d); err != nil {
			return fmt.Errorf("insert deliverable: %w", err)
		}
		if err := e.Repo.UpdateOfferStatus(ctx, tx, o.ID, domain.OfferAccepted, now); err != nil {
			return err
		}
		threadID, err := e.Repo.UpsertMessageThread(ctx, tx, domain.MessageThread{
			ID: uuid.NewString(), ContractID: c.ID, OwnerID: c.OwnerID, WorkerID: c.WorkerID, CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("upsert message thread: %w", err)
		}
		c.ThreadID = threadID
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, "offer.accepted", "contract", c.ID, actor.ID, events.EventPayload{
			"campaign_id":        c.CampaignID,
			"total_price_cents":  c.Pricing.TotalPriceCents,
			"platform_fee_cents": c.Pricing.PlatformFeeCents,
		}); err != nil {
			return err
		}
		// Capacity is the last write so nothing after it can fail the transaction.
		if _, err := e.reserveSlot(ctx, tx, c.CampaignID, actor.ID); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return AcceptResult{}, err
	}

	c, err := e.Repo.GetContract(ctx, nil, offerID)
	if err != nil {
		return AcceptResult{}, notFound(err, "contract", offerID)
	}
	e.ensureDocument(ctx, c)
	url, err := e.ensureCheckout(ctx, c)
	if err != nil {
		return AcceptResult{}, err
	}
	return AcceptResult{ContractID: c.ID, CheckoutURL: url, Created: created}, nil
}

// ensureCheckout creates the checkout session once and reuses it afterwards.
func (e Engine) ensureCheckout(ctx context.Context, c domain.Contract) (string, error) {
	if c.Payment.CheckoutSessionID != "" {
		return c.Payment.CheckoutURL, nil
	}
	if c.Status != domain.ContractPendingPayment {
		return "", nil
	}
	p, err := e.processor()
	if err != nil {
		return "", err
	}
	campaign, err := e.Repo.GetCampaign(ctx, nil, c.CampaignID)
	if err != nil {
		return "", notFound(err, "campaign", c.CampaignID)
	}
	session, err := p.CreateCheckoutSession(ctx, processor.CheckoutSessionParams{
		ContractID:     c.ID,
		CampaignID:     c.CampaignID,
		AmountCents:    c.Pricing.TotalPriceCents,
		Currency:       e.Config.Platform.Currency,
		Description:    campaign.Title,
		SuccessURL:     e.Config.Checkout.SuccessURL,
		CancelURL:      e.Config.Checkout.CancelURL,
		IdempotencyKey: "checkout:" + c.ID,
	})
	if err != nil {
		return "", apperr.Internal("checkout_unavailable", "create checkout session", err)
	}
	var url string
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		won, err := e.Repo.SetCheckoutSession(ctx, tx, c.ID, session.ID, session.URL, e.ts())
		if err != nil {
			return err
		}
		if won {
			url = session.URL
			return e.events().Append(ctx, tx, "contract.checkout_created", "contract", c.ID, auth.SystemActorID, events.EventPayload{"session_id": session.ID})
		}
		stored, err := e.Repo.GetContract(ctx, tx, c.ID)
		if err != nil {
			return err
		}
		url = stored.Payment.CheckoutURL
		return nil
	})
	return url, err
}

// ensureDocument renders the contract document once. Failures are logged;
// the next accept retry renders again.
func (e Engine) ensureDocument(ctx context.Context, c domain.Contract) {
	if c.DocumentPath != "" || e.Documents == nil {
		return
	}
	logger := e.log().With(slog.String(logging.FieldContractID, c.ID))
	campaign, err := e.Repo.GetCampaign(ctx, nil, c.CampaignID)
	if err != nil {
		logger.Warn("contract document skipped", logging.Error(err))
		return
	}
	p, err := e.Documents.Render(ctx, c, campaign)
	if err != nil {
		logger.Warn("contract document render failed", logging.Error(err))
		return
	}
	if _, err := e.Repo.SetDocumentPath(ctx, nil, c.ID, p, e.ts()); err != nil {
		logger.Warn("contract document path not stored", logging.Error(err))
	}
}

// CancelContract lets the owner abandon a contract that was never paid.
func (e Engine) CancelContract(ctx context.Context, actor auth.Actor, id, reason string) (domain.Contract, error) {
	var out domain.Contract
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContract(ctx, tx, id)
		if err != nil {
			return notFound(err, "contract", id)
		}
		if c.OwnerID != actor.ID && !actor.IsSystem() {
			return apperr.PermissionDenied("not_contract_owner", "only the owner can cancel a contract")
		}
		if c.Status != domain.ContractPendingPayment || c.Payment.Status != domain.PaymentUnpaid {
			return apperr.FailedPrecondition("contract_not_cancellable", "only unpaid pending_payment contracts can be cancelled")
		}
		if reason == "" {
			reason = "owner_cancelled"
		}
		out, err = e.cancelUnpaidTx(ctx, tx, id, reason, actor.ID)
		return err
	})
	if err != nil {
		return domain.Contract{}, err
	}
	e.notify(ctx, notify.Notification{Kind: notify.KindContractCancelled, Recipients: []string{out.OwnerID, out.WorkerID}, ContractID: out.ID,
		Data: map[string]any{"reason": out.CancelReason}})
	return out, nil
}

// cancelUnpaidTx cancels a still unpaid pending_payment contract, expires its
// deliverable and releases its slot. Anything else is returned unchanged.
func (e Engine) cancelUnpaidTx(ctx context.Context, tx *sql.Tx, id, reason, actorID string) (domain.Contract, error) {
	row, err := e.loadContract(ctx, tx, id)
	if err != nil {
		return domain.Contract{}, err
	}
	c, d := row.Contract, row.Deliverable
	if c.Status != domain.ContractPendingPayment || c.Payment.Status != domain.PaymentUnpaid {
		return c, nil
	}
	now := e.ts()
	if err := e.dropSlot(ctx, tx, &c, actorID); err != nil {
		return domain.Contract{}, err
	}
	c.Status = domain.ContractCancelled
	c.CancelReason = reason
	c.CancelledAt = timePtr(now)
	c.UpdatedAt = now
	if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
		return domain.Contract{}, err
	}
	if d.Status == domain.DeliverablePending || d.Status == domain.DeliverableRevisionRequested {
		d.Status = domain.DeliverableExpired
		d.UpdatedAt = now
		if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
			return domain.Contract{}, err
		}
	}
	if err := e.events().Append(ctx, tx, "contract.cancelled", "contract", c.ID, actorID, events.EventPayload{"reason": reason}); err != nil {
		return domain.Contract{}, err
	}
	return c, nil
}

// GetContract returns a contract view visible to its parties, adjudicators
// and service actors.
func (e Engine) GetContract(ctx context.Context, actor auth.Actor, id string) (ContractView, error) {
	row, err := e.loadContract(ctx, nil, id)
	if err != nil {
		return ContractView{}, err
	}
	if !row.Contract.IsParty(actor.ID) && !actor.Has(auth.RoleAdjudicator) && !actor.IsSystem() {
		return ContractView{}, apperr.PermissionDenied("not_contract_party", "contract is visible to its parties only")
	}
	disputes, err := e.Repo.ListDisputes(ctx, id)
	if err != nil {
		return ContractView{}, err
	}
	return ContractView{Contract: row.Contract, Deliverable: row.Deliverable, Disputes: disputes}, nil
}

func (e Engine) ListContracts(ctx context.Context, f repo.ContractFilters) ([]domain.Contract, error) {
	return e.Repo.ListContracts(ctx, f)
}
