package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/apperr"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
)

type SubmitOfferInput struct {
	PriceCents int64
	Message    string
}

func (e Engine) SubmitOffer(ctx context.Context, actor auth.Actor, campaignID string, in SubmitOfferInput) (domain.Offer, error) {
	if err := actor.Require(auth.RoleWorker); err != nil {
		return domain.Offer{}, err
	}
	if in.PriceCents <= 0 {
		return domain.Offer{}, apperr.InvalidArgument("invalid_price", "price_cents must be positive")
	}
	var out domain.Offer
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetCampaign(ctx, tx, campaignID)
		if err != nil {
			return notFound(err, "campaign", campaignID)
		}
		if c.Status != domain.CampaignLive {
			return apperr.FailedPrecondition("campaign_not_live", "campaign is "+c.Status)
		}
		if c.OwnerID == actor.ID {
			return apperr.PermissionDenied("own_campaign", "owners cannot make offers on their own campaign")
		}
		if in.PriceCents > c.Pricing.MaxPricePerDeliverableCents {
			return apperr.InvalidArgument("price_above_max",
				fmt.Sprintf("price %d exceeds campaign maximum %d", in.PriceCents, c.Pricing.MaxPricePerDeliverableCents))
		}
		open, err := e.Repo.HasOpenOffer(ctx, tx, campaignID, actor.ID)
		if err != nil {
			return err
		}
		if open {
			return apperr.AlreadyExists("offer_exists", "worker already has an open offer on this campaign")
		}
		now := e.ts()
		o := domain.Offer{
			ID:         uuid.NewString(),
			CampaignID: campaignID,
			WorkerID:   actor.ID,
			OwnerID:    c.OwnerID,
			PriceCents: in.PriceCents,
			Message:    strings.TrimSpace(in.Message),
			Status:     domain.OfferSubmitted,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := e.Repo.InsertOffer(ctx, tx, o); err != nil {
			if db.IsConstraint(err) {
				return apperr.AlreadyExists("offer_exists", "worker already has an open offer on this campaign")
			}
			return fmt.Errorf("insert offer: %w", err)
		}
		out = o
		return e.events().Append(ctx, tx, "offer.submitted", "offer", o.ID, actor.ID, events.EventPayload{
			"campaign_id": campaignID, "price_cents": o.PriceCents,
		})
	})
	return out, err
}

func (e Engine) GetOffer(ctx context.Context, id string) (domain.Offer, error) {
	o, err := e.Repo.GetOffer(ctx, nil, id)
	if err != nil {
		return domain.Offer{}, notFound(err, "offer", id)
	}
	return o, nil
}

// ListOffers returns the campaign's offers to its owner.
func (e Engine) ListOffers(ctx context.Context, actor auth.Actor, campaignID, status string) ([]domain.Offer, error) {
	c, err := e.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.OwnerID != actor.ID && !actor.IsSystem() {
		return nil, apperr.PermissionDenied("not_campaign_owner", "only the campaign owner can list offers")
	}
	return e.Repo.ListOffers(ctx, campaignID, status)
}

func (e Engine) WithdrawOffer(ctx context.Context, actor auth.Actor, id string) (domain.Offer, error) {
	return e.closeOffer(ctx, actor, id, domain.OfferWithdrawn)
}

func (e Engine) RejectOffer(ctx context.Context, actor auth.Actor, id string) (domain.Offer, error) {
	return e.closeOffer(ctx, actor, id, domain.OfferRejected)
}

func (e Engine) closeOffer(ctx context.Context, actor auth.Actor, id, status string) (domain.Offer, error) {
	var out domain.Offer
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		o, err := e.Repo.GetOffer(ctx, tx, id)
		if err != nil {
			return notFound(err, "offer", id)
		}
		switch status {
		case domain.OfferWithdrawn:
			if o.WorkerID != actor.ID {
				return apperr.PermissionDenied("not_offer_worker", "only the offering worker can withdraw")
			}
		case domain.OfferRejected:
			if o.OwnerID != actor.ID {
				return apperr.PermissionDenied("not_campaign_owner", "only the campaign owner can reject")
			}
		}
		if o.Status != domain.OfferSubmitted {
			return apperr.FailedPrecondition("offer_not_submitted", "offer is "+o.Status)
		}
		o.Status = status
		o.UpdatedAt = e.ts()
		if err := e.Repo.UpdateOfferStatus(ctx, tx, o.ID, o.Status, o.UpdatedAt); err != nil {
			return err
		}
		out = o
		return e.events().Append(ctx, tx, "offer."+status, "offer", o.ID, actor.ID, nil)
	})
	return out, err
}
