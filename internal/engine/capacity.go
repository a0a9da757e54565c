package engine

import (
	"context"
	"database/sql"
	"fmt"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/events"
)

// reserveSlot takes one unit of campaign capacity inside tx. Reaching the
// total while live auto-pauses the campaign.
func (e Engine) reserveSlot(ctx context.Context, tx *sql.Tx, campaignID, actorID string) (domain.Campaign, error) {
	c, err := e.Repo.GetCampaign(ctx, tx, campaignID)
	if err != nil {
		return domain.Campaign{}, notFound(err, "campaign", campaignID)
	}
	if !c.HasCapacity() {
		return c, apperr.FailedPrecondition("campaign_full", fmt.Sprintf("campaign %s has no free slots", campaignID))
	}
	c.AcceptedDeliverablesCount++
	autoPaused := false
	if c.AcceptedDeliverablesCount >= c.DeliverableSpec.DeliverablesTotal && c.Status == domain.CampaignLive {
		c.Status = domain.CampaignPaused
		c.AutoPaused = true
		autoPaused = true
	}
	c.UpdatedAt = e.ts()
	if err := e.Repo.UpdateCampaign(ctx, tx, c); err != nil {
		return c, err
	}
	if autoPaused {
		if err := e.events().Append(ctx, tx, "campaign.auto_paused", "campaign", c.ID, actorID, events.EventPayload{"accepted": c.AcceptedDeliverablesCount}); err != nil {
			return c, err
		}
	}
	return c, nil
}

// releaseSlot returns one unit of capacity inside tx, floored at zero. A
// campaign the ledger paused reopens once capacity frees up; a campaign paused
// by its owner stays paused.
func (e Engine) releaseSlot(ctx context.Context, tx *sql.Tx, campaignID, actorID string) (domain.Campaign, error) {
	c, err := e.Repo.GetCampaign(ctx, tx, campaignID)
	if err != nil {
		return domain.Campaign{}, notFound(err, "campaign", campaignID)
	}
	if c.AcceptedDeliverablesCount > 0 {
		c.AcceptedDeliverablesCount--
	}
	reopened := false
	if c.Status == domain.CampaignPaused && c.AutoPaused && c.HasCapacity() {
		c.Status = domain.CampaignLive
		c.AutoPaused = false
		reopened = true
	}
	c.UpdatedAt = e.ts()
	if err := e.Repo.UpdateCampaign(ctx, tx, c); err != nil {
		return c, err
	}
	if reopened {
		if err := e.events().Append(ctx, tx, "campaign.reopened", "campaign", c.ID, actorID, events.EventPayload{"accepted": c.AcceptedDeliverablesCount}); err != nil {
			return c, err
		}
	}
	return c, nil
}

// holdSlot reserves capacity for a contract that does not hold any.
func (e Engine) holdSlot(ctx context.Context, tx *sql.Tx, c *domain.Contract, actorID string) error {
	if c.SlotReserved {
		return nil
	}
	if _, err := e.reserveSlot(ctx, tx, c.CampaignID, actorID); err != nil {
		return err
	}
	c.SlotReserved = true
	return nil
}

// dropSlot releases the contract's slot at most once per reservation.
func (e Engine) dropSlot(ctx context.Context, tx *sql.Tx, c *domain.Contract, actorID string) error {
	if !c.SlotReserved {
		return nil
	}
	if _, err := e.releaseSlot(ctx, tx, c.CampaignID, actorID); err != nil {
		return err
	}
	c.SlotReserved = false
	return nil
}

// CapacityReport compares the ledger counter with the contracts holding slots.
type CapacityReport struct {
	CampaignID  string `json:"campaign_id"`
	Total       int    `json:"total"`
	Accepted    int    `json:"accepted"`
	SlotHolders int    `json:"slot_holders"`
	Consistent  bool   `json:"consistent"`
}

func (e Engine) AuditCapacity(ctx context.Context, campaignID string) (CapacityReport, error) {
	c, err := e.Repo.GetCampaign(ctx, nil, campaignID)
	if err != nil {
		return CapacityReport{}, notFound(err, "campaign", campaignID)
	}
	n, err := e.Repo.CountSlotHolders(ctx, nil, campaignID)
	if err != nil {
		return CapacityReport{}, err
	}
	return CapacityReport{
		CampaignID:  c.ID,
		Total:       c.DeliverableSpec.DeliverablesTotal,
		Accepted:    c.AcceptedDeliverablesCount,
		SlotHolders: n,
		Consistent:  n == c.AcceptedDeliverablesCount && c.AcceptedDeliverablesCount <= c.DeliverableSpec.DeliverablesTotal,
	}, nil
}
