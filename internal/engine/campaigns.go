package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
)

type CreateCampaignInput struct {
	Title                       string
	DeliverablesTotal           int
	DueDaysAfterActivation      int
	MaxPricePerDeliverableCents int64
}

type UpdateCampaignInput struct {
	Title                       *string
	DeliverablesTotal           *int
	DueDaysAfterActivation      *int
	MaxPricePerDeliverableCents *int64
}

func (e Engine) CreateCampaign(ctx context.Context, actor auth.Actor, in CreateCampaignInput) (domain.Campaign, error) {
	if err := actor.Require(auth.RoleOwner); err != nil {
		return domain.Campaign{}, err
	}
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" {
		return domain.Campaign{}, apperr.InvalidArgument("title_required", "title is required")
	}
	if in.DeliverablesTotal < 1 {
		return domain.Campaign{}, apperr.InvalidArgument("invalid_deliverables_total", "deliverables_total must be >= 1")
	}
	if in.MaxPricePerDeliverableCents <= 0 {
		return domain.Campaign{}, apperr.InvalidArgument("invalid_max_price", "max_price_per_deliverable_cents must be positive")
	}
	if in.DueDaysAfterActivation == 0 {
		in.DueDaysAfterActivation = e.Config.Contracts.DefaultDueDays
	}
	if in.DueDaysAfterActivation < 1 {
		return domain.Campaign{}, apperr.InvalidArgument("invalid_due_days", "due_days_after_activation must be >= 1")
	}
	now := e.ts()
	c := domain.Campaign{
		ID:              uuid.NewString(),
		OwnerID:         actor.ID,
		Title:           in.Title,
		Status:          domain.CampaignDraft,
		DeliverableSpec: domain.DeliverableSpec{DeliverablesTotal: in.DeliverablesTotal, DueDaysAfterActivation: in.DueDaysAfterActivation},
		Pricing:         domain.CampaignPricing{MaxPricePerDeliverableCents: in.MaxPricePerDeliverableCents},
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.InsertCampaign(ctx, tx, c); err != nil {
			return fmt.Errorf("insert campaign: %w", err)
		}
		return e.events().Append(ctx, tx, "campaign.created", "campaign", c.ID, actor.ID, events.EventPayload{
			"deliverables_total": c.DeliverableSpec.DeliverablesTotal,
		})
	})
	if err != nil {
		return domain.Campaign{}, err
	}
	return c, nil
}

func (e Engine) GetCampaign(ctx context.Context, id string) (domain.Campaign, error) {
	c, err := e.Repo.GetCampaign(ctx, nil, id)
	if err != nil {
		return domain.Campaign{}, notFound(err, "campaign", id)
	}
	return c, nil
}

// PublishCampaign moves a draft or paused campaign to live.
func (e Engine) PublishCampaign(ctx context.Context, actor auth.Actor, id string) (domain.Campaign, error) {
	return e.UpdateCampaignStatus(ctx, actor, id, domain.CampaignLive)
}

func (e Engine) UpdateCampaign(ctx context.Context, actor auth.Actor, id string, in UpdateCampaignInput) (domain.Campaign, error) {
	var out domain.Campaign
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.ownedCampaign(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if c.Status == domain.CampaignCompleted || c.Status == domain.CampaignArchived {
			return apperr.FailedPrecondition("campaign_closed", "campaign is "+c.Status)
		}
		if in.Title != nil {
			title := strings.TrimSpace(*in.Title)
			if title == "" {
				return apperr.InvalidArgument("title_required", "title is required")
			}
			c.Title = title
		}
		if in.MaxPricePerDeliverableCents != nil {
			if *in.MaxPricePerDeliverableCents <= 0 {
				return apperr.InvalidArgument("invalid_max_price", "max_price_per_deliverable_cents must be positive")
			}
			c.Pricing.MaxPricePerDeliverableCents = *in.MaxPricePerDeliverableCents
		}
		if in.DueDaysAfterActivation != nil {
			if *in.DueDaysAfterActivation < 1 {
				return apperr.InvalidArgument("invalid_due_days", "due_days_after_activation must be >= 1")
			}
			c.DeliverableSpec.DueDaysAfterActivation = *in.DueDaysAfterActivation
		}
		if in.DeliverablesTotal != nil {
			total := *in.DeliverablesTotal
			if total < 1 {
				return apperr.InvalidArgument("invalid_deliverables_total", "deliverables_total must be >= 1")
			}
			if total < c.AcceptedDeliverablesCount {
				return apperr.FailedPrecondition("total_below_accepted",
					fmt.Sprintf("deliverables_total %d is below the %d accepted deliverables", total, c.AcceptedDeliverablesCount))
			}
			c.DeliverableSpec.DeliverablesTotal = total
			switch {
			case c.Status == domain.CampaignLive && !c.HasCapacity():
				c.Status = domain.CampaignPaused
				c.AutoPaused = true
			case c.Status == domain.CampaignPaused && c.AutoPaused && c.HasCapacity():
				c.Status = domain.CampaignLive
				c.AutoPaused = false
			}
		}
		c.UpdatedAt = e.ts()
		if err := e.Repo.UpdateCampaign(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return e.events().Append(ctx, tx, "campaign.updated", "campaign", c.ID, actor.ID, events.EventPayload{
			"deliverables_total": c.DeliverableSpec.DeliverablesTotal,
			"status":             c.Status,
		})
	})
	return out, err
}

var campaignTransitions = map[string][]string{
	domain.CampaignDraft:     {domain.CampaignLive, domain.CampaignArchived},
	domain.CampaignLive:      {domain.CampaignPaused, domain.CampaignCompleted, domain.CampaignArchived},
	domain.CampaignPaused:    {domain.CampaignLive, domain.CampaignCompleted, domain.CampaignArchived},
	domain.CampaignCompleted: {domain.CampaignArchived},
}

func ensureCampaignTransition(from, to string) error {
	for _, allowed := range campaignTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return apperr.FailedPrecondition("invalid_transition", fmt.Sprintf("invalid campaign status transition %s -> %s", from, to))
}

// UpdateCampaignStatus applies an owner's status decision. Owner decisions
// always clear autoPaused.
func (e Engine) UpdateCampaignStatus(ctx context.Context, actor auth.Actor, id, status string) (domain.Campaign, error) {
	var out domain.Campaign
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.ownedCampaign(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if c.Status == status {
			if status == domain.CampaignPaused && c.AutoPaused {
				c.AutoPaused = false
				c.UpdatedAt = e.ts()
				if err := e.Repo.UpdateCampaign(ctx, tx, c); err != nil {
					return err
				}
			}
			out = c
			return nil
		}
		if err := ensureCampaignTransition(c.Status, status); err != nil {
			return err
		}
		switch status {
		case domain.CampaignLive:
			if !c.HasCapacity() {
				return apperr.FailedPrecondition("campaign_full", "campaign has no free slots")
			}
		case domain.CampaignCompleted:
			if c.AcceptedDeliverablesCount != c.DeliverableSpec.DeliverablesTotal {
				return apperr.FailedPrecondition("campaign_not_filled", "campaign can complete only when every deliverable is accepted")
			}
		}
		from := c.Status
		c.Status = status
		c.AutoPaused = false
		c.UpdatedAt = e.ts()
		if err := e.Repo.UpdateCampaign(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return e.events().Append(ctx, tx, "campaign.status", "campaign", c.ID, actor.ID, events.EventPayload{"from": from, "to": status})
	})
	return out, err
}

func (e Engine) ownedCampaign(ctx context.Context, tx *sql.Tx, actor auth.Actor, id string) (domain.Campaign, error) {
	if err := actor.Require(auth.RoleOwner); err != nil {
		return domain.Campaign{}, err
	}
	c, err := e.Repo.GetCampaign(ctx, tx, id)
	if err != nil {
		return domain.Campaign{}, notFound(err, "campaign", id)
	}
	if c.OwnerID != actor.ID {
		return domain.Campaign{}, apperr.PermissionDenied("not_campaign_owner", "only the campaign owner can change it")
	}
	return c, nil
}
