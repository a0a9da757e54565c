package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/apperr"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/logging"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
	"escrowline/internal/repo"
)

type OpenDisputeInput struct {
	ReasonCode  string
	Description string
	Evidence    []string
}

type ResolveDisputeInput struct {
	Outcome     string
	RefundCents int64
	Notes       string
}

func refundKey(disputeID string) string {
	return "refund:" + disputeID
}

// OpenDispute freezes an active contract until an adjudicator resolves it.
func (e Engine) OpenDispute(ctx context.Context, actor auth.Actor, contractID string, in OpenDisputeInput) (domain.Dispute, error) {
	reason := strings.TrimSpace(in.ReasonCode)
	if reason == "" {
		return domain.Dispute{}, apperr.InvalidArgument("reason_required", "reason_code is required")
	}
	c, err := e.Repo.GetContract(ctx, nil, contractID)
	if err != nil {
		return domain.Dispute{}, notFound(err, "contract", contractID)
	}
	if !c.IsParty(actor.ID) && !actor.Has(auth.RoleAdjudicator) {
		return domain.Dispute{}, apperr.PermissionDenied("not_contract_party", "only contract parties can open disputes")
	}
	evidence, err := e.checkEvidence(ctx, disputeEvidencePrefix(c.OwnerID, c.ID), in.Evidence)
	if err != nil {
		return domain.Dispute{}, err
	}

	var out domain.Dispute
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContract(ctx, tx, contractID)
		if err != nil {
			return notFound(err, "contract", contractID)
		}
		if c.Status != domain.ContractActive && c.Status != domain.ContractDisputed {
			return apperr.FailedPrecondition("contract_not_disputable", "contract is "+c.Status)
		}
		if c.Payment.RefundPending != "" {
			return refundInFlight()
		}
		if open, err := e.Repo.GetUnresolvedDispute(ctx, tx, contractID); err == nil {
			return apperr.AlreadyExists("dispute_open", "dispute "+open.ID+" is still open").WithDetails(map[string]any{"dispute_id": open.ID})
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.ts()
		d := domain.Dispute{
			ID:          uuid.NewString(),
			ContractID:  contractID,
			OpenedBy:    actor.ID,
			ReasonCode:  reason,
			Description: strings.TrimSpace(in.Description),
			Evidence:    evidence,
			Status:      domain.DisputeOpen,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := e.Repo.InsertDispute(ctx, tx, d); err != nil {
			if db.IsConstraint(err) {
				return apperr.AlreadyExists("dispute_open", "contract already has an open dispute")
			}
			return err
		}
		if c.Status != domain.ContractDisputed {
			c.Status = domain.ContractDisputed
			c.UpdatedAt = now
			if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
				return err
			}
		}
		out = d
		return e.events().Append(ctx, tx, "dispute.opened", "dispute", d.ID, actor.ID, events.EventPayload{
			"contract_id": contractID,
			"reason_code": reason,
		})
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	e.notify(ctx, notify.Notification{Kind: notify.KindDisputeOpened, Recipients: []string{c.OwnerID, c.WorkerID}, ContractID: contractID,
		Data: map[string]any{"dispute_id": out.ID, "reason_code": reason}})
	return out, nil
}

func (e Engine) GetDispute(ctx context.Context, actor auth.Actor, id string) (domain.Dispute, error) {
	d, err := e.Repo.GetDispute(ctx, nil, id)
	if err != nil {
		return domain.Dispute{}, notFound(err, "dispute", id)
	}
	if actor.Has(auth.RoleAdjudicator) || actor.IsSystem() {
		return d, nil
	}
	c, err := e.Repo.GetContract(ctx, nil, d.ContractID)
	if err != nil {
		return domain.Dispute{}, notFound(err, "contract", d.ContractID)
	}
	if !c.IsParty(actor.ID) {
		return domain.Dispute{}, apperr.PermissionDenied("not_contract_party", "dispute is visible to contract parties only")
	}
	return d, nil
}

// ReviewDispute marks an open dispute as under review.
func (e Engine) ReviewDispute(ctx context.Context, actor auth.Actor, id string) (domain.Dispute, error) {
	if err := actor.Require(auth.RoleAdjudicator); err != nil {
		return domain.Dispute{}, err
	}
	var out domain.Dispute
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		d, err := e.Repo.GetDispute(ctx, tx, id)
		if err != nil {
			return notFound(err, "dispute", id)
		}
		out = d
		switch d.Status {
		case domain.DisputeUnderReview:
			return nil
		case domain.DisputeOpen:
		default:
			return apperr.FailedPrecondition("dispute_resolved", "dispute is "+d.Status)
		}
		d.Status = domain.DisputeUnderReview
		d.UpdatedAt = e.ts()
		if err := e.Repo.UpdateDispute(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return e.events().Append(ctx, tx, "dispute.under_review", "dispute", d.ID, actor.ID, nil)
	})
	return out, err
}

func validateResolution(outcome string, refundCents, totalCents int64) error {
	switch outcome {
	case domain.DisputeResolvedNoRefund:
		if refundCents != 0 {
			return refundMismatch(outcome, "refund_cents must be 0")
		}
	case domain.DisputeResolvedRefund:
		if refundCents != totalCents {
			return refundMismatch(outcome, fmt.Sprintf("refund_cents must equal the contract total %d", totalCents))
		}
	case domain.DisputeResolvedPartialRefund:
		if refundCents <= 0 || refundCents >= totalCents {
			return refundMismatch(outcome, fmt.Sprintf("refund_cents must be between 0 and %d exclusive", totalCents))
		}
	default:
		return apperr.InvalidArgument("invalid_outcome", fmt.Sprintf("unknown outcome %q", outcome))
	}
	return nil
}

func refundInFlight() error {
	return apperr.FailedPrecondition("refund_pending", "a refund for this contract is in flight")
}

func refundMismatch(outcome, msg string) error {
	return apperr.InvalidArgument("refund_amount_mismatch", outcome+": "+msg)
}

// ResolveDispute settles a dispute exactly once. Refunds go to the processor
// before any state changes; a failed refund leaves the dispute open for retry.
func (e Engine) ResolveDispute(ctx context.Context, actor auth.Actor, id string, in ResolveDisputeInput) (domain.Dispute, error) {
	if err := actor.Require(auth.RoleAdjudicator); err != nil {
		return domain.Dispute{}, err
	}
	if in.RefundCents < 0 {
		return domain.Dispute{}, apperr.InvalidArgument("invalid_refund", "refund_cents cannot be negative")
	}

	var (
		done      *domain.Dispute
		reference string
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		done = nil
		d, err := e.Repo.GetDispute(ctx, tx, id)
		if err != nil {
			return notFound(err, "dispute", id)
		}
		if !d.Unresolved() {
			if d.Status == in.Outcome && d.Resolution.RefundCents == in.RefundCents {
				done = &d
				return nil
			}
			return apperr.FailedPrecondition("dispute_resolved", "dispute is already "+d.Status)
		}
		c, err := e.Repo.GetContract(ctx, tx, d.ContractID)
		if err != nil {
			return notFound(err, "contract", d.ContractID)
		}
		if c.Payment.RefundPending != "" {
			return refundInFlight()
		}
		if err := validateResolution(in.Outcome, in.RefundCents, c.Pricing.TotalPriceCents); err != nil {
			return err
		}
		if in.RefundCents > 0 {
			if c.Payout.TransferStatus == domain.TransferSent || c.Payout.TransferStatus == domain.TransferPending {
				return apperr.FailedPrecondition("payout_already_sent", "funds were already paid out to the worker")
			}
			if c.Payment.Status != domain.PaymentPaid {
				return apperr.FailedPrecondition("payment_not_refundable", "payment is "+c.Payment.Status)
			}
			if c.Payment.ReferenceID == "" {
				return apperr.FailedPrecondition("payment_reference_missing", "no processor payment reference stored")
			}
			reference = c.Payment.ReferenceID
		}
		if in.Outcome != domain.DisputeResolvedRefund && !c.SlotReserved {
			campaign, err := e.Repo.GetCampaign(ctx, tx, c.CampaignID)
			if err != nil {
				return notFound(err, "campaign", c.CampaignID)
			}
			if !campaign.HasCapacity() {
				return apperr.FailedPrecondition("campaign_full", "contract cannot resume: campaign has no free slots")
			}
		}
		return nil
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	if done != nil {
		return *done, nil
	}

	var refundID string
	if in.RefundCents > 0 {
		p, err := e.processor()
		if err != nil {
			return domain.Dispute{}, err
		}
		r, err := p.CreateRefund(ctx, processor.RefundParams{
			PaymentIntentID: reference,
			AmountCents:     in.RefundCents,
			Reason:          "dispute",
			IdempotencyKey:  refundKey(id),
		})
		if err != nil {
			e.log().Error("dispute refund failed", slog.String(logging.FieldDisputeID, id), logging.Error(err))
			return domain.Dispute{}, apperr.Internal("refund_failed", "refund through processor failed", err)
		}
		refundID = r.ID
	}

	var out domain.Dispute
	var contract domain.Contract
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		d, err := e.Repo.GetDispute(ctx, tx, id)
		if err != nil {
			return notFound(err, "dispute", id)
		}
		if !d.Unresolved() {
			if d.Status == in.Outcome && d.Resolution.RefundCents == in.RefundCents {
				out = d
				return nil
			}
			return apperr.FailedPrecondition("dispute_resolved", "dispute is already "+d.Status)
		}
		row, err := e.loadContract(ctx, tx, d.ContractID)
		if err != nil {
			return err
		}
		c, deliv := row.Contract, row.Deliverable
		now := e.ts()
		d.Status = in.Outcome
		d.Resolution = domain.Resolution{
			RefundCents: in.RefundCents,
			RefundID:    refundID,
			Notes:       strings.TrimSpace(in.Notes),
			ResolvedBy:  actor.ID,
			ResolvedAt:  now,
		}
		d.UpdatedAt = now
		if err := e.Repo.UpdateDispute(ctx, tx, d); err != nil {
			return err
		}

		if in.RefundCents > 0 {
			if in.RefundCents > c.Payment.RefundedCents {
				c.Payment.RefundedCents = in.RefundCents
			}
			if in.Outcome == domain.DisputeResolvedRefund {
				c.Payment.Status = domain.PaymentRefunded
			} else if c.Payment.Status != domain.PaymentRefunded {
				c.Payment.Status = domain.PaymentPartialRefund
			}
		}
		if in.Outcome == domain.DisputeResolvedRefund {
			if err := e.dropSlot(ctx, tx, &c, actor.ID); err != nil {
				return err
			}
			c.Status = domain.ContractCancelled
			c.CancelReason = "dispute_refund"
			c.CancelledAt = timePtr(now)
		} else if c.Status == domain.ContractDisputed {
			if err := e.holdSlot(ctx, tx, &c, actor.ID); err != nil {
				return err
			}
			c.Status = domain.ContractActive
			c.CancelReason = ""
			if deliv.Status == domain.DeliverableRejected {
				// The relationship resumes; the rejected work goes back to review.
				deliv.Status = domain.DeliverableSubmitted
				deliv.Submission.SubmittedAt = now
				deliv.UpdatedAt = now
				if err := e.Repo.UpdateDeliverable(ctx, tx, deliv); err != nil {
					return err
				}
			}
		}
		c.UpdatedAt = now
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}
		out, contract = d, c
		return e.events().Append(ctx, tx, "dispute.resolved", "dispute", d.ID, actor.ID, events.EventPayload{
			"contract_id":     c.ID,
			"outcome":         in.Outcome,
			"refund_cents":    in.RefundCents,
			"contract_status": c.Status,
		})
	})
	if err != nil {
		return domain.Dispute{}, err
	}
	if contract.ID != "" {
		e.notify(ctx, notify.Notification{Kind: notify.KindDisputeResolved, Recipients: []string{contract.OwnerID, contract.WorkerID}, ContractID: contract.ID,
			Data: map[string]any{"dispute_id": out.ID, "outcome": out.Status, "refund_cents": out.Resolution.RefundCents}})
	}
	return out, nil
}
