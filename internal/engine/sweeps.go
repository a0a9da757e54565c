package engine

import (
	"context"
	"database/sql"
	"log/slog"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/logging"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
)

// Per-item sweep outcomes.
const (
	SweepActivated = "activated"
	SweepCancelled = "cancelled"
	SweepApproved  = "approved"
	SweepRefunded  = "refunded"
	SweepDisputed  = "disputed"
	SweepSkipped   = "skipped"
)

// StaleUnpaidContracts lists pending_payment contracts older than the unpaid
// threshold.
func (e Engine) StaleUnpaidContracts(ctx context.Context, limit int) ([]domain.Contract, error) {
	cutoff := e.now().Add(-e.Config.Contracts.UnpaidCancelAfter.Duration).Format(timeLayout)
	return e.Repo.ListStaleUnpaid(ctx, cutoff, limit)
}

// ReviewExpiredDeliverables lists deliverables whose review window elapsed,
// plus approved ones still owed a payout.
func (e Engine) ReviewExpiredDeliverables(ctx context.Context, limit int) ([]domain.Deliverable, error) {
	return e.Repo.ListReviewExpired(ctx, e.reviewCutoff(), limit)
}

// OverdueDeliverables lists open deliverables past their due date.
func (e Engine) OverdueDeliverables(ctx context.Context, limit int) ([]domain.Deliverable, error) {
	return e.Repo.ListOverdue(ctx, e.ts(), limit)
}

func (e Engine) reviewCutoff() string {
	return e.now().Add(-e.Config.Contracts.ReviewWindow.Duration).Format(timeLayout)
}

// AutoCancelUnpaid checks one stale unpaid contract with the processor. A paid
// session activates the contract; anything else cancels it.
func (e Engine) AutoCancelUnpaid(ctx context.Context, contractID string) (string, error) {
	c, err := e.Repo.GetContract(ctx, nil, contractID)
	if err != nil {
		return "", notFound(err, "contract", contractID)
	}
	if c.Status != domain.ContractPendingPayment || c.Payment.Status != domain.PaymentUnpaid {
		return SweepSkipped, nil
	}
	if c.Payment.CheckoutSessionID != "" {
		p, err := e.processor()
		if err != nil {
			return "", err
		}
		s, err := p.RetrieveCheckoutSession(ctx, c.Payment.CheckoutSessionID)
		switch {
		case err == nil && s.Paid():
			res, err := e.ActivateContract(ctx, c.ID, PaymentConfirmation{SessionID: s.ID, ReferenceID: s.PaymentIntentID, Source: SourceSweep})
			if err != nil {
				return "", err
			}
			if res.Outcome == domain.ActivationActivated {
				return SweepActivated, nil
			}
			return SweepSkipped, nil
		case err != nil && !processor.IsNotFound(err):
			// Unknown payment state; never cancel on a processor outage.
			return "", apperr.Internal("checkout_unavailable", "retrieve checkout session", err)
		}
	}
	cancelled, err := e.cancelUnpaid(ctx, c.ID, "payment_timeout")
	if err != nil {
		return "", err
	}
	if !cancelled {
		return SweepSkipped, nil
	}
	return SweepCancelled, nil
}

// AutoApprove approves one deliverable as the system once the review window
// has elapsed, then pays it out like a human approval would.
func (e Engine) AutoApprove(ctx context.Context, deliverableID string) (string, error) {
	_, err := e.approve(ctx, auth.System(), deliverableID, autoApproveNote, e.reviewCutoff())
	if err != nil {
		if apperr.HasReason(err, apperr.CodeFailedPrecondition, "deliverable_not_submitted") ||
			apperr.HasReason(err, apperr.CodeFailedPrecondition, "review_window_open") ||
			apperr.HasReason(err, apperr.CodeFailedPrecondition, "contract_not_active") ||
			apperr.HasReason(err, apperr.CodeFailedPrecondition, "payout_in_progress") {
			return SweepSkipped, nil
		}
		return "", err
	}
	return SweepApproved, nil
}

func expiryRefundKey(contractID string) string {
	return "expiry-refund:" + contractID
}

// ExpireOverdue expires one overdue deliverable and refunds whatever the owner
// has not been refunded yet. The contract carries the refund key while the
// processor call is in flight so disputes cannot start a second refund. When
// no refund can be issued the contract is parked in disputed.
func (e Engine) ExpireOverdue(ctx context.Context, deliverableID string) (string, error) {
	logger := e.log().With(slog.String(logging.FieldContractID, deliverableID))
	key := expiryRefundKey(deliverableID)
	var (
		outcome   string
		reference string
		amount    int64
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		outcome = ""
		row, err := e.loadContract(ctx, tx, deliverableID)
		if err != nil {
			return err
		}
		c, d := row.Contract, row.Deliverable
		if !overdueCandidate(c, d, e.ts()) {
			outcome = SweepSkipped
			return nil
		}
		now := e.ts()
		if d.Status != domain.DeliverableExpired {
			d.Status = domain.DeliverableExpired
			d.UpdatedAt = now
			if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
				return err
			}
			if err := e.events().Append(ctx, tx, "deliverable.expired", "deliverable", d.ID, auth.SystemActorID, events.EventPayload{"due_at": d.DueAt}); err != nil {
				return err
			}
		}
		if c.Payment.ReferenceID == "" {
			outcome = SweepDisputed
			return e.parkDisputed(ctx, tx, c, "refund_unavailable")
		}
		reference = c.Payment.ReferenceID
		amount = c.Pricing.TotalPriceCents - c.Payment.RefundedCents
		if c.Payment.RefundPending != key {
			c.Payment.RefundPending = key
			c.UpdatedAt = now
			if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome != "" {
		return outcome, nil
	}

	p, err := e.processor()
	if err == nil {
		_, err = p.CreateRefund(ctx, processor.RefundParams{
			PaymentIntentID: reference,
			AmountCents:     amount,
			Reason:          "deliverable_expired",
			IdempotencyKey:  key,
		})
	}
	if err != nil {
		logger.Warn("expiry refund failed; contract moved to disputed", logging.Error(err))
		err = e.inTx(ctx, func(tx *sql.Tx) error {
			c, err := e.Repo.GetContract(ctx, tx, deliverableID)
			if err != nil {
				return err
			}
			if c.Payment.RefundPending != key {
				return nil
			}
			c.Payment.RefundPending = ""
			if c.Status != domain.ContractActive {
				c.UpdatedAt = e.ts()
				return e.Repo.UpdateContract(ctx, tx, c)
			}
			return e.parkDisputed(ctx, tx, c, "refund_failed")
		})
		if err != nil {
			return "", err
		}
		return SweepDisputed, nil
	}

	var cancelled domain.Contract
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		cancelled = domain.Contract{}
		c, err := e.Repo.GetContract(ctx, tx, deliverableID)
		if err != nil {
			return err
		}
		// The marker is cleared by whichever run records the refund first.
		if c.Payment.RefundPending != key {
			return nil
		}
		now := e.ts()
		c.Payment.RefundPending = ""
		c.Payment.Status = domain.PaymentRefunded
		c.Payment.RefundedCents = c.Pricing.TotalPriceCents
		if err := e.dropSlot(ctx, tx, &c, auth.SystemActorID); err != nil {
			return err
		}
		if c.Status == domain.ContractActive || c.Status == domain.ContractDisputed {
			c.Status = domain.ContractCancelled
			c.CancelReason = "deliverable_expired"
			c.CancelledAt = timePtr(now)
		}
		c.UpdatedAt = now
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}
		cancelled = c
		return e.events().Append(ctx, tx, "contract.cancelled", "contract", c.ID, auth.SystemActorID, events.EventPayload{
			"reason":         "deliverable_expired",
			"refunded_cents": c.Payment.RefundedCents,
			"refunded_now":   amount,
		})
	})
	if err != nil {
		return "", err
	}
	if cancelled.ID == "" {
		return SweepSkipped, nil
	}
	e.notify(ctx, notify.Notification{Kind: notify.KindContractCancelled, Recipients: []string{cancelled.OwnerID, cancelled.WorkerID}, ContractID: cancelled.ID,
		Data: map[string]any{"reason": "deliverable_expired"}})
	return SweepRefunded, nil
}

func overdueCandidate(c domain.Contract, d domain.Deliverable, now string) bool {
	if c.Status != domain.ContractActive || !c.Captured() {
		return false
	}
	if c.Payout.TransferStatus != domain.TransferNone && c.Payout.TransferStatus != domain.TransferFailed {
		return false
	}
	switch d.Status {
	case domain.DeliverablePending, domain.DeliverableRevisionRequested, domain.DeliverableExpired:
	default:
		return false
	}
	return d.DueAt != "" && d.DueAt <= now
}

// parkDisputed hands a contract to manual handling.
func (e Engine) parkDisputed(ctx context.Context, tx *sql.Tx, c domain.Contract, reason string) error {
	c.Status = domain.ContractDisputed
	c.CancelReason = reason
	c.UpdatedAt = e.ts()
	if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
		return err
	}
	return e.events().Append(ctx, tx, "contract.disputed", "contract", c.ID, auth.SystemActorID, events.EventPayload{"reason": reason})
}
