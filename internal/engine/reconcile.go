package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/logging"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
	"escrowline/internal/repo"
	"escrowline/internal/telemetry"
)

// Activation sources.
const (
	SourceWebhook = "webhook"
	SourceSweep   = "sweep"
	SourceManual  = "manual"
)

// Reconciliation outcomes recorded on the event log besides the activation ones.
const (
	OutcomeCancelled      = "cancelled"
	OutcomeRefundRecorded = "refund_recorded"
	OutcomeIgnored        = "ignored"
	OutcomeIgnoredUnpaid  = "ignored_unpaid"
	OutcomeFailed         = "failed"
)

// PaymentConfirmation is what a trigger knows about a captured payment.
type PaymentConfirmation struct {
	SessionID   string
	ReferenceID string
	Source      string
}

type ActivationResult struct {
	ContractID string `json:"contract_id"`
	Outcome    string `json:"outcome"`
	Status     string `json:"status"`
}

// ActivateContract is the single writer of pending_payment -> active. It is
// safe to call from any number of triggers: a paid contract is left alone and
// a refunded one is never brought back.
func (e Engine) ActivateContract(ctx context.Context, contractID string, conf PaymentConfirmation) (ActivationResult, error) {
	if conf.Source == "" {
		conf.Source = SourceManual
	}
	res := ActivationResult{ContractID: contractID}
	var activated domain.Contract
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		activated = domain.Contract{}
		row, err := e.loadContract(ctx, tx, contractID)
		if err != nil {
			return err
		}
		c, d := row.Contract, row.Deliverable
		res.Status = c.Status
		switch c.Payment.Status {
		case domain.PaymentRefunded, domain.PaymentPartialRefund:
			res.Outcome = domain.ActivationIgnoredRefunded
			return nil
		case domain.PaymentPaid:
			res.Outcome = domain.ActivationAlreadyPaid
			return nil
		}
		if conf.SessionID != "" && c.Payment.CheckoutSessionID != "" && conf.SessionID != c.Payment.CheckoutSessionID {
			return apperr.FailedPrecondition("session_mismatch", fmt.Sprintf("session %s does not belong to contract %s", conf.SessionID, contractID))
		}
		campaign, err := e.Repo.GetCampaign(ctx, tx, c.CampaignID)
		if err != nil {
			return notFound(err, "campaign", c.CampaignID)
		}

		now := e.now()
		stamp := now.Format(timeLayout)
		wasCancelled := c.Status == domain.ContractCancelled
		c.Status = domain.ContractActive
		c.Payment.Status = domain.PaymentPaid
		if conf.ReferenceID != "" {
			c.Payment.ReferenceID = conf.ReferenceID
		}
		c.ActivatedAt = timePtr(stamp)
		c.CancelReason = ""
		c.CancelledAt = nil
		c.UpdatedAt = stamp
		if err := e.holdSlot(ctx, tx, &c, auth.SystemActorID); err != nil {
			if !apperr.HasReason(err, apperr.CodeFailedPrecondition, "campaign_full") {
				return err
			}
			// Paid but the slot went to someone else meanwhile.
			c.Status = domain.ContractDisputed
			c.CancelReason = "capacity_conflict"
		}
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}

		dueDays := campaign.DeliverableSpec.DueDaysAfterActivation
		if dueDays <= 0 {
			dueDays = e.Config.Contracts.DefaultDueDays
		}
		d.DueAt = now.AddDate(0, 0, dueDays).Format(timeLayout)
		if d.Status == domain.DeliverableExpired {
			d.Status = domain.DeliverablePending
		}
		d.UpdatedAt = stamp
		if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
			return err
		}
		if err := e.events().Append(ctx, tx, "contract.activated", "contract", c.ID, auth.SystemActorID, events.EventPayload{
			"source":        conf.Source,
			"reference_id":  c.Payment.ReferenceID,
			"was_cancelled": wasCancelled,
			"status":        c.Status,
		}); err != nil {
			return err
		}
		res.Outcome = domain.ActivationActivated
		res.Status = c.Status
		activated = c
		return nil
	})
	if err != nil {
		return ActivationResult{}, err
	}
	if activated.ID != "" {
		e.log().Info("contract activated",
			slog.String(logging.FieldContractID, activated.ID),
			slog.String("source", conf.Source),
			slog.String("status", activated.Status))
		e.notify(ctx, notify.Notification{
			Kind:       notify.KindContractActivated,
			Recipients: []string{activated.OwnerID, activated.WorkerID},
			ContractID: activated.ID,
			Data:       map[string]any{"status": activated.Status, "activated_at": *activated.ActivatedAt},
		})
	}
	return res, nil
}

// WebhookResult is returned to the processor once the event is logged.
type WebhookResult struct {
	EventID string `json:"event_id"`
	Deduped bool   `json:"deduped"`
	Outcome string `json:"outcome,omitempty"`
}

// ReceiveProcessorEvent verifies, logs and dispatches one signed processor
// event. Only signature and envelope problems are returned as errors; once the
// event is logged, domain failures are recorded on the log row instead so the
// processor stops redelivering.
func (e Engine) ReceiveProcessorEvent(ctx context.Context, body []byte, signature, secret string) (WebhookResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.ReceiveProcessorEvent")
	defer span.End()

	if err := processor.VerifySignature(secret, signature, body, e.Config.Webhooks.Tolerance.Duration, e.now()); err != nil {
		span.SetStatus(codes.Error, "invalid signature")
		return WebhookResult{}, apperr.Wrap(apperr.CodeInvalidArgument, "invalid_signature", "webhook signature rejected", err)
	}
	ev, err := processor.ParseEvent(body)
	if err != nil {
		return WebhookResult{}, apperr.Wrap(apperr.CodeInvalidArgument, "invalid_event", "webhook body rejected", err)
	}
	span.SetAttributes(attribute.String("event.id", ev.ID), attribute.String("event.type", ev.Type))
	logger := e.log().With(slog.String(logging.FieldEventID, ev.ID), slog.String("type", ev.Type))

	inserted, err := e.Repo.InsertReconciliationEvent(ctx, nil, domain.ReconciliationEvent{ID: ev.ID, Type: ev.Type, ReceivedAt: e.ts()})
	if err != nil {
		return WebhookResult{}, fmt.Errorf("log processor event: %w", err)
	}
	if !inserted {
		logger.Info("processor event deduped")
		return WebhookResult{EventID: ev.ID, Deduped: true}, nil
	}

	contractID, outcome, derr := e.dispatchEvent(ctx, ev)
	errMsg := ""
	if derr != nil {
		outcome = OutcomeFailed
		errMsg = derr.Error()
		span.RecordError(derr)
		logger.Error("processor event failed", slog.String(logging.FieldContractID, contractID), logging.Error(derr))
	} else {
		logger.Info("processor event handled", slog.String(logging.FieldContractID, contractID), slog.String("outcome", outcome))
	}
	if err := e.Repo.FinishReconciliationEvent(ctx, nil, ev.ID, contractID, outcome, errMsg, e.ts()); err != nil {
		logger.Error("processor event outcome not stored", logging.Error(err))
	}
	return WebhookResult{EventID: ev.ID, Outcome: outcome}, nil
}

func (e Engine) dispatchEvent(ctx context.Context, ev processor.Event) (string, string, error) {
	switch ev.Type {
	case processor.EventCheckoutCompleted:
		s, err := ev.Session()
		if err != nil {
			return "", "", err
		}
		c, err := e.contractForSession(ctx, s)
		if err != nil {
			return "", "", err
		}
		if s.PaymentStatus != processor.PaymentStatusPaid {
			return c.ID, OutcomeIgnoredUnpaid, nil
		}
		res, err := e.ActivateContract(ctx, c.ID, PaymentConfirmation{SessionID: s.ID, ReferenceID: s.PaymentIntent, Source: SourceWebhook})
		return c.ID, res.Outcome, err
	case processor.EventCheckoutExpired:
		s, err := ev.Session()
		if err != nil {
			return "", "", err
		}
		c, err := e.contractForSession(ctx, s)
		if err != nil {
			return "", "", err
		}
		cancelled, err := e.cancelUnpaid(ctx, c.ID, "checkout_expired")
		if err != nil {
			return c.ID, "", err
		}
		if !cancelled {
			return c.ID, OutcomeIgnored, nil
		}
		return c.ID, OutcomeCancelled, nil
	case processor.EventChargeRefunded:
		ch, err := ev.Charge()
		if err != nil {
			return "", "", err
		}
		return e.recordChargeRefund(ctx, ch)
	default:
		return "", OutcomeIgnored, nil
	}
}

func (e Engine) contractForSession(ctx context.Context, s processor.SessionObject) (domain.Contract, error) {
	if id := s.ContractID(); id != "" {
		c, err := e.Repo.GetContract(ctx, nil, id)
		if err == nil {
			return c, nil
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return domain.Contract{}, err
		}
	}
	c, err := e.Repo.GetContractBySession(ctx, nil, s.ID)
	if err != nil {
		return domain.Contract{}, notFound(err, "contract", "for session "+s.ID)
	}
	return c, nil
}

// cancelUnpaid cancels the contract when it is still unpaid and reports
// whether it did.
func (e Engine) cancelUnpaid(ctx context.Context, id, reason string) (bool, error) {
	var out domain.Contract
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = e.cancelUnpaidTx(ctx, tx, id, reason, auth.SystemActorID)
		return err
	})
	if err != nil || out.Status != domain.ContractCancelled || out.CancelReason != reason {
		return false, err
	}
	e.notify(ctx, notify.Notification{Kind: notify.KindContractCancelled, Recipients: []string{out.OwnerID, out.WorkerID}, ContractID: out.ID,
		Data: map[string]any{"reason": reason}})
	return true, nil
}

// recordChargeRefund applies a refund reported by the processor. Payment
// status only moves forward.
func (e Engine) recordChargeRefund(ctx context.Context, ch processor.ChargeObject) (string, string, error) {
	var contractID string
	outcome := OutcomeIgnored
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		var c domain.Contract
		var err error
		if id := ch.Metadata["contract_id"]; id != "" {
			c, err = e.Repo.GetContract(ctx, tx, id)
		}
		if c.ID == "" && ch.PaymentIntent != "" {
			c, err = e.Repo.GetContractByReference(ctx, tx, ch.PaymentIntent)
		}
		if c.ID == "" {
			if err == nil {
				err = repo.ErrNotFound
			}
			return notFound(err, "contract", "for charge "+ch.ID)
		}
		contractID = c.ID
		if c.Payment.Status == domain.PaymentUnpaid || c.Payment.Status == domain.PaymentRefunded || c.Payment.Status == domain.PaymentFailed {
			return nil
		}
		status := domain.PaymentPartialRefund
		if ch.AmountRefunded >= ch.Amount {
			status = domain.PaymentRefunded
		}
		if c.Payment.Status == status && c.Payment.RefundedCents >= ch.AmountRefunded {
			return nil
		}
		c.Payment.Status = status
		if ch.AmountRefunded > c.Payment.RefundedCents {
			c.Payment.RefundedCents = ch.AmountRefunded
		}
		c.UpdatedAt = e.ts()
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}
		outcome = OutcomeRefundRecorded
		return e.events().Append(ctx, tx, "contract.refund_recorded", "contract", c.ID, auth.SystemActorID, events.EventPayload{
			"payment_status": status,
			"refunded_cents": c.Payment.RefundedCents,
		})
	})
	return contractID, outcome, err
}

// ListReconciliationEvents returns the most recent processor events.
func (e Engine) ListReconciliationEvents(ctx context.Context, failedOnly bool, limit int) ([]domain.ReconciliationEvent, error) {
	return e.Repo.ListReconciliationEvents(ctx, failedOnly, limit)
}
