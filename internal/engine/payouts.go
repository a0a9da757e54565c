package engine

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

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

// payoutStaleAfter is how long a pending transfer blocks another attempt.
const payoutStaleAfter = 10 * time.Minute

type PayoutResult struct {
	ContractID  string `json:"contract_id"`
	TransferID  string `json:"transfer_id"`
	AmountCents int64  `json:"amount_cents"`
	AlreadySent bool   `json:"already_sent"`
}

func payoutKey(contractID string) string {
	return "payout:" + contractID
}

// PayoutForContract transfers the worker's share for an approved deliverable
// and completes the contract. The transfer is sent at most once: callers
// racing on the same contract get the stored result or payout_in_progress.
func (e Engine) PayoutForContract(ctx context.Context, contractID string) (PayoutResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "engine.PayoutForContract")
	defer span.End()
	span.SetAttributes(attribute.String("contract.id", contractID))

	var (
		stored      *PayoutResult
		amount      int64
		destination string
	)
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		stored = nil
		row, err := e.loadContract(ctx, tx, contractID)
		if err != nil {
			return err
		}
		c, d := row.Contract, row.Deliverable
		if c.Payout.TransferStatus == domain.TransferSent && c.Payout.TransferID != "" {
			res, err := e.storedPayout(ctx, tx, c)
			if err != nil {
				return err
			}
			stored = &res
			return nil
		}
		if !c.Captured() {
			return apperr.FailedPrecondition("payment_not_captured", "payment is "+c.Payment.Status)
		}
		if c.Status != domain.ContractActive && c.Status != domain.ContractCompleted {
			return apperr.FailedPrecondition("contract_not_payable", "contract is "+c.Status)
		}
		if d.Status != domain.DeliverableApproved {
			return apperr.FailedPrecondition("deliverable_not_approved", "deliverable is "+d.Status)
		}
		if c.Payout.TransferStatus == domain.TransferPending && e.now().Sub(parseTS(c.UpdatedAt)) < payoutStaleAfter {
			return apperr.FailedPrecondition("payout_in_progress", "a transfer for this contract is in flight")
		}
		worker, err := e.Repo.GetWorkerAccount(ctx, tx, c.WorkerID)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		if err != nil || !worker.PayoutsEnabled || worker.PayoutAccountID == "" {
			return apperr.FailedPrecondition("worker_payouts_disabled", "worker cannot receive payouts")
		}
		amount = payoutAmount(c)
		destination = worker.PayoutAccountID
		c.Payout.TransferStatus = domain.TransferPending
		c.UpdatedAt = e.ts()
		return e.Repo.UpdateContract(ctx, tx, c)
	})
	if err != nil {
		return PayoutResult{}, err
	}
	if stored != nil {
		return *stored, nil
	}

	logger := e.log().With(slog.String(logging.FieldContractID, contractID))
	transferID := "zero_" + contractID
	if amount > 0 {
		p, err := e.processor()
		if err == nil {
			var tr processor.Transfer
			tr, err = p.CreateTransfer(ctx, processor.TransferParams{
				DestinationAccount: destination,
				AmountCents:        amount,
				Currency:           e.Config.Platform.Currency,
				TransferGroup:      contractID,
				IdempotencyKey:     payoutKey(contractID),
			})
			transferID = tr.ID
		}
		if err != nil {
			span.RecordError(err)
			logger.Error("payout transfer failed", logging.Error(err))
			e.markPayoutFailed(ctx, contractID)
			return PayoutResult{}, apperr.Internal("payout_failed", "transfer to worker failed", err)
		}
	}

	var res PayoutResult
	var completed domain.Contract
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		completed = domain.Contract{}
		c, err := e.Repo.GetContract(ctx, tx, contractID)
		if err != nil {
			return notFound(err, "contract", contractID)
		}
		if c.Payout.TransferStatus == domain.TransferSent && c.Payout.TransferID != "" {
			res, err = e.storedPayout(ctx, tx, c)
			return err
		}
		now := e.ts()
		if _, err := e.Repo.InsertPayoutRecord(ctx, tx, domain.PayoutRecord{
			ID:                 contractID,
			TransferID:         transferID,
			AmountCents:        amount,
			DestinationAccount: destination,
			Status:             domain.TransferSent,
			CreatedAt:          now,
		}); err != nil {
			return err
		}
		c.Payout = domain.ContractPayout{TransferStatus: domain.TransferSent, TransferID: transferID}
		c.Status = domain.ContractCompleted
		c.CompletedAt = timePtr(now)
		c.UpdatedAt = now
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}
		res = PayoutResult{ContractID: contractID, TransferID: transferID, AmountCents: amount}
		completed = c
		return e.events().Append(ctx, tx, "payout.sent", "contract", contractID, auth.SystemActorID, events.EventPayload{
			"transfer_id":  transferID,
			"amount_cents": amount,
		})
	})
	if err != nil {
		// The transfer went out; the next attempt reuses the same key and records it.
		return PayoutResult{}, err
	}
	if completed.ID != "" {
		logger.Info("payout sent", slog.String("transfer_id", transferID), slog.Int64("amount_cents", amount))
		e.notify(ctx, notify.Notification{Kind: notify.KindContractCompleted, Recipients: []string{completed.OwnerID, completed.WorkerID}, ContractID: contractID,
			Data: map[string]any{"transfer_id": transferID, "amount_cents": amount}})
	}
	return res, nil
}

func (e Engine) storedPayout(ctx context.Context, tx *sql.Tx, c domain.Contract) (PayoutResult, error) {
	res := PayoutResult{ContractID: c.ID, TransferID: c.Payout.TransferID, AlreadySent: true}
	rec, err := e.Repo.GetPayoutRecord(ctx, tx, c.ID)
	switch {
	case err == nil:
		res.AmountCents = rec.AmountCents
	case errors.Is(err, repo.ErrNotFound):
		res.AmountCents = payoutAmount(c)
	default:
		return PayoutResult{}, err
	}
	return res, nil
}

func (e Engine) markPayoutFailed(ctx context.Context, contractID string) {
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		c, err := e.Repo.GetContract(ctx, tx, contractID)
		if err != nil {
			return err
		}
		if c.Payout.TransferStatus != domain.TransferPending {
			return nil
		}
		c.Payout.TransferStatus = domain.TransferFailed
		c.UpdatedAt = e.ts()
		if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "payout.failed", "contract", contractID, auth.SystemActorID, nil)
	})
	if err != nil {
		e.log().Error("payout failure not recorded", slog.String(logging.FieldContractID, contractID), logging.Error(err))
	}
}

// GetPayout returns the stored payout record for a contract.
func (e Engine) GetPayout(ctx context.Context, contractID string) (domain.PayoutRecord, error) {
	rec, err := e.Repo.GetPayoutRecord(ctx, nil, contractID)
	if err != nil {
		return domain.PayoutRecord{}, notFound(err, "payout", contractID)
	}
	return rec, nil
}
