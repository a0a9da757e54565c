package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

const contractColumns = `id,campaign_id,owner_id,worker_id,status,total_price_cents,platform_fee_cents,worker_payout_total_cents,
checkout_session_id,checkout_url,payment_reference_id,payment_status,refunded_cents,transfer_status,transfer_id,slot_reserved,
document_path,thread_id,cancel_reason,created_at,updated_at,activated_at,completed_at,cancelled_at,refund_pending`

func scanContract(row scanner) (domain.Contract, error) {
	var c domain.Contract
	var (
		sessionID, checkoutURL, referenceID, transferID sql.NullString
		documentPath, threadID, cancelReason, refundKey sql.NullString
		activatedAt, completedAt, cancelledAt           sql.NullString
		slotReserved                                    int
	)
	err := row.Scan(&c.ID, &c.CampaignID, &c.OwnerID, &c.WorkerID, &c.Status,
		&c.Pricing.TotalPriceCents, &c.Pricing.PlatformFeeCents, &c.Pricing.WorkerPayoutTotalCents,
		&sessionID, &checkoutURL, &referenceID, &c.Payment.Status, &c.Payment.RefundedCents,
		&c.Payout.TransferStatus, &transferID, &slotReserved,
		&documentPath, &threadID, &cancelReason, &c.CreatedAt, &c.UpdatedAt, &activatedAt, &completedAt, &cancelledAt, &refundKey)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Payment.CheckoutSessionID = sessionID.String
	c.Payment.CheckoutURL = checkoutURL.String
	c.Payment.ReferenceID = referenceID.String
	c.Payout.TransferID = transferID.String
	c.SlotReserved = slotReserved == 1
	c.DocumentPath = documentPath.String
	c.ThreadID = threadID.String
	c.CancelReason = cancelReason.String
	c.Payment.RefundPending = refundKey.String
	c.ActivatedAt = optionalString(activatedAt)
	c.CompletedAt = optionalString(completedAt)
	c.CancelledAt = optionalString(cancelledAt)
	return c, nil
}

func (r Repo) InsertContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO contracts(`+contractColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.CampaignID, c.OwnerID, c.WorkerID, c.Status,
		c.Pricing.TotalPriceCents, c.Pricing.PlatformFeeCents, c.Pricing.WorkerPayoutTotalCents,
		nullable(c.Payment.CheckoutSessionID), nullable(c.Payment.CheckoutURL), nullable(c.Payment.ReferenceID),
		c.Payment.Status, c.Payment.RefundedCents, c.Payout.TransferStatus, nullable(c.Payout.TransferID), boolInt(c.SlotReserved),
		nullable(c.DocumentPath), nullable(c.ThreadID), nullable(c.CancelReason), c.CreatedAt, c.UpdatedAt,
		nullableStringPtr(c.ActivatedAt), nullableStringPtr(c.CompletedAt), nullableStringPtr(c.CancelledAt), nullable(c.Payment.RefundPending))
	return err
}

func (r Repo) GetContract(ctx context.Context, tx *sql.Tx, id string) (domain.Contract, error) {
	return scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE id=?`, id))
}

// GetContractByReference looks a contract up by its processor payment reference.
func (r Repo) GetContractByReference(ctx context.Context, tx *sql.Tx, referenceID string) (domain.Contract, error) {
	if referenceID == "" {
		return domain.Contract{}, ErrNotFound
	}
	return scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE payment_reference_id=? LIMIT 1`, referenceID))
}

// GetContractBySession looks a contract up by its checkout session id.
func (r Repo) GetContractBySession(ctx context.Context, tx *sql.Tx, sessionID string) (domain.Contract, error) {
	if sessionID == "" {
		return domain.Contract{}, ErrNotFound
	}
	return scanContract(r.q(tx).QueryRowContext(ctx, `SELECT `+contractColumns+` FROM contracts WHERE checkout_session_id=? LIMIT 1`, sessionID))
}

// UpdateContract writes every mutable column of c. The checkout session and
// document path are only set through their conditional setters.
func (r Repo) UpdateContract(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE contracts SET status=?,payment_reference_id=?,payment_status=?,refunded_cents=?,
transfer_status=?,transfer_id=?,slot_reserved=?,thread_id=?,cancel_reason=?,updated_at=?,activated_at=?,completed_at=?,cancelled_at=?,refund_pending=? WHERE id=?`,
		c.Status, nullable(c.Payment.ReferenceID), c.Payment.Status, c.Payment.RefundedCents,
		c.Payout.TransferStatus, nullable(c.Payout.TransferID), boolInt(c.SlotReserved), nullable(c.ThreadID), nullable(c.CancelReason),
		c.UpdatedAt, nullableStringPtr(c.ActivatedAt), nullableStringPtr(c.CompletedAt), nullableStringPtr(c.CancelledAt),
		nullable(c.Payment.RefundPending), c.ID))
}

// SetCheckoutSession stores the session only if none is stored yet and
// reports whether this call won.
func (r Repo) SetCheckoutSession(ctx context.Context, tx *sql.Tx, id, sessionID, url, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contracts SET checkout_session_id=?, checkout_url=?, updated_at=? WHERE id=? AND checkout_session_id IS NULL`,
		sessionID, nullable(url), updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// SetDocumentPath stores the rendered document path if none is stored yet.
func (r Repo) SetDocumentPath(ctx context.Context, tx *sql.Tx, id, path, updatedAt string) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE contracts SET document_path=?, updated_at=? WHERE id=? AND document_path IS NULL`, path, updatedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

type ContractFilters struct {
	Status     string
	CampaignID string
	OwnerID    string
	WorkerID   string
	Limit      int
}

func (r Repo) ListContracts(ctx context.Context, f ContractFilters) ([]domain.Contract, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CampaignID != "" {
		clauses = append(clauses, "campaign_id=?")
		args = append(args, f.CampaignID)
	}
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.WorkerID != "" {
		clauses = append(clauses, "worker_id=?")
		args = append(args, f.WorkerID)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM contracts WHERE %s ORDER BY created_at DESC, id LIMIT ?`, contractColumns, strings.Join(clauses, " AND "))
	return r.queryContracts(ctx, query, args...)
}

// ListStaleUnpaid returns pending_payment contracts created at or before cutoff, oldest first.
func (r Repo) ListStaleUnpaid(ctx context.Context, cutoff string, limit int) ([]domain.Contract, error) {
	return r.queryContracts(ctx, `SELECT `+contractColumns+` FROM contracts
WHERE status='pending_payment' AND payment_status='unpaid' AND created_at<=? ORDER BY created_at, id LIMIT ?`, cutoff, limit)
}

func (r Repo) queryContracts(ctx context.Context, query string, args ...any) ([]domain.Contract, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// CountSlotHolders counts contracts of a campaign that currently hold a slot.
func (r Repo) CountSlotHolders(ctx context.Context, tx *sql.Tx, campaignID string) (int, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM contracts WHERE campaign_id=? AND slot_reserved=1`, campaignID).Scan(&n)
	return n, err
}
