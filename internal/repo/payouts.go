package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

// InsertPayoutRecord stores the transfer for a contract. A second insert for
// the same contract is ignored; the reported bool is false in that case.
func (r Repo) InsertPayoutRecord(ctx context.Context, tx *sql.Tx, p domain.PayoutRecord) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO payout_records(id,transfer_id,amount_cents,destination_account,status,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`, p.ID, p.TransferID, p.AmountCents, p.DestinationAccount, p.Status, p.CreatedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r Repo) GetPayoutRecord(ctx context.Context, tx *sql.Tx, contractID string) (domain.PayoutRecord, error) {
	var p domain.PayoutRecord
	err := r.q(tx).QueryRowContext(ctx, `SELECT id,transfer_id,amount_cents,destination_account,status,created_at FROM payout_records WHERE id=?`, contractID).
		Scan(&p.ID, &p.TransferID, &p.AmountCents, &p.DestinationAccount, &p.Status, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) CountPayoutRecords(ctx context.Context, contractID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM payout_records WHERE id=?`, contractID).Scan(&n)
	return n, err
}
