package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

func (r Repo) UpsertWorkerAccount(ctx context.Context, tx *sql.Tx, w domain.WorkerAccount) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO worker_accounts(worker_id,verified,payout_account_id,payouts_enabled,updated_at) VALUES (?,?,?,?,?)
ON CONFLICT(worker_id) DO UPDATE SET verified=excluded.verified, payout_account_id=excluded.payout_account_id,
payouts_enabled=excluded.payouts_enabled, updated_at=excluded.updated_at`,
		w.WorkerID, boolInt(w.Verified), nullable(w.PayoutAccountID), boolInt(w.PayoutsEnabled), w.UpdatedAt)
	return err
}

func (r Repo) GetWorkerAccount(ctx context.Context, tx *sql.Tx, workerID string) (domain.WorkerAccount, error) {
	var w domain.WorkerAccount
	var verified, enabled int
	var account sql.NullString
	err := r.q(tx).QueryRowContext(ctx, `SELECT worker_id,verified,payout_account_id,payouts_enabled,updated_at FROM worker_accounts WHERE worker_id=?`, workerID).
		Scan(&w.WorkerID, &verified, &account, &enabled, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, err
	}
	w.Verified = verified == 1
	w.PayoutsEnabled = enabled == 1
	w.PayoutAccountID = account.String
	return w, nil
}
