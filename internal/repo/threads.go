package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

// UpsertMessageThread creates the contract's thread reference once and
// returns the stored id.
func (r Repo) UpsertMessageThread(ctx context.Context, tx *sql.Tx, t domain.MessageThread) (string, error) {
	q := r.q(tx)
	if _, err := q.ExecContext(ctx, `INSERT INTO message_threads(id,contract_id,owner_id,worker_id,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(contract_id) DO NOTHING`, t.ID, t.ContractID, t.OwnerID, t.WorkerID, t.CreatedAt); err != nil {
		return "", err
	}
	var id string
	err := q.QueryRowContext(ctx, `SELECT id FROM message_threads WHERE contract_id=?`, t.ContractID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return id, err
}
