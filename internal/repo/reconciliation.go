package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

// InsertReconciliationEvent records a processor event id. It returns false
// when the id was already logged, which callers treat as a duplicate delivery.
func (r Repo) InsertReconciliationEvent(ctx context.Context, tx *sql.Tx, ev domain.ReconciliationEvent) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT OR IGNORE INTO reconciliation_events(id,type,contract_id,received_at) VALUES (?,?,?,?)`,
		ev.ID, ev.Type, nullable(ev.ContractID), ev.ReceivedAt)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// FinishReconciliationEvent writes the processing outcome back to the log row.
func (r Repo) FinishReconciliationEvent(ctx context.Context, tx *sql.Tx, id, contractID, outcome, errMsg, processedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE reconciliation_events SET contract_id=COALESCE(?,contract_id), outcome=?, error=?, processed_at=? WHERE id=?`,
		nullable(contractID), nullable(outcome), nullable(errMsg), processedAt, id))
}

const reconciliationColumns = `id,type,COALESCE(contract_id,''),received_at,COALESCE(outcome,''),COALESCE(error,''),COALESCE(processed_at,'')`

func scanReconciliationEvent(row scanner) (domain.ReconciliationEvent, error) {
	var ev domain.ReconciliationEvent
	err := row.Scan(&ev.ID, &ev.Type, &ev.ContractID, &ev.ReceivedAt, &ev.Outcome, &ev.Error, &ev.ProcessedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	return ev, err
}

func (r Repo) GetReconciliationEvent(ctx context.Context, id string) (domain.ReconciliationEvent, error) {
	return scanReconciliationEvent(r.DB.QueryRowContext(ctx, `SELECT `+reconciliationColumns+` FROM reconciliation_events WHERE id=?`, id))
}

// ListReconciliationEvents returns the most recent events; failedOnly keeps rows with an error.
func (r Repo) ListReconciliationEvents(ctx context.Context, failedOnly bool, limit int) ([]domain.ReconciliationEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + reconciliationColumns + ` FROM reconciliation_events`
	if failedOnly {
		query += ` WHERE error IS NOT NULL`
	}
	query += ` ORDER BY received_at DESC, id LIMIT ?`
	rows, err := r.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReconciliationEvent
	for rows.Next() {
		ev, err := scanReconciliationEvent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}
