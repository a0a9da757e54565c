package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"escrowline/internal/domain"
)

const disputeColumns = `id,contract_id,opened_by,reason_code,COALESCE(description,''),evidence_json,status,refund_cents,refund_id,resolution_notes,resolved_by,resolved_at,created_at,updated_at`

func scanDispute(row scanner) (domain.Dispute, error) {
	var d domain.Dispute
	var evidence, refundID, notes, resolvedBy, resolvedAt sql.NullString
	err := row.Scan(&d.ID, &d.ContractID, &d.OpenedBy, &d.ReasonCode, &d.Description, &evidence, &d.Status,
		&d.Resolution.RefundCents, &refundID, &notes, &resolvedBy, &resolvedAt, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &d.Evidence); err != nil {
			return d, fmt.Errorf("decode dispute evidence for %s: %w", d.ID, err)
		}
	}
	d.Resolution.RefundID = refundID.String
	d.Resolution.Notes = notes.String
	d.Resolution.ResolvedBy = resolvedBy.String
	d.Resolution.ResolvedAt = resolvedAt.String
	return d, nil
}

func (r Repo) InsertDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	evidence, err := marshalOptional(d.Evidence, len(d.Evidence) == 0)
	if err != nil {
		return err
	}
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO disputes(id,contract_id,opened_by,reason_code,description,evidence_json,status,refund_cents,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.ContractID, d.OpenedBy, d.ReasonCode, nullable(d.Description), evidence, d.Status, d.Resolution.RefundCents, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDispute(ctx context.Context, tx *sql.Tx, id string) (domain.Dispute, error) {
	return scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE id=?`, id))
}

// GetUnresolvedDispute returns the open or under_review dispute of a contract.
func (r Repo) GetUnresolvedDispute(ctx context.Context, tx *sql.Tx, contractID string) (domain.Dispute, error) {
	return scanDispute(r.q(tx).QueryRowContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE contract_id=? AND status IN ('open','under_review') LIMIT 1`, contractID))
}

func (r Repo) UpdateDispute(ctx context.Context, tx *sql.Tx, d domain.Dispute) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE disputes SET status=?,refund_cents=?,refund_id=?,resolution_notes=?,resolved_by=?,resolved_at=?,updated_at=? WHERE id=?`,
		d.Status, d.Resolution.RefundCents, nullable(d.Resolution.RefundID), nullable(d.Resolution.Notes), nullable(d.Resolution.ResolvedBy),
		nullable(d.Resolution.ResolvedAt), d.UpdatedAt, d.ID))
}

func (r Repo) ListDisputes(ctx context.Context, contractID string) ([]domain.Dispute, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+disputeColumns+` FROM disputes WHERE contract_id=? ORDER BY created_at, id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Dispute
	for rows.Next() {
		d, err := scanDispute(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
