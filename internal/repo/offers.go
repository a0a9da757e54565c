package repo

import (
	"context"
	"database/sql"

	"escrowline/internal/domain"
)

const offerColumns = `id,campaign_id,worker_id,owner_id,price_cents,COALESCE(message,''),status,created_at,updated_at`

func scanOffer(row scanner) (domain.Offer, error) {
	var o domain.Offer
	err := row.Scan(&o.ID, &o.CampaignID, &o.WorkerID, &o.OwnerID, &o.PriceCents, &o.Message, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	return o, err
}

func (r Repo) InsertOffer(ctx context.Context, tx *sql.Tx, o domain.Offer) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO offers(id,campaign_id,worker_id,owner_id,price_cents,message,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, o.CampaignID, o.WorkerID, o.OwnerID, o.PriceCents, nullable(o.Message), o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func (r Repo) GetOffer(ctx context.Context, tx *sql.Tx, id string) (domain.Offer, error) {
	return scanOffer(r.q(tx).QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id=?`, id))
}

func (r Repo) UpdateOfferStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE offers SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id))
}

// HasOpenOffer reports whether the worker already has a submitted offer on the campaign.
func (r Repo) HasOpenOffer(ctx context.Context, tx *sql.Tx, campaignID, workerID string) (bool, error) {
	var n int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*) FROM offers WHERE campaign_id=? AND worker_id=? AND status='submitted'`, campaignID, workerID).Scan(&n)
	return n > 0, err
}

func (r Repo) ListOffers(ctx context.Context, campaignID, status string) ([]domain.Offer, error) {
	query := `SELECT ` + offerColumns + ` FROM offers WHERE campaign_id=?`
	args := []any{campaignID}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}
