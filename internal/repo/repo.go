package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

// q returns tx when set, otherwise the pooled connection.
func (r Repo) q(tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return r.DB
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func optionalString(v sql.NullString) *string {
	if !v.Valid || v.String == "" {
		return nil
	}
	s := v.String
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const campaignColumns = `id,owner_id,title,status,auto_paused,deliverables_total,due_days_after_activation,accepted_deliverables_count,max_price_cents,created_at,updated_at`

func scanCampaign(row scanner) (domain.Campaign, error) {
	var c domain.Campaign
	var autoPaused int
	err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Status, &autoPaused,
		&c.DeliverableSpec.DeliverablesTotal, &c.DeliverableSpec.DueDaysAfterActivation,
		&c.AcceptedDeliverablesCount, &c.Pricing.MaxPricePerDeliverableCents, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	c.AutoPaused = autoPaused == 1
	return c, err
}

func (r Repo) InsertCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO campaigns(`+campaignColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.OwnerID, c.Title, c.Status, boolInt(c.AutoPaused), c.DeliverableSpec.DeliverablesTotal,
		c.DeliverableSpec.DueDaysAfterActivation, c.AcceptedDeliverablesCount, c.Pricing.MaxPricePerDeliverableCents,
		c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCampaign(ctx context.Context, tx *sql.Tx, id string) (domain.Campaign, error) {
	return scanCampaign(r.q(tx).QueryRowContext(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id=?`, id))
}

// UpdateCampaign writes every mutable column of c.
func (r Repo) UpdateCampaign(ctx context.Context, tx *sql.Tx, c domain.Campaign) error {
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE campaigns SET title=?,status=?,auto_paused=?,deliverables_total=?,due_days_after_activation=?,accepted_deliverables_count=?,max_price_cents=?,updated_at=? WHERE id=?`,
		c.Title, c.Status, boolInt(c.AutoPaused), c.DeliverableSpec.DeliverablesTotal, c.DeliverableSpec.DueDaysAfterActivation,
		c.AcceptedDeliverablesCount, c.Pricing.MaxPricePerDeliverableCents, c.UpdatedAt, c.ID))
}

type CampaignFilters struct {
	OwnerID string
	Status  string
	Limit   int
}

func (r Repo) ListCampaigns(ctx context.Context, f CampaignFilters) ([]domain.Campaign, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Limit <= 0 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	query := fmt.Sprintf(`SELECT %s FROM campaigns WHERE %s ORDER BY created_at DESC, id LIMIT ?`, campaignColumns, strings.Join(clauses, " AND "))
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
