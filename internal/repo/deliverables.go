package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"escrowline/internal/domain"
)

const deliverableColumns = `id,status,due_at,post_url,submitted_at,evidence_json,compliance_json,review_decision,review_notes,reviewed_at,reviewed_by,revision_count,created_at,updated_at`

func scanDeliverable(row scanner) (domain.Deliverable, error) {
	var d domain.Deliverable
	var (
		dueAt, postURL, submittedAt, evidence, compliance sql.NullString
		decision, notes, reviewedAt, reviewedBy           sql.NullString
	)
	err := row.Scan(&d.ID, &d.Status, &dueAt, &postURL, &submittedAt, &evidence, &compliance,
		&decision, &notes, &reviewedAt, &reviewedBy, &d.RevisionCount, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.DueAt = dueAt.String
	d.Submission.PostURL = postURL.String
	d.Submission.SubmittedAt = submittedAt.String
	if evidence.Valid && evidence.String != "" {
		if err := json.Unmarshal([]byte(evidence.String), &d.Submission.Evidence); err != nil {
			return d, fmt.Errorf("decode evidence for %s: %w", d.ID, err)
		}
	}
	if compliance.Valid && compliance.String != "" {
		if err := json.Unmarshal([]byte(compliance.String), &d.Submission.ComplianceFlags); err != nil {
			return d, fmt.Errorf("decode compliance flags for %s: %w", d.ID, err)
		}
	}
	d.Review = domain.Review{Decision: decision.String, Notes: notes.String, ReviewedAt: reviewedAt.String, ReviewedBy: reviewedBy.String}
	return d, nil
}

func marshalOptional(v any, empty bool) (any, error) {
	if empty {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func deliverableArgs(d domain.Deliverable) ([]any, error) {
	evidence, err := marshalOptional(d.Submission.Evidence, len(d.Submission.Evidence) == 0)
	if err != nil {
		return nil, err
	}
	compliance, err := marshalOptional(d.Submission.ComplianceFlags, len(d.Submission.ComplianceFlags) == 0)
	if err != nil {
		return nil, err
	}
	return []any{d.Status, nullable(d.DueAt), nullable(d.Submission.PostURL), nullable(d.Submission.SubmittedAt), evidence, compliance,
		nullable(d.Review.Decision), nullable(d.Review.Notes), nullable(d.Review.ReviewedAt), nullable(d.Review.ReviewedBy),
		d.RevisionCount, d.UpdatedAt}, nil
}

func (r Repo) InsertDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	args, err := deliverableArgs(d)
	if err != nil {
		return err
	}
	args = append([]any{d.ID}, args...)
	args = append(args, d.CreatedAt)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO deliverables(id,status,due_at,post_url,submitted_at,evidence_json,compliance_json,review_decision,review_notes,reviewed_at,reviewed_by,revision_count,updated_at,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`, args...)
	return err
}

func (r Repo) GetDeliverable(ctx context.Context, tx *sql.Tx, id string) (domain.Deliverable, error) {
	return scanDeliverable(r.q(tx).QueryRowContext(ctx, `SELECT `+deliverableColumns+` FROM deliverables WHERE id=?`, id))
}

// UpdateDeliverable writes every mutable column of d.
func (r Repo) UpdateDeliverable(ctx context.Context, tx *sql.Tx, d domain.Deliverable) error {
	args, err := deliverableArgs(d)
	if err != nil {
		return err
	}
	args = append(args, d.ID)
	return expectOne(r.q(tx).ExecContext(ctx, `UPDATE deliverables SET status=?,due_at=?,post_url=?,submitted_at=?,evidence_json=?,compliance_json=?,
review_decision=?,review_notes=?,reviewed_at=?,reviewed_by=?,revision_count=?,updated_at=? WHERE id=?`, args...))
}

// ListReviewExpired returns deliverables eligible for auto-approval: submitted
// at or before cutoff, or already approved with a payout that never went out
// or stalled, on an active contract whose funds are captured.
func (r Repo) ListReviewExpired(ctx context.Context, cutoff string, limit int) ([]domain.Deliverable, error) {
	return r.queryDeliverables(ctx, `SELECT `+prefixed("d.", deliverableColumns)+` FROM deliverables d
JOIN contracts c ON c.id=d.id
WHERE c.status='active' AND c.payment_status IN ('paid','partial_refund')
AND ((d.status='submitted' AND d.submitted_at<=?) OR (d.status='approved' AND c.transfer_status IN ('none','pending','failed')))
ORDER BY d.submitted_at, d.id LIMIT ?`, cutoff, limit)
}

// ListOverdue returns deliverables past due on active contracts whose funds are
// still held, in full or after a partial refund. Already expired rows are
// included so an interrupted sweep can finish the refund.
func (r Repo) ListOverdue(ctx context.Context, now string, limit int) ([]domain.Deliverable, error) {
	return r.queryDeliverables(ctx, `SELECT `+prefixed("d.", deliverableColumns)+` FROM deliverables d
JOIN contracts c ON c.id=d.id
WHERE c.status='active' AND c.payment_status IN ('paid','partial_refund') AND c.transfer_status IN ('none','failed')
AND d.status IN ('pending','revision_requested','expired') AND d.due_at IS NOT NULL AND d.due_at<=?
ORDER BY d.due_at, d.id LIMIT ?`, now, limit)
}

func (r Repo) queryDeliverables(ctx context.Context, query string, args ...any) ([]domain.Deliverable, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Deliverable
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func prefixed(prefix, columns string) string {
	var out []byte
	start := 0
	for i := 0; i <= len(columns); i++ {
		if i == len(columns) || columns[i] == ',' {
			if len(out) > 0 {
				out = append(out, ',')
			}
			out = append(out, prefix...)
			out = append(out, columns[start:i]...)
			start = i + 1
		}
	}
	return string(out)
}
