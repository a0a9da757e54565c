package engine

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine/auth"
	"escrowline/internal/events"
	"escrowline/internal/logging"
	"escrowline/internal/notify"
)

// Review decisions stored on the deliverable.
const (
	DecisionApproved          = "approved"
	DecisionRevisionRequested = "revision_requested"
	DecisionRejected          = "rejected"
)

const autoApproveNote = "approved automatically after the review window elapsed"

type SubmitDeliverableInput struct {
	PostURL         string
	Evidence        []string
	ComplianceFlags map[string]bool
}

// ApprovalResult carries the approved deliverable and the payout it triggered.
type ApprovalResult struct {
	Deliverable domain.Deliverable `json:"deliverable"`
	Payout      PayoutResult       `json:"payout"`
}

func (e Engine) GetDeliverable(ctx context.Context, actor auth.Actor, id string) (domain.Deliverable, error) {
	view, err := e.GetContract(ctx, actor, id)
	if err != nil {
		return domain.Deliverable{}, err
	}
	return view.Deliverable, nil
}

// SubmitDeliverable records the worker's post and evidence for review.
func (e Engine) SubmitDeliverable(ctx context.Context, actor auth.Actor, id string, in SubmitDeliverableInput) (domain.Deliverable, error) {
	postURL, err := validatePostURL(in.PostURL)
	if err != nil {
		return domain.Deliverable{}, err
	}
	c, err := e.Repo.GetContract(ctx, nil, id)
	if err != nil {
		return domain.Deliverable{}, notFound(err, "deliverable", id)
	}
	if c.WorkerID != actor.ID {
		return domain.Deliverable{}, apperr.PermissionDenied("not_contract_worker", "only the contract worker can submit")
	}
	evidence, err := e.checkEvidence(ctx, deliverableEvidencePrefix(c.OwnerID, c.ID, c.WorkerID), in.Evidence)
	if err != nil {
		return domain.Deliverable{}, err
	}

	var out domain.Deliverable
	err = e.inTx(ctx, func(tx *sql.Tx) error {
		row, err := e.loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		c, d := row.Contract, row.Deliverable
		if c.Status != domain.ContractActive || !c.Captured() {
			return apperr.FailedPrecondition("contract_not_active", "deliverables can only be submitted on active paid contracts")
		}
		if d.Status != domain.DeliverablePending && d.Status != domain.DeliverableRevisionRequested {
			return apperr.FailedPrecondition("deliverable_not_open", "deliverable is "+d.Status)
		}
		now := e.ts()
		d.Status = domain.DeliverableSubmitted
		d.Submission = domain.Submission{PostURL: postURL, SubmittedAt: now, Evidence: evidence, ComplianceFlags: in.ComplianceFlags}
		d.UpdatedAt = now
		if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
			return err
		}
		out = d
		return e.events().Append(ctx, tx, "deliverable.submitted", "deliverable", d.ID, actor.ID, events.EventPayload{
			"post_url": postURL,
			"evidence": len(evidence),
		})
	})
	return out, err
}

// ApproveDeliverable approves a submitted deliverable and pays the worker in
// the same call. An approved deliverable whose payout did not go out is paid
// again on re-approval.
func (e Engine) ApproveDeliverable(ctx context.Context, actor auth.Actor, id, notes string) (ApprovalResult, error) {
	return e.approve(ctx, actor, id, notes, "")
}

// approve re-checks the review window against notBefore when it is set.
func (e Engine) approve(ctx context.Context, actor auth.Actor, id, notes, notBefore string) (ApprovalResult, error) {
	var out domain.Deliverable
	var contract domain.Contract
	approvedNow := false
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		approvedNow = false
		row, err := e.loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		c, d := row.Contract, row.Deliverable
		if c.OwnerID != actor.ID && !actor.IsSystem() {
			return apperr.PermissionDenied("not_contract_owner", "only the owner can review deliverables")
		}
		contract, out = c, d
		if d.Status == domain.DeliverableApproved {
			return nil
		}
		if d.Status != domain.DeliverableSubmitted {
			return apperr.FailedPrecondition("deliverable_not_submitted", "deliverable is "+d.Status)
		}
		if c.Status != domain.ContractActive || !c.Captured() {
			return apperr.FailedPrecondition("contract_not_active", "contract is "+c.Status+" with payment "+c.Payment.Status)
		}
		if notBefore != "" && d.Submission.SubmittedAt > notBefore {
			return apperr.FailedPrecondition("review_window_open", "review window has not elapsed")
		}
		now := e.ts()
		d.Status = domain.DeliverableApproved
		d.Review = domain.Review{Decision: DecisionApproved, Notes: strings.TrimSpace(notes), ReviewedAt: now, ReviewedBy: actor.ID}
		d.UpdatedAt = now
		if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
			return err
		}
		out = d
		approvedNow = true
		return e.events().Append(ctx, tx, "deliverable.approved", "deliverable", d.ID, actor.ID, events.EventPayload{"auto": actor.IsSystem()})
	})
	if err != nil {
		return ApprovalResult{}, err
	}
	if approvedNow {
		e.notify(ctx, notify.Notification{Kind: notify.KindDeliverableReview, Recipients: []string{contract.WorkerID}, ContractID: contract.ID,
			Data: map[string]any{"decision": DecisionApproved}})
	}
	payout, err := e.PayoutForContract(ctx, id)
	if err != nil {
		e.log().Warn("payout after approval failed", slog.String(logging.FieldContractID, id), logging.Error(err))
		return ApprovalResult{Deliverable: out}, err
	}
	return ApprovalResult{Deliverable: out, Payout: payout}, nil
}

// RequestRevision sends a submitted deliverable back to the worker.
func (e Engine) RequestRevision(ctx context.Context, actor auth.Actor, id, notes string) (domain.Deliverable, error) {
	return e.review(ctx, actor, id, notes, DecisionRevisionRequested)
}

// RejectDeliverable rejects a submission and puts the contract into dispute;
// payment is settled only through dispute resolution.
func (e Engine) RejectDeliverable(ctx context.Context, actor auth.Actor, id, notes string) (domain.Deliverable, error) {
	return e.review(ctx, actor, id, notes, DecisionRejected)
}

func (e Engine) review(ctx context.Context, actor auth.Actor, id, notes, decision string) (domain.Deliverable, error) {
	notes = strings.TrimSpace(notes)
	if notes == "" && decision == DecisionRevisionRequested {
		return domain.Deliverable{}, apperr.InvalidArgument("notes_required", "notes are required for "+decision)
	}
	var out domain.Deliverable
	var contract domain.Contract
	err := e.inTx(ctx, func(tx *sql.Tx) error {
		row, err := e.loadContract(ctx, tx, id)
		if err != nil {
			return err
		}
		c, d := row.Contract, row.Deliverable
		if c.OwnerID != actor.ID {
			return apperr.PermissionDenied("not_contract_owner", "only the owner can review deliverables")
		}
		if d.Status != domain.DeliverableSubmitted {
			return apperr.FailedPrecondition("deliverable_not_submitted", "deliverable is "+d.Status)
		}
		if c.Status != domain.ContractActive {
			return apperr.FailedPrecondition("contract_not_active", "contract is "+c.Status)
		}
		now := e.ts()
		d.Review = domain.Review{Decision: decision, Notes: notes, ReviewedAt: now, ReviewedBy: actor.ID}
		d.UpdatedAt = now
		payload := events.EventPayload{"notes": notes}
		if decision == DecisionRevisionRequested {
			d.Status = domain.DeliverableRevisionRequested
			d.RevisionCount++
			payload["revision_count"] = d.RevisionCount
		} else {
			d.Status = domain.DeliverableRejected
			c.Status = domain.ContractDisputed
			c.UpdatedAt = now
			if err := e.Repo.UpdateContract(ctx, tx, c); err != nil {
				return err
			}
		}
		if err := e.Repo.UpdateDeliverable(ctx, tx, d); err != nil {
			return err
		}
		out, contract = d, c
		return e.events().Append(ctx, tx, "deliverable."+decision, "deliverable", d.ID, actor.ID, payload)
	})
	if err != nil {
		return domain.Deliverable{}, err
	}
	e.notify(ctx, notify.Notification{Kind: notify.KindDeliverableReview, Recipients: []string{contract.WorkerID}, ContractID: contract.ID,
		Data: map[string]any{"decision": decision, "notes": notes}})
	return out, nil
}
