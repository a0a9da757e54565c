package engine_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrowline/internal/apperr"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/migrate"
	"escrowline/internal/notify"
	"escrowline/internal/processor"
	"escrowline/internal/processor/processortest"
)

const webhookSecret = "whsec_test"

type clock struct {
	t time.Time
}

func (c *clock) Now() time.Time          { return c.t }
func (c *clock) Advance(d time.Duration) { c.t = c.t.Add(d) }

type testEnv struct {
	Engine    engine.Engine
	Ctx       context.Context
	Processor *processortest.Fake
	Notes     *notify.Recorder
	Clock     *clock
	Dir       string

	Owner       auth.Actor
	Worker      auth.Actor
	Adjudicator auth.Actor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Storage.EvidenceRoot = filepath.Join(dir, "objects")
	cfg.Storage.DocumentsRoot = filepath.Join(dir, "documents")
	eng := engine.New(conn, cfg)
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	eng.Now = clk.Now
	fake := processortest.New()
	eng.Processor = fake
	rec := &notify.Recorder{}
	eng.Notifier = rec
	env := testEnv{
		Engine:      eng,
		Ctx:         context.Background(),
		Processor:   fake,
		Notes:       rec,
		Clock:       clk,
		Dir:         dir,
		Owner:       auth.Actor{ID: "owner-1", Roles: []string{auth.RoleOwner}},
		Worker:      auth.Actor{ID: "worker-1", Roles: []string{auth.RoleWorker}},
		Adjudicator: auth.Actor{ID: "adj-1", Roles: []string{auth.RoleAdjudicator}},
	}
	env.registerWorker(t, env.Worker.ID)
	return env
}

func (env testEnv) registerWorker(t *testing.T, id string) {
	t.Helper()
	_, err := env.Engine.RegisterWorker(env.Ctx, auth.System(), engine.RegisterWorkerInput{
		WorkerID: id, Verified: true, PayoutAccountID: "acct_" + id, PayoutsEnabled: true,
	})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
}

func (env testEnv) liveCampaign(t *testing.T, total int) domain.Campaign {
	t.Helper()
	c, err := env.Engine.CreateCampaign(env.Ctx, env.Owner, engine.CreateCampaignInput{
		Title: "Spring launch", DeliverablesTotal: total, DueDaysAfterActivation: 3, MaxPricePerDeliverableCents: 20000,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	c, err = env.Engine.PublishCampaign(env.Ctx, env.Owner, c.ID)
	if err != nil {
		t.Fatalf("publish campaign: %v", err)
	}
	return c
}

func (env testEnv) offer(t *testing.T, campaignID string, worker auth.Actor) domain.Offer {
	t.Helper()
	o, err := env.Engine.SubmitOffer(env.Ctx, worker, campaignID, engine.SubmitOfferInput{PriceCents: 10000})
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	return o
}

func (env testEnv) accept(t *testing.T, offerID string) engine.AcceptResult {
	t.Helper()
	res, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, offerID)
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	return res
}

func (env testEnv) contract(t *testing.T, id string) engine.ContractView {
	t.Helper()
	v, err := env.Engine.GetContract(env.Ctx, auth.System(), id)
	if err != nil {
		t.Fatalf("get contract: %v", err)
	}
	return v
}

func (env testEnv) campaign(t *testing.T, id string) domain.Campaign {
	t.Helper()
	c, err := env.Engine.GetCampaign(env.Ctx, id)
	if err != nil {
		t.Fatalf("get campaign: %v", err)
	}
	return c
}

// activeContract returns a paid, active contract on a fresh campaign.
func (env testEnv) activeContract(t *testing.T, total int) (domain.Campaign, domain.Contract) {
	t.Helper()
	campaign := env.liveCampaign(t, total)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)
	c := env.contract(t, o.ID).Contract
	ref := env.Processor.MarkPaid(c.Payment.CheckoutSessionID)
	res, err := env.Engine.ActivateContract(env.Ctx, c.ID, engine.PaymentConfirmation{SessionID: c.Payment.CheckoutSessionID, ReferenceID: ref})
	if err != nil || res.Outcome != domain.ActivationActivated {
		t.Fatalf("activate: %+v %v", res, err)
	}
	return env.campaign(t, campaign.ID), env.contract(t, c.ID).Contract
}

func (env testEnv) writeEvidence(t *testing.T, objectPath string) string {
	t.Helper()
	full := filepath.Join(env.Dir, "objects", filepath.FromSlash(objectPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(full, []byte("evidence"), 0o644); err != nil {
		t.Fatal(err)
	}
	return objectPath
}

func (env testEnv) submit(t *testing.T, c domain.Contract) {
	t.Helper()
	path := env.writeEvidence(t, "deliverables/"+c.OwnerID+"/"+c.ID+"/"+c.WorkerID+"/shot.png")
	if _, err := env.Engine.SubmitDeliverable(env.Ctx, env.Worker, c.ID, engine.SubmitDeliverableInput{
		PostURL: "https://social.example/p/1", Evidence: []string{path},
	}); err != nil {
		t.Fatalf("submit deliverable: %v", err)
	}
}

func (env testEnv) deliver(t *testing.T, id, typ string, object map[string]any) engine.WebhookResult {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"id":      id,
		"type":    typ,
		"created": env.Clock.Now().Unix(),
		"data":    map[string]any{"object": object},
	})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.ReceiveProcessorEvent(env.Ctx, body, processor.Sign(webhookSecret, env.Clock.Now(), body), webhookSecret)
	if err != nil {
		t.Fatalf("deliver %s: %v", id, err)
	}
	return res
}

func assertCapacity(t *testing.T, env testEnv, campaignID string) {
	t.Helper()
	rep, err := env.Engine.AuditCapacity(env.Ctx, campaignID)
	if err != nil {
		t.Fatalf("audit capacity: %v", err)
	}
	if !rep.Consistent || rep.Accepted < 0 || rep.Accepted > rep.Total {
		t.Fatalf("capacity inconsistent: %+v", rep)
	}
}

func TestAcceptOfferIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 3)
	o := env.offer(t, campaign.ID, env.Worker)

	first := env.accept(t, o.ID)
	second := env.accept(t, o.ID)
	if first.ContractID != o.ID || second.ContractID != o.ID {
		t.Fatalf("contract id must equal offer id: %+v %+v", first, second)
	}
	if first.CheckoutURL == "" || first.CheckoutURL != second.CheckoutURL {
		t.Fatalf("checkout reference differs: %q vs %q", first.CheckoutURL, second.CheckoutURL)
	}
	if !first.Created || second.Created {
		t.Fatalf("expected only the first call to create: %+v %+v", first, second)
	}
	if n := env.Processor.CheckoutCount(); n != 1 {
		t.Fatalf("expected one checkout session, got %d", n)
	}
	if got := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; got != 1 {
		t.Fatalf("expected one reserved slot, got %d", got)
	}
	v := env.contract(t, o.ID)
	if v.Contract.Status != domain.ContractPendingPayment || v.Deliverable.Status != domain.DeliverablePending {
		t.Fatalf("unexpected states: %s / %s", v.Contract.Status, v.Deliverable.Status)
	}
	if v.Contract.Pricing.PlatformFeeCents != 1000 || v.Contract.Pricing.WorkerPayoutTotalCents != 9000 {
		t.Fatalf("unexpected pricing: %+v", v.Contract.Pricing)
	}
	if v.Contract.ThreadID == "" || v.Contract.DocumentPath == "" {
		t.Fatalf("expected thread and document: %+v", v.Contract)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestAcceptOfferGuards(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	o := env.offer(t, campaign.ID, env.Worker)

	stranger := auth.Actor{ID: "owner-2", Roles: []string{auth.RoleOwner}}
	if _, err := env.Engine.AcceptOffer(env.Ctx, stranger, o.ID); !apperr.HasCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if _, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, "missing"); !apperr.HasCode(err, apperr.CodeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := env.Engine.WithdrawOffer(env.Ctx, env.Worker, o.ID); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, o.ID); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "offer_withdrawn") {
		t.Fatalf("expected offer_withdrawn, got %v", err)
	}

	unverified := auth.Actor{ID: "worker-2", Roles: []string{auth.RoleWorker}}
	o2 := env.offer(t, campaign.ID, unverified)
	if _, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, o2.ID); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "worker_not_eligible") {
		t.Fatalf("expected worker_not_eligible, got %v", err)
	}
	if got := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; got != 0 {
		t.Fatalf("failed accepts must not reserve capacity, got %d", got)
	}

	if _, err := env.Engine.RejectOffer(env.Ctx, unverified, o2.ID); !apperr.HasCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied for worker reject, got %v", err)
	}
	if _, err := env.Engine.RejectOffer(env.Ctx, env.Owner, o2.ID); err != nil {
		t.Fatalf("reject: %v", err)
	}
	if _, err := env.Engine.RejectOffer(env.Ctx, env.Owner, o2.ID); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "offer_not_submitted") {
		t.Fatalf("expected offer_not_submitted, got %v", err)
	}
	if _, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, o2.ID); !apperr.HasCode(err, apperr.CodeFailedPrecondition) {
		t.Fatalf("expected rejected offer to be unacceptable, got %v", err)
	}
}

func TestCheckoutFailureIsRetryable(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	o := env.offer(t, campaign.ID, env.Worker)

	env.Processor.CheckoutErr = &processor.APIError{Status: 503, Message: "down"}
	if _, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, o.ID); !apperr.HasReason(err, apperr.CodeInternal, "checkout_unavailable") {
		t.Fatalf("expected checkout_unavailable, got %v", err)
	}
	env.Processor.CheckoutErr = nil
	res := env.accept(t, o.ID)
	if res.CheckoutURL == "" || res.Created {
		t.Fatalf("retry should reuse the contract and create checkout: %+v", res)
	}
	if got := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; got != 1 {
		t.Fatalf("expected one slot after retry, got %d", got)
	}
}

// Scenario A.
func TestAutoPauseAndReopenThroughUnpaidSweep(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 1)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)

	c := env.campaign(t, campaign.ID)
	if c.Status != domain.CampaignPaused || !c.AutoPaused {
		t.Fatalf("expected auto-pause, got %s auto=%v", c.Status, c.AutoPaused)
	}
	other := auth.Actor{ID: "worker-2", Roles: []string{auth.RoleWorker}}
	if _, err := env.Engine.SubmitOffer(env.Ctx, other, campaign.ID, engine.SubmitOfferInput{PriceCents: 5000}); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "campaign_not_live") {
		t.Fatalf("expected campaign_not_live, got %v", err)
	}

	env.Clock.Advance(49 * time.Hour)
	stale, err := env.Engine.StaleUnpaidContracts(env.Ctx, 10)
	if err != nil || len(stale) != 1 {
		t.Fatalf("expected one stale contract, got %d %v", len(stale), err)
	}
	outcome, err := env.Engine.AutoCancelUnpaid(env.Ctx, stale[0].ID)
	if err != nil || outcome != engine.SweepCancelled {
		t.Fatalf("sweep: %s %v", outcome, err)
	}
	v := env.contract(t, o.ID)
	if v.Contract.Status != domain.ContractCancelled || v.Deliverable.Status != domain.DeliverableExpired {
		t.Fatalf("unexpected states: %s / %s", v.Contract.Status, v.Deliverable.Status)
	}
	c = env.campaign(t, campaign.ID)
	if c.Status != domain.CampaignLive || c.AutoPaused || c.AcceptedDeliverablesCount != 0 {
		t.Fatalf("expected reopened campaign, got %+v", c)
	}

	// A second run finds nothing to do.
	outcome, err = env.Engine.AutoCancelUnpaid(env.Ctx, o.ID)
	if err != nil || outcome != engine.SweepSkipped {
		t.Fatalf("rerun: %s %v", outcome, err)
	}
	if got := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; got != 0 {
		t.Fatalf("double release: %d", got)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestManualPauseIsNotReopened(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 1)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)

	if _, err := env.Engine.UpdateCampaignStatus(env.Ctx, env.Owner, campaign.ID, domain.CampaignPaused); err != nil {
		t.Fatalf("manual pause: %v", err)
	}
	if _, err := env.Engine.CancelContract(env.Ctx, env.Owner, o.ID, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	c := env.campaign(t, campaign.ID)
	if c.Status != domain.CampaignPaused || c.AutoPaused || c.AcceptedDeliverablesCount != 0 {
		t.Fatalf("manual pause must stick: %+v", c)
	}
}

// Scenario B.
func TestSweepActivatesPaidContractBeforeWebhook(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)
	c := env.contract(t, o.ID).Contract
	ref := env.Processor.MarkPaid(c.Payment.CheckoutSessionID)

	env.Clock.Advance(49 * time.Hour)
	outcome, err := env.Engine.AutoCancelUnpaid(env.Ctx, c.ID)
	if err != nil || outcome != engine.SweepActivated {
		t.Fatalf("sweep: %s %v", outcome, err)
	}
	v := env.contract(t, c.ID)
	if v.Contract.Status != domain.ContractActive || v.Contract.Payment.Status != domain.PaymentPaid || v.Contract.Payment.ReferenceID != ref {
		t.Fatalf("unexpected contract: %+v", v.Contract)
	}
	wantDue := env.Clock.Now().AddDate(0, 0, 3).Format(time.RFC3339)
	if v.Deliverable.DueAt != wantDue {
		t.Fatalf("due at %s, want %s", v.Deliverable.DueAt, wantDue)
	}

	res := env.deliver(t, "evt_1", processor.EventCheckoutCompleted, map[string]any{
		"id": c.Payment.CheckoutSessionID, "payment_status": "paid", "payment_intent": ref,
		"client_reference_id": c.ID, "metadata": map[string]string{"contract_id": c.ID},
	})
	if res.Outcome != domain.ActivationAlreadyPaid {
		t.Fatalf("expected already_paid, got %+v", res)
	}
	if n := len(env.Notes.Sent(notify.KindContractActivated)); n != 1 {
		t.Fatalf("expected one activation notice, got %d", n)
	}
	if got := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; got != 1 {
		t.Fatalf("activation must not reserve twice, got %d", got)
	}
}

func TestSweepDoesNotCancelOnProcessorOutage(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)
	env.Processor.RetrieveErr = &processor.APIError{Status: 500, Message: "boom"}

	env.Clock.Advance(49 * time.Hour)
	if _, err := env.Engine.AutoCancelUnpaid(env.Ctx, o.ID); err == nil {
		t.Fatalf("expected error on processor outage")
	}
	if got := env.contract(t, o.ID).Contract.Status; got != domain.ContractPendingPayment {
		t.Fatalf("contract must stay pending, got %s", got)
	}
}

func TestWebhookActivatesAndDedups(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)
	c := env.contract(t, o.ID).Contract
	obj := map[string]any{"id": c.Payment.CheckoutSessionID, "payment_status": "paid", "payment_intent": "pi_1", "client_reference_id": c.ID}

	res := env.deliver(t, "evt_a", processor.EventCheckoutCompleted, obj)
	if res.Deduped || res.Outcome != domain.ActivationActivated {
		t.Fatalf("first delivery: %+v", res)
	}
	res = env.deliver(t, "evt_a", processor.EventCheckoutCompleted, obj)
	if !res.Deduped {
		t.Fatalf("expected dedup, got %+v", res)
	}
	logged, err := env.Engine.Repo.GetReconciliationEvent(env.Ctx, "evt_a")
	if err != nil || logged.Outcome != domain.ActivationActivated || logged.ContractID != c.ID {
		t.Fatalf("event log: %+v %v", logged, err)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t)
	body := []byte(`{"id":"evt_x","type":"checkout.session.completed","data":{"object":{}}}`)
	_, err := env.Engine.ReceiveProcessorEvent(env.Ctx, body, processor.Sign("other", env.Clock.Now(), body), webhookSecret)
	if !apperr.HasReason(err, apperr.CodeInvalidArgument, "invalid_signature") {
		t.Fatalf("expected invalid_signature, got %v", err)
	}
	stale := processor.Sign(webhookSecret, env.Clock.Now().Add(-time.Hour), body)
	if _, err := env.Engine.ReceiveProcessorEvent(env.Ctx, body, stale, webhookSecret); !apperr.HasCode(err, apperr.CodeInvalidArgument) {
		t.Fatalf("expected stale signature rejection, got %v", err)
	}
}

func TestWebhookDomainFailureIsLogged(t *testing.T) {
	env := newTestEnv(t)
	res := env.deliver(t, "evt_missing", processor.EventCheckoutCompleted, map[string]any{"id": "cs_nope", "payment_status": "paid"})
	if res.Outcome != engine.OutcomeFailed {
		t.Fatalf("expected failed outcome, got %+v", res)
	}
	failed, err := env.Engine.ListReconciliationEvents(env.Ctx, true, 10)
	if err != nil || len(failed) != 1 || failed[0].Error == "" {
		t.Fatalf("expected one failed event, got %+v %v", failed, err)
	}
}

func TestCheckoutExpiredCancelsAndReleases(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 1)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)
	c := env.contract(t, o.ID).Contract

	res := env.deliver(t, "evt_exp", processor.EventCheckoutExpired, map[string]any{"id": c.Payment.CheckoutSessionID, "metadata": map[string]string{"contract_id": c.ID}})
	if res.Outcome != engine.OutcomeCancelled {
		t.Fatalf("expected cancelled, got %+v", res)
	}
	camp := env.campaign(t, campaign.ID)
	if camp.Status != domain.CampaignLive || camp.AcceptedDeliverablesCount != 0 {
		t.Fatalf("expected slot released: %+v", camp)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestNoReactivationAfterRefund(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)

	res := env.deliver(t, "evt_r", processor.EventChargeRefunded, map[string]any{
		"id": "ch_1", "payment_intent": c.Payment.ReferenceID, "amount": 10000, "amount_refunded": 10000,
	})
	if res.Outcome != engine.OutcomeRefundRecorded {
		t.Fatalf("refund event: %+v", res)
	}
	before := env.contract(t, c.ID).Contract
	if before.Payment.Status != domain.PaymentRefunded {
		t.Fatalf("expected refunded, got %s", before.Payment.Status)
	}
	act, err := env.Engine.ActivateContract(env.Ctx, c.ID, engine.PaymentConfirmation{SessionID: c.Payment.CheckoutSessionID, Source: engine.SourceSweep})
	if err != nil || act.Outcome != domain.ActivationIgnoredRefunded {
		t.Fatalf("expected ignored_refunded: %+v %v", act, err)
	}
	res = env.deliver(t, "evt_late", processor.EventCheckoutCompleted, map[string]any{"id": c.Payment.CheckoutSessionID, "payment_status": "paid", "client_reference_id": c.ID})
	if res.Outcome != domain.ActivationIgnoredRefunded {
		t.Fatalf("late webhook: %+v", res)
	}
	after := env.contract(t, c.ID).Contract
	if after.Payment.Status != domain.PaymentRefunded || after.Status != before.Status || *after.ActivatedAt != *before.ActivatedAt {
		t.Fatalf("contract changed after refund: %+v", after)
	}
}

func TestPartialRefundEventNeverRegresses(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.deliver(t, "evt_full", processor.EventChargeRefunded, map[string]any{
		"id": "ch_1", "amount": 10000, "amount_refunded": 10000, "metadata": map[string]string{"contract_id": c.ID},
	})
	res := env.deliver(t, "evt_partial", processor.EventChargeRefunded, map[string]any{
		"id": "ch_1", "amount": 10000, "amount_refunded": 4000, "metadata": map[string]string{"contract_id": c.ID},
	})
	if res.Outcome != engine.OutcomeIgnored {
		t.Fatalf("expected ignored, got %+v", res)
	}
	got := env.contract(t, c.ID).Contract.Payment
	if got.Status != domain.PaymentRefunded || got.RefundedCents != 10000 {
		t.Fatalf("payment regressed: %+v", got)
	}
}

func TestLatePaymentAfterCancelReservesAgain(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	o := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, o.ID)
	c := env.contract(t, o.ID).Contract

	env.Clock.Advance(49 * time.Hour)
	if outcome, err := env.Engine.AutoCancelUnpaid(env.Ctx, c.ID); err != nil || outcome != engine.SweepCancelled {
		t.Fatalf("sweep: %s %v", outcome, err)
	}
	ref := env.Processor.MarkPaid(c.Payment.CheckoutSessionID)
	res := env.deliver(t, "evt_late", processor.EventCheckoutCompleted, map[string]any{"id": c.Payment.CheckoutSessionID, "payment_status": "paid", "payment_intent": ref})
	if res.Outcome != domain.ActivationActivated {
		t.Fatalf("late payment: %+v", res)
	}
	v := env.contract(t, c.ID)
	if v.Contract.Status != domain.ContractActive || !v.Contract.SlotReserved || v.Contract.CancelReason != "" {
		t.Fatalf("unexpected contract: %+v", v.Contract)
	}
	if v.Deliverable.Status != domain.DeliverablePending {
		t.Fatalf("deliverable should reopen, got %s", v.Deliverable.Status)
	}
	if got := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; got != 1 {
		t.Fatalf("expected one slot, got %d", got)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestLatePaymentWithoutCapacityIsDisputed(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 1)
	first := env.offer(t, campaign.ID, env.Worker)
	env.accept(t, first.ID)
	c := env.contract(t, first.ID).Contract

	env.Clock.Advance(49 * time.Hour)
	if _, err := env.Engine.AutoCancelUnpaid(env.Ctx, c.ID); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	second := auth.Actor{ID: "worker-2", Roles: []string{auth.RoleWorker}}
	env.registerWorker(t, second.ID)
	o2 := env.offer(t, campaign.ID, second)
	env.accept(t, o2.ID)

	ref := env.Processor.MarkPaid(c.Payment.CheckoutSessionID)
	res, err := env.Engine.ActivateContract(env.Ctx, c.ID, engine.PaymentConfirmation{SessionID: c.Payment.CheckoutSessionID, ReferenceID: ref})
	if err != nil {
		t.Fatalf("activate: %v", err)
	}
	if res.Outcome != domain.ActivationActivated || res.Status != domain.ContractDisputed {
		t.Fatalf("unexpected activation: %+v", res)
	}
	got := env.contract(t, c.ID).Contract
	if got.Payment.Status != domain.PaymentPaid || got.SlotReserved || got.CancelReason != "capacity_conflict" {
		t.Fatalf("unexpected contract: %+v", got)
	}
	if n := env.campaign(t, campaign.ID).AcceptedDeliverablesCount; n != 1 {
		t.Fatalf("campaign oversubscribed: %d", n)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestApprovePaysOutOnce(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)

	res, err := env.Engine.ApproveDeliverable(env.Ctx, env.Owner, c.ID, "great")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.Payout.AmountCents != 9000 || res.Payout.TransferID == "" || res.Payout.AlreadySent {
		t.Fatalf("unexpected payout: %+v", res.Payout)
	}
	again, err := env.Engine.PayoutForContract(env.Ctx, c.ID)
	if err != nil || !again.AlreadySent || again.TransferID != res.Payout.TransferID {
		t.Fatalf("second payout: %+v %v", again, err)
	}
	v := env.contract(t, c.ID)
	if v.Contract.Status != domain.ContractCompleted || v.Contract.Payout.TransferStatus != domain.TransferSent || v.Contract.CompletedAt == nil {
		t.Fatalf("unexpected contract: %+v", v.Contract)
	}
	if n := len(env.Processor.Transfers()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
	if n := len(env.Notes.Sent(notify.KindContractCompleted)); n != 1 {
		t.Fatalf("expected completion notice, got %d", n)
	}
}

func TestConcurrentPayoutTransfersOnce(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)

	env.Processor.TransferErr = &processor.APIError{Status: 500, Message: "unavailable"}
	if _, err := env.Engine.ApproveDeliverable(env.Ctx, env.Owner, c.ID, ""); !apperr.HasReason(err, apperr.CodeInternal, "payout_failed") {
		t.Fatalf("expected payout_failed, got %v", err)
	}
	if got := env.contract(t, c.ID).Contract.Payout.TransferStatus; got != domain.TransferFailed {
		t.Fatalf("expected failed transfer status, got %s", got)
	}
	env.Processor.TransferErr = nil
	env.Processor.TransferDelay = 20 * time.Millisecond

	const callers = 8
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.Engine.PayoutForContract(env.Ctx, c.ID)
			if err != nil && !apperr.HasReason(err, apperr.CodeFailedPrecondition, "payout_in_progress") {
				t.Errorf("payout: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := len(env.Processor.Transfers()); n != 1 {
		t.Fatalf("expected exactly one transfer, got %d", n)
	}
	n, err := env.Engine.Repo.CountPayoutRecords(env.Ctx, c.ID)
	if err != nil || n != 1 {
		t.Fatalf("expected one payout record, got %d %v", n, err)
	}
	if got := env.contract(t, c.ID).Contract.Status; got != domain.ContractCompleted {
		t.Fatalf("expected completed, got %s", got)
	}
}

func TestSubmitValidatesEvidence(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)

	cases := []struct {
		name   string
		paths  []string
		reason string
	}{
		{"foreign prefix", []string{"deliverables/someone/" + c.ID + "/" + c.WorkerID + "/a.png"}, "evidence_path_invalid"},
		{"traversal", []string{"deliverables/" + c.OwnerID + "/" + c.ID + "/" + c.WorkerID + "/../../x.png"}, "evidence_path_invalid"},
		{"missing object", []string{"deliverables/" + c.OwnerID + "/" + c.ID + "/" + c.WorkerID + "/none.png"}, "evidence_missing"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.SubmitDeliverable(env.Ctx, env.Worker, c.ID, engine.SubmitDeliverableInput{PostURL: "https://x.example/p", Evidence: tc.paths})
			if !apperr.HasReason(err, apperr.CodeInvalidArgument, tc.reason) {
				t.Fatalf("expected %s, got %v", tc.reason, err)
			}
		})
	}
	if _, err := env.Engine.SubmitDeliverable(env.Ctx, env.Worker, c.ID, engine.SubmitDeliverableInput{PostURL: "ftp://x"}); !apperr.HasReason(err, apperr.CodeInvalidArgument, "invalid_post_url") {
		t.Fatalf("expected invalid_post_url, got %v", err)
	}
	if _, err := env.Engine.SubmitDeliverable(env.Ctx, env.Owner, c.ID, engine.SubmitDeliverableInput{PostURL: "https://x.example/p"}); !apperr.HasCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestRevisionCycle(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)

	if _, err := env.Engine.RequestRevision(env.Ctx, env.Owner, c.ID, " "); !apperr.HasReason(err, apperr.CodeInvalidArgument, "notes_required") {
		t.Fatalf("expected notes_required, got %v", err)
	}
	d, err := env.Engine.RequestRevision(env.Ctx, env.Owner, c.ID, "crop the logo")
	if err != nil || d.Status != domain.DeliverableRevisionRequested || d.RevisionCount != 1 {
		t.Fatalf("request revision: %+v %v", d, err)
	}
	env.submit(t, c)
	if got := env.contract(t, c.ID).Deliverable.Status; got != domain.DeliverableSubmitted {
		t.Fatalf("expected resubmission, got %s", got)
	}
}

// Scenario C.
func TestRejectMovesContractToDisputed(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)

	d, err := env.Engine.RejectDeliverable(env.Ctx, env.Owner, c.ID, "")
	if err != nil || d.Status != domain.DeliverableRejected {
		t.Fatalf("reject: %+v %v", d, err)
	}
	got := env.contract(t, c.ID).Contract
	if got.Status != domain.ContractDisputed || got.Payment.Status != domain.PaymentPaid {
		t.Fatalf("expected disputed paid contract, got %s/%s", got.Status, got.Payment.Status)
	}
	if _, err := env.Engine.PayoutForContract(env.Ctx, c.ID); !apperr.HasCode(err, apperr.CodeFailedPrecondition) {
		t.Fatalf("payout on disputed contract must fail, got %v", err)
	}
}

// Scenario D.
func TestPartialRefundResolutionResumesContract(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)
	if _, err := env.Engine.RejectDeliverable(env.Ctx, env.Owner, c.ID, "off brief"); err != nil {
		t.Fatal(err)
	}
	dispute, err := env.Engine.OpenDispute(env.Ctx, env.Worker, c.ID, engine.OpenDisputeInput{ReasonCode: "unfair_rejection"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, env.Owner, c.ID, engine.OpenDisputeInput{ReasonCode: "dup"}); !apperr.HasCode(err, apperr.CodeAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
	if _, err := env.Engine.ReviewDispute(env.Ctx, env.Adjudicator, dispute.ID); err != nil {
		t.Fatalf("review: %v", err)
	}
	in := engine.ResolveDisputeInput{Outcome: domain.DisputeResolvedPartialRefund, RefundCents: c.Pricing.TotalPriceCents / 2, Notes: "split"}
	if _, err := env.Engine.ResolveDispute(env.Ctx, env.Worker, dispute.ID, in); !apperr.HasCode(err, apperr.CodePermissionDenied) {
		t.Fatalf("expected adjudicator only, got %v", err)
	}
	resolved, err := env.Engine.ResolveDispute(env.Ctx, env.Adjudicator, dispute.ID, in)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != domain.DisputeResolvedPartialRefund || resolved.Resolution.RefundID == "" {
		t.Fatalf("unexpected dispute: %+v", resolved)
	}
	if _, err := env.Engine.ResolveDispute(env.Ctx, env.Adjudicator, dispute.ID, in); err != nil {
		t.Fatalf("repeat resolve should be idempotent: %v", err)
	}
	refunds := env.Processor.Refunds()
	if len(refunds) != 1 || refunds[0].AmountCents != 5000 || refunds[0].IdempotencyKey != "refund:"+dispute.ID {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}
	v := env.contract(t, c.ID)
	if v.Contract.Status != domain.ContractActive || v.Contract.Payment.Status != domain.PaymentPartialRefund || v.Contract.Payment.RefundedCents != 5000 {
		t.Fatalf("unexpected contract: %+v", v.Contract)
	}
	if v.Deliverable.Status != domain.DeliverableSubmitted {
		t.Fatalf("rejected work should return to review, got %s", v.Deliverable.Status)
	}

	res, err := env.Engine.ApproveDeliverable(env.Ctx, env.Owner, c.ID, "")
	if err != nil {
		t.Fatalf("approve after partial refund: %v", err)
	}
	if res.Payout.AmountCents != 4000 {
		t.Fatalf("payout should net the refund, got %d", res.Payout.AmountCents)
	}
}

func TestFullRefundResolutionCancels(t *testing.T) {
	env := newTestEnv(t)
	campaign, c := env.activeContract(t, 1)
	if !campaign.AutoPaused {
		t.Fatalf("expected auto-paused campaign")
	}
	dispute, err := env.Engine.OpenDispute(env.Ctx, env.Owner, c.ID, engine.OpenDisputeInput{ReasonCode: "no_show"})
	if err != nil {
		t.Fatal(err)
	}
	bad := engine.ResolveDisputeInput{Outcome: domain.DisputeResolvedRefund, RefundCents: 100}
	if _, err := env.Engine.ResolveDispute(env.Ctx, env.Adjudicator, dispute.ID, bad); !apperr.HasReason(err, apperr.CodeInvalidArgument, "refund_amount_mismatch") {
		t.Fatalf("expected refund_amount_mismatch, got %v", err)
	}
	ok := engine.ResolveDisputeInput{Outcome: domain.DisputeResolvedRefund, RefundCents: c.Pricing.TotalPriceCents}
	if _, err := env.Engine.ResolveDispute(env.Ctx, env.Adjudicator, dispute.ID, ok); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	got := env.contract(t, c.ID).Contract
	if got.Status != domain.ContractCancelled || got.Payment.Status != domain.PaymentRefunded || got.SlotReserved {
		t.Fatalf("unexpected contract: %+v", got)
	}
	camp := env.campaign(t, campaign.ID)
	if camp.Status != domain.CampaignLive || camp.AcceptedDeliverablesCount != 0 {
		t.Fatalf("expected reopened campaign: %+v", camp)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestCompletedContractCannotBeDisputed(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)
	if _, err := env.Engine.ApproveDeliverable(env.Ctx, env.Owner, c.ID, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, env.Owner, c.ID, engine.OpenDisputeInput{ReasonCode: "late"}); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "contract_not_disputable") {
		t.Fatalf("expected contract_not_disputable, got %v", err)
	}
}

func TestResolveRefundFailureLeavesDisputeOpen(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	dispute, err := env.Engine.OpenDispute(env.Ctx, env.Worker, c.ID, engine.OpenDisputeInput{ReasonCode: "scope"})
	if err != nil {
		t.Fatal(err)
	}
	env.Processor.RefundErr = &processor.APIError{Status: 502, Message: "gateway"}
	in := engine.ResolveDisputeInput{Outcome: domain.DisputeResolvedPartialRefund, RefundCents: 2500}
	if _, err := env.Engine.ResolveDispute(env.Ctx, env.Adjudicator, dispute.ID, in); !apperr.HasReason(err, apperr.CodeInternal, "refund_failed") {
		t.Fatalf("expected refund_failed, got %v", err)
	}
	d, err := env.Engine.GetDispute(env.Ctx, env.Adjudicator, dispute.ID)
	if err != nil || d.Status != domain.DisputeOpen {
		t.Fatalf("dispute should stay open: %+v %v", d, err)
	}
	if got := env.contract(t, c.ID).Contract.Payment.Status; got != domain.PaymentPaid {
		t.Fatalf("payment changed on failed refund: %s", got)
	}
}

func TestAutoApproveAfterReviewWindow(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)

	due, err := env.Engine.ReviewExpiredDeliverables(env.Ctx, 10)
	if err != nil || len(due) != 0 {
		t.Fatalf("nothing should be due yet: %d %v", len(due), err)
	}
	if outcome, err := env.Engine.AutoApprove(env.Ctx, c.ID); err != nil || outcome != engine.SweepSkipped {
		t.Fatalf("early auto-approve: %s %v", outcome, err)
	}
	env.Clock.Advance(73 * time.Hour)
	due, err = env.Engine.ReviewExpiredDeliverables(env.Ctx, 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due deliverable: %d %v", len(due), err)
	}
	outcome, err := env.Engine.AutoApprove(env.Ctx, due[0].ID)
	if err != nil || outcome != engine.SweepApproved {
		t.Fatalf("auto-approve: %s %v", outcome, err)
	}
	v := env.contract(t, c.ID)
	if v.Deliverable.Review.ReviewedBy != auth.SystemActorID || v.Contract.Status != domain.ContractCompleted {
		t.Fatalf("unexpected result: %+v / %+v", v.Deliverable.Review, v.Contract)
	}
}

// Scenario E.
func TestExpireOverdueRefundsAndReopens(t *testing.T) {
	env := newTestEnv(t)
	campaign, c := env.activeContract(t, 1)
	if campaign.Status != domain.CampaignPaused || !campaign.AutoPaused {
		t.Fatalf("expected auto-paused campaign: %+v", campaign)
	}
	env.Clock.Advance(4 * 24 * time.Hour)
	overdue, err := env.Engine.OverdueDeliverables(env.Ctx, 10)
	if err != nil || len(overdue) != 1 {
		t.Fatalf("expected one overdue deliverable: %d %v", len(overdue), err)
	}
	outcome, err := env.Engine.ExpireOverdue(env.Ctx, overdue[0].ID)
	if err != nil || outcome != engine.SweepRefunded {
		t.Fatalf("expire: %s %v", outcome, err)
	}
	v := env.contract(t, c.ID)
	if v.Deliverable.Status != domain.DeliverableExpired || v.Contract.Status != domain.ContractCancelled || v.Contract.Payment.Status != domain.PaymentRefunded {
		t.Fatalf("unexpected states: %+v / %s", v.Contract, v.Deliverable.Status)
	}
	refunds := env.Processor.Refunds()
	if len(refunds) != 1 || refunds[0].AmountCents != c.Pricing.TotalPriceCents {
		t.Fatalf("unexpected refunds: %+v", refunds)
	}
	camp := env.campaign(t, campaign.ID)
	if camp.Status != domain.CampaignLive || camp.AutoPaused || camp.AcceptedDeliverablesCount != 0 {
		t.Fatalf("expected reopened campaign: %+v", camp)
	}
	if outcome, err := env.Engine.ExpireOverdue(env.Ctx, c.ID); err != nil || outcome != engine.SweepSkipped {
		t.Fatalf("rerun: %s %v", outcome, err)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestExpireOverdueFallsBackToDisputed(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.Processor.RefundErr = &processor.APIError{Status: 500, Message: "down"}
	env.Clock.Advance(4 * 24 * time.Hour)

	outcome, err := env.Engine.ExpireOverdue(env.Ctx, c.ID)
	if err != nil || outcome != engine.SweepDisputed {
		t.Fatalf("expire: %s %v", outcome, err)
	}
	got := env.contract(t, c.ID).Contract
	if got.Status != domain.ContractDisputed || got.CancelReason != "refund_failed" || got.Payment.Status != domain.PaymentPaid {
		t.Fatalf("unexpected contract: %+v", got)
	}
}

// disputingProcessor opens a dispute while the expiry refund is in flight.
type disputingProcessor struct {
	*processortest.Fake
	during func() error
	err    error
}

func (p *disputingProcessor) CreateRefund(ctx context.Context, params processor.RefundParams) (processor.Refund, error) {
	if p.during != nil {
		p.err = p.during()
	}
	return p.Fake.CreateRefund(ctx, params)
}

func TestExpiryRefundBlocksConcurrentDispute(t *testing.T) {
	env := newTestEnv(t)
	campaign, c := env.activeContract(t, 1)
	proc := &disputingProcessor{Fake: env.Processor}
	proc.during = func() error {
		_, err := env.Engine.OpenDispute(env.Ctx, env.Owner, c.ID, engine.OpenDisputeInput{ReasonCode: "no_show"})
		return err
	}
	eng := env.Engine
	eng.Processor = proc
	env.Clock.Advance(4 * 24 * time.Hour)

	outcome, err := eng.ExpireOverdue(env.Ctx, c.ID)
	if err != nil || outcome != engine.SweepRefunded {
		t.Fatalf("expire: %s %v", outcome, err)
	}
	if !apperr.HasReason(proc.err, apperr.CodeFailedPrecondition, "refund_pending") {
		t.Fatalf("dispute during refund should be refused, got %v", proc.err)
	}
	got := env.contract(t, c.ID).Contract
	if got.Status != domain.ContractCancelled || got.Payment.Status != domain.PaymentRefunded ||
		got.Payment.RefundedCents != c.Pricing.TotalPriceCents || got.SlotReserved || got.Payment.RefundPending != "" {
		t.Fatalf("refund not recorded: %+v", got)
	}
	if _, err := env.Engine.OpenDispute(env.Ctx, env.Owner, c.ID, engine.OpenDisputeInput{ReasonCode: "no_show"}); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "contract_not_disputable") {
		t.Fatalf("expected contract_not_disputable, got %v", err)
	}
	refunds := env.Processor.Refunds()
	if len(refunds) != 1 || refunds[0].IdempotencyKey != "expiry-refund:"+c.ID {
		t.Fatalf("expected a single expiry refund: %+v", refunds)
	}
	if camp := env.campaign(t, campaign.ID); camp.AcceptedDeliverablesCount != 0 || camp.Status != domain.CampaignLive {
		t.Fatalf("slot not released: %+v", camp)
	}
	assertCapacity(t, env, campaign.ID)
}

func TestExpireOverdueAfterPartialRefund(t *testing.T) {
	env := newTestEnv(t)
	campaign, c := env.activeContract(t, 1)
	dispute, err := env.Engine.OpenDispute(env.Ctx, env.Owner, c.ID, engine.OpenDisputeInput{ReasonCode: "slow_start"})
	if err != nil {
		t.Fatalf("open dispute: %v", err)
	}
	in := engine.ResolveDisputeInput{Outcome: domain.DisputeResolvedPartialRefund, RefundCents: 3000}
	if _, err := env.Engine.ResolveDispute(env.Ctx, env.Adjudicator, dispute.ID, in); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	env.Clock.Advance(30 * 24 * time.Hour)

	overdue, err := env.Engine.OverdueDeliverables(env.Ctx, 10)
	if err != nil || len(overdue) != 1 || overdue[0].ID != c.ID {
		t.Fatalf("expected the partially refunded contract to be overdue: %+v %v", overdue, err)
	}
	outcome, err := env.Engine.ExpireOverdue(env.Ctx, c.ID)
	if err != nil || outcome != engine.SweepRefunded {
		t.Fatalf("expire: %s %v", outcome, err)
	}
	v := env.contract(t, c.ID)
	if v.Contract.Status != domain.ContractCancelled || v.Contract.Payment.Status != domain.PaymentRefunded ||
		v.Contract.Payment.RefundedCents != c.Pricing.TotalPriceCents || v.Deliverable.Status != domain.DeliverableExpired {
		t.Fatalf("unexpected states: %+v / %s", v.Contract, v.Deliverable.Status)
	}
	refunds := env.Processor.Refunds()
	if len(refunds) != 2 || refunds[1].AmountCents != c.Pricing.TotalPriceCents-3000 || refunds[1].IdempotencyKey != "expiry-refund:"+c.ID {
		t.Fatalf("expected the remainder to be refunded: %+v", refunds)
	}
	camp := env.campaign(t, campaign.ID)
	if camp.Status != domain.CampaignLive || camp.AutoPaused || camp.AcceptedDeliverablesCount != 0 {
		t.Fatalf("expected reopened campaign: %+v", camp)
	}
	assertCapacity(t, env, campaign.ID)
}

// reentrantTransfer runs during once, while the first transfer is in flight.
type reentrantTransfer struct {
	*processortest.Fake
	during func()
}

func (p *reentrantTransfer) CreateTransfer(ctx context.Context, params processor.TransferParams) (processor.Transfer, error) {
	if p.during != nil {
		during := p.during
		p.during = nil
		during()
	}
	return p.Fake.CreateTransfer(ctx, params)
}

func TestAutoApproveSkipsPayoutInFlight(t *testing.T) {
	env := newTestEnv(t)
	_, c := env.activeContract(t, 2)
	env.submit(t, c)
	env.Clock.Advance(73 * time.Hour)

	proc := &reentrantTransfer{Fake: env.Processor}
	eng := env.Engine
	eng.Processor = proc
	var (
		inner    string
		innerErr error
	)
	proc.during = func() { inner, innerErr = eng.AutoApprove(env.Ctx, c.ID) }

	outcome, err := eng.AutoApprove(env.Ctx, c.ID)
	if err != nil || outcome != engine.SweepApproved {
		t.Fatalf("auto-approve: %s %v", outcome, err)
	}
	if innerErr != nil || inner != engine.SweepSkipped {
		t.Fatalf("in-flight payout should be skipped, got %s %v", inner, innerErr)
	}
	if n := len(env.Processor.Transfers()); n != 1 {
		t.Fatalf("expected one transfer, got %d", n)
	}
}

func TestCapacityInvariantAcrossOperations(t *testing.T) {
	env := newTestEnv(t)
	campaign := env.liveCampaign(t, 2)
	workers := []auth.Actor{env.Worker}
	for _, id := range []string{"worker-2", "worker-3"} {
		env.registerWorker(t, id)
		workers = append(workers, auth.Actor{ID: id, Roles: []string{auth.RoleWorker}})
	}
	var offers []domain.Offer
	for _, w := range workers {
		offers = append(offers, env.offer(t, campaign.ID, w))
	}
	env.accept(t, offers[0].ID)
	assertCapacity(t, env, campaign.ID)
	env.accept(t, offers[1].ID)
	assertCapacity(t, env, campaign.ID)
	if _, err := env.Engine.AcceptOffer(env.Ctx, env.Owner, offers[2].ID); !apperr.HasCode(err, apperr.CodeFailedPrecondition) {
		t.Fatalf("expected full campaign, got %v", err)
	}
	assertCapacity(t, env, campaign.ID)
	if _, err := env.Engine.CancelContract(env.Ctx, env.Owner, offers[0].ID, "changed plans"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	assertCapacity(t, env, campaign.ID)
	env.accept(t, offers[2].ID)
	assertCapacity(t, env, campaign.ID)
	if _, err := env.Engine.UpdateCampaign(env.Ctx, env.Owner, campaign.ID, engine.UpdateCampaignInput{DeliverablesTotal: ptr(1)}); !apperr.HasReason(err, apperr.CodeFailedPrecondition, "total_below_accepted") {
		t.Fatalf("expected total_below_accepted, got %v", err)
	}
}

func ptr[T any](v T) *T { return &v }
