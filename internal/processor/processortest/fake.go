// Package processortest provides an in-memory processor for tests.
package processortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"escrowline/internal/processor"
)

// Fake is an in-memory processor. Mutating calls are idempotent by key, the
// same way the real processor treats Idempotency-Key.
type Fake struct {
	mu        sync.Mutex
	seq       int
	sessions  map[string]*processor.CheckoutSession
	byKey     map[string]any
	transfers []processor.TransferParams
	refunds   []processor.RefundParams
	checkouts int

	// Failure injection; a non-nil error is returned by the matching call.
	CheckoutErr error
	RetrieveErr error
	RefundErr   error
	TransferErr error
	// TransferDelay widens the window between the call and its result.
	TransferDelay time.Duration
}

func New() *Fake {
	return &Fake{
		sessions: map[string]*processor.CheckoutSession{},
		byKey:    map[string]any{},
	}
}

func (f *Fake) next(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s_%d", prefix, f.seq)
}

func (f *Fake) CreateCheckoutSession(_ context.Context, p processor.CheckoutSessionParams) (processor.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CheckoutErr != nil {
		return processor.CheckoutSession{}, f.CheckoutErr
	}
	if prev, ok := f.byKey[p.IdempotencyKey].(processor.CheckoutSession); ok {
		return prev, nil
	}
	f.checkouts++
	id := f.next("cs")
	s := &processor.CheckoutSession{
		ID:            id,
		URL:           "https://checkout.test/" + id,
		Status:        processor.SessionOpen,
		PaymentStatus: processor.PaymentStatusUnpaid,
		AmountTotal:   p.AmountCents,
		ContractID:    p.ContractID,
	}
	f.sessions[id] = s
	f.byKey[p.IdempotencyKey] = *s
	return *s, nil
}

func (f *Fake) RetrieveCheckoutSession(_ context.Context, id string) (processor.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RetrieveErr != nil {
		return processor.CheckoutSession{}, f.RetrieveErr
	}
	s, ok := f.sessions[id]
	if !ok {
		return processor.CheckoutSession{}, &processor.APIError{Status: 404, Code: "resource_missing", Message: "no such session " + id}
	}
	return *s, nil
}

func (f *Fake) CreateRefund(_ context.Context, p processor.RefundParams) (processor.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RefundErr != nil {
		return processor.Refund{}, f.RefundErr
	}
	if prev, ok := f.byKey[p.IdempotencyKey].(processor.Refund); ok {
		return prev, nil
	}
	r := processor.Refund{ID: f.next("re"), Status: "succeeded", AmountCents: p.AmountCents}
	f.refunds = append(f.refunds, p)
	f.byKey[p.IdempotencyKey] = r
	return r, nil
}

func (f *Fake) CreateTransfer(_ context.Context, p processor.TransferParams) (processor.Transfer, error) {
	if f.TransferDelay > 0 {
		time.Sleep(f.TransferDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.TransferErr != nil {
		return processor.Transfer{}, f.TransferErr
	}
	if prev, ok := f.byKey[p.IdempotencyKey].(processor.Transfer); ok {
		return prev, nil
	}
	tr := processor.Transfer{ID: f.next("tr"), AmountCents: p.AmountCents, Destination: p.DestinationAccount}
	f.transfers = append(f.transfers, p)
	f.byKey[p.IdempotencyKey] = tr
	return tr, nil
}

// MarkPaid simulates the owner completing checkout and returns the payment intent id.
func (f *Fake) MarkPaid(sessionID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return ""
	}
	s.Status = processor.SessionComplete
	s.PaymentStatus = processor.PaymentStatusPaid
	if s.PaymentIntentID == "" {
		s.PaymentIntentID = "pi_" + sessionID
	}
	return s.PaymentIntentID
}

// Session returns the stored session.
func (f *Fake) Session(id string) (processor.CheckoutSession, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return processor.CheckoutSession{}, false
	}
	return *s, true
}

// Transfers returns the distinct transfers created.
func (f *Fake) Transfers() []processor.TransferParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processor.TransferParams(nil), f.transfers...)
}

// Refunds returns the distinct refunds created.
func (f *Fake) Refunds() []processor.RefundParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]processor.RefundParams(nil), f.refunds...)
}

// CheckoutCount returns how many distinct sessions were created.
func (f *Fake) CheckoutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkouts
}
