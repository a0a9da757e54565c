// Package processor is the payment processor collaborator: checkout sessions
// for escrow capture, refunds, transfers to connected worker accounts and the
// signed events the processor posts back.
package processor

import (
	"context"
	"errors"
	"fmt"
)

// Checkout session states as reported by the processor.
const (
	SessionOpen     = "open"
	SessionComplete = "complete"
	SessionExpired  = "expired"
)

const (
	PaymentStatusPaid   = "paid"
	PaymentStatusUnpaid = "unpaid"
)

type CheckoutSessionParams struct {
	ContractID     string
	CampaignID     string
	AmountCents    int64
	Currency       string
	Description    string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
}

type CheckoutSession struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	Status          string `json:"status"`
	PaymentStatus   string `json:"payment_status"`
	PaymentIntentID string `json:"payment_intent"`
	AmountTotal     int64  `json:"amount_total"`
	ContractID      string `json:"client_reference_id"`
}

// Paid reports whether the processor captured the payment for the session.
func (s CheckoutSession) Paid() bool {
	return s.PaymentStatus == PaymentStatusPaid
}

type RefundParams struct {
	PaymentIntentID string
	AmountCents     int64
	Reason          string
	IdempotencyKey  string
}

type Refund struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	AmountCents int64  `json:"amount"`
}

type TransferParams struct {
	DestinationAccount string
	AmountCents        int64
	Currency           string
	TransferGroup      string
	IdempotencyKey     string
}

type Transfer struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount"`
	Destination string `json:"destination"`
}

// Processor is the subset of the payment processor API the engine consumes.
// Every mutating call carries an idempotency key so retries are safe.
type Processor interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (CheckoutSession, error)
	CreateRefund(ctx context.Context, p RefundParams) (Refund, error)
	CreateTransfer(ctx context.Context, p TransferParams) (Transfer, error)
}

// APIError is an error response returned by the processor.
type APIError struct {
	Status  int
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("processor error %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("processor error %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a processor 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == 404
}

func validateKey(key string) error {
	if key == "" {
		return errors.New("idempotency key required")
	}
	return nil
}
