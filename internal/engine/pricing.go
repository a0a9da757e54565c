package engine

import (
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
)

var bpsDenominator = decimal.NewFromInt(10000)

// splitPrice computes the platform fee in basis points, rounded half up to
// the cent, and the remainder owed to the worker.
func splitPrice(totalCents int64, feeBps int) domain.ContractPricing {
	fee := decimal.NewFromInt(totalCents).
		Mul(decimal.NewFromInt(int64(feeBps))).
		Div(bpsDenominator).
		Round(0).
		IntPart()
	if fee > totalCents {
		fee = totalCents
	}
	return domain.ContractPricing{
		TotalPriceCents:        totalCents,
		PlatformFeeCents:       fee,
		WorkerPayoutTotalCents: totalCents - fee,
	}
}

// payoutAmount is what remains for the worker after refunds, floored at zero.
func payoutAmount(c domain.Contract) int64 {
	amount := c.Pricing.WorkerPayoutTotalCents - c.Payment.RefundedCents
	if amount < 0 {
		return 0
	}
	return amount
}
