// Package documents renders the contract agreement document stored alongside
// each contract.
package documents

import (
	"bytes"
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/shopspring/decimal"

	"escrowline/internal/domain"
	"escrowline/internal/storage"
)

// Renderer produces a contract document and returns its object path.
type Renderer interface {
	Render(ctx context.Context, c domain.Contract, campaign domain.Campaign) (string, error)
}

// TextRenderer writes a plain text agreement into object storage.
type TextRenderer struct {
	Store    storage.Store
	Currency string
}

// ObjectPath is where the document for contractID lives.
func ObjectPath(contractID string) string {
	return "contracts/" + contractID + ".txt"
}

func (r TextRenderer) Render(ctx context.Context, c domain.Contract, campaign domain.Campaign) (string, error) {
	if r.Store == nil {
		return "", fmt.Errorf("document store not configured")
	}
	var buf bytes.Buffer
	buf.WriteString(Text(c, campaign, r.Currency))
	p := ObjectPath(c.ID)
	if err := r.Store.Put(ctx, p, &buf); err != nil {
		return "", fmt.Errorf("store contract document: %w", err)
	}
	return p, nil
}

// Text renders the agreement body.
func Text(c domain.Contract, campaign domain.Campaign, currency string) string {
	tw := table.NewWriter()
	tw.SetTitle("Contract " + c.ID)
	tw.Style().Title.Align = text.AlignCenter
	tw.AppendRow(table.Row{"Campaign", fmt.Sprintf("%s (%s)", campaign.Title, campaign.ID)})
	tw.AppendRow(table.Row{"Owner", c.OwnerID})
	tw.AppendRow(table.Row{"Worker", c.WorkerID})
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"Total price", Money(c.Pricing.TotalPriceCents, currency)})
	tw.AppendRow(table.Row{"Platform fee", Money(c.Pricing.PlatformFeeCents, currency)})
	tw.AppendRow(table.Row{"Worker payout", Money(c.Pricing.WorkerPayoutTotalCents, currency)})
	tw.AppendSeparator()
	tw.AppendRow(table.Row{"Deliverable due", fmt.Sprintf("%d days after payment", campaign.DeliverableSpec.DueDaysAfterActivation)})
	tw.AppendRow(table.Row{"Created", c.CreatedAt})
	tw.SetColumnConfigs([]table.ColumnConfig{{Number: 1, Align: text.AlignLeft}, {Number: 2, Align: text.AlignLeft}})
	var out bytes.Buffer
	out.WriteString(tw.Render())
	out.WriteString("\n\nFunds are held in escrow from payment until the deliverable is approved.\n")
	return out.String()
}

// Money formats cents as a decimal amount with the currency code.
func Money(cents int64, currency string) string {
	amount := decimal.New(cents, -2).StringFixed(2)
	if currency == "" {
		return amount
	}
	return amount + " " + text.FormatUpper.Apply(currency)
}
