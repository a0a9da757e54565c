package escrowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal escrowline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Campaign represents the API campaign model (partial).
type Campaign struct {
	ID                        string `json:"id"`
	OwnerID                   string `json:"owner_id"`
	Title                     string `json:"title"`
	Status                    string `json:"status"`
	AutoPaused                bool   `json:"auto_paused"`
	AcceptedDeliverablesCount int    `json:"accepted_deliverables_count"`
	DeliverableSpec           struct {
		DeliverablesTotal      int `json:"deliverables_total"`
		DueDaysAfterActivation int `json:"due_days_after_activation"`
	} `json:"deliverable_spec"`
}

// Offer represents a worker's bid.
type Offer struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	WorkerID   string `json:"worker_id"`
	PriceCents int64  `json:"price_cents"`
	Status     string `json:"status"`
}

// Contract represents the API contract model (partial).
type Contract struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	OwnerID    string `json:"owner_id"`
	WorkerID   string `json:"worker_id"`
	Status     string `json:"status"`
	Pricing    struct {
		TotalPriceCents        int64 `json:"total_price_cents"`
		PlatformFeeCents       int64 `json:"platform_fee_cents"`
		WorkerPayoutTotalCents int64 `json:"worker_payout_total_cents"`
	} `json:"pricing"`
	Payment struct {
		CheckoutURL   string `json:"checkout_url"`
		Status        string `json:"status"`
		RefundedCents int64  `json:"refunded_cents"`
	} `json:"payment"`
	Payout struct {
		TransferStatus string `json:"transfer_status"`
		TransferID     string `json:"transfer_id"`
	} `json:"payout"`
}

// Deliverable represents the work item of a contract.
type Deliverable struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	DueAt         string `json:"due_at"`
	RevisionCount int    `json:"revision_count"`
}

// Dispute represents a contested contract.
type Dispute struct {
	ID         string `json:"id"`
	ContractID string `json:"contract_id"`
	ReasonCode string `json:"reason_code"`
	Status     string `json:"status"`
	Resolution struct {
		RefundCents int64  `json:"refund_cents"`
		RefundID    string `json:"refund_id"`
	} `json:"resolution"`
}

// ContractView bundles a contract with its deliverable and disputes.
type ContractView struct {
	Contract    Contract    `json:"contract"`
	Deliverable Deliverable `json:"deliverable"`
	Disputes    []Dispute   `json:"disputes"`
}

// Acceptance is returned when an offer is accepted.
type Acceptance struct {
	ContractID  string `json:"contract_id"`
	CheckoutURL string `json:"checkout_url"`
}

// Payout is the transfer released on approval.
type Payout struct {
	ContractID  string `json:"contract_id"`
	TransferID  string `json:"transfer_id"`
	AmountCents int64  `json:"amount_cents"`
	AlreadySent bool   `json:"already_sent"`
}

// APIError wraps non-2xx responses. Code and Reason come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Reason     string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("api error: status=%d code=%s reason=%s: %s", e.StatusCode, e.Code, e.Reason, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateCampaign creates a draft campaign.
func (c *Client) CreateCampaign(ctx context.Context, title string, total int, dueDays int, maxPriceCents int64) (Campaign, error) {
	body := map[string]any{
		"title":                           title,
		"deliverables_total":              total,
		"due_days_after_activation":       dueDays,
		"max_price_per_deliverable_cents": maxPriceCents,
	}
	var resp struct {
		Campaign Campaign `json:"campaign"`
	}
	err := c.do(ctx, http.MethodPost, "campaigns", body, &resp)
	return resp.Campaign, err
}

// PublishCampaign moves a campaign to live.
func (c *Client) PublishCampaign(ctx context.Context, id string) (Campaign, error) {
	var resp struct {
		Campaign Campaign `json:"campaign"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("campaigns/%s/publish", url.PathEscape(id)), nil, &resp)
	return resp.Campaign, err
}

// SubmitOffer places a bid on a campaign.
func (c *Client) SubmitOffer(ctx context.Context, campaignID string, priceCents int64, message string) (Offer, error) {
	body := map[string]any{"price_cents": priceCents, "message": message}
	var resp struct {
		Offer Offer `json:"offer"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("campaigns/%s/offers", url.PathEscape(campaignID)), body, &resp)
	return resp.Offer, err
}

// AcceptOffer opens a contract and returns its checkout link. Retrying is safe.
func (c *Client) AcceptOffer(ctx context.Context, offerID string) (Acceptance, error) {
	var resp Acceptance
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("offers/%s/accept", url.PathEscape(offerID)), nil, &resp)
	return resp, err
}

// Contract fetches a contract with its deliverable and disputes.
func (c *Client) Contract(ctx context.Context, id string) (ContractView, error) {
	var resp ContractView
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("contracts/%s", url.PathEscape(id)), nil, &resp)
	return resp, err
}

// SubmitDeliverable hands in the post URL and evidence object paths.
func (c *Client) SubmitDeliverable(ctx context.Context, id, postURL string, evidence []string) (Deliverable, error) {
	body := map[string]any{"post_url": postURL, "evidence": evidence}
	var resp struct {
		Deliverable Deliverable `json:"deliverable"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("deliverables/%s/submit", url.PathEscape(id)), body, &resp)
	return resp.Deliverable, err
}

// ApproveDeliverable approves the work and returns the released payout.
func (c *Client) ApproveDeliverable(ctx context.Context, id, notes string) (Payout, error) {
	var resp struct {
		Payout Payout `json:"payout"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("deliverables/%s/approve", url.PathEscape(id)), map[string]any{"notes": notes}, &resp)
	return resp.Payout, err
}

// OpenDispute contests a contract.
func (c *Client) OpenDispute(ctx context.Context, contractID, reasonCode, description string) (Dispute, error) {
	body := map[string]any{"reason_code": reasonCode, "description": description}
	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("contracts/%s/disputes", url.PathEscape(contractID)), body, &resp)
	return resp.Dispute, err
}

// ResolveDispute settles a dispute; refundCents is ignored unless the outcome
// is resolved_partial_refund.
func (c *Client) ResolveDispute(ctx context.Context, id, outcome string, refundCents int64, notes string) (Dispute, error) {
	body := map[string]any{"outcome": outcome, "refund_cents": refundCents, "notes": notes}
	var resp struct {
		Dispute Dispute `json:"dispute"`
	}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("disputes/%s/resolve", url.PathEscape(id)), body, &resp)
	return resp.Dispute, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/v1/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Reason = env.Error.Reason
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
