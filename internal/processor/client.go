package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// Client talks to a Stripe-compatible REST API with form encoded requests.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: defaultTimeout},
	}
}

func (c *Client) CreateCheckoutSession(ctx context.Context, p CheckoutSessionParams) (CheckoutSession, error) {
	if err := validateKey(p.IdempotencyKey); err != nil {
		return CheckoutSession{}, err
	}
	form := url.Values{}
	form.Set("mode", "payment")
	form.Set("success_url", p.SuccessURL)
	form.Set("cancel_url", p.CancelURL)
	form.Set("client_reference_id", p.ContractID)
	form.Set("metadata[contract_id]", p.ContractID)
	form.Set("metadata[campaign_id]", p.CampaignID)
	form.Set("line_items[0][quantity]", "1")
	form.Set("line_items[0][price_data][currency]", p.Currency)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(p.AmountCents, 10))
	form.Set("line_items[0][price_data][product_data][name]", p.Description)
	form.Set("payment_intent_data[metadata][contract_id]", p.ContractID)
	form.Set("payment_intent_data[transfer_group]", p.ContractID)
	var out CheckoutSession
	err := c.do(ctx, http.MethodPost, "/v1/checkout/sessions", form, p.IdempotencyKey, &out)
	return out, err
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, id string) (CheckoutSession, error) {
	var out CheckoutSession
	err := c.do(ctx, http.MethodGet, "/v1/checkout/sessions/"+url.PathEscape(id), nil, "", &out)
	return out, err
}

func (c *Client) CreateRefund(ctx context.Context, p RefundParams) (Refund, error) {
	if err := validateKey(p.IdempotencyKey); err != nil {
		return Refund{}, err
	}
	form := url.Values{}
	form.Set("payment_intent", p.PaymentIntentID)
	form.Set("amount", strconv.FormatInt(p.AmountCents, 10))
	if p.Reason != "" {
		form.Set("metadata[reason]", p.Reason)
	}
	var out Refund
	err := c.do(ctx, http.MethodPost, "/v1/refunds", form, p.IdempotencyKey, &out)
	return out, err
}

func (c *Client) CreateTransfer(ctx context.Context, p TransferParams) (Transfer, error) {
	if err := validateKey(p.IdempotencyKey); err != nil {
		return Transfer{}, err
	}
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(p.AmountCents, 10))
	form.Set("currency", p.Currency)
	form.Set("destination", p.DestinationAccount)
	if p.TransferGroup != "" {
		form.Set("transfer_group", p.TransferGroup)
	}
	var out Transfer
	err := c.do(ctx, http.MethodPost, "/v1/transfers", form, p.IdempotencyKey, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, method, path string, form url.Values, idempotencyKey string, out any) error {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error != nil {
			apiErr.Type = envelope.Error.Type
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(data))
		}
		return apiErr
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode processor response: %w", err)
	}
	return nil
}
