package escrowsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAcceptOfferSendsAuthAndDecodes(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"ok":           true,
			"contract_id":  "off_1",
			"checkout_url": "https://pay.example/cs_1",
		})
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "esk_test"
	got, err := c.AcceptOffer(context.Background(), "off_1")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if gotPath != "/v1/offers/off_1/accept" || gotKey != "esk_test" {
		t.Fatalf("unexpected request path=%q key=%q", gotPath, gotKey)
	}
	if got.ContractID != "off_1" || got.CheckoutURL == "" {
		t.Fatalf("unexpected acceptance: %+v", got)
	}
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		_, _ = w.Write([]byte(`{"error":{"code":"FAILED_PRECONDITION","reason":"campaign_full","message":"campaign has no free slots"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).AcceptOffer(context.Background(), "off_2")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusPreconditionFailed || apiErr.Reason != "campaign_full" || apiErr.Code != "FAILED_PRECONDITION" {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
