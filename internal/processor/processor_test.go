package processor_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"escrowline/internal/processor"
)

func TestSignAndVerify(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	body := []byte(`{"id":"evt_1","type":"checkout.session.completed"}`)
	header := processor.Sign("whsec", now, body)

	if err := processor.VerifySignature("whsec", header, body, 5*time.Minute, now.Add(time.Minute)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	cases := map[string]func() error{
		"wrong secret": func() error {
			return processor.VerifySignature("other", header, body, 5*time.Minute, now)
		},
		"tampered body": func() error {
			return processor.VerifySignature("whsec", header, append(body, ' '), 5*time.Minute, now)
		},
		"stale": func() error {
			return processor.VerifySignature("whsec", header, body, 5*time.Minute, now.Add(10*time.Minute))
		},
		"malformed": func() error {
			return processor.VerifySignature("whsec", "garbage", body, 5*time.Minute, now)
		},
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			if err := fn(); !errors.Is(err, processor.ErrInvalidSignature) {
				t.Fatalf("expected invalid signature, got %v", err)
			}
		})
	}
}

func TestParseEventSession(t *testing.T) {
	body := []byte(`{"id":"evt_9","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_status":"paid","payment_intent":"pi_1","client_reference_id":"c-ref","metadata":{"contract_id":"c-meta"}}}}`)
	ev, err := processor.ParseEvent(body)
	if err != nil {
		t.Fatal(err)
	}
	s, err := ev.Session()
	if err != nil {
		t.Fatal(err)
	}
	if s.ContractID() != "c-meta" || s.PaymentIntent != "pi_1" {
		t.Fatalf("unexpected session: %+v", s)
	}
	if _, err := processor.ParseEvent([]byte(`{"type":"x"}`)); err == nil {
		t.Fatalf("expected missing id error")
	}
}

func TestClientTransferSendsIdempotencyKey(t *testing.T) {
	var gotKey, gotAuth, gotDest string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/transfers" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotDest = r.PostForm.Get("destination")
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "tr_1", "amount": 900, "destination": gotDest})
	}))
	defer srv.Close()

	c := processor.NewClient(srv.URL, "sk_test")
	tr, err := c.CreateTransfer(context.Background(), processor.TransferParams{
		DestinationAccount: "acct_1", AmountCents: 900, Currency: "usd", IdempotencyKey: "payout:c1",
	})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if tr.ID != "tr_1" || gotKey != "payout:c1" || gotAuth != "Bearer sk_test" || gotDest != "acct_1" {
		t.Fatalf("unexpected request: id=%s key=%s auth=%s dest=%s", tr.ID, gotKey, gotAuth, gotDest)
	}
	if _, err := c.CreateTransfer(context.Background(), processor.TransferParams{AmountCents: 1}); err == nil {
		t.Fatalf("expected idempotency key error")
	}
}

func TestClientDecodesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session"}}`))
	}))
	defer srv.Close()

	_, err := processor.NewClient(srv.URL, "sk").RetrieveCheckoutSession(context.Background(), "cs_missing")
	if !processor.IsNotFound(err) {
		t.Fatalf("expected not found api error, got %v", err)
	}
	var apiErr *processor.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != "resource_missing" {
		t.Fatalf("unexpected error: %v", err)
	}
}
