package processor

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries "t=<unix>,v1=<hex hmac>" for every event delivery.
const SignatureHeader = "Processor-Signature"

// Event types handled by reconciliation.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventCheckoutExpired   = "checkout.session.expired"
	EventChargeRefunded    = "charge.refunded"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

// Sign returns the signature header value for body at timestamp ts.
func Sign(secret string, ts time.Time, body []byte) string {
	unix := strconv.FormatInt(ts.Unix(), 10)
	return "t=" + unix + ",v1=" + computeSignature(secret, unix, body)
}

func computeSignature(secret, unix string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(unix))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks header against body. Any v1 entry may match; the
// timestamp must be within tolerance of now when tolerance is positive.
func VerifySignature(secret, header string, body []byte, tolerance time.Duration, now time.Time) error {
	if strings.TrimSpace(secret) == "" {
		return fmt.Errorf("%w: secret not configured", ErrInvalidSignature)
	}
	ts, sigs := parseSignatureHeader(header)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || unix <= 0 || len(sigs) == 0 {
		return fmt.Errorf("%w: malformed header", ErrInvalidSignature)
	}
	expected, _ := hex.DecodeString(computeSignature(secret, ts, body))
	valid := false
	for _, s := range sigs {
		decoded, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: no matching v1 signature", ErrInvalidSignature)
	}
	if tolerance > 0 {
		skew := now.Sub(time.Unix(unix, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > tolerance {
			return fmt.Errorf("%w: timestamp outside tolerance", ErrInvalidSignature)
		}
	}
	return nil
}

func parseSignatureHeader(header string) (string, []string) {
	var ts string
	var sigs []string
	for _, part := range strings.Split(header, ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch strings.TrimSpace(kv[0]) {
		case "t":
			if ts == "" {
				ts = strings.TrimSpace(kv[1])
			}
		case "v1":
			sigs = append(sigs, strings.TrimSpace(kv[1]))
		}
	}
	return ts, sigs
}

type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// SessionObject is the payload of checkout.session.* events.
type SessionObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	PaymentIntent     string            `json:"payment_intent"`
	ClientReferenceID string            `json:"client_reference_id"`
	AmountTotal       int64             `json:"amount_total"`
	Metadata          map[string]string `json:"metadata"`
}

// ContractID resolves the contract the session was created for.
func (s SessionObject) ContractID() string {
	if id := s.Metadata["contract_id"]; id != "" {
		return id
	}
	return s.ClientReferenceID
}

// ChargeObject is the payload of charge.* events.
type ChargeObject struct {
	ID             string            `json:"id"`
	PaymentIntent  string            `json:"payment_intent"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Metadata       map[string]string `json:"metadata"`
}

// ParseEvent decodes an event envelope.
func ParseEvent(body []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.ID == "" || ev.Type == "" {
		return Event{}, errors.New("event id and type are required")
	}
	return ev, nil
}

func (e Event) Session() (SessionObject, error) {
	var s SessionObject
	if err := json.Unmarshal(e.Data.Object, &s); err != nil {
		return s, fmt.Errorf("decode session object: %w", err)
	}
	return s, nil
}

func (e Event) Charge() (ChargeObject, error) {
	var c ChargeObject
	if err := json.Unmarshal(e.Data.Object, &c); err != nil {
		return c, fmt.Errorf("decode charge object: %w", err)
	}
	return c, nil
}
