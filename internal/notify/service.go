package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const userAgent = "escrowline/1.0"

// Notification kinds emitted by the engine.
const (
	KindContractActivated = "contract.activated"
	KindContractCancelled = "contract.cancelled"
	KindContractCompleted = "contract.completed"
	KindDeliverableReview = "deliverable.reviewed"
	KindDisputeOpened     = "dispute.opened"
	KindDisputeResolved   = "dispute.resolved"
)

type Notification struct {
	ID         string         `json:"id"`
	Kind       string         `json:"kind"`
	Recipients []string       `json:"recipients"`
	ContractID string         `json:"contract_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  string         `json:"created_at"`
}

// Service delivers notifications. Delivery is best-effort: callers log the
// returned error and carry on.
type Service interface {
	Notify(ctx context.Context, n Notification) error
}

// NewService builds an HTTP webhook dispatcher when url is set, otherwise a noop.
func NewService(url string, timeout time.Duration) Service {
	url = strings.TrimSpace(url)
	if url == "" {
		return Noop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &httpService{endpoint: url, client: &http.Client{Timeout: timeout}}
}

type Noop struct{}

func (Noop) Notify(context.Context, Notification) error { return nil }

type httpService struct {
	endpoint string
	client   *http.Client
}

func (s *httpService) Notify(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt == "" {
		n.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Idempotency-Key", n.ID)
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("notification endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}

// Recorder keeps notifications in memory; tests use it to assert side effects.
type Recorder struct {
	mu   sync.Mutex
	sent []Notification
	Err  error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Notify(_ context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, n)
	return nil
}

// Sent returns the recorded notifications of the given kind, or all when kind is empty.
func (r *Recorder) Sent(kind string) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Notification
	for _, n := range r.sent {
		if kind == "" || n.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}
