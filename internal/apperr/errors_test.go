package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"escrowline/internal/apperr"
)

func TestIsMatchesByCodeAndReason(t *testing.T) {
	err := fmt.Errorf("accept: %w", apperr.FailedPrecondition("campaign_full", "campaign has no free slots"))
	if !apperr.HasCode(err, apperr.CodeFailedPrecondition) {
		t.Fatalf("expected failed precondition code")
	}
	if !apperr.HasReason(err, apperr.CodeFailedPrecondition, "campaign_full") {
		t.Fatalf("expected campaign_full reason")
	}
	if apperr.HasReason(err, apperr.CodeFailedPrecondition, "offer_withdrawn") {
		t.Fatalf("unexpected reason match")
	}
	if apperr.ReasonOf(err) != "campaign_full" {
		t.Fatalf("reason: got %q", apperr.ReasonOf(err))
	}
}

func TestCodeOfForeignError(t *testing.T) {
	if got := apperr.CodeOf(errors.New("boom")); got != apperr.CodeInternal {
		t.Fatalf("expected INTERNAL, got %s", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("processor down")
	err := apperr.Internal("payout_failed", "transfer failed", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("cause not reachable via errors.Is")
	}
	if err.Error() != "transfer failed: processor down" {
		t.Fatalf("message: %q", err.Error())
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := map[apperr.Code]int{
		apperr.CodeNotFound:           http.StatusNotFound,
		apperr.CodePermissionDenied:   http.StatusForbidden,
		apperr.CodeFailedPrecondition: http.StatusPreconditionFailed,
		apperr.CodeInvalidArgument:    http.StatusBadRequest,
		apperr.CodeAlreadyExists:      http.StatusConflict,
		apperr.CodeResourceExhausted:  http.StatusTooManyRequests,
		apperr.CodeUnauthenticated:    http.StatusUnauthorized,
		apperr.CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := code.HTTPStatus(); got != want {
			t.Errorf("%s: got %d want %d", code, got, want)
		}
	}
}
