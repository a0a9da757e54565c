package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"

	"escrowline/internal/apperr"
	"escrowline/internal/engine"
	"escrowline/internal/logging"
)

// SignatureHeader carries the processor's "t=<unix>,v1=<hex>" signature.
const SignatureHeader = "Processor-Signature"

const defaultMaxBody = 1 << 20

// registerWebhooks mounts the processor callback outside huma: signature
// verification needs the exact bytes the processor sent.
func registerWebhooks(r chi.Router, basePath string, e engine.Engine, secret string, logger *slog.Logger) {
	limit := int64(defaultMaxBody)
	if e.Config != nil && e.Config.Webhooks.MaxBodyBytes > 0 {
		limit = e.Config.Webhooks.MaxBodyBytes
	}
	r.Post(path.Join(basePath, "webhooks/processor"), func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, limit))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "body_too_large", "webhook body too large", nil))
				return
			}
			respondStatusError(w, newAPIError(http.StatusBadRequest, "INVALID_ARGUMENT", "invalid_event", "unreadable body", nil))
			return
		}
		res, err := e.ReceiveProcessorEvent(req.Context(), body, req.Header.Get(SignatureHeader), secret)
		if err != nil {
			if apperr.HasCode(err, apperr.CodeInvalidArgument) {
				logger.Warn("processor webhook rejected", slog.String("reason", apperr.ReasonOf(err)), logging.Error(err))
			} else {
				logger.Error("processor webhook not logged", logging.Error(err))
			}
			respondStatusError(w, handleError(err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(WebhookResponse{
			OK:      true,
			EventID: res.EventID,
			Deduped: res.Deduped,
			Outcome: res.Outcome,
		})
	})
}
