package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"escrowline/internal/apperr"
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/logging"
	"escrowline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine        engine.Engine
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
	// RateLimitPerMinute caps requests per actor; zero disables the limit.
	RateLimitPerMinute int
	// MaxBodyBytes bounds API request bodies; zero means 1 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"FAILED_PRECONDITION"`
	Reason  string         `json:"reason,omitempty" example:"campaign_full"`
	Message string         `json:"message" example:"campaign has no free slots"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the escrowline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := logging.NewComponentLogger(logging.Or(cfg.Logger), "http")
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema validation failures are client input errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", "invalid_request", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	registerWebhooks(router, basePath, cfg.Engine, cfg.WebhookSecret, logger)

	// Huma routes get the captured body so handlers can tell an empty body
	// from a zero-valued one. The webhook above is exempt from rate limits.
	limiter := newRateLimiter(cfg.RateLimitPerMinute)
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = defaultMaxBody
	}
	api := humachi.New(router.With(limiter.middleware, captureBody(maxBody)), hcfg())
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerCampaigns(group, cfg.Engine)
	registerOffers(group, cfg.Engine)
	registerContracts(group, cfg.Engine)
	registerDeliverables(group, cfg.Engine)
	registerDisputes(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func hcfg() huma.Config {
	c := huma.DefaultConfig("escrowline API", "0.3.0")
	c.OpenAPIPath = "/openapi"
	c.DocsPath = "" // custom Swagger UI below
	return c
}

func captureBody(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					respondStatusError(w, newAPIError(http.StatusRequestEntityTooLarge, "INVALID_ARGUMENT", "body_too_large", "request body too large", nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusBadRequest, "INVALID_ARGUMENT", "invalid_request", "unreadable body", nil))
				return
			}
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug("request",
				slog.String(logging.FieldRequestID, uuid.NewString()),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
			)
		})
	}
}

func newAPIError(status int, code, reason, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Reason:  reason,
			Message: message,
			Details: details,
		},
	}
}

// handleError converts engine errors into the API envelope. Errors outside
// the taxonomy are reported as INTERNAL without leaking their text.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	if ae, ok := apperr.As(err); ok {
		msg := ae.Message
		if ae.Code != apperr.CodeInternal {
			msg = ae.Error()
		}
		return newAPIError(ae.Code.HTTPStatus(), string(ae.Code), ae.Reason, msg, ae.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, string(apperr.CodeNotFound), "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, string(apperr.CodeInternal), "internal_error", "internal error", nil)
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return string(apperr.CodeInvalidArgument)
	case http.StatusUnauthorized:
		return string(apperr.CodeUnauthenticated)
	case http.StatusForbidden:
		return string(apperr.CodePermissionDenied)
	case http.StatusNotFound:
		return string(apperr.CodeNotFound)
	case http.StatusConflict:
		return string(apperr.CodeAlreadyExists)
	case http.StatusPreconditionFailed:
		return string(apperr.CodeFailedPrecondition)
	case http.StatusTooManyRequests:
		return string(apperr.CodeResourceExhausted)
	case http.StatusInternalServerError:
		return string(apperr.CodeInternal)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>escrowline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

var clientErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusPreconditionFailed,
}

var writeErrors = append(append([]int{}, clientErrors...), http.StatusInternalServerError)

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"ok": true, "status": "ok"}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{OK: true, ActorID: actor.ID, Roles: nonNilSlice(actor.Roles)}}, nil
	})
}

func registerCampaigns(api huma.API, e engine.Engine) {
	type campaignPath struct {
		CampaignID string `path:"campaign_id"`
	}
	type campaignOut = struct {
		Body CampaignResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "create-campaign",
		Method:        http.MethodPost,
		Path:          "/campaigns",
		Summary:       "Create campaign",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateCampaignRequest `json:"body"`
	}) (*campaignOut, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body_required", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCampaign(ctx, actor, engine.CreateCampaignInput{
			Title:                       input.Body.Title,
			DeliverablesTotal:           input.Body.DeliverablesTotal,
			DueDaysAfterActivation:      input.Body.DueDaysAfterActivation,
			MaxPricePerDeliverableCents: input.Body.MaxPricePerDeliverableCents,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOut{Body: CampaignResponse{OK: true, Campaign: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-campaign",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Get campaign",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *campaignPath) (*campaignOut, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.GetCampaign(ctx, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOut{Body: CampaignResponse{OK: true, Campaign: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-campaign",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/publish",
		Summary:     "Publish campaign",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *campaignPath) (*campaignOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.PublishCampaign(ctx, actor, input.CampaignID)
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOut{Body: CampaignResponse{OK: true, Campaign: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-campaign",
		Method:      http.MethodPatch,
		Path:        "/campaigns/{campaign_id}",
		Summary:     "Update campaign",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string                `path:"campaign_id"`
		Body       UpdateCampaignRequest `json:"body"`
	}) (*campaignOut, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body_required", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCampaign(ctx, actor, input.CampaignID, engine.UpdateCampaignInput{
			Title:                       input.Body.Title,
			DeliverablesTotal:           input.Body.DeliverablesTotal,
			DueDaysAfterActivation:      input.Body.DueDaysAfterActivation,
			MaxPricePerDeliverableCents: input.Body.MaxPricePerDeliverableCents,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOut{Body: CampaignResponse{OK: true, Campaign: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-campaign-status",
		Method:      http.MethodPost,
		Path:        "/campaigns/{campaign_id}/status",
		Summary:     "Set campaign status",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string                   `path:"campaign_id"`
		Body       SetCampaignStatusRequest `json:"body"`
	}) (*campaignOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.UpdateCampaignStatus(ctx, actor, input.CampaignID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &campaignOut{Body: CampaignResponse{OK: true, Campaign: c}}, nil
	})
}

func registerOffers(api huma.API, e engine.Engine) {
	type offerPath struct {
		OfferID string `path:"offer_id"`
	}
	type offerOut = struct {
		Body OfferResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "submit-offer",
		Method:        http.MethodPost,
		Path:          "/campaigns/{campaign_id}/offers",
		Summary:       "Submit offer",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string             `path:"campaign_id"`
		Body       SubmitOfferRequest `json:"body"`
	}) (*offerOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.SubmitOffer(ctx, actor, input.CampaignID, engine.SubmitOfferInput{
			PriceCents: input.Body.PriceCents,
			Message:    input.Body.Message,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOut{Body: OfferResponse{OK: true, Offer: o}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-offers",
		Method:      http.MethodGet,
		Path:        "/campaigns/{campaign_id}/offers",
		Summary:     "List campaign offers",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		CampaignID string `path:"campaign_id"`
		Status     string `query:"status" enum:"submitted,withdrawn,accepted,rejected"`
	}) (*struct {
		Body OfferListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOffers(ctx, actor, input.CampaignID, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OfferListResponse `json:"body"`
		}{Body: OfferListResponse{OK: true, Offers: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "withdraw-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{offer_id}/withdraw",
		Summary:     "Withdraw offer",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *offerPath) (*offerOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.WithdrawOffer(ctx, actor, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOut{Body: OfferResponse{OK: true, Offer: o}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{offer_id}/reject",
		Summary:     "Reject offer",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *offerPath) (*offerOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.RejectOffer(ctx, actor, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &offerOut{Body: OfferResponse{OK: true, Offer: o}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-offer",
		Method:      http.MethodPost,
		Path:        "/offers/{offer_id}/accept",
		Summary:     "Accept offer and open checkout",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *offerPath) (*struct {
		Body AcceptOfferResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AcceptOffer(ctx, actor, input.OfferID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AcceptOfferResponse `json:"body"`
		}{Body: AcceptOfferResponse{
			OK:          true,
			ContractID:  res.ContractID,
			CheckoutURL: res.CheckoutURL,
			Created:     res.Created,
		}}, nil
	})
}

func registerContracts(api huma.API, e engine.Engine) {
	type contractOut = struct {
		Body ContractResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get contract",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*contractOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.GetContract(ctx, actor, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOut{Body: contractResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/cancel",
		Summary:     "Cancel unpaid contract",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string                `path:"contract_id"`
		Body       CancelContractRequest `json:"body" required:"false"`
	}) (*contractOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CancelContract(ctx, actor, input.ContractID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &contractOut{Body: ContractResponse{OK: true, Contract: c}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract-payout",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/payout",
		Summary:     "Get payout record",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string `path:"contract_id"`
	}) (*struct {
		Body PayoutResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetContract(ctx, actor, input.ContractID); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.GetPayout(ctx, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PayoutResponse `json:"body"`
		}{Body: PayoutResponse{OK: true, Payout: rec}}, nil
	})
}

func registerDeliverables(api huma.API, e engine.Engine) {
	type deliverableOut = struct {
		Body DeliverableResponse `json:"body"`
	}
	type reviewIn = struct {
		DeliverableID string        `path:"deliverable_id"`
		Body          ReviewRequest `json:"body" required:"false"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "get-deliverable",
		Method:      http.MethodGet,
		Path:        "/deliverables/{deliverable_id}",
		Summary:     "Get deliverable",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		DeliverableID string `path:"deliverable_id"`
	}) (*deliverableOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDeliverable(ctx, actor, input.DeliverableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOut{Body: DeliverableResponse{OK: true, Deliverable: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-deliverable",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/submit",
		Summary:     "Submit deliverable",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DeliverableID string                   `path:"deliverable_id"`
		Body          SubmitDeliverableRequest `json:"body"`
	}) (*deliverableOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.SubmitDeliverable(ctx, actor, input.DeliverableID, engine.SubmitDeliverableInput{
			PostURL:         input.Body.PostURL,
			Evidence:        input.Body.Evidence,
			ComplianceFlags: input.Body.ComplianceFlags,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOut{Body: DeliverableResponse{OK: true, Deliverable: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "approve-deliverable",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/approve",
		Summary:     "Approve deliverable and release payout",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *reviewIn) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ApproveDeliverable(ctx, actor, input.DeliverableID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: ApprovalResponse{OK: true, Deliverable: res.Deliverable, Payout: res.Payout}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "request-revision",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/request-revision",
		Summary:     "Request revision",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *reviewIn) (*deliverableOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RequestRevision(ctx, actor, input.DeliverableID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOut{Body: DeliverableResponse{OK: true, Deliverable: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-deliverable",
		Method:      http.MethodPost,
		Path:        "/deliverables/{deliverable_id}/reject",
		Summary:     "Reject deliverable",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *reviewIn) (*deliverableOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RejectDeliverable(ctx, actor, input.DeliverableID, input.Body.Notes)
		if err != nil {
			return nil, handleError(err)
		}
		return &deliverableOut{Body: DeliverableResponse{OK: true, Deliverable: d}}, nil
	})
}

func registerDisputes(api huma.API, e engine.Engine) {
	type disputePath struct {
		DisputeID string `path:"dispute_id"`
	}
	type disputeOut = struct {
		Body DisputeResponse `json:"body"`
	}

	huma.Register(api, huma.Operation{
		OperationID:   "open-dispute",
		Method:        http.MethodPost,
		Path:          "/contracts/{contract_id}/disputes",
		Summary:       "Open dispute",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ContractID string             `path:"contract_id"`
		Body       OpenDisputeRequest `json:"body"`
	}) (*disputeOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.OpenDispute(ctx, actor, input.ContractID, engine.OpenDisputeInput{
			ReasonCode:  input.Body.ReasonCode,
			Description: input.Body.Description,
			Evidence:    input.Body.Evidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: DisputeResponse{OK: true, Dispute: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-dispute",
		Method:      http.MethodGet,
		Path:        "/disputes/{dispute_id}",
		Summary:     "Get dispute",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *disputePath) (*disputeOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDispute(ctx, actor, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: DisputeResponse{OK: true, Dispute: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/review",
		Summary:     "Take dispute under review",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *disputePath) (*disputeOut, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ReviewDispute(ctx, actor, input.DisputeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: DisputeResponse{OK: true, Dispute: d}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dispute",
		Method:      http.MethodPost,
		Path:        "/disputes/{dispute_id}/resolve",
		Summary:     "Resolve dispute",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		DisputeID string                `path:"dispute_id"`
		Body      ResolveDisputeRequest `json:"body"`
	}) (*disputeOut, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "", "body_required", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.ResolveDispute(ctx, actor, input.DisputeID, engine.ResolveDisputeInput{
			Outcome:     input.Body.Outcome,
			RefundCents: input.Body.RefundCents,
			Notes:       input.Body.Notes,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &disputeOut{Body: DisputeResponse{OK: true, Dispute: d}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := actor.Require(auth.RoleAdjudicator, auth.RoleSystem); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "", "invalid_cursor", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := EventListResponse{OK: true, Events: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Events = append(resp.Events, items...)
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}
