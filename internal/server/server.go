package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"custodyline/internal/auditlog"
	"custodyline/internal/domain"
	"custodyline/internal/engine"
	"custodyline/internal/engine/auth"
	"custodyline/internal/metrics"
	"custodyline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"deadline_pending"`
	Message string         `json:"message" example:"3 days remaining until performance deadline"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"days_until_deadline\":3}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Custodyline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are validation_failed 400s.
			return newAPIError(http.StatusBadRequest, string(engine.KindValidation), msg, errorDetails(errs))
		}
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	metrics.Register()

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(observeRequests)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Custodyline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", promhttp.Handler())
	registerHealth(group)
	registerContracts(group, cfg.Engine)
	registerAgreements(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerReconciliation(group, cfg.Engine)
	registerPools(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]any{"errors": msgs}
}

// observeRequests records request durations by matched route pattern.
func observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequestDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
	})
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func statusForKind(k engine.Kind) int {
	switch k {
	case engine.KindUnauthorized:
		return http.StatusUnauthorized
	case engine.KindForbidden:
		return http.StatusForbidden
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindValidation:
		return http.StatusBadRequest
	case engine.KindUpstream:
		return http.StatusBadGateway
	case engine.KindInvalidState, engine.KindAlreadyExecuted, engine.KindAlreadyWaived,
		engine.KindObligationsMet, engine.KindDeadlinePending:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForKind(ee.Kind), string(ee.Kind), ee.Error(), ee.Details)
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusBadGateway:
		return "upstream_failure"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
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
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>Custodyline API Docs</title>
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

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type contractPath struct {
	ContractID string `path:"contract_id"`
}

type agreementPath struct {
	AgreementID string `path:"agreement_id"`
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "fund-contract",
		Method:      http.MethodPost,
		Path:        "/contracts",
		Summary:     "Record a funded contract and its milestones",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body FundContractRequest `json:"body"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		req, herr := fundContractInput(input.Body, principal(ctx).ActorID)
		if herr != nil {
			return nil, herr
		}
		c, err := e.FundContract(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}",
		Summary:     "Get a contract",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *contractPath) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		p := principal(ctx)
		c, err := e.GetContract(ctx, input.ContractID, p.ActorID, p.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "terminate-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/terminate",
		Summary:     "Terminate an active contract and route its escrow",
		Description: "The termination commits before funds move. A custodian failure is reported as refund_status=failed with a reconciliation item; the termination stands.",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ContractID string                   `path:"contract_id"`
		Body       TerminateContractRequest `json:"body"`
	}) (*struct {
		Body TerminationResultResponse `json:"body"`
	}, error) {
		res, err := e.Terminate(ctx, engine.TerminateRequest{
			ContractID:   input.ContractID,
			ActorID:      principal(ctx).ActorID,
			Type:         domain.TerminationType(input.Body.TerminationType),
			Reason:       input.Body.Reason,
			RefundToPool: input.Body.RefundToPool,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TerminationResultResponse `json:"body"`
		}{Body: terminationResultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-termination",
		Method:      http.MethodGet,
		Path:        "/contracts/{contract_id}/termination",
		Summary:     "Get the termination record of a contract",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *contractPath) (*struct {
		Body TerminationResponse `json:"body"`
	}, error) {
		p := principal(ctx)
		t, err := e.GetTermination(ctx, input.ContractID, p.ActorID, p.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TerminationResponse `json:"body"`
		}{Body: terminationResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-milestone",
		Method:      http.MethodPost,
		Path:        "/contracts/{contract_id}/milestones/{milestone_id}/complete",
		Summary:     "Mark a milestone completed",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ContractID  string `path:"contract_id"`
		MilestoneID string `path:"milestone_id"`
	}) (*struct {
		Body ContractResponse `json:"body"`
	}, error) {
		c, err := e.CompleteMilestone(ctx, input.ContractID, input.MilestoneID, principal(ctx).ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ContractResponse `json:"body"`
		}{Body: contractResponse(c)}, nil
	})
}

func registerAgreements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-agreement",
		Method:      http.MethodPost,
		Path:        "/agreements",
		Summary:     "Record an investor agreement with an active clawback provision",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAgreementRequest `json:"body"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		req, herr := createAgreementInput(input.Body, principal(ctx).ActorID)
		if herr != nil {
			return nil, herr
		}
		a, err := e.CreateAgreement(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agreement",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}",
		Summary:     "Get an investor agreement",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		p := principal(ctx)
		a, err := e.GetAgreement(ctx, input.AgreementID, p.ActorID, p.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger-clawback",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/clawback",
		Summary:     "Execute the clawback provision",
		Description: "Irreversible. Drops equity to zero and forfeits every held domain-exit token.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgreementID string                 `path:"agreement_id"`
		Body        TriggerClawbackRequest `json:"body" required:"false"`
	}) (*struct {
		Body ClawbackResultResponse `json:"body"`
	}, error) {
		res, err := e.TriggerClawback(ctx, input.AgreementID, principal(ctx).ActorID, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClawbackResultResponse `json:"body"`
		}{Body: clawbackResultResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-clawback-status",
		Method:      http.MethodGet,
		Path:        "/agreements/{agreement_id}/clawback",
		Summary:     "Whether the clawback can execute now, and why not",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *agreementPath) (*struct {
		Body ClawbackStatusResponse `json:"body"`
	}, error) {
		v, err := e.ClawbackStatus(ctx, input.AgreementID, principal(ctx).ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ClawbackStatusResponse `json:"body"`
		}{Body: clawbackStatusResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-obligation-met",
		Method:      http.MethodPost,
		Path:        "/agreements/{agreement_id}/obligations/{kind}/met",
		Summary:     "Record a fulfilled performance obligation",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AgreementID string                `path:"agreement_id"`
		Kind        string                `path:"kind" doc:"option_a, option_b, option_c or option_d"`
		Body        MarkObligationRequest `json:"body" required:"false"`
	}) (*struct {
		Body AgreementResponse `json:"body"`
	}, error) {
		a, err := e.MarkObligationMet(ctx, engine.MarkObligationRequest{
			AgreementID: input.AgreementID,
			ActorID:     principal(ctx).ActorID,
			Kind:        input.Kind,
			Evidence:    input.Body.Evidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgreementResponse `json:"body"`
		}{Body: agreementResponse(a)}, nil
	})
}

func registerLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-logs",
		Method:      http.MethodGet,
		Path:        "/logs",
		Summary:     "List performance log entries, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubjectKind string `query:"subject_kind"`
		SubjectID   string `query:"subject_id"`
		LogType     string `query:"log_type"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedLogs `json:"body"`
	}, error) {
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		p := principal(ctx)
		page, err := e.ListLogs(ctx, p.ActorID, p.Roles, auditlog.Filter{
			SubjectKind: input.SubjectKind,
			SubjectID:   input.SubjectID,
			LogType:     input.LogType,
			Cursor:      cursor,
			Limit:       normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLogs{Items: []PerformanceLogResponse{}}
		for _, l := range page.Items {
			resp.Items = append(resp.Items, logResponse(l))
		}
		if page.NextCursor > 0 {
			resp.NextCursor = strconv.FormatInt(page.NextCursor, 10)
		}
		return &struct {
			Body paginatedLogs `json:"body"`
		}{Body: resp}, nil
	})
}

func registerReconciliation(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-reconciliation",
		Method:      http.MethodGet,
		Path:        "/reconciliation",
		Summary:     "List escrow movements awaiting or past settlement",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body reconciliationList `json:"body"`
	}, error) {
		p := principal(ctx)
		items, err := e.ListReconciliation(ctx, p.ActorID, p.Roles, domain.ReconciliationStatus(input.Status), normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		resp := reconciliationList{Items: []ReconciliationItemResponse{}}
		for _, it := range items {
			resp.Items = append(resp.Items, reconciliationResponse(it))
		}
		return &struct {
			Body reconciliationList `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-reconciliation",
		Method:      http.MethodPost,
		Path:        "/reconciliation/{item_id}/retry",
		Summary:     "Retry an unsettled escrow movement",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body ReconciliationItemResponse `json:"body"`
	}, error) {
		p := principal(ctx)
		it, err := e.Reconcile(ctx, input.ItemID, p.ActorID, p.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconciliationItemResponse `json:"body"`
		}{Body: reconciliationResponse(it)}, nil
	})
}

func registerPools(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-pool",
		Method:      http.MethodGet,
		Path:        "/pools/{project_id}",
		Summary:     "Get a project pool's balances",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body PoolResponse `json:"body"`
	}, error) {
		pool, err := e.GetPool(ctx, input.ProjectID, principal(ctx).ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PoolResponse `json:"body"`
		}{Body: poolResponse(pool)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "deposit-to-pool",
		Method:      http.MethodPost,
		Path:        "/pools/{project_id}/deposits",
		Summary:     "Credit a project pool",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string         `path:"project_id"`
		Body      DepositRequest `json:"body"`
	}) (*struct {
		Body PoolResponse `json:"body"`
	}, error) {
		amount, herr := parseAmount("amount", input.Body.Amount)
		if herr != nil {
			return nil, herr
		}
		p := principal(ctx)
		pool, err := e.DepositToPool(ctx, input.ProjectID, amount, p.ActorID, p.Roles)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PoolResponse `json:"body"`
		}{Body: poolResponse(pool)}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok || p.ActorID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID: p.ActorID,
			Roles:   nonNilSlice(p.Roles),
			Source:  p.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := SignToken(authCfg.JWTSecret, actor, input.Body.Roles, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
