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
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"protovault/internal/domain"
	"protovault/internal/engine"
	"protovault/internal/gate"
	"protovault/internal/quality"
	"protovault/internal/repo"
	"protovault/internal/run"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"insufficient_tier"`
	Message string         `json:"message" example:"access restricted: protocol requires the commander license"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"required_tier\":\"commander\"}"`
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

// New returns an HTTP handler exposing the ProtoVault API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("ProtoVault API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProtocols(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerEntitlements(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var denied gate.DeniedError
	if errors.As(err, &denied) {
		switch denied.Decision.Reason {
		case gate.ReasonInsufficientTier:
			return newAPIError(http.StatusForbidden, gate.ReasonInsufficientTier, err.Error(), map[string]any{
				"required_tier": string(denied.Decision.RequiredTier),
			})
		default:
			return newAPIError(http.StatusPaymentRequired, gate.ReasonInsufficientBalance, err.Error(), map[string]any{
				"cost": denied.Decision.Cost,
			})
		}
	}
	var sub quality.SubThresholdError
	if errors.As(err, &sub) {
		return newAPIError(http.StatusUnprocessableEntity, "quality_below_threshold", err.Error(), map[string]any{
			"score":     sub.Score,
			"weakest":   sub.Score.Weakest(),
			"threshold": quality.PublishThreshold,
		})
	}
	if errors.Is(err, run.ErrNoExecutableSteps) {
		return newAPIError(http.StatusUnprocessableEntity, "no_executable_steps", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrStepGateUnsatisfied) {
		return newAPIError(http.StatusConflict, "step_gate_unsatisfied", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrRunNotRunning) {
		return newAPIError(http.StatusConflict, "run_not_running", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotRunOwner) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"),
		strings.Contains(lowered, "only drafts"),
		strings.Contains(lowered, "only active"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "different author"):
		return newAPIError(http.StatusForbidden, "forbidden", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
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
    <title>ProtoVault API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Vault status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		counts, err := e.Repo.CountProtocolsByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		vaultID := ""
		if e.Config != nil {
			vaultID = e.Config.Vault.ID
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"vault_id":        vaultID,
			"protocol_counts": counts,
		}}, nil
	})
}

func registerProtocols(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-protocol",
		Method:        http.MethodPost,
		Path:          "/protocols",
		Summary:       "Create protocol draft",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body ProtocolDraftRequest `json:"body"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProtocolCreateOptions{AuthorID: actorID, Draft: input.Body.toDomain()}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		p, err := e.CreateProtocol(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-protocols",
		Method:      http.MethodGet,
		Path:        "/protocols",
		Summary:     "List protocols",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status   string `query:"status" enum:",draft,active,archived,rejected"`
		Category string `query:"category"`
		AuthorID string `query:"author_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body []domain.Protocol `json:"body"`
	}, error) {
		items, err := e.Repo.ListProtocols(ctx, repo.ProtocolFilters{
			Status:   input.Status,
			Category: input.Category,
			AuthorID: input.AuthorID,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Protocol `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/{protocol_id}",
		Summary:     "Get protocol",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		p, err := e.Repo.GetProtocol(ctx, input.ProtocolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-protocol",
		Method:      http.MethodPut,
		Path:        "/protocols/{protocol_id}",
		Summary:     "Update protocol draft",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ProtocolID string               `path:"protocol_id"`
		Body       ProtocolDraftRequest `json:"body"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.UpdateProtocol(ctx, input.ProtocolID, actorID, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "score-protocol",
		Method:      http.MethodGet,
		Path:        "/protocols/{protocol_id}/score",
		Summary:     "Quality score breakdown",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body ScoreResponse `json:"body"`
	}, error) {
		score, err := e.ScoreProtocol(ctx, input.ProtocolID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScoreResponse `json:"body"`
		}{Body: scoreResponse(score)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "publish-protocol",
		Method:      http.MethodPost,
		Path:        "/protocols/{protocol_id}/publish",
		Summary:     "Publish protocol",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body PublishResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, score, err := e.PublishProtocol(ctx, input.ProtocolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PublishResponse `json:"body"`
		}{Body: PublishResponse{Protocol: p, Score: scoreResponse(score)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-protocol",
		Method:      http.MethodPost,
		Path:        "/protocols/{protocol_id}/archive",
		Summary:     "Archive protocol",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ArchiveProtocol(ctx, input.ProtocolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-protocol",
		Method:      http.MethodPost,
		Path:        "/protocols/{protocol_id}/reject",
		Summary:     "Reject protocol draft",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProtocolID string `path:"protocol_id"`
	}) (*struct {
		Body domain.Protocol `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RejectProtocol(ctx, input.ProtocolID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Protocol `json:"body"`
		}{Body: p}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-run",
		Method:        http.MethodPost,
		Path:          "/protocols/{protocol_id}/runs",
		Summary:       "Start run",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusPaymentRequired,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProtocolID string          `path:"protocol_id"`
		Body       StartRunRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.StartRunOptions{ProtocolID: input.ProtocolID, ActorID: actorID}
		if input.Body.SessionID != nil {
			opts.SessionID = *input.Body.SessionID
		}
		r, err := e.StartRun(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List my runs",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body []domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListRunsByActor(ctx, actorID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Run `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		r, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-log",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/log",
		Summary:     "Get run log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body []domain.LogEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Repo.ListRunLog(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.LogEntry `json:"body"`
		}{Body: entries}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advance-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/advance",
		Summary:     "Advance run",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string            `path:"run_id"`
		Body  AdvanceRunRequest `json:"body,omitempty"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.AdvanceRun(ctx, engine.AdvanceRunOptions{
			RunID:   input.RunID,
			ActorID: actorID,
			Captured: run.Captured{
				Confirmed: input.Body.Confirmed,
				Choice:    input.Body.Choice,
				Text:      input.Body.Text,
			},
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abandon-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/abandon",
		Summary:     "Abandon run",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		r, err := e.AbandonRun(ctx, input.RunID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-report",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/report",
		Summary:     "Audit report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		report, err := e.RenderReport(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: ReportResponse{RunID: input.RunID, Report: report}}, nil
	})
}

func registerEntitlements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-entitlement",
		Method:      http.MethodGet,
		Path:        "/entitlements/{actor_id}",
		Summary:     "Get entitlement",
	}, func(ctx context.Context, input *struct {
		ActorID string `path:"actor_id"`
	}) (*struct {
		Body domain.Entitlement `json:"body"`
	}, error) {
		ent, err := e.GetEntitlement(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entitlement `json:"body"`
		}{Body: ent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-entitlement",
		Method:      http.MethodPut,
		Path:        "/entitlements/{actor_id}",
		Summary:     "Set entitlement tier",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ActorID string                `path:"actor_id"`
		Body    SetEntitlementRequest `json:"body"`
	}) (*struct {
		Body domain.Entitlement `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ent, err := e.SetEntitlement(ctx, input.ActorID, input.Body.Tier, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entitlement `json:"body"`
		}{Body: ent}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit"`
		Cursor     int64  `query:"cursor"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		raw := "pvk_" + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(raw),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		// raw key is returned once and never stored
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{ID: key.ID, ActorID: key.ActorID, Name: key.Name, Key: raw, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actorID := input.ActorID
		if actorID == "" {
			var authErr huma.StatusError
			actorID, authErr = actorIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
		}
		keys, err := e.Repo.ListAPIKeys(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
