package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"statusline/internal/domain"
	"statusline/internal/engine"
	"statusline/internal/events"
	"statusline/internal/reducer"
	"statusline/internal/repo"
	"statusline/internal/transitions"
)

const apiVersion = "0.1.0"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"illegal transition: planned -> done"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope of every non-2xx response.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the status API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Statusline API", apiVersion)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFeatures(group, cfg.Engine)
	registerStatus(group, cfg.Engine)
	registerWorkPackages(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var te *transitions.TransitionError
	if errors.As(err, &te) {
		details := map[string]any{"from_lane": te.From, "to_lane": te.To}
		switch {
		case errors.Is(err, transitions.ErrUnknownLane):
			return newAPIError(http.StatusBadRequest, "unknown_lane", err.Error(), details)
		case errors.Is(err, transitions.ErrForceJustification):
			return newAPIError(http.StatusUnprocessableEntity, "force_justification_required", err.Error(), details)
		case errors.Is(err, transitions.ErrGuardFailed):
			return newAPIError(http.StatusUnprocessableEntity, "guard_failed", err.Error(), details)
		default:
			details["allowed"] = transitions.AllowedTargets(domain.Lane(te.From))
			return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), details)
		}
	}
	var se *events.StoreError
	if errors.As(err, &se) {
		return newAPIError(http.StatusInternalServerError, "corrupt_event_log", err.Error(), map[string]any{
			"path": se.Path, "line": se.Line, "preview": se.Preview,
		})
	}
	switch {
	case errors.Is(err, engine.ErrUnknownFeature), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, domain.ErrInvalidEvent):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrDrift):
		return newAPIError(http.StatusConflict, "view_drift", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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
	var doc []byte
	docPath := path.Join(basePath, "openapi.json")
	r.Get(docPath, func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	var errSchema *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		errSchema = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
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
	security := []map[string][]string{{"bearerAuth": {}}}
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
    <title>Statusline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
    </p>
  </body>
</html>`, specURL)
}

type featurePath struct {
	Feature string `path:"feature"`
}

type wpPath struct {
	Feature string `path:"feature"`
	WPID    string `path:"wp_id"`
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

func registerFeatures(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-features",
		Method:      http.MethodGet,
		Path:        "/features",
		Summary:     "List features",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FeatureListResponse `json:"body"`
	}, error) {
		items, err := e.Features()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body FeatureListResponse `json:"body"`
		}{Body: FeatureListResponse{Items: items}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "feature-status",
		Method:      http.MethodGet,
		Path:        "/features/{feature}/status",
		Summary:     "Current snapshot reduced from the event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *featurePath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		ph, err := e.ResolvePhase(ctx, input.Feature)
		if err != nil {
			return nil, handleError(err)
		}
		snap, err := e.Status(ctx, input.Feature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Phase: phaseResponse(ph), Snapshot: snap}}, nil
	})
}

func registerWorkPackages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-work-package",
		Method:      http.MethodGet,
		Path:        "/features/{feature}/work-packages/{wp_id}",
		Summary:     "Current state of one work package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wpPath) (*struct {
		Body WorkPackageResponse `json:"body"`
	}, error) {
		st, err := e.WorkPackage(ctx, input.Feature, input.WPID)
		if errors.Is(err, repo.ErrNotFound) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "work package has no events", map[string]any{"wp_id": input.WPID})
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WorkPackageResponse `json:"body"`
		}{Body: WorkPackageResponse{FeatureSlug: input.Feature, WPID: input.WPID, State: st}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "work-package-history",
		Method:      http.MethodGet,
		Path:        "/features/{feature}/work-packages/{wp_id}/history",
		Summary:     "Ordered transitions of one work package",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *wpPath) (*struct {
		Body HistoryResponse `json:"body"`
	}, error) {
		hist, err := e.History(ctx, input.Feature, input.WPID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HistoryResponse `json:"body"`
		}{Body: HistoryResponse{WPID: input.WPID, Events: hist}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/features/{feature}/events",
		Summary:     "List events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Feature string `path:"feature"`
		WPID    string `query:"wp_id"`
		ToLane  string `query:"to_lane"`
		Actor   string `query:"actor"`
		Forced  string `query:"forced" doc:"true or false"`
		Limit   int    `query:"limit" default:"50"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := e.FeatureDir(input.Feature); err != nil {
			return nil, handleError(err)
		}
		f := repo.EventFilters{Feature: input.Feature, WPID: input.WPID, Actor: input.Actor}
		if input.ToLane != "" {
			l, err := transitions.ParseLane(input.ToLane)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "unknown_lane", err.Error(), map[string]any{"to_lane": input.ToLane})
			}
			f.ToLane = l
		}
		switch strings.ToLower(input.Forced) {
		case "":
		case "true":
			v := true
			f.Forced = &v
		case "false":
			v := false
			f.Forced = &v
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "forced must be true or false", nil)
		}
		cursorAt, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		f.CursorAt, f.CursorID = cursorAt, cursorID
		limit := normalizeLimit(input.Limit)
		f.Limit = limit + 1

		var items []domain.StatusEvent
		if e.Index != nil {
			items, err = e.Index.ListEvents(ctx, f)
		} else {
			items, err = listLogEvents(ctx, e, f)
		}
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.StatusEvent{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.At, last.EventID)
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

// listLogEvents applies index-style filters directly to the event log.
func listLogEvents(ctx context.Context, e engine.Engine, f repo.EventFilters) ([]domain.StatusEvent, error) {
	evts, err := e.Events(ctx, f.Feature)
	if err != nil {
		return nil, err
	}
	ordered := reducer.Normalize(evts)
	out := []domain.StatusEvent{}
	for i := len(ordered) - 1; i >= 0; i-- {
		evt := ordered[i]
		switch {
		case f.WPID != "" && evt.WPID != f.WPID,
			f.ToLane != "" && evt.ToLane != f.ToLane,
			f.Actor != "" && evt.Actor != f.Actor,
			f.Forced != nil && evt.Force != *f.Forced:
			continue
		}
		if f.CursorAt != "" && !(evt.At < f.CursorAt || (evt.At == f.CursorAt && evt.EventID < f.CursorID)) {
			continue
		}
		out = append(out, evt)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func registerTransitions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "emit-transition",
		Method:      http.MethodPost,
		Path:        "/features/{feature}/transitions",
		Summary:     "Move a work package to another lane",
		Description: "The authenticated actor is recorded on the event. Rejected transitions leave no trace.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Feature string `path:"feature"`
		Body    TransitionRequest
	}) (*struct {
		Body domain.StatusEvent `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := e.Emit(ctx, engine.EmitOptions{
			Feature:       input.Feature,
			WPID:          input.Body.WPID,
			ToLane:        input.Body.ToLane,
			Actor:         actorID,
			Force:         input.Body.Force,
			Reason:        input.Body.Reason,
			ReviewRef:     input.Body.ReviewRef,
			Evidence:      input.Body.Evidence,
			ExecutionMode: domain.ExecutionMode(input.Body.ExecutionMode),
		})
		if err != nil {
			if evt.EventID != "" {
				return nil, newAPIError(http.StatusInternalServerError, "post_append_failed", err.Error(), map[string]any{"event_id": evt.EventID})
			}
			return nil, handleError(err)
		}
		return &struct {
			Body domain.StatusEvent `json:"body"`
		}{Body: evt}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "materialize",
		Method:      http.MethodPost,
		Path:        "/features/{feature}/materialize",
		Summary:     "Regenerate status.json and legacy views from the event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *featurePath) (*struct {
		Body MaterializeResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.Materialize(ctx, input.Feature)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MaterializeResponse `json:"body"`
		}{Body: MaterializeResponse{Phase: phaseResponse(res.Phase), Snapshot: res.Snapshot, Views: res.Views}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate",
		Method:      http.MethodGet,
		Path:        "/features/{feature}/validate",
		Summary:     "Check the event log and legacy views for drift",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *featurePath) (*struct {
		Body ValidateResponse `json:"body"`
	}, error) {
		rep, err := e.Validate(ctx, input.Feature)
		if err != nil && !errors.Is(err, engine.ErrDrift) {
			return nil, handleError(err)
		}
		return &struct {
			Body ValidateResponse `json:"body"`
		}{Body: validateResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "index-status",
		Method:      http.MethodGet,
		Path:        "/features/{feature}/index",
		Summary:     "Compare the query index with the event log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *featurePath) (*struct {
		Body engine.IndexStatus `json:"body"`
	}, error) {
		st, err := e.IndexStatus(ctx, input.Feature)
		if errors.Is(err, engine.ErrNoIndex) {
			return nil, newAPIError(http.StatusNotFound, "index_not_configured", err.Error(), nil)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.IndexStatus `json:"body"`
		}{Body: st}, nil
	})
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

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
