package server

import (
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"discoveryline/internal/checkpoint"
	"discoveryline/internal/contracts"
	"discoveryline/internal/conversation"
	"discoveryline/internal/domain"
	"discoveryline/internal/metrics"
	"discoveryline/internal/repo"
	"discoveryline/internal/statemachine"
)

// Config for the HTTP API handler.
type Config struct {
	Checkpoints checkpoint.Service
	BasePath    string
	Auth        AuthConfig
	// Gatherer is served at /metrics when set.
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"complete run 1f2e (from exploration): run is not at the final stage"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type handlers struct {
	cps     checkpoint.Service
	metrics *metrics.Metrics
	log     *slog.Logger
}

func (h handlers) machine() statemachine.Machine { return h.cps.Machine }

// New returns an HTTP handler exposing runs, reviews and conversations.
func New(cfg Config) (http.Handler, error) {
	if cfg.Checkpoints.Machine.Store == nil {
		return nil, errors.New("server: checkpoint service has no storage")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, logger))
	if cfg.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Discoveryline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{cps: cfg.Checkpoints, metrics: cfg.Metrics, log: logger}
	registerDocs(router, basePath)
	registerHealth(group)
	registerRuns(group, h)
	registerReviews(group, h)
	registerEvents(group, h)
	registerConversations(group, h)
	registerMe(group)
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
	var ve *contracts.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"stage": ve.Stage, "fields": ve.Fields})
	}
	var te *statemachine.TransitionError
	if errors.As(err, &te) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"op": te.Op, "from": te.From, "to": te.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, conversation.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, statemachine.ErrInvalidTransition),
		errors.Is(err, checkpoint.ErrNoActiveStage),
		errors.Is(err, checkpoint.ErrWrongStage):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, checkpoint.ErrConversationMismatch), errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, contracts.ErrValidation):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
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

func operations(item *huma.PathItem) []*huma.Operation {
	return []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch}
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range operations(item) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
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
    <title>Discoveryline API Docs</title>
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
      Reviewers authenticate with Authorization: Bearer &lt;token&gt;.
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

type runPath struct {
	RunID string `path:"run_id"`
}

func registerRuns(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,running,completed,failed,stopped"`
	}) (*struct {
		Body []domain.RunSummary `json:"body"`
	}, error) {
		runs, err := h.machine().ListRuns(ctx, input.Status)
		if err != nil {
			return nil, handleError(err)
		}
		if runs == nil {
			runs = []domain.RunSummary{}
		}
		return &struct {
			Body []domain.RunSummary `json:"body"`
		}{Body: runs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := h.machine().GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/stages",
		Summary:     "List the run's stage executions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body []domain.StageExecution `json:"body"`
	}, error) {
		if _, err := h.machine().GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		stages, err := h.machine().ListStages(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if stages == nil {
			stages = []domain.StageExecution{}
		}
		return &struct {
			Body []domain.StageExecution `json:"body"`
		}{Body: stages}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-checkpoints",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/checkpoints",
		Summary:     "Checkpoint artifacts of every completed stage attempt",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body []CheckpointResponse `json:"body"`
	}, error) {
		if _, err := h.machine().GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		prior, err := h.cps.PriorCheckpoints(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []CheckpointResponse `json:"body"`
		}{Body: mapCheckpoints(prior)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-opportunity",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/opportunities/{rank}",
		Summary:     "Artifact chain of the opportunity at a ranking position",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Rank  int    `path:"rank" minimum:"1"`
	}) (*struct {
		Body checkpoint.Chain `json:"body"`
	}, error) {
		chain, err := h.cps.OpportunityChain(ctx, input.RunID, input.Rank)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body checkpoint.Chain `json:"body"`
		}{Body: chain}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-run",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/stop",
		Summary:     "Stop a pending or running run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := h.machine().StopRun(statemachine.WithActor(ctx, actor), input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		h.metrics.RunFinished(string(run.Status))
		h.log.Info("run stopped", "run_id", run.ID, "actor", actor)
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerReviews(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "record-review",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/reviews",
		Summary:     "Record a review decision for one opportunity",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  ReviewDecisionRequest
	}) (*struct {
		Body contracts.HumanReviewCheckpoint `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d := input.Body.decision(actor)
		review, err := h.cps.RecordReviewDecision(statemachine.WithActor(ctx, actor), input.RunID, d)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body contracts.HumanReviewCheckpoint `json:"body"`
		}{Body: review}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-review",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/complete",
		Summary:     "Close human review and complete the run",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *runPath) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		run, err := h.cps.CompleteReview(statemachine.WithActor(ctx, actor), input.RunID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		h.metrics.RunFinished(string(run.Status))
		h.log.Info("run completed", "run_id", run.ID, "reviewer", actor)
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "send-back",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/send-back",
		Summary:     "Send the run back to an earlier stage",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  SendBackRequest
	}) (*struct {
		Body domain.StageExecution `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		target, err := domain.ParseStage(input.Body.Target)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"target": input.Body.Target})
		}
		se, err := h.cps.SendBack(ctx, input.RunID, target, input.Body.Reason, actor)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Info("run sent back", "run_id", input.RunID, "stage", target, "attempt", se.Attempt, "actor", actor)
		return &struct {
			Body domain.StageExecution `json:"body"`
		}{Body: se}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/events",
		Summary:     "List the run's audit events",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID  string `path:"run_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := h.machine().GetRun(ctx, input.RunID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.cps.Machine.Store.ListEvents(ctx, input.RunID, cursorID, limit+1)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerConversations(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "conversation-history",
		Method:      http.MethodGet,
		Path:        "/conversations/{conversation_id}/events",
		Summary:     "Decoded conversation turns after a turn id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ConversationID string `path:"conversation_id"`
		Since          int64  `query:"since" minimum:"0"`
	}) (*struct {
		Body []ConversationEntryResponse `json:"body"`
	}, error) {
		entries, err := h.cps.History(ctx, input.ConversationID, input.Since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ConversationEntryResponse `json:"body"`
		}{Body: mapEntries(entries)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "post-comment",
		Method:      http.MethodPost,
		Path:        "/runs/{run_id}/comments",
		Summary:     "Post a reviewer message into the active stage conversation",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
		Body  CommentRequest
	}) (*struct {
		Body CommentResponse `json:"body"`
	}, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		text := strings.TrimSpace(input.Body.Text)
		if text == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		_, convID, err := h.cps.ActiveConversation(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		turnID, err := h.cps.PostMessage(ctx, convID, conversation.RoleHuman, text)
		if err != nil {
			return nil, handleError(err)
		}
		h.log.Debug("reviewer comment posted", "run_id", input.RunID, "conversation_id", convID, "actor", actor)
		return &struct {
			Body CommentResponse `json:"body"`
		}{Body: CommentResponse{ConversationID: convID, TurnID: turnID}}, nil
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
		}{Body: WhoAmIResponse{ActorID: p.ActorID, Source: p.Source}}, nil
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
