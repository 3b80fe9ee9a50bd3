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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"facilitator/internal/dispatch"
	"facilitator/internal/domain"
	"facilitator/internal/engine"
	"facilitator/internal/lock"
	"facilitator/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	BasePath   string
	Auth       AuthConfig
	// Gatherer backs /metrics; nil serves the default registry.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid session transition IDLE -> MONITOR"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the facilitator API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Dispatcher == nil {
		return nil, errors.New("server: dispatcher is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = logger
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
	router.Use(middleware.RequestID, middleware.Recoverer, accessLog(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Dispatcher.Repo))
	hcfg := huma.DefaultConfig("Facilitator API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	d := cfg.Dispatcher
	registerHealth(group)
	registerRooms(group, d)
	registerMembers(group, d.Repo)
	registerEvents(group, d.Repo)
	registerApprovals(group, d)
	registerDocs(router, basePath)
	registerOpenAPI(router, api, basePath)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return router, nil
}

func accessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Debug("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
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
	var te *engine.TransitionError
	switch {
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": te.From, "to": te.To})
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrGateOpen):
		return newAPIError(http.StatusConflict, "gate_open", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "already_resolved", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, lock.ErrLockTimeout):
		return newAPIError(http.StatusServiceUnavailable, "busy", err.Error(), nil)
	case errors.Is(err, engine.ErrNotMember):
		return newAPIError(http.StatusForbidden, "not_member", err.Error(), nil)
	case errors.Is(err, engine.ErrNoPendingGate), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
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
	case http.StatusForbidden:
		return "forbidden"
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

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
    <title>Facilitator API Docs</title>
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
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok"}}, nil
	})
}

type roomPath struct {
	RoomID string `path:"room_id"`
}

func registerRooms(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "post-message",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/messages",
		Summary:     "Send a chat message to the facilitator",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RoomID string         `path:"room_id"`
		Body   MessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		actor, serr := roomActorFromContext(ctx, input.RoomID)
		if serr != nil {
			return nil, serr
		}
		res, err := d.Dispatch(ctx, input.RoomID, dispatch.Inbound{
			MemberID:    actor,
			DisplayName: input.Body.DisplayName,
			Body:        input.Body.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/session",
		Summary:     "Current week session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *roomPath) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := currentSession(ctx, d, input.RoomID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := SessionResponse{Session: s, Successors: engine.Successors(s.State)}
		if req, tally, err := d.Engine.PendingFor(ctx, s.ID); err == nil {
			votes, _, err := d.Engine.TallyFor(ctx, req)
			if err != nil {
				return nil, handleError(err)
			}
			resp.Pending = &ApprovalResponse{Request: req, Votes: nonNilVotes(votes), Tally: tally}
		} else if !errors.Is(err, engine.ErrNoPendingGate) {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "trigger",
		Method:      http.MethodPost,
		Path:        "/rooms/{room_id}/trigger",
		Summary:     "Start or close the week",
		Errors:      []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RoomID string         `path:"room_id"`
		Body   TriggerRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if _, serr := roomActorFromContext(ctx, input.RoomID); serr != nil {
			return nil, serr
		}
		res, err := d.Trigger(ctx, input.RoomID, input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: res}, nil
	})
}

// currentSession returns this week's session, or the latest one when the
// week has not started yet.
func currentSession(ctx context.Context, d *dispatch.Dispatcher, roomID string) (domain.Session, error) {
	week := engine.WeekNumber(d.Now(), d.TermStart)
	s, err := d.Repo.GetSessionByWeek(ctx, roomID, week)
	if errors.Is(err, repo.ErrNotFound) {
		return d.Repo.LatestSession(ctx, roomID)
	}
	return s, err
}

func registerMembers(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/members",
		Summary:     "Room roster",
	}, func(ctx context.Context, input *roomPath) (*struct {
		Body MembersResponse `json:"body"`
	}, error) {
		items, err := r.ListMembers(ctx, input.RoomID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembersResponse `json:"body"`
		}{Body: MembersResponse{Items: nonNilMembers(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-member",
		Method:      http.MethodPut,
		Path:        "/rooms/{room_id}/members/{member_id}",
		Summary:     "Add or update a room member",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RoomID   string        `path:"room_id"`
		MemberID string        `path:"member_id"`
		Body     MemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		if _, serr := roomActorFromContext(ctx, input.RoomID); serr != nil {
			return nil, serr
		}
		if _, err := r.EnsureRoom(ctx, input.RoomID, ""); err != nil {
			return nil, handleError(err)
		}
		m := domain.Member{
			RoomID:         input.RoomID,
			MemberID:       strings.TrimSpace(input.MemberID),
			DisplayName:    strings.TrimSpace(input.Body.DisplayName),
			BoardAccountID: input.Body.BoardAccountID,
		}
		if input.Body.Position != nil {
			m.Position = *input.Body.Position
		}
		saved, err := r.UpsertMember(ctx, m)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: saved}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-member",
		Method:        http.MethodDelete,
		Path:          "/rooms/{room_id}/members/{member_id}",
		Summary:       "Remove a room member",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RoomID   string `path:"room_id"`
		MemberID string `path:"member_id"`
	}) (*struct{}, error) {
		if _, serr := roomActorFromContext(ctx, input.RoomID); serr != nil {
			return nil, serr
		}
		if err := r.RemoveMember(ctx, input.RoomID, input.MemberID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/rooms/{room_id}/events",
		Summary:     "Audit log, oldest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		RoomID    string `path:"room_id"`
		SessionID string `query:"session_id"`
		Type      string `query:"type"`
		After     string `query:"after"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var after int64
		if input.After != "" {
			parsed, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"after": input.After})
			}
			after = parsed
		}
		filter := repo.EventFilter{RoomID: input.RoomID, SessionID: input.SessionID, Type: input.Type}
		items, err := r.EventsAfter(ctx, filter, limit+1, after)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		more := len(items) > limit
		if more {
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		if more {
			resp.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerApprovals(api huma.API, d *dispatch.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{request_id}",
		Summary:     "Approval request with votes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		req, err := d.Repo.GetApproval(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		votes, tally, err := d.Engine.TallyFor(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: ApprovalResponse{Request: req, Votes: nonNilVotes(votes), Tally: tally}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote",
		Method:      http.MethodPost,
		Path:        "/approvals/{request_id}/votes",
		Summary:     "Vote on an approval request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string      `path:"request_id"`
		Body      VoteRequest `json:"body"`
	}) (*struct {
		Body VoteResponse `json:"body"`
	}, error) {
		actor, serr := actorIDFromContext(ctx)
		if serr != nil {
			return nil, serr
		}
		res, err := d.Vote(ctx, input.RequestID, actor, input.Body.Vote, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VoteResponse `json:"body"`
		}{Body: res}, nil
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
