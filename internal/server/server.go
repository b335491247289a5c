package server

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"ballotline/internal/domain"
	"ballotline/internal/engine"
	"ballotline/internal/engine/auth"
	"ballotline/internal/metrics"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
	"ballotline/internal/scheduler"
)

// Config for the HTTP API handler. Scheduler, Relay and Metrics are optional;
// their endpoints answer 503 when unset.
type Config struct {
	Engine    engine.Engine
	Scheduler *scheduler.Scheduler
	Relay     *realtime.Relay
	Metrics   *metrics.Metrics
	BasePath  string
	Auth      AuthConfig
	Logger    *zap.Logger
}

type (
	requestKey   struct{}
	bodyBytesKey struct{}
)

type output[T any] struct {
	Body T `json:"body"`
}

func respond[T any](v T) *output[T] { return &output[T]{Body: v} }

var standardErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

// New returns an HTTP handler exposing the ballotline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
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
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(requestLogger(logger))
	router.Use(captureRequest)
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Ballotline API", "0.1.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerMetrics(router, cfg.Metrics)
	registerHealth(group)
	registerTemplates(group, cfg.Engine)
	registerInstances(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerBallots(group, cfg.Engine)
	registerResults(group, cfg.Engine)
	registerInvites(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerScheduler(group, cfg.Scheduler)
	registerOutbox(group, cfg.Engine, cfg.Relay)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// captureRequest keeps the raw body and request on the context so handlers can
// tell an omitted JSON field from a zero value.
func captureRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, newAPIError(http.StatusBadRequest, "", "unreadable request body", nil))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))
		ctx := context.WithValue(context.WithValue(r.Context(), requestKey{}, r), bodyBytesKey{}, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requestLogger logs one line per request after it completes.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
			}
			if status >= http.StatusInternalServerError {
				logger.Error("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

// requirePermission accepts a matching token claim or an instance role grant.
func requirePermission(ctx context.Context, e engine.Engine, instanceID, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if principal.Has(perm) {
		return nil
	}
	return e.Auth.Require(ctx, nil, instanceID, principal.ActorID, perm)
}

// requireGlobalPermission guards operator endpoints. Token claims grant them;
// API keys belong to service actors and are trusted for them too.
func requireGlobalPermission(ctx context.Context, perm string) error {
	principal, authErr := principalFromRequest(ctx)
	if authErr != nil {
		return authErr
	}
	if principal.Has(perm) || principal.Source == SourceAPIKey {
		return nil
	}
	return auth.ForbiddenError{Permission: perm}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*output[map[string]string], error) {
		return respond(map[string]string{"status": "ok"}), nil
	})
}

func registerTemplates(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/templates",
		Summary:     "List process templates",
	}, func(ctx context.Context, _ *struct{}) (*output[[]domain.Template], error) {
		return respond(nonNilSlice(e.ListTemplates())), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/templates/{template_id}",
		Summary:     "Get process template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TemplateID string `path:"template_id"`
	}) (*output[domain.Template], error) {
		t, err := e.GetTemplate(input.TemplateID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(t), nil
	})
}

type instancePath struct {
	InstanceID string `path:"instance_id"`
}

func registerInstances(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-instance",
		Method:        http.MethodPost,
		Path:          "/instances",
		Summary:       "Create instance from template",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateInstanceRequest `json:"body"`
	}) (*output[InstanceResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TemplateID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "template_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inst, err := e.CreateInstanceFromTemplate(ctx, engine.InstanceCreateOptions{
			ID:              stringOrEmpty(input.Body.ID),
			TemplateID:      input.Body.TemplateID,
			Name:            stringOrEmpty(input.Body.Name),
			Budget:          input.Body.Budget,
			PhaseSchedule:   scheduleInputs(input.Body.PhaseSchedule),
			Categories:      input.Body.Categories,
			FieldValues:     input.Body.FieldValues,
			ActorID:         actorID,
			PublishCreation: input.Body.Publish,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/instances",
		Summary:     "List instances",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TemplateID string `query:"template_id"`
		Open       bool   `query:"open" doc:"Only instances that have not completed"`
		Limit      int    `query:"limit" default:"50"`
	}) (*output[[]InstanceResponse], error) {
		items, err := e.ListInstances(ctx, repo.InstanceFilters{
			TemplateID: input.TemplateID,
			Open:       input.Open,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(mapInstances(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}",
		Summary:     "Get instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*output[InstanceResponse], error) {
		inst, err := e.GetInstance(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-instance",
		Method:      http.MethodPatch,
		Path:        "/instances/{instance_id}",
		Summary:     "Update instance settings",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		Body       UpdateInstanceRequest `json:"body"`
	}) (*output[InstanceResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InstanceUpdateOptions{
			ID:            input.InstanceID,
			Name:          input.Body.Name,
			Budget:        input.Body.Budget,
			Categories:    input.Body.Categories,
			PhaseSchedule: scheduleInputs(input.Body.PhaseSchedule),
			FieldValues:   input.Body.FieldValues,
			ActorID:       actorID,
		}
		if input.Body.ExpectedRevision != nil {
			opts.ExpectedRevision = *input.Body.ExpectedRevision
		}
		inst, err := e.UpdateInstance(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(instanceResponse(inst)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "preview-selection",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/selection",
		Summary:     "Preview the outcomes a phase would produce now",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		PhaseID    string `query:"phase_id"`
	}) (*output[[]domain.SelectionOutcome], error) {
		if err := requirePermission(ctx, e, input.InstanceID, "instance.update"); err != nil {
			return nil, handleError(err)
		}
		res, err := e.RunSelection(ctx, input.InstanceID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(res)), nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proposal",
		Method:        http.MethodPost,
		Path:          "/instances/{instance_id}/proposals",
		Summary:       "Submit proposal",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		Body       SubmitProposalRequest `json:"body"`
	}) (*output[engine.ProposalView], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.SubmitProposal(ctx, engine.ProposalSubmitOptions{
			ID:               stringOrEmpty(input.Body.ID),
			InstanceID:       input.InstanceID,
			AuthorProfileID:  actorID,
			AuthorEntityType: input.Body.AuthorEntityType,
			Title:            input.Body.Title,
			DocumentRef:      input.Body.DocumentRef,
			Content:          input.Body.Content,
			CategoryIDs:      input.Body.CategoryIDs,
			Budget:           input.Body.Budget,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/proposals",
		Summary:     "List proposals with computed status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string   `path:"instance_id"`
		Status     []string `query:"status" doc:"Filter by computed status"`
	}) (*output[[]engine.ProposalView], error) {
		items, err := e.ListProposals(ctx, input.InstanceID, input.Status...)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/proposals/{proposal_id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		ProposalID string `path:"proposal_id"`
	}) (*output[engine.ProposalView], error) {
		p, err := e.GetProposal(ctx, input.InstanceID, input.ProposalID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-proposal",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/proposals/{proposal_id}/review",
		Summary:     "Record an admin review decision",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string                `path:"instance_id"`
		ProposalID string                `path:"proposal_id"`
		Body       ReviewProposalRequest `json:"body"`
	}) (*output[engine.ProposalView], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.ReviewProposal(ctx, input.InstanceID, input.ProposalID, input.Body.Decision, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(p), nil
	})
}

func registerBallots(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "cast-ballot",
		Method:      http.MethodPut,
		Path:        "/instances/{instance_id}/ballot",
		Summary:     "Cast or replace the caller's ballot for the current phase",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string            `path:"instance_id"`
		Body       CastBallotRequest `json:"body"`
	}) (*output[domain.Ballot], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.CastBallot(ctx, engine.BallotCastOptions{
			InstanceID:      input.InstanceID,
			MemberProfileID: actorID,
			ProposalIDs:     input.Body.ProposalIDs,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(b), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-ballot",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/ballot",
		Summary:     "Get the caller's ballot",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		PhaseID    string `query:"phase_id"`
	}) (*output[domain.Ballot], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		b, err := e.GetBallot(ctx, input.InstanceID, input.PhaseID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		b.ProposalIDs = nonNilSlice(b.ProposalIDs)
		return respond(b), nil
	})
}

func registerResults(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-results",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/results",
		Summary:     "Live or final voting results",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*output[domain.ResultsStats], error) {
		stats, err := e.GetResultsStats(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(stats), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outcomes",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/outcomes",
		Summary:     "Stored selection outcomes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		PhaseID    string `query:"phase_id"`
	}) (*output[[]domain.SelectionOutcome], error) {
		res, err := e.ListOutcomes(ctx, input.InstanceID, input.PhaseID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(res)), nil
	})
}

func registerInvites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-invite",
		Method:        http.MethodPost,
		Path:          "/instances/{instance_id}/invites",
		Summary:       "Invite a profile",
		DefaultStatus: http.StatusCreated,
		Errors:        standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string              `path:"instance_id"`
		Body       CreateInviteRequest `json:"body"`
	}) (*output[domain.Invite], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.CreateInvite(ctx, engine.InviteCreateOptions{
			InstanceID:        input.InstanceID,
			ProfileID:         input.Body.ProfileID,
			ProfileEntityType: input.Body.ProfileEntityType,
			Role:              input.Body.Role,
			Email:             input.Body.Email,
			ActorID:           actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-invites",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/invites",
		Summary:     "List invites",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		Pending    bool   `query:"pending"`
	}) (*output[[]domain.Invite], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListInvites(ctx, input.InstanceID, actorID, input.Pending)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "accept-invite",
		Method:      http.MethodPost,
		Path:        "/invites/{invite_id}/accept",
		Summary:     "Accept an invite as the invited profile",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InviteID string `path:"invite_id"`
	}) (*output[domain.Invite], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		inv, err := e.AcceptInvite(ctx, input.InviteID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(inv), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/roles",
		Summary:     "List role assignments",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*output[[]domain.RoleAssignment], error) {
		items, err := e.ListRoles(ctx, input.InstanceID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-role",
		Method:      http.MethodPost,
		Path:        "/instances/{instance_id}/roles",
		Summary:     "Assign a role directly",
		Errors:      standardErrors,
	}, func(ctx context.Context, input *struct {
		InstanceID string            `path:"instance_id"`
		Body       AssignRoleRequest `json:"body"`
	}) (*output[domain.RoleAssignment], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ra, err := e.AssignRole(ctx, input.InstanceID, input.Body.ProfileID, input.Body.Role, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(ra), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "my-instance-permissions",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/me/permissions",
		Summary:     "Caller roles and permissions on an instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *instancePath) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if _, err := e.GetInstance(ctx, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		roles, err := e.Auth.ActorRoles(ctx, nil, input.InstanceID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		perms, err := e.Auth.ActorPermissions(ctx, nil, input.InstanceID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(roles),
			Permissions: nonNilSlice(perms),
		}), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/instances/{instance_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		InstanceID string `path:"instance_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"instance,proposal,ballot,invite,role"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*output[paginatedEvents], error) {
		if _, err := e.GetInstance(ctx, input.InstanceID); err != nil {
			return nil, handleError(err)
		}
		if err := requirePermission(ctx, e, input.InstanceID, "events.read"); err != nil {
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
		items, err := e.ListEvents(ctx, repo.EventFilters{
			InstanceID: input.InstanceID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Before:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return respond(resp), nil
	})
}

func registerScheduler(api huma.API, s *scheduler.Scheduler) {
	huma.Register(api, huma.Operation{
		OperationID: "scheduler-tick",
		Method:      http.MethodPost,
		Path:        "/scheduler/tick",
		Summary:     "Advance every instance whose phase deadline has passed",
		Description: "For external job runners. Per-instance failures are reported in the body, never as an error status.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[TickResponse], error) {
		if err := requireGlobalPermission(ctx, "scheduler.tick"); err != nil {
			return nil, handleError(err)
		}
		if s == nil {
			return nil, unavailable("scheduler")
		}
		sum, err := s.Tick(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(TickResponse(sum)), nil
	})
}

func registerOutbox(api huma.API, e engine.Engine, relay *realtime.Relay) {
	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/outbox",
		Summary:     "Invalidations not yet delivered to the bus",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*output[[]domain.OutboxEntry], error) {
		if err := requireGlobalPermission(ctx, "outbox.manage"); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.PendingOutbox(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(nonNilSlice(items)), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flush-outbox",
		Method:      http.MethodPost,
		Path:        "/outbox/flush",
		Summary:     "Deliver pending invalidations now",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, _ *struct{}) (*output[FlushResponse], error) {
		if err := requireGlobalPermission(ctx, "outbox.manage"); err != nil {
			return nil, handleError(err)
		}
		if relay == nil {
			return nil, unavailable("relay")
		}
		n, err := relay.Flush(ctx)
		resp := FlushResponse{Published: n}
		if err != nil {
			resp.Error = err.Error()
		}
		return respond(resp), nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*output[WhoAmIResponse], error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return respond(WhoAmIResponse{
			ActorID:     principal.ActorID,
			Source:      principal.Source,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(principal.Permissions),
		}), nil
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
	}) (*output[DevLoginResponse], error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, input.Body.Permissions)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return respond(DevLoginResponse{Token: token}), nil
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
