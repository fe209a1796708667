// Package server exposes the portal API over HTTP: entity CRUD, guarded
// stage transitions, site provisioning and the audit trail, plus the
// websocket endpoint carrying change notifications between clients.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"siteline/internal/audit"
	"siteline/internal/domain"
	"siteline/internal/notify"
	"siteline/internal/provision"
	"siteline/internal/remote"
	"siteline/internal/repo"
	"siteline/internal/stage"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	Hub      *notify.Hub
	Audit    *audit.Writer
	Runner   *provision.Runner
	BasePath string
	Auth     AuthConfig
	Log      *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid stage transition Prospect -> Awarded"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

type backend struct {
	repo   repo.Repo
	hub    *notify.Hub
	audit  *audit.Writer
	runner *provision.Runner
	log    *slog.Logger
}

// New returns an HTTP handler exposing the Siteline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Siteline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	b := backend{repo: cfg.Repo, hub: cfg.Hub, audit: cfg.Audit, runner: cfg.Runner, log: log}

	registerHealth(group)
	registerLeads(group, b)
	registerEstimating(group, b)
	registerDeliverables(group, b)
	registerProvisioning(group, b)
	registerAudit(group, b)

	// websocket relay endpoint; outside the versioned API and its auth
	router.Get("/events/ws", notify.Handler(cfg.Hub, log))

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
	if errors.Is(err, repo.ErrNotFound) || errors.Is(err, provision.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, provision.ErrAlreadyRunning) {
		return newAPIError(http.StatusConflict, "provision_conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "administrative access"):
		return newAPIError(http.StatusForbidden, "forbidden_transition", msg, nil)
	case strings.Contains(lowered, "stage transition"),
		strings.Contains(lowered, "unknown stage"),
		strings.Contains(lowered, "already in stage"):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

// announce broadcasts a change event and records it on the audit trail.
func (b backend) announce(ctx context.Context, p Principal, entity string, id int64, action notify.Action, scope, summary string) {
	e := notify.NewEvent(entity, id, action, p.ActorID, p.Name)
	e.Scope = scope
	e.Summary = summary
	b.hub.Broadcast(e)
	if b.audit != nil {
		b.audit.Log(ctx, domain.AuditEntry{
			Action:   string(action),
			Entity:   entity,
			EntityID: id,
			Details:  summary,
			ActorID:  p.ActorID,
		})
	}
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

type IDPath struct {
	ID int64 `path:"id"`
}

type listQuery struct {
	Limit       int    `query:"limit" minimum:"0"`
	Offset      int    `query:"offset" minimum:"0"`
	ProjectCode string `query:"project_code"`
	LeadID      int64  `query:"lead_id"`
}

func (q listQuery) options() remote.ListOptions {
	return remote.ListOptions{Limit: q.Limit, Offset: q.Offset, ProjectCode: q.ProjectCode, LeadID: q.LeadID}
}

func registerLeads(api huma.API, b backend) {
	huma.Register(api, huma.Operation{
		OperationID: "list-leads",
		Method:      http.MethodGet,
		Path:        "/leads",
		Summary:     "List pursuits",
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body remote.Page[domain.Lead] `json:"body"`
	}, error) {
		page, err := b.repo.ListLeads(ctx, input.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body remote.Page[domain.Lead] `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-lead",
		Method:        http.MethodPost,
		Path:          "/leads",
		Summary:       "Create pursuit",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body LeadRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.ProjectCode == "" || input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_code and title are required", nil)
		}
		lead, err := b.repo.CreateLead(ctx, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityLeads, lead.ID, notify.ActionCreated, lead.ProjectCode, lead.Title)
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-lead",
		Method:      http.MethodGet,
		Path:        "/leads/{id}",
		Summary:     "Get pursuit",
	}, func(ctx context.Context, input *IDPath) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		lead, err := b.repo.GetLead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead",
		Method:      http.MethodPut,
		Path:        "/leads/{id}",
		Summary:     "Update pursuit",
	}, func(ctx context.Context, input *struct {
		IDPath
		Body LeadRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		existing, err := b.repo.GetLead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		next := input.Body.toDomain()
		if next.Stage == "" {
			next.Stage = existing.Stage
		}
		if next.Stage != existing.Stage {
			// stage moves go through the dedicated transition endpoint
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_transition", "use the stage endpoint to change stage", nil)
		}
		lead, err := b.repo.UpdateLead(ctx, input.ID, next)
		if err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityLeads, lead.ID, notify.ActionUpdated, lead.ProjectCode, lead.Title)
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: lead}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-lead-stage",
		Method:      http.MethodPatch,
		Path:        "/leads/{id}/stage",
		Summary:     "Move pursuit to a new stage",
	}, func(ctx context.Context, input *struct {
		IDPath
		Body StageRequest `json:"body"`
	}) (*struct {
		Body domain.Lead `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := b.repo.GetLead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		from := lead.Stage
		if err := stage.Validate(from, input.Body.Stage, p.Privileged()); err != nil {
			return nil, handleError(err)
		}
		lead.Stage = input.Body.Stage
		updated, err := b.repo.UpdateLead(ctx, input.ID, lead)
		if err != nil {
			return nil, handleError(err)
		}
		if b.audit != nil {
			b.audit.Log(ctx, domain.AuditEntry{
				Action:   "stage_change",
				Entity:   notify.EntityLeads,
				EntityID: updated.ID,
				Field:    "stage",
				Before:   string(from),
				After:    string(updated.Stage),
				ActorID:  p.ActorID,
			})
		}
		e := notify.NewEvent(notify.EntityLeads, updated.ID, notify.ActionUpdated, p.ActorID, p.Name)
		e.Scope = updated.ProjectCode
		e.Summary = string(from) + " -> " + string(updated.Stage)
		b.hub.Broadcast(e)
		return &struct {
			Body domain.Lead `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-lead",
		Method:        http.MethodDelete,
		Path:          "/leads/{id}",
		Summary:       "Delete pursuit",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *IDPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		lead, err := b.repo.GetLead(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := b.repo.DeleteLead(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityLeads, input.ID, notify.ActionDeleted, lead.ProjectCode, lead.Title)
		return &struct{}{}, nil
	})
}

func registerEstimating(api huma.API, b backend) {
	huma.Register(api, huma.Operation{
		OperationID: "list-estimating",
		Method:      http.MethodGet,
		Path:        "/estimating",
		Summary:     "List estimating records",
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body remote.Page[domain.EstimatingRecord] `json:"body"`
	}, error) {
		page, err := b.repo.ListEstimatingRecords(ctx, input.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body remote.Page[domain.EstimatingRecord] `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-estimating",
		Method:        http.MethodPost,
		Path:          "/estimating",
		Summary:       "Create estimating record",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body EstimatingRequest `json:"body"`
	}) (*struct {
		Body domain.EstimatingRecord `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.LeadID <= 0 || input.Body.Discipline == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lead_id and discipline are required", nil)
		}
		rec, err := b.repo.CreateEstimatingRecord(ctx, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityEstimating, rec.ID, notify.ActionCreated, leadScope(rec.LeadID), rec.Discipline)
		return &struct {
			Body domain.EstimatingRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-estimating",
		Method:      http.MethodGet,
		Path:        "/estimating/{id}",
		Summary:     "Get estimating record",
	}, func(ctx context.Context, input *IDPath) (*struct {
		Body domain.EstimatingRecord `json:"body"`
	}, error) {
		rec, err := b.repo.GetEstimatingRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EstimatingRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-estimating",
		Method:      http.MethodPut,
		Path:        "/estimating/{id}",
		Summary:     "Update estimating record",
	}, func(ctx context.Context, input *struct {
		IDPath
		Body EstimatingRequest `json:"body"`
	}) (*struct {
		Body domain.EstimatingRecord `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := b.repo.UpdateEstimatingRecord(ctx, input.ID, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityEstimating, rec.ID, notify.ActionUpdated, leadScope(rec.LeadID), rec.Discipline)
		return &struct {
			Body domain.EstimatingRecord `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-estimating",
		Method:        http.MethodDelete,
		Path:          "/estimating/{id}",
		Summary:       "Delete estimating record",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *IDPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := b.repo.GetEstimatingRecord(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := b.repo.DeleteEstimatingRecord(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityEstimating, input.ID, notify.ActionDeleted, leadScope(rec.LeadID), rec.Discipline)
		return &struct{}{}, nil
	})
}

func registerDeliverables(api huma.API, b backend) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deliverables",
		Method:      http.MethodGet,
		Path:        "/deliverables",
		Summary:     "List deliverables",
	}, func(ctx context.Context, input *listQuery) (*struct {
		Body remote.Page[domain.Deliverable] `json:"body"`
	}, error) {
		page, err := b.repo.ListDeliverables(ctx, input.options())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body remote.Page[domain.Deliverable] `json:"body"`
		}{Body: page}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-deliverable",
		Method:        http.MethodPost,
		Path:          "/deliverables",
		Summary:       "Create deliverable",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body DeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.LeadID <= 0 || input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "lead_id and title are required", nil)
		}
		rec, err := b.repo.CreateDeliverable(ctx, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityDeliverables, rec.ID, notify.ActionCreated, leadScope(rec.LeadID), rec.Title)
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-deliverable",
		Method:      http.MethodPut,
		Path:        "/deliverables/{id}",
		Summary:     "Update deliverable",
	}, func(ctx context.Context, input *struct {
		IDPath
		Body DeliverableRequest `json:"body"`
	}) (*struct {
		Body domain.Deliverable `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := b.repo.UpdateDeliverable(ctx, input.ID, input.Body.toDomain())
		if err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityDeliverables, rec.ID, notify.ActionUpdated, leadScope(rec.LeadID), rec.Title)
		return &struct {
			Body domain.Deliverable `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-deliverable",
		Method:        http.MethodDelete,
		Path:          "/deliverables/{id}",
		Summary:       "Delete deliverable",
		DefaultStatus: http.StatusNoContent,
	}, func(ctx context.Context, input *IDPath) (*struct{}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec, err := b.repo.GetDeliverable(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := b.repo.DeleteDeliverable(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		b.announce(ctx, p, notify.EntityDeliverables, input.ID, notify.ActionDeleted, leadScope(rec.LeadID), rec.Title)
		return &struct{}{}, nil
	})
}

// leadScope is the event scope for lead-scoped collections; clients key
// their per-lead caches by it.
func leadScope(leadID int64) string {
	return strconv.FormatInt(leadID, 10)
}

type ProjectCodePath struct {
	ProjectCode string `path:"project_code"`
}

func registerProvisioning(api huma.API, b backend) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-provisioning",
		Method:        http.MethodPost,
		Path:          "/provision/{project_code}",
		Summary:       "Start site provisioning",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ProjectCodePath) (*struct {
		Body ProvisionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := b.runner.Start(ctx, input.ProjectCode, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisionResponse `json:"body"`
		}{Body: provisionResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-provisioning",
		Method:      http.MethodGet,
		Path:        "/provision/{project_code}",
		Summary:     "Provisioning status",
	}, func(ctx context.Context, input *ProjectCodePath) (*struct {
		Body ProvisionResponse `json:"body"`
	}, error) {
		op, err := b.repo.GetOperation(ctx, input.ProjectCode)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisionResponse `json:"body"`
		}{Body: provisionResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "retry-provisioning",
		Method:        http.MethodPost,
		Path:          "/provision/{project_code}/retry",
		Summary:       "Retry provisioning from a step",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *struct {
		ProjectCodePath
		Body RetryRequest `json:"body"`
	}) (*struct {
		Body ProvisionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := b.runner.RetryFromStep(ctx, input.ProjectCode, input.Body.Step, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisionResponse `json:"body"`
		}{Body: provisionResponse(op)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "relink-provisioning",
		Method:        http.MethodPost,
		Path:          "/provision/{project_code}/relink",
		Summary:       "Relink the pursuit record after a partial failure",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *ProjectCodePath) (*struct {
		Body ProvisionResponse `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		op, err := b.runner.Relink(ctx, input.ProjectCode, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProvisionResponse `json:"body"`
		}{Body: provisionResponse(op)}, nil
	})
}

func registerAudit(api huma.API, b backend) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-trail",
		Method:      http.MethodGet,
		Path:        "/audit",
		Summary:     "Latest audit entries",
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" minimum:"0"`
		Entity string `query:"entity"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		if b.audit == nil {
			return &struct {
				Body []domain.AuditEntry `json:"body"`
			}{}, nil
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		entries, err := b.audit.Latest(ctx, limit, input.Entity)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: entries}, nil
	})
}
