package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ballotline/internal/catalog"
	"ballotline/internal/config"
	"ballotline/internal/domain"
	"ballotline/internal/engine/auth"
	"ballotline/internal/events"
	"ballotline/internal/notify"
	"ballotline/internal/repo"
)

// SystemActor is recorded on events the scheduler produces.
const SystemActor = "system:scheduler"

// Flusher publishes the queued invalidations of one committed mutation.
type Flusher interface {
	PublishMutation(ctx context.Context, mutationID string)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Auth    auth.Service
	Catalog *catalog.Catalog
	Config  *config.Config
	Relay   Flusher
	Notify  notify.Dispatcher
	Logger  *zap.Logger
	Now     func() time.Time
	// RequireMembership makes proposal submission and voting need a role on the instance.
	RequireMembership bool
}

func New(db *sql.DB, cfg *config.Config, cat *catalog.Catalog) Engine {
	r := repo.Repo{DB: db}
	e := Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{Repo: r, Now: time.Now},
		Auth:    auth.Service{DB: db},
		Catalog: cat,
		Config:  cfg,
		Now:     time.Now,
	}
	if cfg != nil {
		e.RequireMembership = cfg.Auth.RequireMembership
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) timestamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

// writer keeps event timestamps on the engine clock.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Repo.DB == nil {
		w.Repo = e.Repo
	}
	w.Now = e.now
	return w
}

// SeedRBAC installs the configured roles and permissions.
func (e Engine) SeedRBAC(ctx context.Context) error {
	if e.Config == nil {
		return errors.New("config not loaded")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Auth.SeedRoles(ctx, tx, e.Config.RBAC); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) template(id string) (domain.Template, error) {
	if e.Catalog == nil {
		return domain.Template{}, infra(errors.New("catalog not loaded"), "resolve template %s", id)
	}
	t, err := e.Catalog.Get(id)
	if errors.Is(err, catalog.ErrTemplateNotFound) {
		return domain.Template{}, &Error{Kind: KindNotFound, Code: CodeTemplateNotFound, Message: fmt.Sprintf("template %s not found", id), Err: err}
	}
	return t, err
}

// loadInstance returns the instance, its template and its current phase.
func (e Engine) loadInstance(ctx context.Context, tx *sql.Tx, id string) (domain.Instance, domain.Template, domain.Phase, error) {
	inst, err := e.Repo.GetInstance(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		return inst, domain.Template{}, domain.Phase{}, notFound(CodeInstanceNotFound, "instance %s not found", id)
	}
	if err != nil {
		return inst, domain.Template{}, domain.Phase{}, infra(err, "load instance %s", id)
	}
	t, err := e.template(inst.TemplateID)
	if err != nil {
		return inst, t, domain.Phase{}, err
	}
	phase, ok := t.Phase(inst.CurrentPhaseID)
	if !ok {
		return inst, t, phase, infra(fmt.Errorf("phase %s not in template %s", inst.CurrentPhaseID, t.ID), "load instance %s", id)
	}
	return inst, t, phase, nil
}

// require checks perm and converts a denial into a typed error.
func (e Engine) require(ctx context.Context, tx *sql.Tx, instanceID, actorID, perm string) error {
	if actorID == "" {
		return validation(CodeInvalidRequest, nil, "actor id required")
	}
	err := e.Auth.Require(ctx, tx, instanceID, actorID, perm)
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return forbidden(fe)
	}
	return err
}

// publish pushes a committed mutation's invalidations. Failures are left to the relay.
func (e Engine) publish(ctx context.Context, mutationID string) {
	if e.Relay == nil || mutationID == "" {
		return
	}
	e.Relay.PublishMutation(ctx, mutationID)
}

func (e Engine) dispatch(ctx context.Context, n notify.Notification) {
	if e.Notify == nil {
		return
	}
	if err := e.Notify.Dispatch(ctx, n); err != nil {
		e.logger().Warn("notification dispatch failed",
			zap.String("kind", n.Kind), zap.String("instance_id", n.InstanceID), zap.Error(err))
	}
}

// ListTemplates returns the deployed templates ordered by id.
func (e Engine) ListTemplates() []domain.Template {
	if e.Catalog == nil {
		return nil
	}
	return e.Catalog.List()
}

func (e Engine) GetTemplate(id string) (domain.Template, error) {
	return e.template(id)
}

func (e Engine) ListEvents(ctx context.Context, f repo.EventFilters) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, f)
}

func (e Engine) roleKnown(role string) bool {
	if e.Config == nil {
		return role == "admin" || role == "member"
	}
	_, ok := e.Config.RBAC[role]
	return ok
}
