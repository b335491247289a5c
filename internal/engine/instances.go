package engine

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"ballotline/internal/domain"
	"ballotline/internal/events"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
)

// PhaseScheduleInput is a caller-supplied schedule entry, matched to template
// phases by position. Dates are RFC3339.
type PhaseScheduleInput struct {
	PlannedStartDate *string
	PlannedEndDate   *string
	Settings         *domain.PhaseSettings
}

type InstanceCreateOptions struct {
	ID         string
	TemplateID string
	Name       string
	// Budget is the instance total. It also caps single proposals in the first
	// submission phase unless that phase already has a budget setting.
	Budget        *float64
	PhaseSchedule []PhaseScheduleInput
	Categories    []string
	FieldValues   map[string]any
	ActorID       string
	// PublishCreation broadcasts the new instance on the global channel.
	PublishCreation bool
}

func (e Engine) CreateInstanceFromTemplate(ctx context.Context, opts InstanceCreateOptions) (domain.Instance, error) {
	if opts.ActorID == "" {
		return domain.Instance{}, validation(CodeInvalidRequest, nil, "actor id required")
	}
	t, err := e.template(opts.TemplateID)
	if err != nil {
		return domain.Instance{}, err
	}
	if len(t.Phases) == 0 {
		return domain.Instance{}, validation(CodeInvalidTemplate, map[string]any{"template_id": t.ID}, "template %s has no phases", t.ID)
	}
	if opts.Budget != nil && *opts.Budget < 0 {
		return domain.Instance{}, validation(CodeInvalidBudget, nil, "budget must not be negative")
	}
	phases, err := buildSchedule(t, opts.PhaseSchedule)
	if err != nil {
		return domain.Instance{}, err
	}
	seedSubmissionBudget(t, phases, opts.Budget)
	now := e.timestamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	name := opts.Name
	if name == "" {
		name = t.Name
	}
	inst := domain.Instance{
		ID:             id,
		TemplateID:     t.ID,
		Name:           name,
		CurrentPhaseID: t.Phases[0].ID,
		Phases:         phases,
		Budget:         opts.Budget,
		Categories:     opts.Categories,
		FieldValues:    opts.FieldValues,
		Revision:       1,
		CreatedBy:      opts.ActorID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, infra(err, "begin create instance")
	}
	defer tx.Rollback()
	if err := e.Auth.EnsureActor(ctx, tx, opts.ActorID); err != nil {
		return domain.Instance{}, infra(err, "ensure actor %s", opts.ActorID)
	}
	if err := e.Repo.InsertInstance(ctx, tx, inst); err != nil {
		return domain.Instance{}, infra(err, "insert instance")
	}
	if err := e.Repo.AssignRole(ctx, tx, inst.ID, opts.ActorID, "admin"); err != nil {
		return domain.Instance{}, infra(err, "grant admin on %s", inst.ID)
	}
	rec := events.Record{
		Type:       "instance.created",
		InstanceID: inst.ID,
		EntityKind: "instance",
		EntityID:   inst.ID,
		ActorID:    opts.ActorID,
		Payload:    events.EventPayload{"templateId": t.ID, "currentPhaseId": inst.CurrentPhaseID},
	}
	if opts.PublishCreation {
		rec.MutationID = realtime.NewMutationID()
		rec.Channels = []string{realtime.GlobalChannel}
	}
	if _, err := e.writer().Append(ctx, tx, rec); err != nil {
		return domain.Instance{}, infra(err, "record instance.created")
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, infra(err, "commit create instance")
	}
	e.publish(ctx, rec.MutationID)
	return inst, nil
}

// buildSchedule lays out one entry per template phase. Inputs beyond the
// template's phase count are ignored.
func buildSchedule(t domain.Template, inputs []PhaseScheduleInput) ([]domain.PhaseSchedule, error) {
	out := make([]domain.PhaseSchedule, len(t.Phases))
	for i, p := range t.Phases {
		out[i] = domain.PhaseSchedule{PhaseID: p.ID}
		if i >= len(inputs) {
			continue
		}
		in := inputs[i]
		start, err := normalizeDate(p.ID, "planned_start_date", in.PlannedStartDate)
		if err != nil {
			return nil, err
		}
		end, err := normalizeDate(p.ID, "planned_end_date", in.PlannedEndDate)
		if err != nil {
			return nil, err
		}
		if start != nil && end != nil && *end < *start {
			return nil, validation(CodeInvalidSchedule, map[string]any{"phase_id": p.ID},
				"phase %s ends before it starts", p.ID)
		}
		if in.Settings != nil {
			if in.Settings.Budget != nil && *in.Settings.Budget < 0 {
				return nil, validation(CodeInvalidBudget, map[string]any{"phase_id": p.ID}, "phase %s budget must not be negative", p.ID)
			}
			settings := *in.Settings
			out[i].Settings = &settings
		}
		out[i].PlannedStartDate = start
		out[i].PlannedEndDate = end
	}
	return out, nil
}

// seedSubmissionBudget makes the instance budget the per-proposal cap of the
// first submission phase when neither the template nor the caller set one
// for it. Later phases keep the budget as their aggregate limit only.
func seedSubmissionBudget(t domain.Template, phases []domain.PhaseSchedule, total *float64) {
	if total == nil {
		return
	}
	for i, p := range t.Phases {
		if !p.Rules.ProposalSubmission {
			continue
		}
		if p.Settings.Budget != nil || (phases[i].Settings != nil && phases[i].Settings.Budget != nil) {
			return
		}
		settings := domain.PhaseSettings{}
		if phases[i].Settings != nil {
			settings = *phases[i].Settings
		}
		v := *total
		settings.Budget = &v
		phases[i].Settings = &settings
		return
	}
}

// normalizeDate rewrites an RFC3339 date in UTC so stored dates compare as strings.
func normalizeDate(phaseID, field string, raw *string) (*string, error) {
	if raw == nil || *raw == "" {
		return nil, nil
	}
	ts, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		return nil, validation(CodeInvalidSchedule, map[string]any{"phase_id": phaseID, "field": field},
			"phase %s %s: %v", phaseID, field, err)
	}
	s := ts.UTC().Format(time.RFC3339)
	return &s, nil
}

func (e Engine) GetInstance(ctx context.Context, id string) (domain.Instance, error) {
	inst, err := e.Repo.GetInstance(ctx, nil, id)
	if errors.Is(err, repo.ErrNotFound) {
		return inst, notFound(CodeInstanceNotFound, "instance %s not found", id)
	}
	if err != nil {
		return inst, infra(err, "load instance %s", id)
	}
	return inst, nil
}

func (e Engine) ListInstances(ctx context.Context, f repo.InstanceFilters) ([]domain.Instance, error) {
	res, err := e.Repo.ListInstances(ctx, f)
	if err != nil {
		return nil, infra(err, "list instances")
	}
	return res, nil
}

// InstanceUpdateOptions edits an instance. Nil fields are left unchanged; a
// non-nil PhaseSchedule replaces the whole schedule.
type InstanceUpdateOptions struct {
	ID               string
	ExpectedRevision int64
	Name             *string
	Budget           *float64
	Categories       []string
	PhaseSchedule    []PhaseScheduleInput
	FieldValues      map[string]any
	ActorID          string
}

// UpdateInstance applies admin edits guarded by the instance revision. The
// current phase is owned by the scheduler and never changes here.
func (e Engine) UpdateInstance(ctx context.Context, opts InstanceUpdateOptions) (domain.Instance, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Instance{}, infra(err, "begin update instance")
	}
	defer tx.Rollback()

	inst, t, _, err := e.loadInstance(ctx, tx, opts.ID)
	if err != nil {
		return domain.Instance{}, err
	}
	if err := e.require(ctx, tx, inst.ID, opts.ActorID, "instance.update"); err != nil {
		return domain.Instance{}, err
	}
	if opts.ExpectedRevision != 0 && opts.ExpectedRevision != inst.Revision {
		return domain.Instance{}, conflict(CodeConcurrencyConflict, "instance %s is at revision %d, not %d", inst.ID, inst.Revision, opts.ExpectedRevision)
	}
	observed := inst.Revision
	changed := []string{}
	if opts.Name != nil {
		if *opts.Name == "" {
			return domain.Instance{}, validation(CodeInvalidRequest, nil, "name must not be empty")
		}
		inst.Name = *opts.Name
		changed = append(changed, "name")
	}
	if opts.Budget != nil {
		if *opts.Budget < 0 {
			return domain.Instance{}, validation(CodeInvalidBudget, nil, "budget must not be negative")
		}
		inst.Budget = opts.Budget
		changed = append(changed, "budget")
	}
	if opts.Categories != nil {
		inst.Categories = opts.Categories
		changed = append(changed, "categories")
	}
	if opts.PhaseSchedule != nil {
		phases, err := buildSchedule(t, opts.PhaseSchedule)
		if err != nil {
			return domain.Instance{}, err
		}
		inst.Phases = phases
		changed = append(changed, "phases")
	}
	if opts.FieldValues != nil {
		inst.FieldValues = opts.FieldValues
		changed = append(changed, "field_values")
	}
	inst.UpdatedAt = e.timestamp()
	if err := e.Repo.UpdateInstanceCAS(ctx, tx, inst, inst.CurrentPhaseID, observed); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Instance{}, conflict(CodeConcurrencyConflict, "instance %s changed concurrently", inst.ID)
		}
		return domain.Instance{}, infra(err, "update instance %s", inst.ID)
	}
	inst.Revision = observed + 1
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "instance.updated",
		InstanceID: inst.ID,
		EntityKind: "instance",
		EntityID:   inst.ID,
		ActorID:    opts.ActorID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceChannel(inst.ID), realtime.GlobalChannel},
		Payload:    events.EventPayload{"fields": changed, "revision": inst.Revision},
	}); err != nil {
		return domain.Instance{}, infra(err, "record instance.updated")
	}
	if err := tx.Commit(); err != nil {
		return domain.Instance{}, infra(err, "commit update instance")
	}
	e.publish(ctx, mutationID)
	return inst, nil
}
