package engine

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"ballotline/internal/budget"
	"ballotline/internal/domain"
	"ballotline/internal/events"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
)

type ProposalSubmitOptions struct {
	ID               string
	InstanceID       string
	AuthorProfileID  string
	AuthorEntityType string
	Title            string
	DocumentRef      string
	Content          map[string]any
	CategoryIDs      []string
	Budget           *float64
}

// ProposalView is a proposal with its computed status.
type ProposalView struct {
	domain.Proposal
	Status string `json:"status" enum:"draft,submitted,under-review,accepted,rejected"`
}

func (e Engine) requireMember(ctx context.Context, tx *sql.Tx, instanceID, actorID, perm string) error {
	if actorID == "" {
		return validation(CodeInvalidRequest, nil, "member profile id required")
	}
	if !e.RequireMembership {
		return nil
	}
	return e.require(ctx, tx, instanceID, actorID, perm)
}

// SubmitProposal validates and stores a proposal in the instance's current phase.
func (e Engine) SubmitProposal(ctx context.Context, opts ProposalSubmitOptions) (ProposalView, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProposalView{}, infra(err, "begin submit proposal")
	}
	defer tx.Rollback()

	inst, t, phase, err := e.loadInstance(ctx, tx, opts.InstanceID)
	if err != nil {
		return ProposalView{}, err
	}
	if !phase.Rules.ProposalSubmission || inst.CompletedAt != nil {
		return ProposalView{}, phaseRule(CodePhaseDoesNotAllowSubmission, phase.ID, "phase %s does not accept proposals", phase.ID)
	}
	if err := e.requireMember(ctx, tx, inst.ID, opts.AuthorProfileID, "proposal.submit"); err != nil {
		return ProposalView{}, err
	}
	entityType := opts.AuthorEntityType
	if entityType == "" {
		entityType = "individual"
	}
	if entityType != "individual" && entityType != "organization" {
		return ProposalView{}, validation(CodeInvalidRequest, map[string]any{"author_entity_type": entityType}, "unknown author entity type %q", entityType)
	}
	if err := e.checkProposalBudget(t, inst, opts.Budget); err != nil {
		return ProposalView{}, err
	}
	if err := checkCategories(allowedCategories(t, inst), opts.CategoryIDs); err != nil {
		return ProposalView{}, err
	}
	if missing := missingRequired(t.ProposalSchema.Required, opts); len(missing) > 0 {
		return ProposalView{}, validation(CodeMissingRequiredField, map[string]any{"fields": missing}, "missing required fields: %v", missing)
	}

	now := e.timestamp()
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	p := domain.Proposal{
		ID:               id,
		InstanceID:       inst.ID,
		AuthorProfileID:  opts.AuthorProfileID,
		AuthorEntityType: entityType,
		Title:            opts.Title,
		DocumentRef:      opts.DocumentRef,
		Content:          opts.Content,
		CategoryIDs:      opts.CategoryIDs,
		Budget:           opts.Budget,
		SubmittedPhaseID: phase.ID,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return ProposalView{}, infra(err, "insert proposal")
	}
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "proposal.submitted",
		InstanceID: inst.ID,
		EntityKind: "proposal",
		EntityID:   p.ID,
		ActorID:    opts.AuthorProfileID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceProposalsChannel(inst.ID)},
		Payload:    events.EventPayload{"proposalId": p.ID, "phaseId": phase.ID},
	}); err != nil {
		return ProposalView{}, infra(err, "record proposal.submitted")
	}
	if err := tx.Commit(); err != nil {
		return ProposalView{}, infra(err, "commit submit proposal")
	}
	e.publish(ctx, mutationID)
	return ProposalView{Proposal: p, Status: ProposalStatus(inst, t, p, nil)}, nil
}

func (e Engine) checkProposalBudget(t domain.Template, inst domain.Instance, amount *float64) error {
	if amount == nil {
		return nil
	}
	if *amount < 0 {
		return validation(CodeInvalidBudget, nil, "budget must not be negative")
	}
	limit := budget.Resolve(t, inst)
	if limit.Kind == budget.SourceLegacyField {
		e.logger().Warn("budget cap read from legacy field",
			zap.String("instance_id", inst.ID), zap.String("field", budget.LegacyCapField))
	}
	if limit.Exceeds(*amount) {
		return validation(CodeBudgetExceedsCap, map[string]any{
			"budget": *amount,
			"cap":    limit.Amount,
			"source": limit.Kind.String(),
		}, "budget %v exceeds cap %v", *amount, limit.Amount)
	}
	return nil
}

// allowedCategories is the instance list, then the current phase override,
// then the template phase default.
func allowedCategories(t domain.Template, inst domain.Instance) []string {
	if len(inst.Categories) > 0 {
		return inst.Categories
	}
	if s, ok := inst.Schedule(inst.CurrentPhaseID); ok && s.Settings != nil && len(s.Settings.Categories) > 0 {
		return s.Settings.Categories
	}
	if p, ok := t.Phase(inst.CurrentPhaseID); ok {
		return p.Settings.Categories
	}
	return nil
}

func checkCategories(allowed, given []string) error {
	known := make(map[string]bool, len(allowed))
	for _, c := range allowed {
		known[c] = true
	}
	var unknown []string
	for _, c := range given {
		if !known[c] {
			unknown = append(unknown, c)
		}
	}
	if len(unknown) > 0 {
		return validation(CodeUnknownCategory, map[string]any{"categories": unknown}, "unknown categories: %v", unknown)
	}
	return nil
}

// missingRequired checks the schema's required list. title, budget,
// categories and document_ref map to typed fields; the rest live in Content.
func missingRequired(required []string, opts ProposalSubmitOptions) []string {
	var missing []string
	for _, field := range required {
		present := false
		switch field {
		case "title":
			present = opts.Title != ""
		case "budget":
			present = opts.Budget != nil
		case "categories":
			present = len(opts.CategoryIDs) > 0
		case "document_ref", "documentRef":
			present = opts.DocumentRef != ""
		default:
			v, ok := opts.Content[field]
			if s, isString := v.(string); isString {
				present = s != ""
			} else {
				present = ok && v != nil
			}
		}
		if !present {
			missing = append(missing, field)
		}
	}
	return missing
}

// ReviewProposal records an admin decision while the instance is in a review phase.
func (e Engine) ReviewProposal(ctx context.Context, instanceID, proposalID, decision, actorID string) (ProposalView, error) {
	if decision != StatusAccepted && decision != StatusRejected {
		return ProposalView{}, validation(CodeInvalidRequest, map[string]any{"decision": decision}, "decision must be accepted or rejected")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ProposalView{}, infra(err, "begin review proposal")
	}
	defer tx.Rollback()

	inst, t, phase, err := e.loadInstance(ctx, tx, instanceID)
	if err != nil {
		return ProposalView{}, err
	}
	if err := e.require(ctx, tx, inst.ID, actorID, "proposal.review"); err != nil {
		return ProposalView{}, err
	}
	if !phase.Rules.AdminReview || inst.CompletedAt != nil {
		return ProposalView{}, phaseRule(CodePhaseDoesNotAllowReview, phase.ID, "phase %s does not allow review", phase.ID)
	}
	p, err := e.getProposal(ctx, tx, inst.ID, proposalID)
	if err != nil {
		return ProposalView{}, err
	}
	now := e.timestamp()
	if err := e.Repo.SetProposalReview(ctx, tx, p.ID, decision, now); err != nil {
		return ProposalView{}, infra(err, "review proposal %s", p.ID)
	}
	p.ReviewDecision = decision
	p.UpdatedAt = now
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "proposal.reviewed",
		InstanceID: inst.ID,
		EntityKind: "proposal",
		EntityID:   p.ID,
		ActorID:    actorID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceProposalsChannel(inst.ID)},
		Payload:    events.EventPayload{"proposalId": p.ID, "decision": decision},
	}); err != nil {
		return ProposalView{}, infra(err, "record proposal.reviewed")
	}
	if err := tx.Commit(); err != nil {
		return ProposalView{}, infra(err, "commit review proposal")
	}
	e.publish(ctx, mutationID)
	return ProposalView{Proposal: p, Status: ProposalStatus(inst, t, p, nil)}, nil
}

func (e Engine) getProposal(ctx context.Context, tx *sql.Tx, instanceID, proposalID string) (domain.Proposal, error) {
	p, err := e.Repo.GetProposal(ctx, tx, proposalID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && p.InstanceID != instanceID) {
		return domain.Proposal{}, notFound(CodeProposalNotFound, "proposal %s not found in instance %s", proposalID, instanceID)
	}
	if err != nil {
		return domain.Proposal{}, infra(err, "load proposal %s", proposalID)
	}
	return p, nil
}

func (e Engine) GetProposal(ctx context.Context, instanceID, proposalID string) (ProposalView, error) {
	views, err := e.ListProposals(ctx, instanceID)
	if err != nil {
		return ProposalView{}, err
	}
	for _, v := range views {
		if v.ID == proposalID {
			return v, nil
		}
	}
	return ProposalView{}, notFound(CodeProposalNotFound, "proposal %s not found in instance %s", proposalID, instanceID)
}

// ListProposals returns the instance's proposals with computed status,
// optionally filtered to the given statuses.
func (e Engine) ListProposals(ctx context.Context, instanceID string, statuses ...string) ([]ProposalView, error) {
	inst, t, _, err := e.loadInstance(ctx, nil, instanceID)
	if err != nil {
		return nil, err
	}
	proposals, err := e.Repo.ListProposals(ctx, nil, inst.ID)
	if err != nil {
		return nil, infra(err, "list proposals for %s", inst.ID)
	}
	outcomes, err := e.Repo.ListOutcomes(ctx, nil, inst.ID, "")
	if err != nil {
		return nil, infra(err, "list outcomes for %s", inst.ID)
	}
	want := map[string]bool{}
	for _, s := range statuses {
		if s != "" {
			want[s] = true
		}
	}
	views := make([]ProposalView, 0, len(proposals))
	for _, p := range proposals {
		v := ProposalView{Proposal: p, Status: ProposalStatus(inst, t, p, outcomes)}
		if len(want) > 0 && !want[v.Status] {
			continue
		}
		views = append(views, v)
	}
	return views, nil
}

// ListOutcomes returns persisted selection outcomes, ranked first.
func (e Engine) ListOutcomes(ctx context.Context, instanceID, phaseID string) ([]domain.SelectionOutcome, error) {
	if _, err := e.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	res, err := e.Repo.ListOutcomes(ctx, nil, instanceID, phaseID)
	if err != nil {
		return nil, infra(err, "list outcomes for %s", instanceID)
	}
	return res, nil
}
