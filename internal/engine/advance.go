package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ballotline/internal/budget"
	"ballotline/internal/domain"
	"ballotline/internal/events"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
	"ballotline/internal/selection"
)

// AdvanceResult describes one completed phase transition.
type AdvanceResult struct {
	InstanceID  string                    `json:"instance_id"`
	FromPhaseID string                    `json:"from_phase_id"`
	ToPhaseID   string                    `json:"to_phase_id"`
	Completed   bool                      `json:"completed"`
	MutationID  string                    `json:"mutation_id"`
	Outcomes    []domain.SelectionOutcome `json:"outcomes,omitempty"`
}

// AdvanceInstance moves observed out of its current phase. The completing
// phase's selection outcomes and the phase change commit together, guarded by
// the observed phase and revision; a concurrent advance yields a conflict and
// leaves nothing behind. Leaving the last phase marks the instance completed
// and keeps it on that phase.
func (e Engine) AdvanceInstance(ctx context.Context, observed domain.Instance) (AdvanceResult, error) {
	if observed.CompletedAt != nil {
		return AdvanceResult{}, conflict(CodeInstanceCompleted, "instance %s already completed", observed.ID)
	}
	t, err := e.template(observed.TemplateID)
	if err != nil {
		return AdvanceResult{}, err
	}
	if t.PhaseIndex(observed.CurrentPhaseID) < 0 {
		return AdvanceResult{}, infra(fmt.Errorf("phase %s not in template %s", observed.CurrentPhaseID, t.ID), "advance instance %s", observed.ID)
	}
	res := AdvanceResult{InstanceID: observed.ID, FromPhaseID: observed.CurrentPhaseID}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return AdvanceResult{}, infra(err, "begin advance %s", observed.ID)
	}
	defer tx.Rollback()

	if pipe, ok := e.Catalog.Pipeline(t.ID, observed.CurrentPhaseID); ok {
		outcomes, err := e.runSelection(ctx, tx, t, observed, observed.CurrentPhaseID, pipe)
		if err != nil {
			return AdvanceResult{}, err
		}
		if err := e.Repo.ReplaceOutcomes(ctx, tx, observed.ID, observed.CurrentPhaseID, outcomes); err != nil {
			return AdvanceResult{}, infra(err, "store outcomes for %s", observed.ID)
		}
		res.Outcomes = outcomes
	}

	now := e.timestamp()
	next := observed
	next.UpdatedAt = now
	if nextPhase, ok := t.NextPhaseID(observed.CurrentPhaseID); ok {
		next.CurrentPhaseID = nextPhase
	} else {
		next.CompletedAt = &now
		res.Completed = true
	}
	res.ToPhaseID = next.CurrentPhaseID

	if err := e.Repo.UpdateInstanceCAS(ctx, tx, next, observed.CurrentPhaseID, observed.Revision); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return AdvanceResult{}, conflict(CodeConcurrencyConflict, "instance %s already left phase %s", observed.ID, observed.CurrentPhaseID)
		}
		if errors.Is(err, repo.ErrNotFound) {
			return AdvanceResult{}, notFound(CodeInstanceNotFound, "instance %s not found", observed.ID)
		}
		return AdvanceResult{}, infra(err, "advance instance %s", observed.ID)
	}

	typ := "instance.phase_advanced"
	if res.Completed {
		typ = "instance.completed"
	}
	res.MutationID = realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       typ,
		InstanceID: observed.ID,
		EntityKind: "instance",
		EntityID:   observed.ID,
		ActorID:    SystemActor,
		MutationID: res.MutationID,
		Channels:   []string{realtime.InstanceChannel(observed.ID), realtime.InstanceResultsChannel(observed.ID)},
		Payload: events.EventPayload{
			"fromPhaseId": res.FromPhaseID,
			"toPhaseId":   res.ToPhaseID,
			"outcomes":    len(res.Outcomes),
		},
	}); err != nil {
		return AdvanceResult{}, infra(err, "record %s", typ)
	}
	if err := tx.Commit(); err != nil {
		return AdvanceResult{}, infra(err, "commit advance %s", observed.ID)
	}
	e.publish(ctx, res.MutationID)
	return res, nil
}

// RunSelection computes the outcomes phaseID would produce now, without
// storing them. Phases without selection steps return nil.
func (e Engine) RunSelection(ctx context.Context, instanceID, phaseID string) ([]domain.SelectionOutcome, error) {
	inst, t, _, err := e.loadInstance(ctx, nil, instanceID)
	if err != nil {
		return nil, err
	}
	if phaseID == "" {
		phaseID = inst.CurrentPhaseID
	}
	if t.PhaseIndex(phaseID) < 0 {
		return nil, validation(CodeInvalidRequest, map[string]any{"phase_id": phaseID}, "phase %s not in template %s", phaseID, t.ID)
	}
	pipe, ok := e.Catalog.Pipeline(t.ID, phaseID)
	if !ok {
		return nil, nil
	}
	return e.runSelection(ctx, nil, t, inst, phaseID, pipe)
}

func (e Engine) runSelection(ctx context.Context, tx *sql.Tx, t domain.Template, inst domain.Instance, phaseID string, pipe selection.Pipeline) ([]domain.SelectionOutcome, error) {
	proposals, err := e.Repo.ListProposals(ctx, tx, inst.ID)
	if err != nil {
		return nil, infra(err, "load proposals for %s", inst.ID)
	}
	tallies, err := e.Repo.Tallies(ctx, tx, inst.ID, phaseID)
	if err != nil {
		return nil, infra(err, "tally %s phase %s", inst.ID, phaseID)
	}
	votes := make(map[string]int, len(tallies))
	for _, tl := range tallies {
		votes[tl.ProposalID] = tl.Votes
	}
	dropped, err := e.droppedEarlier(ctx, tx, t, inst.ID, phaseID)
	if err != nil {
		return nil, err
	}
	items := make([]selection.Candidate, 0, len(proposals))
	for _, p := range proposals {
		if dropped[p.ID] {
			continue
		}
		c := selection.Candidate{
			ProposalID: p.ID,
			Votes:      votes[p.ID],
			Rejected:   p.ReviewDecision == StatusRejected,
		}
		if p.Budget != nil {
			c.Budget = *p.Budget
		}
		items = append(items, c)
	}
	return pipe.Run(inst.ID, phaseID, items, selection.Context{
		AggregateBudget: budget.PhaseAggregate(t, inst, phaseID),
		Final:           t.PhaseIndex(phaseID) == len(t.Phases)-1,
	}), nil
}

// droppedEarlier returns the proposals any phase before phaseID rejected.
// A proposal dropped by one phase has no outcome row in the phases after it,
// so every earlier phase is consulted, not only the closest.
func (e Engine) droppedEarlier(ctx context.Context, tx *sql.Tx, t domain.Template, instanceID, phaseID string) (map[string]bool, error) {
	outcomes, err := e.Repo.ListOutcomes(ctx, tx, instanceID, "")
	if err != nil {
		return nil, infra(err, "load outcomes for %s", instanceID)
	}
	return eliminated(t, outcomes, t.PhaseIndex(phaseID)), nil
}

// eliminated collects rejections stored by phases positioned before limit.
func eliminated(t domain.Template, outcomes []domain.SelectionOutcome, limit int) map[string]bool {
	out := map[string]bool{}
	for _, o := range outcomes {
		if o.Outcome != domain.OutcomeRejected {
			continue
		}
		if i := t.PhaseIndex(o.PhaseID); i >= 0 && i < limit {
			out[o.ProposalID] = true
		}
	}
	return out
}
