package engine

import (
	"context"
	"errors"

	"ballotline/internal/domain"
	"ballotline/internal/events"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
)

type BallotCastOptions struct {
	InstanceID      string
	MemberProfileID string
	ProposalIDs     []string
}

// maxVotes is the instance schedule override, then the template phase setting.
// Zero means unlimited.
func maxVotes(inst domain.Instance, phase domain.Phase) int {
	if s, ok := inst.Schedule(phase.ID); ok && s.Settings != nil && s.Settings.MaxVotesPerMember > 0 {
		return s.Settings.MaxVotesPerMember
	}
	return phase.Settings.MaxVotesPerMember
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// CastBallot stores the member's selections for the current phase, replacing
// any earlier ballot. Only proposals still in the running can be selected:
// review-rejected ones and those an earlier selection dropped are unknown. A
// rejected ballot leaves no trace.
func (e Engine) CastBallot(ctx context.Context, opts BallotCastOptions) (domain.Ballot, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Ballot{}, infra(err, "begin cast ballot")
	}
	defer tx.Rollback()

	inst, t, phase, err := e.loadInstance(ctx, tx, opts.InstanceID)
	if err != nil {
		return domain.Ballot{}, err
	}
	if !phase.Rules.Voting || inst.CompletedAt != nil {
		return domain.Ballot{}, phaseRule(CodePhaseDoesNotAllowVoting, phase.ID, "phase %s is not a voting phase", phase.ID)
	}
	if err := e.requireMember(ctx, tx, inst.ID, opts.MemberProfileID, "ballot.cast"); err != nil {
		return domain.Ballot{}, err
	}
	ids := dedupe(opts.ProposalIDs)
	if limit := maxVotes(inst, phase); limit > 0 && len(ids) > limit {
		return domain.Ballot{}, validation(CodeTooManySelections, map[string]any{"max": limit, "selected": len(ids)},
			"%d selections exceed the limit of %d", len(ids), limit)
	}
	known, err := e.Repo.ProposalSet(ctx, tx, inst.ID)
	if err != nil {
		return domain.Ballot{}, infra(err, "load proposals for %s", inst.ID)
	}
	dropped, err := e.droppedEarlier(ctx, tx, t, inst.ID, phase.ID)
	if err != nil {
		return domain.Ballot{}, err
	}
	var unknown []string
	for _, id := range ids {
		decision, ok := known[id]
		if !ok || decision == StatusRejected || dropped[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return domain.Ballot{}, validation(CodeUnknownProposal, map[string]any{"proposal_ids": unknown}, "unknown proposals: %v", unknown)
	}

	b := domain.Ballot{
		InstanceID:      inst.ID,
		PhaseID:         phase.ID,
		MemberProfileID: opts.MemberProfileID,
		ProposalIDs:     ids,
		CastAt:          e.timestamp(),
	}
	if err := e.Repo.UpsertBallot(ctx, tx, b); err != nil {
		return domain.Ballot{}, infra(err, "store ballot")
	}
	mutationID := realtime.NewMutationID()
	if _, err := e.writer().Append(ctx, tx, events.Record{
		Type:       "ballot.cast",
		InstanceID: inst.ID,
		EntityKind: "ballot",
		EntityID:   opts.MemberProfileID,
		ActorID:    opts.MemberProfileID,
		MutationID: mutationID,
		Channels:   []string{realtime.InstanceResultsChannel(inst.ID)},
		Payload:    events.EventPayload{"phaseId": phase.ID, "selections": len(ids)},
	}); err != nil {
		return domain.Ballot{}, infra(err, "record ballot.cast")
	}
	if err := tx.Commit(); err != nil {
		return domain.Ballot{}, infra(err, "commit cast ballot")
	}
	e.publish(ctx, mutationID)
	return b, nil
}

// GetBallot returns the member's ballot for phaseID, or the current phase when empty.
func (e Engine) GetBallot(ctx context.Context, instanceID, phaseID, memberID string) (domain.Ballot, error) {
	if phaseID == "" {
		inst, err := e.GetInstance(ctx, instanceID)
		if err != nil {
			return domain.Ballot{}, err
		}
		phaseID = inst.CurrentPhaseID
	}
	b, err := e.Repo.GetBallot(ctx, nil, instanceID, phaseID, memberID)
	if errors.Is(err, repo.ErrNotFound) {
		return b, notFound(CodeBallotNotFound, "no ballot from %s in phase %s", memberID, phaseID)
	}
	if err != nil {
		return b, infra(err, "load ballot")
	}
	return b, nil
}
