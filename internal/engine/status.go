package engine

import "ballotline/internal/domain"

const (
	StatusDraft       = "draft"
	StatusSubmitted   = "submitted"
	StatusUnderReview = "under-review"
	StatusAccepted    = "accepted"
	StatusRejected    = "rejected"
)

// ProposalStatus derives a proposal's status from the instance position, the
// review decision and any selection outcomes. It is never stored.
//
// The latest selection outcome wins, then an explicit review decision. A
// proposal with neither is under review while the instance sits in a review
// phase and submitted once any submission phase has been reached.
func ProposalStatus(inst domain.Instance, t domain.Template, p domain.Proposal, outcomes []domain.SelectionOutcome) string {
	latest := -1
	var outcome string
	for _, o := range outcomes {
		if o.ProposalID != p.ID {
			continue
		}
		if i := t.PhaseIndex(o.PhaseID); i > latest {
			latest, outcome = i, o.Outcome
		}
	}
	switch outcome {
	case domain.OutcomeRejected:
		return StatusRejected
	case domain.OutcomeFunded, domain.OutcomeCarriedForward:
		return StatusAccepted
	}
	switch p.ReviewDecision {
	case StatusAccepted:
		return StatusAccepted
	case StatusRejected:
		return StatusRejected
	}
	current := t.PhaseIndex(inst.CurrentPhaseID)
	if current >= 0 && t.Phases[current].Rules.AdminReview {
		return StatusUnderReview
	}
	for i := 0; i <= current; i++ {
		if t.Phases[i].Rules.ProposalSubmission {
			return StatusSubmitted
		}
	}
	return StatusDraft
}
