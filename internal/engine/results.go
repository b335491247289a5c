package engine

import (
	"context"

	"ballotline/internal/domain"
)

const (
	ResultsOpen   = "open"
	ResultsClosed = "closed"
	ResultsNone   = "none"
)

// GetResultsStats reports live tallies while the current phase is voting and
// the last completed voting phase's outcome afterwards.
func (e Engine) GetResultsStats(ctx context.Context, instanceID string) (domain.ResultsStats, error) {
	inst, t, phase, err := e.loadInstance(ctx, nil, instanceID)
	if err != nil {
		return domain.ResultsStats{}, err
	}
	stats := domain.ResultsStats{InstanceID: inst.ID, Mode: ResultsNone, Tallies: []domain.Tally{}}

	if phase.Rules.Voting && inst.CompletedAt == nil {
		stats.Mode = ResultsOpen
		stats.PhaseID = phase.ID
		if err := e.fillTallies(ctx, &stats); err != nil {
			return domain.ResultsStats{}, err
		}
		return stats, nil
	}

	// a completed instance has finished its current phase as well
	last := t.PhaseIndex(inst.CurrentPhaseID) - 1
	if inst.CompletedAt != nil {
		last++
	}
	for i := last; i >= 0; i-- {
		if !t.Phases[i].Rules.Voting {
			continue
		}
		stats.Mode = ResultsClosed
		stats.PhaseID = t.Phases[i].ID
		if err := e.fillTallies(ctx, &stats); err != nil {
			return domain.ResultsStats{}, err
		}
		outcomes, err := e.Repo.ListOutcomes(ctx, nil, inst.ID, stats.PhaseID)
		if err != nil {
			return domain.ResultsStats{}, infra(err, "load outcomes for %s", inst.ID)
		}
		for _, o := range outcomes {
			if o.Outcome == domain.OutcomeFunded {
				stats.ProposalsFunded++
				stats.TotalAllocated += o.Budget
			}
		}
		break
	}
	return stats, nil
}

func (e Engine) fillTallies(ctx context.Context, stats *domain.ResultsStats) error {
	voted, err := e.Repo.CountBallots(ctx, nil, stats.InstanceID, stats.PhaseID)
	if err != nil {
		return infra(err, "count ballots for %s", stats.InstanceID)
	}
	tallies, err := e.Repo.Tallies(ctx, nil, stats.InstanceID, stats.PhaseID)
	if err != nil {
		return infra(err, "tally %s", stats.InstanceID)
	}
	stats.MembersVoted = voted
	if tallies != nil {
		stats.Tallies = tallies
	}
	return nil
}
