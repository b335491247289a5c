// Package selection runs the filter/rank/cap steps a phase applies to its
// proposals when it completes. Steps are pure functions composed once when
// templates load; running a pipeline twice on the same input yields the same
// outcomes.
package selection

import (
	"fmt"
	"sort"

	"ballotline/internal/domain"
)

const (
	KindFilterMinVotes       = "filter_min_votes"
	KindFilterAccepted       = "filter_accepted"
	KindRankVotes            = "rank_votes"
	KindRankBudgetNormalized = "rank_budget_normalized"
	KindCapTopN              = "cap_top_n"
	KindCapBudget            = "cap_budget"
)

var kinds = map[string]bool{
	KindFilterMinVotes:       true,
	KindFilterAccepted:       true,
	KindRankVotes:            true,
	KindRankBudgetNormalized: true,
	KindCapTopN:              true,
	KindCapBudget:            true,
}

// KnownKind reports whether kind names a step this package can build.
func KnownKind(kind string) bool { return kinds[kind] }

// Candidate is one proposal as seen by the pipeline.
type Candidate struct {
	ProposalID string
	Votes      int
	Budget     float64
	Rejected   bool
}

// Context carries instance data that steps may consult.
type Context struct {
	// AggregateBudget is the phase-wide spend limit used by cap_budget when the step has none.
	AggregateBudget *float64
	// Final marks the template's last phase. Its survivors have no next phase
	// to move to and are funded.
	Final bool
}

type Step func(items []Candidate, ctx Context) []Candidate

type Pipeline struct {
	steps []Step
	names []string
	funds bool
}

// Compile builds a pipeline from template step configs.
func Compile(cfg []domain.SelectionStepConfig) (Pipeline, error) {
	var p Pipeline
	for i, sc := range cfg {
		step, err := build(sc)
		if err != nil {
			return Pipeline{}, fmt.Errorf("selection step %d: %w", i, err)
		}
		if sc.Kind == KindCapBudget {
			p.funds = true
		}
		p.steps = append(p.steps, step)
		p.names = append(p.names, sc.Kind)
	}
	return p, nil
}

func build(sc domain.SelectionStepConfig) (Step, error) {
	switch sc.Kind {
	case KindFilterMinVotes:
		min := sc.Min
		if min <= 0 {
			min = 1
		}
		return FilterMinVotes(min), nil
	case KindFilterAccepted:
		return FilterAccepted, nil
	case KindRankVotes:
		return RankVotes, nil
	case KindRankBudgetNormalized:
		return RankBudgetNormalized, nil
	case KindCapTopN:
		if sc.N <= 0 {
			return nil, fmt.Errorf("cap_top_n requires n > 0")
		}
		return CapTopN(sc.N), nil
	case KindCapBudget:
		return CapBudget(sc.Budget), nil
	default:
		return nil, fmt.Errorf("unknown step kind %q", sc.Kind)
	}
}

// Empty reports whether the pipeline has no steps.
func (p Pipeline) Empty() bool { return len(p.steps) == 0 }

// Steps returns the step kinds in order.
func (p Pipeline) Steps() []string { return append([]string(nil), p.names...) }

// Run applies the steps and classifies every input proposal. Survivors are
// funded when the pipeline caps by budget or runs in the final phase, and
// carried forward otherwise.
func (p Pipeline) Run(instanceID, phaseID string, items []Candidate, ctx Context) []domain.SelectionOutcome {
	in := make([]Candidate, len(items))
	copy(in, items)
	sort.SliceStable(in, func(i, j int) bool { return in[i].ProposalID < in[j].ProposalID })

	out := in
	for _, step := range p.steps {
		out = step(out, ctx)
	}

	survivor := make(map[string]int, len(out))
	for i, c := range out {
		survivor[c.ProposalID] = i + 1
	}
	kept := domain.OutcomeCarriedForward
	if p.funds || ctx.Final {
		kept = domain.OutcomeFunded
	}
	res := make([]domain.SelectionOutcome, 0, len(in))
	for _, c := range out {
		res = append(res, domain.SelectionOutcome{
			InstanceID: instanceID,
			PhaseID:    phaseID,
			ProposalID: c.ProposalID,
			Outcome:    kept,
			Rank:       survivor[c.ProposalID],
			Votes:      c.Votes,
			Budget:     c.Budget,
		})
	}
	for _, c := range in {
		if _, ok := survivor[c.ProposalID]; ok {
			continue
		}
		res = append(res, domain.SelectionOutcome{
			InstanceID: instanceID,
			PhaseID:    phaseID,
			ProposalID: c.ProposalID,
			Outcome:    domain.OutcomeRejected,
			Votes:      c.Votes,
			Budget:     c.Budget,
		})
	}
	return res
}

func FilterMinVotes(min int) Step {
	return func(items []Candidate, _ Context) []Candidate {
		return filter(items, func(c Candidate) bool { return c.Votes >= min })
	}
}

func FilterAccepted(items []Candidate, _ Context) []Candidate {
	return filter(items, func(c Candidate) bool { return !c.Rejected })
}

func RankVotes(items []Candidate, _ Context) []Candidate {
	return rank(items, func(c Candidate) float64 { return float64(c.Votes) })
}

// RankBudgetNormalized orders by votes per unit of requested budget. Budgets
// below 1 count as 1 so free proposals do not divide by zero.
func RankBudgetNormalized(items []Candidate, _ Context) []Candidate {
	return rank(items, func(c Candidate) float64 {
		b := c.Budget
		if b < 1 {
			b = 1
		}
		return float64(c.Votes) / b
	})
}

func CapTopN(n int) Step {
	return func(items []Candidate, _ Context) []Candidate {
		if len(items) <= n {
			return items
		}
		return items[:n]
	}
}

// CapBudget walks items in their current order and keeps each one whose
// budget still fits under the remaining total. It is greedy, not optimal.
func CapBudget(limit *float64) Step {
	return func(items []Candidate, ctx Context) []Candidate {
		total := limit
		if total == nil {
			total = ctx.AggregateBudget
		}
		if total == nil {
			return items
		}
		var spent float64
		return filter(items, func(c Candidate) bool {
			if spent+c.Budget > *total {
				return false
			}
			spent += c.Budget
			return true
		})
	}
}

func filter(items []Candidate, keep func(Candidate) bool) []Candidate {
	out := make([]Candidate, 0, len(items))
	for _, c := range items {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func rank(items []Candidate, score func(Candidate) float64) []Candidate {
	out := make([]Candidate, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := score(out[i]), score(out[j])
		if si != sj {
			return si > sj
		}
		return out[i].ProposalID < out[j].ProposalID
	})
	return out
}
