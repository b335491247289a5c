// Package budget resolves the effective per-proposal budget cap for an
// instance. Sources are tried in a fixed order and the first one present wins;
// values are never combined.
package budget

import (
	"strconv"

	"ballotline/internal/domain"
)

// LegacyCapField is the free-form field older instances used for the cap.
const LegacyCapField = "budgetCapAmount"

type SourceKind int

const (
	// SourceNone means no cap applies.
	SourceNone SourceKind = iota
	// SourcePhaseSettings is the current phase budget, instance override first, then template default.
	SourcePhaseSettings
	// SourceTemplateMaximum is the proposal schema's declared budget maximum.
	SourceTemplateMaximum
	// SourceLegacyField is fieldValues.budgetCapAmount. Kept for instances created
	// before phase settings existed; migrate these and drop the tier.
	SourceLegacyField
)

func (k SourceKind) String() string {
	switch k {
	case SourcePhaseSettings:
		return "phase_settings"
	case SourceTemplateMaximum:
		return "template_maximum"
	case SourceLegacyField:
		return "legacy_field"
	default:
		return "none"
	}
}

// EffectiveBudgetSource is the resolved cap together with where it came from.
type EffectiveBudgetSource struct {
	Kind   SourceKind
	Amount float64
}

// Resolved reports whether a cap applies.
func (s EffectiveBudgetSource) Resolved() bool { return s.Kind != SourceNone }

// Exceeds reports whether amount is over the cap. An unresolved cap never is.
func (s EffectiveBudgetSource) Exceeds(amount float64) bool {
	return s.Resolved() && amount > s.Amount
}

// Resolve applies the precedence cascade for the instance's current phase.
func Resolve(t domain.Template, inst domain.Instance) EffectiveBudgetSource {
	if amount, ok := phaseBudget(t, inst, inst.CurrentPhaseID); ok {
		return EffectiveBudgetSource{Kind: SourcePhaseSettings, Amount: amount}
	}
	if prop, ok := t.ProposalSchema.Properties["budget"]; ok && prop.Maximum != nil {
		return EffectiveBudgetSource{Kind: SourceTemplateMaximum, Amount: *prop.Maximum}
	}
	if amount, ok := legacyCap(inst.FieldValues); ok {
		return EffectiveBudgetSource{Kind: SourceLegacyField, Amount: amount}
	}
	return EffectiveBudgetSource{}
}

// PhaseAggregate returns the spend limit a completing phase distributes: the
// phase settings budget, then the instance top-level budget.
func PhaseAggregate(t domain.Template, inst domain.Instance, phaseID string) *float64 {
	if amount, ok := phaseBudget(t, inst, phaseID); ok {
		return &amount
	}
	if inst.Budget != nil {
		v := *inst.Budget
		return &v
	}
	return nil
}

func phaseBudget(t domain.Template, inst domain.Instance, phaseID string) (float64, bool) {
	if s, ok := inst.Schedule(phaseID); ok && s.Settings != nil && s.Settings.Budget != nil {
		return *s.Settings.Budget, true
	}
	if p, ok := t.Phase(phaseID); ok && p.Settings.Budget != nil {
		return *p.Settings.Budget, true
	}
	return 0, false
}

func legacyCap(fields map[string]any) (float64, bool) {
	raw, ok := fields[LegacyCapField]
	if !ok || raw == nil {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
