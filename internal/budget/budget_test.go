package budget

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"ballotline/internal/domain"
)

func ptr(f float64) *float64 { return &f }

func template(phaseBudget, maximum *float64) domain.Template {
	t := domain.Template{
		ID:     "t",
		Phases: []domain.Phase{{ID: "propose", Settings: domain.PhaseSettings{Budget: phaseBudget}}, {ID: "vote"}},
	}
	if maximum != nil {
		t.ProposalSchema.Properties = map[string]domain.SchemaProperty{"budget": {Type: "number", Maximum: maximum}}
	}
	return t
}

func instance(override *float64, legacy any) domain.Instance {
	inst := domain.Instance{
		CurrentPhaseID: "propose",
		Phases:         []domain.PhaseSchedule{{PhaseID: "propose"}, {PhaseID: "vote"}},
	}
	if override != nil {
		inst.Phases[0].Settings = &domain.PhaseSettings{Budget: override}
	}
	if legacy != nil {
		inst.FieldValues = map[string]any{LegacyCapField: legacy}
	}
	return inst
}

func TestResolvePrecedence(t *testing.T) {
	cases := []struct {
		name   string
		tpl    domain.Template
		inst   domain.Instance
		kind   SourceKind
		amount float64
	}{
		{"instance phase override wins", template(ptr(500), ptr(900)), instance(ptr(1000), 50.0), SourcePhaseSettings, 1000},
		{"template phase default", template(ptr(500), ptr(900)), instance(nil, 50.0), SourcePhaseSettings, 500},
		{"schema maximum", template(nil, ptr(900)), instance(nil, 50.0), SourceTemplateMaximum, 900},
		{"legacy field", template(nil, nil), instance(nil, 50.0), SourceLegacyField, 50},
		{"legacy string field", template(nil, nil), instance(nil, "75.5"), SourceLegacyField, 75.5},
		{"nothing", template(nil, nil), instance(nil, nil), SourceNone, 0},
		{"unparseable legacy", template(nil, nil), instance(nil, "lots"), SourceNone, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(tc.tpl, tc.inst)
			assert.Equal(t, tc.kind, got.Kind)
			assert.Equal(t, tc.amount, got.Amount)
		})
	}
}

func TestExceeds(t *testing.T) {
	src := EffectiveBudgetSource{Kind: SourcePhaseSettings, Amount: 1000}
	assert.True(t, src.Exceeds(1200))
	assert.False(t, src.Exceeds(800))
	assert.False(t, src.Exceeds(1000))
	assert.False(t, EffectiveBudgetSource{}.Exceeds(1e12))
}

func TestPhaseAggregateFallsBackToInstanceBudget(t *testing.T) {
	tpl := template(nil, nil)
	inst := instance(nil, nil)
	inst.Budget = ptr(2500)
	got := PhaseAggregate(tpl, inst, "vote")
	if assert.NotNil(t, got) {
		assert.Equal(t, 2500.0, *got)
	}
	assert.Nil(t, PhaseAggregate(tpl, instance(nil, nil), "vote"))
}
