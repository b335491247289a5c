package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ballotline/internal/catalog"
	"ballotline/internal/config"
	"ballotline/internal/db"
	"ballotline/internal/domain"
	"ballotline/internal/engine"
	"ballotline/internal/migrate"
	"ballotline/internal/notify"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	Bus    *realtime.MemoryBus
	Notify *notify.Memory
}

func fptr(f float64) *float64 { return &f }
func sptr(s string) *string   { return &s }

// testTemplates are small processes exercised across the engine tests.
func testTemplates() []domain.Template {
	return []domain.Template{
		{
			ID:   "two-phase",
			Name: "Two phase",
			Phases: []domain.Phase{
				{ID: "propose", Rules: domain.PhaseRules{ProposalSubmission: true}},
				{ID: "vote", Rules: domain.PhaseRules{Voting: true}, Settings: domain.PhaseSettings{MaxVotesPerMember: 3},
					Selection: []domain.SelectionStepConfig{{Kind: "filter_min_votes"}, {Kind: "rank_votes"}, {Kind: "cap_budget"}}},
			},
		},
		{
			ID:   "reviewed",
			Name: "Reviewed",
			ProposalSchema: domain.ProposalSchema{
				Required:   []string{"title", "summary"},
				Properties: map[string]domain.SchemaProperty{"budget": {Type: "number", Maximum: fptr(5000)}},
			},
			Phases: []domain.Phase{
				{ID: "propose", Rules: domain.PhaseRules{ProposalSubmission: true}, Settings: domain.PhaseSettings{Categories: []string{"parks", "roads"}}},
				{ID: "review", Rules: domain.PhaseRules{AdminReview: true}, Selection: []domain.SelectionStepConfig{{Kind: "filter_accepted"}}},
				{ID: "vote", Rules: domain.PhaseRules{Voting: true}},
				{ID: "results"},
			},
		},
		{ID: "empty", Name: "No phases"},
		{
			ID:   "two-rounds",
			Name: "Two voting rounds",
			Phases: []domain.Phase{
				{ID: "propose", Rules: domain.PhaseRules{ProposalSubmission: true}},
				{ID: "review", Rules: domain.PhaseRules{AdminReview: true}, Selection: []domain.SelectionStepConfig{{Kind: "filter_accepted"}}},
				{ID: "round1", Rules: domain.PhaseRules{Voting: true}, Selection: []domain.SelectionStepConfig{{Kind: "filter_min_votes"}}},
				{ID: "round2", Rules: domain.PhaseRules{Voting: true}, Selection: []domain.SelectionStepConfig{{Kind: "rank_votes"}}},
				{ID: "closed"},
			},
		},
	}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cat, err := catalog.New(testTemplates())
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	eng := engine.New(conn, cfg, cat)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.RequireMembership = false
	bus := realtime.NewMemoryBus()
	eng.Relay = realtime.Relay{Repo: eng.Repo, Publisher: bus}
	mem := &notify.Memory{}
	eng.Notify = mem
	ctx := context.Background()
	if err := eng.SeedRBAC(ctx); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx, Bus: bus, Notify: mem}
}

func (env testEnv) create(t *testing.T, opts engine.InstanceCreateOptions) domain.Instance {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "admin"
	}
	inst, err := env.Engine.CreateInstanceFromTemplate(env.Ctx, opts)
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

// advance re-reads the instance and moves it one phase on.
func (env testEnv) advance(t *testing.T, id string) engine.AdvanceResult {
	t.Helper()
	inst, err := env.Engine.GetInstance(env.Ctx, id)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	res, err := env.Engine.AdvanceInstance(env.Ctx, inst)
	if err != nil {
		t.Fatalf("advance %s: %v", id, err)
	}
	return res
}

func TestCreateInstanceStartsAtFirstPhase(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{
		TemplateID: "reviewed",
		PhaseSchedule: []engine.PhaseScheduleInput{
			{PlannedStartDate: sptr("2024-01-01T00:00:00Z"), PlannedEndDate: sptr("2024-01-10T02:00:00+02:00")},
			{},
			{},
			{},
			{PlannedEndDate: sptr("2030-01-01T00:00:00Z")},
		},
	})
	if inst.CurrentPhaseID != "propose" {
		t.Fatalf("expected first phase, got %s", inst.CurrentPhaseID)
	}
	if len(inst.Phases) != 4 {
		t.Fatalf("expected one schedule entry per template phase, got %d", len(inst.Phases))
	}
	for i, p := range inst.Phases {
		if p.PhaseID != testTemplates()[1].Phases[i].ID {
			t.Fatalf("schedule order mismatch at %d: %s", i, p.PhaseID)
		}
	}
	if got := *inst.Phases[0].PlannedEndDate; got != "2024-01-10T00:00:00Z" {
		t.Fatalf("expected end date normalized to UTC, got %s", got)
	}
	if inst.Name != "Reviewed" || inst.Revision != 1 {
		t.Fatalf("unexpected defaults: %+v", inst)
	}
	roles, err := env.Engine.ListRoles(env.Ctx, inst.ID)
	if err != nil || len(roles) != 1 || roles[0].Role != "admin" || roles[0].ProfileID != "admin" {
		t.Fatalf("expected creator admin role, got %+v (%v)", roles, err)
	}
	// creation is audit-only unless asked to broadcast
	if n := len(env.Bus.Published()); n != 0 {
		t.Fatalf("expected no broadcast, got %d", n)
	}
	env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase", PublishCreation: true})
	msgs := env.Bus.Published()
	if len(msgs) != 1 || msgs[0].Channel != realtime.GlobalChannel {
		t.Fatalf("expected one global broadcast, got %+v", msgs)
	}
}

func TestCreateInstanceErrors(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateInstanceFromTemplate(env.Ctx, engine.InstanceCreateOptions{TemplateID: "missing", ActorID: "admin"})
	if !errors.Is(err, engine.ErrTemplateNotFound) || engine.KindOf(err) != engine.KindNotFound {
		t.Fatalf("expected template not found, got %v", err)
	}
	_, err = env.Engine.CreateInstanceFromTemplate(env.Ctx, engine.InstanceCreateOptions{TemplateID: "empty", ActorID: "admin"})
	if !errors.Is(err, engine.ErrInvalidTemplate) {
		t.Fatalf("expected invalid template, got %v", err)
	}
	_, err = env.Engine.CreateInstanceFromTemplate(env.Ctx, engine.InstanceCreateOptions{
		TemplateID: "two-phase", ActorID: "admin",
		PhaseSchedule: []engine.PhaseScheduleInput{{PlannedStartDate: sptr("2024-02-01T00:00:00Z"), PlannedEndDate: sptr("2024-01-01T00:00:00Z")}},
	})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected schedule validation error, got %v", err)
	}
	list, err := env.Engine.ListInstances(env.Ctx, repo.InstanceFilters{})
	if err != nil || len(list) != 0 {
		t.Fatalf("failed creations must not persist: %d %v", len(list), err)
	}
}

func TestBudgetCapFromPhaseSettings(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{
		TemplateID:    "two-phase",
		PhaseSchedule: []engine.PhaseScheduleInput{{Settings: &domain.PhaseSettings{Budget: fptr(1000)}}},
	})
	_, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "Big", Budget: fptr(1200)})
	if !errors.Is(err, engine.ErrBudgetExceedsCap) {
		t.Fatalf("expected budget exceeds cap, got %v", err)
	}
	var typed *engine.Error
	if !errors.As(err, &typed) || typed.Details["source"] != "phase_settings" {
		t.Fatalf("expected cap source in details, got %+v", typed)
	}
	p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "Small", Budget: fptr(800)})
	if err != nil {
		t.Fatalf("submit within cap: %v", err)
	}
	if p.Status != engine.StatusSubmitted || p.SubmittedPhaseID != "propose" {
		t.Fatalf("unexpected proposal: %+v", p)
	}
	list, _ := env.Engine.ListProposals(env.Ctx, inst.ID)
	if len(list) != 1 {
		t.Fatalf("rejected submission must not persist, got %d proposals", len(list))
	}
}

func TestBudgetCapCascade(t *testing.T) {
	env := newTestEnv(t)
	// template maximum applies without phase settings
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "reviewed", FieldValues: map[string]any{"budgetCapAmount": 10}})
	_, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		InstanceID: inst.ID, AuthorProfileID: "p1", Title: "t", Content: map[string]any{"summary": "s"}, Budget: fptr(4000),
	})
	if err != nil {
		t.Fatalf("template maximum should win over legacy field: %v", err)
	}
	// legacy field applies when nothing else does
	legacy := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase", FieldValues: map[string]any{"budgetCapAmount": "50"}})
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: legacy.ID, AuthorProfileID: "p1", Title: "t", Budget: fptr(60)})
	if !errors.Is(err, engine.ErrBudgetExceedsCap) {
		t.Fatalf("expected legacy cap, got %v", err)
	}
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: legacy.ID, AuthorProfileID: "p1", Title: "t", Budget: fptr(-1)})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected negative budget rejected, got %v", err)
	}
}

func TestSubmitProposalValidation(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "reviewed"})
	_, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		InstanceID: inst.ID, AuthorProfileID: "p1", Title: "t", Content: map[string]any{"summary": "s"}, CategoryIDs: []string{"parks", "zoo"},
	})
	if !errors.Is(err, engine.ErrUnknownCategory) {
		t.Fatalf("expected unknown category, got %v", err)
	}
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "t"})
	var typed *engine.Error
	if !errors.As(err, &typed) || typed.Code != engine.CodeMissingRequiredField {
		t.Fatalf("expected missing summary, got %v", err)
	}
	p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		InstanceID: inst.ID, AuthorProfileID: "p1", Title: "t", Content: map[string]any{"summary": "s"}, CategoryIDs: []string{"roads"},
	})
	if err != nil {
		t.Fatalf("valid submission: %v", err)
	}
	msgs := env.Bus.Published()
	if len(msgs) != 1 || msgs[0].Channel != realtime.InstanceProposalsChannel(inst.ID) {
		t.Fatalf("expected invalidation on proposals channel, got %+v", msgs)
	}

	env.advance(t, inst.ID) // propose -> review
	_, err = env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
		InstanceID: inst.ID, AuthorProfileID: "p1", Title: "late", Content: map[string]any{"summary": "s"},
	})
	if !errors.Is(err, engine.ErrPhaseDoesNotAllowSubmission) || !errors.Is(err, engine.ErrPhaseRule) {
		t.Fatalf("expected phase rule violation, got %v", err)
	}
	view, err := env.Engine.GetProposal(env.Ctx, inst.ID, p.ID)
	if err != nil || view.Status != engine.StatusUnderReview {
		t.Fatalf("expected under-review, got %+v %v", view, err)
	}
}

func TestReviewFeedsSelectionAndStatus(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "reviewed"})
	submit := func(title string) string {
		p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{
			InstanceID: inst.ID, AuthorProfileID: "p1", Title: title, Content: map[string]any{"summary": title},
		})
		if err != nil {
			t.Fatalf("submit %s: %v", title, err)
		}
		return p.ID
	}
	good, bad := submit("good"), submit("bad")

	if _, err := env.Engine.ReviewProposal(env.Ctx, inst.ID, good, "accepted", "admin"); !errors.Is(err, engine.ErrPhaseRule) {
		t.Fatalf("review outside review phase should fail, got %v", err)
	}
	env.advance(t, inst.ID)
	if _, err := env.Engine.ReviewProposal(env.Ctx, inst.ID, bad, "rejected", "stranger"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("expected forbidden for non-admin, got %v", err)
	}
	if _, err := env.Engine.ReviewProposal(env.Ctx, inst.ID, bad, "rejected", "admin"); err != nil {
		t.Fatalf("review: %v", err)
	}
	res := env.advance(t, inst.ID) // review -> vote, runs filter_accepted
	if res.ToPhaseID != "vote" || len(res.Outcomes) != 2 {
		t.Fatalf("unexpected advance: %+v", res)
	}

	if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: []string{bad}}); !errors.Is(err, engine.ErrUnknownProposal) {
		t.Fatalf("voting for a rejected proposal should fail, got %v", err)
	}
	views, err := env.Engine.ListProposals(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	status := map[string]string{}
	for _, v := range views {
		status[v.ID] = v.Status
	}
	if status[good] != engine.StatusAccepted || status[bad] != engine.StatusRejected {
		t.Fatalf("unexpected statuses: %v", status)
	}
	rejected, _ := env.Engine.ListProposals(env.Ctx, inst.ID, engine.StatusRejected)
	if len(rejected) != 1 || rejected[0].ID != bad {
		t.Fatalf("status filter failed: %+v", rejected)
	}
}

func TestBallotLimitAndReplace(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase"})
	var ids []string
	for _, title := range []string{"a", "b", "c", "d", "e"} {
		p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: title})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.ID)
	}
	if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: ids[:1]}); !errors.Is(err, engine.ErrPhaseDoesNotAllowVoting) {
		t.Fatalf("expected voting closed during propose, got %v", err)
	}
	env.advance(t, inst.ID)

	_, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: ids[:4]})
	if !errors.Is(err, engine.ErrTooManySelections) {
		t.Fatalf("expected too many selections, got %v", err)
	}
	if _, err := env.Engine.GetBallot(env.Ctx, inst.ID, "", "m1"); !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("rejected ballot must not persist, got %v", err)
	}
	// duplicates collapse before counting
	dup := []string{ids[0], ids[1], ids[2], ids[0]}
	if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: dup}); err != nil {
		t.Fatalf("ballot with 3 selections: %v", err)
	}
	if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: []string{ids[3], ids[4]}}); err != nil {
		t.Fatalf("replace ballot: %v", err)
	}
	b, err := env.Engine.GetBallot(env.Ctx, inst.ID, "vote", "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(b.ProposalIDs) != 2 || b.ProposalIDs[0] != ids[3] || b.ProposalIDs[1] != ids[4] {
		t.Fatalf("expected replaced selections, got %v", b.ProposalIDs)
	}
	stats, err := env.Engine.GetResultsStats(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Mode != engine.ResultsOpen || stats.MembersVoted != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	total := 0
	for _, tl := range stats.Tallies {
		total += tl.Votes
	}
	if total != 2 {
		t.Fatalf("expected 2 counted votes after replace, got %d", total)
	}
	if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m2", ProposalIDs: []string{"nope"}}); !errors.Is(err, engine.ErrUnknownProposal) {
		t.Fatalf("expected unknown proposal, got %v", err)
	}
	for _, m := range env.Bus.Published() {
		if m.EventType == "ballot.cast" && m.Channel != realtime.InstanceResultsChannel(inst.ID) {
			t.Fatalf("ballot invalidation on wrong channel %s", m.Channel)
		}
	}
}

func TestAdvanceCompletesAndSelectsOnce(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase", Budget: fptr(1000)})
	budgets := []float64{600, 500, 300}
	var ids []string
	for i, b := range budgets {
		p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: string(rune('a' + i)), Budget: fptr(b)})
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, p.ID)
	}
	env.advance(t, inst.ID)
	votes := map[string][]string{
		"m1": {ids[0], ids[1]},
		"m2": {ids[1], ids[2]},
		"m3": {ids[1]},
	}
	for member, sel := range votes {
		if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: member, ProposalIDs: sel}); err != nil {
			t.Fatal(err)
		}
	}
	before, _ := env.Engine.GetInstance(env.Ctx, inst.ID)
	preview, err := env.Engine.RunSelection(env.Ctx, inst.ID, "")
	if err != nil {
		t.Fatal(err)
	}

	res := env.advance(t, inst.ID)
	if !res.Completed || res.ToPhaseID != "vote" {
		t.Fatalf("expected completion on the last phase, got %+v", res)
	}
	if len(res.Outcomes) != len(preview) {
		t.Fatalf("selection must be deterministic: %d vs %d", len(res.Outcomes), len(preview))
	}
	funded := map[string]bool{}
	for i, o := range res.Outcomes {
		if o != preview[i] {
			t.Fatalf("outcome %d differs from preview: %+v vs %+v", i, o, preview[i])
		}
		if o.Outcome == domain.OutcomeFunded {
			funded[o.ProposalID] = true
		}
	}
	// b (3 votes, 500) then a (1 vote, 600) does not fit, c (1 vote, 300) does
	if !funded[ids[1]] || funded[ids[0]] || !funded[ids[2]] {
		t.Fatalf("unexpected funded set: %v", funded)
	}

	// a second advance from the stale snapshot is a conflict, not a second transition
	_, err = env.Engine.AdvanceInstance(env.Ctx, before)
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	outcomes, _ := env.Engine.ListOutcomes(env.Ctx, inst.ID, "vote")
	if len(outcomes) != 3 {
		t.Fatalf("expected one outcome set, got %d", len(outcomes))
	}
	after, _ := env.Engine.GetInstance(env.Ctx, inst.ID)
	if after.CompletedAt == nil || after.Revision != before.Revision+1 {
		t.Fatalf("unexpected final instance: %+v", after)
	}
	if _, err := env.Engine.AdvanceInstance(env.Ctx, after); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("completed instance must not advance, got %v", err)
	}

	stats, err := env.Engine.GetResultsStats(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Mode != engine.ResultsClosed || stats.ProposalsFunded != 2 || stats.TotalAllocated != 800 || stats.MembersVoted != 3 {
		t.Fatalf("unexpected closed stats: %+v", stats)
	}
}

func TestResultsNoneBeforeVoting(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "reviewed"})
	stats, err := env.Engine.GetResultsStats(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Mode != engine.ResultsNone || stats.Tallies == nil {
		t.Fatalf("expected none with empty tallies, got %+v", stats)
	}
	if _, err := env.Engine.GetResultsStats(env.Ctx, "missing"); !errors.Is(err, engine.ErrInstanceNotFound) {
		t.Fatalf("expected instance not found, got %v", err)
	}
}

func TestUpdateInstanceRevisionGuard(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase"})
	updated, err := env.Engine.UpdateInstance(env.Ctx, engine.InstanceUpdateOptions{
		ID: inst.ID, ExpectedRevision: inst.Revision, Name: sptr("Renamed"), ActorID: "admin",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Name != "Renamed" || updated.Revision != inst.Revision+1 || updated.CurrentPhaseID != inst.CurrentPhaseID {
		t.Fatalf("unexpected update: %+v", updated)
	}
	_, err = env.Engine.UpdateInstance(env.Ctx, engine.InstanceUpdateOptions{
		ID: inst.ID, ExpectedRevision: inst.Revision, Name: sptr("Stale"), ActorID: "admin",
	})
	if !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected conflict on stale revision, got %v", err)
	}
	_, err = env.Engine.UpdateInstance(env.Ctx, engine.InstanceUpdateOptions{ID: inst.ID, Name: sptr("x"), ActorID: "member"})
	if engine.KindOf(err) != engine.KindForbidden {
		t.Fatalf("expected forbidden, got %v", err)
	}
	// the stale snapshot must no longer advance
	if _, err := env.Engine.AdvanceInstance(env.Ctx, inst); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected advance conflict after edit, got %v", err)
	}
}

func TestInvitesGrantMembership(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.RequireMembership = true
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase"})

	_, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "t"})
	if !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("non-member submission should be forbidden, got %v", err)
	}
	inv, err := env.Engine.CreateInvite(env.Ctx, engine.InviteCreateOptions{InstanceID: inst.ID, ProfileID: "p1", Email: "p1@example.org", ActorID: "admin"})
	if err != nil {
		t.Fatalf("invite: %v", err)
	}
	if _, err := env.Engine.CreateInvite(env.Ctx, engine.InviteCreateOptions{InstanceID: inst.ID, ProfileID: "p1", ActorID: "admin"}); !errors.Is(err, engine.ErrConflict) {
		t.Fatalf("expected duplicate invite conflict, got %v", err)
	}
	if _, err := env.Engine.CreateInvite(env.Ctx, engine.InviteCreateOptions{InstanceID: inst.ID, ProfileID: "p2", Role: "owner", ActorID: "admin"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected unknown role, got %v", err)
	}
	pending, _ := env.Engine.ListInvites(env.Ctx, inst.ID, "admin", true)
	if len(pending) != 1 {
		t.Fatalf("expected one pending invite, got %d", len(pending))
	}
	if _, err := env.Engine.AcceptInvite(env.Ctx, inv.ID, "p2"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("only the invitee may accept, got %v", err)
	}
	accepted, err := env.Engine.AcceptInvite(env.Ctx, inv.ID, "p1")
	if err != nil || accepted.AcceptedOn == nil {
		t.Fatalf("accept: %+v %v", accepted, err)
	}
	again, err := env.Engine.AcceptInvite(env.Ctx, inv.ID, "p1")
	if err != nil || *again.AcceptedOn != *accepted.AcceptedOn {
		t.Fatalf("second accept should be a no-op: %+v %v", again, err)
	}
	if _, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "t"}); err != nil {
		t.Fatalf("member submission: %v", err)
	}
	if _, err := env.Engine.AssignRole(env.Ctx, inst.ID, "p3", "member", "p1"); !errors.Is(err, engine.ErrForbidden) {
		t.Fatalf("members cannot assign roles, got %v", err)
	}
	if _, err := env.Engine.AssignRole(env.Ctx, inst.ID, "p3", "member", "admin"); err != nil {
		t.Fatalf("assign role: %v", err)
	}

	kinds := []string{}
	for _, n := range env.Notify.Sent() {
		kinds = append(kinds, n.Kind)
	}
	want := []string{notify.KindInviteCreated, notify.KindInviteAccepted, notify.KindRoleAssigned}
	if len(kinds) != len(want) {
		t.Fatalf("expected notifications %v, got %v", want, kinds)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("expected notifications %v, got %v", want, kinds)
		}
	}
}

func TestMutationsShareOneMutationID(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-phase"})
	res := env.advance(t, inst.ID)
	var channels []string
	for _, m := range env.Bus.Published() {
		if m.MutationID == res.MutationID {
			channels = append(channels, m.Channel)
		}
	}
	if len(channels) != 2 || channels[0] != realtime.InstanceChannel(inst.ID) || channels[1] != realtime.InstanceResultsChannel(inst.ID) {
		t.Fatalf("expected instance and results invalidations, got %v", channels)
	}
	evts, err := env.Engine.ListEvents(env.Ctx, repo.EventFilters{InstanceID: inst.ID, Type: "instance.phase_advanced"})
	if err != nil || len(evts) != 1 || evts[0].MutationID != res.MutationID {
		t.Fatalf("expected one audited transition, got %+v %v", evts, err)
	}
}

func TestEarlierRejectionsStayOutOfLaterRounds(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-rounds"})
	submit := func(title string) string {
		p, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: title})
		if err != nil {
			t.Fatalf("submit %s: %v", title, err)
		}
		return p.ID
	}
	x, y, z := submit("x"), submit("y"), submit("z")
	env.advance(t, inst.ID) // propose -> review
	if _, err := env.Engine.ReviewProposal(env.Ctx, inst.ID, x, "rejected", "admin"); err != nil {
		t.Fatalf("review: %v", err)
	}
	env.advance(t, inst.ID) // review -> round1, x rejected
	if _, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: []string{y}}); err != nil {
		t.Fatalf("round1 ballot: %v", err)
	}
	res := env.advance(t, inst.ID) // round1 -> round2, z has no votes
	got := map[string]string{}
	for _, o := range res.Outcomes {
		got[o.ProposalID] = o.Outcome
	}
	if _, ok := got[x]; ok || got[y] != domain.OutcomeCarriedForward || got[z] != domain.OutcomeRejected {
		t.Fatalf("unexpected round1 outcomes: %v", got)
	}

	for _, id := range []string{x, z} {
		_, err := env.Engine.CastBallot(env.Ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m2", ProposalIDs: []string{id}})
		if !errors.Is(err, engine.ErrUnknownProposal) {
			t.Fatalf("ballot for dropped proposal %s should fail, got %v", id, err)
		}
	}

	res = env.advance(t, inst.ID) // round2 -> closed
	if len(res.Outcomes) != 1 || res.Outcomes[0].ProposalID != y || res.Outcomes[0].Outcome != domain.OutcomeCarriedForward {
		t.Fatalf("only y may reach round2 selection, got %+v", res.Outcomes)
	}
	views, err := env.Engine.ListProposals(env.Ctx, inst.ID)
	if err != nil {
		t.Fatal(err)
	}
	status := map[string]string{}
	for _, v := range views {
		status[v.ID] = v.Status
	}
	if status[x] != engine.StatusRejected || status[z] != engine.StatusRejected || status[y] != engine.StatusAccepted {
		t.Fatalf("unexpected statuses: %v", status)
	}
}

func TestInstanceBudgetCapsFirstSubmissionPhase(t *testing.T) {
	env := newTestEnv(t)
	inst := env.create(t, engine.InstanceCreateOptions{TemplateID: "two-rounds", Budget: fptr(1000)})
	_, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "big", Budget: fptr(1200)})
	if !errors.Is(err, engine.ErrBudgetExceedsCap) {
		t.Fatalf("expected budget exceeds cap, got %v", err)
	}
	var typed *engine.Error
	if !errors.As(err, &typed) || typed.Details["source"] != "phase_settings" {
		t.Fatalf("instance budget should seed the phase setting, got %+v", typed)
	}
	if _, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "small", Budget: fptr(800)}); err != nil {
		t.Fatalf("submit within cap: %v", err)
	}

	// an explicit phase budget is kept
	own := env.create(t, engine.InstanceCreateOptions{
		TemplateID:    "two-rounds",
		Budget:        fptr(1000),
		PhaseSchedule: []engine.PhaseScheduleInput{{Settings: &domain.PhaseSettings{Budget: fptr(2000)}}},
	})
	if _, err := env.Engine.SubmitProposal(env.Ctx, engine.ProposalSubmitOptions{InstanceID: own.ID, AuthorProfileID: "p1", Title: "big", Budget: fptr(1200)}); err != nil {
		t.Fatalf("phase budget should win over instance total: %v", err)
	}
}
