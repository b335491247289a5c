package scheduler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"ballotline/internal/catalog"
	"ballotline/internal/config"
	"ballotline/internal/db"
	"ballotline/internal/domain"
	"ballotline/internal/engine"
	"ballotline/internal/metrics"
	"ballotline/internal/migrate"
	"ballotline/internal/realtime"
	"ballotline/internal/repo"
	"ballotline/internal/scheduler"
)

var (
	t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	t1 = time.Date(2024, 3, 8, 12, 0, 0, 0, time.UTC)
)

type env struct {
	eng   engine.Engine
	sched *scheduler.Scheduler
	bus   *realtime.MemoryBus
	m     *metrics.Metrics
	logs  *observer.ObservedLogs
	clock *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	cat, err := catalog.New([]domain.Template{{
		ID:   "two-phase",
		Name: "Two phase",
		Phases: []domain.Phase{
			{ID: "propose", Rules: domain.PhaseRules{ProposalSubmission: true}},
			{ID: "vote", Rules: domain.PhaseRules{Voting: true},
				Selection: []domain.SelectionStepConfig{{Kind: "filter_min_votes"}, {Kind: "rank_votes"}}},
		},
	}})
	require.NoError(t, err)

	clock := t0.Add(-time.Hour)
	e := &env{clock: &clock, bus: realtime.NewMemoryBus(), m: metrics.New()}
	eng := engine.New(conn, config.Default(), cat)
	eng.Now = func() time.Time { return *e.clock }
	eng.RequireMembership = false
	eng.Relay = realtime.Relay{Repo: eng.Repo, Publisher: e.bus}
	require.NoError(t, eng.SeedRBAC(context.Background()))
	e.eng = eng

	core, logs := observer.New(zap.DebugLevel)
	e.logs = logs
	e.sched = scheduler.New(eng, 4, zap.New(core), e.m)
	return e
}

func (e *env) at(ts time.Time) { *e.clock = ts }

func (e *env) instance(t *testing.T) domain.Instance {
	t.Helper()
	end0, end1 := t0.Format(time.RFC3339), t1.Format(time.RFC3339)
	inst, err := e.eng.CreateInstanceFromTemplate(context.Background(), engine.InstanceCreateOptions{
		TemplateID: "two-phase",
		ActorID:    "admin",
		PhaseSchedule: []engine.PhaseScheduleInput{
			{PlannedEndDate: &end0},
			{PlannedEndDate: &end1},
		},
	})
	require.NoError(t, err)
	return inst
}

func (e *env) reload(t *testing.T, id string) domain.Instance {
	t.Helper()
	inst, err := e.eng.GetInstance(context.Background(), id)
	require.NoError(t, err)
	return inst
}

func TestTickAdvancesThroughDeadlines(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	inst := e.instance(t)

	sum, err := e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed, "nothing is due before the first deadline")

	p, err := e.eng.SubmitProposal(ctx, engine.ProposalSubmitOptions{InstanceID: inst.ID, AuthorProfileID: "p1", Title: "bench"})
	require.NoError(t, err)

	e.at(t0.Add(time.Second))
	sum, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.Summary{Processed: 1, Errors: []string{}}, sum)
	assert.Equal(t, "vote", e.reload(t, inst.ID).CurrentPhaseID)

	_, err = e.eng.CastBallot(ctx, engine.BallotCastOptions{InstanceID: inst.ID, MemberProfileID: "m1", ProposalIDs: []string{p.ID}})
	require.NoError(t, err)

	e.at(t1.Add(time.Second))
	sum, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	final := e.reload(t, inst.ID)
	assert.Equal(t, "vote", final.CurrentPhaseID)
	require.NotNil(t, final.CompletedAt)

	outcomes, err := e.eng.ListOutcomes(ctx, inst.ID, "vote")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.OutcomeFunded, outcomes[0].Outcome, "survivors of the last phase are funded")

	e.at(t1.Add(2 * time.Second))
	sum, err = e.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Processed, "a completed instance is never advanced again")
	assert.Equal(t, final.Revision, e.reload(t, inst.ID).Revision)

	assert.Equal(t, float64(3), testutil.ToFloat64(e.m.SchedulerTicks))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.m.SchedulerTransitions.WithLabelValues(metrics.ResultAdvanced)))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.m.SchedulerTransitions.WithLabelValues(metrics.ResultCompleted)))
}

func TestConcurrentTicksAdvanceOnce(t *testing.T) {
	e := newEnv(t)
	inst := e.instance(t)
	e.at(t0.Add(time.Second))

	const ticks = 4
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		sums []scheduler.Summary
	)
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sum, err := e.sched.Tick(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			sums = append(sums, sum)
			mu.Unlock()
		}()
	}
	wg.Wait()

	processed, failed := 0, 0
	for _, s := range sums {
		processed += s.Processed
		failed += s.Failed
	}
	assert.Equal(t, 1, processed)
	assert.Equal(t, 0, failed)
	got := e.reload(t, inst.ID)
	assert.Equal(t, "vote", got.CurrentPhaseID)
	assert.Equal(t, inst.Revision+1, got.Revision)

	evts, err := e.eng.ListEvents(context.Background(), repo.EventFilters{InstanceID: inst.ID, Type: "instance.phase_advanced"})
	require.NoError(t, err)
	assert.Len(t, evts, 1, "one transition event")

	var transitions int
	for _, m := range e.bus.Published() {
		if m.EventType == "instance.phase_advanced" && m.Channel == realtime.InstanceChannel(inst.ID) {
			transitions++
		}
	}
	assert.Equal(t, 1, transitions)
}

func TestTickIsolatesFailures(t *testing.T) {
	e := newEnv(t)
	ok := e.instance(t)
	broken := e.instance(t)
	_, err := e.eng.DB.Exec(`UPDATE instances SET template_id='retired' WHERE id=?`, broken.ID)
	require.NoError(t, err)

	e.at(t0.Add(time.Second))
	sum, err := e.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Processed)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], broken.ID)
	assert.Equal(t, "vote", e.reload(t, ok.ID).CurrentPhaseID)
	assert.Equal(t, "propose", e.reload(t, broken.ID).CurrentPhaseID)
	assert.Equal(t, 1, e.logs.FilterMessage("phase advance failed").Len())
}

func TestTickFailsWhenCandidatesCannotBeListed(t *testing.T) {
	e := newEnv(t)
	e.instance(t)
	require.NoError(t, e.eng.DB.Close())

	e.at(t0.Add(time.Second))
	sum, err := e.sched.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, engine.KindInfrastructure, engine.KindOf(err))
	assert.Equal(t, scheduler.Summary{Errors: []string{}}, sum)
	assert.Equal(t, float64(0), testutil.ToFloat64(e.m.SchedulerTicks), "a failed listing is not a completed tick")
}

func TestStaleSnapshotIsNotFailure(t *testing.T) {
	e := newEnv(t)
	inst := e.instance(t)
	e.at(t0.Add(time.Second))
	_, err := e.eng.AdvanceInstance(context.Background(), inst)
	require.NoError(t, err)

	// the instance is due again only once vote expires
	sum, err := e.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.Summary{Errors: []string{}}, sum)
}

func TestRunnerRejectsBadSpec(t *testing.T) {
	e := newEnv(t)
	r := &scheduler.Runner{Scheduler: e.sched, Spec: "every so often"}
	assert.Error(t, r.Start())

	r = &scheduler.Runner{Scheduler: e.sched, Spec: "@every 1h"}
	require.NoError(t, r.Start())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, r.Stop(ctx))
}
