// Package scheduler advances instances whose current phase has passed its
// planned end. Each tick is safe to run concurrently with another tick or
// with a retry of itself: the engine's compare-and-set write lets exactly one
// of them move an instance, and the others see a conflict.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"ballotline/internal/domain"
	"ballotline/internal/engine"
	"ballotline/internal/metrics"
	"ballotline/internal/repo"
)

const defaultWorkers = 4

// Summary reports one tick. Instances another worker already advanced count
// as neither processed nor failed.
type Summary struct {
	Processed int      `json:"processed"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors"`
}

type Scheduler struct {
	Engine  engine.Engine
	Repo    repo.Repo
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Workers int
	Now     func() time.Time
}

func New(eng engine.Engine, workers int, logger *zap.Logger, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		Engine:  eng,
		Repo:    eng.Repo,
		Logger:  logger,
		Metrics: m,
		Workers: workers,
		Now:     eng.Now,
	}
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Tick advances every expired instance once. Per-instance failures are
// collected in the summary; only failing to list candidates is an error.
func (s *Scheduler) Tick(ctx context.Context) (Summary, error) {
	started := time.Now()
	now := s.now().UTC().Format(time.RFC3339)
	candidates, err := s.Repo.ListExpiredInstances(ctx, now)
	if err != nil {
		return Summary{Errors: []string{}}, &engine.Error{
			Kind:    engine.KindInfrastructure,
			Code:    engine.CodeInfrastructureFailure,
			Message: "list expired instances",
			Err:     err,
		}
	}

	workers := s.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	var (
		mu                  sync.Mutex
		sum                 = Summary{Errors: []string{}}
		advanced, completed int
		conflicts           int
	)
	p := pool.New().WithMaxGoroutines(workers)
	for _, inst := range candidates {
		inst := inst
		p.Go(func() {
			res, err := s.advance(ctx, inst)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				sum.Processed++
				if res.Completed {
					completed++
				} else {
					advanced++
				}
			case errors.Is(err, engine.ErrConflict):
				conflicts++
			default:
				sum.Failed++
				sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", inst.ID, err))
			}
		})
	}
	p.Wait()

	s.Metrics.ObserveTick(started, advanced, completed, conflicts, sum.Failed)
	s.logger().Info("scheduler tick",
		zap.Int("candidates", len(candidates)),
		zap.Int("processed", sum.Processed),
		zap.Int("failed", sum.Failed),
		zap.Int("conflicts", conflicts),
		zap.Duration("duration", time.Since(started)))
	return sum, nil
}

func (s *Scheduler) advance(ctx context.Context, inst domain.Instance) (res engine.AdvanceResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic advancing instance: %v", r)
		}
	}()
	res, err = s.Engine.AdvanceInstance(ctx, inst)
	log := s.logger().With(zap.String("instance_id", inst.ID), zap.String("phase_id", inst.CurrentPhaseID))
	switch {
	case err == nil:
		log.Info("phase advanced",
			zap.String("to_phase_id", res.ToPhaseID),
			zap.Bool("completed", res.Completed),
			zap.Int("outcomes", len(res.Outcomes)),
			zap.String("mutation_id", res.MutationID))
	case errors.Is(err, engine.ErrConflict):
		log.Debug("instance already advanced")
	default:
		log.Error("phase advance failed", zap.Error(err))
	}
	return res, err
}
