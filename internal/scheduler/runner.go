package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const DefaultSpec = "@hourly"

// Runner invokes Tick on a cron schedule. A tick still running when the next
// one is due makes the next one skip.
type Runner struct {
	Scheduler *Scheduler
	Spec      string
	Logger    *zap.Logger

	cron *cron.Cron
}

// cronLogger adapts zap to cron's logger interface.
type cronLogger struct{ l *zap.SugaredLogger }

func (c cronLogger) Info(msg string, kv ...interface{}) { c.l.Debugw(msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Errorw(msg, append(kv, "error", err)...)
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

// Start registers the tick job and starts the cron loop.
func (r *Runner) Start() error {
	spec := r.Spec
	if spec == "" {
		spec = DefaultSpec
	}
	cl := cronLogger{l: r.logger().Sugar()}
	r.cron = cron.New(cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)), cron.WithLogger(cl))
	if _, err := r.cron.AddFunc(spec, r.run); err != nil {
		return fmt.Errorf("invalid scheduler cron %q: %w", spec, err)
	}
	r.cron.Start()
	r.logger().Info("scheduler started", zap.String("cron", spec))
	return nil
}

// Stop waits for a running tick to finish or ctx to end.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	done := r.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run uses its own context: a started tick finishes its batch even when the
// process begins shutting down.
func (r *Runner) run() {
	sum, err := r.Scheduler.Tick(context.Background())
	if err != nil {
		r.logger().Error("scheduler tick failed", zap.Error(err))
		return
	}
	if sum.Failed > 0 {
		r.logger().Warn("scheduler tick had failures", zap.Int("failed", sum.Failed), zap.Strings("errors", sum.Errors))
	}
}
