// Package app assembles the engine and its collaborators from ballotline.yml.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"ballotline/internal/catalog"
	"ballotline/internal/config"
	"ballotline/internal/db"
	"ballotline/internal/engine"
	"ballotline/internal/metrics"
	"ballotline/internal/migrate"
	"ballotline/internal/notify"
	"ballotline/internal/realtime"
	"ballotline/internal/scheduler"
)

// App holds everything one process needs. Close releases the database and
// the bus connection.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Logger    *zap.Logger
	Engine    engine.Engine
	Relay     *realtime.Relay
	Scheduler *scheduler.Scheduler
	Metrics   *metrics.Metrics
	Bus       *realtime.MemoryBus

	nc *nats.Conn
}

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	// Offline skips the NATS connection; CLI commands that only read use it.
	Offline bool
}

// Open migrates the workspace database, seeds RBAC and wires the engine to
// the configured invalidation publishers.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load(opts.Workspace)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cat, err := catalog.New(cfg.Templates)
	if err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn, Logger: logger, Metrics: metrics.New()}
	if applied, err := migrate.Migrate(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	} else if applied > 0 {
		logger.Info("migrations applied", zap.Int("count", applied))
	}

	eng := engine.New(conn, cfg, cat)
	eng.Logger = logger.Named("engine")
	if err := eng.SeedRBAC(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("seed rbac: %w", err)
	}

	pub, err := a.publisher(ctx, opts.Offline)
	if err != nil {
		a.Close()
		return nil, err
	}
	m := a.Metrics
	a.Relay = &realtime.Relay{
		Repo:      eng.Repo,
		Publisher: pub,
		Logger:    logger.Named("relay"),
		Interval:  cfg.Realtime.RelayInterval,
		OnPublish: func(_ realtime.Message, err error) { m.ObserveDelivery(err) },
	}
	eng.Relay = a.Relay
	eng.Notify = notify.Multi{
		notify.LogDispatcher{Logger: logger.Named("notify")},
		notify.OutboxDispatcher{DB: conn, Events: eng.Events},
	}
	a.Engine = eng
	a.Scheduler = scheduler.New(eng, cfg.Scheduler.Workers, logger.Named("scheduler"), m)
	return a, nil
}

// publisher picks JetStream when a NATS url is configured and an in-process
// bus otherwise, then fans out to any webhooks.
func (a *App) publisher(ctx context.Context, offline bool) (realtime.Publisher, error) {
	rt := a.Config.Realtime
	var pubs realtime.Fanout
	if rt.NATSURL != "" && !offline {
		nc, err := nats.Connect(rt.NATSURL, nats.Name("ballotline"))
		if err != nil {
			return nil, fmt.Errorf("connect nats %s: %w", rt.NATSURL, err)
		}
		a.nc = nc
		js, err := realtime.NewJetStreamPublisher(ctx, nc, realtime.JetStreamConfig{
			Stream:          rt.Stream,
			SubjectPrefix:   rt.SubjectPrefix,
			DuplicateWindow: rt.DuplicateWindow,
		}, a.Logger.Named("jetstream"))
		if err != nil {
			return nil, err
		}
		pubs = append(pubs, js)
	} else {
		a.Bus = realtime.NewMemoryBus()
		pubs = append(pubs, a.Bus)
	}
	if hooks := realtime.NewWebhookPublisher(rt.Webhooks, a.Logger.Named("webhook")); hooks.Len() > 0 {
		pubs = append(pubs, hooks)
	}
	if len(pubs) == 1 {
		return pubs[0], nil
	}
	return pubs, nil
}

func (a *App) Close() error {
	var errs []error
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			errs = append(errs, err)
		}
		a.nc = nil
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
		a.DB = nil
	}
	return errors.Join(errs...)
}
