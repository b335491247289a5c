package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"ballotline/internal/scheduler"
	"ballotline/internal/server"
)

// ServeOptions configures the long-running process.
type ServeOptions struct {
	Options
	Addr     string
	BasePath string
	// Scheduler overrides config.scheduler.enabled when non-nil.
	Scheduler *bool
}

// Serve returns the fx application for `bl serve`: the HTTP API, the outbox
// relay and the cron-driven scheduler share one App.
func Serve(opts ServeOptions) *fx.App {
	return fx.New(
		fx.Supply(opts),
		fx.Provide(newApp, newHandler),
		fx.Invoke(startRelay, startScheduler, startHTTP),
		fx.WithLogger(func() fxevent.Logger {
			if opts.Logger == nil {
				return fxevent.NopLogger
			}
			return &fxevent.ZapLogger{Logger: opts.Logger.Named("fx")}
		}),
	)
}

func newApp(lc fx.Lifecycle, opts ServeOptions) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a, err := Open(ctx, opts.Options)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return a.Close() },
	})
	return a, nil
}

func newHandler(a *App, opts ServeOptions) (http.Handler, error) {
	basePath := opts.BasePath
	if basePath == "" {
		basePath = a.Config.Server.BasePath
	}
	return server.New(server.Config{
		Engine:    a.Engine,
		Scheduler: a.Scheduler,
		Relay:     a.Relay,
		Metrics:   a.Metrics,
		BasePath:  basePath,
		Auth: server.AuthConfig{
			JWTSecret:              a.Config.Auth.JWTSecret,
			AllowLegacyActorHeader: a.Config.Auth.AllowLegacyActorHeader,
			Logger:                 a.Logger.Named("auth"),
		},
		Logger: a.Logger.Named("http"),
	})
}

func startRelay(lc fx.Lifecycle, a *App) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				a.Relay.Run(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}

func startScheduler(lc fx.Lifecycle, a *App, opts ServeOptions) {
	enabled := a.Config.Scheduler.Enabled
	if opts.Scheduler != nil {
		enabled = *opts.Scheduler
	}
	if !enabled {
		a.Logger.Info("scheduler disabled; expecting external POST /scheduler/tick")
		return
	}
	runner := &scheduler.Runner{
		Scheduler: a.Scheduler,
		Spec:      a.Config.Scheduler.Cron,
		Logger:    a.Logger.Named("cron"),
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error { return runner.Start() },
		OnStop:  runner.Stop,
	})
}

func startHTTP(lc fx.Lifecycle, a *App, handler http.Handler, opts ServeOptions) {
	addr := opts.Addr
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			a.Logger.Info("serving ballotline API", zap.String("addr", ln.Addr().String()))
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.Logger.Error("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: srv.Shutdown,
	})
}
