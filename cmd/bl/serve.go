package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ballotline/internal/app"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server, outbox relay and scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg)
			if err != nil {
				return err
			}
			defer logger.Sync()
			if cfg.Auth.JWTSecret == "" && !cfg.Auth.AllowLegacyActorHeader {
				logger.Warn("no jwt secret configured; only API keys will authenticate")
			}
			opts := app.ServeOptions{
				Options: app.Options{
					Workspace: viper.GetString("workspace"),
					Config:    cfg,
					Logger:    logger,
				},
				Addr:     addr,
				BasePath: basePath,
			}
			if noScheduler {
				off := false
				opts.Scheduler = &off
			}
			fxApp := app.Serve(opts)

			startCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := fxApp.Start(startCtx); err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			select {
			case <-sig:
			case <-cmd.Context().Done():
			}
			logger.Info("shutting down")
			stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer stopCancel()
			if err := fxApp.Stop(stopCtx); err != nil {
				logger.Error("shutdown", zap.Error(err))
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default server.base_path)")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "rely on an external POST /scheduler/tick")
	return cmd
}
