package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"ballotline/internal/app"
	"ballotline/internal/config"
	"ballotline/internal/db"
	"ballotline/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "bl",
	Short: "Ballotline CLI",
	Long: `Ballotline runs multi-phase decision processes: proposals, review, voting and funding.
Core concepts:
- Template: an immutable list of phases loaded from ballotline.yml. Each phase says whether it accepts proposals, reviews or votes, and how it selects winners.
- Instance: one run of a template with its own schedule, budget and categories.
- Scheduler: advances instances whose current phase has ended. Runs on a cron inside 'bl serve' or via 'bl scheduler tick'.
- Selection: the filter, rank and cap steps a phase applies when it ends; outcomes are stored once and never recomputed.
- Invalidations: every committed change is queued in an outbox and relayed to NATS JetStream or webhooks so clients refetch.
- Event log: diary of changes, view with 'bl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BALLOTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/ballotline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier")
	rootCmd.PersistentFlags().String("log-level", "", "override log.level")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(resultsCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(serveCmd())
}

// loadConfig reads --config or the workspace file and applies environment
// overrides for secrets and the bus url.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	if secret := viper.GetString("jwt-secret"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if url := viper.GetString("nats-url"); url != "" {
		cfg.Realtime.NATSURL = url
	}
	if level := viper.GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log)
}

// withApp opens the workspace for a one-shot command. Commands never connect
// to NATS; pending invalidations are left for the server's relay.
func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.Open(ctx, app.Options{
		Workspace: viper.GetString("workspace"),
		Config:    cfg,
		Logger:    logger,
		Offline:   true,
	})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
