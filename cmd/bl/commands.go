package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ballotline/internal/app"
	"ballotline/internal/config"
	"ballotline/internal/domain"
	"ballotline/internal/engine"
	"ballotline/internal/repo"
)

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage ballotline.yml"}
	cfg.AddCommand(configInitCmd(), configValidateCmd(), configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config to the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config and templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"valid": true, "templates": len(cfg.Templates)})
			}
			fmt.Printf("config ok (%d templates)\n", len(cfg.Templates))
			return nil
		},
	}
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret != "" {
				cfg.Auth.JWTSecret = "***"
			}
			return printJSON(cfg)
		},
	}
}

func templateCmd() *cobra.Command {
	t := &cobra.Command{Use: "template", Aliases: []string{"templates"}, Short: "Inspect process templates"}
	t.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items := a.Engine.ListTemplates()
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Phases"})
				for _, t := range items {
					phases := ""
					for i, p := range t.Phases {
						if i > 0 {
							phases += " > "
						}
						phases += p.ID
					}
					tw.AppendRow(table.Row{t.ID, t.Name, phases})
				}
				tw.Render()
				return nil
			})
		},
	}, &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show one template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				t, err := a.Engine.GetTemplate(args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	})
	return t
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Aliases: []string{"instances"}, Short: "Manage instances"}
	inst.AddCommand(instanceCreateCmd(), instanceListCmd(), instanceShowCmd(), instanceAdvanceCmd())
	return inst
}

func instanceCreateCmd() *cobra.Command {
	var templateID, name, id string
	var budget float64
	var categories []string
	var publish bool
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an instance from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			if templateID == "" {
				return fmt.Errorf("--template required")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				opts := engine.InstanceCreateOptions{
					ID:              id,
					TemplateID:      templateID,
					Name:            name,
					Categories:      categories,
					ActorID:         viper.GetString("actor-id"),
					PublishCreation: publish,
				}
				if cmd.Flags().Changed("budget") {
					opts.Budget = &budget
				}
				res, err := a.Engine.CreateInstanceFromTemplate(ctx, opts)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&name, "name", "", "instance name")
	cmd.Flags().StringVar(&id, "id", "", "instance id (default generated)")
	cmd.Flags().Float64Var(&budget, "budget", 0, "total budget")
	cmd.Flags().StringSliceVar(&categories, "category", nil, "allowed category (repeatable)")
	cmd.Flags().BoolVar(&publish, "publish", false, "broadcast on the global channel")
	return cmd
}

func instanceListCmd() *cobra.Command {
	var templateID string
	var open bool
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListInstances(ctx, repo.InstanceFilters{TemplateID: templateID, Open: open, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Template", "Phase", "Ends", "Rev"})
				for _, inst := range items {
					ends := ""
					if e := inst.CurrentPhaseEndsAt(); e != nil {
						ends = *e
					}
					phase := inst.CurrentPhaseID
					if inst.CompletedAt != nil {
						phase += " (completed)"
					}
					tw.AppendRow(table.Row{inst.ID, inst.Name, inst.TemplateID, phase, ends, inst.Revision})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&templateID, "template", "", "template filter")
	cmd.Flags().BoolVar(&open, "open", false, "only instances that have not completed")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func instanceShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <instance-id>",
		Short: "Show instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(inst)
			})
		},
	}
}

func instanceAdvanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "advance <instance-id>",
		Short: "Move an instance to its next phase now, ignoring the deadline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				inst, err := a.Engine.GetInstance(ctx, args[0])
				if err != nil {
					return err
				}
				res, err := a.Engine.AdvanceInstance(ctx, inst)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
}

func schedulerCmd() *cobra.Command {
	s := &cobra.Command{Use: "scheduler", Short: "Scheduler operations"}
	s.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Advance every instance whose phase has ended, once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				sum, err := a.Scheduler.Tick(ctx)
				if err != nil {
					return err
				}
				return printJSON(sum)
			})
		},
	})
	return s
}

func resultsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "results <instance-id>",
		Short: "Show voting results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				stats, err := a.Engine.GetResultsStats(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(stats)
				}
				fmt.Printf("Mode: %s  Phase: %s  Members voted: %d\n", stats.Mode, stats.PhaseID, stats.MembersVoted)
				if stats.Mode == "closed" {
					fmt.Printf("Funded: %d  Allocated: %s\n", stats.ProposalsFunded, strconv.FormatFloat(stats.TotalAllocated, 'f', -1, 64))
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Proposal", "Votes"})
				for _, t := range stats.Tallies {
					tw.AppendRow(table.Row{t.ProposalID, t.Votes})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func outboxCmd() *cobra.Command {
	o := &cobra.Command{Use: "outbox", Short: "Inspect queued invalidations"}
	o.AddCommand(&cobra.Command{
		Use:   "pending",
		Short: "List invalidations not yet delivered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.Repo.PendingOutbox(ctx, 200)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mutation", "Channel", "Event", "Attempts"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.MutationID, e.Channel, e.EventType, e.Attempts})
				}
				tw.Render()
				return nil
			})
		},
	})
	return o
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var instanceID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Engine.ListEvents(ctx, repo.EventFilters{
					InstanceID: instanceID,
					Type:       evtType,
					EntityKind: entityKind,
					EntityID:   entityID,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				printEvents(events)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&instanceID, "instance", "", "instance id")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func printEvents(events []domain.Event) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "TS", "Type", "Instance", "Entity", "Actor"})
	for _, e := range events {
		tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.InstanceID, e.EntityKind + ":" + e.EntityID, e.ActorID})
	}
	tw.Render()
}

func apiKeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys for service actors"}
	k.AddCommand(apiKeyCreateCmd(), apiKeyListCmd())
	return k
}

func apiKeyCreateCmd() *cobra.Command {
	var actor, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				return fmt.Errorf("--actor required")
			}
			var raw [24]byte
			if _, err := rand.Read(raw[:]); err != nil {
				return err
			}
			secret := "bl_" + hex.EncodeToString(raw[:])
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				tx, err := a.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := a.Engine.Auth.EnsureActor(ctx, tx, actor); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actor,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := a.Engine.Repo.InsertAPIKey(ctx, tx, key); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				return printJSON(map[string]any{"id": key.ID, "actor_id": actor, "name": optionalString(name), "key": secret})
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.Repo.ListAPIKeys(ctx, actor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created", "Last used"})
				for _, k := range keys {
					lastUsed := "never"
					if k.LastUsedAt != nil {
						lastUsed = *k.LastUsedAt
					}
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt, lastUsed})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}
