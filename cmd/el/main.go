package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"escrowline/internal/app"
	"escrowline/internal/config"
	"escrowline/internal/db"
	"escrowline/internal/documents"
	"escrowline/internal/engine"
	"escrowline/internal/engine/auth"
	"escrowline/internal/jobs"
	"escrowline/internal/logging"
	"escrowline/internal/repo"
	"escrowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "el",
	Short: "escrowline CLI",
	Long: `escrowline runs the contract and escrow lifecycle behind a creator marketplace.
Core concepts:
- Campaign: an owner's brief with a fixed number of deliverable slots.
- Offer: a worker's priced bid on a campaign; accepting it opens a contract.
- Contract: pending_payment until the checkout is paid, then active until the deliverable is approved (completed), refunded (cancelled) or contested (disputed).
- Escrow: funds are captured at checkout, paid out to the worker on approval, refunded on expiry or dispute.
- Sweeps: three scheduled jobs that cancel unpaid contracts, auto-approve stale reviews and expire overdue work ('el sweep').
- Event log: every transition is recorded, view it with 'el log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ESCROWLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/escrowline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format override (console, json)")
	for _, name := range []string{"workspace", "config", "json", "log-level", "log-format"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(campaignCmd())
	rootCmd.AddCommand(contractCmd())
	rootCmd.AddCommand(payoutCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(logCmd())
}

func options() app.Options {
	return app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigPath: viper.GetString("config"),
		LogLevel:   viper.GetString("log-level"),
		LogFormat:  viper.GetString("log-format"),
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		Long:  "Serves the JSON API and the processor webhook. With --scheduler the three sweeps also run on their configured intervals.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := app.Open(ctx, options())
			if err != nil {
				return err
			}
			defer a.Close(context.Background())
			if err := a.Secrets.RequireServe(); err != nil {
				return err
			}
			if addr == "" {
				addr = a.Config.Server.Addr
			}
			handler, err := server.New(server.Config{
				Engine:             a.Engine,
				BasePath:           basePath,
				Auth:               server.AuthConfig{JWTSecret: a.Secrets.JWTSecret, Logger: a.Logger},
				WebhookSecret:      a.Secrets.WebhookSecret,
				RateLimitPerMinute: a.Config.Server.RateLimitPerMinute,
				MaxBodyBytes:       a.Config.Server.MaxBodyBytes,
				Logger:             a.Logger,
			})
			if err != nil {
				return err
			}
			if withScheduler {
				sched := jobs.Scheduler{
					Runner: jobs.NewRunner(a.Engine, a.Config.Jobs.BatchSize, a.Logger),
					Intervals: map[string]time.Duration{
						jobs.AutoCancelUnpaid: a.Config.Jobs.AutoCancelUnpaidEvery.Duration,
						jobs.AutoApprove:      a.Config.Jobs.AutoApproveEvery.Duration,
						jobs.ExpireOverdue:    a.Config.Jobs.ExpireOverdueEvery.Duration,
					},
					LockDir: a.LockDir(),
				}
				go func() {
					if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						a.Logger.Error("scheduler stopped", logging.Error(err))
					}
				}()
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving escrowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default server.addr from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&withScheduler, "scheduler", false, "run the reconciliation sweeps in-process")
	return cmd
}

func sweepCmd() *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:       "sweep <job|all>",
		Short:     "Run one batch of a reconciliation job",
		Long:      "Jobs: auto_cancel_unpaid, auto_approve, expire_overdue. Each run takes a per-job file lock so cron invocations never overlap.",
		Args:      cobra.ExactArgs(1),
		ValidArgs: append([]string{"all"}, jobs.Names...),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				size := a.Config.Jobs.BatchSize
				if batch > 0 {
					size = batch
				}
				runner := jobs.NewRunner(a.Engine, size, a.Logger)
				names := []string{args[0]}
				if args[0] == "all" {
					names = jobs.Names
				}
				var results []jobs.BatchResult
				var errs []error
				for _, job := range names {
					err := jobs.RunLocked(ctx, jobs.LockFile(a.LockDir(), job), func(ctx context.Context) error {
						res, err := runner.Run(ctx, job)
						if err != nil {
							return err
						}
						results = append(results, res)
						return nil
					})
					if err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", job, err))
					}
				}
				if err := printBatchResults(results); err != nil {
					return err
				}
				return errors.Join(errs...)
			})
		},
	}
	cmd.Flags().IntVar(&batch, "batch", 0, "batch size (default jobs.batch_size from config)")
	return cmd
}

func printBatchResults(results []jobs.BatchResult) error {
	if viper.GetBool("json") {
		return printJSON(results)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Job", "Scanned", "Outcomes", "Failed"})
	for _, r := range results {
		var parts []string
		for outcome, n := range r.Outcomes {
			parts = append(parts, fmt.Sprintf("%s=%d", outcome, n))
		}
		tw.AppendRow(table.Row{r.Job, r.Scanned, strings.Join(parts, " "), r.Failed})
	}
	tw.Render()
	for _, r := range results {
		for _, ie := range r.Errors {
			fmt.Printf("  %s %s: %s\n", r.Job, ie.ID, ie.Error)
		}
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				fmt.Printf("database at %s is up to date\n", db.Path(a.Workspace))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect escrowline.yml",
		Long:  "Config holds fees, deadlines, job intervals and storage roots. Secrets come from ESCROWLINE_* environment variables only.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	cfg.AddCommand(configInitCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.LoadConfig(options())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			out, err := cfg.YAML()
			if err != nil {
				return err
			}
			fmt.Print(out)
			return nil
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := app.LoadConfig(options())
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default escrowline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func campaignCmd() *cobra.Command {
	c := &cobra.Command{Use: "campaign", Short: "Inspect campaigns"}
	c.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				campaign, err := e.GetCampaign(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(campaign)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "audit <id>",
		Short: "Compare the accepted counter with slot-holding contracts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rep, err := e.AuditCapacity(ctx, args[0])
				if err != nil {
					return err
				}
				if err := printJSONOrTable(rep); err != nil {
					return err
				}
				if !rep.Consistent {
					return fmt.Errorf("campaign %s: counter %d does not match %d slot holders", rep.CampaignID, rep.Accepted, rep.SlotHolders)
				}
				return nil
			})
		},
	})
	return c
}

func contractCmd() *cobra.Command {
	c := &cobra.Command{Use: "contract", Short: "Inspect and operate contracts"}
	c.AddCommand(contractListCmd())
	c.AddCommand(contractShowCmd())
	c.AddCommand(contractCancelCmd())
	return c
}

func contractListCmd() *cobra.Command {
	var f repo.ContractFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List contracts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListContracts(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				currency := a.Config.Platform.Currency
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Campaign", "Worker", "Status", "Payment", "Payout", "Total"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.CampaignID, c.WorkerID, c.Status, c.Payment.Status, c.Payout.TransferStatus,
						documents.Money(c.Pricing.TotalPriceCents, currency)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.CampaignID, "campaign", "", "campaign filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 100, "maximum rows")
	return cmd
}

func contractShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a contract with its deliverable and disputes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetContract(ctx, auth.System(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(view)
			})
		},
	}
}

func contractCancelCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an unpaid contract and release its slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CancelContract(ctx, auth.System(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator_cancelled", "cancel reason")
	return cmd
}

func payoutCmd() *cobra.Command {
	c := &cobra.Command{Use: "payout", Short: "Inspect and retry worker payouts"}
	c.AddCommand(&cobra.Command{
		Use:   "show <contract-id>",
		Short: "Show the payout record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec, err := e.GetPayout(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(rec)
			})
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "retry <contract-id>",
		Short: "Release the payout of an approved contract",
		Long:  "Safe to repeat: a payout already sent is reported, not resent.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.PayoutForContract(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	})
	return c
}

func workerCmd() *cobra.Command {
	c := &cobra.Command{Use: "worker", Short: "Manage worker payout eligibility"}
	c.AddCommand(workerRegisterCmd())
	c.AddCommand(&cobra.Command{
		Use:   "show <worker-id>",
		Short: "Show a worker account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorker(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	})
	return c
}

func workerRegisterCmd() *cobra.Command {
	var in engine.RegisterWorkerInput
	cmd := &cobra.Command{
		Use:   "register <worker-id>",
		Short: "Record verification and payout readiness for a worker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.WorkerID = args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.RegisterWorker(ctx, auth.System(), in)
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	cmd.Flags().BoolVar(&in.Verified, "verified", true, "identity verified")
	cmd.Flags().StringVar(&in.PayoutAccountID, "payout-account", "", "connected payout account id")
	cmd.Flags().BoolVar(&in.PayoutsEnabled, "payouts-enabled", true, "payouts enabled on the account")
	return cmd
}

func apikeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys for service actors"}
	c.AddCommand(apikeyCreateCmd())
	c.AddCommand(apikeyListCmd())
	c.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.RevokeAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("revoked %s\n", args[0])
				return nil
			})
		},
	})
	return c
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	var roles []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (the key is shown once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, err := e.CreateAPIKey(ctx, actorID, name, roles)
				if err != nil {
					return err
				}
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "label")
	cmd.Flags().StringSliceVar(&roles, "roles", []string{auth.RoleSystem}, "roles granted to the key")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				keys, err := e.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Roles", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, strings.Join(k.Roles, ","), k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var actorID string
	var roles []string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for local testing",
		Long:  "Signs an HS256 token with ESCROWLINE_JWT_SECRET. Production tokens come from the identity provider.",
		RunE: func(cmd *cobra.Command, args []string) error {
			secrets, err := config.LoadSecrets()
			if err != nil {
				return err
			}
			normalized, err := auth.NormalizeRoles(roles)
			if err != nil {
				return err
			}
			tok, err := server.SignToken(secrets.JWTSecret, actorID, normalized, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "subject of the token")
	cmd.Flags().StringSliceVar(&roles, "roles", nil, "roles claim (owner, worker, adjudicator, system)")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("actor")
	return cmd
}

func reconcileCmd() *cobra.Command {
	var failedOnly bool
	var limit int
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "List logged processor events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListReconciliationEvents(ctx, failedOnly, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Event", "Type", "Contract", "Outcome", "Error", "Received"})
				for _, ev := range items {
					tw.AppendRow(table.Row{ev.ID, ev.Type, ev.ContractID, ev.Outcome, ev.Error, ev.ReceivedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only events whose handling failed")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The event log records every contract, deliverable, payout and dispute transition.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

// --- helpers ---

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	a, err := app.Open(ctx, options())
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(ctx, a)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	return withApp(ctx, func(ctx context.Context, a *app.App) error {
		return fn(ctx, a.Engine)
	})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
