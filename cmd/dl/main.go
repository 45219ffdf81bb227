package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"dispatchline/internal/app"
	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/escalation"
	"dispatchline/internal/logging"
	"dispatchline/internal/migrate"
	"dispatchline/internal/repo"
	"dispatchline/internal/server"
)

var version = "dev"

const defaultConfigName = "dispatchline.yml"

var rootCmd = &cobra.Command{
	Use:   "dl",
	Short: "Dispatchline CLI",
	Long: `Dispatchline watches tracker issues and dispatches agent work.
Core concepts:
- Governor: scans each configured project and decides, per issue, whether to queue research, development, QA, acceptance, refinement or decomposition work.
- Event-driven mode: tracker webhooks and worker reports are published on an event bus (local or NATS); the governor reacts per issue and sweeps periodically for anything missed.
- Work queue: claimed by workers exactly once, lowest priority number first (SQLite, Redis or memory).
- Escalation: failed QA cycles climb a staircase (context-enriched retry, decomposition, human escalation) and post touchpoints.
- Directives: humans steer issues with HOLD, SKIP-QA, DECOMPOSE, REASSIGN, PRIORITY:<n> and RESUME.
- Event log: audit trail of dispatches, claims and directives, view with 'dl log tail'.`,
	SilenceUsage: true,
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
	viper.SetEnvPrefix("DISPATCHLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default <workspace>/dispatchline.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("redis-url", "", "redis URL for the redis queue backend and dedup")
	rootCmd.PersistentFlags().String("nats-url", "", "NATS URL for the nats bus backend")
	rootCmd.PersistentFlags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	rootCmd.PersistentFlags().String("webhook-secret", "", "HMAC secret for tracker webhooks")
	for _, name := range []string{"workspace", "config", "json", "actor-id", "redis-url", "nats-url", "jwt-secret", "webhook-secret"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(workersCmd())
	rootCmd.AddCommand(overrideCmd())
	rootCmd.AddCommand(touchpointsCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(logCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var embeddedNATS bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the governor",
		Long:  "Serves the API, runs the event-driven governor (or the poll loop when event_driven.enabled is false), forwards audit rows to notify webhooks and requeues stale claims.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("DISPATCHLINE_JWT_SECRET (or server.jwt_secret) is required for bearer auth")
			}
			return withConfigRuntime(cmd.Context(), cfg, embeddedNATS, func(ctx context.Context, rt *app.Runtime) error {
				handler, err := rt.Handler()
				if err != nil {
					return err
				}
				if err := rt.Start(ctx); err != nil {
					return err
				}
				srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
				go func() {
					<-ctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(sctx)
				}()
				fmt.Printf("Serving Dispatchline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Addr, cfg.Server.BasePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides server.base_path)")
	cmd.Flags().BoolVar(&embeddedNATS, "embedded-nats", false, "run an in-process NATS server as the event bus")
	return cmd
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one governor scan over every configured project",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				results := rt.Governor.ScanOnce(ctx)
				if viper.GetBool("json") {
					return printJSON(results)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Project", "Scanned", "Dispatched", "Skipped", "Errors"})
				for _, r := range results {
					tw.AppendRow(table.Row{r.Project, r.ScannedIssues, r.ActionsDispatched, len(r.SkippedReasons), len(r.Errors)})
				}
				tw.Render()
				for _, r := range results {
					ids := make([]string, 0, len(r.SkippedReasons))
					for id := range r.SkippedReasons {
						ids = append(ids, id)
					}
					sort.Strings(ids)
					for _, id := range ids {
						fmt.Printf("  skip %s: %s\n", id, r.SkippedReasons[id])
					}
					for _, e := range r.Errors {
						fmt.Printf("  error %s: %s\n", e.IssueID, e.Error)
					}
				}
				return nil
			})
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the poll-only governor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.EventDriven.Enabled = false
			return withConfigRuntime(cmd.Context(), cfg, false, func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				rt.Stop()
				return nil
			})
		},
	}
}

func queueCmd() *cobra.Command {
	q := &cobra.Command{Use: "queue", Short: "Inspect and prune the work queue"}
	q.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued work in claim order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Queue.List(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"Session", "Issue", "Type", "Priority", "Project", "Queued"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.SessionID, w.IssueIdentifier, w.WorkType, w.Priority, w.ProjectName, w.QueuedAt.Local().Format(time.DateTime)})
				}
				tw.Render()
				return nil
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Print the number of queued items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				n, err := rt.Queue.Depth(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]int{"depth": n})
				}
				fmt.Println(n)
				return nil
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "remove <session-id>",
		Short: "Remove one queued item and stop its session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ok, err := rt.Queue.Remove(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("session %s is not queued", args[0])
				}
				fmt.Println("removed", args[0])
				return nil
			})
		},
	})
	q.AddCommand(&cobra.Command{
		Use:   "purge <match>",
		Short: "Remove every queued item whose session id contains match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				ids, err := rt.Queue.RemoveMatching(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"removed": ids})
				}
				fmt.Printf("removed %d item(s)\n", len(ids))
				return nil
			})
		},
	})
	return q
}

func workersCmd() *cobra.Command {
	w := &cobra.Command{Use: "workers", Short: "Registered workers"}
	w.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List workers and whether they are stale",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				workers, err := rt.Queue.Workers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(workers)
				}
				now := time.Now()
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Active", "Capacity", "Projects", "Last heartbeat", "Stale"})
				for _, wk := range workers {
					tw.AppendRow(table.Row{wk.ID, wk.ActiveCount, wk.Capacity, strings.Join(wk.Projects, ","),
						wk.LastHeartbeat.Local().Format(time.DateTime), wk.Stale(now, rt.Config.Queue.StaleWorkerAge)})
				}
				tw.Render()
				return nil
			})
		},
	})
	return w
}

func overrideCmd() *cobra.Command {
	o := &cobra.Command{Use: "override", Short: "Human overrides on issues", Long: "Directives: " + escalation.DirectiveHelp}
	o.AddCommand(&cobra.Command{
		Use:   "show <issue-id>",
		Short: "Show the active directive, cycle count and strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				return printOverride(ctx, rt.Escalation, args[0])
			})
		},
	})
	o.AddCommand(&cobra.Command{
		Use:   "set <issue-id> <directive>",
		Short: "Apply a directive, e.g. HOLD or PRIORITY:high",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, ok := escalation.ParseDirective(strings.Join(args[1:], " "))
			if !ok {
				return fmt.Errorf("no directive found; expected %s", escalation.DirectiveHelp)
			}
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if _, err := rt.Escalation.ApplyDirective(ctx, args[0], d, viper.GetString("actor-id")); err != nil {
					return err
				}
				return printOverride(ctx, rt.Escalation, args[0])
			})
		},
	})
	o.AddCommand(&cobra.Command{
		Use:   "clear <issue-id>",
		Short: "Drop the active directive without resuming",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				if err := rt.Escalation.ClearOverride(ctx, args[0]); err != nil {
					return err
				}
				return printOverride(ctx, rt.Escalation, args[0])
			})
		},
	})
	return o
}

type overrideView struct {
	IssueID   string     `json:"issue_id"`
	Directive string     `json:"directive,omitempty"`
	Actor     string     `json:"actor,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Held      bool       `json:"held"`
	Cycle     int        `json:"cycle"`
	Strategy  string     `json:"strategy"`
}

func printOverride(ctx context.Context, s *escalation.Store, issueID string) error {
	v := overrideView{IssueID: issueID}
	o, err := s.Override(ctx, issueID)
	if err != nil {
		return err
	}
	if o != nil && o.Directive != nil {
		v.Directive, v.Actor, v.ExpiresAt = o.Directive.String(), o.Actor, o.ExpiresAt
	}
	if v.Held, err = s.IsHeld(ctx, issueID); err != nil {
		return err
	}
	if v.Cycle, err = s.Cycle(ctx, issueID); err != nil {
		return err
	}
	if v.Strategy, err = s.WorkflowStrategy(ctx, issueID); err != nil {
		return err
	}
	return printJSONOrTable(v)
}

func touchpointsCmd() *cobra.Command {
	t := &cobra.Command{Use: "touchpoints", Short: "Human touchpoints posted by escalation"}
	var issueID string
	var pending bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List touchpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				items, err := rt.Escalation.Touchpoints(ctx, escalation.TouchpointFilter{IssueID: issueID, PendingOnly: pending})
				if err != nil {
					return err
				}
				return printTouchpoints(items)
			})
		},
	}
	list.Flags().StringVar(&issueID, "issue", "", "issue id")
	list.Flags().BoolVar(&pending, "pending", false, "only unanswered touchpoints")
	t.AddCommand(list)
	t.AddCommand(&cobra.Command{
		Use:   "expire",
		Short: "Auto-proceed every timed-out touchpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), func(ctx context.Context, rt *app.Runtime) error {
				proceeds, err := rt.Escalation.ProcessTimeouts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(proceeds)
				}
				for _, p := range proceeds {
					fmt.Printf("%s %s -> %s\n", p.Touchpoint.IssueID, p.Touchpoint.Type, p.Action)
				}
				fmt.Printf("%d touchpoint(s) auto-proceeded\n", len(proceeds))
				return nil
			})
		},
	})
	return t
}

func printTouchpoints(items []escalation.Touchpoint) error {
	if viper.GetBool("json") {
		return printJSON(items)
	}
	tw := newTable()
	tw.AppendHeader(table.Row{"ID", "Issue", "Type", "Cycle", "Posted", "Timeout", "Resolution"})
	for _, tp := range items {
		timeout := "never"
		if tp.Timeout >= 0 {
			timeout = tp.Timeout.String()
		}
		resolution := tp.Resolution
		if tp.Pending() {
			resolution = "pending"
		}
		tw.AppendRow(table.Row{tp.ID, tp.IssueID, tp.Type, tp.Cycle, tp.PostedAt.Local().Format(time.DateTime), timeout, resolution})
	}
	tw.Render()
	return nil
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := loadConfig()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	})
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	c.AddCommand(initCmd)
	return c
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "API keys for workers and operators"}
	var actor, name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plain key is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actor == "" {
				actor = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				plain, key, err := r.CreateAPIKey(ctx, actor, name)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": key.ID, "actor_id": key.ActorID, "name": key.Name, "key": plain})
				}
				fmt.Println(plain)
				return nil
			})
		},
	}
	create.Flags().StringVar(&actor, "actor", "", "actor the key authenticates as (default --actor-id)")
	create.Flags().StringVar(&name, "name", "", "key label")
	k.AddCommand(create)

	var owner string
	list := &cobra.Command{
		Use:   "list",
		Short: "List API keys (hashes only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, owner)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, key := range keys {
					tw.AppendRow(table.Row{key.ID, key.ActorID, key.Name, key.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&owner, "actor", "", "only keys for this actor")
	k.AddCommand(list)

	k.AddCommand(&cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.RevokeAPIKey(ctx, args[0], viper.GetString("actor-id")); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	})
	return k
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a bearer token with the configured JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if subject == "" {
				subject = viper.GetString("actor-id")
			}
			tok, err := server.SignToken(cfg.Server.JWTSecret, subject, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "token subject (default --actor-id)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The audit trail: dispatches, claims, session updates, directives and touchpoints.",
	}
	var n int
	var f repo.EventFilter
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.LatestEvents(ctx, n, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable()
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&f.Project, "project", "", "project filter")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	l.AddCommand(tail)
	return l
}

// --- helpers ---

func configPath() string {
	if p := viper.GetString("config"); p != "" {
		return p
	}
	return filepath.Join(viper.GetString("workspace"), defaultConfigName)
}

// loadConfig reads the config file (defaults when absent) and applies the
// flag and DISPATCHLINE_* environment overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(configPath())
	if err != nil {
		return nil, err
	}
	if v := viper.GetString("redis-url"); v != "" {
		cfg.Queue.RedisURL = v
	}
	if v := viper.GetString("nats-url"); v != "" {
		cfg.Bus.NATSURL = v
	}
	if v := viper.GetString("jwt-secret"); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := viper.GetString("webhook-secret"); v != "" {
		cfg.Server.WebhookSecret = v
	}
	if v := viper.GetString("addr"); v != "" {
		cfg.Server.Addr = v
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withRuntime(ctx context.Context, fn func(context.Context, *app.Runtime) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	return withConfigRuntime(ctx, cfg, false, fn)
}

func withConfigRuntime(ctx context.Context, cfg *config.Config, embeddedNATS bool, fn func(context.Context, *app.Runtime) error) error {
	logger, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	rt, err := app.Open(ctx, cfg, app.Options{
		Workspace:    viper.GetString("workspace"),
		EmbeddedNATS: embeddedNATS,
		Version:      version,
		Logger:       logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(ctx, conn); err != nil {
		return err
	}
	return fn(ctx, repo.New(conn))
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
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
