// Package app assembles a dispatchline process from its config: storage,
// queue backend, event bus, escalation store, governors and the HTTP API.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"

	"dispatchline/internal/config"
	"dispatchline/internal/db"
	"dispatchline/internal/domain"
	"dispatchline/internal/engine"
	"dispatchline/internal/escalation"
	"dispatchline/internal/events"
	"dispatchline/internal/governor"
	"dispatchline/internal/migrate"
	"dispatchline/internal/notify"
	"dispatchline/internal/queue"
	"dispatchline/internal/repo"
	"dispatchline/internal/server"
	"dispatchline/internal/telemetry"
)

const (
	actorGovernor     = "governor"
	reapInterval      = time.Minute
	defaultEmbedPort  = -1
	dedupKeyNamespace = "dedup"
)

// Options carry what does not live in the config file.
type Options struct {
	Workspace string
	// DBPath overrides the workspace database location.
	DBPath string
	// EmbeddedNATS starts an in-process NATS server and points the bus at
	// it, whatever bus.backend says.
	EmbeddedNATS bool
	Version      string
	Logger       *slog.Logger
	// TelemetryOut receives stdout exporter output.
	TelemetryOut io.Writer
}

// Runtime is one wired process. Close releases everything Open acquired.
type Runtime struct {
	Config      *config.Config
	DB          *sql.DB
	Repo        repo.Repo
	Queue       queue.Store
	Bus         events.Bus
	Dedup       events.Deduplicator
	Escalation  *escalation.Store
	Notifier    *notify.Webhooks
	Forwarder   *notify.Forwarder
	Engine      engine.Engine
	Governor    *governor.Governor
	EventDriven *governor.EventDriven
	Telemetry   *telemetry.Providers
	Logger      *slog.Logger

	closers []func() error
}

// Open builds a runtime. The database is migrated before anything else
// touches it.
func Open(ctx context.Context, cfg *config.Config, opts Options) (rt *Runtime, err error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt = &Runtime{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	rt.Telemetry, err = telemetry.Init(ctx, cfg.Telemetry, opts.Version, opts.TelemetryOut)
	if err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return rt.Telemetry.Shutdown(sctx)
	})

	if opts.DBPath != "" {
		rt.DB, err = db.OpenPath(opts.DBPath)
	} else {
		rt.DB, err = db.Open(db.Config{Workspace: opts.Workspace})
	}
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	rt.closers = append(rt.closers, rt.DB.Close)
	if err := migrate.Migrate(ctx, rt.DB); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	rt.Repo = repo.New(rt.DB)

	if rt.Queue, err = openQueue(ctx, cfg.Queue, rt.DB); err != nil {
		return nil, err
	}
	rt.closers = append(rt.closers, rt.Queue.Close)

	if err := rt.openBus(ctx, opts); err != nil {
		return nil, err
	}

	rt.Notifier = notify.New(cfg.Notify, notify.WithLogger(logger))
	rt.Forwarder = notify.NewForwarder(rt.Notifier, rt.Repo, 0)
	rt.Escalation = escalation.NewStore(rt.Repo.Escalation(),
		escalation.WithConfig(cfg.Escalation),
		escalation.WithDirectiveTTL(cfg.Governor.HumanResponseTimeout),
		escalation.WithNotifier(rt.Notifier),
		escalation.WithLogger(logger),
	)

	rt.Engine = engine.New(rt.DB, cfg, rt.Queue, rt.Escalation)
	rt.Engine.Logger = logger
	// Only the event-driven governor consumes the bus. In poll mode the
	// engine and the webhook apply failures and directives inline.
	if cfg.EventDriven.Enabled {
		rt.Engine.Bus = rt.Bus
	}

	rt.Governor = governor.New(cfg.Governor, rt.Engine,
		governor.WithLogger(logger),
		governor.WithMeterProvider(rt.Telemetry.Meter),
		governor.WithTracerProvider(rt.Telemetry.Tracer),
		governor.WithHooks(governor.Hooks{OnScanComplete: rt.auditScan}),
	)
	rt.EventDriven = governor.NewEventDriven(rt.Governor, rt.Bus, rt.Dedup,
		governor.WithDedupWindow(cfg.EventDriven.DedupWindow),
		governor.WithSweepInterval(cfg.EventDriven.SweepInterval),
		governor.WithEscalation(rt.Escalation),
	)
	if err := rt.registerQueueGauge(); err != nil {
		logger.Warn("queue depth gauge unavailable", "err", err)
	}
	return rt, nil
}

func openQueue(ctx context.Context, cfg config.QueueConfig, conn *sql.DB) (queue.Store, error) {
	switch cfg.Backend {
	case "memory":
		return queue.NewMemoryQueue(), nil
	case "redis":
		q, err := queue.DialRedisQueue(ctx, cfg.RedisURL, queue.WithNamespace(cfg.Namespace), queue.WithClaimTTL(cfg.ClaimTTL))
		if err != nil {
			return nil, fmt.Errorf("queue: %w", err)
		}
		return q, nil
	default:
		return queue.NewSQLiteQueue(conn), nil
	}
}

func (rt *Runtime) openBus(ctx context.Context, opts Options) error {
	cfg := rt.Config.Bus
	natsURL := cfg.NATSURL
	if opts.EmbeddedNATS {
		ns, err := events.StartEmbeddedNATS("127.0.0.1", defaultEmbedPort)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() error { ns.Shutdown(); return nil })
		natsURL = ns.ClientURL()
		rt.Logger.Info("embedded nats started", "url", natsURL)
	}
	switch {
	case opts.EmbeddedNATS || cfg.Backend == "nats":
		bus, err := events.DialNATS(natsURL, events.WithSubject(cfg.Subject), events.WithNATSLogger(rt.Logger))
		if err != nil {
			return fmt.Errorf("bus: %w", err)
		}
		rt.closers = append(rt.closers, bus.Close)
		rt.Bus = bus
	default:
		rt.Bus = events.NewLocalBus(rt.Logger)
	}

	switch cfg.Dedup {
	case "redis":
		ropts, err := redis.ParseURL(rt.Config.Queue.RedisURL)
		if err != nil {
			return fmt.Errorf("dedup: invalid redis URL: %w", err)
		}
		client := redis.NewClient(ropts)
		rt.closers = append(rt.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("dedup: redis ping failed: %w", err)
		}
		rt.Dedup = events.NewRedisDeduplicator(client, nsJoin(rt.Config.Queue.Namespace, dedupKeyNamespace))
	default:
		rt.Dedup = events.NewMemoryDeduplicator()
	}
	return nil
}

func nsJoin(parts ...string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}

func (rt *Runtime) registerQueueGauge() error {
	m := rt.Telemetry.Meter.Meter("dispatchline/queue")
	_, err := m.Int64ObservableGauge("queue.depth",
		metric.WithDescription("Queued, unclaimed work items"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			n, err := rt.Queue.Depth(ctx)
			if err != nil {
				return err
			}
			o.Observe(int64(n))
			return nil
		}))
	return err
}

func (rt *Runtime) auditScan(results []domain.ScanResult) {
	for _, r := range results {
		err := rt.Engine.Events.AppendNow(context.Background(), events.AuditScanCompleted, r.Project, "project", r.Project, actorGovernor, events.EventPayload{
			"scanned":    r.ScannedIssues,
			"dispatched": r.ActionsDispatched,
			"skipped":    len(r.SkippedReasons),
			"errors":     len(r.Errors),
		})
		if err != nil {
			rt.Logger.Warn("audit scan", "project", r.Project, "err", err)
		}
	}
}

// Handler builds the HTTP API over the runtime.
func (rt *Runtime) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:         rt.Engine,
		Governor:       rt.Governor,
		BasePath:       rt.Config.Server.BasePath,
		Auth:           server.AuthConfig{JWTSecret: rt.Config.Server.JWTSecret, Logger: rt.Logger},
		WebhookSecret:  rt.Config.Server.WebhookSecret,
		StaleWorkerAge: rt.Config.Queue.StaleWorkerAge,
		Logger:         rt.Logger,
	})
}

// Start runs the background loops until ctx is done: the event-driven
// governor (or the poll loop when event_driven.enabled is false), the audit
// forwarder and the stale-claim reaper.
func (rt *Runtime) Start(ctx context.Context) error {
	if rt.Config.EventDriven.Enabled {
		if err := rt.EventDriven.Start(ctx); err != nil {
			return err
		}
	} else {
		rt.Governor.Start(ctx)
	}
	go rt.Forwarder.Run(ctx)
	go rt.reapLoop(ctx)
	return nil
}

// Stop halts whichever governor Start launched and waits for a running scan.
func (rt *Runtime) Stop() {
	if rt.EventDriven != nil {
		rt.EventDriven.Stop()
	}
	if rt.Governor != nil {
		rt.Governor.Stop()
		rt.Governor.Wait()
	}
}

func (rt *Runtime) reapLoop(ctx context.Context) {
	ttl := rt.Config.Queue.ClaimTTL
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := rt.ReleaseStaleClaims(ctx); err != nil && ctx.Err() == nil {
				rt.Logger.Warn("release stale claims", "err", err)
			}
		}
	}
}

// ReleaseStaleClaims requeues claims older than queue.claim_ttl whose
// session never started running.
func (rt *Runtime) ReleaseStaleClaims(ctx context.Context) ([]string, error) {
	ids, err := rt.Queue.ReleaseStaleClaims(ctx, time.Now().Add(-rt.Config.Queue.ClaimTTL))
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		rt.Logger.Info("released stale claims", "sessions", ids)
	}
	return ids, nil
}

// Close releases resources in reverse acquisition order.
func (rt *Runtime) Close() error {
	rt.Stop()
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	rt.closers = nil
	return errors.Join(errs...)
}
