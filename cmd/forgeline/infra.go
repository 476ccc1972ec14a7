package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/Strob0t/forgeline/internal/adapter/execengine"
	"github.com/Strob0t/forgeline/internal/adapter/fsworkspace"
	"github.com/Strob0t/forgeline/internal/adapter/memory"
	natsbus "github.com/Strob0t/forgeline/internal/adapter/nats"
	"github.com/Strob0t/forgeline/internal/adapter/natskv"
	"github.com/Strob0t/forgeline/internal/adapter/otel"
	"github.com/Strob0t/forgeline/internal/adapter/postgres"
	"github.com/Strob0t/forgeline/internal/adapter/ristretto"
	"github.com/Strob0t/forgeline/internal/adapter/simulated"
	"github.com/Strob0t/forgeline/internal/adapter/sqlite"
	"github.com/Strob0t/forgeline/internal/adapter/tiered"
	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/config"
	"github.com/Strob0t/forgeline/internal/port/broadcast"
	"github.com/Strob0t/forgeline/internal/port/cache"
	"github.com/Strob0t/forgeline/internal/port/engine"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
	"github.com/Strob0t/forgeline/internal/port/jobstore"
	"github.com/Strob0t/forgeline/internal/resilience"
	"github.com/Strob0t/forgeline/internal/service"
)

// infra holds the wired services of one process and the resources behind
// them.
type infra struct {
	cfg *config.Config

	pool *pgxpool.Pool
	db   *sql.DB
	nc   *nats.Conn

	bus        *service.EventBus
	queue      *service.JobQueue
	controller *service.Controller
	cache      cache.Cache

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (in *infra) Close() {
	for i := len(in.closers) - 1; i >= 0; i-- {
		in.closers[i]()
	}
	in.closers = nil
}

func (in *infra) onClose(fn func()) { in.closers = append(in.closers, fn) }

// buildInfra connects the configured stores and transports and wires the
// event bus, job queue and run controller over them. On error everything
// acquired so far is released.
func buildInfra(ctx context.Context, cfg *config.Config) (_ *infra, err error) {
	in := &infra{cfg: cfg}
	defer func() {
		if err != nil {
			in.Close()
		}
	}()

	shutdownOtel, err := otel.Setup(ctx, cfg.Otel)
	if err != nil {
		return nil, fmt.Errorf("otel: %w", err)
	}
	in.onClose(func() {
		if err := shutdownOtel(context.Background()); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	})
	metrics, err := otel.NewMetrics()
	if err != nil {
		return nil, fmt.Errorf("otel metrics: %w", err)
	}

	clk := clock.Real{}

	jobs, history, err := in.openStore(ctx, clk)
	if err != nil {
		return nil, err
	}

	if cfg.NATS.URL != "" {
		nc, err := natsbus.Connect(cfg.NATS.URL, cfg.Logging.Service)
		if err != nil {
			return nil, err
		}
		in.nc = nc
		in.onClose(func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		})
	}

	var fanout broadcast.Fanout = memory.NewFanout()
	if cfg.Bus.Fanout == "nats" {
		fanout = natsbus.NewFanout(in.nc, cfg.NATS.SubjectPrefix)
	}

	if cfg.Bus.History == "natskv" {
		kv, err := natskv.OpenBucket(ctx, in.nc, cfg.Bus.HistoryBucket, cfg.Bus.HistoryTTL)
		if err != nil {
			return nil, fmt.Errorf("history bucket: %w", err)
		}
		history = natskv.NewHistory(kv)
	}

	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	breaker.OnStateChange(func(from, to resilience.State) {
		slog.Warn("history breaker state changed", "from", from.String(), "to", to.String())
	})

	in.bus = service.NewEventBus(history, fanout, breaker, metrics, clk, service.BusConfig{
		Retention: eventstore.Retention{
			TTL:       cfg.Bus.HistoryTTL,
			MaxEvents: cfg.Bus.MaxEvents,
		},
		SubscriberBuffer: cfg.Bus.SubscriberBuffer,
		PruneInterval:    cfg.Bus.PruneInterval,
		AppendTimeout:    cfg.Bus.AppendTimeout,
	})
	in.onClose(func() { _ = in.bus.Close() })

	in.queue = service.NewJobQueue(jobs, in.bus, clk, cfg.Queue.PollInterval)
	switch {
	case in.pool != nil:
		// Postgres notifies inside the enqueue transaction.
		if w, ok := jobs.(jobstore.Waker); ok {
			in.queue.SetWaker(w)
		}
	case in.nc != nil:
		sig := natsbus.NewSignal(in.nc, cfg.NATS.SubjectPrefix)
		in.queue.SetNotifier(sig)
		in.queue.SetWaker(sig)
	}

	if in.cache, err = in.openCache(ctx); err != nil {
		return nil, err
	}

	eng, err := newEngine(cfg.Engine, clk)
	if err != nil {
		return nil, err
	}
	ws, err := fsworkspace.New(cfg.Workspace.Root)
	if err != nil {
		return nil, fmt.Errorf("workspace: %w", err)
	}

	in.controller = service.NewController(in.bus, in.queue, eng, ws, ws, clk, metrics, service.RunnerConfig{
		RetryBackoff:   cfg.Runner.RetryBackoff,
		ContinueDelay:  cfg.Runner.ContinueDelay,
		SessionTimeout: cfg.Engine.SessionTimeout,
		DefaultModel:   cfg.Runner.DefaultModel,
		Prompts: service.Prompts{
			Initializer: cfg.Runner.InitializerPrompt,
			Coding:      cfg.Runner.CodingPrompt,
		},
	})
	return in, nil
}

// openStore returns the job store and the replay log store of the
// configured driver.
func (in *infra) openStore(ctx context.Context, clk clock.Clock) (jobstore.Store, eventstore.Store, error) {
	cfg := in.cfg
	switch cfg.Store.Driver {
	case "sqlite":
		db, err := sqlite.Open(ctx, cfg.Store.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		in.db = db
		in.onClose(func() { _ = db.Close() })
		return sqlite.NewJobStore(db, clk.Now), sqlite.NewHistory(db, clk.Now), nil

	case "postgres":
		n, err := postgres.RunMigrations(ctx, cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, err
		}
		slog.Info("postgres migrations applied", "count", n)
		pool, err := postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, err
		}
		in.pool = pool
		in.onClose(pool.Close)
		return postgres.NewJobStore(pool, clk.Now), postgres.NewHistory(pool, clk.Now), nil

	default:
		slog.Warn("using in-memory store, jobs and replay logs are lost on restart")
		return memory.NewJobStore(clk.Now), memory.NewHistory(clk.Now), nil
	}
}

// openCache builds the idempotency cache: a local ristretto tier, backed by
// a shared JetStream bucket when NATS is configured.
func (in *infra) openCache(ctx context.Context) (cache.Cache, error) {
	l1, err := ristretto.New(in.cfg.Cache.L1MaxSizeMB)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	in.onClose(l1.Close)

	if in.nc == nil {
		return tiered.New(l1, nil, in.cfg.Cache.TTL), nil
	}
	kv, err := natskv.OpenBucket(ctx, in.nc, in.cfg.Cache.L2Bucket, in.cfg.Cache.TTL)
	if err != nil {
		return nil, fmt.Errorf("cache bucket: %w", err)
	}
	return tiered.New(l1, natskv.NewCache(kv), in.cfg.Cache.TTL), nil
}

func newEngine(cfg config.Engine, clk clock.Clock) (engine.Engine, error) {
	switch cfg.Kind {
	case "exec":
		return execengine.New(execengine.Config{
			Command:      cfg.Command,
			Args:         cfg.Args,
			MaxProcesses: cfg.MaxProcesses,
		})
	case "simulated":
		slog.Info("using simulated engine", "features", cfg.SimulatedFeatures)
		return simulated.New(cfg.SimulatedFeatures, cfg.SimulatedStepDelay, clk), nil
	default:
		return nil, errors.New("unknown engine kind " + cfg.Kind)
	}
}

// healthChecks reports the state of every external dependency in use.
func (in *infra) healthChecks(ctx context.Context) map[string]string {
	out := map[string]string{"store": in.cfg.Store.Driver}
	switch {
	case in.pool != nil:
		out["postgres"] = probe(in.pool.Ping(ctx))
	case in.db != nil:
		out["sqlite"] = probe(in.db.PingContext(ctx))
	}
	if in.nc != nil {
		if in.nc.IsConnected() {
			out["nats"] = "ok"
		} else {
			out["nats"] = "down: " + in.nc.Status().String()
		}
	}
	return out
}

func probe(err error) string {
	if err != nil {
		return "down: " + err.Error()
	}
	return "ok"
}
