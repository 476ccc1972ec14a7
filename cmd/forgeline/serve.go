package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	fhttp "github.com/Strob0t/forgeline/internal/adapter/http"
	"github.com/Strob0t/forgeline/internal/adapter/otel"
	"github.com/Strob0t/forgeline/internal/adapter/ws"
	"github.com/Strob0t/forgeline/internal/config"
	"github.com/Strob0t/forgeline/internal/middleware"
	"github.com/Strob0t/forgeline/internal/service"
)

func newServeCmd(flags *rootFlags) *cobra.Command {
	var (
		port    string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, streaming gateways and embedded workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var o config.Overrides
			if cmd.Flags().Changed("port") {
				o.Port = &port
			}
			cfg, flush, err := flags.load(cmd, o)
			if err != nil {
				return err
			}
			defer flush()
			if cmd.Flags().Changed("workers") {
				cfg.Server.EmbeddedWorkers = workers
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&port, "port", "p", "", "override server.port")
	cmd.Flags().IntVar(&workers, "workers", 0, "override server.embedded_workers (0 disables)")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	in, err := buildInfra(ctx, cfg)
	if err != nil {
		return err
	}
	defer in.Close()

	hub := ws.NewHub(in.bus, 0)
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           newRouter(in, hub),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// Streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	srv.RegisterOnShutdown(hub.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	startBackground(gctx, g, in, cfg.Server.EmbeddedWorkers)

	return g.Wait()
}

// startBackground runs the replay log janitor, the cross-process wake-up
// listener and, for n > 0, a pool of n queue workers.
func startBackground(ctx context.Context, g *errgroup.Group, in *infra, n int) {
	g.Go(func() error {
		in.bus.RunJanitor(ctx)
		return nil
	})
	g.Go(func() error { return in.queue.Listen(ctx) })
	if n > 0 {
		g.Go(func() error {
			return service.RunPool(ctx, n, in.queue, in.controller, in.cfg.Queue.DequeueTimeout)
		})
	}
}

// newRouter assembles the middleware chain and every HTTP surface.
func newRouter(in *infra, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	r.Use(fhttp.CORS(in.cfg.Server.CORSOrigin))
	r.Use(middleware.RequestID)
	r.Use(fhttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(otel.HTTPMiddleware(in.cfg.Otel.ServiceName))

	r.Get("/health", healthHandler(in))
	r.Get("/ws/{projectID}", hub.HandleWS)

	handlers := &fhttp.Handlers{
		Queue: in.queue,
		Bus:   in.bus,
	}
	fhttp.MountRoutes(r, handlers, middleware.Idempotency(in.cache, in.cfg.Cache.TTL))
	return r
}

// healthHandler reports the state of the store and transports. Any
// dependency that is down turns the response into a 503.
func healthHandler(in *infra) http.HandlerFunc {
	type healthStatus struct {
		Status  string            `json:"status"`
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := healthStatus{Status: "ok", Version: fhttp.Version, Checks: in.healthChecks(ctx)}
		code := http.StatusOK
		for _, v := range status.Checks {
			if strings.HasPrefix(v, "down") {
				status.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
