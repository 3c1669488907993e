package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	sphttp "github.com/Strob0t/storepilot/internal/adapter/http"
	spotel "github.com/Strob0t/storepilot/internal/adapter/otel"
	"github.com/Strob0t/storepilot/internal/adapter/ws"
	"github.com/Strob0t/storepilot/internal/config"
	"github.com/Strob0t/storepilot/internal/middleware"
	"github.com/Strob0t/storepilot/internal/service"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	var noWorker bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: "Serve the HTTP API. In queue mode an in-process worker consumes " +
			"queued runs unless --no-worker is given.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, !noWorker)
		},
	}
	cmd.Flags().BoolVar(&noWorker, "no-worker", false, "do not consume queued runs in this process")
	return cmd
}

func serve(parent context.Context, cfg *config.Config, withWorker bool) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := ws.NewHub()
	a, err := bootstrap(ctx, cfg, hub)
	if err != nil {
		return err
	}
	defer a.close()

	if withWorker && a.queue != nil && cfg.Engine.Mode == config.ModeQueue {
		if err := a.startWorker(ctx); err != nil {
			return err
		}
	}

	r := newRouter(ctx, a, hub)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr, "mode", cfg.Engine.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// newRouter builds the HTTP surface: middleware, health, WebSocket and API.
func newRouter(ctx context.Context, a *app, hub *ws.Hub) chi.Router {
	cfg := a.cfg
	playbooks := service.NewPlaybookService(a.store, a.resolver, a.drafts, a.access)
	handlers := sphttp.NewHandlers(a.engine, playbooks, a.triggers, a.access)

	var limiter *middleware.RateLimiter
	if cfg.Server.RateLimitRPS > 0 {
		limiter = middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		limiter.StartCleanup(ctx, time.Minute, 10*time.Minute)
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(sphttp.CORS(cfg.Server.CORSOrigin))
	r.Use(sphttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(sphttp.Logger)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(spotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	r.Get("/health", healthHandler(a))
	hub.SetViewChecker(a.access)
	r.With(middleware.RequireUser).Get("/ws", hub.HandleWS)

	sphttp.MountRoutes(r, handlers, limiter)
	return r
}

// healthHandler reports the reachability of the backing services.
func healthHandler(a *app) http.HandlerFunc {
	type healthStatus struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
		NATS     string `json:"nats"`
		Provider string `json:"provider"`
		Mode     string `json:"mode"`
	}

	return func(w http.ResponseWriter, r *http.Request) {
		status := healthStatus{
			Status:   "ok",
			Postgres: "ok",
			NATS:     "ok",
			Provider: a.provider.Name(),
			Mode:     a.cfg.Engine.Mode,
		}
		code := http.StatusOK

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.pool.Ping(ctx); err != nil {
			status.Status = "degraded"
			status.Postgres = "unreachable"
			code = http.StatusServiceUnavailable
		}
		switch {
		case a.queue == nil:
			status.NATS = "disabled"
		case !a.queue.IsConnected():
			status.Status = "degraded"
			status.NATS = "disconnected"
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
