package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/bootstrap"
	"github.com/cassiomorais/checkoutsync/internal/controller"
	customMW "github.com/cassiomorais/checkoutsync/internal/middleware"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, "checkoutsync-api", "checkoutsync")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	cfg := app.Config
	router := controller.NewRouter(controller.RouterDeps{
		Reconciler:   app.Reconciler,
		HealthChecks: app.HealthChecks(),
		Metrics:      app.Metrics,
		Gatherer:     app.Registry,
		CORSConfig:   cfg.Server.CORS,
		Session: customMW.SessionConfig{
			CookieName: cfg.Session.CookieName,
			TTL:        cfg.Session.TTL,
		},
		JWTSecret:         cfg.Auth.JWTSecret,
		CallbackRateLimit: cfg.Server.CallbackRateLimit,
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		app.Logger.Info().Str("addr", addr).Msg("Starting HTTP server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if app.Sessions != nil {
		g.Go(func() error {
			ticker := time.NewTicker(cfg.Session.TTL / 4)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					n, err := app.Sessions.Sweep()
					if err != nil {
						app.Logger.Warn().Err(err).Msg("Session sweep failed")
						continue
					}
					if n > 0 {
						app.Logger.Debug().Int("removed", n).Msg("Swept expired sessions")
					}
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		app.Logger.Info().Msg("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		app.Reconciler.Shutdown()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		app.Logger.Error().Err(err).Msg("Server exited with error")
		return
	}
	app.Logger.Info().Msg("Server exited")
}
