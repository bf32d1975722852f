package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shehryarbajwa/labforge/internal/api"
	"github.com/shehryarbajwa/labforge/internal/app"
	"github.com/shehryarbajwa/labforge/internal/config"
	"github.com/shehryarbajwa/labforge/internal/logging"
	"github.com/shehryarbajwa/labforge/internal/ratelimit"
)

func main() {
	dotenv := config.LoadDotEnv()

	cfg, err := config.Load()
	if err != nil {
		l := logging.New(os.Stderr, "info", "json")
		l.Fatal().Err(err).Msg("invalid configuration")
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if !dotenv {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	log.Info().Msg("starting labforge")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	a, err := app.New(ctx, cfg, log)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize")
	}

	// Sweeper runs until shutdown
	sweepCtx, stopSweeper := context.WithCancel(context.Background())
	sweeperDone := make(chan struct{})
	go func() {
		defer close(sweeperDone)
		a.Manager.Run(sweepCtx)
	}()

	// Rate limiter keyed by user; idle buckets are pruned hourly
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitPerHour, cfg.RateLimitBurst)
	go func() {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				rateLimiter.Prune(2 * time.Hour)
			}
		}
	}()

	handler := api.NewHandler(a.Manager, a.Health, log)
	srv := &http.Server{
		Addr:         cfg.Addr,
		Handler:      handler.SetupRoutes(rateLimiter, cfg.RateLimitPerHour),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.ProvisionTimeout + 30*time.Second, // sync mode holds the request through apply
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", cfg.Addr).
			Str("mode", cfg.ProvisionMode).
			Str("scope", cfg.SessionScope).
			Int("accounts", a.Registry.Size()).
			Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	stopSweeper()
	<-sweeperDone

	if err := a.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close resources")
	}
	log.Info().Msg("server stopped")
}
