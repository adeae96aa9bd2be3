package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/openclaw/clawsend/internal/api"
	"github.com/openclaw/clawsend/internal/config"
	"github.com/openclaw/clawsend/internal/handlers"
	"github.com/openclaw/clawsend/internal/ratelimit"
	"github.com/openclaw/clawsend/internal/store"
	"github.com/openclaw/clawsend/internal/sweeper"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Pick a store: PostgreSQL when configured, SQLite otherwise.
	var s store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		s = pg
		logger.Info().Msg("connected to PostgreSQL")
	} else {
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		s = sq
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite store")
	}
	defer s.Close()

	// Pick a rate limiter: Redis when configured, in-process otherwise.
	var limiter ratelimit.Limiter
	if cfg.RedisURL != "" {
		rl, err := ratelimit.NewRedisLimiter(ctx, cfg.RedisURL, cfg.RateLimitSends, cfg.RateLimitWindow)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rl.Close()
		limiter = rl
		logger.Info().Msg("connected to Redis")
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitSends, cfg.RateLimitWindow)
	}

	// Background expiry sweep
	sw := sweeper.New(s, logger, cfg.SweepInterval, cfg.ChallengeTTL)
	if err := sw.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start sweeper")
	}
	defer sw.Stop()

	// Router
	h := handlers.NewHandler(s, limiter, logger, cfg.ChallengeTTL)
	router := api.NewRouter(logger, s, h)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down relay...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("relay stopped")
}
