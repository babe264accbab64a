package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chm413/mochi-link/internal/auth"
	"github.com/chm413/mochi-link/internal/broker"
	"github.com/chm413/mochi-link/internal/config"
	"github.com/chm413/mochi-link/internal/dispatcher"
	"github.com/chm413/mochi-link/internal/hub"
	"github.com/chm413/mochi-link/internal/lifecycle"
	"github.com/chm413/mochi-link/internal/logger"
	"github.com/chm413/mochi-link/internal/server"
	"github.com/chm413/mochi-link/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.GetLogger()

	log.Info().Msg("starting mochi link bridge")

	log.Info().Msg("connecting to postgres")
	pg, err := storage.NewPostgres(storage.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to postgres")
	}
	defer pg.Close()

	log.Info().Msg("running storage migrations")
	if err := pg.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	log.Info().Bool("enabled", cfg.Redis.Enabled).Msg("initializing event buffer")
	eventBuffer := storage.NewEventBuffer(storage.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
		Enabled:  cfg.Redis.Enabled,
	})
	defer eventBuffer.Close()

	authenticator := auth.NewHandshake(pg, pg)
	evDispatcher := dispatcher.New(cfg.SubscriberInboxCapacity)
	bufferingDispatcher := newBufferingSink(evDispatcher, eventBuffer)
	reporter := lifecycle.New(pg)

	h := hub.New(reporter)
	requestBroker := broker.New(h)

	srv := server.New(cfg, h, authenticator, bufferingDispatcher, reporter, requestBroker)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal, draining sessions")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("listener stopped unexpectedly")
		}
	}

	shutdownTimeout := 30 * time.Second
	if v := os.Getenv("SHUTDOWN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			shutdownTimeout = d
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	h.Shutdown(shutdownCtx)

	log.Info().Msg("shutdown complete")
}
