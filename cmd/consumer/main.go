// Package main provides the entrypoint for the ingest consumer service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/telemetry-kitchen/telemetry-kitchen/internal/broker"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/config"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/ingest"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/ops"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/store"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "tk-consumer"

	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", Version).
		Logger()

	log.Info().Str("build_time", BuildTime).Msg("starting ingest consumer")

	if err := cfg.ValidateDatabase(); err != nil {
		log.Fatal().Err(err).Msg("invalid database configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	log.Info().Msg("database connected")

	if err := store.EnsureSchema(ctx, pool); err != nil {
		log.Fatal().Err(err).Msg("failed to ensure schema")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	metrics := ingest.NewMetrics(registry)

	writer := store.NewEventWriter(pool, log.With().Str("component", "writer").Logger())
	processor := ingest.NewProcessor(writer, writer, metrics,
		log.With().Str("component", "processor").Logger())

	consumer := broker.NewConsumer(broker.ConsumerConfig{
		URL:      cfg.Broker.URL(),
		Exchange: cfg.Broker.Exchange,
		Queue:    cfg.Broker.Queue,
		Prefetch: cfg.Broker.Prefetch,
		Handler:  processor.Handle,
		Logger:   log.With().Str("component", "consumer").Logger(),
	})
	if err := consumer.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect consumer")
	}
	defer consumer.Close() //nolint:errcheck // best effort on shutdown

	opsServer := ops.NewServer(ops.ServerConfig{
		Service:      serviceName,
		Version:      Version,
		Port:         cfg.Ops.Port,
		Registry:     registry,
		RateLimitRPS: cfg.Ops.RateLimitRPS,
		Logger:       log.With().Str("component", "ops").Logger(),
		Readiness: map[string]ops.ReadinessCheck{
			"database": pool.Ping,
		},
	})
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Error().Err(err).Msg("ops server error")
		}
	}()

	done := make(chan struct{})
	go func() {
		if err := consumer.Start(ctx); err != nil {
			log.Error().Err(err).Msg("consumer stopped with error")
		}
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info().Msg("shutting down")
	case <-done:
		log.Error().Msg("consumer exited unexpectedly")
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown failed")
	}

	log.Info().Msg("consumer stopped")
}
