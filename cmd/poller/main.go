// Package main provides the entrypoint for the gateway poller service.
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
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/ops"
	"github.com/telemetry-kitchen/telemetry-kitchen/internal/poller"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "tk-poller"

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

	log.Info().Str("build_time", BuildTime).Msg("starting gateway poller")

	if err := cfg.ValidateStations(); err != nil {
		log.Fatal().Err(err).Msg("invalid station configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	pollerMetrics := poller.NewMetrics(registry)

	publisher := broker.NewPublisher(broker.PublisherConfig{
		URL:      cfg.Broker.URL(),
		Exchange: cfg.Broker.Exchange,
		Logger:   log.With().Str("component", "publisher").Logger(),
	})
	if err := publisher.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to connect publisher")
	}
	defer publisher.Close() //nolint:errcheck // best effort on shutdown

	opsServer := ops.NewServer(ops.ServerConfig{
		Service:      serviceName,
		Version:      Version,
		Port:         cfg.Ops.Port,
		Registry:     registry,
		RateLimitRPS: cfg.Ops.RateLimitRPS,
		Logger:       log.With().Str("component", "ops").Logger(),
		Readiness: map[string]ops.ReadinessCheck{
			"broker": publisher.Ready,
		},
	})
	go func() {
		if err := opsServer.Start(); err != nil {
			log.Error().Err(err).Msg("ops server error")
		}
	}()

	p := poller.New(poller.Config{
		Stations:  cfg.Stations,
		Publisher: publisher,
		Metrics:   pollerMetrics,
		Logger:    log.With().Str("component", "poller").Logger(),
	})

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()
	<-done

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("ops server shutdown failed")
	}

	log.Info().Msg("poller stopped")
}
