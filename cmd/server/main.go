package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	httpadapter "github.com/couchcryptid/wildflower-sightings/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/wildflower-sightings/internal/adapter/kafka"
	"github.com/couchcryptid/wildflower-sightings/internal/adapter/locationiq"
	"github.com/couchcryptid/wildflower-sightings/internal/config"
	"github.com/couchcryptid/wildflower-sightings/internal/domain"
	"github.com/couchcryptid/wildflower-sightings/internal/feed"
	"github.com/couchcryptid/wildflower-sightings/internal/observability"
	"github.com/couchcryptid/wildflower-sightings/internal/pipeline"
	"github.com/couchcryptid/wildflower-sightings/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ring := observability.NewRingBuffer(cfg.DebugLogSize)
	logger := observability.NewLogger(cfg, ring)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := feed.FromConfig(cfg.FeedSources, cfg.FeedTimeout)
	if err != nil {
		logger.Error("failed to configure feeds", "error", err)
		os.Exit(1)
	}
	logger.Info("feeds configured", "sources", registry.Names())

	opts := pipeline.Options{
		TopN:      cfg.TopN,
		NoticeTTL: cfg.NoticeTTL,
	}

	// Initialize geocoder (feature-flagged via GEOCODER_ENABLED / LOCATIONIQ_TOKEN).
	if cfg.GeocoderEnabled {
		client := locationiq.NewClient(cfg.GeocoderToken, locationiq.Options{
			Timeout:     cfg.GeocoderTimeout,
			MinInterval: cfg.GeocoderMinInterval,
			Country:     cfg.GeocoderCountry,
			Language:    cfg.GeocoderLanguage,
		}, metrics, logger)
		cached, err := locationiq.NewCachedGeocoder(client, cfg.GeocoderCacheSize, metrics)
		if err != nil {
			logger.Error("failed to create geocode cache", "error", err)
			os.Exit(1)
		}
		opts.Geocoder = cached
		metrics.GeocodeEnabled.Set(1)
		logger.Info("locationiq geocoding enabled", "cache_size", cfg.GeocoderCacheSize, "timeout", cfg.GeocoderTimeout)
	} else {
		logger.Info("locationiq geocoding disabled")
	}

	var snapshots *store.Store
	if cfg.StoreDriver != "none" {
		snapshots, err = store.Open(ctx, cfg.StoreDriver, cfg.StoreDSN)
		if err != nil {
			logger.Error("failed to open snapshot store", "driver", cfg.StoreDriver, "error", err)
			os.Exit(1)
		}
		opts.Store = snapshots
		logger.Info("snapshot store enabled", "driver", cfg.StoreDriver)
	}

	var writer *kafkaadapter.Writer
	if cfg.KafkaEnabled() {
		writer = kafkaadapter.NewWriter(cfg, logger)
		opts.Publisher = writer
		logger.Info("kafka publishing enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}

	dashboard := pipeline.New(registry, domain.NewNormalizer(logger), logger, metrics, opts)
	if err := dashboard.Restore(ctx); err != nil {
		logger.Warn("snapshot restore failed", "error", err)
	}

	srv := httpadapter.NewServer(cfg.HTTPAddr, dashboard, ring, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Start refresh loop.
	go func() {
		if err := dashboard.Run(ctx, cfg.ReloadInterval); err != nil {
			logger.Error("refresh loop error", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if writer != nil {
		if err := writer.Close(); err != nil {
			logger.Error("kafka writer close error", "error", err)
		}
	}
	if snapshots != nil {
		if err := snapshots.Close(); err != nil {
			logger.Error("snapshot store close error", "error", err)
		}
	}

	logger.Info("shutdown complete")
}
