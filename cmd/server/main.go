// Package main is the entry point for the mortgage estimation service: rate
// quotes, historical loan reconstruction and refinance evaluation over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/mortgage-refi-engine/internal/config"
	"github.com/yourorg/mortgage-refi-engine/internal/fetch"
	"github.com/yourorg/mortgage-refi-engine/internal/otel"
	"github.com/yourorg/mortgage-refi-engine/internal/ratehistory"
	"github.com/yourorg/mortgage-refi-engine/internal/store"
)

// main is the entry point for the application
func main() {
	cfg := config.Load()
	setupLogging(cfg)

	shutdownTracer := otel.InitTracer(cfg)
	defer shutdownTracer()

	ctx := context.Background()
	lookup, closeLookup, err := newRateLookup(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to set up rate history: %v", err)
	}
	defer closeLookup()

	var properties saleFactsSource
	if cfg.PropertyDataURL != "" {
		client, err := fetch.NewPropertyClient(cfg)
		if err != nil {
			logrus.Fatalf("Failed to set up property data: %v", err)
		}
		properties = client
	}

	server, err := NewServer(cfg, lookup, properties)
	if err != nil {
		logrus.Fatalf("Failed to initialize server: %v", err)
	}

	quit := make(chan struct{})
	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		<-signals
		close(quit)
	}()

	if err := server.Start(quit); err != nil {
		logrus.Fatal(err)
	}
}

// setupLogging configures the logging for the application
func setupLogging(cfg config.Config) {
	switch cfg.LogFormat {
	case "json":
		logrus.SetFormatter(&logrus.JSONFormatter{})
	default:
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	switch cfg.LogLevel {
	case "debug":
		logrus.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		logrus.SetLevel(logrus.WarnLevel)
	case "error":
		logrus.SetLevel(logrus.ErrorLevel)
	default:
		logrus.SetLevel(logrus.InfoLevel)
	}

	logrus.Info("Logging configured")
}

// newRateLookup builds the configured rate history backend. Remote backends
// are wrapped in the lookup cache. The returned function releases the backend.
func newRateLookup(ctx context.Context, cfg config.Config) (ratehistory.Lookup, func(), error) {
	noop := func() {}

	var (
		lookup  ratehistory.Lookup
		closers []func() error
	)

	switch cfg.RateHistoryBackend {
	case config.BackendMemory, "":
		if cfg.RateHistoryFile == "" {
			logrus.Warn("No rate history file configured, historical rates come from the heuristic table")
			return store.NewMemoryStore(), noop, nil
		}
		memory, err := store.LoadFile(cfg.RateHistoryFile)
		if err != nil {
			return nil, noop, err
		}
		return memory, noop, nil

	case config.BackendHTTP:
		client, err := fetch.NewRateHistoryClient(cfg)
		if err != nil {
			return nil, noop, err
		}
		lookup = client

	case config.BackendFirestore:
		firestoreStore, err := store.NewFirestoreStore(ctx, cfg.FirestoreProject)
		if err != nil {
			return nil, noop, err
		}
		lookup = firestoreStore
		closers = append(closers, firestoreStore.Close)

	default:
		return nil, noop, fmt.Errorf("unknown rate history backend %q", cfg.RateHistoryBackend)
	}

	cached, err := store.NewCachedLookup(lookup, cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		for _, closeFn := range closers {
			_ = closeFn()
		}
		return nil, noop, err
	}
	if cfg.RedisAddr != "" {
		redisCache := store.NewRedisCache(cfg.RedisAddr)
		if err := redisCache.Ping(ctx); err != nil {
			logrus.Warnf("Redis cache unavailable at %s: %v", cfg.RedisAddr, err)
		}
		cached.WithShared(redisCache)
		closers = append(closers, redisCache.Close)
	}

	logrus.WithFields(logrus.Fields{
		"backend":      cfg.RateHistoryBackend,
		"cache_size":   cfg.CacheSize,
		"cache_ttl":    cfg.CacheTTL.String(),
		"shared_cache": cfg.RedisAddr != "",
	}).Info("Rate history configured")

	return cached, func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logrus.Warnf("Failed to close rate history backend: %v", err)
			}
		}
	}, nil
}
