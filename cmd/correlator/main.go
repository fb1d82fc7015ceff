package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/incidentstack/correlator/internal/cache"
	"github.com/incidentstack/correlator/internal/classify"
	"github.com/incidentstack/correlator/internal/config"
	"github.com/incidentstack/correlator/internal/engine"
	"github.com/incidentstack/correlator/internal/metrics"
	"github.com/incidentstack/correlator/internal/store"
	"github.com/incidentstack/correlator/internal/utils"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.String("path", configPath), slog.Any("error", err))
		os.Exit(1)
	}

	var logOut io.Writer = os.Stdout
	if cfg.Logging.File != "" {
		rotating := utils.NewRotatingWriter(cfg.Logging.File, utils.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
		})
		defer rotating.Close()
		logOut = rotating
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON, logOut)
	logger.Info("starting correlator",
		slog.String("storage", cfg.Storage.Path),
		slog.Int("incident_threshold", cfg.Correlation.IncidentThreshold),
		slog.Duration("incident_time_window", cfg.Correlation.IncidentTimeWindow),
	)

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Error("failed to open store", slog.String("path", cfg.Storage.Path), slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	switch {
	case cfg.Cache.Enabled && cfg.Cache.Addr == "":
		cacheProvider = cache.NewMemoryProvider()
	case cfg.Cache.Enabled:
		provider, err := cache.NewValkeyProvider(cache.ValkeyConfig{
			Addr:         cfg.Cache.Addr,
			Username:     cfg.Cache.Username,
			Password:     cfg.Cache.Password,
			DB:           cfg.Cache.DB,
			DialTimeout:  cfg.Cache.DialTimeout,
			ReadTimeout:  cfg.Cache.ReadTimeout,
			WriteTimeout: cfg.Cache.WriteTimeout,
			TLS:          cfg.Cache.TLS,
		})
		if err != nil {
			logger.Warn("valkey cache unavailable", slog.Any("error", err))
		} else {
			cacheProvider = provider
			defer provider.Close()
		}
	}

	var classifier classify.Classifier
	switch cfg.Classifier.Mode {
	case "remote":
		classifier = classify.NewRemoteClassifier(cfg.Classifier.BaseURL, cfg.Classifier.ClassifyPath, cfg.Classifier.Timeout)
		logger.Info("using remote classifier", slog.String("base_url", cfg.Classifier.BaseURL))
	default:
		rules, err := classify.NewRuleClassifier(cfg.Classifier.RulesPath, logger)
		if err != nil {
			logger.Error("failed to load rule pack", slog.Any("error", err))
			os.Exit(1)
		}
		classifier = rules
	}

	dispatcher := classify.NewDispatcher(logger, classifier, db, cacheProvider, classify.DispatcherConfig{
		MaxAttempts: cfg.Classifier.MaxAttempts,
		BackoffBase: cfg.Classifier.BackoffBase,
		QueueSize:   cfg.Classifier.QueueSize,
		ResultTTL:   cfg.Cache.ResultTTL,
	})

	eng := engine.New(logger, db, dispatcher, cfg.Correlation)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := eng.Restore(ctx); err != nil {
		logger.Error("failed to restore candidate index", slog.Any("error", err))
		os.Exit(1)
	}

	go dispatcher.Run(ctx)
	go eng.RunSweeper(ctx)

	var metricsServer *http.Server
	if cfg.Server.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 15 * time.Second,
		}
		go func() {
			logger.Info("metrics server listening", slog.String("address", cfg.Server.MetricsAddress))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server exited", slog.Any("error", err))
				stop()
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancel()
	}

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("correlator stopped")
}
