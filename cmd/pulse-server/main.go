package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/miradorstack/mirador-pulse/internal/ai"
	"github.com/miradorstack/mirador-pulse/internal/api"
	"github.com/miradorstack/mirador-pulse/internal/breaker"
	"github.com/miradorstack/mirador-pulse/internal/cache"
	"github.com/miradorstack/mirador-pulse/internal/config"
	"github.com/miradorstack/mirador-pulse/internal/hub"
	"github.com/miradorstack/mirador-pulse/internal/metrics"
	"github.com/miradorstack/mirador-pulse/internal/queue"
	"github.com/miradorstack/mirador-pulse/internal/ratelimit"
	"github.com/miradorstack/mirador-pulse/internal/redact"
	"github.com/miradorstack/mirador-pulse/internal/scoring"
	"github.com/miradorstack/mirador-pulse/internal/spike"
	mongostore "github.com/miradorstack/mirador-pulse/internal/store/mongo"
	"github.com/miradorstack/mirador-pulse/internal/utils"
	"github.com/miradorstack/mirador-pulse/internal/workers"
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

	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)
	logger.Info("starting mirador-pulse", slog.String("address", cfg.Server.Address))

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Error("failed to register metrics", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mongoClient, err := mongostore.Connect(ctx, cfg.Mongo, logger)
	if err != nil {
		logger.Error("failed to connect to mongodb", slog.Any("error", err))
		os.Exit(1)
	}
	st := mongoClient.Store()

	var cacheProvider cache.Provider = cache.NoopProvider{}
	if cfg.Cache.Enabled {
		cacheProvider = cache.NewMemoryProvider()
	}
	defer cacheProvider.Close()

	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout,
	}, logger)

	aiClient, err := ai.New(cfg.AI, brk, cfg.Summarization.MaxRetries, logger)
	if err != nil {
		logger.Error("failed to initialise AI client", slog.Any("error", err))
		os.Exit(1)
	}

	broadcastHub := hub.New(logger, 30*time.Second)

	ingestQueue := queue.New(cfg.Queue, st.Events, broadcastHub, logger)

	detector := spike.New(cfg.Spike, st.Stats, logger)
	scorer := scoring.New(cfg.CriticalServices)
	redactor := redact.New()

	aggregator := workers.NewAggregationWorker(cfg.Aggregation, st, detector, scorer, broadcastHub, logger)
	summarizer := workers.NewSummarizationWorker(cfg.Summarization, st, aiClient, redactor, broadcastHub, ingestQueue, logger)

	limiter := ratelimit.New(cfg.RateLimit.Window, cfg.RateLimit.MaxRequests)

	apiFacade := api.New(cfg.Server, api.Deps{
		Queue:      ingestQueue,
		Store:      st,
		Hub:        broadcastHub,
		Limiter:    limiter,
		Breaker:    brk,
		Summarizer: summarizer,
		Cache:      cacheProvider,
		CacheCfg:   cfg.Cache,
		Logger:     logger,
	})

	server, err := api.NewServer(cfg.Server, apiFacade.Router())
	if err != nil {
		logger.Error("failed to create HTTP server", slog.Any("error", err))
		os.Exit(1)
	}

	ingestQueue.Start(ctx)
	go broadcastHub.Run(ctx)
	go limiter.Run(ctx)
	go aggregator.Run(ctx)
	go summarizer.Run(ctx)

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

	go func() {
		logger.Info("HTTP server listening", slog.String("address", server.Address()))
		if serveErr := server.Start(); serveErr != nil {
			logger.Error("HTTP server exited", slog.Any("error", serveErr))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)

	// Workers observed ctx cancellation; drain whatever ingestion buffered.
	ingestQueue.Flush(shutdownCtx)

	if metricsServer != nil {
		metricsCtx, cancelMetrics := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(metricsCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server shutdown", slog.Any("error", err))
		}
		cancelMetrics()
	}

	disconnectCtx, cancelDisconnect := context.WithTimeout(context.Background(), 5*time.Second)
	if err := mongoClient.Close(disconnectCtx); err != nil {
		logger.Warn("mongodb disconnect", slog.Any("error", err))
	}
	cancelDisconnect()

	// Give remaining goroutines time to finish logging
	time.Sleep(100 * time.Millisecond)
	logger.Info("mirador-pulse stopped")
}
