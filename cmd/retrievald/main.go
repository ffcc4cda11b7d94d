package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/degradation"
	"github.com/knowledgecore/retrieval/internal/health"
	"github.com/knowledgecore/retrieval/internal/registry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := registry.New(cfg, logger)
	if err := reg.Init(ctx); err != nil {
		logger.Fatal("Failed to initialize services", zap.Error(err))
	}

	// Warm the sparse indexes before serving, then keep flushing dirty
	// ones in the background.
	if err := reg.BM25.RebuildAll(ctx); err != nil {
		logger.Error("BM25 warm-up failed; indexes build lazily", zap.Error(err))
	}
	go reg.BM25.Run(ctx)

	if report, err := reg.Reconciler.Run(ctx); err != nil {
		logger.Error("Startup reconciliation failed", zap.Error(err))
	} else {
		logger.Info("Startup reconciliation complete",
			zap.Int("vectors_added", report.VectorsAdded),
			zap.Int("vectors_purged", report.VectorsPurged),
			zap.Int("sparse_added", report.SparseAdded),
			zap.Int("sparse_purged", report.SparsePurged),
		)
	}

	hm := health.NewManager(logger)
	if pinger, ok := reg.Repo.(interface{ Ping(ctx context.Context) error }); ok {
		hm.Register(health.NewPingChecker("database", true, pinger.Ping))
	}
	hm.Register(health.NewBreakerChecker(reg.Breakers, degradation.ServiceEmbedding))
	hm.Register(health.NewBreakerChecker(reg.Breakers, degradation.ServiceVectorDB))
	hm.Register(health.NewBreakerChecker(reg.Breakers, degradation.ServiceRerank))

	healthHandler := health.NewHandler(hm, reg, reg.Reconciler.Run, logger)
	healthServer := health.StartServer(healthHandler, cfg.Service.HealthPort, logger)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Service.MetricsPort),
		Handler: metricsMux,
	}
	go func() {
		logger.Info("Starting metrics server", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	logger.Info("Retrieval core running",
		zap.Int("health_port", cfg.Service.HealthPort),
		zap.Int("metrics_port", cfg.Service.MetricsPort),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer shutdownCancel()

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown failed", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Metrics server shutdown failed", zap.Error(err))
	}
	if err := reg.Shutdown(shutdownCtx); err != nil {
		logger.Error("Service shutdown failed", zap.Error(err))
	}
	logger.Info("Shutdown complete")
}

func buildLogger(lc config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(lc.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if lc.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.EncoderConfig.TimeKey = "ts"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
