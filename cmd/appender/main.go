package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/coffersTech/nanolog/server/internal/admin"
	"github.com/coffersTech/nanolog/server/internal/config"
	"github.com/coffersTech/nanolog/server/internal/coordinator"
	"github.com/coffersTech/nanolog/server/internal/dlq"
	"github.com/coffersTech/nanolog/server/internal/iceberg"
	"github.com/coffersTech/nanolog/server/internal/kafkaconsumer"
	"github.com/coffersTech/nanolog/server/internal/staging"
	"github.com/coffersTech/nanolog/server/internal/worker"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting otlp log appender",
		zap.Strings("brokers", cfg.KafkaBrokers), zap.String("topic", cfg.KafkaTopic), zap.String("iceberg_table", cfg.IcebergTableName))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	icebergClient, err := iceberg.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("iceberg attach failed", zap.Error(err))
	}
	defer icebergClient.Close()

	var deadLetter coordinator.DeadLetter
	if cfg.DLQPath != "" {
		q, err := dlq.Open(cfg.DLQPath, cfg.DLQKeyPath, logger)
		if err != nil {
			logger.Fatal("dlq open failed", zap.Error(err))
		}
		defer q.Close()
		deadLetter = q
	}

	consumer, err := kafkaconsumer.Open(cfg, logger)
	if err != nil {
		logger.Fatal("kafka consumer init failed", zap.Error(err))
	}

	stagingFactory := func(partition int32) worker.Staging {
		return staging.New(icebergClient.SharedDB(), partition, logger)
	}

	co := coordinator.New(cfg, logger, consumer, icebergClient, stagingFactory, deadLetter)
	if err := co.Initialize(ctx); err != nil {
		logger.Fatal("coordinator initialize failed", zap.Error(err))
	}

	var running atomic.Bool
	isRunning := func() bool { return running.Load() }

	go func() {
		running.Store(true)
		defer running.Store(false)
		if err := co.Run(ctx); err != nil {
			logger.Error("coordinator run loop exited with error", zap.Error(err))
		}
	}()

	adminSrv := admin.New(cfg, co, icebergClient, isRunning, logger)
	go func() {
		logger.Info("admin server listening", zap.String("addr", cfg.AdminListenAddr))
		if err := adminSrv.ListenAndServe(); err != nil {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()

	metricsSrv := &http.Server{Addr: cfg.MetricsListenAddr, Handler: promhttp.Handler()}
	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.MetricsListenAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server stopped", zap.Error(err))
		}
	}()

	sigusr1 := make(chan os.Signal, 1)
	signal.Notify(sigusr1, syscall.SIGUSR1)
	go func() {
		for range sigusr1 {
			flushCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := co.ForceFlushAll(flushCtx, 30*time.Second); err != nil {
				logger.Warn("signal-triggered force flush reported failures", zap.Error(err))
			}
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, draining workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.RebalanceTimeout()+5*time.Second)
	defer cancel()

	if err := co.Stop(shutdownCtx); err != nil {
		logger.Error("coordinator stop reported an error", zap.Error(err))
	}
	if err := adminSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin server shutdown error", zap.Error(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown error", zap.Error(err))
	}

	logger.Info("otlp log appender exited gracefully")
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	return cfg.Build()
}
