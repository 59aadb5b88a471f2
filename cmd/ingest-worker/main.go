package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/radiusdt/leadpulse/internal/app"
	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/kafka"
	"github.com/radiusdt/leadpulse/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	if !cfg.Kafka.Enabled {
		logger.Fatal("ingest worker requires LEADPULSE_KAFKA_ENABLED=true")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	services, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:           cfg.Kafka.Brokers,
		Topics:            []string{cfg.Kafka.Topic},
		GroupID:           cfg.Kafka.GroupID,
		RebalanceStrategy: cfg.Kafka.RebalanceStrategy,
		Oldest:            cfg.Kafka.Oldest,
		SessionTimeout:    10 * time.Second,
		RetryBackoff:      100 * time.Millisecond,
		MaxRetryBackoff:   10 * time.Second,
	}, services.Tracking.MessageHandler(), logger)
	if err != nil {
		logger.Fatal("failed to create kafka consumer", zap.Error(err))
	}

	var background sync.WaitGroup
	background.Add(1)
	go func() {
		defer background.Done()
		services.RunArchive(ctx)
	}()

	logger.Info("ingest worker started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.GroupID),
		zap.String("storage", cfg.Storage.Backend),
	)

	if err := consumer.Run(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}
	if err := consumer.Close(); err != nil {
		logger.Error("failed to close consumer", zap.Error(err))
	}

	cancel()
	background.Wait()
	logger.Info("ingest worker stopped")
}
