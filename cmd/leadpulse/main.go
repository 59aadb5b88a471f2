package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/radiusdt/leadpulse/internal/app"
	"github.com/radiusdt/leadpulse/internal/config"
	"github.com/radiusdt/leadpulse/internal/httpserver"
	"github.com/radiusdt/leadpulse/internal/middleware"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Can't use logger yet, fall back to panic
		panic("failed to load config: " + err.Error())
	}

	// Initialize logger
	logger, err := middleware.NewLogger(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer logger.Sync()

	logger.Info("starting leadpulse",
		zap.String("env", cfg.Server.Env),
		zap.String("addr", cfg.Server.Addr),
		zap.String("storage", cfg.Storage.Backend),
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	services, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		logger.Fatal("failed to initialize services", zap.Error(err))
	}
	defer services.Close()

	handler := httpserver.NewServer(&httpserver.Dependencies{
		Tracking:  services.Tracking,
		Reporting: services.Reporting,
		Config:    cfg,
		Logger:    logger,
		Metrics:   services.Metrics,
		Health:    services.Health,
	})

	// Recovery -> RealIP -> Logging -> RateLimit -> Auth -> Handler
	recoveryMW := middleware.NewRecoveryMiddleware(logger)
	realIPMW, err := middleware.NewRealIPMiddleware(cfg.Server.TrustedProxies)
	if err != nil {
		logger.Fatal("invalid trusted proxies", zap.Error(err))
	}
	loggingMW := middleware.NewLoggingMiddleware(logger)
	rateLimitMW := middleware.NewRateLimitMiddleware(cfg.RateLimit, []string{"/health", cfg.Metrics.Path}, services.Metrics, logger)
	authMW := middleware.NewAuthMiddleware(cfg.Auth, logger)

	finalHandler := middleware.Chain(handler,
		recoveryMW.Handler,
		realIPMW.Handler,
		loggingMW.Handler,
		rateLimitMW.Handler,
		authMW.Handler,
	)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           finalHandler,
		ReadHeaderTimeout: 2 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	var background sync.WaitGroup

	// The archive drains its buffer after ctx is cancelled.
	background.Add(1)
	go func() {
		defer background.Done()
		services.RunArchive(ctx)
	}()

	go func() {
		logger.Info("HTTP server starting", zap.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Start rate limiter cleanup goroutine
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := rateLimitMW.Cleanup(time.Hour); n > 0 {
					logger.Debug("evicted idle rate limiters", zap.Int("count", n))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background goroutines and let the archive flush
	cancel()
	background.Wait()

	logger.Info("server stopped")
}
