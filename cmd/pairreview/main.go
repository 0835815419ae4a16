// Package main is the unified entry point for PairReview.
// One binary hosts the session manager, the WebSocket gateway and the REST
// API with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/in-the-loop-labs/pairreview/internal/common/config"
	"github.com/in-the-loop-labs/pairreview/internal/common/logger"
	"github.com/in-the-loop-labs/pairreview/internal/common/tracing"
	"github.com/in-the-loop-labs/pairreview/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting PairReview...")

	// 3. Root context, cancelled on shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Integration event bus (in-memory unless NATS is configured)
	eventBus, busCleanup, err := provideEventBus(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer func() {
		if err := busCleanup(); err != nil {
			log.Error("Event bus close error", zap.Error(err))
		}
	}()

	// 5. Session store
	repo, err := provideStore(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}

	// 6. Provider registry + availability prober
	registry, prober, err := provideProviders(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize provider registry", zap.Error(err))
	}
	// Warm the availability cache without delaying startup.
	go prober.CheckAll(ctx)

	// 7. Session manager (recovers orphaned rows before serving)
	manager, err := session.NewManager(ctx, repo, registry, eventBus, log)
	if err != nil {
		log.Fatal("Failed to initialize session manager", zap.Error(err))
	}
	manager.SetDefaultCwd(cfg.Session.DefaultCwd)

	// 8. WebSocket gateway
	gateway, err := provideGateway(ctx, log)
	if err != nil {
		log.Fatal("Failed to initialize WebSocket gateway", zap.Error(err))
	}

	// 9. HTTP server (REST + WebSocket upgrade)
	router := setupRouter(cfg, log, manager, registry, prober, gateway)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	go func() {
		log.Info("PairReview listening",
			zap.String("addr", addr),
			zap.String("websocket", "/ws"),
			zap.String("api", "/api/v1"))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// 10. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down PairReview...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Agents first, then clients, then storage.
	if err := manager.CloseAll(shutdownCtx); err != nil {
		log.Error("Session shutdown error", zap.Error(err))
	}
	gateway.Hub.CloseAll()

	if err := repo.Close(); err != nil {
		log.Error("Store close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("PairReview stopped")
}
