package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/telepay/stargate/internal/config"
	"github.com/telepay/stargate/internal/conversion"
	"github.com/telepay/stargate/internal/database"
	"github.com/telepay/stargate/internal/fees"
	"github.com/telepay/stargate/internal/p2p"
	"github.com/telepay/stargate/internal/rates"
	"github.com/telepay/stargate/internal/reconciliation"
	"github.com/telepay/stargate/internal/server"
	"github.com/telepay/stargate/internal/ton"
	"github.com/telepay/stargate/internal/webhook"
	"github.com/telepay/stargate/internal/worker"
	"github.com/telepay/stargate/pkg/logger"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load(os.Getenv("STARGATE_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.NewPostgresDB(cfg.Database.DSN, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		zapLogger.Fatal("Failed to connect to PostgreSQL", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	tonClient := ton.NewHTTPClient(cfg.Ton.APIURL, cfg.Ton.APIKey, cfg.Ton.RequestTimeout, zapLogger)
	rateAgg := rates.NewAggregator([]rates.Provider{
		rates.NewBinanceProvider(),
		rates.NewOKXProvider(),
	}, cfg.Rates.CacheTTL, zapLogger)

	feeSvc := fees.NewService(db, zapLogger)
	webhookSvc := webhook.NewService(db, zapLogger, cfg.Webhook)
	conversionSvc := conversion.NewService(db, zapLogger, feeSvc, rateAgg, tonClient, cfg.Conversion, cfg.Ton.MinConfirmations)
	p2pSvc := p2p.NewService(db, zapLogger, tonClient, cfg.P2P, cfg.Conversion, cfg.Ton.MinConfirmations)
	reconSvc := reconciliation.NewService(db, zapLogger, tonClient)

	conversionSvc.SetNotifier(webhookSvc)
	conversionSvc.SetRouter(p2pSvc)

	// Background loops: order matching, webhook retries, queued settlement
	// retries and reconciliation sweeps.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := webhook.NewDispatcher(webhookSvc, zapLogger)
	dispatcher.Start(ctx)
	p2pSvc.Start(ctx)

	queuedRetry := worker.NewPeriodic("queued-settlements", cfg.Conversion.PollInterval*6, zapLogger, conversionSvc.RetryQueuedSettlements)
	queuedRetry.Start(ctx)
	sweeps := worker.NewPeriodic("reconciliation-sweeps", 15*time.Minute, zapLogger, reconSvc.RunSweeps)
	sweeps.Start(ctx)
	lockJanitor := worker.NewPeriodic("rate-lock-janitor", time.Minute, zapLogger, func(ctx context.Context) error {
		conversionSvc.Locks().ClearExpiredLocks()
		return conversionSvc.ExpireRateLockShells(ctx)
	})
	lockJanitor.Start(ctx)

	apiServer := server.NewServer(zapLogger, cfg.Server, conversionSvc, p2pSvc, reconSvc, webhookSvc, feeSvc)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiServer.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		zapLogger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zapLogger.Info("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	cancel()
	lockJanitor.Stop()
	sweeps.Stop()
	queuedRetry.Stop()
	p2pSvc.Stop()
	dispatcher.Stop()
	conversionSvc.Wait()

	zapLogger.Info("Shutdown complete")
}
