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

	"surplus-service/config"
	"surplus-service/internal/api"
	"surplus-service/internal/app"
	"surplus-service/internal/util"
	"surplus-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting surplus service", zap.String("env", cfg.Server.Env))

	if cfg.Observ.TracingEnabled {
		tp, err := util.InitTracer("surplus-service", cfg.Observ.JaegerEndpoint)
		if err != nil {
			logger.Fatal("Failed to initialize tracer", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tp.Shutdown(ctx); err != nil {
				logger.Warn("Error shutting down tracer", zap.Error(err))
			}
		}()
	}

	a, err := app.New(context.Background(), cfg)
	if err != nil {
		logger.Fatal("Failed to initialize application", zap.Error(err))
	}
	defer a.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweepWorker(a.Services.Coordinator, cfg.Business.SweepInterval, cfg.Business.SweepBatchSize)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil {
			logger.Error("Expiry sweeper error", zap.Error(err))
		}
	}()

	scheduler, err := worker.NewScheduler(worker.ScheduleConfig{
		Expansion: cfg.Business.ExpansionSchedule,
		Rollover:  cfg.Business.RolloverSchedule,
		Location:  cfg.Business.Location(),
	}, a.Services.Scheduler, a.Services.Ledger)
	if err != nil {
		logger.Fatal("Failed to initialize scheduler", zap.Error(err))
	}
	scheduler.Start()

	var paymentWorker *worker.PaymentResultWorker
	if consumer := a.PaymentResultsConsumer(); consumer != nil {
		paymentWorker = worker.NewPaymentResultWorker(consumer, a.Services.Coordinator)
		go func() {
			if err := paymentWorker.Start(workerCtx); err != nil {
				logger.Error("Payment result worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if cfg.Business.RoleOverride != "" {
		logger.Warn("Role override active; every request acts as this role",
			zap.String("role", cfg.Business.RoleOverride))
	}

	router := gin.New()
	handler := api.NewHandler(a.Services, a.Webhooks, api.Config{
		CallbackSecret:       cfg.Payment.CallbackSecret,
		RoleOverride:         cfg.Business.RoleOverride,
		ReserveRatePerMinute: cfg.Business.ReserveRatePerMinute,
		ReserveBurst:         cfg.Business.ReserveBurst,
	}, a.Dependencies()...)
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := app.ShutdownContext()
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	scheduler.Stop(shutdownCtx)
	if paymentWorker != nil {
		if err := paymentWorker.Stop(); err != nil {
			logger.Warn("Error stopping payment result worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}
