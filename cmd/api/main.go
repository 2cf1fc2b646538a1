package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/dental-booking/internal/admin"
	"github.com/wolfman30/dental-booking/internal/api/router"
	"github.com/wolfman30/dental-booking/internal/app/bootstrap"
	"github.com/wolfman30/dental-booking/internal/bookings"
	"github.com/wolfman30/dental-booking/internal/cancellation"
	appconfig "github.com/wolfman30/dental-booking/internal/config"
	"github.com/wolfman30/dental-booking/internal/confirmation"
	"github.com/wolfman30/dental-booking/internal/events"
	"github.com/wolfman30/dental-booking/internal/fallback"
	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/internal/payments"
	"github.com/wolfman30/dental-booking/internal/reservations"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("starting dental-booking API server", "env", cfg.Env, "port", cfg.Port)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := bootstrap.OpenPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	sqlDB, err := bootstrap.OpenSQL(ctx, cfg)
	if err != nil {
		logger.Error("failed to open event log database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = sqlDB.Close() }()

	redisClient := bootstrap.BuildRedisClient(ctx, cfg, logger, true)
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	bookingMetrics := metrics.NewBookingMetrics(registry)

	bookingStore := bookings.NewRepository(pool)
	eventLog := events.NewEventLog(sqlDB)
	outbox := events.NewOutboxStore(pool)

	holds := reservations.NewService(reservations.NewRepository(pool), cfg.ReservationTTL, logger).
		WithMetrics(bookingMetrics)

	checkout := payments.NewCheckoutService(cfg.StripeSecretKey, logger).
		WithBaseURL(cfg.StripeBaseURL).
		WithAPIVersion(cfg.StripeAPIVersion).
		WithDefaultCurrency(cfg.DefaultCurrency).
		WithDryRun(cfg.StripeDryRun)

	relay := confirmation.NewRelay(bookingStore, holds, events.NewProcessedStore(pool), outbox, logger).
		WithEventLog(eventLog).
		WithMetrics(bookingMetrics)
	rawArchive := bootstrap.BuildArchive(cfg, &awsCfg, logger)
	if rawArchive != nil {
		relay = relay.WithArchive(rawArchive)
	}
	if alerts := bootstrap.BuildReviewNotifier(cfg, &awsCfg, logger); alerts != nil {
		relay = relay.WithAlerts(alerts)
	}

	cancels := cancellation.NewService(bookingStore, outbox, cfg.RefundWindow, logger).
		WithEventLog(eventLog).
		WithMetrics(bookingMetrics)

	adminHandler := admin.NewHandler(bookingStore, cancels, logger).WithEventLog(eventLog, eventLog)
	if rawArchive != nil {
		adminHandler = adminHandler.WithArchive(rawArchive)
	}

	r := router.New(&router.Config{
		Logger:             logger,
		Reservations:       reservations.NewHandler(holds, logger),
		Checkout:           payments.NewCheckoutHandler(checkout, holds, logger),
		StripeWebhook:      payments.NewStripeWebhookHandler(cfg.StripeWebhookSecret, relay, logger).WithMetrics(bookingMetrics),
		Cancellation:       cancellation.NewHandler(cancels, logger),
		Fallback:           fallback.NewHandler(fallback.NewRecorder(bookingStore, logger), logger),
		Admin:              adminHandler,
		AdminAuthSecret:    cfg.AdminJWTSecret,
		ReserveLimiter:     bootstrap.BuildReserveLimiter(cfg, redisClient),
		MetricsHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		CORSAllowedOrigins: cfg.CORSOrigins,
		Ready:              pool.Ping,
	})

	if cfg.ReservationSweepInterval > 0 {
		go holds.RunSweeper(ctx, cfg.ReservationSweepInterval)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}
