package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wolfman30/dental-booking/internal/app/bootstrap"
	appconfig "github.com/wolfman30/dental-booking/internal/config"
	"github.com/wolfman30/dental-booking/internal/events"
	"github.com/wolfman30/dental-booking/internal/observability/metrics"
	"github.com/wolfman30/dental-booking/internal/reservations"
	"github.com/wolfman30/dental-booking/internal/workflow"
	"github.com/wolfman30/dental-booking/pkg/logging"
)

// workflow-worker drains the dispatch outbox into the workflow engine and
// expires stale slot holds.
func main() {
	_ = godotenv.Load()
	cfg := appconfig.Load()
	logger := logging.New(cfg.LogLevel).Component("workflow-worker")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.DatabaseURL == "" {
		logger.Error("workflow worker requires DATABASE_URL")
		os.Exit(1)
	}
	if cfg.WorkflowQueueURL == "" && (cfg.WorkflowConfirmationURL == "" || cfg.WorkflowCancellationURL == "") {
		logger.Error("workflow worker requires WORKFLOW_QUEUE_URL or both workflow webhook URLs")
		os.Exit(1)
	}

	pool, err := bootstrap.OpenPool(ctx, cfg)
	if err != nil {
		logger.Error("failed to connect postgres", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	awsCfg, err := bootstrap.LoadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Error("failed to load AWS config", "error", err)
		os.Exit(1)
	}

	registry := prometheus.NewRegistry()
	bookingMetrics := metrics.NewBookingMetrics(registry)

	dispatcher := workflow.NewDispatcher(bootstrap.BuildWorkflowSender(cfg, &awsCfg, logger), logger).
		WithMetrics(bookingMetrics)
	deliverer := events.NewDeliverer(events.NewOutboxStore(pool), dispatcher, logger).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithInterval(cfg.OutboxInterval).
		WithMaxAttempts(cfg.OutboxMaxAttempts)
	go deliverer.Start(ctx)

	if cfg.ReservationSweepInterval > 0 {
		holds := reservations.NewService(reservations.NewRepository(pool), cfg.ReservationTTL, logger).
			WithMetrics(bookingMetrics)
		go holds.RunSweeper(ctx, cfg.ReservationSweepInterval)
	}

	metricsSrv := &http.Server{
		Addr:              ":" + cfg.WorkerMetricsPort,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("workflow worker shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}
