package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/config"
	"github.com/edpsych/connect-billing/pkg/gate"
	"github.com/edpsych/connect-billing/pkg/httpapi"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/observability"
	"github.com/edpsych/connect-billing/pkg/reconciler"
	"github.com/edpsych/connect-billing/pkg/storage"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
	"github.com/edpsych/connect-billing/pkg/usage"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	db, err := storage.Open(cfg.Database)
	if err != nil {
		logger.WithError(err).Error("failed to connect to database")
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := storage.RunMigrations(ctx, db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("database migrations applied")

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	catalogue := catalog.Default()

	var credits ledger.Service = ledger.NewPostgresService(db, catalogue)
	var subs subscriptions.Store = subscriptions.NewPostgresStore(db)

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient, err = storage.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}

		credits = storage.NewCachedLedger(credits, redisClient, metrics)
		subs = storage.NewCachedSubscriptions(subs, redisClient, metrics)
		logger.Info("redis cache enabled")
	}

	tracker := usage.NewPostgresTracker(db)
	usageGate := gate.New(catalogue, subs, tracker, credits, metrics, logger.WithComponent("gate"))

	retryPolicy := reconciler.NewRetryPolicy(reconciler.RetryConfig{
		MaxAttempts:       cfg.Webhook.RetryMaxAttempts,
		InitialDelay:      cfg.Webhook.RetryInitialDelay,
		MaxDelay:          cfg.Webhook.RetryMaxDelay,
		BackoffMultiplier: cfg.Webhook.RetryBackoffMultiplier,
	})
	eventStore := reconciler.NewPostgresEventStore(db)
	recordStore := reconciler.NewPostgresRecordStore(db)
	rec := reconciler.New(subs, credits, recordStore, eventStore, retryPolicy, usageGate, metrics, logger.WithComponent("reconciler"))

	apiServer := httpapi.NewServer(httpapi.Config{
		Gate:          usageGate,
		Credits:       credits,
		Subscriptions: subs,
		Records:       recordStore,
		Events:        rec,
		WebhookSecret: cfg.Webhook.Secret,
		Logger:        logger,
	})

	var handler http.Handler = apiServer.Handler()
	if cfg.Observability.MetricsEnabled {
		handler = observability.HTTPMetricsMiddleware(metrics)(handler)
	}
	if cfg.Observability.OTelEnabled {
		handler = otelhttp.NewHandler(handler, cfg.Observability.OTelServiceName)
	}

	mainServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler: healthMux,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, mainServer, healthServer)
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", mainServer.Addr).Info("billing API listening")
		if err := mainServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("health and metrics listening")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// Pool stats feed the db gauges while the service runs.
	g.Go(func() error {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				metrics.ObserveDBStats(db.Stats())
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		return shutdown.Shutdown()
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server error: %v", err)
	}
	logger.Info("stopped")
}
