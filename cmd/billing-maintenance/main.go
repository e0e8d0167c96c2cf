// Command billing-maintenance runs the scheduled housekeeping jobs for
// the billing service: the nightly ledger audit, stale usage counter
// pruning, and replay of failed webhook events.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/edpsych/connect-billing/pkg/catalog"
	"github.com/edpsych/connect-billing/pkg/ledger"
	"github.com/edpsych/connect-billing/pkg/observability"
	"github.com/edpsych/connect-billing/pkg/reconciler"
	"github.com/edpsych/connect-billing/pkg/storage"
	"github.com/edpsych/connect-billing/pkg/subscriptions"
	"github.com/edpsych/connect-billing/pkg/usage"
)

var (
	dbURL           = flag.String("db-url", getEnv("BILLING_DATABASE_URL", "postgres://localhost/billing?sslmode=disable"), "PostgreSQL connection URL")
	auditSchedule   = flag.String("audit-schedule", "0 2 * * *", "Cron schedule for the ledger audit (default: 02:00 UTC)")
	pruneSchedule   = flag.String("prune-schedule", "30 2 * * *", "Cron schedule for usage counter pruning (default: 02:30 UTC)")
	replaySchedule  = flag.String("replay-schedule", "*/5 * * * *", "Cron schedule for webhook event replay (default: every 5 minutes)")
	retentionDays   = flag.Int("retention-days", 90, "Usage counters from cycles older than this are pruned")
	replayBatchSize = flag.Int("replay-batch-size", 100, "Maximum failed events replayed per run")
	runOnce         = flag.Bool("run-once", false, "Run all jobs once and exit (for testing)")
)

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	db, err := storage.Open(storage.DefaultConfig(*dbURL))
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	obsLog := observability.NewLogger(observability.InfoLevel, os.Stdout).WithComponent("maintenance")

	credits := ledger.NewPostgresService(db, catalog.Default())
	tracker := usage.NewPostgresTracker(db)
	rec := reconciler.New(
		subscriptions.NewPostgresStore(db),
		credits,
		reconciler.NewPostgresRecordStore(db),
		reconciler.NewPostgresEventStore(db),
		nil, // default retry policy
		nil,
		nil,
		obsLog,
	)

	jobs := &maintenanceJobs{
		log:       log,
		credits:   credits,
		tracker:   tracker,
		rec:       rec,
		retention: time.Duration(*retentionDays) * 24 * time.Hour,
		batchSize: *replayBatchSize,
	}

	if *runOnce {
		ctx := context.Background()
		jobs.auditLedger(ctx)
		jobs.pruneUsage(ctx)
		jobs.replayEvents(ctx)
		log.Info("Maintenance run completed")
		return
	}

	c := cron.New()

	// A panic in one scheduled run must not take the daemon down with it.
	if _, err := c.AddFunc(*auditSchedule, func() {
		defer observability.RecoverPanic(obsLog, "ledger audit")
		jobs.auditLedger(context.Background())
	}); err != nil {
		log.Fatalf("Failed to schedule ledger audit: %v", err)
	}
	if _, err := c.AddFunc(*pruneSchedule, func() {
		defer observability.RecoverPanic(obsLog, "usage pruning")
		jobs.pruneUsage(context.Background())
	}); err != nil {
		log.Fatalf("Failed to schedule usage pruning: %v", err)
	}
	if _, err := c.AddFunc(*replaySchedule, func() {
		defer observability.RecoverPanic(obsLog, "event replay")
		jobs.replayEvents(context.Background())
	}); err != nil {
		log.Fatalf("Failed to schedule event replay: %v", err)
	}

	c.Start()
	log.Info("Billing maintenance started")
	log.Infof("Ledger audit schedule: %s", *auditSchedule)
	log.Infof("Usage prune schedule: %s", *pruneSchedule)
	log.Infof("Event replay schedule: %s", *replaySchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutting down gracefully...")

	ctx := c.Stop()
	<-ctx.Done()

	log.Info("Maintenance stopped")
}

type maintenanceJobs struct {
	log       *logrus.Logger
	credits   *ledger.PostgresService
	tracker   *usage.PostgresTracker
	rec       *reconciler.Reconciler
	retention time.Duration
	batchSize int
}

// auditLedger verifies every balance against the sum of its transaction
// deltas. A mismatch means a balance was mutated outside the ledger and
// needs manual investigation, so each one is logged loudly.
func (j *maintenanceJobs) auditLedger(ctx context.Context) {
	j.log.Info("Starting ledger audit")

	mismatches, err := j.credits.AuditBalances(ctx)
	if err != nil {
		j.log.Errorf("Ledger audit failed: %v", err)
		return
	}

	for _, m := range mismatches {
		j.log.WithFields(logrus.Fields{
			"user_id":   m.UserID,
			"balance":   m.Balance,
			"delta_sum": m.DeltaSum,
		}).Error("Ledger balance mismatch")
	}

	if len(mismatches) == 0 {
		j.log.Info("Ledger audit passed")
	} else {
		j.log.Errorf("Ledger audit found %d mismatched balances", len(mismatches))
	}
}

func (j *maintenanceJobs) pruneUsage(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-j.retention)
	removed, err := j.tracker.PruneStale(ctx, cutoff)
	if err != nil {
		j.log.Errorf("Usage counter pruning failed: %v", err)
		return
	}
	j.log.Infof("Pruned %d stale usage counters (cutoff %s)", removed, cutoff.Format("2006-01-02"))
}

func (j *maintenanceJobs) replayEvents(ctx context.Context) {
	recovered, err := j.rec.ReplayDue(ctx, j.batchSize)
	if err != nil {
		j.log.Errorf("Webhook event replay failed: %v", err)
		return
	}
	if recovered > 0 {
		j.log.Infof("Recovered %d failed webhook events", recovered)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
