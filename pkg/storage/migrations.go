package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration represents a database migration
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns all billing schema migrations in order
func GetMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Create credit ledger tables",
			SQL: `
				CREATE TABLE IF NOT EXISTS credit_balances (
					user_id VARCHAR(255) PRIMARY KEY,
					balance BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE TABLE IF NOT EXISTS credit_transactions (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					delta BIGINT NOT NULL,
					balance_after BIGINT NOT NULL,
					reason VARCHAR(255) NOT NULL,
					idempotency_key VARCHAR(255) UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_credit_transactions_user_id
					ON credit_transactions(user_id, created_at DESC);
			`,
		},
		{
			Version:     2,
			Description: "Create usage counters table",
			SQL: `
				CREATE TABLE IF NOT EXISTS usage_counters (
					user_id VARCHAR(255) NOT NULL,
					feature VARCHAR(100) NOT NULL,
					cycle_start TIMESTAMPTZ NOT NULL,
					count BIGINT NOT NULL DEFAULT 0,
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (user_id, feature, cycle_start)
				);

				CREATE INDEX idx_usage_counters_cycle_start ON usage_counters(cycle_start);
			`,
		},
		{
			Version:     3,
			Description: "Create subscriptions table",
			SQL: `
				CREATE TABLE IF NOT EXISTS subscriptions (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					tier_id VARCHAR(50) NOT NULL,
					status VARCHAR(20) NOT NULL,
					current_period_start TIMESTAMPTZ NOT NULL,
					current_period_end TIMESTAMPTZ NOT NULL,
					cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
					provider_subscription_id VARCHAR(255) NOT NULL UNIQUE,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_subscriptions_user_id ON subscriptions(user_id, created_at DESC);
				CREATE INDEX idx_subscriptions_status ON subscriptions(status);
			`,
		},
		{
			Version:     4,
			Description: "Create webhook events table",
			SQL: `
				CREATE TABLE IF NOT EXISTS webhook_events (
					event_id VARCHAR(255) PRIMARY KEY,
					event_type VARCHAR(100) NOT NULL,
					payload JSONB NOT NULL,
					status VARCHAR(20) NOT NULL,
					attempts INT NOT NULL DEFAULT 0,
					last_error TEXT,
					next_retry_at TIMESTAMPTZ,
					processed_at TIMESTAMPTZ,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
				);

				CREATE INDEX idx_webhook_events_retry
					ON webhook_events(next_retry_at)
					WHERE status = 'failed';
			`,
		},
		{
			Version:     5,
			Description: "Create billing records table",
			SQL: `
				CREATE TABLE IF NOT EXISTS billing_records (
					id UUID PRIMARY KEY,
					user_id VARCHAR(255) NOT NULL,
					provider_invoice_id VARCHAR(255) NOT NULL,
					provider_subscription_id VARCHAR(255),
					amount_cents BIGINT NOT NULL,
					currency VARCHAR(10) NOT NULL,
					status VARCHAR(20) NOT NULL,
					created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					UNIQUE (provider_invoice_id, status)
				);

				CREATE INDEX idx_billing_records_user_id ON billing_records(user_id, created_at DESC);
			`,
		},
	}
}

// RunMigrations applies all pending migrations. Each migration runs in
// its own transaction; a failure leaves earlier migrations applied.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS billing_migrations (
			version INT PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version FROM billing_migrations ORDER BY version")
	if err != nil {
		return fmt.Errorf("failed to query migrations: %w", err)
	}

	appliedVersions := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan migration version: %w", err)
		}
		appliedVersions[version] = true
	}
	rows.Close()

	for _, migration := range GetMigrations() {
		if appliedVersions[migration.Version] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", migration.Version, err)
		}

		if _, err := tx.ExecContext(ctx, migration.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to apply migration %d (%s): %w", migration.Version, migration.Description, err)
		}

		if _, err := tx.ExecContext(ctx,
			"INSERT INTO billing_migrations (version, description) VALUES ($1, $2)",
			migration.Version, migration.Description); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", migration.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, err)
		}
	}

	return nil
}
