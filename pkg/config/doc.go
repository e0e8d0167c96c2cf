// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings.
//
// # Configuration Structure
//
// Server settings:
//
//	BILLING_HOST="0.0.0.0"
//	BILLING_PORT="8080"
//	BILLING_HEALTH_PORT="9090"
//	BILLING_READ_TIMEOUT="15s"
//	BILLING_WRITE_TIMEOUT="15s"
//
// Database settings:
//
//	BILLING_DATABASE_URL="postgres://localhost/billing"
//	BILLING_POSTGRES_MAX_CONNS="25"
//	BILLING_POSTGRES_MIN_CONNS="5"
//
// Cache settings:
//
//	BILLING_CACHE_ENABLED="true"
//	BILLING_REDIS_ADDR="localhost:6379"
//	BILLING_REDIS_PASSWORD=""
//
// Webhook settings:
//
//	BILLING_WEBHOOK_SECRET="whsec_..."
//	BILLING_WEBHOOK_RETRY_MAX_ATTEMPTS="5"
//	BILLING_WEBHOOK_RETRY_INITIAL_DELAY="1m"
//	BILLING_WEBHOOK_RETRY_MAX_DELAY="6h"
//
// Observability settings:
//
//	BILLING_LOG_LEVEL="info"  # debug, info, warn, error
//	BILLING_METRICS_ENABLED="true"
//	BILLING_OTEL_ENABLED="false"
//
// # Usage Example
//
// Load configuration:
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	fmt.Printf("Server: %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//	fmt.Printf("Log level: %v\n", cfg.Observability.LogLevel)
//
// # Related Packages
//
//   - pkg/storage: Uses database configuration
//   - pkg/observability: Uses observability configuration
package config
