package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edpsych/connect-billing/pkg/observability"
	"github.com/edpsych/connect-billing/pkg/storage"
)

// Config holds all application configuration
type Config struct {
	// Server configuration
	Server ServerConfig

	// Database configuration
	Database storage.Config

	// Redis configuration
	Redis RedisConfig

	// Webhook configuration
	Webhook WebhookConfig

	// Observability configuration
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// RedisConfig holds Redis cache settings
type RedisConfig struct {
	Addr     string
	Password string
	Enabled  bool
}

// WebhookConfig holds payment-provider webhook settings
type WebhookConfig struct {
	// Secret signs incoming event payloads. Must match the value
	// configured at the provider.
	Secret string

	// Retry tuning for failed event processing.
	RetryMaxAttempts      int
	RetryInitialDelay     time.Duration
	RetryMaxDelay         time.Duration
	RetryBackoffMultiplier float64
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool

	// OpenTelemetry HTTP instrumentation
	OTelEnabled     bool
	OTelServiceName string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server:        loadServerConfig(),
		Database:      loadDatabaseConfig(),
		Redis:         loadRedisConfig(),
		Webhook:       loadWebhookConfig(),
		Observability: loadObservabilityConfig(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func loadServerConfig() ServerConfig {
	return ServerConfig{
		Host:            getEnv("BILLING_HOST", "0.0.0.0"),
		Port:            getEnv("BILLING_PORT", "8080"),
		ReadTimeout:     getEnvDuration("BILLING_READ_TIMEOUT", 15*time.Second),
		WriteTimeout:    getEnvDuration("BILLING_WRITE_TIMEOUT", 15*time.Second),
		IdleTimeout:     getEnvDuration("BILLING_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout: getEnvDuration("BILLING_SHUTDOWN_TIMEOUT", 30*time.Second),
		HealthPort:      getEnv("BILLING_HEALTH_PORT", "9090"),
	}
}

func loadDatabaseConfig() storage.Config {
	cfg := storage.DefaultConfig(getEnv("BILLING_DATABASE_URL", ""))

	if maxConns := getEnvInt("BILLING_POSTGRES_MAX_CONNS", 0); maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns := getEnvInt("BILLING_POSTGRES_MIN_CONNS", 0); minConns > 0 {
		cfg.MinConns = minConns
	}
	if timeout := getEnvDuration("BILLING_POSTGRES_TIMEOUT", 0); timeout > 0 {
		cfg.Timeout = timeout
	}

	return cfg
}

func loadRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:     getEnv("BILLING_REDIS_ADDR", ""),
		Password: getEnv("BILLING_REDIS_PASSWORD", ""),
		Enabled:  getEnvBool("BILLING_CACHE_ENABLED", true),
	}
}

func loadWebhookConfig() WebhookConfig {
	return WebhookConfig{
		Secret:                 getEnv("BILLING_WEBHOOK_SECRET", ""),
		RetryMaxAttempts:       getEnvInt("BILLING_WEBHOOK_RETRY_MAX_ATTEMPTS", 5),
		RetryInitialDelay:      getEnvDuration("BILLING_WEBHOOK_RETRY_INITIAL_DELAY", 1*time.Minute),
		RetryMaxDelay:          getEnvDuration("BILLING_WEBHOOK_RETRY_MAX_DELAY", 6*time.Hour),
		RetryBackoffMultiplier: getEnvFloat("BILLING_WEBHOOK_RETRY_BACKOFF_MULTIPLIER", 2.0),
	}
}

func loadObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		LogLevel:        parseLogLevel(getEnv("BILLING_LOG_LEVEL", "info")),
		MetricsEnabled:  getEnvBool("BILLING_METRICS_ENABLED", true),
		OTelEnabled:     getEnvBool("BILLING_OTEL_ENABLED", false),
		OTelServiceName: getEnv("BILLING_OTEL_SERVICE_NAME", "connect-billing"),
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required when caching is enabled")
	}

	if c.Webhook.Secret == "" {
		return fmt.Errorf("webhook secret is required")
	}
	if c.Webhook.RetryMaxAttempts < 1 {
		return fmt.Errorf("webhook retry max attempts must be at least 1")
	}
	if c.Webhook.RetryBackoffMultiplier < 1 {
		return fmt.Errorf("webhook retry backoff multiplier must be at least 1")
	}

	return nil
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvFloat returns a float environment variable or a default
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
