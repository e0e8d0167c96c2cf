package config

import (
	"os"
	"testing"
	"time"

	"github.com/edpsych/connect-billing/pkg/observability"
)

// TestGetEnv tests the getEnv helper function
func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue string
		envValue     string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_VAR",
			defaultValue: "default",
			envValue:     "custom",
			want:         "custom",
		},
		{
			name:         "returns default when env not set",
			key:          "TEST_VAR_NOT_SET",
			defaultValue: "default",
			envValue:     "",
			want:         "default",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			}

			got := getEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnv() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvBool tests the getEnvBool helper function
func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue bool
		envValue     string
		want         bool
	}{
		{
			name:         "returns true for 'true'",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "true",
			want:         true,
		},
		{
			name:         "returns true for '1'",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "1",
			want:         true,
		},
		{
			name:         "returns false for 'false'",
			key:          "TEST_BOOL",
			defaultValue: true,
			envValue:     "false",
			want:         false,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_BOOL_NOT_SET",
			defaultValue: true,
			envValue:     "",
			want:         true,
		},
		{
			name:         "returns true for 'TRUE' (case insensitive)",
			key:          "TEST_BOOL",
			defaultValue: false,
			envValue:     "TRUE",
			want:         true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvBool(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvBool() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvInt tests the getEnvInt helper function
func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue int
		envValue     string
		want         int
	}{
		{
			name:         "returns parsed int",
			key:          "TEST_INT",
			defaultValue: 10,
			envValue:     "42",
			want:         42,
		},
		{
			name:         "returns default for invalid int",
			key:          "TEST_INT",
			defaultValue: 10,
			envValue:     "invalid",
			want:         10,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_INT_NOT_SET",
			defaultValue: 10,
			envValue:     "",
			want:         10,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvInt() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvFloat tests the getEnvFloat helper function
func TestGetEnvFloat(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue float64
		envValue     string
		want         float64
	}{
		{
			name:         "returns parsed float",
			key:          "TEST_FLOAT",
			defaultValue: 2.0,
			envValue:     "1.5",
			want:         1.5,
		},
		{
			name:         "returns default for invalid float",
			key:          "TEST_FLOAT",
			defaultValue: 2.0,
			envValue:     "invalid",
			want:         2.0,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_FLOAT_NOT_SET",
			defaultValue: 2.0,
			envValue:     "",
			want:         2.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvFloat(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvFloat() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestGetEnvDuration tests the getEnvDuration helper function
func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		defaultValue time.Duration
		envValue     string
		want         time.Duration
	}{
		{
			name:         "returns parsed duration",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "30s",
			want:         30 * time.Second,
		},
		{
			name:         "returns default for invalid duration",
			key:          "TEST_DURATION",
			defaultValue: 10 * time.Second,
			envValue:     "invalid",
			want:         10 * time.Second,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_DURATION_NOT_SET",
			defaultValue: 10 * time.Second,
			envValue:     "",
			want:         10 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Errorf("getEnvDuration() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestParseLogLevel tests the parseLogLevel function
func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  observability.LogLevel
	}{
		{
			name:  "debug",
			level: "debug",
			want:  observability.DebugLevel,
		},
		{
			name:  "DEBUG uppercase",
			level: "DEBUG",
			want:  observability.DebugLevel,
		},
		{
			name:  "info",
			level: "info",
			want:  observability.InfoLevel,
		},
		{
			name:  "warn",
			level: "warn",
			want:  observability.WarnLevel,
		},
		{
			name:  "warning",
			level: "warning",
			want:  observability.WarnLevel,
		},
		{
			name:  "error",
			level: "error",
			want:  observability.ErrorLevel,
		},
		{
			name:  "invalid defaults to info",
			level: "invalid",
			want:  observability.InfoLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseLogLevel(tt.level)
			if got != tt.want {
				t.Errorf("parseLogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestLoadServerConfig tests the loadServerConfig function
func TestLoadServerConfig(t *testing.T) {
	envVars := []string{
		"BILLING_HOST",
		"BILLING_PORT",
		"BILLING_READ_TIMEOUT",
		"BILLING_WRITE_TIMEOUT",
		"BILLING_IDLE_TIMEOUT",
		"BILLING_SHUTDOWN_TIMEOUT",
		"BILLING_HEALTH_PORT",
	}
	originalEnv := make(map[string]string)
	for _, k := range envVars {
		originalEnv[k] = os.Getenv(k)
	}
	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	tests := []struct {
		name string
		env  map[string]string
		want ServerConfig
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			want: ServerConfig{
				Host:            "0.0.0.0",
				Port:            "8080",
				ReadTimeout:     15 * time.Second,
				WriteTimeout:    15 * time.Second,
				IdleTimeout:     60 * time.Second,
				ShutdownTimeout: 30 * time.Second,
				HealthPort:      "9090",
			},
		},
		{
			name: "custom values",
			env: map[string]string{
				"BILLING_HOST":             "localhost",
				"BILLING_PORT":             "3000",
				"BILLING_READ_TIMEOUT":     "30s",
				"BILLING_WRITE_TIMEOUT":    "30s",
				"BILLING_IDLE_TIMEOUT":     "120s",
				"BILLING_SHUTDOWN_TIMEOUT": "60s",
				"BILLING_HEALTH_PORT":      "9091",
			},
			want: ServerConfig{
				Host:            "localhost",
				Port:            "3000",
				ReadTimeout:     30 * time.Second,
				WriteTimeout:    30 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 60 * time.Second,
				HealthPort:      "9091",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range envVars {
				os.Unsetenv(k)
			}
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			got := loadServerConfig()
			if got != tt.want {
				t.Errorf("loadServerConfig() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

// TestLoadWebhookConfig tests the loadWebhookConfig function
func TestLoadWebhookConfig(t *testing.T) {
	envVars := []string{
		"BILLING_WEBHOOK_SECRET",
		"BILLING_WEBHOOK_RETRY_MAX_ATTEMPTS",
		"BILLING_WEBHOOK_RETRY_INITIAL_DELAY",
		"BILLING_WEBHOOK_RETRY_MAX_DELAY",
		"BILLING_WEBHOOK_RETRY_BACKOFF_MULTIPLIER",
	}
	originalEnv := make(map[string]string)
	for _, k := range envVars {
		originalEnv[k] = os.Getenv(k)
	}
	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	t.Run("defaults", func(t *testing.T) {
		for _, k := range envVars {
			os.Unsetenv(k)
		}

		cfg := loadWebhookConfig()
		if cfg.RetryMaxAttempts != 5 {
			t.Errorf("RetryMaxAttempts = %v, want 5", cfg.RetryMaxAttempts)
		}
		if cfg.RetryInitialDelay != 1*time.Minute {
			t.Errorf("RetryInitialDelay = %v, want 1m", cfg.RetryInitialDelay)
		}
		if cfg.RetryMaxDelay != 6*time.Hour {
			t.Errorf("RetryMaxDelay = %v, want 6h", cfg.RetryMaxDelay)
		}
		if cfg.RetryBackoffMultiplier != 2.0 {
			t.Errorf("RetryBackoffMultiplier = %v, want 2.0", cfg.RetryBackoffMultiplier)
		}
	})

	t.Run("custom values", func(t *testing.T) {
		for _, k := range envVars {
			os.Unsetenv(k)
		}

		os.Setenv("BILLING_WEBHOOK_SECRET", "whsec_abc")
		os.Setenv("BILLING_WEBHOOK_RETRY_MAX_ATTEMPTS", "3")
		os.Setenv("BILLING_WEBHOOK_RETRY_INITIAL_DELAY", "30s")
		os.Setenv("BILLING_WEBHOOK_RETRY_MAX_DELAY", "1h")
		os.Setenv("BILLING_WEBHOOK_RETRY_BACKOFF_MULTIPLIER", "1.5")

		cfg := loadWebhookConfig()
		if cfg.Secret != "whsec_abc" {
			t.Errorf("Secret = %v, want whsec_abc", cfg.Secret)
		}
		if cfg.RetryMaxAttempts != 3 {
			t.Errorf("RetryMaxAttempts = %v, want 3", cfg.RetryMaxAttempts)
		}
		if cfg.RetryInitialDelay != 30*time.Second {
			t.Errorf("RetryInitialDelay = %v, want 30s", cfg.RetryInitialDelay)
		}
		if cfg.RetryMaxDelay != 1*time.Hour {
			t.Errorf("RetryMaxDelay = %v, want 1h", cfg.RetryMaxDelay)
		}
		if cfg.RetryBackoffMultiplier != 1.5 {
			t.Errorf("RetryBackoffMultiplier = %v, want 1.5", cfg.RetryBackoffMultiplier)
		}
	})
}

// TestConfigValidate tests the Config.Validate method
func TestConfigValidate(t *testing.T) {
	validConfig := func() Config {
		cfg := Config{
			Server: ServerConfig{
				Port:       "8080",
				HealthPort: "9090",
			},
			Redis: RedisConfig{
				Addr:    "localhost:6379",
				Enabled: true,
			},
			Webhook: WebhookConfig{
				Secret:                 "whsec_abc",
				RetryMaxAttempts:       5,
				RetryBackoffMultiplier: 2.0,
			},
		}
		cfg.Database.URL = "postgres://localhost/billing"
		return cfg
	}

	t.Run("valid config", func(t *testing.T) {
		cfg := validConfig()
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error = %v", err)
		}
	})

	t.Run("missing server port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Port = ""
		err := cfg.Validate()
		if err == nil {
			t.Error("Validate() expected error, got nil")
		}
		if err != nil && err.Error() != "server port is required" {
			t.Errorf("Validate() error = %v, want 'server port is required'", err.Error())
		}
	})

	t.Run("same server and health port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.HealthPort = "8080"
		err := cfg.Validate()
		if err == nil {
			t.Error("Validate() expected error, got nil")
		}
		if err != nil && err.Error() != "server port and health port must be different" {
			t.Errorf("Validate() error = %v, want 'server port and health port must be different'", err.Error())
		}
	})

	t.Run("missing database url", func(t *testing.T) {
		cfg := validConfig()
		cfg.Database.URL = ""
		err := cfg.Validate()
		if err == nil {
			t.Error("Validate() expected error, got nil")
		}
		if err != nil && err.Error() != "database URL is required" {
			t.Errorf("Validate() error = %v, want 'database URL is required'", err.Error())
		}
	})

	t.Run("cache enabled without redis addr", func(t *testing.T) {
		cfg := validConfig()
		cfg.Redis.Addr = ""
		err := cfg.Validate()
		if err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("cache disabled without redis addr is fine", func(t *testing.T) {
		cfg := validConfig()
		cfg.Redis.Addr = ""
		cfg.Redis.Enabled = false
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error = %v", err)
		}
	})

	t.Run("missing webhook secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Webhook.Secret = ""
		err := cfg.Validate()
		if err == nil {
			t.Error("Validate() expected error, got nil")
		}
		if err != nil && err.Error() != "webhook secret is required" {
			t.Errorf("Validate() error = %v, want 'webhook secret is required'", err.Error())
		}
	})

	t.Run("invalid retry attempts", func(t *testing.T) {
		cfg := validConfig()
		cfg.Webhook.RetryMaxAttempts = 0
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})

	t.Run("invalid backoff multiplier", func(t *testing.T) {
		cfg := validConfig()
		cfg.Webhook.RetryBackoffMultiplier = 0.5
		if err := cfg.Validate(); err == nil {
			t.Error("Validate() expected error, got nil")
		}
	})
}

// TestLoadConfig tests the LoadConfig function
func TestLoadConfig(t *testing.T) {
	envVars := []string{
		"BILLING_PORT",
		"BILLING_HEALTH_PORT",
		"BILLING_DATABASE_URL",
		"BILLING_REDIS_ADDR",
		"BILLING_CACHE_ENABLED",
		"BILLING_WEBHOOK_SECRET",
	}
	originalEnv := make(map[string]string)
	for _, k := range envVars {
		originalEnv[k] = os.Getenv(k)
	}
	defer func() {
		for k, v := range originalEnv {
			if v == "" {
				os.Unsetenv(k)
			} else {
				os.Setenv(k, v)
			}
		}
	}()

	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
	}{
		{
			name: "valid config",
			env: map[string]string{
				"BILLING_DATABASE_URL":   "postgres://localhost/billing",
				"BILLING_REDIS_ADDR":     "localhost:6379",
				"BILLING_WEBHOOK_SECRET": "whsec_abc",
			},
			wantErr: false,
		},
		{
			name: "missing database url",
			env: map[string]string{
				"BILLING_REDIS_ADDR":     "localhost:6379",
				"BILLING_WEBHOOK_SECRET": "whsec_abc",
			},
			wantErr: true,
		},
		{
			name: "invalid config - same ports",
			env: map[string]string{
				"BILLING_PORT":           "8080",
				"BILLING_HEALTH_PORT":    "8080",
				"BILLING_DATABASE_URL":   "postgres://localhost/billing",
				"BILLING_REDIS_ADDR":     "localhost:6379",
				"BILLING_WEBHOOK_SECRET": "whsec_abc",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range envVars {
				os.Unsetenv(k)
			}
			for k, v := range tt.env {
				os.Setenv(k, v)
			}

			cfg, err := LoadConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("LoadConfig() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && cfg == nil {
				t.Error("LoadConfig() returned nil config without error")
			}
		})
	}
}
