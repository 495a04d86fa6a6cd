// Package config defines the appserver configuration. Configuration is
// loaded once at process start and immutable thereafter, following 12-Factor
// principles: values come from the environment (optionally seeded from a
// .env file), and any missing required value or invalid format aborts
// startup (fail fast). Components receive only the config subsets they need.
package config

import (
	"time"

	"appserver/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used for sensitive configuration values.
type SecretString = types.SecretString

// Config is the top-level configuration struct for the appserver.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server    ServerConfig
	Database  DatabaseConfig
	Scheduler SchedulerConfig
	FCM       FCMConfig
	Email     EmailConfig
	Metrics   MetricsConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"SERVER_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"SERVER_WRITE_TIMEOUT" default:"30s"`
	ShutdownTimeout time.Duration `envconfig:"SERVER_SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// SchedulerConfig tunes the timer store dispatch loop.
type SchedulerConfig struct {
	// PollInterval is how often the dispatcher looks for due jobs.
	PollInterval time.Duration `envconfig:"SCHEDULER_POLL_INTERVAL" default:"1s"`
	// ClaimLimit caps how many due jobs one poll may claim.
	ClaimLimit int `envconfig:"SCHEDULER_CLAIM_LIMIT" default:"100" validate:"min=1"`
	// MaxConcurrent bounds the in-flight executions per dispatcher.
	MaxConcurrent int `envconfig:"SCHEDULER_MAX_CONCURRENT" default:"8" validate:"min=1"`
	// ClaimLease is how long a claimed job may run before a restarted
	// dispatcher considers it stale and releases it.
	ClaimLease time.Duration `envconfig:"SCHEDULER_CLAIM_LEASE" default:"5m"`
}

// FCMConfig holds Firebase Cloud Messaging settings.
type FCMConfig struct {
	// ProjectID is the Firebase project ID for the v1 send endpoint.
	ProjectID string `envconfig:"FCM_PROJECT_ID" validate:"required"`
	// AccessToken is the OAuth2 bearer token used when no ambient
	// credential helper is configured.
	AccessToken SecretString `envconfig:"FCM_ACCESS_TOKEN"`
	// Endpoint overrides the FCM base URL. Intended for tests and local
	// emulators.
	Endpoint string `envconfig:"FCM_ENDPOINT"`
}

// EmailConfig holds the email mirror channel settings.
type EmailConfig struct {
	// Enabled switches the email transmitter registration on.
	Enabled bool `envconfig:"EMAIL_ENABLED" default:"false"`
	// From is the verified SES sender address.
	From string `envconfig:"EMAIL_FROM" validate:"required_if=Enabled true,omitempty,email"`
	// ConfigSetName is the SES configuration set for tracking. Optional.
	ConfigSetName string `envconfig:"EMAIL_CONFIG_SET"`
	// Region is the AWS region for the SES client.
	Region string `envconfig:"AWS_REGION" default:"eu-west-1"`
}

// MetricsConfig holds delivery metrics settings.
type MetricsConfig struct {
	// Enabled switches CloudWatch delivery metrics on.
	Enabled bool `envconfig:"METRICS_ENABLED" default:"false"`
	// Region is the AWS region for the CloudWatch client.
	Region string `envconfig:"AWS_REGION" default:"eu-west-1"`
}
