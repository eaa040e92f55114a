// Package config defines the service configuration. Values are loaded once
// at process start from the environment (with a .env file as fallback for
// local development) and are immutable thereafter.
//
// Billing and store secrets are deliberately NOT fail-fast: their absence is
// logged at startup and surfaces as a 500 on first use, so the process can
// still come up (and serve health checks) in partially configured
// environments.
package config

import (
	"time"

	"subsync/internal/types"
)

// SecretString aliases the redacted secret type so config consumers do not
// need to import types for the common case.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the subsets they require.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"subsync"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	Server   ServerConfig
	Database DatabaseConfig
	Billing  BillingConfig
	Identity IdentityConfig
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds the store connection URL, the service credential used
// for privileged (row-level-security-bypassing) access, and pool tuning.
type DatabaseConfig struct {
	URL        SecretString `envconfig:"DATABASE_URL"`
	ServiceKey SecretString `envconfig:"DATABASE_SERVICE_KEY"`

	MaxConns        int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns        int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
}

// BillingConfig holds Stripe credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
}

// IdentityConfig holds the shared secret used to verify caller identity
// tokens issued by the external identity provider.
type IdentityConfig struct {
	TokenSecret SecretString `envconfig:"IDENTITY_TOKEN_SECRET"`
}

// MissingSecrets returns the names of required secret values that are unset.
// The loader logs these at startup; components return a 500-class
// config_missing_secret error when first asked to use one.
func (c *Config) MissingSecrets() []string {
	var missing []string
	if c.Billing.StripeSecretKey.IsZero() {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if c.Billing.StripeWebhookSecret.IsZero() {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if c.Database.URL.IsZero() {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Database.ServiceKey.IsZero() {
		missing = append(missing, "DATABASE_SERVICE_KEY")
	}
	return missing
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	// ErrParsing indicates envconfig failed to parse a value into its
	// target type.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
	// ErrValidation indicates the configuration failed struct validation.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
)
