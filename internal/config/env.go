package config

import (
	"os"
	"strconv"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use the MERCHANT_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "MERCHANT_SERVER_ADDRESS")
	setIfEnv(&c.Logging.Level, "MERCHANT_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "MERCHANT_LOG_FORMAT")
	setIfEnv(&c.Currency, "MERCHANT_CURRENCY")
	setIfEnv(&c.Database.Backend, "MERCHANT_DB_BACKEND")
	setIfEnv(&c.Database.PostgresURL, "MERCHANT_DB_POSTGRES_URL")
	setDurationIfEnv(&c.Pay.Timeout, "MERCHANT_PAY_TIMEOUT")
	setBoolIfEnv(&c.Exchanges.ForceAudit, "MERCHANT_FORCE_AUDIT")
}

func setIfEnv(target *string, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		*target = value
	}
}

func setDurationIfEnv(target *Duration, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			target.Duration = parsed
		}
	}
}

func setBoolIfEnv(target *bool, key string) {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}
