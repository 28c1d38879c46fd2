package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   LoggingConfig    `yaml:"logging"`
	Currency  string           `yaml:"currency"`
	Database  DatabaseConfig   `yaml:"database"`
	Pay       PayConfig        `yaml:"pay"`
	Exchanges ExchangesConfig  `yaml:"exchanges"`
	Instances []InstanceConfig `yaml:"instances"`
	RateLimit RateLimitConfig  `yaml:"rate_limit"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	// MetricsAPIKey guards /metrics when non-empty.
	MetricsAPIKey string `yaml:"metrics_api_key"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Environment string `yaml:"environment"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	// Backend is "postgres" or "memory".
	Backend     string `yaml:"backend"`
	PostgresURL string `yaml:"postgres_url"`
}

// PayConfig tunes the payment state machine.
type PayConfig struct {
	// Timeout bounds the whole exchange interaction of one /pay request.
	Timeout Duration `yaml:"timeout"`
	// MaxLongPollTimeout caps client-supplied long-poll timeouts.
	MaxLongPollTimeout Duration `yaml:"max_long_poll_timeout"`
}

// ExchangesConfig configures outbound exchange interaction.
type ExchangesConfig struct {
	Trusted             []string `yaml:"trusted"`
	DeniedDenominations []string `yaml:"denied_denominations"`
	KeysTTL             Duration `yaml:"keys_ttl"`
	Timeout             Duration `yaml:"timeout"`
	// ForceAudit flags every deposit for auditor forwarding.
	ForceAudit bool `yaml:"force_audit"`
}

// InstanceConfig declares one merchant instance.
type InstanceConfig struct {
	ID string `yaml:"id"`
	// PrivSeed is the base64 (raw URL) Ed25519 seed of the instance key.
	PrivSeed    string             `yaml:"priv_seed"`
	WireMethods []WireMethodConfig `yaml:"wire_methods"`
}

// WireMethodConfig declares one bank-account target of an instance.
type WireMethodConfig struct {
	Method string `yaml:"method"`
	// JWire is the inline wire-detail JSON document.
	JWire  string `yaml:"j_wire"`
	Salt   string `yaml:"salt"`
	Active bool   `yaml:"active"`
}

// RateLimitConfig controls global request throttling.
type RateLimitConfig struct {
	Enabled bool     `yaml:"enabled"`
	Limit   int      `yaml:"limit"`
	Window  Duration `yaml:"window"`
}
