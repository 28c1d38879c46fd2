package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8888",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 60 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Currency: "EUR",
		Database: DatabaseConfig{
			Backend: "postgres",
		},
		Pay: PayConfig{
			Timeout:            Duration{Duration: 30 * time.Second},
			MaxLongPollTimeout: Duration{Duration: 10 * time.Minute},
		},
		Exchanges: ExchangesConfig{
			KeysTTL: Duration{Duration: 15 * time.Minute},
			Timeout: Duration{Duration: 30 * time.Second},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Limit:   1000,
			Window:  Duration{Duration: time.Minute},
		},
	}
}

func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// finalize validates the aggregated configuration.
func (c *Config) finalize() error {
	if c.Currency == "" {
		return fmt.Errorf("config: currency must be set")
	}
	switch c.Database.Backend {
	case "postgres":
		if c.Database.PostgresURL == "" {
			return fmt.Errorf("config: database.postgres_url required for postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown database backend %q", c.Database.Backend)
	}
	if c.Pay.Timeout.Duration <= 0 {
		return fmt.Errorf("config: pay.timeout must be positive")
	}
	seen := make(map[string]bool)
	for _, inst := range c.Instances {
		if inst.ID == "" {
			return fmt.Errorf("config: instance id must not be empty")
		}
		if seen[inst.ID] {
			return fmt.Errorf("config: duplicate instance id %q", inst.ID)
		}
		seen[inst.ID] = true
		if inst.PrivSeed == "" {
			return fmt.Errorf("config: instance %q: priv_seed required", inst.ID)
		}
		for _, wm := range inst.WireMethods {
			if wm.Method == "" || wm.JWire == "" {
				return fmt.Errorf("config: instance %q: wire method needs method and j_wire", inst.ID)
			}
		}
	}
	return nil
}
