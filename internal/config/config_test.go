package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
database:
  backend: memory
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":8888" {
		t.Errorf("address = %q, want :8888", cfg.Server.Address)
	}
	if cfg.Currency != "EUR" {
		t.Errorf("currency = %q, want EUR", cfg.Currency)
	}
	if cfg.Pay.MaxLongPollTimeout.Duration != 10*time.Minute {
		t.Errorf("max long poll = %v, want 10m", cfg.Pay.MaxLongPollTimeout.Duration)
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.Limit != 1000 {
		t.Errorf("rate limit = %+v, want enabled with limit 1000", cfg.RateLimit)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
server:
  address: ":9999"
  read_timeout: 5s
currency: KUDOS
database:
  backend: memory
pay:
  timeout: 45s
  max_long_poll_timeout: 2m
instances:
  - id: tipshop
    priv_seed: dGlwc2hvcC1zZWVkLXRpcHNob3Atc2VlZC10aXA
    wire_methods:
      - method: x-taler-bank
        j_wire: '{"type":"x-taler-bank"}'
        salt: pepper
        active: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":9999" {
		t.Errorf("address = %q, want :9999", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout.Duration != 5*time.Second {
		t.Errorf("read timeout = %v, want 5s", cfg.Server.ReadTimeout.Duration)
	}
	if cfg.Currency != "KUDOS" {
		t.Errorf("currency = %q, want KUDOS", cfg.Currency)
	}
	if cfg.Pay.Timeout.Duration != 45*time.Second {
		t.Errorf("pay timeout = %v, want 45s", cfg.Pay.Timeout.Duration)
	}
	if len(cfg.Instances) != 1 || cfg.Instances[0].ID != "tipshop" {
		t.Fatalf("instances = %+v, want one tipshop entry", cfg.Instances)
	}
	if len(cfg.Instances[0].WireMethods) != 1 || !cfg.Instances[0].WireMethods[0].Active {
		t.Errorf("wire methods = %+v, want one active entry", cfg.Instances[0].WireMethods)
	}
}

func TestDurationAsSeconds(t *testing.T) {
	path := writeConfig(t, `
database:
  backend: memory
pay:
  timeout: 90
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Pay.Timeout.Duration != 90*time.Second {
		t.Errorf("pay timeout = %v, want 90s from a bare number", cfg.Pay.Timeout.Duration)
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeConfig(t, `
database:
  backend: memory
`)
	t.Setenv("MERCHANT_SERVER_ADDRESS", ":7777")
	t.Setenv("MERCHANT_CURRENCY", "CHF")
	t.Setenv("MERCHANT_PAY_TIMEOUT", "12s")
	t.Setenv("MERCHANT_FORCE_AUDIT", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Address != ":7777" {
		t.Errorf("address = %q, want :7777", cfg.Server.Address)
	}
	if cfg.Currency != "CHF" {
		t.Errorf("currency = %q, want CHF", cfg.Currency)
	}
	if cfg.Pay.Timeout.Duration != 12*time.Second {
		t.Errorf("pay timeout = %v, want 12s", cfg.Pay.Timeout.Duration)
	}
	if !cfg.Exchanges.ForceAudit {
		t.Error("force audit not enabled from environment")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"postgres without url",
			"database:\n  backend: postgres\n",
			"postgres_url required",
		},
		{
			"unknown backend",
			"database:\n  backend: sqlite\n",
			"unknown database backend",
		},
		{
			"empty currency",
			"currency: \"\"\ndatabase:\n  backend: memory\n",
			"currency must be set",
		},
		{
			"duplicate instance",
			"database:\n  backend: memory\ninstances:\n  - id: shop\n    priv_seed: c2VlZA\n  - id: shop\n    priv_seed: c2VlZA\n",
			"duplicate instance id",
		},
		{
			"instance without seed",
			"database:\n  backend: memory\ninstances:\n  - id: shop\n",
			"priv_seed required",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.yaml))
			if err == nil {
				t.Fatal("load succeeded, want error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error = %v, want mention of %q", err, tc.wantErr)
			}
		})
	}
}
