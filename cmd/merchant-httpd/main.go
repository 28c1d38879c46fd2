package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/talerforge/merchant/internal/config"
	"github.com/talerforge/merchant/internal/exchange"
	"github.com/talerforge/merchant/internal/httpserver"
	"github.com/talerforge/merchant/internal/instance"
	"github.com/talerforge/merchant/internal/lifecycle"
	"github.com/talerforge/merchant/internal/logger"
	"github.com/talerforge/merchant/internal/longpoll"
	"github.com/talerforge/merchant/internal/metrics"
	"github.com/talerforge/merchant/internal/observability"
	"github.com/talerforge/merchant/internal/pay"
	"github.com/talerforge/merchant/internal/refund"
	"github.com/talerforge/merchant/internal/storage"
)

func main() {
	// .env is optional; real deployments configure via YAML + environment.
	_ = godotenv.Load()

	configPath := flag.String("config", defaultConfigPath(), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "merchant-httpd",
		Environment: cfg.Logging.Environment,
	})

	resources := lifecycle.NewManager()
	defer func() {
		if err := resources.Close(); err != nil {
			log.Error().Err(err).Msg("resource cleanup failed")
		}
	}()

	store, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("opening store failed")
	}
	resources.Register("store", store)

	instances, err := buildInstances(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("loading instances failed")
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)

	hub := longpoll.New(log)
	hub.OnSizeChange(func(n int) {
		metricsCollector.SuspendedConnections.Set(float64(n))
	})

	exClient := exchange.NewHTTPClient(exchange.Config{
		Currency:         cfg.Currency,
		TrustedExchanges: cfg.Exchanges.Trusted,
		KeysTTL:          cfg.Exchanges.KeysTTL.Duration,
		Timeout:          cfg.Exchanges.Timeout.Duration,
	}, log).WithMetrics(metricsCollector)
	auditor := exchange.NewAuditor(cfg.Exchanges.DeniedDenominations, cfg.Exchanges.ForceAudit)

	hooks := observability.NewRegistry(log)
	loggingHook := observability.NewLoggingHook(log)
	hooks.RegisterPaymentHook(loggingHook)
	hooks.RegisterRefundHook(loggingHook)

	paySvc := pay.NewService(store, exClient, auditor, hub, metricsCollector, cfg.Pay.Timeout.Duration).
		WithHooks(hooks)
	refundSvc := refund.NewService(store, exClient, hub, metricsCollector).
		WithHooks(hooks)

	server := httpserver.New(cfg, instances, paySvc, refundSvc, hub, store, metricsCollector, log)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("merchant backend listening")
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	// Suspended long-poll connections first: their handlers must return
	// before Shutdown can drain the listener.
	hub.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	log.Info().Msg("merchant backend stopped")
}

func defaultConfigPath() string {
	if p := os.Getenv("MERCHANT_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return "config.yaml"
	}
	return ""
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Backend {
	case "", "memory":
		return storage.NewMemStore(), nil
	case "postgres":
		return storage.NewPostgresStore(cfg.Database.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown database backend %q", cfg.Database.Backend)
	}
}

// buildInstances derives each configured instance's key pair and wire
// method hashes.
func buildInstances(cfg *config.Config) (*instance.Registry, error) {
	registry := instance.NewRegistry()
	for _, ic := range cfg.Instances {
		seed, err := base64.RawURLEncoding.DecodeString(ic.PrivSeed)
		if err != nil {
			return nil, fmt.Errorf("instance %q: decode seed: %w", ic.ID, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("instance %q: seed must be %d bytes", ic.ID, ed25519.SeedSize)
		}
		priv := ed25519.NewKeyFromSeed(seed)

		mi := &instance.Instance{
			ID:   ic.ID,
			Priv: priv,
			Pub:  priv.Public().(ed25519.PublicKey),
		}
		for _, wc := range ic.WireMethods {
			jWire := json.RawMessage(wc.JWire)
			hWire, err := instance.HashWireDetails(jWire, wc.Salt)
			if err != nil {
				return nil, fmt.Errorf("instance %q: wire method %q: %w", ic.ID, wc.Method, err)
			}
			mi.WireMethods = append(mi.WireMethods, instance.WireMethod{
				Method: wc.Method,
				JWire:  jWire,
				HWire:  hWire,
				Active: wc.Active,
			})
		}
		registry.Add(mi)
	}
	return registry, nil
}
