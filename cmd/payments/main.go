package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crosspay/internal/chain/evm"
	"crosspay/internal/common/database"
	"crosspay/internal/common/metrics"
	"crosspay/internal/common/middleware"
	"crosspay/internal/common/nats"
	"crosspay/internal/payment"
	"crosspay/internal/payment/adapters"
	"crosspay/internal/payment/api"
	"crosspay/internal/payment/engine"
	"crosspay/internal/providers/bridge"
)

// Config holds service configuration
type Config struct {
	Port        int      `envconfig:"PAYMENTS_PORT" default:"8090"`
	Environment string   `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string   `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat   string   `envconfig:"LOG_FORMAT" default:"json"`
	Storage     string   `envconfig:"PAYMENTS_STORAGE" default:"postgres"`
	CORSOrigins []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	// APIKeys are "client=key" pairs.
	APIKeys        []string      `envconfig:"PAYMENTS_API_KEYS" required:"true"`
	IdempotencyTTL time.Duration `envconfig:"PAYMENTS_IDEMPOTENCY_TTL" default:"24h"`

	Database database.Config
	NATS     nats.Config
	KV       adapters.KVConfig
	Bridge   bridge.Config
	EVM      evm.Config
	Engine   engine.Config
	Payment  payment.Config
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("payments service failed", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	apiKeys, err := middleware.StaticKeys(cfg.APIKeys)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(registry)

	natsClient, err := nats.New(ctx, cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer natsClient.Close()

	if _, err := natsClient.EnsureStream(ctx, nats.DefaultStreamConfig(cfg.NATS.Stream, []string{cfg.NATS.SubjectPrefix + ".>"})); err != nil {
		return err
	}
	publisher := nats.NewPublisher(natsClient.JetStream(), cfg.NATS.SubjectPrefix, logger)

	var (
		storage adapters.AsyncStorage
		checks  = []func(context.Context) error{func(context.Context) error { return natsClient.HealthCheck() }}
	)
	switch cfg.Storage {
	case "postgres":
		if cfg.Database.AutoMigrate {
			if err := database.Migrate(cfg.Database.URL, logger); err != nil {
				return err
			}
		}
		db, err := database.New(ctx, cfg.Database, logger)
		if err != nil {
			return err
		}
		defer db.Close()
		storage = adapters.NewPostgresStorage(db)
		checks = append(checks, db.HealthCheck)
	case "kv":
		kv, err := adapters.NewKVStorage(ctx, natsClient.JetStream(), cfg.KV)
		if err != nil {
			return err
		}
		storage = kv
	case "memory":
		storage = adapters.NewMemoryStorage()
	default:
		return fmt.Errorf("unknown storage backend %q", cfg.Storage)
	}

	chains, err := evm.Dial(ctx, cfg.EVM, logger)
	if err != nil {
		return err
	}
	defer chains.Close()

	keyring, err := evm.NewKeyring(cfg.EVM.PrivateKeys, chains)
	if err != nil {
		return err
	}
	logger.Info("server wallets loaded", "addresses", keyring.Addresses())

	bridgeClient := bridge.NewClient(cfg.Bridge, logger)
	executor := engine.New(
		cfg.Engine,
		evm.NewConfirmer(chains, cfg.EVM.ReceiptPollInterval, logger),
		bridgeClient,
		bridgeClient,
		recorder,
		logger,
	)

	service := payment.NewService(cfg.Payment, bridgeClient, executor, storage, publisher, logger)
	service.SetAccounts(keyring)
	service.SetBalances(evm.NewBalances(chains))
	service.SetMetrics(recorder)

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.CORS(cfg.CORSOrigins))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		for _, check := range checks {
			if err := check(r.Context()); err != nil {
				logger.Warn("health check failed", "error", err)
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"unhealthy"}`))
				return
			}
		}
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	})
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	r.Route("/api/v1/payments", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(apiKeys))
		r.Use(middleware.Idempotency(adapters.NewIdempotencyStore(storage), cfg.IdempotencyTTL, logger))
		r.Mount("/", api.NewHandler(service, logger).Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting payments service",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"storage", cfg.Storage,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}
	if err := service.Shutdown(shutdownCtx); err != nil {
		logger.Error("payment service shutdown error", "error", err)
	}
	return nil
}

func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With("service", "payments")
}
