// Package main is the entry point for the billing API server.
//
// It loads configuration, connects to Postgres and applies schema
// migrations, wires the Stripe client and the reconciliation engine, and
// serves HTTP until a shutdown signal arrives. Shutdown drains in-flight
// webhook reconciliations before the process exits.
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
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"subsync/internal/api/handlers"
	"subsync/internal/billing"
	"subsync/internal/config"
	"subsync/internal/core"
	"subsync/internal/db"
	"subsync/internal/external"
	"subsync/internal/identity"
)

// dispatchTimeout bounds a single webhook reconciliation, covering the
// Stripe round trip a lazy mapping repair can require.
const dispatchTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("subsync API starting",
		"environment", cfg.Environment,
		"service", cfg.Service,
		"port", cfg.Server.Port,
	)

	// Missing secrets degrade, not abort: the affected endpoint returns a
	// config error on first use while the rest of the service runs.
	for _, name := range cfg.MissingSecrets() {
		logger.Warn("secret not configured, dependent endpoints will fail", "secret", name)
	}

	var pool *pgxpool.Pool
	if !cfg.Database.URL.IsZero() {
		if err := db.Migrate(cfg.Database.URL.Unmask(), logger); err != nil {
			return fmt.Errorf("applying migrations: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err = db.NewPool(ctx, cfg.Database)
		cancel()
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer pool.Close()
	}

	// Repositories over the shared pool.
	customerRepo := db.NewCustomerMappingRepo(pool, logger)
	subscriptionRepo := db.NewSubscriptionRepo(pool, logger)
	orderRepo := db.NewOrderRepo(pool, logger)

	// Stripe client and webhook verifier.
	stripeClient := external.NewStripeClient(
		&http.Client{Timeout: 20 * time.Second},
		external.StripeClientConfig{
			SecretKey: cfg.Billing.StripeSecretKey,
			Logger:    logger,
		},
	)
	verifier := &external.StripeVerifier{}

	// Reconciliation engine behind the fire-and-forget dispatcher.
	reconciler := billing.NewReconciler(subscriptionRepo, orderRepo, customerRepo, stripeClient, logger)
	dispatcher := billing.NewDispatcher(reconciler, logger, dispatchTimeout)

	// Checkout path.
	tokens := identity.NewTokenResolver(cfg.Identity.TokenSecret)
	checkoutSvc := billing.NewCheckoutService(customerRepo, stripeClient, tokens, logger)

	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	checkoutHandler := handlers.NewCheckoutHandler(checkoutSvc, srv.Validator, logger)
	webhookHandler := handlers.NewWebhookHandler(verifier, dispatcher, cfg.Billing.StripeWebhookSecret, logger)

	srv.V1Registrars = append(srv.V1Registrars, checkoutHandler.RegisterRoutes)
	srv.PublicRegistrars = append(srv.PublicRegistrars, func(r chi.Router) {
		webhookHandler.RegisterRoutes(r)
	})
	if pool != nil {
		srv.HealthProbes = append(srv.HealthProbes, dbProbe{pool})
	}
	srv.MountRoutes()

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()

		logger.Info("initiating graceful shutdown")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
		// The listener is closed; no new events can arrive. Let in-flight
		// reconciliations finish before the pool closes.
		if err := dispatcher.Drain(shutdownCtx); err != nil {
			logger.Error("webhook dispatcher drain error", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped cleanly")
	return nil
}

// dbProbe reports database reachability for the health endpoint.
type dbProbe struct {
	pool *pgxpool.Pool
}

func (p dbProbe) Name() string { return "database" }

func (p dbProbe) Check(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// newLogger creates a structured JSON logger at the configured level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}
