// Command sardisd runs the payment control plane: policy engine, mandate
// orchestrator, webhook ingress, audit ledger, and the /v2 API.
package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sardis-hq/sardis/pkg/api"
	"github.com/sardis-hq/sardis/pkg/approval"
	"github.com/sardis-hq/sardis/pkg/compliance"
	"github.com/sardis-hq/sardis/pkg/config"
	"github.com/sardis-hq/sardis/pkg/guardrail"
	"github.com/sardis-hq/sardis/pkg/idempotency"
	"github.com/sardis-hq/sardis/pkg/ledger"
	"github.com/sardis-hq/sardis/pkg/observability"
	"github.com/sardis-hq/sardis/pkg/orchestrator"
	"github.com/sardis-hq/sardis/pkg/payments"
	"github.com/sardis-hq/sardis/pkg/policy"
	"github.com/sardis-hq/sardis/pkg/provider"
	"github.com/sardis-hq/sardis/pkg/reconcile"
	"github.com/sardis-hq/sardis/pkg/store"
	"github.com/sardis-hq/sardis/pkg/wallet"
	"github.com/sardis-hq/sardis/pkg/webhook"

	_ "github.com/lib/pq" // postgres driver for the idempotency backend
)

func main() {
	if err := run(); err != nil {
		slog.Error("sardisd exited with error", "err", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}
	initLogger(cfg.LogLevel)

	profile, err := config.LoadProfile(cfg.ProfilePath, cfg.Environment)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:  "sardis",
		Environment:  cfg.Environment,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   1.0,
		BatchTimeout: 5 * time.Second,
		Enabled:      cfg.OTLPEndpoint != "",
		Insecure:     cfg.Environment != "production",
	})
	if err != nil {
		return err
	}
	defer func() { _ = telemetry.Shutdown(context.Background()) }()

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	journal, err := ledger.New(ctx, db)
	if err != nil {
		return err
	}
	anchorer, err := ledger.NewFileAnchorer(cfg.DatabasePath + ".anchors")
	if err != nil {
		return err
	}

	guard, err := guardrail.NewRegistry(ctx, db, journal)
	if err != nil {
		return err
	}
	trust, err := compliance.NewTrustStore(ctx, db)
	if err != nil {
		return err
	}

	var screener policy.Screener
	if url := os.Getenv("SCREENING_URL"); url != "" {
		screener = compliance.NewHTTPScreener(url, 5*time.Second)
	} else {
		// Development only: every mandate screens clear.
		screener = &compliance.StaticScreener{}
	}
	engine := policy.NewEngine(screener, trust, func(orgID string, o policy.Overreach) {
		_, _ = journal.Append(context.Background(), orgID, "policy.nl_overreach", o)
	})

	approvals, err := approval.NewManager(ctx, db, journal)
	if err != nil {
		return err
	}
	pay, err := payments.NewStore(ctx, db, journal)
	if err != nil {
		return err
	}
	holds, err := payments.NewHoldStore(ctx, db, journal)
	if err != nil {
		return err
	}
	wallets, err := wallet.NewDirectory(ctx, db)
	if err != nil {
		return err
	}
	counters := policy.NewCounterStore()

	idemStore, locker, err := buildIdempotency(ctx, cfg)
	if err != nil {
		return err
	}

	router, err := buildRouter(profile, telemetry)
	if err != nil {
		return err
	}

	inputs := orchestrator.NewInputs(wallets, guard, counters, engine, nil, nil)
	orch, err := orchestrator.New(ctx, orchestrator.DefaultConfig(), db, engine, inputs,
		approvals, pay, router, idemStore, locker, journal, guard, counters)
	if err != nil {
		return err
	}

	grace, err := profile.SecretRotationGrace()
	if err != nil {
		return err
	}
	if grace <= 0 {
		grace = time.Hour
	}
	secrets := webhook.NewSecretStore(grace, journal)
	loadWebhookSecrets(ctx, secrets)
	dedupe, err := webhook.NewDedupeStore(ctx, db)
	if err != nil {
		return err
	}
	ingress, err := webhook.NewIngress(secrets, dedupe, pay, locker,
		observability.NewIngressObserver(telemetry), journal)
	if err != nil {
		return err
	}

	recCfg := reconcile.DefaultConfig()
	if d, err := profile.DriftWindow(); err != nil {
		return err
	} else if d > 0 {
		recCfg.DriftWindow = d
	}
	if d, err := profile.SLANonCritical(); err != nil {
		return err
	} else if d > 0 {
		recCfg.SLANonCritical = d
	}
	reconciler, err := reconcile.New(ctx, recCfg, db, pay, router, journal)
	if err != nil {
		return err
	}

	server := api.NewServer(api.Deps{
		Orchestrator: orch,
		Payments:     pay,
		Holds:        holds,
		Approvals:    approvals,
		Ledger:       journal,
		Engine:       engine,
		Trust:        trust,
		Guard:        guard,
		Reconciler:   reconciler,
		Webhooks:     ingress,
		Secrets:      secrets,
		Telemetry:    telemetry,
	}, []byte(cfg.JWTSecret), 50, 100)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go runSweeps(ctx, guard, journal, anchorer, approvals, holds, idemStore, reconciler)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sardisd listening", "port", cfg.Port, "env", cfg.Environment)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful drain: stop accepting, let in-flight requests finish.
	slog.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func initLogger(level string) {
	var lvl slog.Level
	switch level {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
}

// buildIdempotency selects Postgres + Redis when configured, and falls back
// to the in-process implementations for single-node deployments.
func buildIdempotency(ctx context.Context, cfg *config.Config) (idempotency.Store, idempotency.Locker, error) {
	var idemStore idempotency.Store
	var locker idempotency.Locker

	if cfg.PostgresURL != "" {
		pgdb, err := sql.Open("postgres", cfg.PostgresURL)
		if err != nil {
			return nil, nil, err
		}
		if err := pgdb.PingContext(ctx); err != nil {
			return nil, nil, err
		}
		pg, err := idempotency.NewPostgresStore(ctx, pgdb)
		if err != nil {
			return nil, nil, err
		}
		idemStore = pg
	} else {
		idemStore = idempotency.NewMemoryStore()
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		locker = idempotency.NewRedisLocker(redis.NewClient(opts))
	} else {
		locker = idempotency.NewMemoryLocker()
	}
	return idemStore, locker, nil
}

// buildRouter assembles the adapters and capability matrix from the profile.
func buildRouter(profile *config.Profile, telemetry *observability.Provider) (*provider.Router, error) {
	ach := provider.NewACHTreasuryAdapter(provider.HTTPAdapterConfig{
		BaseURL: os.Getenv("ACH_PROVIDER_URL"),
		APIKey:  os.Getenv("ACH_PROVIDER_KEY"),
	})
	card := provider.NewCardIssuerAdapter(provider.HTTPAdapterConfig{
		BaseURL: os.Getenv("CARD_PROVIDER_URL"),
		APIKey:  os.Getenv("CARD_PROVIDER_KEY"),
	})
	chain := provider.NewStablecoinMPCAdapter(provider.HTTPAdapterConfig{
		BaseURL: os.Getenv("MPC_PROVIDER_URL"),
		APIKey:  os.Getenv("MPC_PROVIDER_KEY"),
	})

	routes := []provider.Route{
		{OrgID: "*", Rail: "ach", Currency: "USD", Primary: profile.Funding.PrimaryAdapter},
		{OrgID: "*", Rail: "card", Currency: "USD", Primary: card.Key()},
		{OrgID: "*", Rail: "stablecoin", Currency: "USD", Primary: chain.Key()},
		{OrgID: "*", Rail: "on_chain", Currency: "USD", Primary: chain.Key()},
	}
	if profile.Funding.FallbackAdapter != "" {
		routes[0].Fallback = []string{profile.Funding.FallbackAdapter}
	}

	return provider.NewRouter(
		[]provider.Adapter{ach, card, chain},
		routes,
		provider.DefaultBreakerConfig(),
		observability.NewDispatchObserver(telemetry),
	)
}

// loadWebhookSecrets installs per-provider signing secrets from env, e.g.
// WEBHOOK_SECRET_ACH_TREASURY for provider "ach_treasury".
func loadWebhookSecrets(ctx context.Context, secrets *webhook.SecretStore) {
	for _, p := range []string{"ach_treasury", "card_issuer", "stablecoin_mpc"} {
		env := "WEBHOOK_SECRET_" + strings.ToUpper(p)
		if v := os.Getenv(env); v != "" {
			secrets.Set(ctx, p, []byte(v))
		}
	}
}

// runSweeps drives the periodic background work. Degraded mode skips the
// non-critical sweeps; containment skips everything except ledger sealing.
func runSweeps(ctx context.Context, guard *guardrail.Registry, journal *ledger.Ledger,
	anchorer ledger.Anchorer, approvals *approval.Manager, holds *payments.HoldStore,
	idemStore idempotency.Store, reconciler *reconcile.Reconciler) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mode := guard.Mode()
		if mode == guardrail.ModeNormal {
			if _, err := approvals.ExpireSweep(ctx); err != nil {
				slog.Warn("approval sweep failed", "err", err)
			}
			if _, err := holds.ExpireSweep(ctx); err != nil {
				slog.Warn("hold sweep failed", "err", err)
			}
			if _, err := idemStore.Sweep(ctx); err != nil {
				slog.Warn("idempotency sweep failed", "err", err)
			}
			if _, _, err := reconciler.Run(ctx); err != nil {
				slog.Warn("reconciliation pass failed", "err", err)
			}
		}
		// Sealing runs in every mode; the audit trail stays anchored even
		// while the plane refuses new work.
		for _, org := range seenOrgs(ctx, journal) {
			if _, err := journal.SealBatch(ctx, org, anchorer); err != nil {
				slog.Warn("batch seal failed", "org_id", org, "err", err)
			}
		}
	}
}

func seenOrgs(ctx context.Context, journal *ledger.Ledger) []string {
	orgs, err := journal.Orgs(ctx)
	if err != nil {
		slog.Warn("org scan failed", "err", err)
		return nil
	}
	return orgs
}
