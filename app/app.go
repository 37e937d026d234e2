// Package app wires configuration into the payroll services shared by the
// API server and payrollctl.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"payrollbridge/config"
	"payrollbridge/db"
	"payrollbridge/deel"
	"payrollbridge/harvest"
	"payrollbridge/ledger"
	"payrollbridge/metrics"
	"payrollbridge/notify"
	"payrollbridge/payee"
	"payrollbridge/payroll"
	"payrollbridge/rates"
	"payrollbridge/timesheet"
)

// App holds the long-lived services built from one Config.
type App struct {
	Config       config.Config
	Pool         *pgxpool.Pool
	Ledger       *ledger.PGStore
	Payees       *payee.PGDirectory
	Orchestrator *payroll.Orchestrator
	Confirmer    *payroll.Confirmer
	Syncer       *payee.Syncer
	Metrics      *metrics.Recorder
	// Notifier is nil when no Slack webhook is configured.
	Notifier *notify.SlackNotifier

	redis *redis.Client
}

// Open connects to Postgres and applies migrations. Payment services are not
// built, so it serves read-only and directory commands without provider secrets.
func Open(ctx context.Context, cfg config.Config) (*App, error) {
	if cfg.DatabaseURL == "" {
		return nil, errors.New("app: DATABASE_URL is required")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.MaxDBConns})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	a := &App{
		Config:  cfg,
		Pool:    pool,
		Ledger:  ledger.NewPGStore(pool, cfg.LedgerPolicy()),
		Payees:  payee.NewPGDirectory(pool),
		Metrics: metrics.NewRecorder(),
	}
	if cfg.SlackWebhookURL != "" {
		a.Notifier = notify.NewSlackNotifier(cfg.SlackWebhookURL)
	}
	return a, nil
}

// Build opens the database and wires the full run and confirmation pipeline.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a, err := Open(ctx, cfg)
	if err != nil {
		return nil, err
	}

	harvestClient, err := harvest.NewClient(harvest.Config{
		BaseURL:   cfg.HarvestBaseURL,
		AccountID: cfg.HarvestAccountID,
		Token:     cfg.HarvestToken,
		UserAgent: cfg.HarvestUserAgent,
		Currency:  cfg.PayoutCurrency,
		Logger:    logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	deelClient, err := deel.NewClient(deel.Config{
		BaseURL:           cfg.DeelBaseURL,
		Token:             cfg.DeelToken,
		RequestsPerSecond: cfg.DeelRequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	var rateSource rates.Source = harvestClient
	if cfg.RedisURL != "" {
		client, err := rates.Connect(ctx, cfg.RedisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		rateSource = rates.NewRedisCache(client, harvestClient, cfg.RateCache, logger)
	}
	if len(cfg.RateOverrides) > 0 {
		rateSource = rates.NewOverlay(rates.NewStaticSource(cfg.RateOverrides), rateSource)
	}
	resolver, err := rates.NewResolver(rateSource, cfg.PayoutCurrency,
		rates.WithTimeout(cfg.RateTimeout),
		rates.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("app: %w", err)
	}

	aggregator := timesheet.NewAggregator(harvestClient,
		timesheet.WithTimeout(cfg.FetchTimeout),
		timesheet.WithLogger(logger),
	)
	payees := payee.Chain{payee.NewStaticDirectory(cfg.PayeeOverrides), a.Payees}

	a.Orchestrator = payroll.NewOrchestrator(aggregator, resolver, payees, deelClient, a.Ledger, cfg.Orchestrator(),
		payroll.WithMetrics(a.Metrics),
		payroll.WithLogger(logger),
	)
	a.Confirmer = payroll.NewConfirmer(a.Ledger, deelClient, cfg.SubmitTimeout, logger)
	a.Syncer = payee.NewSyncer(harvestClient, deelClient, a.Payees,
		payee.NewMatcher(cfg.MatchAutoAccept, cfg.MatchReview), logger)
	return a, nil
}

func (a *App) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.Pool != nil {
		a.Pool.Close()
	}
}
