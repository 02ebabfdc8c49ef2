// Package app wires the stores, dispatch queue and services shared by the
// API server and the retry worker.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/auditrelay/internal/audit"
	"github.com/jmerrifield20/auditrelay/internal/config"
	"github.com/jmerrifield20/auditrelay/internal/queue"
	"github.com/jmerrifield20/auditrelay/internal/server"
	"github.com/jmerrifield20/auditrelay/internal/webhooks"
	"go.uber.org/zap"
)

// App holds the long-lived dependencies of one process.
type App struct {
	DB       *pgxpool.Pool
	Queue    queue.Queue
	Audit    *audit.Service
	Webhooks *webhooks.Service
	logger   *zap.Logger
}

// New connects to Postgres and the dispatch queue and builds the services.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	policy, err := webhooks.ParseSuccessPolicy(cfg.Webhooks.SuccessPolicy)
	if err != nil {
		return nil, err
	}

	// ── Database ─────────────────────────────────────────────────────────────
	db, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("connected to postgres")

	// ── Dispatch queue ───────────────────────────────────────────────────────
	q, err := queue.New(queue.Config{
		Driver:   cfg.Queue.Driver,
		RedisURL: cfg.Queue.RedisURL,
		Key:      cfg.Queue.Key,
		Workers:  cfg.Queue.Workers,
		Buffer:   cfg.Queue.Buffer,
	}, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("dispatch queue: %w", err)
	}
	logger.Info("dispatch queue ready", zap.String("driver", cfg.Queue.Driver))

	// ── Webhooks ─────────────────────────────────────────────────────────────
	whSvc := webhooks.NewService(webhooks.NewPostgresStore(db, logger), logger)
	whSvc.SetDispatcher(q)
	whSvc.SetSuccessPolicy(policy)
	whSvc.SetTimeout(cfg.Webhooks.Timeout)
	whSvc.SetEndpointCache(cfg.Webhooks.EndpointCacheSize, cfg.Webhooks.EndpointCacheTTL)
	whSvc.SetMetricsRecorder(server.RecordWebhookDelivery)
	whSvc.SetSweepConfig(webhooks.SweepConfig{
		BatchSize:    cfg.Sweeper.BatchSize,
		Concurrency:  cfg.Sweeper.Concurrency,
		StalledAfter: cfg.Sweeper.StalledAfter,
	})

	// ── Audit ────────────────────────────────────────────────────────────────
	auditSvc := audit.NewService(audit.NewPostgresStore(db, logger), logger)
	auditSvc.SetPublisher(whSvc)
	auditSvc.SetStrict(cfg.Audit.Strict)
	auditSvc.SetRecordedFunc(server.RecordAuditEvent)

	return &App{DB: db, Queue: q, Audit: auditSvc, Webhooks: whSvc, logger: logger}, nil
}

// Checks returns the readiness probes for the process's dependencies.
func (a *App) Checks() map[string]server.CheckFunc {
	checks := map[string]server.CheckFunc{"postgres": a.DB.Ping}
	if p, ok := a.Queue.(interface{ Ping(context.Context) error }); ok {
		checks["queue"] = p.Ping
	}
	return checks
}

// DeliveryStats adapts webhook delivery counts for the audit stats endpoint.
func (a *App) DeliveryStats(ctx context.Context, orgID string, start, end time.Time) (map[string]int, error) {
	return a.Webhooks.GetDeliveryStats(ctx, orgID, &start, &end)
}

// Consume runs the dispatch queue's workers until ctx is cancelled.
func (a *App) Consume(ctx context.Context) {
	if err := a.Queue.Run(ctx, a.Webhooks.HandleMessage); err != nil {
		a.logger.Error("dispatch queue stopped", zap.Error(err))
	}
}

// Close releases the queue and database connections.
func (a *App) Close() {
	if c, ok := a.Queue.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn("close dispatch queue", zap.Error(err))
		}
	}
	a.DB.Close()
}
