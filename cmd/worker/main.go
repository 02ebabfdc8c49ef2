// cmd/worker runs webhook retry sweeps on a cron schedule and consumes the
// dispatch queue. Run it alongside cmd/server when queue.driver is redis, or
// on its own in place of the server's built-in sweeper.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/jmerrifield20/auditrelay/internal/app"
	"github.com/jmerrifield20/auditrelay/internal/config"
	"github.com/jmerrifield20/auditrelay/internal/server"
	"github.com/jmerrifield20/auditrelay/internal/webhooks"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("worker exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load("auditrelay", logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	sw := webhooks.NewSweeper(a.Webhooks, cfg.Sweeper.Interval, logger)
	sw.SetSweepFunc(func(r webhooks.RetryReport, err error) {
		server.RecordSweep(r, err)
		if err == nil {
			logger.Info("retry sweep completed",
				zap.Int("due", r.Due),
				zap.Int("succeeded", r.Succeeded),
				zap.Int("rescheduled", r.Rescheduled),
				zap.Int("failed", r.Failed),
				zap.Int("stalled", r.Stalled),
				zap.Int("undispatched", r.Undispatched),
			)
		}
	})

	cl := cronLogger{logger.Sugar()}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(cfg.Cron.Schedule, func() { sw.SweepOnce(ctx) }); err != nil {
		return fmt.Errorf("schedule retry sweep %q: %w", cfg.Cron.Schedule, err)
	}
	c.Start()
	logger.Info("worker started", zap.String("schedule", cfg.Cron.Schedule))

	a.Consume(ctx)

	logger.Info("shutting down worker...")
	<-c.Stop().Done()
	logger.Info("worker stopped")
	return nil
}

// cronLogger routes robfig/cron's logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
