package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditrelay/internal/app"
	"github.com/jmerrifield20/auditrelay/internal/audit"
	"github.com/jmerrifield20/auditrelay/internal/auth"
	"github.com/jmerrifield20/auditrelay/internal/config"
	"github.com/jmerrifield20/auditrelay/internal/server"
	"github.com/jmerrifield20/auditrelay/internal/webhooks"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync() //nolint:errcheck

	if err := run(logger); err != nil {
		logger.Fatal("server exited with error", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	// ── Configuration ────────────────────────────────────────────────────────
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

	// ── Auth ─────────────────────────────────────────────────────────────────
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("auth.jwt_secret: %w", err)
	}

	// ── Handlers ─────────────────────────────────────────────────────────────
	whHandler := webhooks.NewHandler(a.Webhooks, issuer, a.Audit, logger)
	auditHandler := audit.NewHandler(a.Audit, issuer, logger)
	auditHandler.SetDeliveryStats(a.DeliveryStats)

	var root []server.Registrar
	if cfg.Cron.Secret != "" {
		root = append(root, webhooks.NewCronHandler(a.Webhooks, cfg.Cron.Secret, a.Audit, logger))
	} else {
		logger.Warn("cron.secret not set; /cron/webhook-retries disabled")
	}

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := server.NewRouter(ctx, server.Options{
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimitRPS: cfg.Server.RateLimitRPS,
		Checks:       a.Checks(),
	}, logger, []server.Registrar{whHandler, auditHandler}, root...)

	// ── Background: dispatch workers and retry sweeper ───────────────────────
	// Both must finish before the deferred a.Close releases the pool.
	bgCtx, cancelBackground := context.WithCancel(ctx)
	var background sync.WaitGroup
	defer func() {
		cancelBackground()
		background.Wait()
	}()

	background.Go(func() { a.Consume(bgCtx) })

	if cfg.Sweeper.Enabled {
		sw := webhooks.NewSweeper(a.Webhooks, cfg.Sweeper.Interval, logger)
		sw.SetSweepFunc(server.RecordSweep)
		background.Go(func() { sw.Run(bgCtx) })
		logger.Info("retry sweeper started", zap.Duration("interval", cfg.Sweeper.Interval))
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("auditrelay HTTP listening", zap.Int("port", cfg.Server.Port))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("http listen: %w", err)
	}
	logger.Info("shutting down auditrelay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown error", zap.Error(err))
	}

	logger.Info("waiting for in-flight deliveries")
	background.Wait()
	logger.Info("auditrelay stopped")
	return nil
}
