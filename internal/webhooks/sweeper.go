package webhooks

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SweepFunc is an optional callback invoked after every sweep.
type SweepFunc func(report RetryReport, err error)

// Sweeper runs ProcessPendingRetries on a fixed interval. Runs never overlap:
// a sweep that is still going when the next tick fires causes that tick to
// be skipped.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	onSweep  SweepFunc
	running  sync.Mutex
	logger   *zap.Logger
}

// NewSweeper creates a Sweeper. interval defaults to one minute.
func NewSweeper(svc *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{svc: svc, interval: interval, logger: logger}
}

// SetSweepFunc configures the post-sweep callback.
func (sw *Sweeper) SetSweepFunc(fn SweepFunc) {
	sw.onSweep = fn
}

// Run sweeps every interval until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sw.SweepOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// SweepOnce runs a single sweep unless one is already in progress. It
// reports whether a sweep ran.
func (sw *Sweeper) SweepOnce(ctx context.Context) bool {
	if !sw.running.TryLock() {
		sw.logger.Debug("webhook: sweep already running, skipping")
		return false
	}
	defer sw.running.Unlock()

	report, err := sw.svc.ProcessPendingRetries(ctx)
	if err != nil {
		sw.logger.Error("webhook: retry sweep", zap.Error(err))
	}
	if sw.onSweep != nil {
		sw.onSweep(report, err)
	}
	return true
}
