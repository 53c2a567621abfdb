package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.uber.org/zap"
)

const (
	DefaultInterval = time.Hour
	DefaultBackoff  = 60 * time.Second
)

// CycleResult is what one monitoring cycle produced.
type CycleResult struct {
	Capture CaptureStats
	Deltas  []domain.BalanceDelta
}

// Cycle captures all balances and detects changes inside window.
func (m *Monitor) Cycle(ctx context.Context, window time.Duration) (CycleResult, error) {
	stats, err := m.CaptureAll(ctx)
	if err != nil {
		return CycleResult{}, errors.Wrap(err, "capture snapshots")
	}
	deltas, err := m.DetectAllChanges(ctx, window)
	if err != nil {
		return CycleResult{Capture: stats}, errors.Wrap(err, "detect changes")
	}
	return CycleResult{Capture: stats, Deltas: deltas}, nil
}

// LoopConfig drives Run.
type LoopConfig struct {
	Interval time.Duration
	Backoff  time.Duration
}

// Run calls cycle every Interval until ctx is cancelled. A failing or panicking
// cycle is logged and retried after Backoff. Cancellation is checked between cycles.
func Run(ctx context.Context, l *zap.Logger, cfg LoopConfig, cycle func(ctx context.Context) error) error {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = DefaultBackoff
	}

	l.Info("starting balance monitoring loop", zap.Duration("interval", interval), zap.Duration("backoff", backoff))

	for {
		if err := ctx.Err(); err != nil {
			l.Info("context done, stopping monitoring loop")
			return err
		}

		wait := interval
		if err := runCycle(ctx, cycle); err != nil {
			l.Error("monitoring cycle failed, backing off", zap.Error(err), zap.Duration("backoff", backoff))
			wait = backoff
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			l.Info("context done, stopping monitoring loop")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func runCycle(ctx context.Context, cycle func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("monitoring cycle panic: %v", r)
		}
	}()
	return cycle(ctx)
}
