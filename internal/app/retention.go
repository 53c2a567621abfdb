package app

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultRetentionDays = 90
	DefaultRetentionSpec = "0 3 * * *"
)

// SnapshotPruner drops snapshots older than a cutoff.
type SnapshotPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Retention prunes old snapshots on a cron schedule.
type Retention struct {
	l      *zap.Logger
	store  SnapshotPruner
	keep   time.Duration
	cron   *cron.Cron
	now    func() time.Time
	ctx    context.Context
	cancel context.CancelFunc
}

func NewRetention(l *zap.Logger, store SnapshotPruner, days int) *Retention {
	if days < 1 {
		days = DefaultRetentionDays
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Retention{
		l:      l,
		store:  store,
		keep:   time.Duration(days) * 24 * time.Hour,
		cron:   cron.New(cron.WithLocation(time.UTC)),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Prune deletes snapshots older than the retention period once.
func (r *Retention) Prune(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.keep)
	n, err := r.store.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "prune snapshots")
	}
	r.l.Info("old snapshots pruned", zap.Int("removed", n), zap.Time("cutoff", cutoff))
	return n, nil
}

// Start schedules Prune with a standard five-field cron spec.
func (r *Retention) Start(spec string) error {
	if spec == "" {
		spec = DefaultRetentionSpec
	}
	if _, err := r.cron.AddFunc(spec, func() {
		if _, err := r.Prune(r.ctx); err != nil {
			r.l.Error("snapshot retention failed", zap.Error(err))
		}
	}); err != nil {
		return errors.Wrapf(err, "invalid retention schedule %q", spec)
	}
	r.cron.Start()
	r.l.Info("snapshot retention scheduled", zap.String("spec", spec), zap.Duration("keep", r.keep))
	return nil
}

// Stop cancels a running prune and waits for it to return.
func (r *Retention) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}
