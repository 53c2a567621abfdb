package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/monitor"
	"github.com/vadiminshakov/balancewatch/internal/services/patterns"
	"github.com/vadiminshakov/balancewatch/internal/storage/passlock"
	"go.uber.org/zap"
)

// BalanceMonitor runs one capture-and-detect cycle.
type BalanceMonitor interface {
	Cycle(ctx context.Context, window time.Duration) (monitor.CycleResult, error)
}

// PatternDetector classifies the deltas of one user.
type PatternDetector interface {
	DetectAll(ctx context.Context, deltas []domain.BalanceDelta, userID string) patterns.Report
}

// TopUpMatcher pairs card-funding swaps.
type TopUpMatcher interface {
	MatchDeltas(deltas []domain.BalanceDelta) []domain.Match
}

// Outbox receives detected patterns for the downstream transaction step.
type Outbox interface {
	Publish(events ...domain.PatternEvent) (uint64, error)
}

// PassLock serialises detection passes per user.
type PassLock interface {
	Acquire(ctx context.Context, key string) (func(), error)
}

// OwnerResolver maps wallets to users.
type OwnerResolver interface {
	OwnerOf(ctx context.Context, walletID string) (string, error)
}

// TransactionSync records the on-chain activity the card-payment rule checks against.
type TransactionSync interface {
	Sync(ctx context.Context) (int, error)
}

// CycleObserver is told when a cycle finishes.
type CycleObserver interface {
	ObserveCycle(err error, ts float64)
}

// WatcherConfig drives the watcher loop. Window must be longer than Loop.Interval
// for consecutive captures to land in one detection window; it defaults to twice the interval.
type WatcherConfig struct {
	Window time.Duration
	Loop   monitor.LoopConfig
}

// CycleSummary is what one watcher cycle did.
type CycleSummary struct {
	Capture monitor.CaptureStats
	Deltas  int
	Users   int
	Events  int
	Skipped int
}

// Watcher ties the monitor, the detector and the matcher into the periodic loop.
// Consecutive windows overlap, so a delta is handed to the detector only once:
// the watcher remembers, per wallet/currency series, the newest delta end it has processed.
type Watcher struct {
	l        *zap.Logger
	monitor  BalanceMonitor
	detector PatternDetector
	matcher  TopUpMatcher
	outbox   Outbox
	lock     PassLock
	owners   OwnerResolver
	observer CycleObserver
	txSync   TransactionSync
	cfg      WatcherConfig
	now      func() time.Time

	mu        sync.Mutex
	processed map[string]time.Time
}

// WatcherOption customises a Watcher.
type WatcherOption func(*Watcher)

// WithCycleObserver reports finished cycles.
func WithCycleObserver(o CycleObserver) WatcherOption {
	return func(w *Watcher) { w.observer = o }
}

// WithTransactionSync syncs on-chain transactions after each capture, before detection.
func WithTransactionSync(s TransactionSync) WatcherOption {
	return func(w *Watcher) { w.txSync = s }
}

// WithWatcherClock replaces time.Now.
func WithWatcherClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) { w.now = now }
}

func NewWatcher(
	l *zap.Logger,
	m BalanceMonitor,
	detector PatternDetector,
	matcher TopUpMatcher,
	outbox Outbox,
	lock PassLock,
	owners OwnerResolver,
	cfg WatcherConfig,
	opts ...WatcherOption,
) *Watcher {
	if cfg.Window <= 0 {
		interval := cfg.Loop.Interval
		if interval <= 0 {
			interval = monitor.DefaultInterval
		}
		cfg.Window = 2 * interval
	}
	w := &Watcher{
		l:         l,
		monitor:   m,
		detector:  detector,
		matcher:   matcher,
		outbox:    outbox,
		lock:      lock,
		owners:    owners,
		cfg:       cfg,
		now:       time.Now,
		processed: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Restore marks the deltas behind already published events as processed,
// so a restart does not publish them again.
func (w *Watcher) Restore(records []domain.PatternEventRecord) {
	var deltas []domain.BalanceDelta
	for _, r := range records {
		deltas = append(deltas, r.Event.Deltas()...)
	}
	w.markProcessed(deltas)
	w.l.Info("restored processed deltas from outbox", zap.Int("events", len(records)), zap.Int("deltas", len(deltas)))
}

// Run repeats RunCycle until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	return monitor.Run(ctx, w.l, w.cfg.Loop, func(ctx context.Context) error {
		_, err := w.RunCycle(ctx)
		return err
	})
}

// RunCycle captures balances, detects deltas and publishes the patterns of every user.
// A user whose pass is locked elsewhere is skipped until the next cycle.
func (w *Watcher) RunCycle(ctx context.Context) (summary CycleSummary, err error) {
	defer func() {
		if w.observer != nil {
			w.observer.ObserveCycle(err, float64(w.now().Unix()))
		}
	}()

	res, err := w.monitor.Cycle(ctx, w.cfg.Window)
	summary.Capture = res.Capture
	if err != nil {
		return summary, err
	}
	w.syncTransactions(ctx)

	fresh := w.unprocessed(res.Deltas)
	summary.Deltas = len(fresh)
	if len(fresh) == 0 {
		w.l.Debug("no new balance changes in window",
			zap.Duration("window", w.cfg.Window), zap.Int("seen", len(res.Deltas)))
		return summary, nil
	}

	byUser := w.groupByOwner(ctx, fresh)
	users := make([]string, 0, len(byUser))
	for u := range byUser {
		users = append(users, u)
	}
	sort.Strings(users)
	summary.Users = len(users)

	for _, userID := range users {
		n, err := w.detectUser(ctx, userID, byUser[userID])
		if errors.Is(err, passlock.ErrLocked) {
			summary.Skipped++
			w.l.Warn("detection pass already running, skipping user", zap.String("user_id", userID))
			continue
		}
		if err != nil {
			return summary, errors.Wrapf(err, "detect patterns for user %s", userID)
		}
		w.markProcessed(byUser[userID])
		summary.Events += n
	}

	w.l.Info("watch cycle finished",
		zap.Int("captured", summary.Capture.Success),
		zap.Int("capture_failed", summary.Capture.Failed),
		zap.Int("deltas", summary.Deltas),
		zap.Int("events", summary.Events),
		zap.Int("skipped_users", summary.Skipped),
	)

	return summary, nil
}

func (w *Watcher) detectUser(ctx context.Context, userID string, deltas []domain.BalanceDelta) (int, error) {
	release, err := w.lock.Acquire(ctx, "patterns:"+userID)
	if err != nil {
		return 0, err
	}
	defer release()

	report := w.detector.DetectAll(ctx, deltas, userID)
	topUps := w.matcher.MatchDeltas(deltas)

	events := domain.NewPatternEvents(userID, w.now(), report.Patterns, topUps)
	if len(events) == 0 {
		return 0, nil
	}

	if _, err := w.outbox.Publish(events...); err != nil {
		return 0, errors.Wrap(err, "publish pattern events")
	}
	return len(events), nil
}

// syncTransactions is best effort: a lagging index only widens card-payment candidates.
func (w *Watcher) syncTransactions(ctx context.Context) {
	if w.txSync == nil {
		return
	}
	n, err := w.txSync.Sync(ctx)
	if err != nil {
		w.l.Warn("on-chain transaction sync failed", zap.Int("recorded", n), zap.Error(err))
		return
	}
	if n > 0 {
		w.l.Debug("on-chain transactions recorded", zap.Int("recorded", n))
	}
}

// unprocessed keeps the deltas that end after the newest processed delta of their series.
func (w *Watcher) unprocessed(deltas []domain.BalanceDelta) []domain.BalanceDelta {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]domain.BalanceDelta, 0, len(deltas))
	for _, d := range deltas {
		last, ok := w.processed[d.To.SeriesKey()]
		if ok && !d.To.Timestamp.After(last) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func (w *Watcher) markProcessed(deltas []domain.BalanceDelta) {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, d := range deltas {
		key := d.To.SeriesKey()
		if last, ok := w.processed[key]; !ok || d.To.Timestamp.After(last) {
			w.processed[key] = d.To.Timestamp
		}
	}
}

// groupByOwner drops deltas of wallets whose owner cannot be resolved.
func (w *Watcher) groupByOwner(ctx context.Context, deltas []domain.BalanceDelta) map[string][]domain.BalanceDelta {
	owners := make(map[string]string)
	out := make(map[string][]domain.BalanceDelta)

	for _, d := range deltas {
		owner, ok := owners[d.WalletID]
		if !ok {
			var err error
			owner, err = w.owners.OwnerOf(ctx, d.WalletID)
			if err != nil {
				w.l.Error("cannot resolve wallet owner", zap.String("wallet_id", d.WalletID), zap.Error(err))
			}
			owners[d.WalletID] = owner
		}
		if owner == "" {
			continue
		}
		out[owner] = append(out[owner], d)
	}

	return out
}
