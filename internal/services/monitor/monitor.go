package monitor

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/balances"
	"github.com/vadiminshakov/balancewatch/pkg/retrier"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 8

// BalanceSource fetches the current balance of a wallet.
type BalanceSource interface {
	FetchBalance(ctx context.Context, wallet domain.Wallet, currency string) (balances.Reading, error)
}

// SnapshotStore persists snapshots. InRange must return ascending timestamps.
type SnapshotStore interface {
	Save(ctx context.Context, snapshot domain.BalanceSnapshot) (string, error)
	Latest(ctx context.Context, walletID, currency string) (*domain.BalanceSnapshot, error)
	LatestBefore(ctx context.Context, walletID, currency string, at time.Time) (*domain.BalanceSnapshot, error)
	InRange(ctx context.Context, walletID, currency string, from, to time.Time) ([]domain.BalanceSnapshot, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// WalletRegistry lists monitored wallets.
type WalletRegistry interface {
	ListActiveWallets(ctx context.Context) ([]string, error)
	CurrenciesFor(ctx context.Context, walletID string) ([]string, error)
	Wallet(ctx context.Context, walletID string) (domain.Wallet, error)
}

// Metrics receives monitor counters.
type Metrics interface {
	ObserveCapture(walletID, currency string, kind FailureKind)
	ObserveDeltas(n int)
}

type nopMetrics struct{}

func (nopMetrics) ObserveCapture(string, string, FailureKind) {}
func (nopMetrics) ObserveDeltas(int)                          {}

// Config tunes the monitor.
type Config struct {
	MinChange   decimal.Decimal
	Concurrency int
	Retry       retrier.Policy
}

// Option customises a Monitor.
type Option func(*Monitor)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics Metrics) Option {
	return func(m *Monitor) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// CaptureStats is the outcome of one capture batch.
type CaptureStats struct {
	Success  int             `json:"success"`
	Failed   int             `json:"failed"`
	Failures []*CaptureError `json:"-"`
}

// HistoryPoint is a snapshot with the change from the previous one.
type HistoryPoint struct {
	Snapshot domain.BalanceSnapshot `json:"snapshot"`
	Change   decimal.Decimal        `json:"change"`
}

// Monitor keeps the snapshot history current and derives deltas from it.
type Monitor struct {
	l           *zap.Logger
	source      BalanceSource
	store       SnapshotStore
	wallets     WalletRegistry
	retrier     *retrier.Retrier
	minChange   decimal.Decimal
	concurrency int
	now         func() time.Time
	metrics     Metrics
	tracer      trace.Tracer
}

// New creates a Monitor.
func New(l *zap.Logger, source BalanceSource, store SnapshotStore, wallets WalletRegistry, cfg Config, opts ...Option) *Monitor {
	minChange := cfg.MinChange
	if !minChange.IsPositive() {
		minChange = domain.DefaultMinChange
	}
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = defaultConcurrency
	}

	m := &Monitor{
		l:           l,
		source:      source,
		store:       store,
		wallets:     wallets,
		retrier:     cfg.Retry.Retrier(retrier.WithRetryIf(balances.IsTransient)),
		minChange:   minChange,
		concurrency: concurrency,
		now:         time.Now,
		metrics:     nopMetrics{},
		tracer:      otel.Tracer("balancewatch/monitor"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CaptureSnapshot fetches, validates and stores one balance.
// Failures are returned as *CaptureError and never panic past this call.
func (m *Monitor) CaptureSnapshot(ctx context.Context, walletID, currency string) (snapshot domain.BalanceSnapshot, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = captureError(walletID, currency, FailurePanic, errors.Errorf("panic: %v", r))
		}
		var ce *CaptureError
		if errors.As(err, &ce) {
			m.metrics.ObserveCapture(walletID, currency, ce.Kind)
		} else {
			m.metrics.ObserveCapture(walletID, currency, "")
		}
	}()

	wallet, err := m.wallets.Wallet(ctx, walletID)
	if err != nil {
		return domain.BalanceSnapshot{}, captureError(walletID, currency, FailureConfig, err)
	}

	reading, err := retrier.DoWithData(m.retrier, ctx, func(ctx context.Context) (balances.Reading, error) {
		return m.source.FetchBalance(ctx, wallet, currency)
	})
	if err != nil {
		return domain.BalanceSnapshot{}, captureError(walletID, currency, fetchFailureKind(err), err)
	}

	snapshot, err = domain.NewBalanceSnapshot(walletID, currency, reading.Amount, m.now(), reading.Source, reading.Options()...)
	if err != nil {
		return domain.BalanceSnapshot{}, captureError(walletID, currency, FailureInvariant, err)
	}

	id, err := m.store.Save(ctx, snapshot)
	if err != nil {
		return domain.BalanceSnapshot{}, captureError(walletID, currency, FailureStore, err)
	}
	snapshot.ID = id

	m.l.Debug("balance snapshot captured",
		zap.String("wallet_id", walletID),
		zap.String("currency", snapshot.Currency),
		zap.String("balance", snapshot.Balance.String()),
		zap.String("source", string(snapshot.Source)),
	)

	return snapshot, nil
}

// CaptureAll captures every (wallet, currency) concurrently. Per-item failures are counted, not returned.
func (m *Monitor) CaptureAll(ctx context.Context) (CaptureStats, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.capture_all")
	defer span.End()

	targets, stats, err := m.targets(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CaptureStats{}, err
	}

	var (
		success, failed atomic.Int64
		mu              sync.Mutex
		g               errgroup.Group
	)
	failed.Store(int64(stats.Failed))
	g.SetLimit(m.concurrency)

	for _, t := range targets {
		g.Go(func() error {
			if _, err := m.CaptureSnapshot(ctx, t.walletID, t.currency); err != nil {
				failed.Add(1)
				var ce *CaptureError
				if !errors.As(err, &ce) {
					ce = captureError(t.walletID, t.currency, FailureTransient, err)
				}
				mu.Lock()
				stats.Failures = append(stats.Failures, ce)
				mu.Unlock()
				m.l.Warn("balance capture failed",
					zap.String("wallet_id", t.walletID),
					zap.String("currency", t.currency),
					zap.String("kind", string(ce.Kind)),
					zap.Error(err),
				)
				return nil
			}
			success.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	stats.Success = int(success.Load())
	stats.Failed = int(failed.Load())

	span.SetAttributes(
		attribute.Int("capture.success", stats.Success),
		attribute.Int("capture.failed", stats.Failed),
	)
	m.l.Info("balance capture finished", zap.Int("success", stats.Success), zap.Int("failed", stats.Failed))

	return stats, nil
}

// DetectChanges returns significant deltas between consecutive snapshots in [now-window, now].
// Fewer than two snapshots yield no deltas.
func (m *Monitor) DetectChanges(ctx context.Context, walletID, currency string, window time.Duration) ([]domain.BalanceDelta, error) {
	now := m.now()
	snapshots, err := m.store.InRange(ctx, walletID, currency, now.Add(-window), now)
	if err != nil {
		return nil, errors.Wrapf(err, "load snapshots for %s/%s", walletID, currency)
	}
	if len(snapshots) < 2 {
		return nil, nil
	}

	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].Timestamp.Before(snapshots[j].Timestamp)
	})

	var deltas []domain.BalanceDelta
	for i := 1; i < len(snapshots); i++ {
		d, err := domain.NewBalanceDelta(snapshots[i-1], snapshots[i])
		if err != nil {
			return nil, errors.Wrapf(err, "delta for %s/%s", walletID, currency)
		}
		if !d.Significant(m.minChange) {
			m.l.Debug("balance drift below threshold",
				zap.String("wallet_id", walletID),
				zap.String("currency", currency),
				zap.String("amount", d.Amount.String()),
			)
			continue
		}
		deltas = append(deltas, d)
	}

	return deltas, nil
}

// DetectAllChanges runs DetectChanges for every (wallet, currency).
// A failing pair is logged and skipped.
func (m *Monitor) DetectAllChanges(ctx context.Context, window time.Duration) ([]domain.BalanceDelta, error) {
	ctx, span := m.tracer.Start(ctx, "monitor.detect_all_changes")
	defer span.End()

	targets, _, err := m.targets(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var all []domain.BalanceDelta
	for _, t := range targets {
		deltas, err := m.DetectChanges(ctx, t.walletID, t.currency, window)
		if err != nil {
			m.l.Error("detect changes failed",
				zap.String("wallet_id", t.walletID),
				zap.String("currency", t.currency),
				zap.Error(err),
			)
			continue
		}
		all = append(all, deltas...)
	}

	m.metrics.ObserveDeltas(len(all))
	span.SetAttributes(attribute.Int("deltas", len(all)))

	return all, nil
}

// BalanceHistory returns the snapshots of the last days with the change from the previous point.
func (m *Monitor) BalanceHistory(ctx context.Context, walletID, currency string, days int) ([]HistoryPoint, error) {
	if days < 1 {
		days = 1
	}
	now := m.now()
	snapshots, err := m.store.InRange(ctx, walletID, currency, now.Add(-time.Duration(days)*24*time.Hour), now)
	if err != nil {
		return nil, errors.Wrapf(err, "load history for %s/%s", walletID, currency)
	}

	points := make([]HistoryPoint, 0, len(snapshots))
	for i, s := range snapshots {
		change := decimal.Zero
		if i > 0 {
			change = s.Balance.Sub(snapshots[i-1].Balance)
		}
		points = append(points, HistoryPoint{Snapshot: s, Change: change})
	}
	return points, nil
}

// DeltaBetween computes the delta between the snapshots closest to (at or before) from and to.
// It returns nil when either side has no snapshot or both resolve to the same one.
func (m *Monitor) DeltaBetween(ctx context.Context, walletID, currency string, from, to time.Time) (*domain.BalanceDelta, error) {
	if to.Before(from) {
		from, to = to, from
	}
	start, err := m.store.LatestBefore(ctx, walletID, currency, from)
	if err != nil {
		return nil, errors.Wrap(err, "load start snapshot")
	}
	end, err := m.store.LatestBefore(ctx, walletID, currency, to)
	if err != nil {
		return nil, errors.Wrap(err, "load end snapshot")
	}
	if start == nil || end == nil || start.Timestamp.Equal(end.Timestamp) {
		return nil, nil
	}

	d, err := domain.NewBalanceDelta(*start, *end)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

type target struct {
	walletID string
	currency string
}

// targets expands the registry into (wallet, currency) pairs.
// A wallet whose currencies cannot be listed counts as one failure.
func (m *Monitor) targets(ctx context.Context) ([]target, CaptureStats, error) {
	ids, err := m.wallets.ListActiveWallets(ctx)
	if err != nil {
		return nil, CaptureStats{}, errors.Wrap(err, "list active wallets")
	}

	var (
		out   []target
		stats CaptureStats
	)
	for _, id := range ids {
		currencies, err := m.wallets.CurrenciesFor(ctx, id)
		if err != nil {
			stats.Failed++
			stats.Failures = append(stats.Failures, captureError(id, "", FailureConfig, err))
			m.l.Error("failed to list wallet currencies", zap.String("wallet_id", id), zap.Error(err))
			continue
		}
		for _, c := range currencies {
			out = append(out, target{walletID: id, currency: c})
		}
	}
	return out, stats, nil
}
