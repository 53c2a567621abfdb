package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/monitor"
	"github.com/vadiminshakov/balancewatch/internal/services/patterns"
	"github.com/vadiminshakov/balancewatch/internal/storage/passlock"
	"github.com/vadiminshakov/balancewatch/internal/storage/wallets"
	"go.uber.org/zap"
)

type mockMonitor struct {
	mock.Mock
}

func (m *mockMonitor) Cycle(ctx context.Context, window time.Duration) (monitor.CycleResult, error) {
	args := m.Called(ctx, window)
	return args.Get(0).(monitor.CycleResult), args.Error(1)
}

type memOutbox struct {
	mu     sync.Mutex
	events []domain.PatternEvent
	err    error
}

func (o *memOutbox) Publish(events ...domain.PatternEvent) (uint64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return 0, o.err
	}
	o.events = append(o.events, events...)
	return uint64(len(o.events)), nil
}

type recordingObserver struct {
	errs []error
}

func (r *recordingObserver) ObserveCycle(err error, _ float64) { r.errs = append(r.errs, err) }

type noLookup struct{}

func (noLookup) TransactionsNear(context.Context, string, decimal.Decimal, time.Time, time.Duration) ([]domain.OnChainTransaction, error) {
	return nil, nil
}

var now = time.Date(2025, 5, 20, 8, 0, 0, 0, time.UTC)

func delta(t *testing.T, walletID, currency string, from, to int64, ts time.Time, id string) domain.BalanceDelta {
	t.Helper()
	a, err := domain.NewBalanceSnapshot(walletID, currency, decimal.NewFromInt(from), ts.Add(-5*time.Minute), domain.SourceAPI)
	require.NoError(t, err)
	b, err := domain.NewBalanceSnapshot(walletID, currency, decimal.NewFromInt(to), ts, domain.SourceAPI)
	require.NoError(t, err)
	a.ID, b.ID = id+"-a", id+"-b"
	d, err := domain.NewBalanceDelta(a, b)
	require.NoError(t, err)
	return d
}

func newWatcher(m BalanceMonitor, outbox Outbox, lock PassLock, opts ...WatcherOption) *Watcher {
	reg := wallets.NewRegistry([]domain.Wallet{
		{ID: "card", UserID: "alice", Currencies: []string{"USDT", "USDC"}},
		{ID: "cold", UserID: "bob", Currencies: []string{"USDC"}},
	})
	detector := patterns.NewDetector(zap.NewNop(), patterns.DefaultConfig(), noLookup{}, patterns.WithOwners(reg))
	matcher := patterns.NewSwapMatcher(zap.NewNop(), patterns.DefaultMatcherConfig())
	opts = append([]WatcherOption{WithWatcherClock(func() time.Time { return now })}, opts...)
	return NewWatcher(zap.NewNop(), m, detector, matcher, outbox, lock, reg, WatcherConfig{Window: time.Hour}, opts...)
}

func TestWatcher_RunCycle(t *testing.T) {
	deltas := []domain.BalanceDelta{
		delta(t, "card", "USDT", 500, 400, now.Add(-20*time.Minute), "d1"),
		delta(t, "card", "USDC", 0, 99, now.Add(-19*time.Minute), "d2"),
		delta(t, "cold", "USDC", 80, 50, now.Add(-10*time.Minute), "d3"),
		delta(t, "ghost", "USDC", 10, 0, now.Add(-10*time.Minute), "d4"),
	}

	m := &mockMonitor{}
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{
		Capture: monitor.CaptureStats{Success: 3},
		Deltas:  deltas,
	}, nil)

	outbox := &memOutbox{}
	observer := &recordingObserver{}
	summary, err := newWatcher(m, outbox, passlock.NewLocalLock(), WithCycleObserver(observer)).RunCycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Deltas)
	assert.Equal(t, 2, summary.Users)
	assert.Equal(t, 3, summary.Events)
	assert.Equal(t, []error{nil}, observer.errs)

	kinds := map[domain.PatternKind][]domain.PatternEvent{}
	for _, e := range outbox.events {
		kinds[e.Kind] = append(kinds[e.Kind], e)
	}
	require.Len(t, kinds[domain.PatternSwap], 1)
	assert.Equal(t, "alice", kinds[domain.PatternSwap][0].UserID)
	require.Len(t, kinds[domain.PatternCardTopUp], 1)
	assert.True(t, decimal.NewFromInt(1).Equal(kinds[domain.PatternCardTopUp][0].TopUp.Fee))
	require.Len(t, kinds[domain.PatternCardPayment], 1)
	assert.Equal(t, "bob", kinds[domain.PatternCardPayment][0].UserID)
	assert.Equal(t, now, kinds[domain.PatternCardPayment][0].DetectedAt)
}

func TestWatcher_RunCycle_Failures(t *testing.T) {
	spend := delta(t, "cold", "USDC", 80, 50, now.Add(-10*time.Minute), "d1")

	t.Run("monitor failure is returned", func(t *testing.T) {
		m := &mockMonitor{}
		m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{}, errors.New("store down"))
		observer := &recordingObserver{}

		_, err := newWatcher(m, &memOutbox{}, passlock.NewLocalLock(), WithCycleObserver(observer)).RunCycle(context.Background())
		require.Error(t, err)
		require.Len(t, observer.errs, 1)
		assert.Error(t, observer.errs[0])
	})

	t.Run("locked user is skipped", func(t *testing.T) {
		m := &mockMonitor{}
		m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil)

		lock := passlock.NewLocalLock()
		release, err := lock.Acquire(context.Background(), "patterns:bob")
		require.NoError(t, err)
		defer release()

		outbox := &memOutbox{}
		summary, err := newWatcher(m, outbox, lock).RunCycle(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Skipped)
		assert.Empty(t, outbox.events)
	})

	t.Run("publish failure is returned", func(t *testing.T) {
		m := &mockMonitor{}
		m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil)

		_, err := newWatcher(m, &memOutbox{err: errors.New("disk full")}, passlock.NewLocalLock()).RunCycle(context.Background())
		require.Error(t, err)
	})
}

func TestWatcher_RunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	m := &mockMonitor{}
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{}, nil).Run(func(mock.Arguments) { cancel() })

	w := newWatcher(m, &memOutbox{}, passlock.NewLocalLock())
	w.cfg.Loop = monitor.LoopConfig{Interval: time.Millisecond, Backoff: time.Millisecond}

	err := w.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	m.AssertNumberOfCalls(t, "Cycle", 1)
}

func TestWatcher_OverlappingWindowsPublishOnce(t *testing.T) {
	spend := delta(t, "cold", "USDC", 80, 50, now.Add(-10*time.Minute), "d1")
	later := delta(t, "cold", "USDC", 50, 20, now.Add(-time.Minute), "d2")

	m := &mockMonitor{}
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil).Once()
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil).Once()
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend, later}}, nil).Once()

	outbox := &memOutbox{}
	w := newWatcher(m, outbox, passlock.NewLocalLock())

	summary, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Events)

	summary, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Deltas)
	assert.Equal(t, 0, summary.Events)

	summary, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Deltas)
	assert.Equal(t, 1, summary.Events)

	require.Len(t, outbox.events, 2)
	assert.Equal(t, spend.Key(), outbox.events[0].CardPayment.Delta.Key())
	assert.Equal(t, later.Key(), outbox.events[1].CardPayment.Delta.Key())
}

func TestWatcher_LockedUserRetriedNextCycle(t *testing.T) {
	spend := delta(t, "cold", "USDC", 80, 50, now.Add(-10*time.Minute), "d1")

	m := &mockMonitor{}
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil)

	lock := passlock.NewLocalLock()
	release, err := lock.Acquire(context.Background(), "patterns:bob")
	require.NoError(t, err)

	outbox := &memOutbox{}
	w := newWatcher(m, outbox, lock)

	summary, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)

	release()
	summary, err = w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Events)
	assert.Len(t, outbox.events, 1)
}

func TestWatcher_Restore(t *testing.T) {
	spend := delta(t, "cold", "USDC", 80, 50, now.Add(-10*time.Minute), "d1")

	m := &mockMonitor{}
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil)

	outbox := &memOutbox{}
	w := newWatcher(m, outbox, passlock.NewLocalLock())
	w.Restore([]domain.PatternEventRecord{{
		Index: 1,
		Event: domain.PatternEvent{
			Kind:        domain.PatternCardPayment,
			UserID:      "bob",
			CardPayment: &domain.CardPayment{WalletID: "cold", Currency: "USDC", Delta: spend},
		},
	}})

	summary, err := w.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Deltas)
	assert.Empty(t, outbox.events)
}

type countingSync struct {
	calls int
	err   error
}

func (s *countingSync) Sync(context.Context) (int, error) {
	s.calls++
	return 0, s.err
}

func TestWatcher_TransactionSync(t *testing.T) {
	spend := delta(t, "cold", "USDC", 80, 50, now.Add(-10*time.Minute), "d1")

	m := &mockMonitor{}
	m.On("Cycle", mock.Anything, time.Hour).Return(monitor.CycleResult{Deltas: []domain.BalanceDelta{spend}}, nil)

	txSync := &countingSync{err: errors.New("node down")}
	outbox := &memOutbox{}
	summary, err := newWatcher(m, outbox, passlock.NewLocalLock(), WithTransactionSync(txSync)).RunCycle(context.Background())
	require.NoError(t, err, "a failed sync must not fail the cycle")
	assert.Equal(t, 1, txSync.calls)
	assert.Equal(t, 1, summary.Events)
}
