package patterns

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

var t0 = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

var snapshotSeq atomic.Int64

// delta builds a delta of amount ending at ts, observed 10 minutes after the previous snapshot.
func delta(t *testing.T, walletID, currency, amount string, ts time.Time) domain.BalanceDelta {
	t.Helper()
	base := decimal.NewFromInt(1000)
	from, err := domain.NewBalanceSnapshot(walletID, currency, base, ts.Add(-10*time.Minute), domain.SourceAPI)
	require.NoError(t, err)
	to, err := domain.NewBalanceSnapshot(walletID, currency, base.Add(decimal.RequireFromString(amount)), ts, domain.SourceAPI)
	require.NoError(t, err)
	from.ID = fmt.Sprintf("s%d", snapshotSeq.Add(1))
	to.ID = fmt.Sprintf("s%d", snapshotSeq.Add(1))

	d, err := domain.NewBalanceDelta(from, to)
	require.NoError(t, err)
	return d
}

func event(id, currency, amount string, ts time.Time) domain.Event {
	return domain.Event{ID: id, WalletID: "card", Currency: currency, Amount: decimal.RequireFromString(amount), Timestamp: ts}
}

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) TransactionsNear(ctx context.Context, walletID string, amount decimal.Decimal, ts time.Time, window time.Duration) ([]domain.OnChainTransaction, error) {
	args := m.Called(ctx, walletID, amount.String(), ts, window)
	txs, _ := args.Get(0).([]domain.OnChainTransaction)
	return txs, args.Error(1)
}

type staticOwners map[string]string

func (o staticOwners) OwnerOf(_ context.Context, walletID string) (string, error) {
	owner, ok := o[walletID]
	if !ok {
		return "", fmt.Errorf("unknown wallet %s", walletID)
	}
	return owner, nil
}

type panicLookup struct{}

func (panicLookup) TransactionsNear(context.Context, string, decimal.Decimal, time.Time, time.Duration) ([]domain.OnChainTransaction, error) {
	panic("lookup exploded")
}

type noTransactions struct{}

func (noTransactions) TransactionsNear(context.Context, string, decimal.Decimal, time.Time, time.Duration) ([]domain.OnChainTransaction, error) {
	return nil, nil
}

type countingMetrics struct {
	patterns map[domain.PatternKind]int
	failures map[string]int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{patterns: map[domain.PatternKind]int{}, failures: map[string]int{}}
}

func (c *countingMetrics) ObservePatterns(kind domain.PatternKind, n int) { c.patterns[kind] += n }
func (c *countingMetrics) ObserveRuleFailure(rule string)                 { c.failures[rule]++ }
