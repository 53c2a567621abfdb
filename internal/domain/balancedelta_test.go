package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustSnapshot(t *testing.T, wallet, currency, balance string, ts time.Time) BalanceSnapshot {
	t.Helper()
	s, err := NewBalanceSnapshot(wallet, currency, decimal.RequireFromString(balance), ts, SourceBlockchain)
	require.NoError(t, err)
	return s
}

func TestNewBalanceDelta_ExactAmount(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		from string
		to   string
		want string
	}{
		{name: "decrease", from: "100.10", to: "0.30", want: "-99.8"},
		{name: "increase with many decimals", from: "0.1", to: "0.3", want: "0.2"},
		{name: "no change", from: "42", to: "42", want: "0"},
		{name: "wei precision", from: "1.000000000000000001", to: "1.000000000000000003", want: "0.000000000000000002"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from := mustSnapshot(t, "w1", "USDC", tt.from, t0)
			to := mustSnapshot(t, "w1", "USDC", tt.to, t0.Add(10*time.Minute))

			d, err := NewBalanceDelta(from, to)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(tt.want).Equal(d.Amount), "got %s", d.Amount)
			assert.Equal(t, int64(600), d.TimeDiffSeconds)
			assert.Equal(t, "w1", d.WalletID)
			assert.Equal(t, "USDC", d.Currency)
		})
	}
}

func TestNewBalanceDelta_Errors(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := NewBalanceDelta(
		mustSnapshot(t, "w1", "USDC", "1", t0.Add(time.Hour)),
		mustSnapshot(t, "w1", "USDC", "2", t0),
	)
	assert.ErrorIs(t, err, ErrSnapshotOrder)

	_, err = NewBalanceDelta(
		mustSnapshot(t, "w1", "USDC", "1", t0),
		mustSnapshot(t, "w1", "USDT", "2", t0.Add(time.Hour)),
	)
	assert.ErrorIs(t, err, ErrSeriesMismatch)
}

func TestConfidenceFor(t *testing.T) {
	tests := []struct {
		seconds int64
		want    float64
	}{
		{0, 0.9},
		{3600, 0.9},
		{3601, 0.8},
		{7200, 0.8},
		{7201, 0.7},
		{14400, 0.7},
		{14401, 0.6},
		{86400 * 7, 0.6},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ConfidenceFor(tt.seconds), "seconds=%d", tt.seconds)
	}

	prev := ConfidenceFor(0)
	for s := int64(0); s <= 20000; s += 100 {
		c := ConfidenceFor(s)
		assert.LessOrEqual(t, c, prev, "confidence must not increase at %ds", s)
		prev = c
	}
}

func TestBalanceDelta_Direction(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out, err := NewBalanceDelta(mustSnapshot(t, "w1", "USDT", "100", t0), mustSnapshot(t, "w1", "USDT", "0", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.True(t, out.IsExpense())
	assert.False(t, out.IsIncome())
	assert.True(t, decimal.NewFromInt(100).Equal(out.Magnitude()))
	assert.True(t, out.Significant(DefaultMinChange))

	drift, err := NewBalanceDelta(mustSnapshot(t, "w1", "USDT", "100", t0), mustSnapshot(t, "w1", "USDT", "100.009", t0.Add(time.Minute)))
	require.NoError(t, err)
	assert.False(t, drift.Significant(DefaultMinChange))
}

func TestAmountDiffPct(t *testing.T) {
	assert.True(t, decimal.RequireFromString("0.05").Equal(AmountDiffPct(decimal.NewFromInt(-100), decimal.NewFromInt(95))))
	assert.True(t, decimal.Zero.Equal(AmountDiffPct(decimal.NewFromInt(100), decimal.NewFromInt(100))))
	assert.True(t, decimal.NewFromInt(1).Equal(AmountDiffPct(decimal.Zero, decimal.NewFromInt(5))))
}
