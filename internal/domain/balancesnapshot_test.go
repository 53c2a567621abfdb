package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBalanceSnapshot(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.FixedZone("MSK", 3*3600))

	tests := []struct {
		name    string
		balance decimal.Decimal
		wallet  string
		source  SnapshotSource
		wantErr error
	}{
		{name: "zero balance", balance: decimal.Zero, wallet: "w1", source: SourceBlockchain},
		{name: "positive balance", balance: decimal.RequireFromString("100.123456"), wallet: "w1", source: SourceAPI},
		{name: "negative balance", balance: decimal.RequireFromString("-0.000001"), wallet: "w1", source: SourceManual, wantErr: ErrNegativeBalance},
		{name: "missing wallet", balance: decimal.NewFromInt(1), source: SourceAPI, wantErr: ErrInvalidSnapshot},
		{name: "unknown source", balance: decimal.NewFromInt(1), wallet: "w1", source: "oracle", wantErr: ErrInvalidSnapshot},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewBalanceSnapshot(tt.wallet, "usdt", tt.balance, ts, tt.source)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "USDT", s.Currency)
			assert.True(t, tt.balance.Equal(s.Balance))
			assert.Equal(t, time.UTC, s.Timestamp.Location())
			assert.True(t, ts.Equal(s.Timestamp))
			assert.Empty(t, s.ID)
		})
	}
}

func TestNewBalanceSnapshot_Options(t *testing.T) {
	s, err := NewBalanceSnapshot("w1", "ETH", decimal.NewFromInt(2), time.Now(), SourceBlockchain,
		WithBlockNumber(19_000_000), WithChainID("1"))
	require.NoError(t, err)
	require.NotNil(t, s.BlockNumber)
	require.NotNil(t, s.ChainID)
	assert.Equal(t, uint64(19_000_000), *s.BlockNumber)
	assert.Equal(t, "1", *s.ChainID)

	s, err = NewBalanceSnapshot("w1", "ETH", decimal.NewFromInt(2), time.Now(), SourceBlockchain, WithChainID(""))
	require.NoError(t, err)
	assert.Nil(t, s.ChainID)
}
