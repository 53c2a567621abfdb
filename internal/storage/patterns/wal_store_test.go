package patterns

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

func TestWALStore_PublishAndReplay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store, err := NewWALStore(dir)
	require.NoError(t, err)

	events := domain.NewPatternEvents("u1", now, domain.Patterns{
		Swaps:        []domain.Swap{{WalletID: "w1", FromCurrency: "USDT", ToCurrency: "USDC", Fee: decimal.NewFromInt(1)}},
		CardPayments: []domain.CardPayment{{WalletID: "w1", Currency: "USDC", Amount: decimal.NewFromInt(25)}},
	}, nil)

	last, err := store.Publish(events...)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)

	_, err = store.Publish(domain.PatternEvent{})
	assert.Error(t, err)
	require.NoError(t, store.Close())

	reopened, err := NewWALStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	records, err := reopened.EventsAfter(0)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, domain.PatternSwap, records[0].Event.Kind)
	require.NotNil(t, records[0].Event.Swap)
	assert.True(t, decimal.NewFromInt(1).Equal(records[0].Event.Swap.Fee))
	assert.Equal(t, domain.PatternCardPayment, records[1].Event.Kind)

	records, err = reopened.EventsAfter(1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint64(2), records[0].Index)
}
