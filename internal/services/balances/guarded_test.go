package balances

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.uber.org/zap"
)

type countingSource struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *countingSource) FetchBalance(context.Context, domain.Wallet, string) (Reading, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Reading{}, s.err
	}
	return Reading{Amount: decimal.NewFromInt(1), Source: domain.SourceAPI}, nil
}

type recordingObserver struct {
	states []gobreaker.State
}

func (o *recordingObserver) ObserveBreaker(_ string, state gobreaker.State) {
	o.states = append(o.states, state)
}

func TestGuarded_BreakerOpens(t *testing.T) {
	next := &countingSource{err: Transient(errors.New("502"))}
	observer := &recordingObserver{}
	g := NewGuarded(zap.NewNop(), next, nil, BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}, observer)

	wallet := domain.Wallet{ID: "b", Platform: domain.PlatformBinance}
	for i := 0; i < 3; i++ {
		_, err := g.FetchBalance(context.Background(), wallet, "USDT")
		assert.True(t, IsTransient(err))
	}
	assert.Equal(t, gobreaker.StateOpen, g.State(domain.PlatformBinance))
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, observer.states)

	_, err := g.FetchBalance(context.Background(), wallet, "USDT")
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls, "open breaker must not reach the source")

	// other platforms are unaffected
	next.err = nil
	r, err := g.FetchBalance(context.Background(), domain.Wallet{ID: "e", Platform: domain.PlatformEVM}, "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(r.Amount))
}

func TestGuarded_RateLimitHonoursContext(t *testing.T) {
	next := &countingSource{}
	g := NewGuarded(zap.NewNop(), next, map[domain.Platform]Limit{
		domain.PlatformBybit: {RPS: 0.001, Burst: 1},
	}, BreakerSettings{ConsecutiveFailures: 5}, nil)

	wallet := domain.Wallet{ID: "y", Platform: domain.PlatformBybit}
	_, err := g.FetchBalance(context.Background(), wallet, "USDT")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.FetchBalance(ctx, wallet, "USDT")
	assert.True(t, IsTransient(err))
	assert.Equal(t, 1, next.calls)
}

func TestGuarded_PermanentErrorsDoNotTrip(t *testing.T) {
	router := NewRouter()
	router.Register("healthy", &countingSource{})
	g := NewGuarded(zap.NewNop(), router, nil, BreakerSettings{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}, nil)

	orphan := domain.Wallet{ID: "orphan", Platform: domain.PlatformEVM}
	for _, currency := range []string{"ETH", "USDT", "USDC", "DAI", "WBTC"} {
		_, err := g.FetchBalance(context.Background(), orphan, currency)
		assert.ErrorIs(t, err, ErrNoSource)
		assert.False(t, IsTransient(err))
	}
	assert.Equal(t, gobreaker.StateClosed, g.State(domain.PlatformEVM))

	r, err := g.FetchBalance(context.Background(), domain.Wallet{ID: "healthy", Platform: domain.PlatformEVM}, "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(1).Equal(r.Amount))
}
