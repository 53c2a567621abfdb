package balances

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BreakerSettings configures one circuit breaker per platform.
type BreakerSettings struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

// Limit is a per-platform request budget.
type Limit struct {
	RPS   float64
	Burst int
}

// BreakerObserver is told about breaker state transitions.
type BreakerObserver interface {
	ObserveBreaker(name string, state gobreaker.State)
}

// Guarded shields a Source with a per-platform rate limiter and circuit breaker.
// Only transient failures count toward tripping a breaker, so a misconfigured wallet
// cannot lock out the healthy wallets of its platform. An open breaker fails fast
// with a transient error. Retries are left to the caller.
type Guarded struct {
	next     Source
	limiters map[domain.Platform]*rate.Limiter
	breakers map[domain.Platform]*gobreaker.CircuitBreaker
	settings BreakerSettings
	observer BreakerObserver
	l        *zap.Logger
}

// NewGuarded wraps next. observer may be nil.
func NewGuarded(l *zap.Logger, next Source, limits map[domain.Platform]Limit, settings BreakerSettings, observer BreakerObserver) *Guarded {
	g := &Guarded{
		next:     next,
		limiters: make(map[domain.Platform]*rate.Limiter, len(limits)),
		breakers: make(map[domain.Platform]*gobreaker.CircuitBreaker),
		settings: settings,
		observer: observer,
		l:        l,
	}
	for platform, lim := range limits {
		burst := lim.Burst
		if burst < 1 {
			burst = 1
		}
		g.limiters[platform] = rate.NewLimiter(rate.Limit(lim.RPS), burst)
	}
	for _, platform := range []domain.Platform{
		domain.PlatformEVM, domain.PlatformBinance, domain.PlatformBybit,
		domain.PlatformHyperliquid, domain.PlatformManual,
	} {
		g.breakers[platform] = g.newBreaker(string(platform))
	}
	return g
}

func (g *Guarded) newBreaker(name string) *gobreaker.CircuitBreaker {
	threshold := g.settings.ConsecutiveFailures
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: g.settings.MaxRequests,
		Interval:    g.settings.Interval,
		Timeout:     g.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			g.l.Warn("balance source circuit breaker state changed",
				zap.String("platform", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
			if g.observer != nil {
				g.observer.ObserveBreaker(name, to)
			}
		},
	})
}

// FetchBalance implements Source.
func (g *Guarded) FetchBalance(ctx context.Context, wallet domain.Wallet, currency string) (Reading, error) {
	if lim, ok := g.limiters[wallet.Platform]; ok {
		if err := lim.Wait(ctx); err != nil {
			return Reading{}, Transient(errors.Wrapf(err, "rate limit wait for %s", wallet.Platform))
		}
	}

	cb, ok := g.breakers[wallet.Platform]
	if !ok {
		return g.next.FetchBalance(ctx, wallet, currency)
	}

	res, err := cb.Execute(func() (interface{}, error) {
		return g.next.FetchBalance(ctx, wallet, currency)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return Reading{}, Transient(errors.Wrapf(err, "%s balance source unavailable", wallet.Platform))
		}
		return Reading{}, err
	}

	return res.(Reading), nil
}

// State returns the breaker state for platform.
func (g *Guarded) State(platform domain.Platform) gobreaker.State {
	if cb, ok := g.breakers[platform]; ok {
		return cb.State()
	}
	return gobreaker.StateClosed
}
