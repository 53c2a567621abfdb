package balances

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

var (
	// ErrTransient marks network or provider failures worth retrying.
	ErrTransient = errors.New("transient balance source failure")
	// ErrNoSource is returned when no source is registered for a wallet.
	ErrNoSource = errors.New("no balance source for wallet")
)

type transientError struct{ err error }

func (e transientError) Error() string        { return e.err.Error() }
func (e transientError) Unwrap() error        { return e.err }
func (e transientError) Is(target error) bool { return target == ErrTransient }

// Transient marks err as retryable, keeping the cause reachable via errors.Is/As.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err is a retryable source failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// Reading is one observed balance as returned by a source.
type Reading struct {
	Amount      decimal.Decimal
	Source      domain.SnapshotSource
	BlockNumber *uint64
	ChainID     string
}

// Options converts the reading metadata into snapshot options.
func (r Reading) Options() []domain.SnapshotOption {
	var opts []domain.SnapshotOption
	if r.BlockNumber != nil {
		opts = append(opts, domain.WithBlockNumber(*r.BlockNumber))
	}
	if r.ChainID != "" {
		opts = append(opts, domain.WithChainID(r.ChainID))
	}
	return opts
}

// Source fetches the current balance of one wallet in one currency.
type Source interface {
	FetchBalance(ctx context.Context, wallet domain.Wallet, currency string) (Reading, error)
}

// Router dispatches to the source registered for each wallet.
type Router struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRouter() *Router {
	return &Router{sources: make(map[string]Source)}
}

// Register binds walletID to src.
func (r *Router) Register(walletID string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[walletID] = src
}

// FetchBalance implements Source.
func (r *Router) FetchBalance(ctx context.Context, wallet domain.Wallet, currency string) (Reading, error) {
	r.mu.RLock()
	src, ok := r.sources[wallet.ID]
	r.mu.RUnlock()
	if !ok {
		return Reading{}, errors.Wrap(ErrNoSource, wallet.ID)
	}
	return src.FetchBalance(ctx, wallet, currency)
}

// balanceFromMap looks currency up in an asset->amount map returned by an exchange.
// A currency the account never held reads as zero.
func balanceFromMap(balances map[string]string, currency string) (decimal.Decimal, error) {
	for asset, raw := range balances {
		if !strings.EqualFold(asset, currency) {
			continue
		}
		if raw == "" {
			return decimal.Zero, nil
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, errors.Wrapf(err, "parse %s balance %q", currency, raw)
		}
		return v, nil
	}
	return decimal.Zero, nil
}
