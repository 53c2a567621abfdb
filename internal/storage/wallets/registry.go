package wallets

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

// ErrUnknownWallet is returned for ids that are not registered.
var ErrUnknownWallet = errors.New("unknown wallet")

// Registry is the in-memory set of monitored wallets loaded from config.
type Registry struct {
	wallets map[string]domain.Wallet
	active  map[string]bool
	order   []string
}

// NewRegistry registers wallets. Inactive ids stay resolvable but are not listed as active.
func NewRegistry(wallets []domain.Wallet, inactive ...string) *Registry {
	r := &Registry{
		wallets: make(map[string]domain.Wallet, len(wallets)),
		active:  make(map[string]bool, len(wallets)),
	}
	for _, w := range wallets {
		if _, ok := r.wallets[w.ID]; !ok {
			r.order = append(r.order, w.ID)
		}
		r.wallets[w.ID] = w
		r.active[w.ID] = true
	}
	for _, id := range inactive {
		r.active[id] = false
	}
	return r
}

// ListActiveWallets returns active wallet ids in registration order.
func (r *Registry) ListActiveWallets(context.Context) ([]string, error) {
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if r.active[id] {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// CurrenciesFor returns the currencies tracked by walletID.
func (r *Registry) CurrenciesFor(_ context.Context, walletID string) ([]string, error) {
	w, ok := r.wallets[walletID]
	if !ok {
		return nil, errors.Wrap(ErrUnknownWallet, walletID)
	}
	out := make([]string, len(w.Currencies))
	copy(out, w.Currencies)
	return out, nil
}

// Wallet resolves a wallet by id.
func (r *Registry) Wallet(_ context.Context, walletID string) (domain.Wallet, error) {
	w, ok := r.wallets[walletID]
	if !ok {
		return domain.Wallet{}, errors.Wrap(ErrUnknownWallet, walletID)
	}
	return w, nil
}

// OwnerOf returns the user that owns walletID.
func (r *Registry) OwnerOf(ctx context.Context, walletID string) (string, error) {
	w, err := r.Wallet(ctx, walletID)
	if err != nil {
		return "", err
	}
	return w.UserID, nil
}

// Users returns the distinct owners of active wallets, sorted.
func (r *Registry) Users() []string {
	seen := make(map[string]struct{})
	for id, w := range r.wallets {
		if r.active[id] {
			seen[w.UserID] = struct{}{}
		}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}
