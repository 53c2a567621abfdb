package balances

import (
	"context"

	"github.com/adshao/go-binance/v2"
	"github.com/hirokisan/bybit/v2"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

// accountBalances returns asset -> total balance as reported by an exchange.
type accountBalances func(ctx context.Context) (map[string]string, error)

// ExchangeSource reads custodial balances from an exchange account.
type ExchangeSource struct {
	name     string
	balances accountBalances
}

// FetchBalance implements Source.
func (s *ExchangeSource) FetchBalance(ctx context.Context, _ domain.Wallet, currency string) (Reading, error) {
	raw, err := s.balances(ctx)
	if err != nil {
		return Reading{}, Transient(errors.Wrapf(err, "get %s account balance", s.name))
	}
	amount, err := balanceFromMap(raw, currency)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Amount: amount, Source: domain.SourceAPI}, nil
}

// NewBinanceSource reads spot balances (free + locked).
func NewBinanceSource(client *binance.Client) *ExchangeSource {
	return &ExchangeSource{
		name: "binance",
		balances: func(ctx context.Context) (map[string]string, error) {
			account, err := client.NewGetAccountService().Do(ctx)
			if err != nil {
				return nil, err
			}
			out := make(map[string]string, len(account.Balances))
			for _, b := range account.Balances {
				total, err := sumAmounts(b.Free, b.Locked)
				if err != nil {
					return nil, errors.Wrapf(err, "parse binance %s balance", b.Asset)
				}
				out[b.Asset] = total
			}
			return out, nil
		},
	}
}

// NewBybitSource reads the V5 unified trading account wallet balance.
func NewBybitSource(client *bybit.Client) *ExchangeSource {
	return &ExchangeSource{
		name: "bybit",
		balances: func(ctx context.Context) (map[string]string, error) {
			res, err := client.V5().Account().GetWalletBalance(bybit.AccountTypeV5("UNIFIED"), nil)
			if err != nil {
				return nil, err
			}
			out := make(map[string]string)
			if res == nil || len(res.Result.List) == 0 {
				return out, nil
			}
			for _, coin := range res.Result.List[0].Coin {
				out[string(coin.Coin)] = coin.WalletBalance
			}
			return out, nil
		},
	}
}

// NewHyperliquidSource reads spot balances of accountAddr.
func NewHyperliquidSource(info *hyperliquid.Info, accountAddr string) *ExchangeSource {
	return &ExchangeSource{
		name: "hyperliquid",
		balances: func(ctx context.Context) (map[string]string, error) {
			st, err := info.SpotUserState(ctx, accountAddr)
			if err != nil {
				return nil, err
			}
			out := make(map[string]string, len(st.Balances))
			for _, b := range st.Balances {
				out[b.Coin] = b.Total
			}
			return out, nil
		},
	}
}

func sumAmounts(values ...string) (string, error) {
	total := decimal.Zero
	for _, v := range values {
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil {
			return "", err
		}
		total = total.Add(d)
	}
	return total.String(), nil
}
