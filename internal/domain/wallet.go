package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Platform is the kind of backend a wallet balance is read from.
type Platform string

const (
	PlatformEVM         Platform = "evm"
	PlatformBinance     Platform = "binance"
	PlatformBybit       Platform = "bybit"
	PlatformHyperliquid Platform = "hyperliquid"
	PlatformManual      Platform = "manual"
)

// Token describes an ERC-20 contract tracked on an EVM wallet.
type Token struct {
	Symbol   string `json:"symbol" yaml:"symbol"`
	Contract string `json:"contract" yaml:"contract"`
	Decimals int32  `json:"decimals" yaml:"decimals"`
}

// Wallet is an account whose balances are monitored.
type Wallet struct {
	ID         string
	UserID     string
	Platform   Platform
	Address    string
	Currencies []string
	Tokens     map[string]Token
}

// Tracks reports whether the wallet monitors currency.
func (w Wallet) Tracks(currency string) bool {
	for _, c := range w.Currencies {
		if strings.EqualFold(c, currency) {
			return true
		}
	}
	return false
}

// Token returns the token contract configured for currency.
func (w Wallet) Token(currency string) (Token, bool) {
	t, ok := w.Tokens[strings.ToUpper(currency)]
	return t, ok
}

// OnChainTransaction is a ledger entry seen on chain for a wallet.
type OnChainTransaction struct {
	ID        string          `db:"id" json:"id"`
	WalletID  string          `db:"wallet_id" json:"wallet_id"`
	Hash      string          `db:"tx_hash" json:"hash"`
	Currency  string          `db:"currency" json:"currency"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Timestamp time.Time       `db:"ts" json:"ts"`
}
