package balances

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

// ManualBook is a store of hand-entered balances.
type ManualBook interface {
	Balance(currency string) (decimal.Decimal, time.Time, error)
}

// ManualSource serves balances the user maintains by hand.
type ManualSource struct {
	book ManualBook
}

func NewManualSource(book ManualBook) *ManualSource {
	return &ManualSource{book: book}
}

// FetchBalance implements Source.
func (s *ManualSource) FetchBalance(_ context.Context, _ domain.Wallet, currency string) (Reading, error) {
	amount, _, err := s.book.Balance(currency)
	if err != nil {
		return Reading{}, err
	}
	return Reading{Amount: amount, Source: domain.SourceManual}, nil
}
