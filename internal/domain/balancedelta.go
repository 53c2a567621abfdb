package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrSnapshotOrder is returned when the "from" snapshot is later than the "to" snapshot.
	ErrSnapshotOrder = errors.New("snapshots are out of order")
	// ErrSeriesMismatch is returned when two snapshots belong to different (wallet, currency) series.
	ErrSeriesMismatch = errors.New("snapshots belong to different wallet/currency series")
)

// Confidence breakpoints keyed by elapsed seconds between two snapshots.
const (
	confidenceWithinHour      = 0.9
	confidenceWithinTwoHours  = 0.8
	confidenceWithinFourHours = 0.7
	confidenceOlder           = 0.6
)

// DefaultMinChange is the absolute change below which a delta is drift, not a transaction.
var DefaultMinChange = decimal.RequireFromString("0.01")

// BalanceDelta is the signed change between two chronologically adjacent snapshots
// of the same wallet and currency.
type BalanceDelta struct {
	WalletID        string          `json:"wallet_id"`
	Currency        string          `json:"currency"`
	From            BalanceSnapshot `json:"from_snapshot"`
	To              BalanceSnapshot `json:"to_snapshot"`
	Amount          decimal.Decimal `json:"amount"`
	TimeDiffSeconds int64           `json:"time_diff_seconds"`
	Confidence      float64         `json:"confidence"`
}

// NewBalanceDelta computes the delta from -> to. Amount is exact decimal subtraction.
func NewBalanceDelta(from, to BalanceSnapshot) (BalanceDelta, error) {
	if from.SeriesKey() != to.SeriesKey() {
		return BalanceDelta{}, errors.Wrapf(ErrSeriesMismatch, "%s vs %s", from.SeriesKey(), to.SeriesKey())
	}
	if to.Timestamp.Before(from.Timestamp) {
		return BalanceDelta{}, errors.Wrapf(ErrSnapshotOrder, "%s before %s", to.Timestamp, from.Timestamp)
	}

	seconds := int64(to.Timestamp.Sub(from.Timestamp).Seconds())

	return BalanceDelta{
		WalletID:        from.WalletID,
		Currency:        from.Currency,
		From:            from,
		To:              to,
		Amount:          to.Balance.Sub(from.Balance),
		TimeDiffSeconds: seconds,
		Confidence:      ConfidenceFor(seconds),
	}, nil
}

// ConfidenceFor maps elapsed seconds to the time-based trust that the delta
// reflects a single event.
func ConfidenceFor(seconds int64) float64 {
	switch {
	case seconds <= 3600:
		return confidenceWithinHour
	case seconds <= 7200:
		return confidenceWithinTwoHours
	case seconds <= 14400:
		return confidenceWithinFourHours
	default:
		return confidenceOlder
	}
}

// IsExpense reports whether the balance decreased.
func (d BalanceDelta) IsExpense() bool {
	return d.Amount.IsNegative()
}

// IsIncome reports whether the balance increased.
func (d BalanceDelta) IsIncome() bool {
	return d.Amount.IsPositive()
}

// Magnitude is |amount|.
func (d BalanceDelta) Magnitude() decimal.Decimal {
	return d.Amount.Abs()
}

// Significant reports whether |amount| reaches minChange.
func (d BalanceDelta) Significant(minChange decimal.Decimal) bool {
	return d.Amount.Abs().GreaterThanOrEqual(minChange)
}

// Key identifies the delta across rule outputs.
func (d BalanceDelta) Key() string {
	return d.WalletID + "/" + d.Currency + "/" + snapshotRef(d.From) + "->" + snapshotRef(d.To)
}

func snapshotRef(s BalanceSnapshot) string {
	if s.ID != "" {
		return s.ID
	}
	return s.Timestamp.UTC().Format("20060102T150405.000000000")
}

// AmountDiffPct returns |out - in| / out for two magnitudes. A zero out yields 1.
func AmountDiffPct(out, in decimal.Decimal) decimal.Decimal {
	out, in = out.Abs(), in.Abs()
	if out.IsZero() {
		return decimal.NewFromInt(1)
	}
	return out.Sub(in).Abs().Div(out)
}
