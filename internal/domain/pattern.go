package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PatternKind tags a classified balance movement.
type PatternKind string

const (
	PatternSwap        PatternKind = "swap"
	PatternCardPayment PatternKind = "card_payment"
	PatternTransfer    PatternKind = "transfer"
	PatternCardTopUp   PatternKind = "card_topup"
)

// Swap is an exchange of one currency for another inside one wallet.
type Swap struct {
	WalletID        string          `json:"wallet_id"`
	FromCurrency    string          `json:"from_currency"`
	ToCurrency      string          `json:"to_currency"`
	FromAmount      decimal.Decimal `json:"from_amount"`
	ToAmount        decimal.Decimal `json:"to_amount"`
	Fee             decimal.Decimal `json:"fee"`
	TimeDiffSeconds int64           `json:"time_diff_seconds"`
	Confidence      float64         `json:"confidence"`
	Out             BalanceDelta    `json:"out_delta"`
	In              BalanceDelta    `json:"in_delta"`
}

// Kind implements Pattern.
func (Swap) Kind() PatternKind { return PatternSwap }

// DeltaKeys implements Pattern.
func (s Swap) DeltaKeys() []string { return []string{s.Out.Key(), s.In.Key()} }

// Score implements Pattern.
func (s Swap) Score() float64 { return s.Confidence }

// CardPayment is an expense with no on-chain footprint: money left through a card network.
type CardPayment struct {
	WalletID   string          `json:"wallet_id"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  time.Time       `json:"ts"`
	Confidence float64         `json:"confidence"`
	Delta      BalanceDelta    `json:"delta"`
}

// Kind implements Pattern.
func (CardPayment) Kind() PatternKind { return PatternCardPayment }

// DeltaKeys implements Pattern.
func (c CardPayment) DeltaKeys() []string { return []string{c.Delta.Key()} }

// Score implements Pattern.
func (c CardPayment) Score() float64 { return c.Confidence }

// Transfer is a movement of one currency between two wallets of the same user.
type Transfer struct {
	UserID          string          `json:"user_id"`
	FromWalletID    string          `json:"from_wallet_id"`
	ToWalletID      string          `json:"to_wallet_id"`
	Currency        string          `json:"currency"`
	Amount          decimal.Decimal `json:"amount"`
	Fee             decimal.Decimal `json:"fee"`
	TimeDiffSeconds int64           `json:"time_diff_seconds"`
	Confidence      float64         `json:"confidence"`
	Out             BalanceDelta    `json:"out_delta"`
	In              BalanceDelta    `json:"in_delta"`
}

// Kind implements Pattern.
func (Transfer) Kind() PatternKind { return PatternTransfer }

// DeltaKeys implements Pattern.
func (t Transfer) DeltaKeys() []string { return []string{t.Out.Key(), t.In.Key()} }

// Score implements Pattern.
func (t Transfer) Score() float64 { return t.Confidence }

// Pattern is implemented by every classified result.
type Pattern interface {
	Kind() PatternKind
	DeltaKeys() []string
	Score() float64
}

// Patterns is the result of one detection pass.
type Patterns struct {
	Swaps        []Swap        `json:"swaps"`
	CardPayments []CardPayment `json:"card_payments"`
	Transfers    []Transfer    `json:"transfers"`
}

// Len returns the total number of classified results.
func (p Patterns) Len() int {
	return len(p.Swaps) + len(p.CardPayments) + len(p.Transfers)
}

// All flattens the results in priority order: swaps, card payments, transfers.
func (p Patterns) All() []Pattern {
	out := make([]Pattern, 0, p.Len())
	for _, s := range p.Swaps {
		out = append(out, s)
	}
	for _, c := range p.CardPayments {
		out = append(out, c)
	}
	for _, t := range p.Transfers {
		out = append(out, t)
	}
	return out
}

// PatternEvent is the hand-off record written to the pattern outbox.
// Exactly one of the payload pointers is set, matching Kind.
type PatternEvent struct {
	Kind        PatternKind  `json:"kind"`
	UserID      string       `json:"user_id"`
	DetectedAt  time.Time    `json:"detected_at"`
	Swap        *Swap        `json:"swap,omitempty"`
	CardPayment *CardPayment `json:"card_payment,omitempty"`
	Transfer    *Transfer    `json:"transfer,omitempty"`
	TopUp       *Match       `json:"topup,omitempty"`
}

// Deltas returns the balance deltas the event was derived from.
// A card top-up carries only delta keys and yields none.
func (e PatternEvent) Deltas() []BalanceDelta {
	switch {
	case e.Swap != nil:
		return []BalanceDelta{e.Swap.Out, e.Swap.In}
	case e.CardPayment != nil:
		return []BalanceDelta{e.CardPayment.Delta}
	case e.Transfer != nil:
		return []BalanceDelta{e.Transfer.Out, e.Transfer.In}
	default:
		return nil
	}
}

// NewPatternEvents wraps every result of a pass into outbox events.
func NewPatternEvents(userID string, detectedAt time.Time, p Patterns, topUps []Match) []PatternEvent {
	events := make([]PatternEvent, 0, p.Len()+len(topUps))
	base := PatternEvent{UserID: userID, DetectedAt: detectedAt.UTC()}

	for i := range p.Swaps {
		e := base
		e.Kind, e.Swap = PatternSwap, &p.Swaps[i]
		events = append(events, e)
	}
	for i := range p.CardPayments {
		e := base
		e.Kind, e.CardPayment = PatternCardPayment, &p.CardPayments[i]
		events = append(events, e)
	}
	for i := range p.Transfers {
		e := base
		e.Kind, e.Transfer = PatternTransfer, &p.Transfers[i]
		events = append(events, e)
	}
	for i := range topUps {
		e := base
		e.Kind, e.TopUp = PatternCardTopUp, &topUps[i]
		events = append(events, e)
	}

	return events
}

// PatternEventRecord bundles an outbox event with its log index.
type PatternEventRecord struct {
	Index uint64       `json:"index"`
	Event PatternEvent `json:"event"`
}
