package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Card top-up draft defaults.
const (
	TopUpCategory = "Crypto Card Top-up"
	TopUpMerchant = "Crypto Card"
	TopUpType     = "crypto_card_topup"
)

// Event is one side of a card-funding swap as seen by the matcher.
type Event struct {
	ID        string          `json:"id"`
	WalletID  string          `json:"wallet_id"`
	Currency  string          `json:"currency"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp time.Time       `json:"ts"`
}

// EventFromDelta adapts a delta to a matcher event keyed by the delta identity.
func EventFromDelta(d BalanceDelta) Event {
	return Event{
		ID:        d.Key(),
		WalletID:  d.WalletID,
		Currency:  d.Currency,
		Amount:    d.Amount,
		Timestamp: d.To.Timestamp,
	}
}

// Match pairs an outgoing event with the incoming event that best explains it.
type Match struct {
	OutID      string          `json:"out_id"`
	InID       string          `json:"in_id"`
	WalletID   string          `json:"wallet_id"`
	OutAmount  decimal.Decimal `json:"out_amount"`
	Amount     decimal.Decimal `json:"amount"`
	Fee        decimal.Decimal `json:"fee"`
	Timestamp  time.Time       `json:"ts"`
	Confidence float64         `json:"confidence"`
}

// TopUpDraft is the transaction a downstream step creates for a matched card top-up.
type TopUpDraft struct {
	UserID         string          `json:"user_id"`
	WalletID       string          `json:"wallet_id"`
	Amount         decimal.Decimal `json:"amount"`
	Fee            decimal.Decimal `json:"fee"`
	Category       string          `json:"category"`
	Merchant       string          `json:"merchant"`
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"ts"`
	Confidence     float64         `json:"confidence"`
	SourceEventIDs []string        `json:"source_event_ids"`
}

// TopUpDraft converts the match into a card top-up draft for userID.
func (m Match) TopUpDraft(userID string) TopUpDraft {
	return TopUpDraft{
		UserID:         userID,
		WalletID:       m.WalletID,
		Amount:         m.Amount,
		Fee:            m.Fee,
		Category:       TopUpCategory,
		Merchant:       TopUpMerchant,
		Type:           TopUpType,
		Timestamp:      m.Timestamp,
		Confidence:     m.Confidence,
		SourceEventIDs: []string{m.OutID, m.InID},
	}
}
