package domain

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeBalance is returned when a snapshot is built with balance < 0.
	ErrNegativeBalance = errors.New("balance must not be negative")
	// ErrInvalidSnapshot is returned when required snapshot fields are missing.
	ErrInvalidSnapshot = errors.New("invalid balance snapshot")
)

// SnapshotSource tells where an observed balance came from.
type SnapshotSource string

const (
	SourceBlockchain SnapshotSource = "blockchain"
	SourceAPI        SnapshotSource = "api"
	SourceManual     SnapshotSource = "manual"
)

// Valid reports whether s is one of the known sources.
func (s SnapshotSource) Valid() bool {
	switch s {
	case SourceBlockchain, SourceAPI, SourceManual:
		return true
	}
	return false
}

// BalanceSnapshot is a single observed balance of one wallet in one currency.
// Snapshots are immutable: a later observation supersedes, never updates, an earlier one.
type BalanceSnapshot struct {
	ID          string          `json:"id"`
	WalletID    string          `json:"wallet_id"`
	Currency    string          `json:"currency"`
	Balance     decimal.Decimal `json:"balance"`
	Timestamp   time.Time       `json:"ts"`
	Source      SnapshotSource  `json:"source"`
	BlockNumber *uint64         `json:"block_number,omitempty"`
	ChainID     *string         `json:"chain_id,omitempty"`
}

// SnapshotOption sets optional snapshot fields.
type SnapshotOption func(*BalanceSnapshot)

// WithBlockNumber records the block height the balance was read at.
func WithBlockNumber(n uint64) SnapshotOption {
	return func(s *BalanceSnapshot) {
		s.BlockNumber = &n
	}
}

// WithChainID records the chain the balance was read from.
func WithChainID(id string) SnapshotOption {
	return func(s *BalanceSnapshot) {
		if id != "" {
			s.ChainID = &id
		}
	}
}

// NewBalanceSnapshot creates a validated snapshot. The ID is left empty, stores assign it on save.
func NewBalanceSnapshot(
	walletID string,
	currency string,
	balance decimal.Decimal,
	timestamp time.Time,
	source SnapshotSource,
	opts ...SnapshotOption,
) (BalanceSnapshot, error) {
	s := BalanceSnapshot{
		WalletID:  walletID,
		Currency:  strings.ToUpper(strings.TrimSpace(currency)),
		Balance:   balance,
		Timestamp: timestamp.UTC(),
		Source:    source,
	}
	for _, opt := range opts {
		opt(&s)
	}

	if err := s.Validate(); err != nil {
		return BalanceSnapshot{}, err
	}

	return s, nil
}

// Validate checks snapshot invariants.
func (s BalanceSnapshot) Validate() error {
	if s.Balance.IsNegative() {
		return errors.Wrapf(ErrNegativeBalance, "wallet %s %s: %s", s.WalletID, s.Currency, s.Balance)
	}
	if s.WalletID == "" {
		return errors.Wrap(ErrInvalidSnapshot, "wallet id is required")
	}
	if s.Currency == "" {
		return errors.Wrap(ErrInvalidSnapshot, "currency is required")
	}
	if s.Timestamp.IsZero() {
		return errors.Wrap(ErrInvalidSnapshot, "timestamp is required")
	}
	if !s.Source.Valid() {
		return errors.Wrapf(ErrInvalidSnapshot, "unknown source %q", s.Source)
	}
	return nil
}

// SeriesKey identifies the (wallet, currency) history the snapshot belongs to.
func (s BalanceSnapshot) SeriesKey() string {
	return SeriesKey(s.WalletID, s.Currency)
}

// SeriesKey builds the (wallet, currency) key used to group snapshots and deltas.
func SeriesKey(walletID, currency string) string {
	return walletID + "/" + strings.ToUpper(currency)
}

// BalanceSnapshotRecord bundles a snapshot with its position in the snapshot log.
type BalanceSnapshotRecord struct {
	Index    uint64
	Snapshot BalanceSnapshot
}
