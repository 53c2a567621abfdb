package monitor

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/balances"
)

// FailureKind classifies a failed capture.
type FailureKind string

const (
	FailureTransient FailureKind = "transient"
	FailureInvariant FailureKind = "invariant"
	FailureStore     FailureKind = "store"
	FailureConfig    FailureKind = "config"
	FailurePanic     FailureKind = "panic"
)

// CaptureError is the typed failure of one (wallet, currency) capture.
type CaptureError struct {
	WalletID string
	Currency string
	Kind     FailureKind
	Err      error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture %s/%s (%s): %v", e.WalletID, e.Currency, e.Kind, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

func captureError(walletID, currency string, kind FailureKind, err error) *CaptureError {
	return &CaptureError{WalletID: walletID, Currency: currency, Kind: kind, Err: err}
}

// fetchFailureKind maps a source error to a failure kind.
func fetchFailureKind(err error) FailureKind {
	switch {
	case balances.IsTransient(err):
		return FailureTransient
	case errors.Is(err, domain.ErrNegativeBalance), errors.Is(err, domain.ErrInvalidSnapshot):
		return FailureInvariant
	case errors.Is(err, balances.ErrNoSource):
		return FailureConfig
	default:
		return FailureTransient
	}
}
