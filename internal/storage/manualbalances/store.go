package manualbalances

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrUnknownCurrency is returned when the file has no entry for a currency.
var ErrUnknownCurrency = errors.New("no manual balance for currency")

// State is the persisted file content: hand-entered balances of one wallet.
type State struct {
	Balances  map[string]string `json:"balances"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store reads and writes a JSON balance file for a manually tracked wallet.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a store at path, creating the parent directory.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("manual balance file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(err, "create manual balance dir")
	}
	return &Store{path: path}, nil
}

// Load reads the file. A missing or empty file yields an empty state.
func (s *Store) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.load()
}

// Balance returns the hand-entered balance for currency.
func (s *Store) Balance(currency string) (decimal.Decimal, time.Time, error) {
	state, err := s.Load()
	if err != nil {
		return decimal.Decimal{}, time.Time{}, err
	}

	raw, ok := state.Balances[strings.ToUpper(currency)]
	if !ok {
		return decimal.Decimal{}, time.Time{}, errors.Wrap(ErrUnknownCurrency, currency)
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, time.Time{}, errors.Wrapf(err, "parse manual %s balance", currency)
	}
	return v, state.UpdatedAt, nil
}

// Set records a balance for currency and persists the file.
func (s *Store) Set(currency string, amount decimal.Decimal, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, err := s.load()
	if err != nil {
		return err
	}
	if state.Balances == nil {
		state.Balances = make(map[string]string)
	}
	state.Balances[strings.ToUpper(currency)] = amount.String()
	state.UpdatedAt = at.UTC()

	return s.save(state)
}

func (s *Store) load() (State, error) {
	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return State{}, nil
		}
		return State{}, errors.Wrap(err, "read manual balance file")
	}
	if len(payload) == 0 {
		return State{}, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return State{}, errors.Wrap(err, "decode manual balance file")
	}

	normalized := make(map[string]string, len(state.Balances))
	for k, v := range state.Balances {
		normalized[strings.ToUpper(k)] = v
	}
	state.Balances = normalized

	return state, nil
}

// save writes the state atomically via a temp file.
func (s *Store) save(state State) error {
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode manual balance file")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write manual balance temp file")
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist manual balance file")
	}
	return nil
}
