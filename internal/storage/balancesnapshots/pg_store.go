package balancesnapshots

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

// PGStore keeps snapshots in the balance_snapshots table.
type PGStore struct {
	db *sqlx.DB
}

func NewPGStore(db *sqlx.DB) *PGStore {
	return &PGStore{db: db}
}

type snapshotRow struct {
	ID          string          `db:"id"`
	WalletID    string          `db:"wallet_id"`
	Currency    string          `db:"currency"`
	Balance     decimal.Decimal `db:"balance"`
	Timestamp   time.Time       `db:"ts"`
	Source      string          `db:"source"`
	BlockNumber sql.NullInt64   `db:"block_number"`
	ChainID     sql.NullString  `db:"chain_id"`
}

func (r snapshotRow) snapshot() domain.BalanceSnapshot {
	s := domain.BalanceSnapshot{
		ID:        r.ID,
		WalletID:  r.WalletID,
		Currency:  r.Currency,
		Balance:   r.Balance,
		Timestamp: r.Timestamp.UTC(),
		Source:    domain.SnapshotSource(r.Source),
	}
	if r.BlockNumber.Valid {
		n := uint64(r.BlockNumber.Int64)
		s.BlockNumber = &n
	}
	if r.ChainID.Valid {
		id := r.ChainID.String
		s.ChainID = &id
	}
	return s
}

const snapshotColumns = `id, wallet_id, currency, balance, ts, source, block_number, chain_id`

// Save inserts the snapshot and returns its ID.
func (s *PGStore) Save(ctx context.Context, snapshot domain.BalanceSnapshot) (string, error) {
	if err := snapshot.Validate(); err != nil {
		return "", err
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}

	var block sql.NullInt64
	if snapshot.BlockNumber != nil {
		block = sql.NullInt64{Int64: int64(*snapshot.BlockNumber), Valid: true}
	}
	var chain sql.NullString
	if snapshot.ChainID != nil {
		chain = sql.NullString{String: *snapshot.ChainID, Valid: true}
	}

	query := `INSERT INTO balance_snapshots (` + snapshotColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.db.ExecContext(ctx, query,
		snapshot.ID, snapshot.WalletID, snapshot.Currency, snapshot.Balance,
		snapshot.Timestamp, string(snapshot.Source), block, chain)
	if err != nil {
		return "", errors.Wrap(err, "insert balance snapshot")
	}

	return snapshot.ID, nil
}

// Latest returns the most recent snapshot, or nil when none exists.
func (s *PGStore) Latest(ctx context.Context, walletID, currency string) (*domain.BalanceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM balance_snapshots
		WHERE wallet_id = $1 AND currency = $2
		ORDER BY ts DESC LIMIT 1`
	return s.getOne(ctx, query, walletID, currency)
}

// LatestBefore returns the closest snapshot at or before at, or nil.
func (s *PGStore) LatestBefore(ctx context.Context, walletID, currency string, at time.Time) (*domain.BalanceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM balance_snapshots
		WHERE wallet_id = $1 AND currency = $2 AND ts <= $3
		ORDER BY ts DESC LIMIT 1`
	return s.getOne(ctx, query, walletID, currency, at)
}

// InRange returns snapshots with from <= ts <= to, ascending by time.
func (s *PGStore) InRange(ctx context.Context, walletID, currency string, from, to time.Time) ([]domain.BalanceSnapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM balance_snapshots
		WHERE wallet_id = $1 AND currency = $2 AND ts BETWEEN $3 AND $4
		ORDER BY ts ASC`

	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, walletID, currency, from, to); err != nil {
		return nil, errors.Wrap(err, "select balance snapshots")
	}

	out := make([]domain.BalanceSnapshot, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.snapshot())
	}
	return out, nil
}

// DeleteOlderThan removes snapshots with ts < cutoff.
func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM balance_snapshots WHERE ts < $1`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "delete old balance snapshots")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

func (s *PGStore) getOne(ctx context.Context, query string, args ...any) (*domain.BalanceSnapshot, error) {
	var row snapshotRow
	err := s.db.GetContext(ctx, &row, query, args...)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get balance snapshot")
	}
	snapshot := row.snapshot()
	return &snapshot, nil
}
