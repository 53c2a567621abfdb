package transactions

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

// PGLookup reads on-chain transactions recorded in the onchain_transactions table.
type PGLookup struct {
	db *sqlx.DB
}

func NewPGLookup(db *sqlx.DB) *PGLookup {
	return &PGLookup{db: db}
}

// TransactionsNear returns the wallet's transactions with ts in [ts-window, ts+window].
// Amount is not filtered here; callers apply their own tolerance.
func (l *PGLookup) TransactionsNear(ctx context.Context, walletID string, _ decimal.Decimal, ts time.Time, window time.Duration) ([]domain.OnChainTransaction, error) {
	query := `SELECT id, wallet_id, tx_hash, currency, amount, ts
		FROM onchain_transactions
		WHERE wallet_id = $1 AND ts BETWEEN $2 AND $3
		ORDER BY ts ASC`

	var txs []domain.OnChainTransaction
	if err := l.db.SelectContext(ctx, &txs, query, walletID, ts.Add(-window), ts.Add(window)); err != nil {
		return nil, errors.Wrap(err, "select on-chain transactions")
	}
	return txs, nil
}

// Record stores an on-chain transaction, ignoring duplicates.
func (l *PGLookup) Record(ctx context.Context, tx domain.OnChainTransaction) error {
	query := `INSERT INTO onchain_transactions (id, wallet_id, tx_hash, currency, amount, ts)
		VALUES (:id, :wallet_id, :tx_hash, :currency, :amount, :ts)
		ON CONFLICT (wallet_id, tx_hash, currency) DO NOTHING`
	if _, err := l.db.NamedExecContext(ctx, query, tx); err != nil {
		return errors.Wrap(err, "insert on-chain transaction")
	}
	return nil
}

// NoopLookup reports no on-chain activity. Every expense becomes a card-payment candidate.
type NoopLookup struct{}

func (NoopLookup) TransactionsNear(context.Context, string, decimal.Decimal, time.Time, time.Duration) ([]domain.OnChainTransaction, error) {
	return nil, nil
}
