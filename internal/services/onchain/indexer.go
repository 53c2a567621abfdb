// Package onchain records the ERC-20 transfers of monitored EVM wallets, so the
// card-payment rule can tell an on-chain send from a card-network debit.
package onchain

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultLookback is how many blocks behind the head the first scan starts.
	DefaultLookback uint64 = 1000
	// DefaultMaxRange caps the block span of one log query.
	DefaultMaxRange uint64 = 2000
)

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// LogClient is the subset of ethclient.Client used to read transfer logs.
type LogClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// Recorder persists observed transactions. Duplicates must be ignored.
type Recorder interface {
	Record(ctx context.Context, tx domain.OnChainTransaction) error
}

// Indexer scans one chain for token transfers to or from a set of wallets.
// Wallets without configured tokens are ignored; native coin transfers are not indexed.
type Indexer struct {
	l        *zap.Logger
	client   LogClient
	recorder Recorder
	wallets  []domain.Wallet
	lookback uint64
	maxRange uint64

	mu      sync.Mutex
	started bool
	next    uint64
}

// Option customises an Indexer.
type Option func(*Indexer)

// WithLookback sets how far behind the head the first scan starts.
func WithLookback(blocks uint64) Option {
	return func(x *Indexer) { x.lookback = blocks }
}

// WithMaxRange caps the block span of one log query.
func WithMaxRange(blocks uint64) Option {
	return func(x *Indexer) {
		if blocks > 0 {
			x.maxRange = blocks
		}
	}
}

func NewIndexer(l *zap.Logger, client LogClient, recorder Recorder, wallets []domain.Wallet, opts ...Option) *Indexer {
	x := &Indexer{
		l:        l,
		client:   client,
		recorder: recorder,
		lookback: DefaultLookback,
		maxRange: DefaultMaxRange,
	}
	for _, w := range wallets {
		if len(w.Tokens) > 0 && common.IsHexAddress(w.Address) {
			x.wallets = append(x.wallets, w)
		}
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Sync records the transfers in blocks after the last synced one up to the current head
// and returns how many were recorded. A failed range is retried on the next call.
func (x *Indexer) Sync(ctx context.Context) (int, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if len(x.wallets) == 0 {
		return 0, nil
	}

	head, err := x.client.BlockNumber(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "get block number")
	}
	if !x.started {
		x.next = 0
		if head > x.lookback {
			x.next = head - x.lookback
		}
		x.started = true
	}

	recorded := 0
	for x.next <= head {
		to := x.next + x.maxRange - 1
		if to > head {
			to = head
		}
		n, err := x.scan(ctx, x.next, to)
		recorded += n
		if err != nil {
			return recorded, errors.Wrapf(err, "scan blocks %d-%d", x.next, to)
		}
		x.next = to + 1
	}

	return recorded, nil
}

func (x *Indexer) scan(ctx context.Context, from, to uint64) (int, error) {
	timestamps := make(map[uint64]time.Time)
	recorded := 0

	for _, w := range x.wallets {
		tokens := make(map[common.Address]domain.Token, len(w.Tokens))
		contracts := make([]common.Address, 0, len(w.Tokens))
		for _, t := range w.Tokens {
			if !common.IsHexAddress(t.Contract) {
				continue
			}
			addr := common.HexToAddress(t.Contract)
			tokens[addr] = t
			contracts = append(contracts, addr)
		}
		if len(contracts) == 0 {
			continue
		}

		account := common.BytesToHash(common.HexToAddress(w.Address).Bytes())
		directions := []struct {
			topics [][]common.Hash
			sign   int64
		}{
			{topics: [][]common.Hash{{transferTopic}, {account}}, sign: -1},
			{topics: [][]common.Hash{{transferTopic}, nil, {account}}, sign: 1},
		}

		for _, dir := range directions {
			logs, err := x.client.FilterLogs(ctx, ethereum.FilterQuery{
				FromBlock: new(big.Int).SetUint64(from),
				ToBlock:   new(big.Int).SetUint64(to),
				Addresses: contracts,
				Topics:    dir.topics,
			})
			if err != nil {
				return recorded, errors.Wrapf(err, "filter transfer logs of %s", w.ID)
			}

			for _, lg := range logs {
				token, ok := tokens[lg.Address]
				if !ok || lg.Removed {
					continue
				}
				ts, err := x.blockTime(ctx, timestamps, lg.BlockNumber)
				if err != nil {
					return recorded, err
				}
				amount := decimal.NewFromBigInt(new(big.Int).SetBytes(lg.Data), -token.Decimals).Mul(decimal.NewFromInt(dir.sign))

				tx := domain.OnChainTransaction{
					ID:        uuid.NewString(),
					WalletID:  w.ID,
					Hash:      lg.TxHash.Hex(),
					Currency:  strings.ToUpper(token.Symbol),
					Amount:    amount,
					Timestamp: ts,
				}
				if err := x.recorder.Record(ctx, tx); err != nil {
					return recorded, err
				}
				recorded++

				x.l.Debug("on-chain transfer recorded",
					zap.String("wallet_id", w.ID),
					zap.String("currency", tx.Currency),
					zap.String("amount", amount.String()),
					zap.String("tx_hash", tx.Hash),
				)
			}
		}
	}

	return recorded, nil
}

func (x *Indexer) blockTime(ctx context.Context, cache map[uint64]time.Time, block uint64) (time.Time, error) {
	if ts, ok := cache[block]; ok {
		return ts, nil
	}
	h, err := x.client.HeaderByNumber(ctx, new(big.Int).SetUint64(block))
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "get header %d", block)
	}
	ts := time.Unix(int64(h.Time), 0).UTC()
	cache[block] = ts
	return ts, nil
}

// Group syncs several chains concurrently.
type Group []*Indexer

// Sync runs every indexer and returns the total recorded. Every chain is attempted
// even when another fails; the first error is returned.
func (g Group) Sync(ctx context.Context) (int, error) {
	var (
		mu    sync.Mutex
		total int
		eg    errgroup.Group
	)
	for _, x := range g {
		eg.Go(func() error {
			n, err := x.Sync(ctx)
			mu.Lock()
			total += n
			mu.Unlock()
			return err
		})
	}
	err := eg.Wait()
	return total, err
}
