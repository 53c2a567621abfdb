package onchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"go.uber.org/zap"
)

var (
	usdc     = common.HexToAddress("0xA0b86991c6218b36c1d19D4a2E9Eb0cE3606eB48")
	dai      = common.HexToAddress("0x6B175474E89094C44Da98b954EedeAC495271d0F")
	owner    = common.HexToAddress("0x1111111111111111111111111111111111111111")
	stranger = common.HexToAddress("0x2222222222222222222222222222222222222222")
	genesis  = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
)

type fakeChain struct {
	mu      sync.Mutex
	head    uint64
	logs    []types.Log
	err     error
	queries []ethereum.FilterQuery
}

func (c *fakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head, nil
}

func (c *fakeChain) FilterLogs(_ context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, q)
	if c.err != nil {
		return nil, c.err
	}

	var out []types.Log
	for _, lg := range c.logs {
		if lg.BlockNumber < q.FromBlock.Uint64() || lg.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if matches(q, lg) {
			out = append(out, lg)
		}
	}
	return out, nil
}

func (c *fakeChain) HeaderByNumber(_ context.Context, number *big.Int) (*types.Header, error) {
	return &types.Header{Time: uint64(genesis.Add(time.Duration(number.Int64()) * 12 * time.Second).Unix())}, nil
}

func matches(q ethereum.FilterQuery, lg types.Log) bool {
	found := false
	for _, a := range q.Addresses {
		if a == lg.Address {
			found = true
		}
	}
	if !found {
		return false
	}
	for i, set := range q.Topics {
		if len(set) == 0 {
			continue
		}
		if i >= len(lg.Topics) {
			return false
		}
		ok := false
		for _, h := range set {
			if h == lg.Topics[i] {
				ok = true
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type memRecorder struct {
	mu  sync.Mutex
	txs []domain.OnChainTransaction
}

func (r *memRecorder) Record(_ context.Context, tx domain.OnChainTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs = append(r.txs, tx)
	return nil
}

func transferLog(token, from, to common.Address, amount int64, block uint64, hash byte) types.Log {
	return types.Log{
		Address:     token,
		Topics:      []common.Hash{transferTopic, common.BytesToHash(from.Bytes()), common.BytesToHash(to.Bytes())},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
		TxHash:      common.BytesToHash([]byte{hash}),
	}
}

func testWallets() []domain.Wallet {
	return []domain.Wallet{
		{
			ID:         "metamask",
			Platform:   domain.PlatformEVM,
			Address:    owner.Hex(),
			Currencies: []string{"ETH", "USDC"},
			Tokens:     map[string]domain.Token{"USDC": {Symbol: "USDC", Contract: usdc.Hex(), Decimals: 6}},
		},
		{ID: "native-only", Platform: domain.PlatformEVM, Address: stranger.Hex(), Currencies: []string{"ETH"}},
	}
}

func TestIndexer_Sync(t *testing.T) {
	removed := transferLog(usdc, owner, stranger, 9_000_000, 1450, 5)
	removed.Removed = true

	chain := &fakeChain{
		head: 1500,
		logs: []types.Log{
			transferLog(usdc, owner, stranger, 25_000_000, 1200, 1),
			transferLog(usdc, stranger, owner, 10_500_000, 1300, 2),
			transferLog(usdc, owner, stranger, 1_000_000, 400, 3),
			transferLog(dai, owner, stranger, 7, 1300, 4),
			transferLog(usdc, stranger, stranger, 3_000_000, 1300, 6),
			removed,
		},
	}
	rec := &memRecorder{}
	x := NewIndexer(zap.NewNop(), chain, rec, testWallets())

	n, err := x.Sync(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Len(t, rec.txs, 2)

	out := rec.txs[0]
	assert.Equal(t, "metamask", out.WalletID)
	assert.Equal(t, "USDC", out.Currency)
	assert.True(t, decimal.NewFromInt(-25).Equal(out.Amount))
	assert.Equal(t, genesis.Add(1200*12*time.Second), out.Timestamp)
	assert.Equal(t, common.BytesToHash([]byte{1}).Hex(), out.Hash)
	assert.NotEmpty(t, out.ID)

	in := rec.txs[1]
	assert.True(t, decimal.RequireFromString("10.5").Equal(in.Amount))

	t.Run("next sync starts after the synced head", func(t *testing.T) {
		chain.mu.Lock()
		chain.head = 1600
		chain.logs = append(chain.logs, transferLog(usdc, owner, stranger, 2_000_000, 1550, 7))
		chain.queries = nil
		chain.mu.Unlock()

		n, err := x.Sync(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NotEmpty(t, chain.queries)
		assert.Equal(t, uint64(1501), chain.queries[0].FromBlock.Uint64())
	})
}

func TestIndexer_SplitsLongRanges(t *testing.T) {
	chain := &fakeChain{head: 250}
	x := NewIndexer(zap.NewNop(), chain, &memRecorder{}, testWallets(), WithLookback(1000), WithMaxRange(100))

	_, err := x.Sync(context.Background())
	require.NoError(t, err)

	// two directions per range: [0,99] [100,199] [200,250]
	require.Len(t, chain.queries, 6)
	assert.Equal(t, uint64(0), chain.queries[0].FromBlock.Uint64())
	assert.Equal(t, uint64(99), chain.queries[0].ToBlock.Uint64())
	assert.Equal(t, uint64(200), chain.queries[4].FromBlock.Uint64())
	assert.Equal(t, uint64(250), chain.queries[4].ToBlock.Uint64())
}

func TestIndexer_FailedRangeIsRetried(t *testing.T) {
	chain := &fakeChain{
		head: 100,
		logs: []types.Log{transferLog(usdc, owner, stranger, 5_000_000, 90, 1)},
		err:  errors.New("rpc timeout"),
	}
	rec := &memRecorder{}
	x := NewIndexer(zap.NewNop(), chain, rec, testWallets())

	_, err := x.Sync(context.Background())
	require.Error(t, err)
	assert.Empty(t, rec.txs)

	chain.mu.Lock()
	chain.err = nil
	chain.mu.Unlock()

	n, err := x.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGroup_Sync(t *testing.T) {
	mainnet := &fakeChain{head: 10, logs: []types.Log{transferLog(usdc, owner, stranger, 1_000_000, 5, 1)}}
	broken := &fakeChain{head: 10, err: errors.New("node down")}
	rec := &memRecorder{}

	g := Group{
		NewIndexer(zap.NewNop(), mainnet, rec, testWallets()),
		NewIndexer(zap.NewNop(), broken, rec, testWallets()),
	}
	n, err := g.Sync(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 1, n)

	noTokens := NewIndexer(zap.NewNop(), broken, rec, testWallets()[1:])
	n, err = noTokens.Sync(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
