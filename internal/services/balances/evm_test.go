package balances

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

type fakeEVM struct {
	block     uint64
	chainID   int64
	chainErr  error
	native    *big.Int
	token     *big.Int
	callErr   error
	lastCall  ethereum.CallMsg
	lastBlock *big.Int
}

func (f *fakeEVM) BlockNumber(context.Context) (uint64, error) { return f.block, nil }

func (f *fakeEVM) ChainID(context.Context) (*big.Int, error) {
	if f.chainErr != nil {
		return nil, f.chainErr
	}
	return big.NewInt(f.chainID), nil
}

func (f *fakeEVM) BalanceAt(_ context.Context, _ common.Address, block *big.Int) (*big.Int, error) {
	f.lastBlock = block
	return f.native, nil
}

func (f *fakeEVM) CallContract(_ context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	f.lastCall, f.lastBlock = msg, block
	if f.callErr != nil {
		return nil, f.callErr
	}
	return common.LeftPadBytes(f.token.Bytes(), 32), nil
}

const testAddr = "0x1111111111111111111111111111111111111111"

func evmWallet() domain.Wallet {
	return domain.Wallet{
		ID:       "metamask",
		Platform: domain.PlatformEVM,
		Address:  testAddr,
		Tokens: map[string]domain.Token{
			"USDT": {Symbol: "USDT", Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
		},
	}
}

func TestEVMSource_Native(t *testing.T) {
	wei, _ := new(big.Int).SetString("1500000000000000001", 10)
	client := &fakeEVM{block: 100, chainID: 1, native: wei}
	src := NewEVMSource(client)

	r, err := src.FetchBalance(context.Background(), evmWallet(), "ETH")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.500000000000000001").Equal(r.Amount))
	assert.Equal(t, domain.SourceBlockchain, r.Source)
	require.NotNil(t, r.BlockNumber)
	assert.Equal(t, uint64(100), *r.BlockNumber)
	assert.Equal(t, "1", r.ChainID)
	assert.Equal(t, int64(100), client.lastBlock.Int64())
}

func TestEVMSource_Token(t *testing.T) {
	client := &fakeEVM{block: 7, chainID: 137, token: big.NewInt(12_345_678)}
	src := NewEVMSource(client)

	r, err := src.FetchBalance(context.Background(), evmWallet(), "usdt")
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("12.345678").Equal(r.Amount))
	assert.Equal(t, "137", r.ChainID)

	require.Len(t, client.lastCall.Data, 36)
	assert.Equal(t, []byte{0x70, 0xa0, 0x82, 0x31}, client.lastCall.Data[:4])
	assert.Equal(t, common.HexToAddress(testAddr).Bytes(), client.lastCall.Data[16:])
	assert.Equal(t, common.HexToAddress("0xdAC17F958D2ee523a2206206994597C13D831ec7"), *client.lastCall.To)
}

func TestEVMSource_Errors(t *testing.T) {
	t.Run("rpc failure is transient", func(t *testing.T) {
		src := NewEVMSource(&fakeEVM{chainID: 1, callErr: errors.New("connection reset")})
		_, err := src.FetchBalance(context.Background(), evmWallet(), "USDT")
		assert.True(t, IsTransient(err))
	})

	t.Run("chain id failure is transient and retried later", func(t *testing.T) {
		client := &fakeEVM{chainErr: errors.New("timeout"), native: big.NewInt(1)}
		src := NewEVMSource(client)
		_, err := src.FetchBalance(context.Background(), evmWallet(), "ETH")
		assert.True(t, IsTransient(err))

		client.chainErr, client.chainID = nil, 10
		r, err := src.FetchBalance(context.Background(), evmWallet(), "ETH")
		require.NoError(t, err)
		assert.Equal(t, "10", r.ChainID)
	})

	t.Run("invalid address is permanent", func(t *testing.T) {
		w := evmWallet()
		w.Address = "not-an-address"
		_, err := NewEVMSource(&fakeEVM{}).FetchBalance(context.Background(), w, "ETH")
		require.Error(t, err)
		assert.False(t, IsTransient(err))
	})
}
