package balances

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

const nativeDecimals = 18

var balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]

// EVMClient is the subset of ethclient.Client used to read balances.
type EVMClient interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// EVMSource reads native and ERC-20 balances from an EVM JSON-RPC node.
// Currencies with a configured token contract are read via balanceOf, the rest as the native coin.
type EVMSource struct {
	client EVMClient

	mu      sync.Mutex
	chainID string
}

func NewEVMSource(client EVMClient) *EVMSource {
	return &EVMSource{client: client}
}

// FetchBalance implements Source.
func (s *EVMSource) FetchBalance(ctx context.Context, wallet domain.Wallet, currency string) (Reading, error) {
	if !common.IsHexAddress(wallet.Address) {
		return Reading{}, errors.Errorf("invalid evm address %q for wallet %s", wallet.Address, wallet.ID)
	}
	account := common.HexToAddress(wallet.Address)

	chainID, err := s.chain(ctx)
	if err != nil {
		return Reading{}, err
	}

	block, err := s.client.BlockNumber(ctx)
	if err != nil {
		return Reading{}, Transient(errors.Wrap(err, "get block number"))
	}
	at := new(big.Int).SetUint64(block)

	var (
		raw      *big.Int
		decimals int32 = nativeDecimals
	)
	if token, ok := wallet.Token(currency); ok {
		raw, err = s.tokenBalance(ctx, account, token, at)
		decimals = token.Decimals
	} else {
		raw, err = s.client.BalanceAt(ctx, account, at)
		if err != nil {
			err = Transient(errors.Wrapf(err, "get %s balance", strings.ToUpper(currency)))
		}
	}
	if err != nil {
		return Reading{}, err
	}

	return Reading{
		Amount:      decimal.NewFromBigInt(raw, -decimals),
		Source:      domain.SourceBlockchain,
		BlockNumber: &block,
		ChainID:     chainID,
	}, nil
}

func (s *EVMSource) tokenBalance(ctx context.Context, account common.Address, token domain.Token, at *big.Int) (*big.Int, error) {
	if !common.IsHexAddress(token.Contract) {
		return nil, errors.Errorf("invalid %s contract address %q", token.Symbol, token.Contract)
	}
	contract := common.HexToAddress(token.Contract)

	data := make([]byte, 0, 4+32)
	data = append(data, balanceOfSelector...)
	data = append(data, common.LeftPadBytes(account.Bytes(), 32)...)

	out, err := s.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data}, at)
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "call %s balanceOf", token.Symbol))
	}
	if len(out) == 0 {
		return nil, errors.Errorf("%s contract %s returned no data", token.Symbol, token.Contract)
	}
	return new(big.Int).SetBytes(out), nil
}

func (s *EVMSource) chain(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.chainID != "" {
		return s.chainID, nil
	}
	id, err := s.client.ChainID(ctx)
	if err != nil {
		return "", Transient(errors.Wrap(err, "get chain id"))
	}
	s.chainID = id.String()
	return s.chainID, nil
}
