package clients

import (
	"context"
	"crypto/ecdsa"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

const HyperliquidMainnetURL = "https://api.hyperliquid.xyz"

type HyperliquidClient struct {
	exchange    *hyperliquid.Exchange
	accountAddr string
}

// NewHyperliquidClient signs with privateKeyHex. The account address is derived
// from the key unless accountAddr is given (vault or sub-account).
func NewHyperliquidClient(ctx context.Context, privateKeyHex, baseURL, accountAddr string) (*HyperliquidClient, error) {
	key := strings.TrimPrefix(strings.TrimPrefix(privateKeyHex, "0x"), "0X")

	privateKey, err := crypto.HexToECDSA(key)
	if err != nil {
		return nil, errors.Wrap(err, "parse hyperliquid private key")
	}

	pubECDSA, ok := privateKey.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, errors.New("error casting public key to ECDSA")
	}
	if accountAddr == "" {
		accountAddr = crypto.PubkeyToAddress(*pubECDSA).Hex()
	} else if !common.IsHexAddress(accountAddr) {
		return nil, errors.Errorf("invalid hyperliquid account address %q", accountAddr)
	}
	if baseURL == "" {
		baseURL = HyperliquidMainnetURL
	}

	// meta is fetched lazily by the SDK
	ex := hyperliquid.NewExchange(ctx, privateKey, baseURL, nil, "", accountAddr, nil)

	return &HyperliquidClient{exchange: ex, accountAddr: accountAddr}, nil
}

func (c *HyperliquidClient) Info() *hyperliquid.Info { return c.exchange.Info() }
func (c *HyperliquidClient) AccountAddress() string  { return c.accountAddr }
