package clients

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
)

// DialEVM connects to a JSON-RPC node and checks that it answers.
func DialEVM(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	if rpcURL == "" {
		return nil, errors.New("empty rpc url")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, errors.Wrap(err, "dial evm rpc")
	}
	if _, err := client.ChainID(ctx); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "query chain id")
	}
	return client, nil
}
