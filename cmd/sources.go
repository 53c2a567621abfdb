package main

import (
	"context"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/config"
	"github.com/vadiminshakov/balancewatch/internal/clients"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/internal/services/balances"
	"github.com/vadiminshakov/balancewatch/internal/storage/manualbalances"
	"go.uber.org/zap"
)

func walletsFromConfig(entries []config.WalletConfig) ([]domain.Wallet, []string) {
	out := make([]domain.Wallet, 0, len(entries))
	var inactive []string
	for _, e := range entries {
		out = append(out, e.Wallet())
		if e.Disabled {
			inactive = append(inactive, e.ID)
		}
	}
	return out, inactive
}

func limits(cfg map[domain.Platform]config.RateLimit) map[domain.Platform]balances.Limit {
	out := make(map[domain.Platform]balances.Limit, len(cfg))
	for platform, rl := range cfg {
		out[platform] = balances.Limit{RPS: rl.RPS, Burst: rl.Burst}
	}
	return out
}

// evmChain is one RPC endpoint with the enabled wallets read through it.
type evmChain struct {
	client  *ethclient.Client
	wallets []domain.Wallet
}

// buildSources creates one balance source per enabled wallet. EVM wallets sharing
// an RPC endpoint share a client, returned per endpoint for the transfer indexer.
// A wallet whose node cannot be reached at startup is logged and left without a
// source, so its captures fail until restart.
func buildSources(ctx context.Context, l *zap.Logger, entries []config.WalletConfig) (*balances.Router, []*evmChain, error) {
	router := balances.NewRouter()
	evmClients := make(map[string]*evmChain)
	var chains []*evmChain

	for _, w := range entries {
		if w.Disabled {
			continue
		}
		logger := l.With(zap.String("wallet_id", w.ID), zap.String("platform", w.Platform))

		switch domain.Platform(w.Platform) {
		case domain.PlatformEVM:
			rpcURL := config.Secret(w.RPCURLEnv)
			chain, ok := evmClients[rpcURL]
			if !ok {
				client, err := clients.DialEVM(ctx, rpcURL)
				if err != nil {
					logger.Error("evm node unavailable, wallet will not be captured",
						zap.String("rpc_url_env", w.RPCURLEnv), zap.Error(err))
					continue
				}
				chain = &evmChain{client: client}
				evmClients[rpcURL] = chain
				chains = append(chains, chain)
			}
			chain.wallets = append(chain.wallets, w.Wallet())
			router.Register(w.ID, balances.NewEVMSource(chain.client))

		case domain.PlatformBinance:
			key, secret, err := apiCredentials(w)
			if err != nil {
				return nil, nil, err
			}
			router.Register(w.ID, balances.NewBinanceSource(clients.NewBinanceClient(key, secret, w.BaseURL)))

		case domain.PlatformBybit:
			key, secret, err := apiCredentials(w)
			if err != nil {
				return nil, nil, err
			}
			router.Register(w.ID, balances.NewBybitSource(clients.NewBybitClient(key, secret, w.BaseURL)))

		case domain.PlatformHyperliquid:
			privateKey := config.Secret(w.PrivateKeyEnv)
			if privateKey == "" {
				return nil, nil, errors.Errorf("wallet %s: env %s is empty", w.ID, w.PrivateKeyEnv)
			}
			client, err := clients.NewHyperliquidClient(ctx, privateKey, w.BaseURL, w.Address)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "wallet %s", w.ID)
			}
			router.Register(w.ID, balances.NewHyperliquidSource(client.Info(), client.AccountAddress()))

		case domain.PlatformManual:
			book, err := manualbalances.NewStore(w.ManualFile)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "wallet %s", w.ID)
			}
			router.Register(w.ID, balances.NewManualSource(book))

		default:
			return nil, nil, errors.Errorf("wallet %s: unsupported platform %q", w.ID, w.Platform)
		}

		logger.Debug("balance source registered")
	}

	return router, chains, nil
}

func apiCredentials(w config.WalletConfig) (string, string, error) {
	key, secret := config.Secret(w.APIKeyEnv), config.Secret(w.APISecretEnv)
	if key == "" || secret == "" {
		return "", "", errors.Errorf("wallet %s: env %s and %s must be set", w.ID, w.APIKeyEnv, w.APISecretEnv)
	}
	return key, secret, nil
}
