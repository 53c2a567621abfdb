package setup

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/config"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"gopkg.in/yaml.v3"
)

// mainnetTokens are added to EVM wallets on chain 1 when the currency is listed.
var mainnetTokens = map[string]config.TokenConfig{
	"USDT": {Symbol: "USDT", Contract: "0xdAC17F958D2ee523a2206206994597C13D831ec7", Decimals: 6},
	"USDC": {Symbol: "USDC", Contract: "0xA0b86991c6218b36c1d19D4a2E9Eb0cE3606eB48", Decimals: 6},
}

// WalletAnswers is the raw form input for one wallet.
type WalletAnswers struct {
	ID            string
	UserID        string
	Platform      string
	Address       string
	Currencies    string
	ChainID       string
	Tokens        string
	RPCURLEnv     string
	APIKeyEnv     string
	APISecretEnv  string
	PrivateKeyEnv string
	ManualFile    string
}

// Wallet turns the answers into a config entry.
func (a WalletAnswers) Wallet() (config.WalletConfig, error) {
	w := config.WalletConfig{
		ID:         strings.TrimSpace(a.ID),
		UserID:     strings.TrimSpace(a.UserID),
		Platform:   a.Platform,
		Address:    strings.TrimSpace(a.Address),
		Currencies: splitList(a.Currencies),
	}

	switch domain.Platform(a.Platform) {
	case domain.PlatformEVM:
		w.ChainID = strings.TrimSpace(a.ChainID)
		w.RPCURLEnv = a.RPCURLEnv

		tokens, err := ParseTokens(a.Tokens)
		if err != nil {
			return config.WalletConfig{}, err
		}
		have := make(map[string]struct{}, len(tokens))
		for _, t := range tokens {
			have[t.Symbol] = struct{}{}
		}
		if w.ChainID == "" || w.ChainID == "1" {
			for _, c := range w.Currencies {
				if _, ok := have[c]; ok {
					continue
				}
				if t, ok := mainnetTokens[c]; ok {
					tokens = append(tokens, t)
				}
			}
		}
		w.Tokens = tokens
	case domain.PlatformBinance, domain.PlatformBybit:
		w.APIKeyEnv = a.APIKeyEnv
		w.APISecretEnv = a.APISecretEnv
	case domain.PlatformHyperliquid:
		w.PrivateKeyEnv = a.PrivateKeyEnv
	case domain.PlatformManual:
		w.ManualFile = a.ManualFile
	default:
		return config.WalletConfig{}, fmt.Errorf("unknown platform %q", a.Platform)
	}

	return w, nil
}

type generated struct {
	Storage struct {
		Backend        string `yaml:"backend"`
		DatabaseURLEnv string `yaml:"database_url_env,omitempty"`
	} `yaml:"storage"`
	Wallets []config.WalletConfig `yaml:"wallets"`
}

// Render produces the yaml config and checks that it loads.
func Render(backend, databaseEnv string, wallets []config.WalletConfig) ([]byte, error) {
	var g generated
	g.Storage.Backend = backend
	if backend == config.StoragePostgres {
		g.Storage.DatabaseURLEnv = databaseEnv
	}
	g.Wallets = wallets

	data, err := yaml.Marshal(g)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate yaml")
	}
	if _, err := config.Parse(data); err != nil {
		return nil, errors.Wrap(err, "generated config is invalid")
	}
	return data, nil
}

// ParseTokens reads "SYMBOL:0xcontract:decimals" entries separated by commas.
func ParseTokens(s string) ([]config.TokenConfig, error) {
	var tokens []config.TokenConfig
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("token %q: want SYMBOL:contract:decimals", item)
		}
		decimals, err := strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 32)
		if err != nil || decimals < 0 {
			return nil, fmt.Errorf("token %q: bad decimals", item)
		}
		contract := strings.TrimSpace(parts[1])
		if err := validateAddress(contract); err != nil {
			return nil, fmt.Errorf("token %q: %w", item, err)
		}
		tokens = append(tokens, config.TokenConfig{
			Symbol:   strings.ToUpper(strings.TrimSpace(parts[0])),
			Contract: contract,
			Decimals: int32(decimals),
		})
	}
	return tokens, nil
}

func splitList(s string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, item := range strings.Split(s, ",") {
		item = strings.ToUpper(strings.TrimSpace(item))
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
