package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/balancewatch/pkg/retrier"
	"gopkg.in/yaml.v3"
)

const (
	StorageWAL      = "wal"
	StoragePostgres = "postgres"

	StrategyGreedy  = "greedy"
	StrategyOptimal = "optimal"
)

type Config struct {
	Monitor   MonitorConfig
	Detector  DetectorConfig
	Matcher   MatcherConfig
	Retry     retrier.Policy
	Breaker   BreakerConfig
	RateLimit map[domain.Platform]RateLimit
	Storage   StorageConfig
	Lock      LockConfig
	Web       WebConfig
	Wallets   []WalletConfig
}

type MonitorConfig struct {
	Interval    time.Duration
	Backoff     time.Duration
	Window      time.Duration
	MinChange   decimal.Decimal
	Concurrency int
}

type DetectorConfig struct {
	SwapWindow       time.Duration
	TransferWindow   time.Duration
	LookupWindow     time.Duration
	AmountTolerance  decimal.Decimal
	StableCurrencies []string
	CardCurrencies   []string
	AllowOverlap     bool
	Strategy         string
}

type MatcherConfig struct {
	Window          time.Duration
	AmountTolerance decimal.Decimal
	OutCurrency     string
	InCurrency      string
	Strategy        string
}

type BreakerConfig struct {
	MaxRequests         uint32
	Interval            time.Duration
	Timeout             time.Duration
	ConsecutiveFailures uint32
}

type RateLimit struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

type StorageConfig struct {
	Backend        string
	WALDir         string
	OutboxDir      string
	DatabaseURLEnv string
	MigrationsDir  string
	RetentionDays  int
	RetentionCron  string
}

type LockConfig struct {
	RedisAddr        string
	RedisPasswordEnv string
	RedisDB          int
	TTL              time.Duration
}

type WebConfig struct {
	Addr     string
	Domains  []string
	CacheDir string
}

// TokenConfig is an ERC-20 contract tracked on an EVM wallet.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" validate:"required"`
	Contract string `yaml:"contract" validate:"required,startswith=0x,len=42"`
	Decimals int32  `yaml:"decimals" validate:"gte=0,lte=36"`
}

// WalletConfig is a monitored wallet entry. Secrets are referenced by env var name.
type WalletConfig struct {
	ID            string        `yaml:"id" validate:"required"`
	UserID        string        `yaml:"user_id" validate:"required"`
	Platform      string        `yaml:"platform" validate:"required,oneof=evm binance bybit hyperliquid manual"`
	Address       string        `yaml:"address,omitempty"`
	Currencies    []string      `yaml:"currencies" validate:"required,min=1,dive,required"`
	Tokens        []TokenConfig `yaml:"tokens,omitempty" validate:"dive"`
	ChainID       string        `yaml:"chain_id,omitempty"`
	RPCURLEnv     string        `yaml:"rpc_url_env,omitempty"`
	APIKeyEnv     string        `yaml:"api_key_env,omitempty"`
	APISecretEnv  string        `yaml:"api_secret_env,omitempty"`
	PrivateKeyEnv string        `yaml:"private_key_env,omitempty"`
	BaseURL       string        `yaml:"base_url,omitempty" validate:"omitempty,url"`
	ManualFile    string        `yaml:"manual_file,omitempty"`
	Disabled      bool          `yaml:"disabled,omitempty"`
}

// Wallet converts the entry to the domain wallet.
func (w WalletConfig) Wallet() domain.Wallet {
	currencies := make([]string, 0, len(w.Currencies))
	for _, c := range w.Currencies {
		currencies = append(currencies, strings.ToUpper(c))
	}
	tokens := make(map[string]domain.Token, len(w.Tokens))
	for _, t := range w.Tokens {
		symbol := strings.ToUpper(t.Symbol)
		tokens[symbol] = domain.Token{Symbol: symbol, Contract: t.Contract, Decimals: t.Decimals}
	}

	return domain.Wallet{
		ID:         w.ID,
		UserID:     w.UserID,
		Platform:   domain.Platform(w.Platform),
		Address:    w.Address,
		Currencies: currencies,
		Tokens:     tokens,
	}
}

// Secret reads the env var named by envName.
func Secret(envName string) string {
	if envName == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(envName))
}

type ConfigTmp struct {
	Monitor struct {
		Interval    time.Duration `yaml:"interval"`
		Backoff     time.Duration `yaml:"backoff"`
		Window      time.Duration `yaml:"window"`
		MinChange   string        `yaml:"min_change"`
		Concurrency int           `yaml:"concurrency"`
	} `yaml:"monitor"`
	Detector struct {
		SwapWindow       time.Duration `yaml:"swap_window"`
		TransferWindow   time.Duration `yaml:"transfer_window"`
		LookupWindow     time.Duration `yaml:"lookup_window"`
		AmountTolerance  string        `yaml:"amount_tolerance"`
		StableCurrencies []string      `yaml:"stable_currencies"`
		CardCurrencies   []string      `yaml:"card_currencies"`
		AllowOverlap     bool          `yaml:"allow_overlap"`
		Strategy         string        `yaml:"strategy"`
	} `yaml:"detector"`
	Matcher struct {
		Window          time.Duration `yaml:"window"`
		AmountTolerance string        `yaml:"amount_tolerance"`
		OutCurrency     string        `yaml:"out_currency"`
		InCurrency      string        `yaml:"in_currency"`
		Strategy        string        `yaml:"strategy"`
	} `yaml:"matcher"`
	Retry struct {
		MaxAttempts int           `yaml:"max_attempts"`
		BaseDelay   time.Duration `yaml:"base_delay"`
		MaxDelay    time.Duration `yaml:"max_delay"`
		Multiplier  float64       `yaml:"multiplier"`
		Jitter      *bool         `yaml:"jitter"`
	} `yaml:"retry"`
	Breaker struct {
		MaxRequests         uint32        `yaml:"max_requests"`
		Interval            time.Duration `yaml:"interval"`
		Timeout             time.Duration `yaml:"timeout"`
		ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	} `yaml:"breaker"`
	RateLimit map[string]RateLimit `yaml:"rate_limit"`
	Storage   struct {
		Backend        string `yaml:"backend"`
		WALDir         string `yaml:"wal_dir"`
		OutboxDir      string `yaml:"outbox_dir"`
		DatabaseURLEnv string `yaml:"database_url_env"`
		MigrationsDir  string `yaml:"migrations_dir"`
		RetentionDays  int    `yaml:"retention_days"`
		RetentionCron  string `yaml:"retention_cron"`
	} `yaml:"storage"`
	Lock struct {
		RedisAddr        string        `yaml:"redis_addr"`
		RedisPasswordEnv string        `yaml:"redis_password_env"`
		RedisDB          int           `yaml:"redis_db"`
		TTL              time.Duration `yaml:"ttl"`
	} `yaml:"lock"`
	Web struct {
		Addr     string   `yaml:"addr"`
		Domains  []string `yaml:"domains"`
		CacheDir string   `yaml:"cache_dir"`
	} `yaml:"web"`
	Wallets []WalletConfig `yaml:"wallets"`
}

// Default returns the configuration used when a section is omitted.
func Default() Config {
	return Config{
		Monitor: MonitorConfig{
			Interval:    time.Hour,
			Backoff:     60 * time.Second,
			Window:      2 * time.Hour,
			MinChange:   domain.DefaultMinChange,
			Concurrency: 8,
		},
		Detector: DetectorConfig{
			SwapWindow:       30 * time.Minute,
			TransferWindow:   30 * time.Minute,
			LookupWindow:     5 * time.Minute,
			AmountTolerance:  decimal.RequireFromString("0.05"),
			StableCurrencies: []string{"USDT", "USDC"},
			CardCurrencies:   []string{"USDC"},
			Strategy:         StrategyGreedy,
		},
		Matcher: MatcherConfig{
			Window:          5 * time.Minute,
			AmountTolerance: decimal.RequireFromString("0.02"),
			OutCurrency:     "USDT",
			InCurrency:      "USDC",
			Strategy:        StrategyGreedy,
		},
		Retry: retrier.DefaultPolicy(),
		Breaker: BreakerConfig{
			MaxRequests:         5,
			Interval:            10 * time.Second,
			Timeout:             30 * time.Second,
			ConsecutiveFailures: 5,
		},
		RateLimit: map[domain.Platform]RateLimit{
			domain.PlatformEVM:         {RPS: 10, Burst: 10},
			domain.PlatformBinance:     {RPS: 5, Burst: 5},
			domain.PlatformBybit:       {RPS: 5, Burst: 5},
			domain.PlatformHyperliquid: {RPS: 2, Burst: 2},
			domain.PlatformManual:      {RPS: 100, Burst: 100},
		},
		Storage: StorageConfig{
			Backend:       StorageWAL,
			WALDir:        "./wal/balance",
			OutboxDir:     "./wal/patterns",
			MigrationsDir: "./migrations",
			RetentionDays: 90,
			RetentionCron: "0 3 * * *",
		},
		Lock: LockConfig{TTL: 10 * time.Minute},
		Web:  WebConfig{Addr: ":8080", CacheDir: "./certs"},
	}
}

// Load reads and validates a yaml config file.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(f)
}

// Parse builds a Config from yaml bytes, filling defaults for missing values.
func Parse(data []byte) (Config, error) {
	var tmp ConfigTmp
	if err := yaml.Unmarshal(data, &tmp); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}

	c := Default()

	if tmp.Monitor.Interval > 0 {
		c.Monitor.Interval = tmp.Monitor.Interval
	}
	if tmp.Monitor.Backoff > 0 {
		c.Monitor.Backoff = tmp.Monitor.Backoff
	}
	switch {
	case tmp.Monitor.Window > 0:
		c.Monitor.Window = tmp.Monitor.Window
	case tmp.Monitor.Interval > 0:
		c.Monitor.Window = 2 * c.Monitor.Interval
	}
	// the next cycle starts Interval after the previous one ended, so its
	// window must reach back past the previous capture
	if c.Monitor.Window <= c.Monitor.Interval {
		return Config{}, fmt.Errorf("incorrect 'monitor.window' param in yaml config: %s must be longer than 'monitor.interval' %s",
			c.Monitor.Window, c.Monitor.Interval)
	}
	if tmp.Monitor.Concurrency > 0 {
		c.Monitor.Concurrency = tmp.Monitor.Concurrency
	}
	if tmp.Monitor.MinChange != "" {
		v, err := parsePositiveDecimal(tmp.Monitor.MinChange)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'monitor.min_change' param in yaml config, error: %w", err)
		}
		c.Monitor.MinChange = v
	}

	if tmp.Detector.SwapWindow > 0 {
		c.Detector.SwapWindow = tmp.Detector.SwapWindow
	}
	if tmp.Detector.TransferWindow > 0 {
		c.Detector.TransferWindow = tmp.Detector.TransferWindow
	}
	if tmp.Detector.LookupWindow > 0 {
		c.Detector.LookupWindow = tmp.Detector.LookupWindow
	}
	if tmp.Detector.AmountTolerance != "" {
		v, err := parseFraction(tmp.Detector.AmountTolerance)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'detector.amount_tolerance' param in yaml config, error: %w", err)
		}
		c.Detector.AmountTolerance = v
	}
	if len(tmp.Detector.StableCurrencies) > 0 {
		c.Detector.StableCurrencies = upper(tmp.Detector.StableCurrencies)
	}
	if len(tmp.Detector.CardCurrencies) > 0 {
		c.Detector.CardCurrencies = upper(tmp.Detector.CardCurrencies)
	}
	c.Detector.AllowOverlap = tmp.Detector.AllowOverlap
	switch tmp.Detector.Strategy {
	case "":
	case StrategyGreedy, StrategyOptimal:
		c.Detector.Strategy = tmp.Detector.Strategy
	default:
		return Config{}, fmt.Errorf("incorrect 'detector.strategy' param in yaml config: %q (greedy or optimal)", tmp.Detector.Strategy)
	}

	if tmp.Matcher.Window > 0 {
		c.Matcher.Window = tmp.Matcher.Window
	}
	if tmp.Matcher.AmountTolerance != "" {
		v, err := parseFraction(tmp.Matcher.AmountTolerance)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'matcher.amount_tolerance' param in yaml config, error: %w", err)
		}
		c.Matcher.AmountTolerance = v
	}
	if tmp.Matcher.OutCurrency != "" {
		c.Matcher.OutCurrency = strings.ToUpper(tmp.Matcher.OutCurrency)
	}
	if tmp.Matcher.InCurrency != "" {
		c.Matcher.InCurrency = strings.ToUpper(tmp.Matcher.InCurrency)
	}
	switch tmp.Matcher.Strategy {
	case "":
	case StrategyGreedy, StrategyOptimal:
		c.Matcher.Strategy = tmp.Matcher.Strategy
	default:
		return Config{}, fmt.Errorf("incorrect 'matcher.strategy' param in yaml config: %q (greedy or optimal)", tmp.Matcher.Strategy)
	}

	if tmp.Retry.MaxAttempts > 0 {
		c.Retry.MaxAttempts = tmp.Retry.MaxAttempts
	}
	if tmp.Retry.BaseDelay > 0 {
		c.Retry.BaseDelay = tmp.Retry.BaseDelay
	}
	if tmp.Retry.MaxDelay > 0 {
		c.Retry.MaxDelay = tmp.Retry.MaxDelay
	}
	if tmp.Retry.Multiplier > 0 {
		c.Retry.Multiplier = tmp.Retry.Multiplier
	}
	if tmp.Retry.Jitter != nil {
		c.Retry.Jitter = *tmp.Retry.Jitter
	}

	if tmp.Breaker.MaxRequests > 0 {
		c.Breaker.MaxRequests = tmp.Breaker.MaxRequests
	}
	if tmp.Breaker.Interval > 0 {
		c.Breaker.Interval = tmp.Breaker.Interval
	}
	if tmp.Breaker.Timeout > 0 {
		c.Breaker.Timeout = tmp.Breaker.Timeout
	}
	if tmp.Breaker.ConsecutiveFailures > 0 {
		c.Breaker.ConsecutiveFailures = tmp.Breaker.ConsecutiveFailures
	}

	for platform, rl := range tmp.RateLimit {
		if rl.RPS <= 0 {
			return Config{}, fmt.Errorf("incorrect 'rate_limit.%s.rps' param in yaml config: must be positive", platform)
		}
		if rl.Burst < 1 {
			rl.Burst = 1
		}
		c.RateLimit[domain.Platform(platform)] = rl
	}

	switch tmp.Storage.Backend {
	case "":
	case StorageWAL, StoragePostgres:
		c.Storage.Backend = tmp.Storage.Backend
	default:
		return Config{}, fmt.Errorf("incorrect 'storage.backend' param in yaml config: %q (wal or postgres)", tmp.Storage.Backend)
	}
	if tmp.Storage.WALDir != "" {
		c.Storage.WALDir = tmp.Storage.WALDir
	}
	if tmp.Storage.OutboxDir != "" {
		c.Storage.OutboxDir = tmp.Storage.OutboxDir
	}
	if tmp.Storage.MigrationsDir != "" {
		c.Storage.MigrationsDir = tmp.Storage.MigrationsDir
	}
	if tmp.Storage.RetentionDays > 0 {
		c.Storage.RetentionDays = tmp.Storage.RetentionDays
	}
	if tmp.Storage.RetentionCron != "" {
		c.Storage.RetentionCron = tmp.Storage.RetentionCron
	}
	c.Storage.DatabaseURLEnv = tmp.Storage.DatabaseURLEnv
	if c.Storage.Backend == StoragePostgres && c.Storage.DatabaseURLEnv == "" {
		return Config{}, errors.New("'storage.database_url_env' is required for the postgres backend")
	}

	c.Lock.RedisAddr = tmp.Lock.RedisAddr
	c.Lock.RedisPasswordEnv = tmp.Lock.RedisPasswordEnv
	c.Lock.RedisDB = tmp.Lock.RedisDB
	if tmp.Lock.TTL > 0 {
		c.Lock.TTL = tmp.Lock.TTL
	}

	if tmp.Web.Addr != "" {
		c.Web.Addr = tmp.Web.Addr
	}
	if tmp.Web.CacheDir != "" {
		c.Web.CacheDir = tmp.Web.CacheDir
	}
	c.Web.Domains = tmp.Web.Domains

	if err := validateWallets(tmp.Wallets); err != nil {
		return Config{}, err
	}
	c.Wallets = tmp.Wallets

	return c, nil
}

func validateWallets(wallets []WalletConfig) error {
	if len(wallets) == 0 {
		return errors.New("at least one wallet must be configured")
	}

	v := validator.New()
	seen := make(map[string]struct{}, len(wallets))
	for i, w := range wallets {
		if err := v.Struct(w); err != nil {
			return errors.Wrapf(err, "wallets[%d]", i)
		}
		if _, ok := seen[w.ID]; ok {
			return fmt.Errorf("wallets[%d]: duplicate wallet id %q", i, w.ID)
		}
		seen[w.ID] = struct{}{}

		switch domain.Platform(w.Platform) {
		case domain.PlatformEVM:
			if w.Address == "" || w.RPCURLEnv == "" {
				return fmt.Errorf("wallets[%d]: evm wallet requires 'address' and 'rpc_url_env'", i)
			}
		case domain.PlatformBinance, domain.PlatformBybit:
			if w.APIKeyEnv == "" || w.APISecretEnv == "" {
				return fmt.Errorf("wallets[%d]: %s wallet requires 'api_key_env' and 'api_secret_env'", i, w.Platform)
			}
		case domain.PlatformHyperliquid:
			if w.PrivateKeyEnv == "" {
				return fmt.Errorf("wallets[%d]: hyperliquid wallet requires 'private_key_env'", i)
			}
		case domain.PlatformManual:
			if w.ManualFile == "" {
				return fmt.Errorf("wallets[%d]: manual wallet requires 'manual_file'", i)
			}
		}
	}
	return nil
}

func parsePositiveDecimal(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if !v.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("must be positive, got %s", v)
	}
	return v, nil
}

// parseFraction accepts "0.05" or "5%".
func parseFraction(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	percent := strings.HasSuffix(s, "%")
	v, err := parsePositiveDecimal(strings.TrimSuffix(s, "%"))
	if err != nil {
		return decimal.Decimal{}, err
	}
	if percent {
		v = v.Div(decimal.NewFromInt(100))
	}
	if v.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return decimal.Decimal{}, fmt.Errorf("must be below 1 (100%%), got %s", v)
	}
	return v, nil
}

func upper(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToUpper(strings.TrimSpace(s)))
	}
	return out
}
