package setup

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/vadiminshakov/balancewatch/config"
	"github.com/vadiminshakov/balancewatch/internal/domain"
)

// OutputFile is where the wizard writes the generated config.
const OutputFile = "config.gen.yaml"

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#73F59F"}

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Background(highlight).
			Padding(1, 2).
			Bold(true).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(special).
			Bold(true).
			MarginTop(1).
			MarginBottom(0)
)

func screen(step string) {
	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("BALANCEWATCH SETUP"))
	fmt.Println(stepStyle.Render(step))
}

// RunTUI launches the terminal wizard and writes OutputFile.
func RunTUI() error {
	var (
		backend     = config.StorageWAL
		databaseEnv = "BW_DATABASE_URL"
		wallets     []config.WalletConfig
	)

	fmt.Print("\033[H\033[2J")
	fmt.Println(headerStyle.Render("BALANCEWATCH SETUP"))
	fmt.Println(lipgloss.NewStyle().Foreground(subtle).Render("Describe the wallets to watch. Secrets stay in env vars.\n"))

	fmt.Println(stepStyle.Render("STEP 1: STORAGE"))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Where should snapshots be stored?").
				Options(
					huh.NewOption("Local write-ahead log", config.StorageWAL),
					huh.NewOption("PostgreSQL", config.StoragePostgres),
				).
				Value(&backend),
		),
	).Run()
	if err != nil {
		return err
	}

	if backend == config.StoragePostgres {
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Env var holding the database URL").
					Value(&databaseEnv).
					Validate(validateEnvName),
			),
		).Run()
		if err != nil {
			return err
		}
	}

	for n := 1; ; n++ {
		a, err := askWallet(n)
		if err != nil {
			return err
		}
		w, err := a.Wallet()
		if err != nil {
			return err
		}
		wallets = append(wallets, w)

		more := false
		err = huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().
					Title("Add another wallet?").
					Value(&more),
			),
		).Run()
		if err != nil {
			return err
		}
		if !more {
			break
		}
	}

	screen("FINAL CONFIRMATION")
	fmt.Println(lipgloss.NewStyle().Border(lipgloss.NormalBorder()).Padding(1).Render(summary(backend, wallets)))

	confirm := false
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title("Save configuration?").
				Affirmative("Yes, save and start").
				Negative("No, exit").
				Value(&confirm),
		),
	).Run()
	if err != nil {
		return err
	}
	if !confirm {
		return fmt.Errorf("setup cancelled by user")
	}

	data, err := Render(backend, databaseEnv, wallets)
	if err != nil {
		return err
	}
	if err := os.WriteFile(OutputFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}

	fmt.Println(lipgloss.NewStyle().Foreground(special).Render(fmt.Sprintf("\n✓ Configuration saved to %s\nStarting watcher...", OutputFile)))
	time.Sleep(1500 * time.Millisecond)
	return nil
}

func askWallet(n int) (WalletAnswers, error) {
	a := WalletAnswers{
		ID:         fmt.Sprintf("wallet-%d", n),
		UserID:     "default",
		Platform:   string(domain.PlatformEVM),
		Currencies: "USDT, USDC",
		ChainID:    "1",
	}

	screen(fmt.Sprintf("WALLET %d: PLATFORM", n))
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Wallet ID").
				Value(&a.ID).
				Validate(notEmpty),
			huh.NewInput().
				Title("Owner (user ID)").
				Description("Wallets with the same owner are analysed together").
				Value(&a.UserID).
				Validate(notEmpty),
			huh.NewSelect[string]().
				Title("Platform").
				Options(
					huh.NewOption("EVM address (MetaMask, Rabby...)", string(domain.PlatformEVM)),
					huh.NewOption("Binance", string(domain.PlatformBinance)),
					huh.NewOption("Bybit", string(domain.PlatformBybit)),
					huh.NewOption("Hyperliquid", string(domain.PlatformHyperliquid)),
					huh.NewOption("Manual balances file", string(domain.PlatformManual)),
				).
				Value(&a.Platform),
			huh.NewInput().
				Title("Currencies").
				Description("Comma separated, e.g. ETH, USDT, USDC").
				Value(&a.Currencies).
				Validate(func(s string) error {
					if len(splitList(s)) == 0 {
						return fmt.Errorf("at least one currency is required")
					}
					return nil
				}),
		),
	).Run()
	if err != nil {
		return a, err
	}

	screen(fmt.Sprintf("WALLET %d: CREDENTIALS", n))
	var fields []huh.Field
	switch domain.Platform(a.Platform) {
	case domain.PlatformEVM:
		a.RPCURLEnv = "BW_RPC_URL"
		fields = []huh.Field{
			huh.NewInput().
				Title("Address").
				Value(&a.Address).
				Validate(validateAddress),
			huh.NewInput().
				Title("Chain ID").
				Value(&a.ChainID),
			huh.NewInput().
				Title("Env var holding the RPC URL").
				Value(&a.RPCURLEnv).
				Validate(validateEnvName),
			huh.NewInput().
				Title("Extra token contracts").
				Description("SYMBOL:0xcontract:decimals, comma separated. USDT and USDC on mainnet are known").
				Value(&a.Tokens).
				Validate(func(s string) error {
					_, err := ParseTokens(s)
					return err
				}),
		}
	case domain.PlatformBinance, domain.PlatformBybit:
		prefix := "BW_" + strings.ToUpper(a.Platform)
		a.APIKeyEnv = prefix + "_API_KEY"
		a.APISecretEnv = prefix + "_API_SECRET"
		fields = []huh.Field{
			huh.NewInput().
				Title("Env var holding the API key").
				Value(&a.APIKeyEnv).
				Validate(validateEnvName),
			huh.NewInput().
				Title("Env var holding the API secret").
				Value(&a.APISecretEnv).
				Validate(validateEnvName),
		}
	case domain.PlatformHyperliquid:
		a.PrivateKeyEnv = "BW_HYPERLIQUID_PRIVATE_KEY"
		fields = []huh.Field{
			huh.NewInput().
				Title("Env var holding the private key").
				Value(&a.PrivateKeyEnv).
				Validate(validateEnvName),
			huh.NewInput().
				Title("Account address").
				Description("Optional, derived from the key when empty").
				Value(&a.Address),
		}
	case domain.PlatformManual:
		a.ManualFile = "./manual_balances.json"
		fields = []huh.Field{
			huh.NewInput().
				Title("Path to the balances file").
				Value(&a.ManualFile).
				Validate(notEmpty),
		}
	}

	return a, huh.NewForm(huh.NewGroup(fields...)).Run()
}

func summary(backend string, wallets []config.WalletConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Storage: %s\n", backend)
	for _, w := range wallets {
		fmt.Fprintf(&b, "%s (%s, owner %s): %s\n", w.ID, w.Platform, w.UserID, strings.Join(w.Currencies, ", "))
	}
	return b.String()
}

func notEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("must not be empty")
	}
	return nil
}

func validateEnvName(s string) error {
	if s == "" {
		return fmt.Errorf("must not be empty")
	}
	for _, r := range s {
		if !(r == '_' || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("use upper case letters, digits and underscores")
		}
	}
	return nil
}

func validateAddress(s string) error {
	if !strings.HasPrefix(s, "0x") || len(s) != 42 {
		return fmt.Errorf("must be a 0x-prefixed 20-byte hex address")
	}
	return nil
}
