package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"walletsync/pkg/models"
	"walletsync/pkg/syncer"
	"walletsync/pkg/wallet"

	"github.com/spf13/viper"
)

const ConfigFileName = ".walletsync.json"

const (
	// RemoteURLKey is the base url of the remote token-list store
	RemoteURLKey = "REMOTE_URL"
	// DatadirKey is the local directory holding the wallet database
	DatadirKey = "DATADIR"
	// LogLevelKey is a logrus level, see https://godoc.org/github.com/sirupsen/logrus#Level
	LogLevelKey = "LOG_LEVEL"
	// MnemonicKey seeds the software key provisioner
	MnemonicKey = "MNEMONIC"
	// CurrencyKey is the display currency of totals
	CurrencyKey = "DISPLAY_CURRENCY"

	EVMDerivationPath = "m/44'/60'/0'/0/0"
)

// TokenConfig holds configuration for a default token of a chain.
type TokenConfig struct {
	Symbol      string `json:"symbol"`
	Address     string `json:"address"`
	Decimals    int    `json:"decimals"`
	CoinGeckoID string `json:"coingecko_id"`
}

// ChainConfig holds configuration for one blockchain.
type ChainConfig struct {
	Name           string           `json:"name"`
	Kind           wallet.ChainKind `json:"kind,omitempty"`
	Curve          models.Curve     `json:"curve,omitempty"`
	RPCURLs        []string         `json:"rpc_urls"`
	Symbol         string           `json:"symbol"`
	Decimals       int              `json:"decimals,omitempty"`
	CoinGeckoID    string           `json:"coingecko_id"`
	ChainID        int64            `json:"chain_id,omitempty"`
	DerivationPath string           `json:"derivation_path,omitempty"`
	ExplorerURL    string           `json:"explorer_url,omitempty"`
	// Persistent chains get their native coin added back on every start.
	Persistent bool          `json:"persistent,omitempty"`
	Tokens     []TokenConfig `json:"tokens"`
}

// WalletConfig describes the wallet held by the card.
type WalletConfig struct {
	Name     string   `json:"name"`
	Mnemonic string   `json:"mnemonic,omitempty"`
	CardIDs  []string `json:"card_ids,omitempty"`
	ReadOnly bool     `json:"read_only,omitempty"`
}

// GlobalConfig holds application-wide settings.
type GlobalConfig struct {
	DisplayCurrency        string `json:"display_currency"`
	RemoteURL              string `json:"remote_url,omitempty"`
	Datadir                string `json:"datadir,omitempty"`
	LogLevel               int    `json:"log_level"`
	FetchTimeoutSeconds    int    `json:"fetch_timeout_seconds"`
	RefreshIntervalSeconds int    `json:"refresh_interval_seconds"`
	AggregateDebounceMs    int    `json:"aggregate_debounce_ms"`
	SyncDebounceMs         int    `json:"sync_debounce_ms"`
	SyncBackoffMs          int    `json:"sync_backoff_ms"`
	SyncMaxBackoffMs       int    `json:"sync_max_backoff_ms"`
	SyncMaxAttempts        int    `json:"sync_max_attempts"`
	PriceIntervalSeconds   int    `json:"price_interval_seconds"`
	PricesPerMinute        int    `json:"prices_per_minute"`
	PrivacyTimeoutSeconds  int    `json:"privacy_timeout_seconds"`
	FiatDecimals           int    `json:"fiat_decimals"`
	TokenDecimals          int    `json:"token_decimals"`
}

type Config struct {
	Wallet WalletConfig  `json:"wallet"`
	Chains []ChainConfig `json:"chains"`
	GlobalConfig
}

func DefaultGlobalConfig() GlobalConfig {
	return GlobalConfig{
		DisplayCurrency:        "usd",
		LogLevel:               4,
		FetchTimeoutSeconds:    10,
		RefreshIntervalSeconds: 30,
		AggregateDebounceMs:    150,
		SyncDebounceMs:         500,
		SyncBackoffMs:          1000,
		SyncMaxBackoffMs:       30000,
		SyncMaxAttempts:        5,
		PriceIntervalSeconds:   60,
		PricesPerMinute:        10,
		PrivacyTimeoutSeconds:  60,
		FiatDecimals:           2,
		TokenDecimals:          6,
	}
}

// DefaultChains are used when no configuration file exists.
func DefaultChains() []ChainConfig {
	return []ChainConfig{
		{
			Name:           "Ethereum",
			Kind:           wallet.KindEVM,
			Curve:          models.CurveSecp256k1,
			RPCURLs:        []string{"https://ethereum-rpc.publicnode.com", "https://cloudflare-eth.com"},
			Symbol:         "ETH",
			Decimals:       18,
			CoinGeckoID:    "ethereum",
			ChainID:        1,
			DerivationPath: EVMDerivationPath,
			ExplorerURL:    "https://etherscan.io",
			Persistent:     true,
			Tokens: []TokenConfig{{
				Symbol:      "USDC",
				Address:     "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48",
				Decimals:    6,
				CoinGeckoID: "usd-coin",
			}},
		},
		{
			Name:        "Solana",
			Kind:        wallet.KindSolana,
			Curve:       models.CurveEd25519,
			RPCURLs:     []string{"https://api.mainnet-beta.solana.com"},
			Symbol:      "SOL",
			Decimals:    9,
			CoinGeckoID: "solana",
			ExplorerURL: "https://explorer.solana.com",
		},
	}
}

func GetConfigPath(customPath string) (string, error) {
	if customPath != "" {
		return customPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigFileName), nil
}

func LoadConfigFromFile(path string) (Config, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return Config{Chains: DefaultChains(), GlobalConfig: DefaultGlobalConfig()}, nil
	}
	if err != nil {
		return Config{}, err
	}
	defer func() { _ = f.Close() }()
	return LoadConfig(f)
}

// LoadConfig decodes a configuration. Missing settings keep their defaults
// and chains are normalized.
func LoadConfig(r io.Reader) (Config, error) {
	cfg := struct {
		Config
		RPCURLs []string `json:"rpc_urls"` // Legacy
	}{Config: Config{GlobalConfig: DefaultGlobalConfig()}}

	if err := json.NewDecoder(r).Decode(&cfg); err != nil {
		return Config{}, err
	}

	// Migration for legacy config
	if len(cfg.Chains) == 0 && len(cfg.RPCURLs) > 0 {
		cfg.Chains = []ChainConfig{{
			Name:        "Ethereum",
			RPCURLs:     cfg.RPCURLs,
			Symbol:      "ETH",
			Decimals:    18,
			CoinGeckoID: "ethereum",
			ExplorerURL: "https://etherscan.io",
			Persistent:  true,
		}}
	}

	for i := range cfg.Chains {
		normalizeChain(&cfg.Chains[i])
	}
	cfg.DisplayCurrency = strings.ToLower(strings.TrimSpace(cfg.DisplayCurrency))
	if cfg.DisplayCurrency == "" {
		cfg.DisplayCurrency = "usd"
	}
	return cfg.Config, nil
}

func normalizeChain(c *ChainConfig) {
	if c.Kind == "" {
		c.Kind = wallet.KindEVM
	}
	if c.Curve == "" {
		c.Curve = models.CurveSecp256k1
		if c.Kind == wallet.KindSolana {
			c.Curve = models.CurveEd25519
		}
	}
	if c.Decimals == 0 {
		c.Decimals = 18
		if c.Kind == wallet.KindSolana {
			c.Decimals = 9
		}
	}
	if c.DerivationPath == "" && c.Kind == wallet.KindEVM {
		c.DerivationPath = EVMDerivationPath
	}
}

// ApplyEnv overrides settings with WALLETSYNC_ prefixed environment variables.
func ApplyEnv(cfg *Config) {
	vip := viper.New()
	vip.SetEnvPrefix("WALLETSYNC")
	vip.AutomaticEnv()

	if v := vip.GetString(RemoteURLKey); v != "" {
		cfg.RemoteURL = v
	}
	if v := vip.GetString(DatadirKey); v != "" {
		cfg.Datadir = v
	}
	if vip.GetString(LogLevelKey) != "" {
		cfg.LogLevel = vip.GetInt(LogLevelKey)
	}
	if v := vip.GetString(MnemonicKey); v != "" {
		cfg.Wallet.Mnemonic = v
	}
	if v := vip.GetString(CurrencyKey); v != "" {
		cfg.DisplayCurrency = strings.ToLower(v)
	}
}

// Validate returns every structural problem of the configuration.
func Validate(cfg Config) []string {
	var errs []string
	if len(cfg.Chains) == 0 {
		errs = append(errs, "configuration must have at least one chain")
	}
	seen := make(map[string]bool)
	for i, c := range cfg.Chains {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			errs = append(errs, fmt.Sprintf("chain at index %d has no name", i))
			continue
		}
		if seen[strings.ToLower(name)] {
			errs = append(errs, fmt.Sprintf("chain %s is listed twice", name))
		}
		seen[strings.ToLower(name)] = true
		if len(c.RPCURLs) == 0 {
			errs = append(errs, fmt.Sprintf("chain %s has no RPC URLs", name))
		}
		if c.Kind != wallet.KindEVM && c.Kind != wallet.KindSolana {
			errs = append(errs, fmt.Sprintf("chain %s has unknown kind %q", name, c.Kind))
		}
		for j, t := range c.Tokens {
			if strings.TrimSpace(t.Symbol) == "" || strings.TrimSpace(t.Address) == "" {
				errs = append(errs, fmt.Sprintf("token %d of chain %s needs a symbol and an address", j, name))
			}
		}
	}
	return errs
}

func SaveConfig(cfg Config, path string) error {
	if errs := Validate(cfg); len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	if len(data) == 0 {
		return fmt.Errorf("validation failed: encoded configuration is empty")
	}

	// Create a backup of the existing file
	if _, err := os.Stat(path); err == nil {
		backupPath := fmt.Sprintf("%s.%s.bak", path, time.Now().Format("20060102-150405"))
		input, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read existing config for backup: %w", err)
		}
		if err := os.WriteFile(backupPath, input, 0600); err != nil {
			return fmt.Errorf("failed to write backup config: %w", err)
		}
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func RestoreLastBackup(configPath string) error {
	matches, err := filepath.Glob(configPath + ".*.bak")
	if err != nil {
		return err
	}
	if len(matches) == 0 {
		return fmt.Errorf("no backup files found")
	}
	sort.Strings(matches)
	lastBackup := matches[len(matches)-1]

	data, err := os.ReadFile(lastBackup)
	if err != nil {
		return err
	}
	return os.WriteFile(configPath, data, 0600)
}

// NativeToken is the token entry of the chain's own coin.
func (c ChainConfig) NativeToken() models.TokenEntry {
	return models.TokenEntry{
		Chain:    c.Name,
		Decimals: c.Decimals,
		Symbol:   c.Symbol,
		PriceID:  c.CoinGeckoID,
	}
}

// DefaultTokens lists the tokens a new wallet starts with: every native coin
// and every configured token.
func (c Config) DefaultTokens() []models.TokenEntry {
	var out []models.TokenEntry
	for _, ch := range c.Chains {
		out = append(out, ch.NativeToken())
		for _, t := range ch.Tokens {
			out = append(out, models.TokenEntry{
				Chain:           ch.Name,
				ContractAddress: t.Address,
				Decimals:        t.Decimals,
				Symbol:          t.Symbol,
				PriceID:         t.CoinGeckoID,
			})
		}
	}
	return out
}

// PersistentTokens lists the native coins of persistent chains.
func (c Config) PersistentTokens() []models.TokenEntry {
	var out []models.TokenEntry
	for _, ch := range c.Chains {
		if ch.Persistent {
			out = append(out, ch.NativeToken())
		}
	}
	return out
}

func (c Config) WalletChains() []wallet.Chain {
	out := make([]wallet.Chain, 0, len(c.Chains))
	for _, ch := range c.Chains {
		out = append(out, wallet.Chain{
			Name:           ch.Name,
			Kind:           ch.Kind,
			Curve:          ch.Curve,
			RPCURLs:        ch.RPCURLs,
			DerivationPath: ch.DerivationPath,
		})
	}
	return out
}

// RPCURLs maps lower-cased chain names of EVM chains to their endpoints.
func (c Config) RPCURLs() map[string][]string {
	out := make(map[string][]string)
	for _, ch := range c.Chains {
		if ch.Kind == wallet.KindEVM {
			out[strings.ToLower(ch.Name)] = ch.RPCURLs
		}
	}
	return out
}

// WalletOptions builds the wallet configuration.
func (c Config) WalletOptions() wallet.Config {
	return wallet.Config{
		Name:              c.Wallet.Name,
		CardIDs:           c.Wallet.CardIDs,
		Chains:            c.WalletChains(),
		DefaultTokens:     c.DefaultTokens(),
		PersistentTokens:  c.PersistentTokens(),
		ReadOnly:          c.Wallet.ReadOnly,
		Currency:          c.DisplayCurrency,
		FetchTimeout:      seconds(c.FetchTimeoutSeconds),
		RefreshInterval:   seconds(c.RefreshIntervalSeconds),
		AggregateDebounce: millis(c.AggregateDebounceMs),
		Sync: syncer.Config{
			Debounce:    millis(c.SyncDebounceMs),
			Backoff:     millis(c.SyncBackoffMs),
			MaxBackoff:  millis(c.SyncMaxBackoffMs),
			MaxAttempts: c.SyncMaxAttempts,
		},
	}
}

func (g GlobalConfig) PriceInterval() time.Duration {
	return seconds(g.PriceIntervalSeconds)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func millis(n int) time.Duration  { return time.Duration(n) * time.Millisecond }
