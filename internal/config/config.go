// =================================
// File: internal/config/config.go
// =================================
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	License      string   `mapstructure:"license"`
	RPCList      []string `mapstructure:"rpc_list"`
	RPCDelay     int      `mapstructure:"rpc_delay"`
	Retries      int      `mapstructure:"retries"`
	RequestDelay int      `mapstructure:"request_timeout"`
	ConfirmDelay int      `mapstructure:"confirm_timeout"`
	DebugLogging bool     `mapstructure:"debug_logging"`
	LogFile      string   `mapstructure:"log_file"`
	Workers      int      `mapstructure:"workers"`

	// Monitor loop
	MonitorDelay      int `mapstructure:"monitor_delay"`
	BackoffMultiplier int `mapstructure:"backoff_multiplier"`
	PositionTimeout   int `mapstructure:"position_timeout"`

	// Jupiter aggregator
	JupiterURL    string `mapstructure:"jupiter_url"`
	JupiterAPIKey string `mapstructure:"jupiter_api_key"`
	SlippageBps   int    `mapstructure:"slippage_bps"`
	QuoteLamports uint64 `mapstructure:"quote_lamports"`
	TokenMint     string `mapstructure:"token_mint"`

	// Fee policy
	BuyFeeBps  int    `mapstructure:"buy_fee_bps"`
	SellFeeBps int    `mapstructure:"sell_fee_bps"`
	FeeWallet  string `mapstructure:"fee_wallet"`
	SolReserve uint64 `mapstructure:"sol_reserve"`

	// micro-lamports per compute unit on withdrawals
	PriorityFee uint64 `mapstructure:"priority_fee"`

	// Storage
	WalletFile    string `mapstructure:"wallet_file"`
	PositionsFile string `mapstructure:"positions_file"`
	LedgerDSN     string `mapstructure:"ledger_dsn"`
	ExportDir     string `mapstructure:"export_dir"`

	// Prometheus endpoint, e.g. ":9102"; empty disables it
	MetricsAddr string `mapstructure:"metrics_addr"`

	// Sensitive operations throttle
	RateLimitCalls  int `mapstructure:"rate_limit_calls"`
	RateLimitPeriod int `mapstructure:"rate_limit_period"`

	// Users allowed to read protocol-wide figures (/fees)
	OperatorIDs []string `mapstructure:"operator_ids"`

	KeygenAccountID    string `mapstructure:"keygen_account_id"`
	KeygenProductToken string `mapstructure:"keygen_product_token"`
	KeygenProductID    string `mapstructure:"keygen_product_id"`

	// Loaded from the environment (.env), never from the JSON file.
	EncryptionKey         string `mapstructure:"-"`
	EncryptionKeyVersion  int    `mapstructure:"-"`
	PreviousEncryptionKey string `mapstructure:"-"`
}

const (
	DefaultRPCDelay          = 100
	DefaultRetries           = 3
	DefaultRequestTimeout    = 10000
	DefaultConfirmTimeout    = 30000
	DefaultWorkers           = 5
	DefaultMonitorDelay      = 30000
	DefaultBackoffMultiplier = 5
	DefaultPositionTimeout   = 10000
	DefaultJupiterURL        = "https://api.jup.ag/swap/v1"
	DefaultSlippageBps       = 100
	DefaultQuoteLamports     = 100_000_000
	DefaultBuyFeeBps         = 50
	DefaultSellFeeBps        = 300
	DefaultSolReserve        = 2_100_000
	DefaultWalletFile        = "data/wallets.enc"
	DefaultPositionsFile     = "data/positions.db"
	DefaultLedgerDSN         = "data/ledger.db"
	DefaultExportDir         = "exports"
	DefaultRateLimitCalls    = 3
	DefaultRateLimitPeriod   = 60000
)

// Environment keys read after .env is loaded.
const (
	EnvEncryptionKey         = "ENCRYPTION_KEY"
	EnvEncryptionKeyVersion  = "ENCRYPTION_KEY_VERSION"
	EnvPreviousEncryptionKey = "ENCRYPTION_KEY_PREVIOUS"
)

// LoadConfig reads the JSON config at path. envFile is an optional dotenv
// file holding the vault encryption keys; a missing file is not an error.
func LoadConfig(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)

	defaults := map[string]interface{}{
		"rpc_delay":          DefaultRPCDelay,
		"retries":            DefaultRetries,
		"request_timeout":    DefaultRequestTimeout,
		"confirm_timeout":    DefaultConfirmTimeout,
		"workers":            DefaultWorkers,
		"monitor_delay":      DefaultMonitorDelay,
		"backoff_multiplier": DefaultBackoffMultiplier,
		"position_timeout":   DefaultPositionTimeout,
		"jupiter_url":        DefaultJupiterURL,
		"slippage_bps":       DefaultSlippageBps,
		"quote_lamports":     DefaultQuoteLamports,
		"buy_fee_bps":        DefaultBuyFeeBps,
		"sell_fee_bps":       DefaultSellFeeBps,
		"sol_reserve":        DefaultSolReserve,
		"wallet_file":        DefaultWalletFile,
		"positions_file":     DefaultPositionsFile,
		"ledger_dsn":         DefaultLedgerDSN,
		"export_dir":         DefaultExportDir,
		"rate_limit_calls":   DefaultRateLimitCalls,
		"rate_limit_period":  DefaultRateLimitPeriod,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := loadEnvironmentVariables(v, &cfg); err != nil {
		return nil, err
	}

	return &cfg, validateConfig(&cfg)
}

func validateConfig(cfg *Config) error {
	if cfg.License == "" {
		return errors.New("missing license in configuration")
	}
	if len(cfg.RPCList) == 0 {
		return errors.New("rpc_list is empty")
	}
	for _, rpcURL := range cfg.RPCList {
		if err := validateURLWithCache(rpcURL, "http"); err != nil {
			return errors.New("invalid RPC URL protocol")
		}
	}
	if err := validateURLWithCache(cfg.JupiterURL, "http"); err != nil {
		return errors.New("invalid jupiter_url")
	}
	if cfg.TokenMint == "" {
		return errors.New("token_mint is required")
	}
	if cfg.EncryptionKey == "" {
		return fmt.Errorf("%s is not set", EnvEncryptionKey)
	}
	return validateNumericParams(cfg)
}

func validateNumericParams(cfg *Config) error {
	if cfg.MonitorDelay <= 0 {
		return errors.New("invalid monitor_delay")
	}
	if cfg.BackoffMultiplier < 1 {
		return errors.New("invalid backoff_multiplier")
	}
	if cfg.Workers < 0 {
		return errors.New("invalid workers count")
	}
	if cfg.RPCDelay <= 0 {
		return errors.New("invalid rpc_delay")
	}
	if cfg.Retries < 0 {
		return errors.New("invalid retries count")
	}
	if cfg.RequestDelay <= 0 || cfg.ConfirmDelay <= 0 || cfg.PositionTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if cfg.BuyFeeBps < 0 || cfg.BuyFeeBps > 10000 || cfg.SellFeeBps < 0 || cfg.SellFeeBps > 10000 {
		return errors.New("fee bps must be within [0, 10000]")
	}
	if cfg.SlippageBps <= 0 || cfg.SlippageBps > 10000 {
		return errors.New("invalid slippage_bps")
	}
	if cfg.RateLimitCalls <= 0 || cfg.RateLimitPeriod <= 0 {
		return errors.New("invalid rate limit settings")
	}
	if cfg.EncryptionKeyVersion < 1 {
		return errors.New("encryption key version must be >= 1")
	}
	return nil
}

var urlCache sync.Map

func validateURLWithCache(rawURL string, protocol string) error {
	if _, ok := urlCache.Load(rawURL); ok {
		return nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return errors.New("invalid URL format")
	}
	if !strings.HasPrefix(parsed.Scheme, protocol) {
		return errors.New("invalid URL protocol")
	}
	urlCache.Store(rawURL, parsed)
	return nil
}

func loadEnvironmentVariables(v *viper.Viper, cfg *Config) error {
	v.AutomaticEnv()
	v.SetEnvPrefix("CUSTODY_BOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if envLicense := v.GetString("LICENSE"); envLicense != "" {
		cfg.License = envLicense
	}

	if envRPCList := v.GetString("RPC_LIST"); envRPCList != "" {
		var cleanRPCs []string
		for _, rpc := range strings.Split(envRPCList, ",") {
			if clean := strings.TrimSpace(rpc); clean != "" {
				cleanRPCs = append(cleanRPCs, clean)
			}
		}
		if len(cleanRPCs) > 0 {
			cfg.RPCList = cleanRPCs
		}
	}

	cfg.EncryptionKey = os.Getenv(EnvEncryptionKey)
	cfg.PreviousEncryptionKey = os.Getenv(EnvPreviousEncryptionKey)
	cfg.EncryptionKeyVersion = 1
	if raw := os.Getenv(EnvEncryptionKeyVersion); raw != "" {
		var version int
		if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
			return fmt.Errorf("invalid %s: %w", EnvEncryptionKeyVersion, err)
		}
		cfg.EncryptionKeyVersion = version
	}
	return nil
}

func (c *Config) RPCInterval() time.Duration {
	return time.Duration(c.RPCDelay) * time.Millisecond
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestDelay) * time.Millisecond
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmDelay) * time.Millisecond
}

func (c *Config) MonitorPeriod() time.Duration {
	return time.Duration(c.MonitorDelay) * time.Millisecond
}

func (c *Config) PositionDeadline() time.Duration {
	return time.Duration(c.PositionTimeout) * time.Millisecond
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitPeriod) * time.Millisecond
}
