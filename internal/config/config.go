package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"yield-pilot/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Rates     RatesConfig     `mapstructure:"rates"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Payment   PaymentConfig   `mapstructure:"payment"`
	Gate      GateConfig      `mapstructure:"gate"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs reconciliation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// LedgerConfig covers access to the allocator contract.
type LedgerConfig struct {
	RPCURL           string        `mapstructure:"rpc_url"`
	AllocatorAddress string        `mapstructure:"allocator_address"`
	AuthorityKey     string        `mapstructure:"authority_key"`
	ChainID          int64         `mapstructure:"chain_id"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	FinalityTimeout  time.Duration `mapstructure:"finality_timeout"`
}

// ProviderConfig describes one tracked yield protocol and its rate endpoint.
type ProviderConfig struct {
	ID      int    `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	BaseURL string `mapstructure:"base_url"`
}

// RatesConfig captures rate provider connectivity.
type RatesConfig struct {
	Providers      []ProviderConfig `mapstructure:"providers"`
	WindowHours    int              `mapstructure:"window_hours"`
	RequestTimeout time.Duration    `mapstructure:"request_timeout"`
	UserAgent      string           `mapstructure:"user_agent"`
}

// PolicyConfig exposes the switch decision knobs.
type PolicyConfig struct {
	ThresholdPct float64 `mapstructure:"threshold_pct"`
	Rounding     string  `mapstructure:"rounding"`
}

// PaymentConfig configures the payment-negotiating HTTP client.
type PaymentConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	WalletKey string `mapstructure:"wallet_key"`
	Network   string `mapstructure:"network"`
}

// GateConfig configures the provider-side payment gate server.
type GateConfig struct {
	ListenAddr     string        `mapstructure:"listen_addr"`
	Network        string        `mapstructure:"network"`
	Receiver       string        `mapstructure:"receiver"`
	Price          float64       `mapstructure:"price"`
	Currency       string        `mapstructure:"currency"`
	RequirementTTL time.Duration `mapstructure:"requirement_ttl"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram alert channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("YIELDPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "yieldpilot")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x79706c74))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ledger.request_timeout", "10s")
	v.SetDefault("ledger.finality_timeout", "90s")
	v.SetDefault("ledger.chain_id", int64(1))

	v.SetDefault("rates.window_hours", 48)
	v.SetDefault("rates.request_timeout", "10s")
	v.SetDefault("rates.user_agent", "yieldpilot/1.0")

	v.SetDefault("policy.threshold_pct", 0.5)
	v.SetDefault("policy.rounding", "half_away")

	v.SetDefault("payment.enabled", false)
	v.SetDefault("payment.network", "base-sepolia")

	v.SetDefault("gate.listen_addr", ":8402")
	v.SetDefault("gate.network", "base-sepolia")
	v.SetDefault("gate.price", 0.001)
	v.SetDefault("gate.currency", "USDC")
	v.SetDefault("gate.requirement_ttl", "5m")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Rates.WindowHours <= 0 {
		return fmt.Errorf("rates.window_hours must be greater than zero")
	}
	if c.Policy.ThresholdPct < 0 {
		return fmt.Errorf("policy.threshold_pct cannot be negative")
	}
	if c.Policy.Rounding != "half_away" && c.Policy.Rounding != "half_even" {
		return fmt.Errorf("policy.rounding must be half_away or half_even")
	}
	seen := make(map[int]bool, len(c.Rates.Providers))
	for _, p := range c.Rates.Providers {
		if p.BaseURL == "" {
			return fmt.Errorf("rates.providers[%d].base_url must be configured", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("rates.providers contains duplicate id %d", p.ID)
		}
		seen[p.ID] = true
	}
	if c.Gate.Price <= 0 {
		return fmt.Errorf("gate.price must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token must be configured")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id must be configured")
		}
	}
	return nil
}

// ValidateReconciliation checks the settings the reconciliation commands need
// on top of Validate. Split out because gate, show, and export never touch
// the ledger or the rate providers.
func (c *Config) ValidateReconciliation() error {
	if c.Ledger.RPCURL == "" {
		return fmt.Errorf("ledger.rpc_url must be configured")
	}
	if !common.IsHexAddress(c.Ledger.AllocatorAddress) {
		return fmt.Errorf("ledger.allocator_address must be a hex contract address")
	}
	key := strings.TrimPrefix(strings.TrimSpace(c.Ledger.AuthorityKey), "0x")
	if key == "" {
		return fmt.Errorf("ledger.authority_key must be configured")
	}
	if _, err := crypto.HexToECDSA(key); err != nil {
		return fmt.Errorf("ledger.authority_key is not a valid private key: %v", err)
	}
	if len(c.Rates.Providers) == 0 {
		return fmt.Errorf("rates.providers must contain at least one provider")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
