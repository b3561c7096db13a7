// Package config loads the keeper's environment-derived configuration
// exactly as the teacher does: a local .env file (optional, via godotenv)
// layered under viper's AutomaticEnv, with SetDefault providing every
// non-required knob spec.md leaves at "sensible default".
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// MarketConfig describes one deployed perpetual market this keeper watches.
// One entry maps one-to-one to a Keeper instance (spec §3 Market).
type MarketConfig struct {
	Key         string `mapstructure:"key"`
	Asset       string `mapstructure:"asset"`
	Contract    string `mapstructure:"contract"`
	BaseAsset   string `mapstructure:"base_asset"`
	PriceFeedID string `mapstructure:"price_feed_id"`
}

type Config struct {
	Network               string `mapstructure:"network"`
	Mnemonic              string `mapstructure:"eth_hdwallet_mnemonic"`
	SignerPoolSize        int    `mapstructure:"signer_pool_size"`
	ProviderAPIKeyInfura  string `mapstructure:"provider_api_key_infura"`
	ProviderAPIKeyAlchemy string `mapstructure:"provider_api_key_alchemy"`

	FromBlock uint64 `mapstructure:"from_block"`

	DistributorProcessIntervalMs int    `mapstructure:"distributor_process_interval"`
	MaxOrderExecAttempts         int    `mapstructure:"max_order_exec_attempts"`
	MaxEventBlockRange           uint64 `mapstructure:"max_event_block_range"`
	MaxBacklogBlocks             uint64 `mapstructure:"max_backlog_blocks"`
	MaxBatchSize                 int    `mapstructure:"max_batch_size"`
	BatchWaitTimeMs              int    `mapstructure:"batch_wait_time_ms"`
	ShutdownGraceSeconds         int    `mapstructure:"shutdown_grace_seconds"`

	PythPriceServer string `mapstructure:"pyth_price_server"`

	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	LogLevel       string `mapstructure:"log_level"`

	AdminPort string `mapstructure:"admin_port"`

	MulticallAddress     string `mapstructure:"multicall_address"`
	MarketManagerAddress string `mapstructure:"market_manager_address"`

	ProximityThreshold   float64 `mapstructure:"proximity_threshold"`
	FarPriceRecencyHours int     `mapstructure:"far_price_recency_hours"`
	MaxFarPricesToUpdate int     `mapstructure:"max_far_prices_to_update"`

	DatabaseDSN   string `mapstructure:"database_dsn"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	TelegramBotToken string `mapstructure:"telegram_bot_token"`
	TelegramChatID   string `mapstructure:"telegram_chat_id"`

	Markets []MarketConfig `mapstructure:"markets"`
}

// RPCURL resolves the configured provider key into a concrete Infura or
// Alchemy endpoint for Network, preferring Infura when both are set.
func (c *Config) RPCURL() string {
	switch {
	case c.ProviderAPIKeyInfura != "":
		return fmt.Sprintf("https://%s.infura.io/v3/%s", c.Network, c.ProviderAPIKeyInfura)
	case c.ProviderAPIKeyAlchemy != "":
		return fmt.Sprintf("https://%s.g.alchemy.com/v2/%s", c.Network, c.ProviderAPIKeyAlchemy)
	default:
		return ""
	}
}

func (c *Config) ProcessInterval() time.Duration {
	return time.Duration(c.DistributorProcessIntervalMs) * time.Millisecond
}

func (c *Config) BatchWaitTime() time.Duration {
	return time.Duration(c.BatchWaitTimeMs) * time.Millisecond
}

func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceSeconds) * time.Second
}

func (c *Config) FarPriceRecencyCutoff() time.Duration {
	return time.Duration(c.FarPriceRecencyHours) * time.Hour
}

// Load reads a local .env (if present, following alanyoungcy-polymarketbot's
// pattern of loading dotenv before viper's environment binding takes over),
// then binds every spec §6 variable through viper with the keeper's own
// defaults for everything the spec calls "configurable".
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return nil, fmt.Errorf("config: loading .env: %w", err)
		}
	}

	viper.SetEnvPrefix("keeper")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindEnv("network", "NETWORK")
	bindEnv("eth_hdwallet_mnemonic", "ETH_HDWALLET_MNEMONIC")
	bindEnv("signer_pool_size", "SIGNER_POOL_SIZE")
	bindEnv("provider_api_key_infura", "PROVIDER_API_KEY_INFURA")
	bindEnv("provider_api_key_alchemy", "PROVIDER_API_KEY_ALCHEMY")
	bindEnv("from_block", "FROM_BLOCK")
	bindEnv("distributor_process_interval", "DISTRIBUTOR_PROCESS_INTERVAL")
	bindEnv("max_order_exec_attempts", "MAX_ORDER_EXEC_ATTEMPTS")
	bindEnv("pyth_price_server", "PYTH_PRICE_SERVER")
	bindEnv("metrics_enabled", "METRICS_ENABLED")
	bindEnv("log_level", "LOG_LEVEL")
	bindEnv("admin_port", "ADMIN_PORT")
	bindEnv("multicall_address", "MULTICALL_ADDRESS")
	bindEnv("market_manager_address", "MARKET_MANAGER_ADDRESS")
	bindEnv("database_dsn", "DATABASE_DSN")
	bindEnv("redis_addr", "REDIS_ADDR")
	bindEnv("redis_password", "REDIS_PASSWORD")
	bindEnv("redis_db", "REDIS_DB")
	bindEnv("telegram_bot_token", "TELEGRAM_BOT_TOKEN")
	bindEnv("telegram_chat_id", "TELEGRAM_CHAT_ID")

	viper.SetDefault("signer_pool_size", 4)
	viper.SetDefault("from_block", 0)
	viper.SetDefault("distributor_process_interval", 15000)
	viper.SetDefault("max_order_exec_attempts", 5)
	viper.SetDefault("max_event_block_range", 50000)
	viper.SetDefault("max_backlog_blocks", 200000)
	viper.SetDefault("max_batch_size", 10)
	viper.SetDefault("batch_wait_time_ms", 2000)
	viper.SetDefault("shutdown_grace_seconds", 30)
	viper.SetDefault("metrics_enabled", true)
	viper.SetDefault("log_level", "info")
	viper.SetDefault("admin_port", "9090")
	viper.SetDefault("proximity_threshold", 0.05)
	viper.SetDefault("far_price_recency_hours", 6)
	viper.SetDefault("max_far_prices_to_update", 1)
	viper.SetDefault("redis_db", 0)

	viper.SetConfigName("markets")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	if err := viper.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading markets config: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func bindEnv(key, env string) {
	_ = viper.BindEnv(key, env)
}

func (c *Config) validate() error {
	if c.Network == "" {
		return fmt.Errorf("config: NETWORK is required")
	}
	if c.Mnemonic == "" {
		return fmt.Errorf("config: ETH_HDWALLET_MNEMONIC is required")
	}
	if c.SignerPoolSize < 1 {
		return fmt.Errorf("config: SIGNER_POOL_SIZE must be >= 1")
	}
	if c.RPCURL() == "" {
		return fmt.Errorf("config: one of PROVIDER_API_KEY_INFURA or PROVIDER_API_KEY_ALCHEMY is required")
	}
	if len(c.Markets) == 0 {
		return fmt.Errorf("config: at least one market must be configured")
	}
	return nil
}
