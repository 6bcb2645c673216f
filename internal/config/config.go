// Package config loads the copy-trading engine's configuration surface
// (spec §6) from the environment, following the layered env + optional
// YAML-overlay style of the teacher's internal/config package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/uykb/hypefollow/internal/types"
)

// TradingMode selects how Master size is translated to Follower size.
type TradingMode string

const (
	ModeFixed TradingMode = "fixed"
	ModeEqual TradingMode = "equal"
)

// MinOrderSize is either a single scalar applied to both open and close, or
// a split pair — spec §6: "minOrderSize[coin] — Scalar or {open, close}".
type MinOrderSize struct {
	Open  decimal.Decimal
	Close decimal.Decimal
}

// InstrumentConfig is the per-coin slice of the configuration surface.
type InstrumentConfig struct {
	Symbol             string
	QuantityDecimals   int32
	PriceTick          decimal.Decimal
	MaxPositionSize    decimal.Decimal
	ReductionThreshold decimal.Decimal
	MinOrderSize       MinOrderSize
}

// ToInstrument converts the config surface into the domain-level
// types.Instrument that calculator/risk/executor consume.
func (ic InstrumentConfig) ToInstrument() types.Instrument {
	return types.Instrument{
		Symbol:             ic.Symbol,
		QuantityDecimals:   ic.QuantityDecimals,
		PriceTick:          ic.PriceTick,
		MinOrderSizeOpen:   ic.MinOrderSize.Open,
		MinOrderSizeClose:  ic.MinOrderSize.Close,
		MaxAbsPosition:     ic.MaxPositionSize,
		ReductionThreshold: ic.ReductionThreshold,
	}
}

// InstrumentsDomain converts the full per-coin config map into domain
// types.Instrument values keyed by symbol.
func (c *Config) InstrumentsDomain() map[string]types.Instrument {
	out := make(map[string]types.Instrument, len(c.Instruments))
	for sym, ic := range c.Instruments {
		out[sym] = ic.ToInstrument()
	}
	return out
}

// Config is the fully-resolved configuration for one engine instance.
type Config struct {
	FollowedUsers   []string
	TradingMode     TradingMode
	FixedRatio      decimal.Decimal
	EqualRatio      decimal.Decimal
	AccountCacheTTL time.Duration

	SupportedCoins []string
	Instruments    map[string]InstrumentConfig

	EmergencyStop bool

	MasterWSURL       string
	MasterSnapshotURL string

	FollowerBaseURL   string
	FollowerAPIKey    string
	FollowerAPISecret string
	FollowerWSURL     string

	StoreDriver string // "memory", "sqlite", "postgres"
	StoreDSN    string

	TelegramToken  string
	TelegramChatID int64

	MetricsAddr string

	Debug bool
}

const (
	defaultMasterWSURL       = "wss://api.hyperliquid.xyz/ws"
	defaultMasterSnapshotURL = "https://api.hyperliquid.xyz/info"
	defaultFollowerBaseURL   = "https://fapi.binance.com"
	defaultFollowerWSURL     = "wss://fstream.binance.com/ws"
)

// Load builds Config from the environment, optionally overlaid with a
// config.yaml (via viper) for the per-coin maps that are unwieldy as flat
// env vars — mirroring 0xtitan6-polymarket-mm's viper-backed config while
// keeping the teacher's getEnv* helper idiom for everything else.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config.yaml: %w", err)
		}
	}

	cfg := &Config{
		FollowedUsers:   splitCSV(getEnv("FOLLOWED_USERS", "")),
		TradingMode:     TradingMode(getEnv("TRADING_MODE", string(ModeFixed))),
		FixedRatio:      getEnvDecimal("FIXED_RATIO", decimal.NewFromFloat(0.1)),
		EqualRatio:      getEnvDecimal("EQUAL_RATIO", decimal.NewFromFloat(1.0)),
		AccountCacheTTL: getEnvDuration("ACCOUNT_CACHE_TTL", 30*time.Second),

		SupportedCoins: splitCSV(getEnv("SUPPORTED_COINS", "BTC,ETH")),

		EmergencyStop: getEnvBool("EMERGENCY_STOP", false),

		MasterWSURL:       getEnv("MASTER_WS_URL", defaultMasterWSURL),
		MasterSnapshotURL: getEnv("MASTER_SNAPSHOT_URL", defaultMasterSnapshotURL),

		FollowerBaseURL:   getEnv("FOLLOWER_BASE_URL", defaultFollowerBaseURL),
		FollowerAPIKey:    os.Getenv("FOLLOWER_API_KEY"),
		FollowerAPISecret: os.Getenv("FOLLOWER_API_SECRET"),
		FollowerWSURL:     getEnv("FOLLOWER_WS_URL", defaultFollowerWSURL),

		StoreDriver: getEnv("STORE_DRIVER", "memory"),
		StoreDSN:    getEnv("STORE_DSN", "copytrader.db"),

		TelegramToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID: int64(getEnvInt("TELEGRAM_CHAT_ID", 0)),

		MetricsAddr: getEnv("METRICS_ADDR", ":9090"),

		Debug: getEnvBool("DEBUG", false),
	}

	cfg.Instruments = make(map[string]InstrumentConfig, len(cfg.SupportedCoins))
	for _, coin := range cfg.SupportedCoins {
		cfg.Instruments[coin] = instrumentFromViper(v, coin)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func instrumentFromViper(v *viper.Viper, coin string) InstrumentConfig {
	prefix := "instruments." + coin + "."
	ic := InstrumentConfig{
		Symbol:             coin,
		QuantityDecimals:   int32(viperGetIntDefault(v, prefix+"quantity_decimals", 3)),
		PriceTick:          viperGetDecimalDefault(v, prefix+"price_tick", decimal.NewFromFloat(0.1)),
		MaxPositionSize:    viperGetDecimalDefault(v, prefix+"max_position_size", getEnvDecimal("MAX_POSITION_SIZE_"+coin, decimal.NewFromInt(1))),
		ReductionThreshold: viperGetDecimalDefault(v, prefix+"reduction_threshold", getEnvDecimal("REDUCTION_THRESHOLD_"+coin, decimal.NewFromFloat(0.01))),
	}

	minOpen := viperGetDecimalDefault(v, prefix+"min_order_size.open", getEnvDecimal("MIN_ORDER_SIZE_"+coin, decimal.NewFromFloat(0.001)))
	minClose := viperGetDecimalDefault(v, prefix+"min_order_size.close", minOpen)
	ic.MinOrderSize = MinOrderSize{Open: minOpen, Close: minClose}
	return ic
}

func (c *Config) validate() error {
	if c.TradingMode != ModeFixed && c.TradingMode != ModeEqual {
		return fmt.Errorf("config: tradingMode must be %q or %q, got %q", ModeFixed, ModeEqual, c.TradingMode)
	}
	if len(c.FollowedUsers) == 0 {
		return fmt.Errorf("config: followedUsers must not be empty")
	}
	if c.FollowerAPIKey == "" || c.FollowerAPISecret == "" {
		return fmt.Errorf("config: follower venue credentials are required")
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvDecimal(key string, fallback decimal.Decimal) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return fallback
}

func viperGetIntDefault(v *viper.Viper, key string, fallback int) int {
	if v.IsSet(key) {
		return v.GetInt(key)
	}
	return fallback
}

func viperGetDecimalDefault(v *viper.Viper, key string, fallback decimal.Decimal) decimal.Decimal {
	if v.IsSet(key) {
		if d, err := decimal.NewFromString(v.GetString(key)); err == nil {
			return d
		}
	}
	return fallback
}
