// Package config loads engine settings from DCA_-prefixed environment
// variables.
package config

import (
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"

	"github.com/atmx/dca-engine/internal/registry"
)

type Config struct {
	Port     string
	LogLevel slog.Level

	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration

	NATSURL     string
	NATSSubject string

	MinBatchSize       int
	MaxBatchSize       int
	MaxIntentsPerOwner int
	BatchTimeout       time.Duration
	PriceStaleness     time.Duration

	KeeperEnabled  bool
	KeeperInterval time.Duration

	Contract   common.Address
	Aggregator common.Address
	Operators  []common.Address

	CoprocessorKey  string
	DeclassifyDelay time.Duration

	OracleRPCURL      string
	OracleFeedAddress common.Address
	StaticPrice       *big.Int

	SwapFeeBps   int64
	DevEndpoints bool
	RailFaucet   bool
}

var (
	Port              = "PORT"
	LogLevel          = "LOG_LEVEL"
	DatabaseURL       = "DATABASE_URL"
	RedisURL          = "REDIS_URL"
	CacheTTL          = "CACHE_TTL"
	NATSURL           = "NATS_URL"
	NATSSubject       = "NATS_SUBJECT"
	MinBatchSize      = "MIN_BATCH_SIZE"
	MaxBatchSize      = "MAX_BATCH_SIZE"
	MaxOwnerIntents   = "MAX_INTENTS_PER_OWNER"
	BatchTimeout      = "BATCH_TIMEOUT"
	PriceStaleness    = "PRICE_STALENESS"
	KeeperEnabled     = "KEEPER_ENABLED"
	KeeperInterval    = "KEEPER_INTERVAL"
	ContractAddress   = "CONTRACT_ADDRESS"
	AggregatorAddress = "AGGREGATOR_ADDRESS"
	OperatorAddresses = "OPERATOR_ADDRESSES"
	CoprocessorKey    = "COPROCESSOR_KEY"
	DeclassifyDelay   = "DECLASSIFY_DELAY"
	OracleRPCURL      = "ORACLE_RPC_URL"
	OracleFeedAddress = "ORACLE_FEED_ADDRESS"
	StaticPrice       = "STATIC_PRICE"
	SwapFeeBps        = "SWAP_FEE_BPS"
	DevEndpoints      = "DEV_ENDPOINTS"
	RailFaucet        = "RAIL_FAUCET"

	defaultContract   = "0x00000000000000000000000000000000000dca01"
	defaultAggregator = "0x00000000000000000000000000000000000a9901"
	defaultOperator   = "0x00000000000000000000000000000000000b0701"
)

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DCA")
	v.AutomaticEnv()

	v.SetDefault(Port, "8080")
	v.SetDefault(LogLevel, "info")
	v.SetDefault(CacheTTL, 30*time.Second)
	v.SetDefault(NATSSubject, "dca.events")
	v.SetDefault(MinBatchSize, 5)
	v.SetDefault(MaxBatchSize, 10)
	v.SetDefault(MaxOwnerIntents, 1)
	v.SetDefault(BatchTimeout, 5*time.Minute)
	v.SetDefault(PriceStaleness, time.Hour)
	v.SetDefault(KeeperEnabled, true)
	v.SetDefault(KeeperInterval, 30*time.Second)
	v.SetDefault(ContractAddress, defaultContract)
	v.SetDefault(AggregatorAddress, defaultAggregator)
	v.SetDefault(OperatorAddresses, defaultOperator)
	v.SetDefault(CoprocessorKey, "dev-coprocessor-key")
	v.SetDefault(DeclassifyDelay, time.Duration(0))
	v.SetDefault(StaticPrice, "2000000000") // 2000 USDC per ETH, 6 decimals
	v.SetDefault(SwapFeeBps, 30)
	v.SetDefault(DevEndpoints, false)
	v.SetDefault(RailFaucet, false)

	level, err := parseLevel(v.GetString(LogLevel))
	if err != nil {
		return nil, err
	}
	cfg := &Config{
		Port:               v.GetString(Port),
		LogLevel:           level,
		DatabaseURL:        v.GetString(DatabaseURL),
		RedisURL:           v.GetString(RedisURL),
		CacheTTL:           v.GetDuration(CacheTTL),
		NATSURL:            v.GetString(NATSURL),
		NATSSubject:        v.GetString(NATSSubject),
		MinBatchSize:       v.GetInt(MinBatchSize),
		MaxBatchSize:       v.GetInt(MaxBatchSize),
		MaxIntentsPerOwner: v.GetInt(MaxOwnerIntents),
		BatchTimeout:       v.GetDuration(BatchTimeout),
		PriceStaleness:     v.GetDuration(PriceStaleness),
		KeeperEnabled:      v.GetBool(KeeperEnabled),
		KeeperInterval:     v.GetDuration(KeeperInterval),
		CoprocessorKey:     v.GetString(CoprocessorKey),
		DeclassifyDelay:    v.GetDuration(DeclassifyDelay),
		OracleRPCURL:       v.GetString(OracleRPCURL),
		SwapFeeBps:         v.GetInt64(SwapFeeBps),
		DevEndpoints:       v.GetBool(DevEndpoints),
		RailFaucet:         v.GetBool(RailFaucet),
	}
	if cfg.Contract, err = parseAddress(ContractAddress, v.GetString(ContractAddress)); err != nil {
		return nil, err
	}
	if cfg.Aggregator, err = parseAddress(AggregatorAddress, v.GetString(AggregatorAddress)); err != nil {
		return nil, err
	}
	if feed := v.GetString(OracleFeedAddress); feed != "" {
		if cfg.OracleFeedAddress, err = parseAddress(OracleFeedAddress, feed); err != nil {
			return nil, err
		}
	}
	for _, s := range splitList(v.GetString(OperatorAddresses)) {
		a, err := parseAddress(OperatorAddresses, s)
		if err != nil {
			return nil, err
		}
		cfg.Operators = append(cfg.Operators, a)
	}
	price, ok := new(big.Int).SetString(v.GetString(StaticPrice), 10)
	if !ok {
		return nil, fmt.Errorf("invalid %s: %q", StaticPrice, v.GetString(StaticPrice))
	}
	cfg.StaticPrice = price

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := c.RegistryConfig().Validate(); err != nil {
		return err
	}
	if c.PriceStaleness <= 0 {
		return fmt.Errorf("price staleness must be positive")
	}
	if c.KeeperEnabled && c.KeeperInterval <= 0 {
		return fmt.Errorf("keeper interval must be positive")
	}
	if c.SwapFeeBps < 0 || c.SwapFeeBps >= 10_000 {
		return fmt.Errorf("swap fee must be in [0, 10000) bps, got %d", c.SwapFeeBps)
	}
	if c.OracleRPCURL != "" && c.OracleFeedAddress == (common.Address{}) {
		return fmt.Errorf("missing oracle feed address")
	}
	if c.OracleRPCURL == "" && c.StaticPrice.Sign() <= 0 {
		return fmt.Errorf("static price must be positive")
	}
	if len(c.Operators) == 0 {
		return fmt.Errorf("at least one operator address is required")
	}
	if c.CoprocessorKey == "" {
		return fmt.Errorf("missing coprocessor key")
	}
	return nil
}

// RegistryConfig returns the batch bounds.
func (c *Config) RegistryConfig() registry.Config {
	return registry.Config{
		MinBatchSize:       c.MinBatchSize,
		MaxBatchSize:       c.MaxBatchSize,
		BatchTimeout:       c.BatchTimeout,
		MaxIntentsPerOwner: c.MaxIntentsPerOwner,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

func parseAddress(key, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s: %q is not an address", key, s)
	}
	return common.HexToAddress(s), nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ' ' }) {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}
