package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// Config holds all configuration for the swap engine
type Config struct {
	Chains        []ChainConfig       `mapstructure:"chains"`
	Engine        EngineConfig        `mapstructure:"engine"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Providers     ProvidersConfig     `mapstructure:"providers"`
	Cache         CacheConfig         `mapstructure:"cache"`
	Polling       PollingConfig       `mapstructure:"polling"`
	Redis         RedisConfig         `mapstructure:"redis"`
	AWS           AWSConfig           `mapstructure:"aws"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	HTTP          HTTPConfig          `mapstructure:"http"`
}

// ChainConfig holds per-chain connection and contract configuration
type ChainConfig struct {
	ChainID           int64         `mapstructure:"chain_id"`
	Name              string        `mapstructure:"name"`
	DexScreenerID     string        `mapstructure:"dexscreener_id"`     // chain slug used by DexScreener ("ethereum", "base")
	CoinGeckoPlatform string        `mapstructure:"coingecko_platform"` // asset platform id used by CoinGecko token_price
	RPCEndpoints      []RPCEndpoint `mapstructure:"rpc_endpoints"`
	RouterAddress     string        `mapstructure:"router_address"`
	FactoryAddress    string        `mapstructure:"factory_address"`
	KnownPairs        []string      `mapstructure:"known_pairs"` // pairs scanned for LP balances on refresh
}

// RPCEndpoint represents a JSON-RPC endpoint
type RPCEndpoint struct {
	URL    string `mapstructure:"url"`
	Weight int    `mapstructure:"weight"`
}

// EngineConfig holds quoting and liquidity defaults
type EngineConfig struct {
	DefaultChainID     int64         `mapstructure:"default_chain_id"`
	FeeBps             int64         `mapstructure:"fee_bps"`
	DefaultSlippagePct float64       `mapstructure:"default_slippage_pct"`
	MaxSlippagePct     float64       `mapstructure:"max_slippage_pct"`
	DeadlineWindow     time.Duration `mapstructure:"deadline_window"`
	QuoteTimeout       time.Duration `mapstructure:"quote_timeout"`
	Debounce           time.Duration `mapstructure:"debounce"`
}

// GatewayConfig selects and tunes the chain gateway
type GatewayConfig struct {
	Mode                string        `mapstructure:"mode"` // simulated or rpc
	SignerKey           string        `mapstructure:"signer_key"`
	Owner               string        `mapstructure:"owner"`
	WaitConfirmations   bool          `mapstructure:"wait_confirmations"`
	ConfirmationPoll    time.Duration `mapstructure:"confirmation_poll"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	CallTimeout         time.Duration `mapstructure:"call_timeout"`
}

// ProvidersConfig holds configuration for the external price providers
type ProvidersConfig struct {
	Order       []string       `mapstructure:"order"`
	CoinGecko   ProviderConfig `mapstructure:"coingecko"`
	DexScreener ProviderConfig `mapstructure:"dexscreener"`
}

// ProviderConfig holds settings shared by HTTP providers
type ProviderConfig struct {
	BaseURL    string          `mapstructure:"base_url"`
	APIKey     string          `mapstructure:"api_key"`
	Timeout    time.Duration   `mapstructure:"timeout"`
	MaxRetries int             `mapstructure:"max_retries"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int `mapstructure:"requests_per_minute"`
	Burst             int `mapstructure:"burst"`
}

// CacheConfig holds caching configuration
type CacheConfig struct {
	L1MaxSize       int           `mapstructure:"l1_max_size"`
	L1MaxTTL        time.Duration `mapstructure:"l1_max_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	PriceTTL        time.Duration `mapstructure:"price_ttl"`
	PairTTL         time.Duration `mapstructure:"pair_ttl"`
	QuoteTTL        time.Duration `mapstructure:"quote_ttl"`
	SearchTTL       time.Duration `mapstructure:"search_ttl"`
}

// PollingConfig holds background refresher intervals
type PollingConfig struct {
	PriceInterval    time.Duration `mapstructure:"price_interval"`
	PositionInterval time.Duration `mapstructure:"position_interval"`
	Watchlist        []string      `mapstructure:"watchlist"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"` // REDIS_URL; overrides address, password and db
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// AWSConfig holds AWS service configuration
type AWSConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	Region      string `mapstructure:"region"`
	SNSTopicARN string `mapstructure:"sns_topic_arn"`
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json or text
}

// MetricsConfig holds metrics settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig holds tracing settings
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// HTTPConfig holds HTTP server configuration
type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

// Known provider names accepted in providers.order
const (
	ProviderCoinGecko   = "coingecko"
	ProviderDexScreener = "dexscreener"
)

// Gateway modes
const (
	GatewayModeSimulated = "simulated"
	GatewayModeRPC       = "rpc"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// REDIS_ADDRESS overrides redis.address
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file not found is not fatal, defaults and env vars still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.parse()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Uniswap V2 deployment on Ethereum mainnet
	v.SetDefault("chains", []map[string]interface{}{
		{
			"chain_id":           1,
			"name":               "ethereum",
			"dexscreener_id":     "ethereum",
			"coingecko_platform": "ethereum",
			"router_address":     "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
			"factory_address":    "0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f",
		},
	})

	v.SetDefault("engine.default_chain_id", 1)
	v.SetDefault("engine.fee_bps", 30)
	v.SetDefault("engine.default_slippage_pct", 0.5)
	v.SetDefault("engine.max_slippage_pct", 50)
	v.SetDefault("engine.deadline_window", "20m")
	v.SetDefault("engine.quote_timeout", "10s")
	v.SetDefault("engine.debounce", "400ms")

	v.SetDefault("gateway.mode", GatewayModeSimulated)
	v.SetDefault("gateway.confirmation_poll", "2s")
	v.SetDefault("gateway.health_check_interval", "30s")
	v.SetDefault("gateway.call_timeout", "8s")

	v.SetDefault("providers.order", []string{ProviderCoinGecko, ProviderDexScreener})
	v.SetDefault("providers.coingecko.base_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("providers.coingecko.timeout", "8s")
	v.SetDefault("providers.coingecko.max_retries", 2)
	v.SetDefault("providers.coingecko.rate_limit.requests_per_minute", 30)
	v.SetDefault("providers.coingecko.rate_limit.burst", 5)
	v.SetDefault("providers.dexscreener.base_url", "https://api.dexscreener.com")
	v.SetDefault("providers.dexscreener.timeout", "6s")
	v.SetDefault("providers.dexscreener.max_retries", 2)
	v.SetDefault("providers.dexscreener.rate_limit.requests_per_minute", 300)
	v.SetDefault("providers.dexscreener.rate_limit.burst", 10)

	v.SetDefault("cache.l1_max_size", 1000)
	v.SetDefault("cache.l1_max_ttl", "1m")
	v.SetDefault("cache.cleanup_interval", "15s")
	v.SetDefault("cache.price_ttl", "60s")
	v.SetDefault("cache.pair_ttl", "30s")
	v.SetDefault("cache.quote_ttl", "30s")
	v.SetDefault("cache.search_ttl", "5m")

	v.SetDefault("polling.price_interval", "30s")
	v.SetDefault("polling.position_interval", "30s")
	v.SetDefault("polling.watchlist", []string{"ETH", "WBTC", "USDC"})

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.db", 0)

	v.SetDefault("aws.enabled", false)
	v.SetDefault("aws.endpoint", "http://localhost:4566")
	v.SetDefault("aws.region", "us-east-1")
	v.SetDefault("aws.sns_topic_arn", "arn:aws:sns:us-east-1:000000000000:swap-transactions")

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.metrics.enabled", true)
	v.SetDefault("observability.tracing.enabled", false)
	v.SetDefault("observability.tracing.endpoint", "localhost:4317")
	v.SetDefault("observability.tracing.sample_ratio", 1.0)

	v.SetDefault("http.port", 8080)
}

// parse normalizes values after unmarshalling
func (c *Config) parse() {
	c.Gateway.Mode = strings.ToLower(strings.TrimSpace(c.Gateway.Mode))
	for i, name := range c.Providers.Order {
		c.Providers.Order[i] = strings.ToLower(strings.TrimSpace(name))
	}
	for i, sym := range c.Polling.Watchlist {
		c.Polling.Watchlist[i] = strings.ToUpper(strings.TrimSpace(sym))
	}
}

// Chain returns the configuration for chainID
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}

// DefaultChain returns the configuration of engine.default_chain_id
func (c *Config) DefaultChain() ChainConfig {
	ch, _ := c.Chain(c.Engine.DefaultChainID)
	return ch
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("at least one chain is required")
	}

	seen := make(map[int64]bool, len(c.Chains))
	for _, ch := range c.Chains {
		if ch.ChainID <= 0 {
			return fmt.Errorf("chain %q: chain_id must be > 0", ch.Name)
		}
		if seen[ch.ChainID] {
			return fmt.Errorf("duplicate chain_id: %d", ch.ChainID)
		}
		seen[ch.ChainID] = true

		for field, addr := range map[string]string{"router_address": ch.RouterAddress, "factory_address": ch.FactoryAddress} {
			if addr != "" && !common.IsHexAddress(addr) {
				return fmt.Errorf("chain %d: invalid %s: %s", ch.ChainID, field, addr)
			}
		}
		for _, pair := range ch.KnownPairs {
			if !common.IsHexAddress(pair) {
				return fmt.Errorf("chain %d: invalid known pair: %s", ch.ChainID, pair)
			}
		}

		if c.Gateway.Mode == GatewayModeRPC {
			if len(ch.RPCEndpoints) == 0 {
				return fmt.Errorf("chain %d: at least one RPC endpoint is required in rpc mode", ch.ChainID)
			}
			if ch.RouterAddress == "" || ch.FactoryAddress == "" {
				return fmt.Errorf("chain %d: router and factory addresses are required in rpc mode", ch.ChainID)
			}
		}
	}

	if _, ok := c.Chain(c.Engine.DefaultChainID); !ok {
		return fmt.Errorf("default chain %d is not configured", c.Engine.DefaultChainID)
	}

	// Engine validation
	if c.Engine.FeeBps < 0 || c.Engine.FeeBps >= 10000 {
		return fmt.Errorf("fee_bps must be in [0, 10000): %d", c.Engine.FeeBps)
	}
	if c.Engine.MaxSlippagePct <= 0 || c.Engine.MaxSlippagePct > 50 {
		return fmt.Errorf("max_slippage_pct must be in (0, 50]: %v", c.Engine.MaxSlippagePct)
	}
	if c.Engine.DefaultSlippagePct < 0 || c.Engine.DefaultSlippagePct > c.Engine.MaxSlippagePct {
		return fmt.Errorf("default_slippage_pct must be in [0, %v]: %v", c.Engine.MaxSlippagePct, c.Engine.DefaultSlippagePct)
	}
	if c.Engine.DeadlineWindow <= 0 {
		return fmt.Errorf("deadline_window must be > 0")
	}
	if c.Engine.QuoteTimeout <= 0 {
		return fmt.Errorf("quote_timeout must be > 0")
	}
	if c.Engine.Debounce <= 0 {
		return fmt.Errorf("debounce must be > 0")
	}

	switch c.Gateway.Mode {
	case GatewayModeSimulated, GatewayModeRPC:
	default:
		return fmt.Errorf("invalid gateway mode: %s", c.Gateway.Mode)
	}
	if c.Gateway.Owner != "" && !common.IsHexAddress(c.Gateway.Owner) {
		return fmt.Errorf("invalid gateway owner: %s", c.Gateway.Owner)
	}

	// Provider validation
	if len(c.Providers.Order) == 0 {
		return fmt.Errorf("at least one price provider is required")
	}
	for _, name := range c.Providers.Order {
		if name != ProviderCoinGecko && name != ProviderDexScreener {
			return fmt.Errorf("unknown price provider: %s", name)
		}
	}

	// Cache validation
	ttls := map[string]time.Duration{
		"price_ttl":  c.Cache.PriceTTL,
		"pair_ttl":   c.Cache.PairTTL,
		"quote_ttl":  c.Cache.QuoteTTL,
		"search_ttl": c.Cache.SearchTTL,
	}
	for name, ttl := range ttls {
		if ttl <= 0 {
			return fmt.Errorf("cache %s must be > 0", name)
		}
	}

	if c.Redis.Enabled && c.Redis.Address == "" && c.Redis.URL == "" {
		return fmt.Errorf("redis url or address is required")
	}

	if c.AWS.Enabled {
		if c.AWS.Region == "" {
			return fmt.Errorf("AWS region is required")
		}
		if c.AWS.SNSTopicARN == "" {
			return fmt.Errorf("SNS topic ARN is required")
		}
	}

	// Observability validation
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Observability.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Observability.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[c.Observability.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Observability.Logging.Format)
	}

	return nil
}
