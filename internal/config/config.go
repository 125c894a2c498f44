package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Assets    map[string]AssetConfig `mapstructure:"assets"`
	Discovery DiscoveryConfig        `mapstructure:"discovery"`
	Feed      FeedConfig             `mapstructure:"feed"`
	Trading   TradingConfig          `mapstructure:"trading"`
	Analysis  AnalysisConfig         `mapstructure:"analysis"`
	Strategy  StrategyConfig         `mapstructure:"strategy"`
	Stake     StakeConfig            `mapstructure:"stake"`
	Storage   StorageConfig          `mapstructure:"storage"`
	Telegram  TelegramConfig         `mapstructure:"telegram"`
	Metrics   MetricsConfig          `mapstructure:"metrics"`
	Redis     RedisConfig            `mapstructure:"redis"`
	Logging   LoggingConfig          `mapstructure:"logging"`
}

// AssetConfig describes one tradeable asset and its round naming
type AssetConfig struct {
	Symbol      string  `mapstructure:"symbol"`       // feed subscription symbol, e.g. "btc/usd"
	SlugPrefix  string  `mapstructure:"slug_prefix"`  // round slug prefix, e.g. "btc-updown-15m-"
	DisplayName string  `mapstructure:"display_name"`
	MinPrice    float64 `mapstructure:"min_price"` // plausibility floor for target prices
}

// DiscoveryConfig holds round discovery (Gamma API) configuration
type DiscoveryConfig struct {
	GammaAPIURL    string        `mapstructure:"gamma_api_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	PageLimit      int           `mapstructure:"page_limit"`
	MinCandidates  int           `mapstructure:"min_candidates"`
	MaxPages       int           `mapstructure:"max_pages"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// FeedConfig holds live price feed configuration
type FeedConfig struct {
	WebsocketURL      string        `mapstructure:"websocket_url"`
	Staleness         time.Duration `mapstructure:"staleness"`
	MaxReconnectDelay time.Duration `mapstructure:"max_reconnect_delay"`
	BufferSize        int           `mapstructure:"buffer_size"`
	RecentTicks       int           `mapstructure:"recent_ticks"`
}

// TradingConfig holds cycle timing and trade window configuration
type TradingConfig struct {
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	MinTimeBeforeClose time.Duration `mapstructure:"min_time_before_close"`
	MaxTimeBeforeClose time.Duration `mapstructure:"max_time_before_close"`
	Warmup             time.Duration `mapstructure:"warmup"`
}

// AnalysisConfig holds candle and indicator configuration
type AnalysisConfig struct {
	CandleInterval time.Duration `mapstructure:"candle_interval"`
	MaxCandles     int           `mapstructure:"max_candles"`
	EMAFast        int           `mapstructure:"ema_fast"`
	EMASlow        int           `mapstructure:"ema_slow"`
	ATRPeriod      int           `mapstructure:"atr_period"`
	ReturnPeriods  []int         `mapstructure:"return_periods"` // lookbacks in minutes
}

// StrategyConfig holds decision rule thresholds
type StrategyConfig struct {
	GapATRThreshold float64       `mapstructure:"gap_atr_threshold"`
	TimePressure    time.Duration `mapstructure:"time_pressure"`
}

// StakeConfig holds stake sizing and daily safety limits
type StakeConfig struct {
	BaseStake      float64 `mapstructure:"base_stake"`
	MaxStake       float64 `mapstructure:"max_stake"`
	MaxDailyTrades int     `mapstructure:"max_daily_trades"`
	MaxDailyLoss   float64 `mapstructure:"max_daily_loss"`
	StateFile      string  `mapstructure:"state_file"`
}

// StorageConfig holds journal database configuration
type StorageConfig struct {
	DBPath       string `mapstructure:"db_path"`
	MaxDecisions int    `mapstructure:"max_decisions"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// MetricsConfig holds Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// RedisConfig holds optional live snapshot publishing configuration
type RedisConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Addr          string `mapstructure:"addr"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set config file
	v.SetConfigFile(path)

	// Set defaults
	setDefaults(v)

	// Enable environment variable override
	v.SetEnvPrefix("UPDOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Unmarshal into Config struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Asset defaults
	v.SetDefault("assets.btc.symbol", "btc/usd")
	v.SetDefault("assets.btc.slug_prefix", "btc-updown-15m-")
	v.SetDefault("assets.btc.display_name", "Bitcoin")
	v.SetDefault("assets.btc.min_price", 1000.0)
	v.SetDefault("assets.eth.symbol", "eth/usd")
	v.SetDefault("assets.eth.slug_prefix", "eth-updown-15m-")
	v.SetDefault("assets.eth.display_name", "Ethereum")
	v.SetDefault("assets.eth.min_price", 100.0)

	// Discovery defaults
	v.SetDefault("discovery.gamma_api_url", "https://gamma-api.polymarket.com")
	v.SetDefault("discovery.timeout", "15s")
	v.SetDefault("discovery.page_limit", 100)
	v.SetDefault("discovery.min_candidates", 3)
	v.SetDefault("discovery.max_pages", 5)
	v.SetDefault("discovery.max_retries", 3)
	v.SetDefault("discovery.retry_delay_base", "1s")

	// Feed defaults
	v.SetDefault("feed.websocket_url", "wss://ws-live-data.polymarket.com")
	v.SetDefault("feed.staleness", "30s")
	v.SetDefault("feed.max_reconnect_delay", "30s")
	v.SetDefault("feed.buffer_size", 256)
	v.SetDefault("feed.recent_ticks", 16)

	// Trading defaults
	v.SetDefault("trading.poll_interval", "30s")
	v.SetDefault("trading.min_time_before_close", "2m")
	v.SetDefault("trading.max_time_before_close", "14m30s")
	v.SetDefault("trading.warmup", "1m")

	// Analysis defaults
	v.SetDefault("analysis.candle_interval", "1m")
	v.SetDefault("analysis.max_candles", 1000)
	v.SetDefault("analysis.ema_fast", 9)
	v.SetDefault("analysis.ema_slow", 20)
	v.SetDefault("analysis.atr_period", 14)
	v.SetDefault("analysis.return_periods", []int{3, 5})

	// Strategy defaults
	v.SetDefault("strategy.gap_atr_threshold", 0.8)
	v.SetDefault("strategy.time_pressure", "10m")

	// Stake defaults
	v.SetDefault("stake.base_stake", 2.0)
	v.SetDefault("stake.max_stake", 1024.0)
	v.SetDefault("stake.max_daily_trades", 10)
	v.SetDefault("stake.max_daily_loss", 20.0)
	v.SetDefault("stake.state_file", "./data/state.json")

	// Storage defaults
	v.SetDefault("storage.db_path", "./data/updownadvisor.db")
	v.SetDefault("storage.max_decisions", 5000)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9091")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "updown")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate asset config
	if len(c.Assets) == 0 {
		return fmt.Errorf("assets must contain at least one asset")
	}
	for name, asset := range c.Assets {
		if asset.Symbol == "" {
			return fmt.Errorf("assets.%s.symbol is required", name)
		}
		if asset.SlugPrefix == "" {
			return fmt.Errorf("assets.%s.slug_prefix is required", name)
		}
		if asset.MinPrice <= 0 {
			return fmt.Errorf("assets.%s.min_price must be positive", name)
		}
	}

	// Validate discovery config
	if c.Discovery.GammaAPIURL == "" {
		return fmt.Errorf("discovery.gamma_api_url is required")
	}
	if c.Discovery.Timeout < 1*time.Second {
		return fmt.Errorf("discovery.timeout must be at least 1 second")
	}
	if c.Discovery.PageLimit < 1 || c.Discovery.PageLimit > 500 {
		return fmt.Errorf("discovery.page_limit must be between 1 and 500")
	}
	if c.Discovery.MinCandidates < 1 {
		return fmt.Errorf("discovery.min_candidates must be at least 1")
	}
	if c.Discovery.MaxPages < 1 {
		return fmt.Errorf("discovery.max_pages must be at least 1")
	}

	// Validate feed config
	if c.Feed.WebsocketURL == "" {
		return fmt.Errorf("feed.websocket_url is required")
	}
	if c.Feed.Staleness < 1*time.Second {
		return fmt.Errorf("feed.staleness must be at least 1 second")
	}
	if c.Feed.BufferSize < 1 {
		return fmt.Errorf("feed.buffer_size must be at least 1")
	}
	if c.Feed.RecentTicks < 1 {
		return fmt.Errorf("feed.recent_ticks must be at least 1")
	}

	// Validate trading config
	if c.Trading.PollInterval < 5*time.Second {
		return fmt.Errorf("trading.poll_interval must be at least 5 seconds")
	}
	if c.Trading.MinTimeBeforeClose <= 0 {
		return fmt.Errorf("trading.min_time_before_close must be positive")
	}
	if c.Trading.MaxTimeBeforeClose <= c.Trading.MinTimeBeforeClose {
		return fmt.Errorf("trading.max_time_before_close must be greater than min_time_before_close")
	}
	if c.Trading.Warmup < 0 {
		return fmt.Errorf("trading.warmup must not be negative")
	}

	// Validate analysis config
	if c.Analysis.CandleInterval < 1*time.Second {
		return fmt.Errorf("analysis.candle_interval must be at least 1 second")
	}
	if c.Analysis.MaxCandles < 10 {
		return fmt.Errorf("analysis.max_candles must be at least 10")
	}
	if c.Analysis.EMAFast < 2 {
		return fmt.Errorf("analysis.ema_fast must be at least 2")
	}
	if c.Analysis.EMASlow <= c.Analysis.EMAFast {
		return fmt.Errorf("analysis.ema_slow must be greater than ema_fast")
	}
	if c.Analysis.ATRPeriod < 1 {
		return fmt.Errorf("analysis.atr_period must be at least 1")
	}
	if len(c.Analysis.ReturnPeriods) == 0 {
		return fmt.Errorf("analysis.return_periods must contain at least one lookback")
	}
	for _, p := range c.Analysis.ReturnPeriods {
		if p < 1 {
			return fmt.Errorf("analysis.return_periods entries must be at least 1 minute")
		}
	}

	// Validate strategy config
	if c.Strategy.GapATRThreshold <= 0 {
		return fmt.Errorf("strategy.gap_atr_threshold must be positive")
	}
	if c.Strategy.TimePressure <= 0 {
		return fmt.Errorf("strategy.time_pressure must be positive")
	}

	// Validate stake config
	if c.Stake.BaseStake <= 0 {
		return fmt.Errorf("stake.base_stake must be positive")
	}
	if c.Stake.MaxStake < c.Stake.BaseStake {
		return fmt.Errorf("stake.max_stake must be at least base_stake")
	}
	if c.Stake.MaxDailyTrades < 1 {
		return fmt.Errorf("stake.max_daily_trades must be at least 1")
	}
	if c.Stake.MaxDailyLoss <= 0 {
		return fmt.Errorf("stake.max_daily_loss must be positive")
	}
	if c.Stake.StateFile == "" {
		return fmt.Errorf("stake.state_file is required")
	}

	// Validate storage config
	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxDecisions < 1 {
		return fmt.Errorf("storage.max_decisions must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	// Validate metrics config
	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics are enabled")
	}

	// Validate Redis config
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// Asset returns the configuration for one asset key, e.g. "btc".
func (c *Config) Asset(name string) (AssetConfig, error) {
	asset, ok := c.Assets[strings.ToLower(name)]
	if !ok {
		return AssetConfig{}, fmt.Errorf("asset %q is not configured", name)
	}
	return asset, nil
}
