package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/flowradar/internal/binance"
	"github.com/rewired-gh/flowradar/internal/classifier"
	"github.com/rewired-gh/flowradar/internal/feed"
	"github.com/rewired-gh/flowradar/internal/mirror"
	"github.com/rewired-gh/flowradar/internal/monitor"
	"github.com/rewired-gh/flowradar/internal/session"
	"github.com/rewired-gh/flowradar/internal/telegram"
)

// EnvPrefix prefixes every environment override, e.g. FLOWRADAR_FEED_MODE.
const EnvPrefix = "FLOWRADAR"

// Config represents the complete application configuration
type Config struct {
	Feed        FeedConfig        `mapstructure:"feed"`
	Seed        SeedConfig        `mapstructure:"seed"`
	Universe    UniverseConfig    `mapstructure:"universe"`
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	Volume      VolumeConfig      `mapstructure:"volume"`
	Reversal    ReversalConfig    `mapstructure:"reversal"`
	Session     SessionConfig     `mapstructure:"session"`
	Mirror      MirrorConfig      `mapstructure:"mirror"`
	Telegram    TelegramConfig    `mapstructure:"telegram"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// FeedConfig holds market feed connection settings
type FeedConfig struct {
	Mode                 string        `mapstructure:"mode"` // binance | relay
	StreamURL            string        `mapstructure:"stream_url"`
	ForceOrderURL        string        `mapstructure:"force_order_url"`
	RelayURL             string        `mapstructure:"relay_url"`
	KlineInterval        string        `mapstructure:"kline_interval"`
	ForceOrders          bool          `mapstructure:"force_orders"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"` // 0 = unbounded
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout          time.Duration `mapstructure:"read_timeout"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	QueueSize            int           `mapstructure:"queue_size"`
}

// SeedConfig holds the REST kline warm-up settings
type SeedConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	SpotBaseURL    string        `mapstructure:"spot_base_url"`
	FuturesBaseURL string        `mapstructure:"futures_base_url"`
	Interval       string        `mapstructure:"interval"`
	Limit          int           `mapstructure:"limit"`
	Concurrency    int           `mapstructure:"concurrency"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// UniverseConfig overrides the compiled-in symbol lists
type UniverseConfig struct {
	Symbols         []string `mapstructure:"symbols"`
	HighCap         []string `mapstructure:"high_cap"`
	FuturesPriority []string `mapstructure:"futures_priority"`
}

// LiquidationConfig holds liquidation classifier thresholds
type LiquidationConfig struct {
	HighVolumeUSD float64 `mapstructure:"high_volume_usd"`
	HighChangePct float64 `mapstructure:"high_change_pct"`
	LowVolumeUSD  float64 `mapstructure:"low_volume_usd"`
	LowChangePct  float64 `mapstructure:"low_change_pct"`
	DedupeSize    int     `mapstructure:"dedupe_size"`
}

// VolumeConfig holds volume anomaly classifier settings
type VolumeConfig struct {
	Window        int           `mapstructure:"window"`
	MinSamples    int           `mapstructure:"min_samples"`
	TradeWeight   float64       `mapstructure:"trade_weight"`
	BaseThreshold float64       `mapstructure:"base_threshold"`
	MinThreshold  float64       `mapstructure:"min_threshold"`
	Cooldown      time.Duration `mapstructure:"cooldown"`
}

// ReversalConfig holds trend reversal classifier settings
type ReversalConfig struct {
	HistorySize     int           `mapstructure:"history_size"`
	Window          time.Duration `mapstructure:"window"`
	MinEvents       int           `mapstructure:"min_events"`
	DominanceMargin float64       `mapstructure:"dominance_margin"`
	MinRatio        float64       `mapstructure:"min_ratio"`
}

// SessionConfig sizes the in-memory session collections
type SessionConfig struct {
	LiquidationCap   int           `mapstructure:"liquidation_cap"`
	AnomalyCap       int           `mapstructure:"anomaly_cap"`
	ReversalCap      int           `mapstructure:"reversal_cap"`
	LeaderboardCap   int           `mapstructure:"leaderboard_cap"`
	LiquidationTTL   time.Duration `mapstructure:"liquidation_ttl"`
	AnomalyTTL       time.Duration `mapstructure:"anomaly_ttl"`
	ReversalTTL      time.Duration `mapstructure:"reversal_ttl"`
	LeaderboardDaily bool          `mapstructure:"leaderboard_daily"`
	CleanupInterval  time.Duration `mapstructure:"cleanup_interval"`
}

// MirrorConfig holds persistence mirror configuration
type MirrorConfig struct {
	Enabled              bool          `mapstructure:"enabled"`
	Backend              string        `mapstructure:"backend"` // sqlite | postgres
	SQLitePath           string        `mapstructure:"sqlite_path"`
	PostgresDSN          string        `mapstructure:"postgres_dsn"`
	MaxConns             int32         `mapstructure:"max_conns"`
	QueueSize            int           `mapstructure:"queue_size"`
	MaxRetries           int           `mapstructure:"max_retries"`
	WriteTimeout         time.Duration `mapstructure:"write_timeout"`
	BreakerFailures      int           `mapstructure:"breaker_failures"`
	BreakerTimeout       time.Duration `mapstructure:"breaker_timeout"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	Retention            time.Duration `mapstructure:"retention"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken     string        `mapstructure:"bot_token"`
	ChatID       string        `mapstructure:"chat_id"`
	Enabled      bool          `mapstructure:"enabled"`
	MinIntensity int           `mapstructure:"min_intensity"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

// ServerConfig holds the HTTP/WebSocket listener configuration
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables. An empty path skips the file
// and uses defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Enable environment variable override: feed.mode -> FLOWRADAR_FEED_MODE
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
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
	fd := feed.DefaultConfig()
	v.SetDefault("feed.mode", string(fd.Mode))
	v.SetDefault("feed.stream_url", fd.StreamURL)
	v.SetDefault("feed.force_order_url", fd.ForceOrderURL)
	v.SetDefault("feed.relay_url", "")
	v.SetDefault("feed.kline_interval", fd.KlineInterval)
	v.SetDefault("feed.force_orders", fd.ForceOrders)
	v.SetDefault("feed.reconnect_delay", fd.ReconnectDelay.String())
	v.SetDefault("feed.max_reconnect_attempts", 0) // 0 = retry forever
	v.SetDefault("feed.handshake_timeout", fd.HandshakeTimeout.String())
	v.SetDefault("feed.read_timeout", fd.ReadTimeout.String())
	v.SetDefault("feed.ping_interval", fd.PingInterval.String())
	v.SetDefault("feed.queue_size", 4096)

	// Seed defaults
	v.SetDefault("seed.enabled", true)
	v.SetDefault("seed.spot_base_url", "")    // empty = library default
	v.SetDefault("seed.futures_base_url", "") // empty = library default
	v.SetDefault("seed.interval", "")         // empty = feed.kline_interval
	v.SetDefault("seed.limit", 21)
	v.SetDefault("seed.concurrency", 8)
	v.SetDefault("seed.timeout", "10s")

	// Universe defaults: empty lists fall back to the compiled-in tables
	v.SetDefault("universe.symbols", []string{})
	v.SetDefault("universe.high_cap", []string{})
	v.SetDefault("universe.futures_priority", []string{})

	ld := classifier.DefaultLiquidationConfig()
	v.SetDefault("liquidation.high_volume_usd", ld.High.VolumeUSD)
	v.SetDefault("liquidation.high_change_pct", ld.High.ChangePct)
	v.SetDefault("liquidation.low_volume_usd", ld.Low.VolumeUSD)
	v.SetDefault("liquidation.low_change_pct", ld.Low.ChangePct)
	v.SetDefault("liquidation.dedupe_size", ld.DedupeCap)

	vd := classifier.DefaultVolumeConfig()
	v.SetDefault("volume.window", vd.Capacity)
	v.SetDefault("volume.min_samples", vd.MinSamples)
	v.SetDefault("volume.trade_weight", vd.TradeWeight)
	v.SetDefault("volume.base_threshold", vd.BaseThreshold)
	v.SetDefault("volume.min_threshold", vd.MinThreshold)
	v.SetDefault("volume.cooldown", vd.Cooldown.String())

	rd := classifier.DefaultReversalConfig()
	v.SetDefault("reversal.history_size", rd.HistoryCap)
	v.SetDefault("reversal.window", rd.Window.String())
	v.SetDefault("reversal.min_events", rd.MinEvents)
	v.SetDefault("reversal.dominance_margin", rd.DominanceMargin)
	v.SetDefault("reversal.min_ratio", rd.MinRatio)

	sd := session.DefaultConfig()
	v.SetDefault("session.liquidation_cap", sd.LiquidationCap)
	v.SetDefault("session.anomaly_cap", sd.AnomalyCap)
	v.SetDefault("session.reversal_cap", sd.ReversalCap)
	v.SetDefault("session.leaderboard_cap", sd.LeaderboardCap)
	v.SetDefault("session.liquidation_ttl", sd.LiquidationTTL.String())
	v.SetDefault("session.anomaly_ttl", sd.AnomalyTTL.String())
	v.SetDefault("session.reversal_ttl", sd.ReversalTTL.String())
	v.SetDefault("session.leaderboard_daily", sd.LeaderboardDaily)
	v.SetDefault("session.cleanup_interval", sd.CleanupInterval.String())

	md := mirror.DefaultConfig()
	v.SetDefault("mirror.enabled", false)
	v.SetDefault("mirror.backend", "sqlite")
	v.SetDefault("mirror.sqlite_path", "") // empty = $TMPDIR/flowradar/mirror.db
	v.SetDefault("mirror.postgres_dsn", "")
	v.SetDefault("mirror.max_conns", 4)
	v.SetDefault("mirror.queue_size", md.QueueSize)
	v.SetDefault("mirror.max_retries", int(md.MaxRetries))
	v.SetDefault("mirror.write_timeout", md.WriteTimeout.String())
	v.SetDefault("mirror.breaker_failures", int(md.BreakerFailures))
	v.SetDefault("mirror.breaker_timeout", md.BreakerOpenTimeout.String())
	v.SetDefault("mirror.housekeeping_interval", md.HousekeepingInterval.String())
	v.SetDefault("mirror.retention", md.Retention.String())

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.min_intensity", 4)
	v.SetDefault("telegram.cooldown", "5m")
	v.SetDefault("telegram.max_retries", 3)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "10s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Feed config
	switch feed.Mode(c.Feed.Mode) {
	case feed.ModeBinance:
		if c.Feed.StreamURL == "" {
			return fmt.Errorf("feed.stream_url is required in binance mode")
		}
		if c.Feed.ForceOrders && c.Feed.ForceOrderURL == "" {
			return fmt.Errorf("feed.force_order_url is required when feed.force_orders is enabled")
		}
		if c.Feed.KlineInterval == "" {
			return fmt.Errorf("feed.kline_interval is required in binance mode")
		}
	case feed.ModeRelay:
		if c.Feed.RelayURL == "" {
			return fmt.Errorf("feed.relay_url is required in relay mode")
		}
	default:
		return fmt.Errorf("feed.mode must be one of: binance, relay")
	}
	if c.Feed.ReconnectDelay < 100*time.Millisecond {
		return fmt.Errorf("feed.reconnect_delay must be at least 100ms")
	}
	if c.Feed.MaxReconnectAttempts < 0 {
		return fmt.Errorf("feed.max_reconnect_attempts must not be negative")
	}
	if c.Feed.QueueSize < 1 {
		return fmt.Errorf("feed.queue_size must be at least 1")
	}

	// Validate Seed config
	if c.Seed.Enabled {
		if c.Seed.Interval != "" && c.Seed.Interval != c.Feed.KlineInterval && feed.Mode(c.Feed.Mode) == feed.ModeBinance {
			return fmt.Errorf("seed.interval must match feed.kline_interval (%s)", c.Feed.KlineInterval)
		}
		if c.Seed.Limit < 1 || c.Seed.Limit > 1000 {
			return fmt.Errorf("seed.limit must be between 1 and 1000")
		}
		if c.Seed.Concurrency < 1 {
			return fmt.Errorf("seed.concurrency must be at least 1")
		}
	}

	// Validate classifier config
	if c.Liquidation.HighVolumeUSD <= 0 || c.Liquidation.LowVolumeUSD <= 0 {
		return fmt.Errorf("liquidation volume thresholds must be positive")
	}
	if c.Liquidation.HighChangePct <= 0 || c.Liquidation.LowChangePct <= 0 {
		return fmt.Errorf("liquidation change thresholds must be positive")
	}
	if c.Volume.Window < 2 {
		return fmt.Errorf("volume.window must be at least 2")
	}
	if c.Volume.MinSamples < 1 || c.Volume.MinSamples > c.Volume.Window {
		return fmt.Errorf("volume.min_samples must be between 1 and volume.window")
	}
	if c.Volume.MinThreshold < 1 || c.Volume.BaseThreshold < c.Volume.MinThreshold {
		return fmt.Errorf("volume thresholds must satisfy 1 <= min_threshold <= base_threshold")
	}
	if c.Reversal.MinEvents < 2 || c.Reversal.HistorySize < c.Reversal.MinEvents {
		return fmt.Errorf("reversal.min_events must be at least 2 and at most reversal.history_size")
	}
	if c.Reversal.Window < time.Minute {
		return fmt.Errorf("reversal.window must be at least 1 minute")
	}
	if c.Reversal.MinRatio < 1 || c.Reversal.DominanceMargin < 1 {
		return fmt.Errorf("reversal.min_ratio and reversal.dominance_margin must be at least 1")
	}

	// Validate Session config
	if c.Session.LiquidationCap < 1 || c.Session.AnomalyCap < 1 || c.Session.ReversalCap < 1 || c.Session.LeaderboardCap < 1 {
		return fmt.Errorf("session caps must be at least 1")
	}
	if c.Session.CleanupInterval < time.Second {
		return fmt.Errorf("session.cleanup_interval must be at least 1 second")
	}

	// Validate Mirror config
	if c.Mirror.Enabled {
		switch c.Mirror.Backend {
		case "sqlite":
		case "postgres":
			if c.Mirror.PostgresDSN == "" {
				return fmt.Errorf("mirror.postgres_dsn is required for the postgres backend")
			}
		default:
			return fmt.Errorf("mirror.backend must be one of: sqlite, postgres")
		}
		if c.Mirror.QueueSize < 1 {
			return fmt.Errorf("mirror.queue_size must be at least 1")
		}
		if c.Mirror.MaxRetries < 0 {
			return fmt.Errorf("mirror.max_retries must not be negative")
		}
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
		if c.Telegram.MinIntensity < 1 || c.Telegram.MinIntensity > 5 {
			return fmt.Errorf("telegram.min_intensity must be between 1 and 5")
		}
	}

	// Validate Server config
	if c.Server.Enabled && c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required when the server is enabled")
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

// FeedClient returns the feed client configuration
func (c *Config) FeedClient() feed.Config {
	return feed.Config{
		Mode:                 feed.Mode(c.Feed.Mode),
		StreamURL:            c.Feed.StreamURL,
		ForceOrderURL:        c.Feed.ForceOrderURL,
		RelayURL:             c.Feed.RelayURL,
		KlineInterval:        c.Feed.KlineInterval,
		ForceOrders:          c.Feed.ForceOrders,
		ReconnectDelay:       c.Feed.ReconnectDelay,
		MaxReconnectAttempts: c.Feed.MaxReconnectAttempts,
		HandshakeTimeout:     c.Feed.HandshakeTimeout,
		ReadTimeout:          c.Feed.ReadTimeout,
		PingInterval:         c.Feed.PingInterval,
	}
}

// Warmup returns the kline warm-up configuration
func (c *Config) Warmup() binance.WarmupConfig {
	interval := c.Seed.Interval
	if interval == "" {
		interval = c.Feed.KlineInterval
	}
	return binance.WarmupConfig{
		Interval:    interval,
		Limit:       c.Seed.Limit,
		Concurrency: c.Seed.Concurrency,
	}
}

// SeedMarket returns the kline market the warm-up reads. The binance feed streams futures, so
// warm-up history comes from futures too.
func (c *Config) SeedMarket() binance.Market {
	if feed.Mode(c.Feed.Mode) == feed.ModeBinance {
		return binance.MarketFutures
	}
	return binance.MarketByPriority
}

// LiquidationClassifier returns the liquidation classifier configuration
func (c *Config) LiquidationClassifier() classifier.LiquidationConfig {
	return classifier.LiquidationConfig{
		High:      classifier.TierThresholds{VolumeUSD: c.Liquidation.HighVolumeUSD, ChangePct: c.Liquidation.HighChangePct},
		Low:       classifier.TierThresholds{VolumeUSD: c.Liquidation.LowVolumeUSD, ChangePct: c.Liquidation.LowChangePct},
		DedupeCap: c.Liquidation.DedupeSize,
	}
}

// VolumeClassifier returns the volume classifier configuration
func (c *Config) VolumeClassifier() classifier.VolumeConfig {
	vc := classifier.DefaultVolumeConfig()
	vc.Capacity = c.Volume.Window
	vc.MinSamples = c.Volume.MinSamples
	vc.TradeWeight = c.Volume.TradeWeight
	vc.BaseThreshold = c.Volume.BaseThreshold
	vc.MinThreshold = c.Volume.MinThreshold
	vc.Cooldown = c.Volume.Cooldown
	return vc
}

// ReversalClassifier returns the reversal classifier configuration
func (c *Config) ReversalClassifier() classifier.ReversalConfig {
	rc := classifier.DefaultReversalConfig()
	rc.HistoryCap = c.Reversal.HistorySize
	rc.Window = c.Reversal.Window
	rc.MinEvents = c.Reversal.MinEvents
	rc.DominanceMargin = c.Reversal.DominanceMargin
	rc.MinRatio = c.Reversal.MinRatio
	return rc
}

// Monitor returns the tick pipeline configuration
func (c *Config) Monitor() monitor.Config {
	mc := monitor.DefaultConfig()
	mc.QueueSize = c.Feed.QueueSize
	mc.CleanupInterval = c.Session.CleanupInterval
	return mc
}

// SessionStore returns the session store configuration
func (c *Config) SessionStore() session.Config {
	return session.Config{
		LiquidationCap:   c.Session.LiquidationCap,
		AnomalyCap:       c.Session.AnomalyCap,
		ReversalCap:      c.Session.ReversalCap,
		LeaderboardCap:   c.Session.LeaderboardCap,
		LiquidationTTL:   c.Session.LiquidationTTL,
		AnomalyTTL:       c.Session.AnomalyTTL,
		ReversalTTL:      c.Session.ReversalTTL,
		LeaderboardDaily: c.Session.LeaderboardDaily,
		CleanupInterval:  c.Session.CleanupInterval,
	}
}

// MirrorWriter returns the mirror queue configuration
func (c *Config) MirrorWriter() mirror.Config {
	mc := mirror.DefaultConfig()
	mc.QueueSize = c.Mirror.QueueSize
	mc.MaxRetries = uint64(c.Mirror.MaxRetries)
	mc.WriteTimeout = c.Mirror.WriteTimeout
	mc.BreakerFailures = uint32(c.Mirror.BreakerFailures)
	mc.BreakerOpenTimeout = c.Mirror.BreakerTimeout
	mc.HousekeepingInterval = c.Mirror.HousekeepingInterval
	mc.Retention = c.Mirror.Retention
	return mc
}

// Notifier returns the Telegram client configuration
func (c *Config) Notifier() telegram.Config {
	return telegram.Config{
		MinIntensity: c.Telegram.MinIntensity,
		Cooldown:     c.Telegram.Cooldown,
		MaxRetries:   c.Telegram.MaxRetries,
	}
}
