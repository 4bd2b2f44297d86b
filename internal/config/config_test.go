package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/rewired-gh/flowradar/internal/binance"
	"github.com/rewired-gh/flowradar/internal/feed"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmpfile, err := os.CreateTemp("", "config-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoadAndValidate(t *testing.T) {
	path := writeConfig(t, `
feed:
  mode: binance
  kline_interval: 5m
  reconnect_delay: 2s

universe:
  symbols:
    - BTCUSDT
    - ethusdt

liquidation:
  high_volume_usd: 150000

session:
  liquidation_cap: 10
  liquidation_ttl: 20m

mirror:
  enabled: true
  backend: sqlite
  sqlite_path: "./data/test.db"

telegram:
  bot_token: "test_token"
  chat_id: "12345"
  enabled: true
  min_intensity: 3

logging:
  level: "debug"
  format: "text"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Feed.KlineInterval != "5m" {
		t.Errorf("Unexpected kline interval: %s", cfg.Feed.KlineInterval)
	}
	if cfg.Feed.ReconnectDelay != 2*time.Second {
		t.Errorf("Unexpected reconnect delay: %v", cfg.Feed.ReconnectDelay)
	}
	if len(cfg.Universe.Symbols) != 2 {
		t.Errorf("Expected 2 symbols, got %d", len(cfg.Universe.Symbols))
	}
	if cfg.Liquidation.HighVolumeUSD != 150000 {
		t.Errorf("Unexpected high volume threshold: %f", cfg.Liquidation.HighVolumeUSD)
	}
	// untouched keys keep their defaults
	if cfg.Liquidation.LowVolumeUSD != 25000 {
		t.Errorf("Unexpected low volume threshold: %f", cfg.Liquidation.LowVolumeUSD)
	}
	if cfg.Session.LiquidationTTL != 20*time.Minute {
		t.Errorf("Unexpected liquidation ttl: %v", cfg.Session.LiquidationTTL)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}

	if cfg.Feed.Mode != "binance" || cfg.Feed.MaxReconnectAttempts != 0 {
		t.Errorf("Unexpected feed defaults: %+v", cfg.Feed)
	}
	if cfg.Feed.ReconnectDelay != 5*time.Second {
		t.Errorf("Unexpected reconnect delay: %v", cfg.Feed.ReconnectDelay)
	}
	if cfg.Volume.Window != 20 || cfg.Volume.MinSamples != 5 || cfg.Volume.Cooldown != 10*time.Second {
		t.Errorf("Unexpected volume defaults: %+v", cfg.Volume)
	}
	if cfg.Reversal.Window != 30*time.Minute || cfg.Reversal.MinEvents != 4 {
		t.Errorf("Unexpected reversal defaults: %+v", cfg.Reversal)
	}
	if cfg.Session.LiquidationCap != 50 || cfg.Session.AnomalyCap != 100 || !cfg.Session.LeaderboardDaily {
		t.Errorf("Unexpected session defaults: %+v", cfg.Session)
	}
	if cfg.Mirror.Enabled || cfg.Mirror.QueueSize != 1024 || cfg.Mirror.Retention != 7*24*time.Hour {
		t.Errorf("Unexpected mirror defaults: %+v", cfg.Mirror)
	}
	if cfg.Telegram.MinIntensity != 4 {
		t.Errorf("Unexpected telegram min intensity: %d", cfg.Telegram.MinIntensity)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/flowradar.yaml"); err == nil {
		t.Error("Expected error for missing config file")
	}
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("FLOWRADAR_TELEGRAM_BOT_TOKEN", "env_token")
	t.Setenv("FLOWRADAR_FEED_MODE", "relay")
	t.Setenv("FLOWRADAR_FEED_RELAY_URL", "ws://relay.local/ws")
	t.Setenv("FLOWRADAR_VOLUME_COOLDOWN", "30s")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Telegram.BotToken != "env_token" {
		t.Errorf("Unexpected bot token: %q", cfg.Telegram.BotToken)
	}
	if cfg.Feed.Mode != "relay" || cfg.Feed.RelayURL != "ws://relay.local/ws" {
		t.Errorf("Unexpected feed: %+v", cfg.Feed)
	}
	if cfg.Volume.Cooldown != 30*time.Second {
		t.Errorf("Unexpected cooldown: %v", cfg.Volume.Cooldown)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown feed mode", func(c *Config) { c.Feed.Mode = "kraken" }, "feed.mode"},
		{"relay without url", func(c *Config) { c.Feed.Mode = "relay"; c.Feed.RelayURL = "" }, "feed.relay_url"},
		{"negative reconnect attempts", func(c *Config) { c.Feed.MaxReconnectAttempts = -1 }, "max_reconnect_attempts"},
		{"seed limit", func(c *Config) { c.Seed.Limit = 0 }, "seed.limit"},
		{"seed interval mismatch", func(c *Config) { c.Seed.Interval = "5m" }, "seed.interval"},
		{"min samples above window", func(c *Config) { c.Volume.MinSamples = 30 }, "volume.min_samples"},
		{"inverted volume thresholds", func(c *Config) { c.Volume.MinThreshold = 3 }, "volume thresholds"},
		{"reversal min events", func(c *Config) { c.Reversal.MinEvents = 1 }, "reversal.min_events"},
		{"zero session cap", func(c *Config) { c.Session.ReversalCap = 0 }, "session caps"},
		{"unknown mirror backend", func(c *Config) { c.Mirror.Enabled = true; c.Mirror.Backend = "mysql" }, "mirror.backend"},
		{"postgres without dsn", func(c *Config) { c.Mirror.Enabled = true; c.Mirror.Backend = "postgres" }, "postgres_dsn"},
		{"telegram without token", func(c *Config) { c.Telegram.Enabled = true; c.Telegram.ChatID = "1" }, "bot_token"},
		{"telegram intensity", func(c *Config) {
			c.Telegram.Enabled = true
			c.Telegram.BotToken = "t"
			c.Telegram.ChatID = "1"
			c.Telegram.MinIntensity = 6
		}, "min_intensity"},
		{"log level", func(c *Config) { c.Logging.Level = "trace" }, "logging.level"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load("")
			if err != nil {
				t.Fatal(err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if err == nil {
				t.Fatal("Expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestConverters(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Feed.QueueSize = 128
	cfg.Liquidation.HighVolumeUSD = 200000
	cfg.Mirror.MaxRetries = 7

	fc := cfg.FeedClient()
	if fc.Mode != feed.ModeBinance || fc.ReconnectDelay != 5*time.Second || !fc.ForceOrders {
		t.Errorf("Unexpected feed client config: %+v", fc)
	}
	if lc := cfg.LiquidationClassifier(); lc.High.VolumeUSD != 200000 || lc.Low.ChangePct != 3 {
		t.Errorf("Unexpected liquidation config: %+v", lc)
	}
	if vc := cfg.VolumeClassifier(); vc.Capacity != 20 || vc.BaseThreshold != 2 {
		t.Errorf("Unexpected volume config: %+v", vc)
	}
	if rc := cfg.ReversalClassifier(); rc.MinRatio != 1.5 || rc.BonusIntensity != 4 {
		t.Errorf("Unexpected reversal config: %+v", rc)
	}
	if mc := cfg.Monitor(); mc.QueueSize != 128 || mc.CleanupInterval != 30*time.Second {
		t.Errorf("Unexpected monitor config: %+v", mc)
	}
	if mc := cfg.MirrorWriter(); mc.MaxRetries != 7 || mc.DrainTimeout != 5*time.Second {
		t.Errorf("Unexpected mirror config: %+v", mc)
	}
	if sc := cfg.SessionStore(); sc.LeaderboardCap != 50 || sc.ReversalTTL != 15*time.Minute {
		t.Errorf("Unexpected session config: %+v", sc)
	}
	if wc := cfg.Warmup(); wc.Interval != "1m" || wc.Limit != 21 {
		t.Errorf("Unexpected warmup config: %+v", wc)
	}
	if cfg.SeedMarket() != binance.MarketFutures {
		t.Errorf("binance feed should seed from futures, got %s", cfg.SeedMarket())
	}
	cfg.Feed.KlineInterval = "5m"
	if wc := cfg.Warmup(); wc.Interval != "5m" {
		t.Errorf("warm-up interval should follow the feed, got %s", wc.Interval)
	}
	cfg.Feed.Mode = "relay"
	if cfg.SeedMarket() != binance.MarketByPriority {
		t.Errorf("relay feed should seed by priority, got %s", cfg.SeedMarket())
	}
	if tc := cfg.Notifier(); tc.MinIntensity != 4 || tc.Cooldown != 5*time.Minute {
		t.Errorf("Unexpected notifier config: %+v", tc)
	}
}
