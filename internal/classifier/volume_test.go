package classifier

import (
	"testing"
	"time"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/universe"
)

func bar(ticker string, open, close, volume float64, trades int64, ts int64) *models.MarketTick {
	return &models.MarketTick{
		Ticker:      ticker,
		Price:       close,
		Volume:      volume,
		Timestamp:   ts,
		Source:      models.SourceKline,
		Open:        models.Float(open),
		High:        models.Float(max(open, close)),
		Low:         models.Float(min(open, close)),
		Close:       models.Float(close),
		TradesCount: models.Int(trades),
		KlineVolume: models.Float(volume),
	}
}

func TestVolume_SpikeScenario(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	for i := 0; i < 20; i++ {
		c.Seed("DOTUSDT", []float64{1_000_000})
	}

	// price 1 -> 1.01, sample = 3.5M base units * 1.01 ≈ 3.535M
	ev, ok := c.Classify(bar("DOTUSDT", 1, 1.01, 3_500_000/1.01, 0, 1_000))
	if !ok {
		t.Fatal("expected a volume anomaly")
	}
	if ev.SpikeRatio < 3.49 || ev.SpikeRatio > 3.51 {
		t.Errorf("SpikeRatio = %f, want ~3.5", ev.SpikeRatio)
	}
	if ev.Strength < 4 {
		t.Errorf("Strength = %d, want >= 4", ev.Strength)
	}
	if ev.Type != models.AnomalySpotBuy {
		t.Errorf("Type = %s, want spot_buy", ev.Type)
	}
	if ev.AverageVolume != 1_000_000 {
		t.Errorf("AverageVolume = %f, want 1000000", ev.AverageVolume)
	}
}

func TestVolume_RatioUsesHistoryBeforeRecording(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	c.Seed("DOTUSDT", []float64{100, 100, 100, 100, 100})

	ev, ok := c.Classify(bar("DOTUSDT", 1, 0.5, 1000, 0, 1))
	if !ok {
		t.Fatal("expected anomaly")
	}
	if ev.SpikeRatio != 5 {
		t.Errorf("SpikeRatio = %f, want 5 (500 / 100)", ev.SpikeRatio)
	}
	if ev.Type != models.AnomalySpotSell {
		t.Errorf("Type = %s, want spot_sell", ev.Type)
	}
	if c.History().Len("DOTUSDT") != 6 {
		t.Errorf("history len = %d, want 6", c.History().Len("DOTUSDT"))
	}
}

func TestVolume_NeedsMinimumSamples(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	for i := int64(0); i < 4; i++ {
		if _, ok := c.Classify(bar("DOTUSDT", 1, 1.1, 100, 0, i)); ok {
			t.Fatalf("bar %d classified before warm-up", i)
		}
	}
	if _, ok := c.Classify(bar("DOTUSDT", 1, 1.1, 100, 0, 4)); ok {
		t.Fatal("fifth bar still has only four samples of history")
	}
	if _, ok := c.Classify(bar("DOTUSDT", 1, 1.1, 1000, 0, 5)); !ok {
		t.Fatal("expected anomaly once history is warm")
	}
}

func TestVolume_Threshold(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	tests := []struct {
		symbol string
		move   float64
		want   float64
	}{
		{"DOTUSDT", 0.5, 2.0},
		{"DOTUSDT", -3.0, 1.7},
		{"BTCUSDT", 0.5, 1.8},
		{"BTCUSDT", 4, 1.53},
	}
	for _, tt := range tests {
		got := c.Threshold(tt.symbol, tt.move)
		if got < tt.want-1e-9 || got > tt.want+1e-9 {
			t.Errorf("Threshold(%s, %v) = %f, want %f", tt.symbol, tt.move, got, tt.want)
		}
	}

	floor := DefaultVolumeConfig()
	floor.BaseThreshold = 1.0
	if got := NewVolume(floor, nil).Threshold("BTCUSDT", 10); got != 1.05 {
		t.Errorf("Threshold floor = %f, want 1.05", got)
	}
}

func TestVolume_DirectionFallsBackTo24hChange(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	c.Seed("BTCUSDT", []float64{100, 100, 100, 100, 100})

	flat := bar("BTCUSDT", 100, 100.01, 10, 0, 1)
	flat.Change24h = models.Float(-1.5)
	ev, ok := c.Classify(flat)
	if !ok {
		t.Fatal("expected anomaly")
	}
	if ev.Type != models.AnomalyFuturesShort {
		t.Errorf("Type = %s, want futures_short", ev.Type)
	}

	none := bar("BTCUSDT", 100, 100, 10, 0, 20_000)
	if _, ok := c.Classify(none); ok {
		t.Error("flat bar without 24h change has no direction")
	}
}

func TestVolume_StrengthBonuses(t *testing.T) {
	tests := []struct {
		name   string
		symbol string
		open   float64
		close  float64
		usd    float64
		trades int64
		want   int
	}{
		// ratio 1.6 -> 3, +1 move >= 2%, +1 trades >= 1000
		{"all bonuses", "BTCUSDT", 100, 104, 110_000, 1000, 5},
		// ratio 1.6 -> 3, +1 move
		{"move bonus only", "ETHUSDT", 100, 104, 160_000, 0, 4},
		// ratio 2.5 -> 4, no bonus
		{"no bonus", "SOLUSDT", 100, 100.5, 250_000, 10, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewVolume(DefaultVolumeConfig(), universe.Default())
			c.Seed(tt.symbol, []float64{100_000, 100_000, 100_000, 100_000, 100_000})

			ev, ok := c.Classify(bar(tt.symbol, tt.open, tt.close, tt.usd/tt.close, tt.trades, 1))
			if !ok {
				t.Fatal("expected anomaly")
			}
			if ev.Strength != tt.want {
				t.Errorf("Strength = %d, want %d (ratio %f)", ev.Strength, tt.want, ev.SpikeRatio)
			}
		})
	}
}

func TestVolume_CooldownPerAssetAndType(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	c.Seed("DOTUSDT", []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100})

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()
	if _, ok := c.Classify(bar("DOTUSDT", 1, 1.1, 1000, 0, start)); !ok {
		t.Fatal("first spike should alert")
	}
	if _, ok := c.Classify(bar("DOTUSDT", 1, 1.1, 1000, 0, start+5_000)); ok {
		t.Error("repeat within 10s should be suppressed")
	}
	if _, ok := c.Classify(bar("DOTUSDT", 1, 0.9, 2000, 0, start+6_000)); !ok {
		t.Error("opposite type is tracked separately")
	}
	if _, ok := c.Classify(bar("DOTUSDT", 1, 1.1, 5000, 0, start+10_000)); !ok {
		t.Error("repeat after 10s should alert")
	}
}

func TestVolume_IgnoresOpenBars(t *testing.T) {
	c := NewVolume(DefaultVolumeConfig(), universe.Default())
	tk := &models.MarketTick{Ticker: "DOTUSDT", Price: 5, Volume: 100, Timestamp: 1, Source: models.SourceTicker}
	c.Classify(tk)
	if c.History().Len("DOTUSDT") != 0 {
		t.Error("ticker updates must not feed the history")
	}
}
