package classifier

import (
	"testing"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/universe"
)

func tick(ticker string, price, volume, change float64, ts int64) *models.MarketTick {
	return &models.MarketTick{
		Ticker:    ticker,
		Price:     price,
		Volume:    volume,
		Change24h: models.Float(change),
		Timestamp: ts,
		Source:    models.SourceKline,
	}
}

func TestLiquidation_EndToEndScenario(t *testing.T) {
	c := NewLiquidation(DefaultLiquidationConfig(), universe.Default())

	ev, ok := c.Classify(tick("BTCUSDT", 60000, 2, -3.0, 1_700_000_000_000))
	if !ok {
		t.Fatal("expected a liquidation event")
	}
	if ev.Direction != models.DirectionLong {
		t.Errorf("Direction = %s, want long", ev.Direction)
	}
	if ev.Intensity != 2 {
		t.Errorf("Intensity = %d, want 2", ev.Intensity)
	}
	if ev.Tier != models.TierHigh {
		t.Errorf("Tier = %s, want high", ev.Tier)
	}
	if ev.AmountUSD != 120000 {
		t.Errorf("AmountUSD = %f, want 120000", ev.AmountUSD)
	}
	if ev.Source != models.SourcePriceAnalysis {
		t.Errorf("Source = %s, want PRICE_ANALYSIS", ev.Source)
	}
	if ev.Asset != "BTC" || ev.ID != "BTC-long-1700000000000" {
		t.Errorf("Asset/ID = %s/%s", ev.Asset, ev.ID)
	}
}

func TestLiquidation_Thresholds(t *testing.T) {
	tests := []struct {
		name   string
		tick   *models.MarketTick
		want   bool
		wantDr models.Direction
	}{
		{"high cap falling", tick("ETHUSDT", 3000, 40, -2.5, 1), true, models.DirectionLong},
		{"high cap rising", tick("ETHUSDT", 3000, 40, 2.5, 2), true, models.DirectionShort},
		{"high cap change below threshold", tick("ETHUSDT", 3000, 40, -1.9, 3), false, ""},
		{"high cap volume below threshold", tick("ETHUSDT", 3000, 30, -5, 4), false, ""},
		{"low cap above low thresholds", tick("FLOKIUSDT", 0.0002, 150_000_000, -3.2, 5), true, models.DirectionLong},
		{"low cap change below low threshold", tick("FLOKIUSDT", 0.0002, 150_000_000, -2.9, 6), false, ""},
		{"low cap volume below low threshold", tick("FLOKIUSDT", 0.0002, 100_000_000, 4, 7), false, ""},
		{"zero change", tick("ETHUSDT", 3000, 400, 0, 8), false, ""},
		{"missing change", &models.MarketTick{Ticker: "ETHUSDT", Price: 3000, Volume: 400, Timestamp: 9}, false, ""},
		{"bad price", tick("ETHUSDT", 0, 400, -5, 10), false, ""},
	}

	c := NewLiquidation(DefaultLiquidationConfig(), universe.Default())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := c.Classify(tt.tick)
			if ok != tt.want {
				t.Fatalf("Classify() ok = %v, want %v", ok, tt.want)
			}
			if ok && ev.Direction != tt.wantDr {
				t.Errorf("Direction = %s, want %s", ev.Direction, tt.wantDr)
			}
		})
	}
}

func TestLiquidation_ForceOrderIsAuthoritative(t *testing.T) {
	c := NewLiquidation(DefaultLiquidationConfig(), universe.Default())

	// price is rising, but the exchange says longs were liquidated
	tk := tick("SOLUSDT", 150, 10, 5, 42)
	tk.Source = models.SourceForceOrder
	tk.IsLiquidation = true
	tk.LiquidationType = "LONG"
	tk.LiquidationAmount = models.Float(600_000)

	ev, ok := c.Classify(tk)
	if !ok {
		t.Fatal("expected force-order event")
	}
	if ev.Direction != models.DirectionLong || ev.Source != models.SourceForceOrderFeed {
		t.Errorf("got %s/%s, want long/FORCE_ORDER", ev.Direction, ev.Source)
	}
	if ev.AmountUSD != 600_000 {
		t.Errorf("AmountUSD = %f, want 600000", ev.AmountUSD)
	}
	// 600k / 100k = 6 -> 4
	if ev.Intensity != 4 {
		t.Errorf("Intensity = %d, want 4", ev.Intensity)
	}

	// small force orders still count; no change24h required
	small := &models.MarketTick{Ticker: "SOLUSDT", Price: 150, Volume: 1, Timestamp: 43,
		IsLiquidation: true, LiquidationType: "short", Source: models.SourceForceOrder}
	ev, ok = c.Classify(small)
	if !ok || ev.Direction != models.DirectionShort || ev.AmountUSD != 150 || ev.Intensity != 1 {
		t.Errorf("small force order = %+v, %v", ev, ok)
	}

	bad := &models.MarketTick{Ticker: "SOLUSDT", Price: 150, Volume: 1, Timestamp: 44, IsLiquidation: true}
	if _, ok := c.Classify(bad); ok {
		t.Error("force order without a side should be dropped")
	}
}

func TestLiquidation_DedupesSameBar(t *testing.T) {
	c := NewLiquidation(DefaultLiquidationConfig(), universe.Default())
	batch := []models.MarketTick{
		*tick("BTCUSDT", 60000, 2, -3, 100),
		*tick("BTCUSDT", 60000, 2, -3, 100),
		*tick("btcusdt", 60000, 2, -3, 100),
		*tick("BTCUSDT", 60000, 2, -3, 101),
	}
	events := c.ClassifyBatch(batch)
	if len(events) != 2 {
		t.Fatalf("ClassifyBatch() returned %d events, want 2", len(events))
	}
}

func TestLiquidation_IntensityBuckets(t *testing.T) {
	tests := []struct {
		ratio float64
		want  int
	}{
		{0.5, 1}, {1.24, 1}, {1.25, 2}, {1.35, 2}, {2.99, 2}, {3, 3}, {5, 4}, {9.9, 4}, {10, 5}, {100, 5},
	}
	for _, tt := range tests {
		if got := LiquidationBuckets.Level(tt.ratio); got != tt.want {
			t.Errorf("Level(%v) = %d, want %d", tt.ratio, got, tt.want)
		}
	}
}

func TestDeduper_EvictsOldestKey(t *testing.T) {
	d := NewDeduper(2)
	if d.Seen("a") || d.Seen("b") {
		t.Fatal("fresh keys reported as seen")
	}
	if !d.Seen("a") {
		t.Error("a should be remembered")
	}
	d.Seen("c") // evicts a
	if d.Seen("a") {
		t.Error("a should have been evicted")
	}
	if d.Len() != 2 {
		t.Errorf("Len() = %d, want 2", d.Len())
	}
}
