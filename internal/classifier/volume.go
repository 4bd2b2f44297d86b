package classifier

import (
	"math"
	"time"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/rolling"
	"github.com/rewired-gh/flowradar/internal/universe"
)

// VolumeConfig parameterizes the volume-anomaly classifier.
type VolumeConfig struct {
	Capacity      int
	MinSamples    int
	TradeWeight   float64 // USD added to a bar's sample per trade
	BaseThreshold float64
	BigMovePct    float64
	BigMoveFactor float64
	FuturesFactor float64
	MinThreshold  float64
	FlatMovePct   float64
	StrongMovePct float64
	HeavyTrades   int64
	Cooldown      time.Duration
}

// DefaultVolumeConfig returns the canonical volume-anomaly parameters.
func DefaultVolumeConfig() VolumeConfig {
	return VolumeConfig{
		Capacity:      20,
		MinSamples:    5,
		TradeWeight:   50,
		BaseThreshold: 2.0,
		BigMovePct:    3.0,
		BigMoveFactor: 0.85,
		FuturesFactor: 0.9,
		MinThreshold:  1.05,
		FlatMovePct:   0.05,
		StrongMovePct: 2.0,
		HeavyTrades:   1000,
		Cooldown:      10 * time.Second,
	}
}

// Volume flags bars whose weighted volume spikes above the symbol's rolling average.
type Volume struct {
	config    VolumeConfig
	universe  *universe.Table
	history   *rolling.Set
	lastAlert map[string]int64
}

// NewVolume creates a volume-anomaly classifier with its own rolling history.
func NewVolume(config VolumeConfig, table *universe.Table) *Volume {
	if table == nil {
		table = universe.Default()
	}
	return &Volume{
		config:    config,
		universe:  table,
		history:   rolling.NewSet(config.Capacity, config.MinSamples),
		lastAlert: make(map[string]int64),
	}
}

// History exposes the rolling store, used for warm-up seeding and inspection.
func (c *Volume) History() *rolling.Set { return c.history }

// Seed records historical samples for symbol without classifying them.
func (c *Volume) Seed(symbol string, samples []float64) {
	sym := universe.Normalize(symbol)
	for _, s := range samples {
		c.history.Record(sym, s)
	}
}

// Sample is the weighted activity figure for one bar.
func (c *Volume) Sample(tick *models.MarketTick) float64 {
	return tick.BarVolume()*tick.Price + float64(tick.Trades())*c.config.TradeWeight
}

// Threshold is the spike ratio needed to flag symbol given the magnitude of the price move.
func (c *Volume) Threshold(symbol string, movePct float64) float64 {
	thr := c.config.BaseThreshold
	if math.Abs(movePct) >= c.config.BigMovePct {
		thr *= c.config.BigMoveFactor
	}
	if c.universe.FuturesPriority(symbol) {
		thr *= c.config.FuturesFactor
	}
	return math.Max(thr, c.config.MinThreshold)
}

// Classify records the bar and returns an anomaly if it spiked. Only closed bars count.
func (c *Volume) Classify(tick *models.MarketTick) (*models.VolumeAnomalyEvent, bool) {
	if tick == nil || tick.Validate() != nil || !closedBar(tick) {
		return nil, false
	}

	sym := universe.Normalize(tick.Ticker)
	sample := c.Sample(tick)
	avg, ready := c.history.Average(sym)
	ratio := c.history.SpikeRatio(sym, sample)
	c.history.Record(sym, sample)
	if !ready {
		return nil, false
	}

	move, bullish, ok := c.direction(tick)
	if !ok {
		return nil, false
	}
	magnitude := math.Abs(move)
	if tick.Change24h != nil {
		magnitude = math.Max(magnitude, math.Abs(*tick.Change24h))
	}
	if ratio < c.Threshold(sym, magnitude) {
		return nil, false
	}

	typ := c.anomalyType(sym, bullish)
	asset := universe.Asset(sym)
	key := asset + ":" + string(typ)
	if last, seen := c.lastAlert[key]; seen && tick.Timestamp-last < c.config.Cooldown.Milliseconds() {
		return nil, false
	}
	c.lastAlert[key] = tick.Timestamp

	strength := AnomalyBuckets.Level(ratio)
	if math.Abs(move) >= c.config.StrongMovePct {
		strength++
	}
	if tick.Trades() >= c.config.HeavyTrades {
		strength++
	}

	ev := &models.VolumeAnomalyEvent{
		ID:            models.EventID(asset, string(typ), tick.Timestamp),
		Asset:         asset,
		Ticker:        sym,
		Type:          typ,
		Volume:        sample,
		AverageVolume: avg,
		SpikeRatio:    ratio,
		PriceMove:     move,
		Strength:      clamp(strength, 1, 5),
		TradesCount:   tick.Trades(),
		Price:         tick.Price,
		Timestamp:     tick.Timestamp,
	}
	if tick.Change24h != nil {
		ev.Change24h = *tick.Change24h
	}
	if tick.QuoteVolume24h != nil {
		ev.QuoteVolume24h = *tick.QuoteVolume24h
	}
	return ev, true
}

// direction picks the bar's open→close move, falling back to the 24h change when the bar is flat.
func (c *Volume) direction(tick *models.MarketTick) (move float64, bullish bool, ok bool) {
	if m, has := tick.BarMovePct(); has && math.Abs(m) >= c.config.FlatMovePct {
		return m, m > 0, true
	}
	if tick.Change24h != nil && *tick.Change24h != 0 {
		return *tick.Change24h, *tick.Change24h > 0, true
	}
	return 0, false, false
}

func (c *Volume) anomalyType(symbol string, bullish bool) models.AnomalyType {
	if c.universe.FuturesPriority(symbol) {
		if bullish {
			return models.AnomalyFuturesLong
		}
		return models.AnomalyFuturesShort
	}
	if bullish {
		return models.AnomalySpotBuy
	}
	return models.AnomalySpotSell
}

// closedBar reports whether the tick represents a completed candle.
func closedBar(tick *models.MarketTick) bool {
	switch tick.Source {
	case models.SourceKline:
		return true
	case models.SourceRelay, "":
		return tick.HasCandle() || tick.KlineVolume != nil
	default:
		return false
	}
}
