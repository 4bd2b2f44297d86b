package classifier

import (
	"fmt"
	"math"
	"strings"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/universe"
)

// TierThresholds is the volume and price-change floor for one market-cap tier.
type TierThresholds struct {
	VolumeUSD float64
	ChangePct float64
}

// LiquidationConfig holds the per-tier thresholds.
type LiquidationConfig struct {
	High      TierThresholds
	Low       TierThresholds
	DedupeCap int
}

// DefaultLiquidationConfig returns the canonical thresholds.
func DefaultLiquidationConfig() LiquidationConfig {
	return LiquidationConfig{
		High:      TierThresholds{VolumeUSD: 100_000, ChangePct: 2.0},
		Low:       TierThresholds{VolumeUSD: 25_000, ChangePct: 3.0},
		DedupeCap: 4096,
	}
}

// Liquidation classifies ticks into long/short liquidation events. A force-order flag on the tick
// is authoritative; otherwise direction is inferred from the sign of the 24h change.
type Liquidation struct {
	config   LiquidationConfig
	universe *universe.Table
	seen     *Deduper
}

// NewLiquidation creates a liquidation classifier.
func NewLiquidation(config LiquidationConfig, table *universe.Table) *Liquidation {
	if table == nil {
		table = universe.Default()
	}
	return &Liquidation{
		config:   config,
		universe: table,
		seen:     NewDeduper(config.DedupeCap),
	}
}

// Thresholds returns the thresholds applying to symbol.
func (c *Liquidation) Thresholds(symbol string) (models.Tier, TierThresholds) {
	tier := c.universe.Tier(symbol)
	if tier == models.TierHigh {
		return tier, c.config.High
	}
	return tier, c.config.Low
}

// Classify returns an event for tick, or false when the tick does not qualify or repeats an
// already classified (ticker, timestamp) bar.
func (c *Liquidation) Classify(tick *models.MarketTick) (*models.LiquidationEvent, bool) {
	if tick == nil || tick.Validate() != nil {
		return nil, false
	}

	var (
		ev *models.LiquidationEvent
		ok bool
	)
	if tick.IsLiquidation {
		ev, ok = c.fromForceOrder(tick)
	} else {
		ev, ok = c.fromPriceAnalysis(tick)
	}
	if !ok {
		return nil, false
	}
	if c.seen.Seen(dedupeKey(tick)) {
		return nil, false
	}
	return ev, true
}

// ClassifyBatch classifies ticks in order, dropping duplicates of the same bar within the batch.
func (c *Liquidation) ClassifyBatch(ticks []models.MarketTick) []models.LiquidationEvent {
	var out []models.LiquidationEvent
	for i := range ticks {
		if ev, ok := c.Classify(&ticks[i]); ok {
			out = append(out, *ev)
		}
	}
	return out
}

func (c *Liquidation) fromForceOrder(tick *models.MarketTick) (*models.LiquidationEvent, bool) {
	var dir models.Direction
	switch strings.ToUpper(tick.LiquidationType) {
	case "LONG":
		dir = models.DirectionLong
	case "SHORT":
		dir = models.DirectionShort
	default:
		return nil, false
	}

	amount := tick.VolumeUSD()
	if tick.LiquidationAmount != nil && *tick.LiquidationAmount > 0 {
		amount = *tick.LiquidationAmount
	}
	if amount <= 0 || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return nil, false
	}

	tier, thr := c.Thresholds(tick.Ticker)
	var change float64
	if tick.Change24h != nil {
		change = *tick.Change24h
	}
	return c.event(tick, dir, tier, amount, change, LiquidationBuckets.Level(amount/thr.VolumeUSD), models.SourceForceOrderFeed), true
}

func (c *Liquidation) fromPriceAnalysis(tick *models.MarketTick) (*models.LiquidationEvent, bool) {
	if tick.Change24h == nil || *tick.Change24h == 0 {
		return nil, false
	}
	change := *tick.Change24h
	volumeUSD := tick.VolumeUSD()

	tier, thr := c.Thresholds(tick.Ticker)
	if volumeUSD < thr.VolumeUSD || math.Abs(change) < thr.ChangePct {
		return nil, false
	}

	dir := models.DirectionShort
	if change < 0 {
		dir = models.DirectionLong
	}
	combined := (volumeUSD/thr.VolumeUSD + math.Abs(change)/thr.ChangePct) / 2
	return c.event(tick, dir, tier, volumeUSD, change, LiquidationBuckets.Level(combined), models.SourcePriceAnalysis), true
}

func (c *Liquidation) event(tick *models.MarketTick, dir models.Direction, tier models.Tier, amount, change float64, intensity int, src models.DetectionSource) *models.LiquidationEvent {
	asset := universe.Asset(tick.Ticker)
	return &models.LiquidationEvent{
		ID:        models.EventID(asset, string(dir), tick.Timestamp),
		Asset:     asset,
		Ticker:    universe.Normalize(tick.Ticker),
		Direction: dir,
		AmountUSD: amount,
		Price:     tick.Price,
		Tier:      tier,
		Intensity: clamp(intensity, 1, 5),
		Source:    src,
		Change24h: change,
		Volume:    tick.VolumeUSD(),
		Timestamp: tick.Timestamp,
	}
}

// dedupeKey identifies one bar. Force orders also key on amount since several can share a millisecond.
func dedupeKey(tick *models.MarketTick) string {
	key := fmt.Sprintf("%s:%d", universe.Normalize(tick.Ticker), tick.Timestamp)
	if tick.IsLiquidation {
		key = fmt.Sprintf("%s:fo:%s:%g:%g", key, tick.LiquidationType, tick.Price, tick.Volume)
	}
	return key
}
