package mirror

import (
	"math"

	"github.com/rewired-gh/flowradar/internal/models"
)

// Exchange is recorded on every mirrored liquidation.
const Exchange = "binance"

// maxAnomalyScore bounds trend rows' anomaly_score.
const maxAnomalyScore = 10

// LiquidationRow builds the mirrored row for ev. tick, when non-nil, contributes the optional
// trade count and OHLC fields. spike is the volume spike ratio observed at detection time.
func LiquidationRow(ev *models.LiquidationEvent, tick *models.MarketTick, spike float64) *models.LiquidationRow {
	if spike <= 0 || math.IsNaN(spike) || math.IsInf(spike, 0) {
		spike = 1
	}
	row := &models.LiquidationRow{
		Asset:       ev.Asset,
		Ticker:      ev.Ticker,
		Type:        ev.Direction,
		Amount:      ev.AmountUSD,
		Price:       ev.Price,
		MarketCap:   ev.Tier,
		Intensity:   ev.Intensity,
		Change24h:   ev.Change24h,
		Volume:      ev.Volume,
		VolumeSpike: spike,
		Source:      ev.Source,
		Exchange:    Exchange,
		UpdatedAt:   ev.EventTime(),
	}
	if tick != nil {
		row.TradesCount = tick.TradesCount
		row.Open, row.High, row.Low, row.Close = tick.Open, tick.High, tick.Low, tick.Close
	}
	return row
}

// TrendRow builds the mirrored row for ev. Strength maps onto a 0-10 score at two points per
// level; low-tier assets are flagged as micro caps.
func TrendRow(ev *models.VolumeAnomalyEvent, tier models.Tier) *models.TrendRow {
	score := math.Min(float64(ev.Strength)*2, maxAnomalyScore)
	if score < 0 {
		score = 0
	}
	var impact float64
	if ev.QuoteVolume24h > 0 {
		impact = ev.Volume / ev.QuoteVolume24h * 100
	}
	return &models.TrendRow{
		Asset:             ev.Asset,
		Ticker:            ev.Ticker,
		Type:              ev.Type,
		Amount:            ev.Volume,
		Price:             ev.Price,
		AnomalyScore:      score,
		VolumeSpike:       ev.SpikeRatio,
		LastActivityHours: 0,
		DailyVolumeImpact: impact,
		Change24h:         ev.Change24h,
		IsMicroCap:        tier == models.TierLow,
		UpdatedAt:         ev.EventTime(),
	}
}
