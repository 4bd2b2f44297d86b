package models

import (
	"errors"
	"time"
)

// LiquidationRow is the mirrored shape of a liquidation, upserted on (asset, type).
type LiquidationRow struct {
	Asset           string
	Ticker          string
	Type            Direction
	Amount          float64
	Price           float64
	MarketCap       Tier
	Intensity       int
	Change24h       float64
	Volume          float64
	TotalLiquidated float64
	VolumeSpike     float64
	Source          DetectionSource
	TradesCount     *int64
	Exchange        string
	Open            *float64
	High            *float64
	Low             *float64
	Close           *float64
	DetectionCount  int
	UpdatedAt       time.Time
}

// Validate checks row constraints before a write.
func (r *LiquidationRow) Validate() error {
	if r.Asset == "" {
		return errors.New("liquidation row asset must not be empty")
	}
	if r.Type != DirectionLong && r.Type != DirectionShort {
		return errors.New("liquidation row type must be long or short")
	}
	if r.Amount < 0 {
		return errors.New("liquidation row amount must not be negative")
	}
	if r.Intensity < 1 || r.Intensity > 5 {
		return errors.New("liquidation row intensity must be between 1 and 5")
	}
	if r.MarketCap != TierHigh && r.MarketCap != TierLow {
		return errors.New("liquidation row market_cap must be high or low")
	}
	return nil
}

// TrendRow is the mirrored shape of an asset's latest volume activity, upserted on asset.
type TrendRow struct {
	Asset             string
	Ticker            string
	Type              AnomalyType
	Amount            float64
	Price             float64
	AnomalyScore      float64
	VolumeSpike       float64
	LastActivityHours float64
	DailyVolumeImpact float64
	Change24h         float64
	IsHidden          bool
	IsMicroCap        bool
	UpdatedAt         time.Time
}

// Validate checks row constraints before a write.
func (r *TrendRow) Validate() error {
	if r.Asset == "" {
		return errors.New("trend row asset must not be empty")
	}
	if r.Type == "" {
		return errors.New("trend row type must not be empty")
	}
	if r.AnomalyScore < 0 || r.AnomalyScore > 10 {
		return errors.New("trend row anomaly_score must be between 0 and 10")
	}
	return nil
}

// AssetStats is one row of the derived per-asset aggregate table.
type AssetStats struct {
	Asset           string    `json:"asset"`
	TotalLiquidated float64   `json:"total_liquidated"`
	LongTotal       float64   `json:"long_total"`
	ShortTotal      float64   `json:"short_total"`
	DetectionCount  int       `json:"detection_count"`
	AvgIntensity    float64   `json:"avg_intensity"`
	AvgVolumeSpike  float64   `json:"avg_volume_spike"`
	LastActivity    time.Time `json:"last_activity"`
	Trending        bool      `json:"trending"`
}
