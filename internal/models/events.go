package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Direction of a liquidation: which side of the book got forcibly closed.
type Direction string

const (
	DirectionLong     Direction = "long"
	DirectionShort    Direction = "short"
	DirectionBalanced Direction = "balanced"
)

// Opposite returns the other side; balanced stays balanced.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return DirectionBalanced
	}
}

// Tier is the static market-cap classification of a symbol.
type Tier string

const (
	TierHigh Tier = "high"
	TierLow  Tier = "low"
)

// DetectionSource separates confirmed exchange liquidations from inferred ones.
type DetectionSource string

const (
	// SourceForceOrderFeed marks events derived from a genuine force-order message.
	SourceForceOrderFeed DetectionSource = "FORCE_ORDER"
	// SourcePriceAnalysis marks events inferred from price/volume heuristics alone.
	SourcePriceAnalysis DetectionSource = "PRICE_ANALYSIS"
)

// AnomalyType labels a volume spike by market and side.
type AnomalyType string

const (
	AnomalySpotBuy      AnomalyType = "spot_buy"
	AnomalySpotSell     AnomalyType = "spot_sell"
	AnomalyFuturesLong  AnomalyType = "futures_long"
	AnomalyFuturesShort AnomalyType = "futures_short"
)

// Bullish reports whether the anomaly is on the buy/long side.
func (a AnomalyType) Bullish() bool {
	return a == AnomalySpotBuy || a == AnomalyFuturesLong
}

// LiquidationEvent is one classified liquidation.
type LiquidationEvent struct {
	ID        string          `json:"id"`
	Asset     string          `json:"asset"`
	Ticker    string          `json:"ticker"`
	Direction Direction       `json:"type"`
	AmountUSD float64         `json:"amount"`
	Price     float64         `json:"price"`
	Tier      Tier            `json:"market_cap"`
	Intensity int             `json:"intensity"`
	Source    DetectionSource `json:"source"`
	Change24h float64         `json:"change_24h"`
	Volume    float64         `json:"volume"`
	Timestamp int64           `json:"timestamp"`
}

// EventTime returns the detection time.
func (e LiquidationEvent) EventTime() time.Time { return time.UnixMilli(e.Timestamp) }

// VolumeAnomalyEvent is one abnormal volume bar.
type VolumeAnomalyEvent struct {
	ID             string      `json:"id"`
	Asset          string      `json:"asset"`
	Ticker         string      `json:"ticker"`
	Type           AnomalyType `json:"type"`
	Volume         float64     `json:"volume"`
	AverageVolume  float64     `json:"average_volume"`
	SpikeRatio     float64     `json:"spike_ratio"`
	PriceMove      float64     `json:"price_movement"`
	Strength       int         `json:"strength"`
	TradesCount    int64       `json:"trades_count"`
	Price          float64     `json:"price"`
	Change24h      float64     `json:"change_24h"`
	QuoteVolume24h float64     `json:"quote_volume_24h,omitempty"`
	Timestamp      int64       `json:"timestamp"`
}

// EventTime returns the detection time.
func (e VolumeAnomalyEvent) EventTime() time.Time { return time.UnixMilli(e.Timestamp) }

// TrendReversal is a flip in dominant liquidation direction for one asset.
type TrendReversal struct {
	ID             string    `json:"id"`
	Asset          string    `json:"asset"`
	Previous       Direction `json:"previous_trend"`
	Current        Direction `json:"current_trend"`
	PreviousVolume float64   `json:"previous_volume"`
	CurrentVolume  float64   `json:"current_volume"`
	Ratio          float64   `json:"reversal_ratio"`
	Intensity      int       `json:"intensity"`
	Timestamp      int64     `json:"timestamp"`
}

// EventTime returns the detection time.
func (e TrendReversal) EventTime() time.Time { return time.UnixMilli(e.Timestamp) }

// EventID builds the content-derived id "asset-kind-timestamp". A missing timestamp falls back
// to a random UUID so the id is still unique.
func EventID(asset, kind string, timestamp int64) string {
	suffix := strconv.FormatInt(timestamp, 10)
	if timestamp <= 0 {
		suffix = uuid.NewString()
	}
	return fmt.Sprintf("%s-%s-%s", strings.ToUpper(asset), kind, suffix)
}
