// Package models defines the core domain entities: market ticks, classified events, and the
// row shapes mirrored to the external store.
package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// TickSource records which stream a tick was normalized from.
type TickSource string

const (
	SourceTicker     TickSource = "ticker"
	SourceKline      TickSource = "kline"
	SourceForceOrder TickSource = "force_order"
	SourceRelay      TickSource = "relay"
)

// Data-shape errors. Ticks failing validation are dropped from classification.
var (
	ErrInvalidTick   = errors.New("invalid tick")
	ErrMissingTicker = fmt.Errorf("%w: empty ticker", ErrInvalidTick)
	ErrBadPrice      = fmt.Errorf("%w: price must be finite and positive", ErrInvalidTick)
	ErrBadVolume     = fmt.Errorf("%w: volume must be finite and non-negative", ErrInvalidTick)
	ErrBadChange     = fmt.Errorf("%w: change_24h must be finite", ErrInvalidTick)
)

// MarketTick is one normalized update from the feed. JSON tags follow the relay's FlowData shape.
// Optional numeric fields are pointers so "absent" differs from zero.
type MarketTick struct {
	Ticker    string     `json:"ticker"`
	Price     float64    `json:"price"`
	Volume    float64    `json:"volume"`
	Change24h *float64   `json:"change_24h,omitempty"`
	Timestamp int64      `json:"timestamp"`
	Source    TickSource `json:"source,omitempty"`

	Open        *float64 `json:"open,omitempty"`
	High        *float64 `json:"high,omitempty"`
	Low         *float64 `json:"low,omitempty"`
	Close       *float64 `json:"close,omitempty"`
	TradesCount *int64   `json:"trades_count,omitempty"`
	KlineVolume *float64 `json:"kline_volume,omitempty"`

	// QuoteVolume24h is the rolling 24h quote-asset volume when the ticker stream supplied it.
	QuoteVolume24h *float64 `json:"quote_volume_24h,omitempty"`

	IsLiquidation     bool     `json:"isLiquidation,omitempty"`
	LiquidationType   string   `json:"liquidationType,omitempty"`
	LiquidationAmount *float64 `json:"liquidationAmount,omitempty"`
}

// Validate checks the fields every classifier relies on.
func (t *MarketTick) Validate() error {
	if strings.TrimSpace(t.Ticker) == "" {
		return ErrMissingTicker
	}
	if !isFinite(t.Price) || t.Price <= 0 {
		return ErrBadPrice
	}
	if !isFinite(t.Volume) || t.Volume < 0 {
		return ErrBadVolume
	}
	if t.Change24h != nil && !isFinite(*t.Change24h) {
		return ErrBadChange
	}
	return nil
}

// VolumeUSD is the bar's notional: base volume times price.
func (t *MarketTick) VolumeUSD() float64 {
	return t.Volume * t.Price
}

// HasCandle reports whether the tick carries a closed bar's OHLC.
func (t *MarketTick) HasCandle() bool {
	return t.Open != nil && t.Close != nil
}

// BarVolume returns the kline volume when present, otherwise Volume.
func (t *MarketTick) BarVolume() float64 {
	if t.KlineVolume != nil && isFinite(*t.KlineVolume) && *t.KlineVolume >= 0 {
		return *t.KlineVolume
	}
	return t.Volume
}

// BarMovePct is the open→close move in percent; ok is false without a usable candle.
func (t *MarketTick) BarMovePct() (float64, bool) {
	if !t.HasCandle() || *t.Open <= 0 || !isFinite(*t.Open) || !isFinite(*t.Close) {
		return 0, false
	}
	return (*t.Close - *t.Open) / *t.Open * 100, true
}

// Trades returns the trade count or zero.
func (t *MarketTick) Trades() int64 {
	if t.TradesCount == nil {
		return 0
	}
	return *t.TradesCount
}

// Key identifies a tick within a processing batch.
func (t *MarketTick) Key() string {
	return fmt.Sprintf("%s:%s:%d", strings.ToUpper(t.Ticker), t.Source, t.Timestamp)
}

// Float returns a pointer to v, for building optional tick fields.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v.
func Int(v int64) *int64 { return &v }

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
