package classifier

import (
	"sort"
	"time"

	"github.com/rewired-gh/flowradar/internal/models"
)

// ReversalConfig parameterizes the trend-reversal classifier.
type ReversalConfig struct {
	HistoryCap      int
	Window          time.Duration
	MinEvents       int
	DominanceMargin float64
	MinRatio        float64
	BonusIntensity  int
}

// DefaultReversalConfig returns the canonical reversal parameters.
func DefaultReversalConfig() ReversalConfig {
	return ReversalConfig{
		HistoryCap:      20,
		Window:          30 * time.Minute,
		MinEvents:       4,
		DominanceMargin: 1.3,
		MinRatio:        1.5,
		BonusIntensity:  4,
	}
}

// Reversal watches each asset's recent liquidations for a flip in the dominant side.
type Reversal struct {
	config   ReversalConfig
	history  map[string][]models.LiquidationEvent
	reported map[string]int64
}

// NewReversal creates a trend-reversal classifier.
func NewReversal(config ReversalConfig) *Reversal {
	return &Reversal{
		config:   config,
		history:  make(map[string][]models.LiquidationEvent),
		reported: make(map[string]int64),
	}
}

// halfStats sums liquidated volume per side.
type halfStats struct {
	long, short  float64
	maxIntensity int
}

func (h halfStats) dominant(margin float64) (models.Direction, float64) {
	switch {
	case h.long > h.short*margin:
		return models.DirectionLong, h.long
	case h.short > h.long*margin:
		return models.DirectionShort, h.short
	default:
		return models.DirectionBalanced, 0
	}
}

func summarize(events []models.LiquidationEvent) halfStats {
	var h halfStats
	for _, e := range events {
		switch e.Direction {
		case models.DirectionLong:
			h.long += e.AmountUSD
		case models.DirectionShort:
			h.short += e.AmountUSD
		}
		if e.Intensity > h.maxIntensity {
			h.maxIntensity = e.Intensity
		}
	}
	return h
}

// Observe adds a liquidation to its asset's history and reports a reversal if one just formed.
// Sparse history yields no verdict.
func (r *Reversal) Observe(ev models.LiquidationEvent) (*models.TrendReversal, bool) {
	if ev.Asset == "" {
		return nil, false
	}
	hist := append(r.history[ev.Asset], ev)
	sort.SliceStable(hist, func(i, j int) bool { return hist[i].Timestamp < hist[j].Timestamp })
	if len(hist) > r.config.HistoryCap {
		hist = hist[len(hist)-r.config.HistoryCap:]
	}
	r.history[ev.Asset] = hist

	return r.evaluate(ev.Asset, hist)
}

// History returns a copy of the asset's retained liquidations, oldest first.
func (r *Reversal) History(asset string) []models.LiquidationEvent {
	hist := r.history[asset]
	out := make([]models.LiquidationEvent, len(hist))
	copy(out, hist)
	return out
}

// Prune drops history older than the window relative to now.
func (r *Reversal) Prune(now time.Time) {
	cutoff := now.Add(-r.config.Window).UnixMilli()
	for asset, hist := range r.history {
		i := sort.Search(len(hist), func(i int) bool { return hist[i].Timestamp >= cutoff })
		if i == len(hist) {
			delete(r.history, asset)
			continue
		}
		r.history[asset] = hist[i:]
	}
	for key, ts := range r.reported {
		if ts < cutoff {
			delete(r.reported, key)
		}
	}
}

func (r *Reversal) evaluate(asset string, hist []models.LiquidationEvent) (*models.TrendReversal, bool) {
	if len(hist) == 0 {
		return nil, false
	}
	newest := hist[len(hist)-1].Timestamp
	cutoff := newest - r.config.Window.Milliseconds()
	start := sort.Search(len(hist), func(i int) bool { return hist[i].Timestamp >= cutoff })
	window := hist[start:]
	if len(window) < r.config.MinEvents {
		return nil, false
	}

	mid := len(window) / 2
	first, second := summarize(window[:mid]), summarize(window[mid:])
	prevDir, prevVol := first.dominant(r.config.DominanceMargin)
	curDir, curVol := second.dominant(r.config.DominanceMargin)

	if prevDir == models.DirectionBalanced || curDir == models.DirectionBalanced || prevDir == curDir {
		return nil, false
	}
	if prevVol <= 0 || curVol < prevVol {
		return nil, false
	}
	ratio := curVol / prevVol
	if ratio < r.config.MinRatio {
		return nil, false
	}

	key := asset + ":" + string(curDir)
	if last, ok := r.reported[key]; ok && newest-last < r.config.Window.Milliseconds() {
		return nil, false
	}
	r.reported[key] = newest

	intensity := ReversalBuckets.Level(ratio)
	if second.maxIntensity >= r.config.BonusIntensity {
		intensity++
	}

	return &models.TrendReversal{
		ID:             models.EventID(asset, "reversal_"+string(curDir), newest),
		Asset:          asset,
		Previous:       prevDir,
		Current:        curDir,
		PreviousVolume: prevVol,
		CurrentVolume:  curVol,
		Ratio:          ratio,
		Intensity:      clamp(intensity, 1, 5),
		Timestamp:      newest,
	}, true
}
