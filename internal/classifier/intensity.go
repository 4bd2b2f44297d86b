// Package classifier turns normalized market ticks into liquidation, volume-anomaly and
// trend-reversal events. Every classifier owns its state and must be driven from one goroutine.
package classifier

// Bucket maps a ratio onto 1..5 using descending lower bounds for levels 5, 4, 3 and 2.
type Bucket [4]float64

// Level returns the bucketed level for ratio.
func (b Bucket) Level(ratio float64) int {
	for i, cutoff := range b {
		if ratio >= cutoff {
			return 5 - i
		}
	}
	return 1
}

var (
	// LiquidationBuckets grades the combined volume/price-change ratio.
	LiquidationBuckets = Bucket{10, 5, 3, 1.25}
	// ReversalBuckets grades the current/previous dominant volume ratio.
	ReversalBuckets = Bucket{5, 4, 3, 2}
	// AnomalyBuckets grades the volume spike ratio; anything that crossed the threshold is at least 2.
	AnomalyBuckets = Bucket{3, 2, 1.5, 0}
)

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
