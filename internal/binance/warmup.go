package binance

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/models"
)

// KlineSource fetches recent closed bars for a symbol.
type KlineSource interface {
	Klines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error)
}

// Target receives warm-up samples. classifier.Volume implements it.
type Target interface {
	Sample(tick *models.MarketTick) float64
	Seed(symbol string, samples []float64)
}

// WarmupConfig controls the warm-up pass.
type WarmupConfig struct {
	Interval    string
	Limit       int
	Concurrency int
}

// Warmup primes target with the closed bars of every symbol. Symbols that fail are logged and
// skipped. It returns the number of symbols seeded. Seeding happens on the calling goroutine.
func Warmup(ctx context.Context, src KlineSource, target Target, symbols []string, cfg WarmupConfig, now time.Time) int {
	log := logger.With("warmup")
	results := make([][]Bar, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Concurrency > 0 {
		g.SetLimit(cfg.Concurrency)
	}
	for i, sym := range symbols {
		g.Go(func() error {
			bars, err := src.Klines(gctx, sym, cfg.Interval, cfg.Limit)
			if err != nil {
				log.Warn("Skipping %s: %v", sym, err)
				return nil
			}
			results[i] = bars
			return nil
		})
	}
	_ = g.Wait()

	seeded := 0
	cutoff := now.UnixMilli()
	for i, sym := range symbols {
		var samples []float64
		for _, bar := range results[i] {
			// the newest kline is usually still open
			if bar.CloseTime >= cutoff {
				continue
			}
			tick := bar.Tick(sym)
			samples = append(samples, target.Sample(&tick))
		}
		if len(samples) == 0 {
			continue
		}
		target.Seed(sym, samples)
		seeded++
	}
	log.Info("Seeded volume history for %d/%d symbols", seeded, len(symbols))
	return seeded
}
