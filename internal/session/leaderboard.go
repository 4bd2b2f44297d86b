package session

import (
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/flowradar/internal/classifier"
	"github.com/rewired-gh/flowradar/internal/models"
)

// replayMemory bounds how many event ids each leaderboard entry remembers.
const replayMemory = 256

// LeaderboardEntry is the accumulated liquidation amount for one asset and side.
type LeaderboardEntry struct {
	Asset         string           `json:"asset"`
	Direction     models.Direction `json:"type"`
	Amount        float64          `json:"amount"`
	Count         int              `json:"count"`
	MaxIntensity  int              `json:"max_intensity"`
	LastTimestamp int64            `json:"timestamp"`
}

type boardKey struct {
	asset string
	dir   models.Direction
}

// Leaderboard ranks (asset, direction) pairs by accumulated liquidation amount.
type Leaderboard struct {
	mu        sync.RWMutex
	entries   map[boardKey]*LeaderboardEntry
	seen      map[boardKey]*classifier.Deduper
	capacity  int
	retention Retention
}

// NewLeaderboard creates an empty leaderboard.
func NewLeaderboard(capacity int, retention Retention) *Leaderboard {
	return &Leaderboard{
		entries:   make(map[boardKey]*LeaderboardEntry),
		seen:      make(map[boardKey]*classifier.Deduper),
		capacity:  capacity,
		retention: retention,
	}
}

// Add accumulates ev. Replays of an event id already accumulated for the same key are ignored;
// late events with an unseen id still count. It reports whether the board changed.
func (b *Leaderboard) Add(ev models.LiquidationEvent) bool {
	if ev.Asset == "" || ev.AmountUSD <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	id := ev.ID
	if id == "" {
		id = models.EventID(ev.Asset, string(ev.Direction), ev.Timestamp)
	}
	k := boardKey{asset: ev.Asset, dir: ev.Direction}
	seen, ok := b.seen[k]
	if !ok {
		seen = classifier.NewDeduper(replayMemory)
		b.seen[k] = seen
	}
	if seen.Seen(id) {
		return false
	}

	e, ok := b.entries[k]
	if !ok {
		e = &LeaderboardEntry{Asset: ev.Asset, Direction: ev.Direction}
		b.entries[k] = e
	}
	e.Amount += ev.AmountUSD
	e.Count++
	if ev.Timestamp > e.LastTimestamp {
		e.LastTimestamp = ev.Timestamp
	}
	if ev.Intensity > e.MaxIntensity {
		e.MaxIntensity = ev.Intensity
	}
	return true
}

// Top returns entries sorted by amount desc, truncated to capacity.
func (b *Leaderboard) Top() []LeaderboardEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := b.sorted()
	if b.capacity > 0 && len(out) > b.capacity {
		out = out[:b.capacity]
	}
	return out
}

// Cleanup drops entries whose last event is older than the retention cutoff, then trims the
// board to capacity. It returns the number of entries removed.
func (b *Leaderboard) Cleanup(now time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.retention.Cutoff(now)
	removed := 0
	for k, e := range b.entries {
		if e.LastTimestamp < cutoff {
			delete(b.entries, k)
			delete(b.seen, k)
			removed++
		}
	}
	if b.capacity > 0 && len(b.entries) > b.capacity {
		for _, e := range b.sorted()[b.capacity:] {
			k := boardKey{asset: e.Asset, dir: e.Direction}
			delete(b.entries, k)
			delete(b.seen, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked pairs.
func (b *Leaderboard) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

func (b *Leaderboard) sorted() []LeaderboardEntry {
	out := make([]LeaderboardEntry, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Amount != out[j].Amount {
			return out[i].Amount > out[j].Amount
		}
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}
