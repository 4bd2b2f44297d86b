package session

import (
	"time"

	"github.com/rewired-gh/flowradar/internal/models"
)

// Config sizes the session collections.
type Config struct {
	LiquidationCap   int
	AnomalyCap       int
	ReversalCap      int
	LeaderboardCap   int
	LiquidationTTL   time.Duration
	AnomalyTTL       time.Duration
	ReversalTTL      time.Duration
	LeaderboardDaily bool
	CleanupInterval  time.Duration
}

// DefaultConfig returns the canonical caps and staleness windows.
func DefaultConfig() Config {
	return Config{
		LiquidationCap:   50,
		AnomalyCap:       100,
		ReversalCap:      20,
		LeaderboardCap:   50,
		LiquidationTTL:   15 * time.Minute,
		AnomalyTTL:       10 * time.Minute,
		ReversalTTL:      15 * time.Minute,
		LeaderboardDaily: true,
		CleanupInterval:  30 * time.Second,
	}
}

// Store groups every session collection.
type Store struct {
	Liquidations *Feed[models.LiquidationEvent]
	Anomalies    *Feed[models.VolumeAnomalyEvent]
	Reversals    *Feed[models.TrendReversal]
	Leaderboard  *Leaderboard
	clock        func() time.Time
}

// Snapshot is a point-in-time copy of the session for presentation.
type Snapshot struct {
	Liquidations []models.LiquidationEvent   `json:"liquidations"`
	Anomalies    []models.VolumeAnomalyEvent `json:"anomalies"`
	Reversals    []models.TrendReversal      `json:"reversals"`
	Leaderboard  []LeaderboardEntry          `json:"leaderboard"`
	GeneratedAt  time.Time                   `json:"generated_at"`
}

// CleanupStats counts entries removed by one cleanup pass.
type CleanupStats struct {
	Liquidations int
	Anomalies    int
	Reversals    int
	Leaderboard  int
}

// Total returns the number of removed entries across collections.
func (c CleanupStats) Total() int {
	return c.Liquidations + c.Anomalies + c.Reversals + c.Leaderboard
}

// New builds a store. A nil clock means time.Now.
func New(cfg Config, clock func() time.Time) *Store {
	if clock == nil {
		clock = time.Now
	}
	boardRetention := Retention{Staleness: cfg.LiquidationTTL, Daily: cfg.LeaderboardDaily}
	return &Store{
		Liquidations: NewFeed(cfg.LiquidationCap, Retention{Staleness: cfg.LiquidationTTL}, Accessors[models.LiquidationEvent]{
			ID:        func(e models.LiquidationEvent) string { return e.ID },
			Timestamp: func(e models.LiquidationEvent) int64 { return e.Timestamp },
			Rank:      func(e models.LiquidationEvent) int { return e.Intensity },
		}, clock),
		Anomalies: NewFeed(cfg.AnomalyCap, Retention{Staleness: cfg.AnomalyTTL}, Accessors[models.VolumeAnomalyEvent]{
			ID:        func(e models.VolumeAnomalyEvent) string { return e.ID },
			Timestamp: func(e models.VolumeAnomalyEvent) int64 { return e.Timestamp },
			Rank:      func(e models.VolumeAnomalyEvent) int { return e.Strength },
		}, clock),
		Reversals: NewFeed(cfg.ReversalCap, Retention{Staleness: cfg.ReversalTTL}, Accessors[models.TrendReversal]{
			ID:        func(e models.TrendReversal) string { return e.ID },
			Timestamp: func(e models.TrendReversal) int64 { return e.Timestamp },
			Rank:      func(e models.TrendReversal) int { return e.Intensity },
		}, clock),
		Leaderboard: NewLeaderboard(cfg.LeaderboardCap, boardRetention),
		clock:       clock,
	}
}

// Cleanup evicts stale entries from every collection.
func (s *Store) Cleanup(now time.Time) CleanupStats {
	return CleanupStats{
		Liquidations: s.Liquidations.Cleanup(now),
		Anomalies:    s.Anomalies.Cleanup(now),
		Reversals:    s.Reversals.Cleanup(now),
		Leaderboard:  s.Leaderboard.Cleanup(now),
	}
}

// Snapshot copies the current state.
func (s *Store) Snapshot() Snapshot {
	return Snapshot{
		Liquidations: s.Liquidations.Items(),
		Anomalies:    s.Anomalies.Items(),
		Reversals:    s.Reversals.Items(),
		Leaderboard:  s.Leaderboard.Top(),
		GeneratedAt:  s.clock(),
	}
}
