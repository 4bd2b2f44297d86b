package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/rewired-gh/flowradar/internal/models"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return now }

func liquidation(asset string, dir models.Direction, amount float64, intensity int, age time.Duration) models.LiquidationEvent {
	ts := now.Add(-age).UnixMilli()
	return models.LiquidationEvent{
		ID:        models.EventID(asset, string(dir), ts),
		Asset:     asset,
		Direction: dir,
		AmountUSD: amount,
		Intensity: intensity,
		Timestamp: ts,
	}
}

func TestFeed_SameEventTwiceYieldsOneEntry(t *testing.T) {
	s := New(DefaultConfig(), fixedClock)
	ev := liquidation("BTC", models.DirectionLong, 120_000, 2, time.Minute)

	if n := s.Liquidations.Append(ev); n != 1 {
		t.Fatalf("first Append changed %d, want 1", n)
	}
	if n := s.Liquidations.Append(ev); n != 0 {
		t.Errorf("second Append changed %d, want 0", n)
	}
	if s.Liquidations.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Liquidations.Len())
	}
}

func TestFeed_ReplacesOnlyWhenNewer(t *testing.T) {
	acc := Accessors[models.LiquidationEvent]{
		ID:        func(e models.LiquidationEvent) string { return e.Asset + "-" + string(e.Direction) },
		Timestamp: func(e models.LiquidationEvent) int64 { return e.Timestamp },
		Rank:      func(e models.LiquidationEvent) int { return e.Intensity },
	}
	f := NewFeed(10, Retention{Staleness: time.Hour}, acc, fixedClock)

	newer := liquidation("ETH", models.DirectionShort, 50_000, 3, time.Minute)
	older := liquidation("ETH", models.DirectionShort, 90_000, 5, 2*time.Minute)

	f.Append(newer)
	f.Append(older)
	items := f.Items()
	if len(items) != 1 || items[0].AmountUSD != 50_000 {
		t.Fatalf("older event replaced newer one: %+v", items)
	}

	newest := liquidation("ETH", models.DirectionShort, 70_000, 1, 0)
	f.Append(newest)
	if got := f.Items()[0].AmountUSD; got != 70_000 {
		t.Errorf("newer event should replace, got amount %f", got)
	}
}

func TestFeed_SortAndCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LiquidationCap = 3
	s := New(cfg, fixedClock)

	s.Liquidations.Append(
		liquidation("A", models.DirectionLong, 1, 2, 5*time.Second),
		liquidation("B", models.DirectionLong, 1, 4, 4*time.Second),
		liquidation("C", models.DirectionLong, 1, 2, 1*time.Second),
		liquidation("D", models.DirectionLong, 1, 1, 0),
		liquidation("E", models.DirectionLong, 1, 5, 3*time.Second),
	)

	var got []string
	for _, it := range s.Liquidations.Items() {
		got = append(got, it.Asset)
	}
	want := []string{"E", "B", "C"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("order = %v, want %v", got, want)
	}
}

func TestFeed_CleanupBoundaryIsInclusive(t *testing.T) {
	s := New(DefaultConfig(), fixedClock)
	s.Liquidations.Append(
		liquidation("OLD", models.DirectionLong, 1, 1, 15*time.Minute+time.Millisecond),
		liquidation("EDGE", models.DirectionLong, 1, 1, 0),
		liquidation("NEW", models.DirectionLong, 1, 1, time.Minute),
	)
	// OLD was evicted on append already
	if s.Liquidations.Len() != 2 {
		t.Fatalf("Len() after append = %d, want 2", s.Liquidations.Len())
	}

	// advance so that EDGE sits exactly on the cutoff
	removed := s.Liquidations.Cleanup(now.Add(15 * time.Minute))
	if removed != 1 {
		t.Errorf("Cleanup removed %d, want 1", removed)
	}
	items := s.Liquidations.Items()
	if len(items) != 1 || items[0].Asset != "EDGE" {
		t.Errorf("remaining = %+v, want only EDGE", items)
	}
}

func TestRetention_DailyCutoff(t *testing.T) {
	r := Retention{Staleness: time.Minute, Daily: true}
	at := time.Date(2026, 5, 4, 23, 59, 0, 0, time.FixedZone("UTC+3", 3*3600))
	want := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got := r.Cutoff(at); got != want {
		t.Errorf("Cutoff() = %d, want %d", got, want)
	}
}

func TestLeaderboard_AccumulatesOncePerEvent(t *testing.T) {
	b := NewLeaderboard(50, Retention{Daily: true})

	first := liquidation("BTC", models.DirectionLong, 100_000, 2, 2*time.Minute)
	second := liquidation("BTC", models.DirectionLong, 50_000, 4, time.Minute)

	if !b.Add(first) || !b.Add(second) {
		t.Fatal("fresh events should accumulate")
	}
	if b.Add(second) {
		t.Error("replaying an event should not accumulate")
	}
	if b.Add(first) {
		t.Error("replaying an older event should not accumulate")
	}
	b.Add(liquidation("BTC", models.DirectionShort, 500_000, 3, 0))
	b.Add(liquidation("ETH", models.DirectionLong, 10_000, 1, 0))

	top := b.Top()
	if len(top) != 3 {
		t.Fatalf("Top() returned %d entries, want 3", len(top))
	}
	if top[0].Direction != models.DirectionShort || top[0].Amount != 500_000 {
		t.Errorf("top[0] = %+v", top[0])
	}
	if top[1].Amount != 150_000 || top[1].Count != 2 || top[1].MaxIntensity != 4 {
		t.Errorf("top[1] = %+v, want BTC long 150000 x2", top[1])
	}
}

func TestLeaderboard_LateEventAccumulates(t *testing.T) {
	b := NewLeaderboard(50, Retention{Daily: true})

	newer := liquidation("ETH", models.DirectionLong, 300_000, 3, 0)
	older := liquidation("ETH", models.DirectionLong, 150_000, 2, 2*time.Second)

	if !b.Add(newer) {
		t.Fatal("first event should accumulate")
	}
	if !b.Add(older) {
		t.Fatal("an older event arriving late should still accumulate")
	}
	if b.Add(older) {
		t.Error("replaying the late event should not accumulate")
	}

	top := b.Top()
	if len(top) != 1 {
		t.Fatalf("Top() returned %d entries, want 1", len(top))
	}
	if top[0].Amount != 450_000 || top[0].Count != 2 {
		t.Errorf("top[0] = %+v, want ETH long 450000 x2", top[0])
	}
	if top[0].LastTimestamp != newer.Timestamp {
		t.Errorf("LastTimestamp = %d, want newest %d", top[0].LastTimestamp, newer.Timestamp)
	}
}

func TestLeaderboard_CleanupDailyAndCap(t *testing.T) {
	b := NewLeaderboard(2, Retention{Daily: true})
	b.Add(liquidation("A", models.DirectionLong, 3, 1, 0))
	b.Add(liquidation("B", models.DirectionLong, 2, 1, 0))
	b.Add(liquidation("C", models.DirectionLong, 1, 1, 0))
	b.Add(liquidation("Y", models.DirectionLong, 9, 1, 11*time.Hour)) // previous UTC day

	removed := b.Cleanup(now)
	if removed != 2 {
		t.Errorf("Cleanup removed %d, want 2", removed)
	}
	top := b.Top()
	if len(top) != 2 || top[0].Asset != "A" || top[1].Asset != "B" {
		t.Errorf("Top() = %+v", top)
	}
}

func TestStore_CleanupAndSnapshot(t *testing.T) {
	s := New(DefaultConfig(), fixedClock)
	s.Liquidations.Append(liquidation("BTC", models.DirectionLong, 1, 1, 0))
	s.Anomalies.Append(models.VolumeAnomalyEvent{ID: "ETH-spot_buy-1", Asset: "ETH", Strength: 3, Timestamp: now.UnixMilli()})
	s.Reversals.Append(models.TrendReversal{ID: "SOL-reversal_long-1", Asset: "SOL", Intensity: 2, Timestamp: now.UnixMilli()})
	s.Leaderboard.Add(liquidation("BTC", models.DirectionLong, 1, 1, 0))

	snap := s.Snapshot()
	if len(snap.Liquidations) != 1 || len(snap.Anomalies) != 1 || len(snap.Reversals) != 1 || len(snap.Leaderboard) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !snap.GeneratedAt.Equal(now) {
		t.Errorf("GeneratedAt = %v, want %v", snap.GeneratedAt, now)
	}

	// anomalies expire after 10 minutes, everything else after 15, leaderboard at midnight
	stats := s.Cleanup(now.Add(11 * time.Minute))
	if stats.Anomalies != 1 || stats.Liquidations != 0 || stats.Reversals != 0 {
		t.Errorf("stats after 11m = %+v", stats)
	}
	stats = s.Cleanup(now.Add(16 * time.Minute))
	if stats.Liquidations != 1 || stats.Reversals != 1 || stats.Leaderboard != 0 {
		t.Errorf("stats after 16m = %+v", stats)
	}
	if stats = s.Cleanup(now.Add(24 * time.Hour)); stats.Leaderboard != 1 {
		t.Errorf("leaderboard should clear after midnight, got %+v", stats)
	}
}
