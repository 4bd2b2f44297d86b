// Package session holds the live, in-memory view of recent events: capped sorted feeds and a
// liquidation leaderboard, each evicting stale entries. A single writer and any number of
// readers may use them concurrently.
package session

import (
	"sort"
	"sync"
	"time"
)

// Retention describes how long entries stay in a collection.
type Retention struct {
	Staleness time.Duration
	// Daily drops everything before the current UTC midnight instead of using Staleness.
	Daily bool
}

// Cutoff returns the oldest timestamp (epoch ms) still retained at now. Entries at exactly the
// cutoff are kept.
func (r Retention) Cutoff(now time.Time) int64 {
	if r.Daily {
		y, m, d := now.UTC().Date()
		return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli()
	}
	if r.Staleness <= 0 {
		return 0
	}
	return now.Add(-r.Staleness).UnixMilli()
}

// Accessors extract the fields a Feed orders and merges by.
type Accessors[T any] struct {
	ID        func(T) string
	Timestamp func(T) int64
	Rank      func(T) int
}

// Feed is a capped collection keyed by content id, sorted by rank desc then timestamp desc.
type Feed[T any] struct {
	mu        sync.RWMutex
	items     []T
	capacity  int
	retention Retention
	acc       Accessors[T]
	clock     func() time.Time
}

// NewFeed creates a feed. A nil clock means time.Now.
func NewFeed[T any](capacity int, retention Retention, acc Accessors[T], clock func() time.Time) *Feed[T] {
	if clock == nil {
		clock = time.Now
	}
	return &Feed[T]{
		capacity:  capacity,
		retention: retention,
		acc:       acc,
		clock:     clock,
	}
}

// Append merges events. An event whose id is already present replaces the existing entry only
// when it is newer. Stale entries are evicted and the result truncated to capacity.
// It returns the number of entries inserted or replaced.
func (f *Feed[T]) Append(events ...T) int {
	if len(events) == 0 {
		return 0
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	index := make(map[string]int, len(f.items))
	for i, it := range f.items {
		index[f.acc.ID(it)] = i
	}

	changed := 0
	for _, ev := range events {
		id := f.acc.ID(ev)
		if i, ok := index[id]; ok {
			if f.acc.Timestamp(ev) > f.acc.Timestamp(f.items[i]) {
				f.items[i] = ev
				changed++
			}
			continue
		}
		index[id] = len(f.items)
		f.items = append(f.items, ev)
		changed++
	}

	f.evict(f.retention.Cutoff(f.clock()))
	f.sort()
	if f.capacity > 0 && len(f.items) > f.capacity {
		f.items = f.items[:f.capacity]
	}
	return changed
}

// Cleanup drops entries older than the retention cutoff at now and returns how many were removed.
func (f *Feed[T]) Cleanup(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.evict(f.retention.Cutoff(now))
}

// Items returns a copy of the current entries in display order.
func (f *Feed[T]) Items() []T {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]T, len(f.items))
	copy(out, f.items)
	return out
}

// Len returns the number of entries.
func (f *Feed[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.items)
}

// Reset removes every entry.
func (f *Feed[T]) Reset() {
	f.mu.Lock()
	f.items = nil
	f.mu.Unlock()
}

func (f *Feed[T]) evict(cutoff int64) int {
	kept := f.items[:0]
	for _, it := range f.items {
		if f.acc.Timestamp(it) >= cutoff {
			kept = append(kept, it)
		}
	}
	removed := len(f.items) - len(kept)
	var zero T
	for i := len(kept); i < len(f.items); i++ {
		f.items[i] = zero
	}
	f.items = kept
	return removed
}

func (f *Feed[T]) sort() {
	sort.SliceStable(f.items, func(i, j int) bool {
		ri, rj := f.acc.Rank(f.items[i]), f.acc.Rank(f.items[j])
		if ri != rj {
			return ri > rj
		}
		return f.acc.Timestamp(f.items[i]) > f.acc.Timestamp(f.items[j])
	})
}
