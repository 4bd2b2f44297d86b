// Package rolling keeps per-symbol fixed-capacity sample histories for moving averages and
// spike ratios. A Set is owned by exactly one classifier and is not safe for concurrent use.
package rolling

import (
	"math"
	"sort"
)

// Window is a FIFO ring buffer of the most recent samples.
type Window struct {
	buf   []float64
	index int
}

// push appends v, overwriting the oldest sample once the buffer is full.
func (w *Window) push(v float64, capacity int) {
	if len(w.buf) < capacity {
		w.buf = append(w.buf, v)
	} else {
		w.buf[w.index] = v
	}
	w.index = (w.index + 1) % capacity
}

// Values returns samples oldest first.
func (w *Window) Values() []float64 {
	out := make([]float64, 0, len(w.buf))
	if len(w.buf) < cap(w.buf) || w.index == 0 {
		return append(out, w.buf...)
	}
	out = append(out, w.buf[w.index:]...)
	return append(out, w.buf[:w.index]...)
}

// Set maps symbols to windows sharing one capacity and minimum sample count.
type Set struct {
	capacity   int
	minSamples int
	windows    map[string]*Window
}

// NewSet creates a set. capacity < 1 is raised to 1; minSamples is clamped to [1, capacity].
func NewSet(capacity, minSamples int) *Set {
	if capacity < 1 {
		capacity = 1
	}
	if minSamples < 1 {
		minSamples = 1
	}
	if minSamples > capacity {
		minSamples = capacity
	}
	return &Set{
		capacity:   capacity,
		minSamples: minSamples,
		windows:    make(map[string]*Window),
	}
}

// Capacity returns the per-symbol sample capacity.
func (s *Set) Capacity() int { return s.capacity }

// MinSamples returns the sample count required before Average reports a value.
func (s *Set) MinSamples() int { return s.minSamples }

// Record appends one sample, evicting the oldest when at capacity. Non-finite samples are ignored.
func (s *Set) Record(symbol string, value float64) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return
	}
	w, ok := s.windows[symbol]
	if !ok {
		w = &Window{buf: make([]float64, 0, s.capacity)}
		s.windows[symbol] = w
	}
	w.push(value, s.capacity)
}

// Average returns the mean of the retained samples; ok is false below the minimum sample count.
func (s *Set) Average(symbol string) (float64, bool) {
	w, exists := s.windows[symbol]
	if !exists || len(w.buf) < s.minSamples {
		return 0, false
	}
	var sum float64
	for _, v := range w.buf {
		sum += v
	}
	return sum / float64(len(w.buf)), true
}

// SpikeRatio is current ÷ average. A zero or unavailable average counts as 1.
func (s *Set) SpikeRatio(symbol string, current float64) float64 {
	avg, ok := s.Average(symbol)
	if !ok || avg == 0 {
		avg = 1
	}
	return current / avg
}

// Len returns the number of retained samples for symbol.
func (s *Set) Len(symbol string) int {
	if w, ok := s.windows[symbol]; ok {
		return len(w.buf)
	}
	return 0
}

// Values returns the retained samples for symbol, oldest first.
func (s *Set) Values(symbol string) []float64 {
	if w, ok := s.windows[symbol]; ok {
		return w.Values()
	}
	return nil
}

// Symbols lists symbols with at least one sample, sorted.
func (s *Set) Symbols() []string {
	out := make([]string, 0, len(s.windows))
	for sym := range s.windows {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Reset drops all history for symbol, or for every symbol when symbol is empty.
func (s *Set) Reset(symbol string) {
	if symbol == "" {
		s.windows = make(map[string]*Window)
		return
	}
	delete(s.windows, symbol)
}
