// Package monitor runs the classification pipeline: ticks from the feed go through the
// classifiers on one goroutine, land in the session store and fan out to subscribers and the
// persistence mirror.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rewired-gh/flowradar/internal/classifier"
	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/mirror"
	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/observability"
	"github.com/rewired-gh/flowradar/internal/session"
	"github.com/rewired-gh/flowradar/internal/universe"
)

// Config sizes the tick queue and subscriber buffers and sets the housekeeping cadence.
type Config struct {
	QueueSize        int
	SubscriberBuffer int
	CleanupInterval  time.Duration
	StatusInterval   time.Duration
}

// DefaultConfig returns the default queue sizes and intervals.
func DefaultConfig() Config {
	return Config{
		QueueSize:        4096,
		SubscriberBuffer: 256,
		CleanupInterval:  30 * time.Second,
		StatusInterval:   time.Second,
	}
}

// UpdateKind tags what an Update carries.
type UpdateKind string

const (
	KindLiquidation UpdateKind = "liquidation"
	KindAnomaly     UpdateKind = "anomaly"
	KindReversal    UpdateKind = "reversal"
	KindStatus      UpdateKind = "status"
)

// Update is one message pushed to subscribers. Exactly one payload field is set.
type Update struct {
	Kind        UpdateKind                 `json:"kind"`
	Liquidation *models.LiquidationEvent   `json:"liquidation,omitempty"`
	Anomaly     *models.VolumeAnomalyEvent `json:"anomaly,omitempty"`
	Reversal    *models.TrendReversal      `json:"reversal,omitempty"`
	Status      *models.ConnectionStatus   `json:"status,omitempty"`
}

// Mirror receives rows for best-effort persistence.
type Mirror interface {
	EnqueueLiquidation(row *models.LiquidationRow) bool
	EnqueueTrend(row *models.TrendRow) bool
}

// Classifiers groups the stateful classifiers the monitor owns.
type Classifiers struct {
	Liquidation *classifier.Liquidation
	Volume      *classifier.Volume
	Reversal    *classifier.Reversal
}

// Monitor owns the classifiers and the session store and fans updates out to subscribers.
type Monitor struct {
	config  Config
	table   *universe.Table
	cls     Classifiers
	session *session.Store
	mirror  Mirror
	status  func() models.ConnectionStatus
	clock   func() time.Time
	log     *logger.Logger

	ticks chan models.MarketTick

	subsMu sync.RWMutex
	subs   map[chan Update]struct{}

	lastStatus models.ConnectionStatus
}

// New wires a monitor. mirror may be nil when persistence is disabled.
func New(config Config, table *universe.Table, cls Classifiers, store *session.Store, mirror Mirror) *Monitor {
	def := DefaultConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = def.SubscriberBuffer
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = def.CleanupInterval
	}
	if config.StatusInterval <= 0 {
		config.StatusInterval = def.StatusInterval
	}
	return &Monitor{
		config:  config,
		table:   table,
		cls:     cls,
		session: store,
		mirror:  mirror,
		clock:   time.Now,
		log:     logger.With("monitor"),
		ticks:   make(chan models.MarketTick, config.QueueSize),
		subs:    make(map[chan Update]struct{}),
	}
}

// WatchStatus makes Run poll fn and publish connection status changes.
func (m *Monitor) WatchStatus(fn func() models.ConnectionStatus) {
	m.status = fn
}

// Handle queues a tick for the run loop. It never blocks; a full queue drops the tick.
// It is meant to be registered as the feed's message handler.
func (m *Monitor) Handle(tick models.MarketTick) {
	select {
	case m.ticks <- tick:
	default:
		observability.RecordDroppedTick("queue_full")
		m.log.Debug("Tick queue full, dropping %s tick for %s", tick.Source, tick.Ticker)
	}
}

// Run consumes ticks until ctx is cancelled. All classifier and session mutation happens here.
func (m *Monitor) Run(ctx context.Context) error {
	cleanup := time.NewTicker(m.config.CleanupInterval)
	defer cleanup.Stop()
	status := time.NewTicker(m.config.StatusInterval)
	defer status.Stop()

	m.log.Info("Monitor started: cleanup every %s", m.config.CleanupInterval)
	for {
		select {
		case <-ctx.Done():
			m.log.Info("Monitor stopped")
			return ctx.Err()
		case tick := <-m.ticks:
			observability.DefaultMetrics.TickQueueLength.Set(float64(len(m.ticks)))
			start := time.Now()
			m.Process(tick)
			observability.RecordClassify(time.Since(start).Seconds())
		case <-cleanup.C:
			m.Cleanup(m.clock())
		case <-status.C:
			m.pollStatus()
		}
	}
}

// Process classifies one tick and returns the updates it produced. It must only be called from
// the goroutine running Run, or before Run starts.
func (m *Monitor) Process(tick models.MarketTick) []Update {
	observability.RecordTick(string(tick.Source))
	if err := tick.Validate(); err != nil {
		observability.RecordDroppedTick("invalid")
		m.log.Debug("Dropping tick for %q: %v", tick.Ticker, err)
		return nil
	}
	// ticker frames only refresh the feed's price cache
	if tick.Source == models.SourceTicker {
		return nil
	}

	sym := universe.Normalize(tick.Ticker)
	spike := 1.0
	if avg, ok := m.cls.Volume.History().Average(sym); ok && avg > 0 {
		spike = m.cls.Volume.Sample(&tick) / avg
	}

	var updates []Update
	if ev, ok := m.cls.Liquidation.Classify(&tick); ok {
		updates = append(updates, m.onLiquidation(ev, &tick, spike)...)
	}
	if ev, ok := m.cls.Volume.Classify(&tick); ok {
		updates = append(updates, m.onAnomaly(ev))
	}

	for _, u := range updates {
		m.publish(u)
	}
	return updates
}

func (m *Monitor) onLiquidation(ev *models.LiquidationEvent, tick *models.MarketTick, spike float64) []Update {
	observability.RecordEvent("liquidation", string(ev.Direction))
	m.log.Debug("Liquidation %s %s $%.0f intensity %d (%s)", ev.Asset, ev.Direction, ev.AmountUSD, ev.Intensity, ev.Source)

	m.session.Liquidations.Append(*ev)
	m.session.Leaderboard.Add(*ev)
	if m.mirror != nil {
		m.mirror.EnqueueLiquidation(mirror.LiquidationRow(ev, tick, spike))
	}

	updates := []Update{{Kind: KindLiquidation, Liquidation: ev}}
	if rev, ok := m.cls.Reversal.Observe(*ev); ok {
		observability.RecordEvent("reversal", string(rev.Current))
		m.log.Info("Trend reversal on %s: %s → %s (ratio %.2f)", rev.Asset, rev.Previous, rev.Current, rev.Ratio)
		m.session.Reversals.Append(*rev)
		updates = append(updates, Update{Kind: KindReversal, Reversal: rev})
	}
	return updates
}

func (m *Monitor) onAnomaly(ev *models.VolumeAnomalyEvent) Update {
	observability.RecordEvent("anomaly", string(ev.Type))
	m.log.Debug("Volume anomaly %s %s ratio %.2f strength %d", ev.Asset, ev.Type, ev.SpikeRatio, ev.Strength)

	m.session.Anomalies.Append(*ev)
	if m.mirror != nil {
		m.mirror.EnqueueTrend(mirror.TrendRow(ev, m.table.Tier(ev.Ticker)))
	}
	return Update{Kind: KindAnomaly, Anomaly: ev}
}

// Cleanup evicts stale session entries and reversal history.
func (m *Monitor) Cleanup(now time.Time) session.CleanupStats {
	stats := m.session.Cleanup(now)
	m.cls.Reversal.Prune(now)

	observability.RecordEvicted("liquidations", stats.Liquidations)
	observability.RecordEvicted("anomalies", stats.Anomalies)
	observability.RecordEvicted("reversals", stats.Reversals)
	observability.RecordEvicted("leaderboard", stats.Leaderboard)
	observability.UpdateSessionSizes(m.session.Liquidations.Len(), m.session.Anomalies.Len(),
		m.session.Reversals.Len(), m.session.Leaderboard.Len())
	if stats.Total() > 0 {
		m.log.Debug("Session cleanup removed %d entries", stats.Total())
	}
	return stats
}

func (m *Monitor) pollStatus() {
	if m.status == nil {
		return
	}
	st := m.status()
	prev := m.lastStatus
	m.lastStatus = st
	if st.ReconnectAttempts > prev.ReconnectAttempts {
		for i := prev.ReconnectAttempts; i < st.ReconnectAttempts; i++ {
			observability.RecordReconnect()
		}
	}
	if st.State == prev.State {
		return
	}
	observability.SetFeedConnected(st.State == models.StateConnected)
	m.log.Info("Feed status %s → %s", prev.State, st.State)
	m.publish(Update{Kind: KindStatus, Status: &st})
}

// Snapshot returns copies of the session collections. Safe from any goroutine.
func (m *Monitor) Snapshot() session.Snapshot {
	return m.session.Snapshot()
}

// Subscribe returns a channel of updates and a function that cancels the subscription. Slow
// subscribers miss updates rather than stall the pipeline.
func (m *Monitor) Subscribe() (<-chan Update, func()) {
	ch := make(chan Update, m.config.SubscriberBuffer)
	m.subsMu.Lock()
	m.subs[ch] = struct{}{}
	m.subsMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subsMu.Lock()
			delete(m.subs, ch)
			m.subsMu.Unlock()
			close(ch)
		})
	}
}

func (m *Monitor) publish(u Update) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for ch := range m.subs {
		select {
		case ch <- u:
		default:
		}
	}
}
