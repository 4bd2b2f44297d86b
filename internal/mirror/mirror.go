// Package mirror copies classified events into the external store on a best-effort basis. Writes
// are queued, retried with backoff and gated by a circuit breaker; failures never reach the live
// session.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/observability"
	"github.com/rewired-gh/flowradar/internal/storage"
)

const (
	tableLiquidations = "liquidations"
	tableTrends       = "trends"
)

// Config controls queueing, retries, the circuit breaker and housekeeping.
type Config struct {
	QueueSize            int
	WriteTimeout         time.Duration
	MaxRetries           uint64
	RetryInitial         time.Duration
	RetryMax             time.Duration
	BreakerFailures      uint32
	BreakerOpenTimeout   time.Duration
	HousekeepingInterval time.Duration
	Retention            time.Duration
	DrainTimeout         time.Duration
}

// DefaultConfig returns the default mirror settings.
func DefaultConfig() Config {
	return Config{
		QueueSize:            1024,
		WriteTimeout:         5 * time.Second,
		MaxRetries:           3,
		RetryInitial:         200 * time.Millisecond,
		RetryMax:             2 * time.Second,
		BreakerFailures:      5,
		BreakerOpenTimeout:   30 * time.Second,
		HousekeepingInterval: 5 * time.Minute,
		Retention:            7 * 24 * time.Hour,
		DrainTimeout:         5 * time.Second,
	}
}

// Stats are cumulative counters since start.
type Stats struct {
	Enqueued int64  `json:"enqueued"`
	Written  int64  `json:"written"`
	Failed   int64  `json:"failed"`
	Dropped  int64  `json:"dropped"`
	Pending  int    `json:"pending"`
	Breaker  string `json:"breaker"`
}

type job struct {
	table string
	asset string
	liq   *models.LiquidationRow
	trend *models.TrendRow
}

func (j job) apply(ctx context.Context, s storage.Store) error {
	if j.liq != nil {
		return s.UpsertLiquidation(ctx, j.liq)
	}
	return s.UpsertTrend(ctx, j.trend)
}

// Mirror owns the write queue and its single worker.
// Mirror writes events to a storage.Store in the background.
type Mirror struct {
	store   storage.Store
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	log     *logger.Logger
	clock   func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan job

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	enqueued, written, failed, dropped atomic.Int64
}

// New creates a mirror over store. Call Start to begin writing.
func New(store storage.Store, cfg Config) *Mirror {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax < cfg.RetryInitial {
		cfg.RetryMax = cfg.RetryInitial
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	if cfg.BreakerOpenTimeout <= 0 {
		cfg.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		store:  store,
		cfg:    cfg,
		log:    logger.With("mirror"),
		clock:  time.Now,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "mirror",
		MaxRequests: 1,
		Timeout:     cfg.BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			// a rejected row says nothing about store health
			return err == nil || errors.Is(err, storage.ErrInvalidInput)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.SetBreakerState(int(to))
			if to == gobreaker.StateOpen {
				m.log.Warn("Mirror store unhealthy, pausing writes for %s", cfg.BreakerOpenTimeout)
			} else {
				m.log.Info("Mirror breaker %s → %s", from, to)
			}
		},
	})
	return m
}

// Start launches the write worker and the housekeeping loop.
func (m *Mirror) Start() {
	m.wg.Add(1)
	go m.run()
	if m.cfg.HousekeepingInterval > 0 {
		m.wg.Add(1)
		go m.housekeeping()
	}
}

// EnqueueLiquidation queues a liquidation write. It never blocks; a full queue drops the row.
func (m *Mirror) EnqueueLiquidation(row *models.LiquidationRow) bool {
	return m.enqueue(job{table: tableLiquidations, asset: row.Asset, liq: row})
}

// EnqueueTrend queues a trend write. It never blocks; a full queue drops the row.
func (m *Mirror) EnqueueTrend(row *models.TrendRow) bool {
	return m.enqueue(job{table: tableTrends, asset: row.Asset, trend: row})
}

func (m *Mirror) enqueue(j job) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}
	select {
	case m.queue <- j:
		m.enqueued.Add(1)
		observability.SetMirrorQueue(len(m.queue))
		return true
	default:
		m.dropped.Add(1)
		observability.RecordMirrorDropped()
		m.log.Warn("Mirror queue full, dropping %s write for %s", j.table, j.asset)
		return false
	}
}

func (m *Mirror) run() {
	defer m.wg.Done()
	for j := range m.queue {
		observability.SetMirrorQueue(len(m.queue))
		if m.ctx.Err() != nil {
			m.dropped.Add(1)
			continue
		}
		m.process(j)
	}
}

func (m *Mirror) process(j job) {
	start := time.Now()
	err := m.write(j)
	observability.RecordMirrorWrite(j.table, time.Since(start).Seconds(), err)
	if err != nil {
		m.failed.Add(1)
		m.log.Warn("Mirror %s write for %s failed: %v", j.table, j.asset, err)
		return
	}
	m.written.Add(1)

	// stats are refreshed on their own; a failure here leaves the event row in place
	err = m.execute(func(ctx context.Context) error {
		return m.store.RefreshAssetStats(ctx, j.asset, m.clock())
	})
	if err != nil {
		m.log.Warn("Mirror stats refresh for %s failed: %v", j.asset, err)
	}
}

func (m *Mirror) write(j job) error {
	return m.execute(func(ctx context.Context) error {
		return j.apply(ctx, m.store)
	})
}

// execute runs op through the breaker with bounded exponential retry.
func (m *Mirror) execute(op func(ctx context.Context) error) error {
	_, err := m.breaker.Execute(func() (interface{}, error) {
		return nil, m.retry(op)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", storage.ErrUnavailable, err)
	}
	return err
}

func (m *Mirror) retry(op func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.RetryInitial
	b.MaxInterval = m.cfg.RetryMax
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, m.cfg.MaxRetries), m.ctx)

	return backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
		defer cancel()
		err := op(ctx)
		if errors.Is(err, storage.ErrInvalidInput) || errors.Is(err, storage.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}

func (m *Mirror) housekeeping() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HousekeepingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.Housekeep()
		}
	}
}

// Housekeep pings the store and purges rows older than the retention window.
func (m *Mirror) Housekeep() {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.WriteTimeout)
	defer cancel()
	if err := m.store.Ping(ctx); err != nil {
		m.log.Warn("Mirror store ping failed: %v", err)
		return
	}
	if m.cfg.Retention <= 0 {
		return
	}
	n, err := m.store.PurgeBefore(ctx, m.clock().Add(-m.cfg.Retention))
	if err != nil {
		m.log.Warn("Mirror purge failed: %v", err)
		return
	}
	observability.RecordPurged(n)
	if n > 0 {
		m.log.Info("Purged %d mirror rows older than %s", n, m.cfg.Retention)
	}
}

// Stats returns a snapshot of the counters.
func (m *Mirror) Stats() Stats {
	return Stats{
		Enqueued: m.enqueued.Load(),
		Written:  m.written.Load(),
		Failed:   m.failed.Load(),
		Dropped:  m.dropped.Load(),
		Pending:  len(m.queue),
		Breaker:  m.breaker.State().String(),
	}
}

// Store exposes the backing store for read-back queries.
func (m *Mirror) Store() storage.Store {
	return m.store
}

// Close stops accepting writes and drains the queue. Writes still pending after the drain
// timeout are abandoned. Close does not close the store. It is safe to call more than once.
func (m *Mirror) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	close(m.queue)
	close(m.done)
	m.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(m.cfg.DrainTimeout):
		m.log.Warn("Mirror drain timed out with %d writes pending", len(m.queue))
		m.cancel()
		<-finished
	}
	m.cancel()
}
