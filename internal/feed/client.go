// Package feed connects to the market data WebSocket(s) and emits normalized MarketTicks.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/rewired-gh/flowradar/internal/logger"
	"github.com/rewired-gh/flowradar/internal/models"
)

// Mode selects the upstream.
type Mode string

const (
	ModeBinance Mode = "binance"
	ModeRelay   Mode = "relay"
)

var (
	// ErrClosed is returned when the client has been disconnected.
	ErrClosed = errors.New("feed closed")
	// ErrRetriesExhausted marks the terminal error state after the reconnect cap was hit.
	ErrRetriesExhausted = errors.New("feed reconnect attempts exhausted")
)

// Handler receives one normalized tick.
type Handler func(models.MarketTick)

// Config holds connection parameters.
type Config struct {
	Mode                 Mode
	StreamURL            string
	ForceOrderURL        string
	RelayURL             string
	KlineInterval        string
	ForceOrders          bool
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int // 0 retries forever
	HandshakeTimeout     time.Duration
	ReadTimeout          time.Duration
	PingInterval         time.Duration
}

// DefaultConfig returns Binance USDⓈ-M futures endpoints.
func DefaultConfig() Config {
	return Config{
		Mode:             ModeBinance,
		StreamURL:        "wss://fstream.binance.com/stream",
		ForceOrderURL:    "wss://fstream.binance.com/ws/!forceOrder@arr",
		KlineInterval:    "1m",
		ForceOrders:      true,
		ReconnectDelay:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		PingInterval:     30 * time.Second,
	}
}

type stream struct {
	name  string
	url   string
	parse func([]byte) ([]models.MarketTick, error)
}

// Client owns the upstream sockets. Handlers run on the socket reader goroutines and must not
// call Disconnect.
type Client struct {
	config     Config
	symbols    []string
	normalizer *Normalizer
	dialer     *websocket.Dialer
	log        *logger.Logger

	handlersMu sync.RWMutex
	handlers   []Handler

	mu      sync.Mutex
	status  models.ConnectionStatus
	conns   map[*websocket.Conn]struct{}
	cancel  context.CancelFunc
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// New creates a client for the given symbols. Nothing is dialed until Connect.
func New(config Config, symbols []string) *Client {
	c := &Client{
		config:     config,
		symbols:    symbols,
		normalizer: NewNormalizer(),
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
		},
		log:   logger.With("feed"),
		conns: make(map[*websocket.Conn]struct{}),
	}
	c.status = models.ConnectionStatus{
		State:       models.StateDisconnected,
		Mode:        string(config.Mode),
		SymbolCount: len(symbols),
		StreamCount: c.streamCount(),
	}
	return c
}

// Normalizer exposes the frame normalizer, e.g. for last-price lookups.
func (c *Client) Normalizer() *Normalizer { return c.normalizer }

// OnMessage registers a handler invoked once per normalized tick.
func (c *Client) OnMessage(h Handler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
}

// Status returns the current connection status.
func (c *Client) Status() models.ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect dials every socket and returns once all are open. ctx bounds the handshake only; the
// sockets live until Disconnect.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.status.State = models.StateConnecting
	c.status.LastError = ""
	c.mu.Unlock()

	streams, err := c.streams()
	if err != nil {
		c.fail(err)
		return err
	}

	opened := make([]*websocket.Conn, 0, len(streams))
	for _, s := range streams {
		conn, err := c.dial(ctx, s)
		if err != nil {
			for _, o := range opened {
				_ = o.Close()
			}
			c.fail(err)
			return err
		}
		opened = append(opened, conn)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		for _, o := range opened {
			_ = o.Close()
		}
		return ErrClosed
	}
	c.cancel = cancel
	c.running = true
	for _, conn := range opened {
		c.conns[conn] = struct{}{}
	}
	c.status.State = models.StateConnected
	c.status.ReconnectAttempts = 0
	c.mu.Unlock()

	for i, s := range streams {
		c.wg.Add(1)
		go c.run(runCtx, s, opened[i])
	}
	c.log.Info("Connected %d stream(s) for %d symbols (%s mode)", len(streams), len(c.symbols), c.config.Mode)
	return nil
}

// Disconnect closes every socket and clears handlers. It is idempotent, and the client cannot be
// connected again afterwards.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.stop()
	c.handlersMu.Lock()
	c.handlers = nil
	c.handlersMu.Unlock()
}

// Reconnect drops any current sockets, resets the attempt counter and connects again, keeping
// registered handlers. It is the way out of the terminal error state.
func (c *Client) Reconnect(ctx context.Context) error {
	c.stop()
	return c.Connect(ctx)
}

func (c *Client) stop() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	for conn := range c.conns {
		_ = conn.Close()
		delete(c.conns, conn)
	}
	c.running = false
	c.status.State = models.StateDisconnected
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Client) streamCount() int {
	if c.config.Mode == ModeRelay {
		return 1
	}
	n := 2 * len(c.symbols)
	if c.config.ForceOrders {
		n++
	}
	return n
}

func (c *Client) streams() ([]stream, error) {
	switch c.config.Mode {
	case ModeRelay:
		if c.config.RelayURL == "" {
			return nil, errors.New("relay mode requires a relay url")
		}
		return []stream{{name: "relay", url: c.config.RelayURL, parse: c.normalizer.Relay}}, nil
	case ModeBinance, "":
		if len(c.symbols) == 0 {
			return nil, errors.New("no symbols to subscribe")
		}
		names := make([]string, 0, 2*len(c.symbols))
		for _, sym := range c.symbols {
			s := strings.ToLower(sym)
			names = append(names, s+"@ticker", fmt.Sprintf("%s@kline_%s", s, c.config.KlineInterval))
		}
		out := []stream{{
			name:  "market",
			url:   c.config.StreamURL + "?streams=" + strings.Join(names, "/"),
			parse: c.normalizer.Binance,
		}}
		if c.config.ForceOrders && c.config.ForceOrderURL != "" {
			out = append(out, stream{name: "force_order", url: c.config.ForceOrderURL, parse: c.normalizer.Binance})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown feed mode %q", c.config.Mode)
	}
}

func (c *Client) dial(ctx context.Context, s stream) (*websocket.Conn, error) {
	conn, _, err := c.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s stream: %w", s.name, err)
	}
	c.keepalive(conn)
	return conn, nil
}

// keepalive extends the read deadline on every ping/pong and answers server pings.
func (c *Client) keepalive(conn *websocket.Conn) {
	if c.config.ReadTimeout <= 0 {
		return
	}
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		extend()
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

// run reads s until the socket fails, then reconnects until ctx ends or attempts run out.
func (c *Client) run(ctx context.Context, s stream, conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		err := c.read(ctx, s, conn)
		c.forget(conn)
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("%s stream read error: %v. Reconnecting in %s...", s.name, err, c.config.ReconnectDelay)
		c.setState(models.StateDisconnected, err)

		conn, err = c.redial(ctx, s)
		if err != nil {
			if ctx.Err() == nil {
				c.log.Error("%s stream: %v", s.name, err)
				c.fail(err)
			}
			return
		}
		c.log.Info("%s stream reconnected", s.name)
		c.setState(models.StateConnected, nil)
	}
}

func (c *Client) read(ctx context.Context, s stream, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go c.ping(conn, done)

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if c.config.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		}
		c.touch()

		ticks, err := s.parse(message)
		if err != nil {
			c.log.Debug("%s stream: dropping frame: %v", s.name, err)
			continue
		}
		for _, t := range ticks {
			c.dispatch(t)
		}
	}
}

func (c *Client) ping(conn *websocket.Conn, done <-chan struct{}) {
	if c.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *Client) redial(ctx context.Context, s stream) (*websocket.Conn, error) {
	var b backoff.BackOff = backoff.NewConstantBackOff(c.config.ReconnectDelay)
	if c.config.MaxReconnectAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(c.config.MaxReconnectAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(c.config.ReconnectDelay):
	}

	var conn *websocket.Conn
	op := func() error {
		c.mu.Lock()
		c.status.ReconnectAttempts++
		c.status.State = models.StateConnecting
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, c.handshakeTimeout())
		defer cancel()
		cn, err := c.dial(dialCtx, s)
		if err != nil {
			return err
		}
		c.mu.Lock()
		if ctx.Err() != nil {
			c.mu.Unlock()
			_ = cn.Close()
			return backoff.Permanent(ctx.Err())
		}
		c.conns[cn] = struct{}{}
		c.mu.Unlock()
		conn = cn
		return nil
	}
	notify := func(err error, next time.Duration) {
		c.log.Warn("%s stream reconnect failed: %v. Retrying in %s...", s.name, err, next)
		c.setState(models.StateDisconnected, err)
	}

	if err := backoff.RetryNotify(op, b, notify); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrRetriesExhausted, err)
	}
	return conn, nil
}

func (c *Client) handshakeTimeout() time.Duration {
	if c.config.HandshakeTimeout > 0 {
		return c.config.HandshakeTimeout
	}
	return 10 * time.Second
}

func (c *Client) dispatch(t models.MarketTick) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()
	for _, h := range c.handlers {
		h(t)
	}
}

func (c *Client) forget(conn *websocket.Conn) {
	c.mu.Lock()
	delete(c.conns, conn)
	c.mu.Unlock()
	_ = conn.Close()
}

func (c *Client) touch() {
	c.mu.Lock()
	c.status.LastMessageAt = time.Now()
	c.mu.Unlock()
}

func (c *Client) setState(state models.ConnectionState, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.status.State = state
	if err != nil {
		c.status.LastError = err.Error()
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	c.status.State = models.StateError
	c.status.LastError = err.Error()
	c.mu.Unlock()
}
