package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rewired-gh/flowradar/internal/models"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// newFrameServer serves each connection by writing frames, then either holding or closing it.
func newFrameServer(t *testing.T, frames []string, hold bool) (*httptest.Server, *sync.WaitGroup) {
	t.Helper()
	var conns sync.WaitGroup
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns.Add(1)
		defer conns.Done()
		defer conn.Close()
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		if !hold {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.StreamURL = url
	cfg.ForceOrders = false
	cfg.ReconnectDelay = 20 * time.Millisecond
	cfg.ReadTimeout = 2 * time.Second
	cfg.PingInterval = 0
	return cfg
}

func collect(c *Client) (<-chan models.MarketTick, func() int) {
	ch := make(chan models.MarketTick, 64)
	var mu sync.Mutex
	count := 0
	c.OnMessage(func(t models.MarketTick) {
		mu.Lock()
		count++
		mu.Unlock()
		select {
		case ch <- t:
		default:
		}
	})
	return ch, func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func waitTick(t *testing.T, ch <-chan models.MarketTick) models.MarketTick {
	t.Helper()
	select {
	case tk := <-ch:
		return tk
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tick")
		return models.MarketTick{}
	}
}

func TestClient_ConnectDeliversTicks(t *testing.T) {
	srv, _ := newFrameServer(t, []string{tickerFrame, openKline, closedKline}, true)

	c := New(testConfig(wsURL(srv)), []string{"BTCUSDT", "ETHUSDT"})
	ch, _ := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	defer c.Disconnect()

	st := c.Status()
	if st.State != models.StateConnected || st.SymbolCount != 2 || st.StreamCount != 4 {
		t.Errorf("Status() = %+v", st)
	}

	if tk := waitTick(t, ch); tk.Source != models.SourceTicker {
		t.Errorf("first tick source = %s, want ticker", tk.Source)
	}
	kl := waitTick(t, ch)
	if kl.Source != models.SourceKline || kl.Change24h == nil {
		t.Errorf("second tick = %+v, want merged closed kline", kl)
	}
}

func TestClient_ConnectFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := New(testConfig(wsURL(srv)), []string{"BTCUSDT"})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("expected handshake error")
	}
	if st := c.Status(); st.State != models.StateError || st.LastError == "" {
		t.Errorf("Status() = %+v, want error state", st)
	}
}

func TestClient_DisconnectStopsHandlers(t *testing.T) {
	srv, _ := newFrameServer(t, []string{tickerFrame}, true)

	c := New(testConfig(wsURL(srv)), []string{"BTCUSDT"})
	ch, count := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitTick(t, ch)

	c.Disconnect()
	c.Disconnect()
	before := count()
	time.Sleep(100 * time.Millisecond)
	if count() != before {
		t.Error("handler invoked after Disconnect")
	}
	if st := c.Status(); st.State != models.StateDisconnected {
		t.Errorf("State = %s, want disconnected", st.State)
	}
	if err := c.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Connect() after Disconnect = %v, want ErrClosed", err)
	}
}

func TestClient_ReconnectsAfterServerClose(t *testing.T) {
	// each connection sends one ticker then closes, forcing a reconnect
	srv, _ := newFrameServer(t, []string{tickerFrame}, false)

	c := New(testConfig(wsURL(srv)), []string{"BTCUSDT"})
	ch, _ := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	waitTick(t, ch)
	waitTick(t, ch)
	if c.Status().ReconnectAttempts < 1 {
		t.Errorf("ReconnectAttempts = %d, want >= 1", c.Status().ReconnectAttempts)
	}
}

func TestClient_ExhaustedRetriesAndManualReconnect(t *testing.T) {
	var mu sync.Mutex
	up := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		ok := up
		mu.Unlock()
		if !ok {
			http.Error(w, "down", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(tickerFrame))
		_ = conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnectAttempts = 2
	c := New(cfg, []string{"BTCUSDT"})
	ch, _ := collect(c)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	waitTick(t, ch)

	mu.Lock()
	up = false
	mu.Unlock()

	deadline := time.Now().Add(3 * time.Second)
	for c.Status().State != models.StateError {
		if time.Now().After(deadline) {
			t.Fatalf("never reached error state: %+v", c.Status())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !strings.Contains(c.Status().LastError, ErrRetriesExhausted.Error()) {
		t.Errorf("LastError = %q", c.Status().LastError)
	}

	mu.Lock()
	up = true
	mu.Unlock()
	if err := c.Reconnect(context.Background()); err != nil {
		t.Fatalf("Reconnect() error: %v", err)
	}
	waitTick(t, ch)
	if st := c.Status(); st.ReconnectAttempts != 0 && st.State == models.StateError {
		t.Errorf("Status() after Reconnect = %+v", st)
	}
}

func TestClient_RelayMode(t *testing.T) {
	srv, _ := newFrameServer(t, []string{`{"ticker":"BTCUSDT","price":60000,"volume":2,"change_24h":-3,"timestamp":1}`}, true)

	cfg := testConfig("")
	cfg.Mode = ModeRelay
	cfg.RelayURL = wsURL(srv)
	c := New(cfg, []string{"BTCUSDT"})
	ch, _ := collect(c)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	tk := waitTick(t, ch)
	if tk.Source != models.SourceRelay || tk.VolumeUSD() != 120000 {
		t.Errorf("tick = %+v", tk)
	}
	if c.Status().StreamCount != 1 {
		t.Errorf("StreamCount = %d, want 1", c.Status().StreamCount)
	}
}
