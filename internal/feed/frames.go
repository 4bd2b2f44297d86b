package feed

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rewired-gh/flowradar/internal/models"
)

// binanceCombinedMsg is the /stream envelope.
type binanceCombinedMsg struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceEventHeader struct {
	Event string `json:"e"`
}

type binanceTickerData struct {
	EventTime   int64  `json:"E"`
	Symbol      string `json:"s"`
	Close       string `json:"c"`
	ChangePct   string `json:"P"`
	QuoteVolume string `json:"q"`
}

type binanceKlineData struct {
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Kline     struct {
		StartTime int64  `json:"t"`
		CloseTime int64  `json:"T"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		Quote     string `json:"q"`
		Trades    int64  `json:"n"`
		Closed    bool   `json:"x"`
	} `json:"k"`
}

type binanceLiquidationMsg struct {
	EventTime int64 `json:"E"`
	Order     struct {
		Symbol    string `json:"s"`
		Side      string `json:"S"`
		Price     string `json:"p"`
		AvgPrice  string `json:"ap"`
		Qty       string `json:"q"`
		FilledQty string `json:"z"`
		Time      int64  `json:"T"`
	} `json:"o"`
}

// tickerState is the latest 24h view of a symbol from the ticker stream.
type tickerState struct {
	price       float64
	change      float64
	quoteVolume float64
}

// Normalizer turns raw frames into MarketTicks. It caches the latest ticker per symbol so closed
// klines and force orders can carry the 24h change.
type Normalizer struct {
	mu    sync.RWMutex
	cache map[string]tickerState
}

// NewNormalizer creates a normalizer with an empty ticker cache.
func NewNormalizer() *Normalizer {
	return &Normalizer{cache: make(map[string]tickerState)}
}

// Binance parses one frame from either the combined stream or the raw force-order socket.
// Open klines and unknown events yield no ticks and no error.
func (n *Normalizer) Binance(raw []byte) ([]models.MarketTick, error) {
	payload := raw
	var env binanceCombinedMsg
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if env.Stream != "" && len(env.Data) > 0 {
		payload = env.Data
	}

	var hdr binanceEventHeader
	if err := json.Unmarshal(payload, &hdr); err != nil {
		return nil, fmt.Errorf("decode event header: %w", err)
	}

	switch hdr.Event {
	case "24hrTicker":
		return n.ticker(payload)
	case "kline":
		return n.kline(payload)
	case "forceOrder":
		return n.forceOrder(payload)
	default:
		return nil, nil
	}
}

func (n *Normalizer) ticker(payload []byte) ([]models.MarketTick, error) {
	var d binanceTickerData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode ticker: %w", err)
	}
	price, err := parseNum("c", d.Close)
	if err != nil {
		return nil, err
	}
	change, err := parseNum("P", d.ChangePct)
	if err != nil {
		return nil, err
	}
	quote, _ := parseNum("q", d.QuoteVolume)

	sym := strings.ToUpper(d.Symbol)
	n.mu.Lock()
	n.cache[sym] = tickerState{price: price, change: change, quoteVolume: quote}
	n.mu.Unlock()

	return []models.MarketTick{{
		Ticker:         sym,
		Price:          price,
		Change24h:      models.Float(change),
		QuoteVolume24h: models.Float(quote),
		Timestamp:      d.EventTime,
		Source:         models.SourceTicker,
	}}, nil
}

func (n *Normalizer) kline(payload []byte) ([]models.MarketTick, error) {
	var d binanceKlineData
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode kline: %w", err)
	}
	if !d.Kline.Closed {
		return nil, nil
	}

	var vals [5]float64
	for i, f := range []struct{ name, v string }{
		{"o", d.Kline.Open}, {"h", d.Kline.High}, {"l", d.Kline.Low}, {"c", d.Kline.Close}, {"v", d.Kline.Volume},
	} {
		v, err := parseNum(f.name, f.v)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}

	sym := strings.ToUpper(d.Symbol)
	tick := models.MarketTick{
		Ticker:      sym,
		Price:       vals[3],
		Volume:      vals[4],
		Timestamp:   d.Kline.CloseTime,
		Source:      models.SourceKline,
		Open:        models.Float(vals[0]),
		High:        models.Float(vals[1]),
		Low:         models.Float(vals[2]),
		Close:       models.Float(vals[3]),
		TradesCount: models.Int(d.Kline.Trades),
		KlineVolume: models.Float(vals[4]),
	}
	n.merge(&tick)
	return []models.MarketTick{tick}, nil
}

func (n *Normalizer) forceOrder(payload []byte) ([]models.MarketTick, error) {
	var d binanceLiquidationMsg
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("decode force order: %w", err)
	}

	price, _ := parseNum("ap", d.Order.AvgPrice)
	if price <= 0 {
		p, err := parseNum("p", d.Order.Price)
		if err != nil {
			return nil, err
		}
		price = p
	}
	qty, _ := parseNum("z", d.Order.FilledQty)
	if qty <= 0 {
		q, err := parseNum("q", d.Order.Qty)
		if err != nil {
			return nil, err
		}
		qty = q
	}

	// a SELL force order closes a long position
	liqType := "SHORT"
	if strings.EqualFold(d.Order.Side, "SELL") {
		liqType = "LONG"
	}

	ts := d.Order.Time
	if ts == 0 {
		ts = d.EventTime
	}
	tick := models.MarketTick{
		Ticker:            strings.ToUpper(d.Order.Symbol),
		Price:             price,
		Volume:            qty,
		Timestamp:         ts,
		Source:            models.SourceForceOrder,
		IsLiquidation:     true,
		LiquidationType:   liqType,
		LiquidationAmount: models.Float(price * qty),
	}
	n.merge(&tick)
	return []models.MarketTick{tick}, nil
}

func (n *Normalizer) merge(tick *models.MarketTick) {
	n.mu.RLock()
	st, ok := n.cache[tick.Ticker]
	n.mu.RUnlock()
	if !ok {
		return
	}
	tick.Change24h = models.Float(st.change)
	tick.QuoteVolume24h = models.Float(st.quoteVolume)
}

// LastPrice returns the latest ticker price seen for symbol.
func (n *Normalizer) LastPrice(symbol string) (float64, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	st, ok := n.cache[strings.ToUpper(symbol)]
	return st.price, ok
}

// Relay parses a FlowData frame: one object or an array of them.
func (n *Normalizer) Relay(raw []byte) ([]models.MarketTick, error) {
	trimmed := strings.TrimSpace(string(raw))
	var ticks []models.MarketTick
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal(raw, &ticks); err != nil {
			return nil, fmt.Errorf("decode relay batch: %w", err)
		}
	} else {
		var t models.MarketTick
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, fmt.Errorf("decode relay tick: %w", err)
		}
		ticks = append(ticks, t)
	}
	for i := range ticks {
		ticks[i].Ticker = strings.ToUpper(ticks[i].Ticker)
		switch {
		case ticks[i].IsLiquidation:
			ticks[i].Source = models.SourceForceOrder
		case ticks[i].Source == "":
			ticks[i].Source = models.SourceRelay
		}
	}
	return ticks, nil
}

func parseNum(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: field %s: %v", models.ErrInvalidTick, field, err)
	}
	return v, nil
}
