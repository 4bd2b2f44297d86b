// Package binance fetches recent closed klines over REST to warm up rolling volume history
// before the live stream starts.
package binance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/cenkalti/backoff/v4"

	"github.com/rewired-gh/flowradar/internal/models"
	"github.com/rewired-gh/flowradar/internal/universe"
)

// Bar is one closed candle.
type Bar struct {
	OpenTime    int64
	CloseTime   int64
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
	Trades      int64
}

// Tick converts the bar into the kline tick the live feed would have produced.
func (b Bar) Tick(symbol string) models.MarketTick {
	return models.MarketTick{
		Ticker:      universe.Normalize(symbol),
		Price:       b.Close,
		Volume:      b.Volume,
		Timestamp:   b.CloseTime,
		Source:      models.SourceKline,
		Open:        models.Float(b.Open),
		High:        models.Float(b.High),
		Low:         models.Float(b.Low),
		Close:       models.Float(b.Close),
		TradesCount: models.Int(b.Trades),
		KlineVolume: models.Float(b.Volume),
	}
}

// Market selects which kline endpoint serves a symbol.
type Market string

const (
	// MarketFutures serves every symbol from USDⓈ-M futures, matching the fstream live feed.
	MarketFutures Market = "futures"
	// MarketByPriority serves futures-priority symbols from futures and the rest from spot.
	MarketByPriority Market = "priority"
)

// Client provides access to Binance spot and USDⓈ-M futures klines.
type Client struct {
	spot       *gobinance.Client
	futures    *futures.Client
	universe   *universe.Table
	market     Market
	timeout    time.Duration
	maxRetries uint64
}

// NewClient creates a client. Empty base URLs keep the library defaults.
func NewClient(spotBaseURL, futuresBaseURL string, timeout time.Duration, table *universe.Table, market Market) *Client {
	spot := gobinance.NewClient("", "")
	if spotBaseURL != "" {
		spot.BaseURL = spotBaseURL
	}
	fut := gobinance.NewFuturesClient("", "")
	if futuresBaseURL != "" {
		fut.BaseURL = futuresBaseURL
	}
	if table == nil {
		table = universe.Default()
	}
	return &Client{
		spot:       spot,
		futures:    fut,
		universe:   table,
		market:     market,
		timeout:    timeout,
		maxRetries: 2,
	}
}

// Klines fetches the most recent klines for symbol from the market UsesFutures picks. Requests
// are retried with exponential backoff.
func (c *Client) Klines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	sym := universe.Normalize(symbol)

	var bars []Bar
	op := func() error {
		reqCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		var err error
		if c.UsesFutures(sym) {
			bars, err = c.futuresKlines(reqCtx, sym, interval, limit)
		} else {
			bars, err = c.spotKlines(reqCtx, sym, interval, limit)
		}
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("failed to fetch klines for %s: %w", sym, err)
	}
	return bars, nil
}

// UsesFutures reports whether symbol is fetched from the futures endpoint.
func (c *Client) UsesFutures(symbol string) bool {
	if c.market == MarketFutures {
		return true
	}
	return c.universe.FuturesPriority(symbol)
}

func (c *Client) spotKlines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	klines, err := c.spot.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := parseBar(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume, k.TradeNum)
		if err != nil {
			return nil, err
		}
		out = append(out, bar)
	}
	return out, nil
}

func (c *Client) futuresKlines(ctx context.Context, symbol, interval string, limit int) ([]Bar, error) {
	klines, err := c.futures.NewKlinesService().Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Bar, 0, len(klines))
	for _, k := range klines {
		bar, err := parseBar(k.OpenTime, k.CloseTime, k.Open, k.High, k.Low, k.Close, k.Volume, k.QuoteAssetVolume, k.TradeNum)
		if err != nil {
			return nil, err
		}
		out = append(out, bar)
	}
	return out, nil
}

func parseBar(openTime, closeTime int64, o, h, l, cl, v, q string, trades int64) (Bar, error) {
	vals := make([]float64, 6)
	for i, s := range []string{o, h, l, cl, v, q} {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Bar{}, backoff.Permanent(fmt.Errorf("failed to parse kline field %q: %w", s, err))
		}
		vals[i] = f
	}
	return Bar{
		OpenTime:    openTime,
		CloseTime:   closeTime,
		Open:        vals[0],
		High:        vals[1],
		Low:         vals[2],
		Close:       vals[3],
		Volume:      vals[4],
		QuoteVolume: vals[5],
		Trades:      trades,
	}, nil
}
