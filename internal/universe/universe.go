// Package universe holds the static symbol table shared by every classifier: market-cap tier and
// futures/spot priority membership.
package universe

import (
	"sort"
	"strings"

	"github.com/rewired-gh/flowradar/internal/models"
)

// QuoteAsset is the quote currency every tracked pair is denominated in.
const QuoteAsset = "USDT"

// DefaultHighCap lists the major pairs that get the high-cap thresholds.
var DefaultHighCap = []string{
	"BTCUSDT", "ETHUSDT", "BNBUSDT", "SOLUSDT", "XRPUSDT", "ADAUSDT", "DOGEUSDT", "AVAXUSDT",
	"TRXUSDT", "DOTUSDT", "LINKUSDT", "TONUSDT", "MATICUSDT", "LTCUSDT", "BCHUSDT", "SHIBUSDT",
	"UNIUSDT", "ATOMUSDT", "XLMUSDT", "ETCUSDT", "NEARUSDT", "APTUSDT", "FILUSDT", "ICPUSDT",
	"ARBUSDT", "OPUSDT", "SUIUSDT", "HBARUSDT", "INJUSDT", "AAVEUSDT",
}

// DefaultFuturesPriority lists pairs whose volume is dominated by perpetual futures.
var DefaultFuturesPriority = []string{
	"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT", "DOGEUSDT", "AVAXUSDT", "LINKUSDT",
	"PEPEUSDT", "WIFUSDT", "SUIUSDT", "ARBUSDT", "OPUSDT", "APTUSDT", "INJUSDT", "TIAUSDT",
	"SEIUSDT", "ORDIUSDT", "FETUSDT", "RNDRUSDT", "NEARUSDT", "LTCUSDT", "1000SATSUSDT", "BONKUSDT",
}

// DefaultSymbols is the subscribed universe when config does not override it.
var DefaultSymbols = mergeUnique(DefaultHighCap, DefaultFuturesPriority, []string{
	"FLOKIUSDT", "JUPUSDT", "PYTHUSDT", "STXUSDT", "IMXUSDT", "GALAUSDT", "SANDUSDT", "MANAUSDT",
	"AXSUSDT", "CRVUSDT", "LDOUSDT", "RUNEUSDT", "DYDXUSDT", "ENAUSDT", "WLDUSDT", "JTOUSDT",
})

// Table is an immutable symbol lookup built once at startup.
type Table struct {
	symbols []string
	highCap map[string]bool
	futures map[string]bool
}

// New builds a table. Empty lists fall back to the defaults.
func New(symbols, highCap, futuresPriority []string) *Table {
	if len(symbols) == 0 {
		symbols = DefaultSymbols
	}
	if len(highCap) == 0 {
		highCap = DefaultHighCap
	}
	if len(futuresPriority) == 0 {
		futuresPriority = DefaultFuturesPriority
	}
	return &Table{
		symbols: mergeUnique(symbols),
		highCap: toSet(highCap),
		futures: toSet(futuresPriority),
	}
}

// Default returns a table over the compiled-in lists.
func Default() *Table {
	return New(nil, nil, nil)
}

// Symbols returns the subscribed pairs, sorted.
func (t *Table) Symbols() []string {
	out := make([]string, len(t.symbols))
	copy(out, t.symbols)
	return out
}

// Contains reports whether the symbol is in the subscribed universe.
func (t *Table) Contains(symbol string) bool {
	s := Normalize(symbol)
	i := sort.SearchStrings(t.symbols, s)
	return i < len(t.symbols) && t.symbols[i] == s
}

// Tier returns the market-cap tier; anything not on the high-cap list is low.
func (t *Table) Tier(symbol string) models.Tier {
	if t.highCap[Normalize(symbol)] {
		return models.TierHigh
	}
	return models.TierLow
}

// FuturesPriority reports whether anomalies on the symbol are labelled as futures flow.
func (t *Table) FuturesPriority(symbol string) bool {
	return t.futures[Normalize(symbol)]
}

// SpotPriority reports whether the symbol is subscribed and labelled as spot flow.
func (t *Table) SpotPriority(symbol string) bool {
	return t.Contains(symbol) && !t.FuturesPriority(symbol)
}

// Normalize upper-cases a symbol and appends the quote asset when missing.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if s == "" || strings.HasSuffix(s, QuoteAsset) {
		return s
	}
	return s + QuoteAsset
}

// Asset strips the quote suffix: "BTCUSDT" → "BTC".
func Asset(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(s, QuoteAsset) && len(s) > len(QuoteAsset) {
		return s[:len(s)-len(QuoteAsset)]
	}
	return s
}

func toSet(list []string) map[string]bool {
	m := make(map[string]bool, len(list))
	for _, s := range list {
		m[Normalize(s)] = true
	}
	return m
}

func mergeUnique(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			n := Normalize(s)
			if n == "" || seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
