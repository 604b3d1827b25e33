package feed

import (
	"sync"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// defaultMaxBars bounds the per-symbol candle history. Strategies never look
// further back than a couple hundred bars.
const defaultMaxBars = 200

// BarCache is an in-memory rolling candle store for one timeframe. Streamed
// updates for the forming candle overwrite in place; a new start time appends
// and evicts the oldest bar past capacity.
type BarCache struct {
	mu      sync.RWMutex
	maxBars int
	bars    map[string][]domain.Kline
}

// NewBarCache creates a BarCache holding up to maxBars candles per symbol.
// maxBars <= 0 uses the default.
func NewBarCache(maxBars int) *BarCache {
	if maxBars <= 0 {
		maxBars = defaultMaxBars
	}
	return &BarCache{
		maxBars: maxBars,
		bars:    make(map[string][]domain.Kline),
	}
}

// Seed replaces the stored series for a symbol with a REST backfill,
// oldest first.
func (c *BarCache) Seed(symbol string, klines []domain.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(klines) > c.maxBars {
		klines = klines[len(klines)-c.maxBars:]
	}
	series := make([]domain.Kline, len(klines))
	copy(series, klines)
	c.bars[symbol] = series
}

// Apply merges one streamed candle into the series. Updates for the current
// bar replace it; a later start time appends. Stale bars are dropped.
func (c *BarCache) Apply(k domain.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()

	series := c.bars[k.Symbol]
	if n := len(series); n > 0 {
		last := series[n-1]
		if k.Start.Equal(last.Start) {
			series[n-1] = k
			return
		}
		if k.Start.Before(last.Start) {
			return
		}
		// New bar opened; the previous one is final.
		series[n-1].Closed = true
	}

	series = append(series, k)
	if len(series) > c.maxBars {
		series = series[len(series)-c.maxBars:]
	}
	c.bars[k.Symbol] = series
}

// Series returns a copy of the stored candles for a symbol, oldest first.
func (c *BarCache) Series(symbol string) []domain.Kline {
	c.mu.RLock()
	defer c.mu.RUnlock()

	series := c.bars[symbol]
	out := make([]domain.Kline, len(series))
	copy(out, series)
	return out
}

// Len returns the number of stored candles for a symbol.
func (c *BarCache) Len(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.bars[symbol])
}
