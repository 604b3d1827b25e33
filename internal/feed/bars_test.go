package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/bybitbot/internal/domain"
)

func bar(symbol string, start time.Time, close float64) domain.Kline {
	return domain.Kline{Symbol: symbol, Start: start, Close: close}
}

func TestBarCacheSeedTruncatesToCap(t *testing.T) {
	c := NewBarCache(3)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	var klines []domain.Kline
	for i := 0; i < 5; i++ {
		klines = append(klines, bar("BTCUSDT", t0.Add(time.Duration(i)*5*time.Minute), float64(i)))
	}
	c.Seed("BTCUSDT", klines)

	got := c.Series("BTCUSDT")
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].Close, "oldest bars evicted")
	assert.Equal(t, 4.0, got[2].Close)
}

func TestBarCacheApplyOverwritesFormingBar(t *testing.T) {
	c := NewBarCache(10)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Apply(bar("BTCUSDT", t0, 100))
	c.Apply(bar("BTCUSDT", t0, 101))
	c.Apply(bar("BTCUSDT", t0, 102))

	got := c.Series("BTCUSDT")
	require.Len(t, got, 1)
	assert.Equal(t, 102.0, got[0].Close)
}

func TestBarCacheApplyNewBarClosesPrevious(t *testing.T) {
	c := NewBarCache(10)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Apply(bar("BTCUSDT", t0, 100))
	c.Apply(bar("BTCUSDT", t0.Add(5*time.Minute), 105))

	got := c.Series("BTCUSDT")
	require.Len(t, got, 2)
	assert.True(t, got[0].Closed, "previous bar finalized when a new one opens")
	assert.False(t, got[1].Closed)
}

func TestBarCacheApplyDropsStaleBar(t *testing.T) {
	c := NewBarCache(10)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	c.Apply(bar("BTCUSDT", t0.Add(5*time.Minute), 105))
	c.Apply(bar("BTCUSDT", t0, 100)) // out of order

	got := c.Series("BTCUSDT")
	require.Len(t, got, 1)
	assert.Equal(t, 105.0, got[0].Close)
}

func TestBarCacheApplyEvictsPastCap(t *testing.T) {
	c := NewBarCache(2)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 4; i++ {
		c.Apply(bar("BTCUSDT", t0.Add(time.Duration(i)*5*time.Minute), float64(i)))
	}

	got := c.Series("BTCUSDT")
	require.Len(t, got, 2)
	assert.Equal(t, 2.0, got[0].Close)
	assert.Equal(t, 3.0, got[1].Close)
}

func TestBarCacheSeriesIsACopy(t *testing.T) {
	c := NewBarCache(10)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	c.Apply(bar("BTCUSDT", t0, 100))

	got := c.Series("BTCUSDT")
	got[0].Close = 999
	assert.Equal(t, 100.0, c.Series("BTCUSDT")[0].Close)
}

func TestBarCacheSymbolsIsolated(t *testing.T) {
	c := NewBarCache(10)
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	c.Apply(bar("BTCUSDT", t0, 100))
	c.Apply(bar("ETHUSDT", t0, 2000))

	assert.Equal(t, 1, c.Len("BTCUSDT"))
	assert.Equal(t, 1, c.Len("ETHUSDT"))
	assert.Equal(t, 2000.0, c.Series("ETHUSDT")[0].Close)
}
