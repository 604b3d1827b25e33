package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/bybitbot/internal/domain"
)

func TestSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	got := SMA(values, 3)
	require.Len(t, got, 5)
	assert.Zero(t, got[0])
	assert.Zero(t, got[1])
	assert.InDelta(t, 2.0, got[2], 1e-9)
	assert.InDelta(t, 3.0, got[3], 1e-9)
	assert.InDelta(t, 4.0, got[4], 1e-9)
}

func TestSMAInsufficientData(t *testing.T) {
	got := SMA([]float64{1, 2}, 5)
	assert.Equal(t, []float64{0, 0}, got)
}

func TestEMAConstantSeries(t *testing.T) {
	values := []float64{10, 10, 10, 10}
	got := EMA(values, 3)
	for i, v := range got {
		assert.InDelta(t, 10.0, v, 1e-9, "index %d", i)
	}
}

func TestEMATracksTrend(t *testing.T) {
	// alpha = 0.5 for period 3: each step moves halfway to the new value.
	got := EMA([]float64{10, 20}, 3)
	assert.InDelta(t, 15.0, got[1], 1e-9)
}

func TestRSIAllGains(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	got := RSI(values, 5)
	assert.InDelta(t, 100.0, got[len(got)-1], 1e-9)
}

func TestRSIAllLosses(t *testing.T) {
	values := []float64{8, 7, 6, 5, 4, 3, 2, 1}
	got := RSI(values, 5)
	assert.InDelta(t, 0.0, got[len(got)-1], 1e-9)
}

func TestRSIWarmupIsZero(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8}
	got := RSI(values, 5)
	for i := 0; i < 5; i++ {
		assert.Zero(t, got[i])
	}
}

func TestMACDCrossoverSign(t *testing.T) {
	// A steady uptrend keeps the fast EMA above the slow EMA.
	values := make([]float64, 60)
	for i := range values {
		values[i] = 100 + float64(i)
	}
	macd, signal := MACD(values, 12, 26, 9)
	require.Len(t, macd, 60)
	assert.Greater(t, macd[59], 0.0)
	assert.Greater(t, macd[59], signal[59]*0.99)
}

func TestATRConstantRange(t *testing.T) {
	klines := make([]domain.Kline, 20)
	for i := range klines {
		base := 100.0
		klines[i] = domain.Kline{
			Open: base, High: base + 2, Low: base - 2, Close: base,
		}
	}
	got := ATR(klines, 14)
	assert.InDelta(t, 4.0, got[len(got)-1], 1e-9)
}

func TestATRInsufficientData(t *testing.T) {
	klines := make([]domain.Kline, 5)
	got := ATR(klines, 14)
	for _, v := range got {
		assert.Zero(t, v)
	}
}

func TestVWAP(t *testing.T) {
	klines := []domain.Kline{
		{High: 11, Low: 9, Close: 10, Volume: 100},
		{High: 21, Low: 19, Close: 20, Volume: 300},
	}
	// typical prices 10 and 20, weights 100 and 300.
	got := VWAP(klines)
	assert.InDelta(t, 17.5, got, 1e-9)
}

func TestVWAPZeroVolume(t *testing.T) {
	klines := []domain.Kline{{High: 11, Low: 9, Close: 10}}
	assert.Zero(t, VWAP(klines))
}

func TestRVOL(t *testing.T) {
	klines := []domain.Kline{
		{Volume: 10}, {Volume: 10}, {Volume: 10}, {Volume: 10}, {Volume: 30},
	}
	got := RVOL(klines, 4)
	assert.InDelta(t, 3.0, got, 1e-9)
}

func TestVolumeZScoreUniformWindow(t *testing.T) {
	klines := []domain.Kline{
		{Volume: 10}, {Volume: 10}, {Volume: 10}, {Volume: 50},
	}
	// zero variance in the window
	assert.Zero(t, VolumeZScore(klines, 3))
}

func TestVolumeZScorePositiveSpike(t *testing.T) {
	klines := []domain.Kline{
		{Volume: 8}, {Volume: 12}, {Volume: 10}, {Volume: 10}, {Volume: 40},
	}
	assert.Greater(t, VolumeZScore(klines, 4), 2.0)
}

func TestRising(t *testing.T) {
	assert.True(t, Rising([]float64{1, 2, 3}, 2))
	assert.False(t, Rising([]float64{1, 3, 3}, 2))
	assert.False(t, Rising([]float64{1, 2}, 2))
}

func TestLast(t *testing.T) {
	assert.Zero(t, Last(nil))
	assert.Equal(t, 7.0, Last([]float64{1, 7}))
}

func TestADXTrendingMarket(t *testing.T) {
	// A clean uptrend should register strong trend strength.
	klines := make([]domain.Kline, 60)
	for i := range klines {
		base := 100.0 + float64(i)*2
		klines[i] = domain.Kline{High: base + 1, Low: base - 1, Close: base}
	}
	got := ADX(klines, 14)
	assert.Greater(t, got[len(got)-1], 50.0)
}
