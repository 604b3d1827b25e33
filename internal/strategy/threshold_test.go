package strategy

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.Default()
}

func thresholdConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Name:               "threshold",
		WindowMinutes:      15, // 3 evaluation bars
		StopLossPct:        1.0,
		RSIPeriod:          5,
		RSIOverbought:      101, // disabled so the price/OI paths are isolated
		LiquidityFloorUSDT: 1000,
		Threshold: config.ThresholdConfig{
			PriceChangeThresholdPct: 2,
			OIChangeThresholdPct:    1,
			BreakoutThresholdPct:    5,
			MinUniqueOIBars:         3,
			MACDConfirmBars:         2,
			RVOLThreshold:           1.0,
			RVOLBreakoutRelax:       1.2,
		},
	}
}

// trendKlines builds a series of flat bars followed by a final jump, with a
// volume spike on the last bar so RVOL clears its floor.
func trendKlines(n int, base, lastClose float64) []domain.Kline {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]domain.Kline, n)
	for i := range klines {
		klines[i] = domain.Kline{
			Symbol: "BTCUSDT",
			Start:  t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:   base, High: base + 1, Low: base - 1, Close: base,
			Volume: 10, Turnover: 1e6,
		}
	}
	last := &klines[n-1]
	last.Close = lastClose
	last.High = lastClose + 1
	last.Volume = 40
	return klines
}

func oiSample(t time.Time, value float64) domain.OISample {
	return domain.OISample{Symbol: "BTCUSDT", Value: value, Timestamp: t}
}

func TestThresholdQuietMarketNoSignal(t *testing.T) {
	s := NewThreshold(thresholdConfig(), testLogger())
	klines := trendKlines(40, 100, 100)
	snap := domain.MarketSnapshot{
		Symbol: "BTCUSDT", LastPrice: 100, Klines: klines, Now: time.Now(),
	}
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestThresholdBreakoutSkipsOpenInterest(t *testing.T) {
	s := NewThreshold(thresholdConfig(), testLogger())
	// +7% over the window clears the 5% breakout bar; no OI data at all.
	klines := trendKlines(40, 100, 107)
	snap := domain.MarketSnapshot{
		Symbol: "BTCUSDT", LastPrice: 107, Klines: klines, Now: time.Now(),
	}
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SideLong, sig.Side)
	assert.Equal(t, "threshold", sig.Strategy)
	assert.Equal(t, 2.0, sig.Confidence, "confidence clamps at 2")
	assert.Contains(t, sig.Reason, "breakout")
	assert.Less(t, sig.StopPrice, sig.ReferencePrice)
}

func TestThresholdModerateMoveRequiresOpenInterest(t *testing.T) {
	s := NewThreshold(thresholdConfig(), testLogger())
	// +3% sits between the 2% threshold and the 5% breakout bar, so the
	// missing OI series must block it.
	klines := trendKlines(40, 100, 103)
	snap := domain.MarketSnapshot{
		Symbol: "BTCUSDT", LastPrice: 103, Klines: klines, Now: time.Now(),
	}
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestOIChangePctDedupKeepsLaterSample(t *testing.T) {
	s := NewThreshold(thresholdConfig(), testLogger())
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	series := []domain.OISample{
		oiSample(t0, 100),
		oiSample(t0.Add(time.Minute), 90), // same bucket, later sample wins
		oiSample(t0.Add(5*time.Minute), 95),
		oiSample(t0.Add(10*time.Minute), 99),
		oiSample(t0.Add(15*time.Minute), 108),
	}
	// 4 buckets with a 3-step lookback: latest (108) vs bucket[0] (90).
	change, ok := s.oiChangePct(series)
	require.True(t, ok)
	assert.InDelta(t, 20.0, change, 1e-9)
}

func TestOIChangePctBelowMinUniqueBars(t *testing.T) {
	s := NewThreshold(thresholdConfig(), testLogger())
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Three samples but only two distinct buckets.
	series := []domain.OISample{
		oiSample(t0, 100),
		oiSample(t0.Add(time.Minute), 101),
		oiSample(t0.Add(5*time.Minute), 102),
	}
	_, ok := s.oiChangePct(series)
	assert.False(t, ok)
}

func TestOIChangePctFallsBackToFirstVsLast(t *testing.T) {
	s := NewThreshold(thresholdConfig(), testLogger())
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	// Three buckets, fewer than the 3-step lookback needs (4), so the
	// estimate degrades to first-vs-last.
	series := []domain.OISample{
		oiSample(t0, 100),
		oiSample(t0.Add(5*time.Minute), 104),
		oiSample(t0.Add(10*time.Minute), 110),
	}
	change, ok := s.oiChangePct(series)
	require.True(t, ok)
	assert.InDelta(t, 10.0, change, 1e-9)
}
