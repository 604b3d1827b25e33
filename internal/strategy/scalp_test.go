package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
)

func scalpConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Name:               "scalp",
		StopLossPct:        1.0,
		RSIPeriod:          5,
		LiquidityFloorUSDT: 1000,
		Scalp: config.ScalpConfig{
			WarmupBars:   30,
			EMAFast:      3,
			EMAMid:       8,
			EMASlow:      21,
			RSIFloor:     50,
			VolRVOL:      2,
			VolZScore:    3,
			HTFEMAPeriod: 10,
			ADXPeriod:    14,
			ADXMin:       25,
			MaxSpreadPct: 0.1,
			ATRPeriod:    14,
			ATRStopMult:  1.5,
		},
	}
}

// alignedKlines is a clean linear uptrend with alternating volume around a
// stable mean and a spike on the final bar.
func alignedKlines(n int) []domain.Kline {
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]domain.Kline, n)
	for i := range klines {
		c := 100.0 + float64(i)
		vol := 9.0
		if i%2 == 1 {
			vol = 11.0
		}
		klines[i] = domain.Kline{
			Symbol: "BTCUSDT",
			Start:  t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:   c - 1, High: c + 1, Low: c - 2, Close: c,
			Volume: vol, Turnover: 1e6,
		}
	}
	klines[n-1].Volume = 50
	return klines
}

func scalpSnap() domain.MarketSnapshot {
	klines := alignedKlines(40)
	htf := alignedKlines(25)
	last := klines[len(klines)-1].Close
	return domain.MarketSnapshot{
		Symbol:    "BTCUSDT",
		LastPrice: last,
		Klines:    klines,
		KlinesHTF: htf,
		Book:      domain.BookTop{Symbol: "BTCUSDT", Bid: last - 0.01, Ask: last + 0.01},
		Now:       time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestScalpFullAlignmentFires(t *testing.T) {
	s := NewScalp(scalpConfig(), testLogger())
	sig, err := s.Evaluate(context.Background(), scalpSnap())
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, domain.SideLong, sig.Side)
	assert.Equal(t, "scalp", sig.Strategy)
	assert.Greater(t, sig.StopPrice, 0.0)
	assert.Less(t, sig.StopPrice, sig.ReferencePrice)
}

func TestScalpWarmupGate(t *testing.T) {
	s := NewScalp(scalpConfig(), testLogger())
	snap := scalpSnap()
	snap.Klines = snap.Klines[:20]
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpSessionGate(t *testing.T) {
	cfg := scalpConfig()
	cfg.Scalp.SessionStartH = 8
	cfg.Scalp.SessionEndH = 16
	s := NewScalp(cfg, testLogger())

	snap := scalpSnap()
	snap.Now = time.Date(2026, 8, 1, 3, 0, 0, 0, time.UTC)
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig, "outside the session window")

	snap.Now = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	sig, err = s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.NotNil(t, sig)
}

func TestScalpSessionWrapsMidnight(t *testing.T) {
	cfg := scalpConfig()
	cfg.Scalp.SessionStartH = 22
	cfg.Scalp.SessionEndH = 4
	s := NewScalp(cfg, testLogger())

	in := func(hour int) bool {
		snap := scalpSnap()
		snap.Now = time.Date(2026, 8, 1, hour, 30, 0, 0, time.UTC)
		return s.inSession(snap)
	}
	assert.True(t, in(23))
	assert.True(t, in(2))
	assert.False(t, in(12))
}

func TestScalpWideSpreadBlocks(t *testing.T) {
	s := NewScalp(scalpConfig(), testLogger())
	snap := scalpSnap()
	snap.Book = domain.BookTop{Symbol: "BTCUSDT", Bid: 138, Ask: 140}
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpVolumeGate(t *testing.T) {
	s := NewScalp(scalpConfig(), testLogger())
	snap := scalpSnap()
	// Quiet final bar: RVOL collapses below its floor.
	snap.Klines[len(snap.Klines)-1].Volume = 5
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpHTFTrendFilter(t *testing.T) {
	s := NewScalp(scalpConfig(), testLogger())
	snap := scalpSnap()
	// Higher-timeframe EMA above the price blocks the entry.
	for i := range snap.KlinesHTF {
		snap.KlinesHTF[i].Close = snap.LastPrice * 2
	}
	sig, err := s.Evaluate(context.Background(), snap)
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestScalpTestModeRelaxesComparisons(t *testing.T) {
	strict := NewScalp(scalpConfig(), testLogger())
	assert.False(t, strict.gt(1, 1))

	cfg := scalpConfig()
	cfg.Scalp.TestMode = true
	relaxed := NewScalp(cfg, testLogger())
	assert.True(t, relaxed.gt(1, 1))
	assert.False(t, relaxed.gt(1, 2))
}
