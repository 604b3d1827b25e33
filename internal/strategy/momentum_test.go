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

func momentumConfig() config.StrategyConfig {
	return config.StrategyConfig{
		Name:        "momentum",
		StopLossPct: 1.0,
		RSIPeriod:   5,
		Momentum: config.MomentumConfig{
			LookbackBars:         3,
			MinGradientPct:       0.5,
			ConfirmBars:          2,
			ExhaustionRSI:        101, // vetoes disabled unless a test enables them
			VolumeCollapseRatio:  0,
			CandleExpansionRatio: 1000,
			VetoMinReasons:       2,
			VetoConsecutive:      2,
			OrderFlowMinRatio:    0.5,
		},
	}
}

// acceleratingKlines ends with an accelerating upmove: the latest 3-bar
// gradient is 6% against 3% one bar earlier.
func acceleratingKlines() []domain.Kline {
	closes := []float64{100, 100, 100, 100, 100, 101, 103, 106}
	t0 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	klines := make([]domain.Kline, len(closes))
	for i, c := range closes {
		klines[i] = domain.Kline{
			Symbol: "BTCUSDT",
			Start:  t0.Add(time.Duration(i) * 5 * time.Minute),
			Open:   c, High: c + 1, Low: c - 1, Close: c,
			Volume: 10, Turnover: 1e6,
		}
	}
	return klines
}

func momentumSnap(now time.Time) domain.MarketSnapshot {
	klines := acceleratingKlines()
	return domain.MarketSnapshot{
		Symbol:    "BTCUSDT",
		LastPrice: klines[len(klines)-1].Close,
		Klines:    klines,
		Now:       now,
	}
}

func TestMomentumRequiresConfirmBars(t *testing.T) {
	m := NewMomentum(momentumConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	sig, err := m.Evaluate(ctx, momentumSnap(now))
	require.NoError(t, err)
	assert.Nil(t, sig, "first confirmation is not enough")

	sig, err = m.Evaluate(ctx, momentumSnap(now.Add(5*time.Minute)))
	require.NoError(t, err)
	require.NotNil(t, sig, "second consecutive confirmation fires")
	assert.Equal(t, domain.SideLong, sig.Side)
	assert.Equal(t, "momentum", sig.Strategy)
	assert.Equal(t, 2.0, sig.Confidence, "6% gradient over a 0.5% floor clamps at 2")
}

func TestMomentumFailedBarResetsConfirmation(t *testing.T) {
	m := NewMomentum(momentumConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	sig, err := m.Evaluate(ctx, momentumSnap(now))
	require.NoError(t, err)
	require.Nil(t, sig)

	// A flat snapshot breaks the streak.
	flat := momentumSnap(now.Add(5 * time.Minute))
	for i := range flat.Klines {
		flat.Klines[i].Close = 100
	}
	sig, err = m.Evaluate(ctx, flat)
	require.NoError(t, err)
	require.Nil(t, sig)

	// The counter restarted, so one more confirmation is still not enough.
	sig, err = m.Evaluate(ctx, momentumSnap(now.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.Nil(t, sig)
}

func TestMomentumOrderFlowVetoFailsOpenWhenUnknown(t *testing.T) {
	m := NewMomentum(momentumConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	snap := momentumSnap(now)
	snap.SideVolume = domain.SideVolume{Buy: 1, Sell: 99, Known: false}
	_, err := m.Evaluate(ctx, snap)
	require.NoError(t, err)

	snap = momentumSnap(now.Add(5 * time.Minute))
	snap.SideVolume = domain.SideVolume{Buy: 1, Sell: 99, Known: false}
	sig, err := m.Evaluate(ctx, snap)
	require.NoError(t, err)
	assert.NotNil(t, sig, "unknown per-side volume must not block")
}

func TestMomentumOrderFlowVetoBlocksWhenKnown(t *testing.T) {
	m := NewMomentum(momentumConfig(), testLogger())
	ctx := context.Background()
	now := time.Now()

	snap := momentumSnap(now)
	snap.SideVolume = domain.SideVolume{Buy: 1, Sell: 99, Known: true}
	_, err := m.Evaluate(ctx, snap)
	require.NoError(t, err)

	snap = momentumSnap(now.Add(5 * time.Minute))
	snap.SideVolume = domain.SideVolume{Buy: 1, Sell: 99, Known: true}
	sig, err := m.Evaluate(ctx, snap)
	require.NoError(t, err)
	assert.Nil(t, sig, "1% buy share is below the 50% floor")
}

func TestMomentumVetoNeedsConsecutiveRecurrence(t *testing.T) {
	cfg := momentumConfig()
	cfg.Momentum.ConfirmBars = 1
	// Two reasons fire every evaluation: RSI is always above 0 and the
	// last bar's volume always sits below 10x the average.
	cfg.Momentum.ExhaustionRSI = 0
	cfg.Momentum.VolumeCollapseRatio = 10
	cfg.Momentum.VetoCooldown.Duration = 90 * time.Second
	m := NewMomentum(cfg, testLogger())
	ctx := context.Background()
	now := time.Now()

	sig, err := m.Evaluate(ctx, momentumSnap(now))
	require.NoError(t, err)
	assert.NotNil(t, sig, "first occurrence of the reason set does not block")

	sig, err = m.Evaluate(ctx, momentumSnap(now.Add(5*time.Minute)))
	require.NoError(t, err)
	assert.Nil(t, sig, "same reason set twice in a row blocks")

	// The block started a 90s cooldown. Inside it the veto ladder is
	// skipped, so a qualifying gradient still fires even though both
	// exhaustion reasons keep recurring.
	sig, err = m.Evaluate(ctx, momentumSnap(now.Add(6*time.Minute)))
	require.NoError(t, err)
	assert.NotNil(t, sig, "cooldown must not suppress qualifying signals")

	sig, err = m.Evaluate(ctx, momentumSnap(now.Add(10*time.Minute)))
	require.NoError(t, err)
	assert.NotNil(t, sig, "after cooldown the streak starts over")
}

func TestMomentumCooldownSkipsVetoLadder(t *testing.T) {
	cfg := momentumConfig()
	cfg.Momentum.ConfirmBars = 1
	cfg.Momentum.ExhaustionRSI = 0
	cfg.Momentum.VolumeCollapseRatio = 10
	cfg.Momentum.VetoCooldown.Duration = 90 * time.Second
	m := NewMomentum(cfg, testLogger())
	ctx := context.Background()
	now := time.Now()

	// Arm and trip the veto: same two-reason set on consecutive evaluations.
	_, err := m.Evaluate(ctx, momentumSnap(now))
	require.NoError(t, err)
	sig, err := m.Evaluate(ctx, momentumSnap(now.Add(5*time.Minute)))
	require.NoError(t, err)
	require.Nil(t, sig, "second recurrence blocks")

	// 30s into the cooldown only one reason would fire, which is below the
	// two-reason minimum anyway; the signal must pass through.
	snap := momentumSnap(now.Add(5*time.Minute + 30*time.Second))
	m.cfg.Momentum.VolumeCollapseRatio = 0 // volume reason cleared
	sig, err = m.Evaluate(ctx, snap)
	require.NoError(t, err)
	require.NotNil(t, sig, "cooldown fails open when the gradient qualifies")

	// The cooled-down block must not have re-armed the streak.
	assert.Equal(t, 0, m.state["BTCUSDT"].vetoStreak)
}

func TestGradientPct(t *testing.T) {
	assert.InDelta(t, 5.0, gradientPct(100, 105), 1e-9)
	assert.InDelta(t, -5.0, gradientPct(100, 95), 1e-9)
	assert.Zero(t, gradientPct(0, 100))
}
