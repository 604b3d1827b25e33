package risk

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

// fakeGateway stubs the single gateway call the governor makes.
type fakeGateway struct {
	domain.ExchangeGateway
	equity float64
}

func (f *fakeGateway) GetEquity(ctx context.Context) (float64, error) {
	return f.equity, nil
}

// fakeTrades stubs the ledger queries the governor makes.
type fakeTrades struct {
	domain.TradeStore
	pnls     []float64
	todayPnl float64
	open     []domain.Position
}

func (f *fakeTrades) GetLastClosedPnls(ctx context.Context, n int) ([]float64, error) {
	if n > len(f.pnls) {
		n = len(f.pnls)
	}
	return f.pnls[:n], nil
}

func (f *fakeTrades) GetTodayPnl(ctx context.Context) (float64, error) {
	return f.todayPnl, nil
}

func (f *fakeTrades) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return f.open, nil
}

func riskConfig() config.RiskConfig {
	cfg := config.RiskConfig{
		RiskUSDT:             10,
		BaseNotionalUSDT:     100,
		Leverage:             5,
		MaxPositionPct:       10,
		DailyLossLimitPct:    5,
		FeeRate:              0.00055,
		WinrateWindow:        20,
		MaxConsecutiveLosses: 5,
		MaxOpenPositions:     3,
	}
	cfg.CircuitCooldown.Duration = time.Hour
	return cfg
}

func newTestGovernor(cfg config.RiskConfig, gw *fakeGateway, trades *fakeTrades) *Governor {
	return NewGovernor(cfg, gw, trades, &domain.RiskState{}, nil, slog.Default())
}

func signalAt(entry, stop float64) domain.Signal {
	return domain.Signal{
		Symbol:         "BTCUSDT",
		Side:           domain.SideLong,
		Confidence:     1,
		ReferencePrice: entry,
		StopPrice:      stop,
	}
}

func TestSizeRiskBoundWins(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 100000}, &fakeTrades{})

	// Entry 100, stop 99: riskQty = 10/1 = 0.1.
	// notionalQty = 100*1*1*5/100 = 5. The risk bound is tighter.
	qty, err := g.Size(context.Background(), signalAt(100, 99))
	require.NoError(t, err)
	assert.InDelta(t, 0.1, qty, 1e-9)
}

func TestSizeNotionalBoundWins(t *testing.T) {
	cfg := riskConfig()
	cfg.RiskUSDT = 1000
	g := newTestGovernor(cfg, &fakeGateway{equity: 100000}, &fakeTrades{})

	// riskQty = 1000/1 = 10; notionalQty = 5. The notional bound is tighter.
	qty, err := g.Size(context.Background(), signalAt(100, 99))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, qty, 1e-9)
}

func TestSizeEquityCap(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 10}, &fakeTrades{})

	// capQty = 10% * 10 * 5 / 100 = 0.05, tighter than riskQty 0.1.
	qty, err := g.Size(context.Background(), signalAt(100, 99))
	require.NoError(t, err)
	assert.InDelta(t, 0.05, qty, 1e-9)
}

func TestSizeConfidenceScalesNotional(t *testing.T) {
	cfg := riskConfig()
	cfg.RiskUSDT = 1000
	g := newTestGovernor(cfg, &fakeGateway{equity: 100000}, &fakeTrades{})

	sig := signalAt(100, 99)
	sig.Confidence = 2
	qty, err := g.Size(context.Background(), sig)
	require.NoError(t, err)
	assert.InDelta(t, 10.0, qty, 1e-9)
}

func TestSizeWinrateAdjustment(t *testing.T) {
	cfg := riskConfig()
	cfg.RiskUSDT = 1000

	// 70% winrate over the window scales the notional by 1.25.
	hot := make([]float64, 20)
	for i := range hot {
		if i < 14 {
			hot[i] = 1
		} else {
			hot[i] = -1
		}
	}
	g := newTestGovernor(cfg, &fakeGateway{equity: 100000}, &fakeTrades{pnls: hot})
	qty, err := g.Size(context.Background(), signalAt(100, 99))
	require.NoError(t, err)
	assert.InDelta(t, 6.25, qty, 1e-9)

	// 30% winrate scales it by 0.6.
	cold := make([]float64, 20)
	for i := range cold {
		if i < 6 {
			cold[i] = 1
		} else {
			cold[i] = -1
		}
	}
	g = newTestGovernor(cfg, &fakeGateway{equity: 100000}, &fakeTrades{pnls: cold})
	qty, err = g.Size(context.Background(), signalAt(100, 99))
	require.NoError(t, err)
	assert.InDelta(t, 3.0, qty, 1e-9)
}

func TestSizeRejectsZeroStopDistance(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 100000}, &fakeTrades{})
	_, err := g.Size(context.Background(), signalAt(100, 100))
	assert.Error(t, err)
}

func TestGateAllowsByDefault(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{})
	assert.NoError(t, g.Gate(context.Background()))
}

func TestGateBlocksOnEmergency(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{})
	g.Stop(context.Background())
	err := g.Gate(context.Background())
	assert.ErrorIs(t, err, domain.ErrEntryBlocked)

	g.Resume(context.Background())
	assert.NoError(t, g.Gate(context.Background()))
}

func TestGateBlocksOnDailyLossLimit(t *testing.T) {
	// 5% of 1000 = 50 USDT limit; today is -60.
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{todayPnl: -60})
	err := g.Gate(context.Background())
	assert.ErrorIs(t, err, domain.ErrEntryBlocked)
}

func TestGateBlocksOnOpenPositionCap(t *testing.T) {
	open := []domain.Position{{}, {}, {}}
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{open: open})
	err := g.Gate(context.Background())
	assert.ErrorIs(t, err, domain.ErrEntryBlocked)
}

func TestRecordCloseArmsCircuitBreaker(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		g.RecordClose(ctx, -1)
	}
	assert.NoError(t, g.Gate(ctx), "four losses stay under the K=5 threshold")

	g.RecordClose(ctx, -1)
	err := g.Gate(ctx)
	assert.ErrorIs(t, err, domain.ErrEntryBlocked)
}

func TestRecordCloseWinResetsStreak(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		g.RecordClose(ctx, -1)
	}
	g.RecordClose(ctx, 2)
	g.RecordClose(ctx, -1)
	assert.NoError(t, g.Gate(ctx))
}

func TestLossStreakGuardRaisesEmergency(t *testing.T) {
	cfg := riskConfig()
	cfg.LossStreakGuard = true
	cfg.MaxConsecutiveLosses = 100 // keep the breaker out of the way

	pnls := make([]float64, 12)
	for i := range pnls {
		pnls[i] = -1
	}
	g := newTestGovernor(cfg, &fakeGateway{equity: 1000}, &fakeTrades{pnls: pnls})

	g.RecordClose(context.Background(), -1)
	assert.True(t, g.State().Emergency())
}

func TestStatusMentionsState(t *testing.T) {
	g := newTestGovernor(riskConfig(), &fakeGateway{equity: 1000}, &fakeTrades{todayPnl: -12.5})
	status := g.Status(context.Background())
	assert.Contains(t, status, "open positions: 0")
	assert.Contains(t, status, "-12.50")
	assert.Contains(t, status, "emergency: false")
}
