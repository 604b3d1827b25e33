package strategy

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/indicator"
)

// momentumState is the per-symbol evaluation memory: the confirmation counter
// and the exhaustion-veto streak tracker.
type momentumState struct {
	confirmCount  int
	lastVetoSet   string
	vetoStreak    int
	cooldownUntil time.Time
}

// Momentum emits when price gradient and acceleration hold over consecutive
// evaluations. Exhaustion vetoes block only when enough independent reasons
// agree and the same reason set has recurred; a cooldown then suppresses
// re-blocking churn.
type Momentum struct {
	cfg    config.StrategyConfig
	logger *slog.Logger

	mu    sync.Mutex
	state map[string]*momentumState
}

// NewMomentum creates the momentum strategy.
func NewMomentum(cfg config.StrategyConfig, logger *slog.Logger) *Momentum {
	return &Momentum{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "strategy_momentum")),
		state:  make(map[string]*momentumState),
	}
}

func (m *Momentum) Name() string { return "momentum" }

// Evaluate checks gradient, acceleration, confirmation streak, and the veto
// ladder for one symbol.
func (m *Momentum) Evaluate(ctx context.Context, snap domain.MarketSnapshot) (*domain.Signal, error) {
	lookback := m.cfg.Momentum.LookbackBars
	if len(snap.Klines) < lookback+2 || snap.LastPrice <= 0 {
		return nil, nil
	}

	cls := closes(snap.Klines)
	n := len(cls)

	// g1 is the current gradient, g0 the same gradient one bar earlier;
	// acceleration is their difference.
	g1 := gradientPct(cls[n-1-lookback], cls[n-1])
	g0 := gradientPct(cls[n-2-lookback], cls[n-2])
	accel := g1 - g0

	st := m.symbolState(snap.Symbol)

	m.mu.Lock()
	defer m.mu.Unlock()

	if g1 < m.cfg.Momentum.MinGradientPct || accel <= 0 {
		st.confirmCount = 0
		return nil, nil
	}
	st.confirmCount++
	if st.confirmCount < m.cfg.Momentum.ConfirmBars {
		return nil, nil
	}

	// A previous block starts a cooldown during which the veto ladder is
	// skipped rather than re-armed; suppressing signals here would mute a
	// symbol whose gradient keeps qualifying.
	if !snap.Now.Before(st.cooldownUntil) && m.vetoed(st, snap) {
		return nil, nil
	}

	// Order-flow imbalance veto fails open without per-side data.
	if snap.SideVolume.Known {
		total := snap.SideVolume.Buy + snap.SideVolume.Sell
		if total > 0 && snap.SideVolume.Buy/total < m.cfg.Momentum.OrderFlowMinRatio {
			return nil, nil
		}
	}

	return &domain.Signal{
		Symbol:         snap.Symbol,
		Side:           domain.SideLong,
		Confidence:     clampConfidence(g1 / m.cfg.Momentum.MinGradientPct),
		ReferencePrice: snap.LastPrice,
		StopPrice:      stopFromPct(snap.LastPrice, domain.SideLong, m.cfg.StopLossPct),
		Strategy:       m.Name(),
		Reason:         fmt.Sprintf("gradient %.3f%% accel %.3f%% confirmed x%d", g1, accel, st.confirmCount),
		GeneratedAt:    snap.Now,
	}, nil
}

// vetoed runs the exhaustion checks and updates the streak tracker. Caller
// holds m.mu.
func (m *Momentum) vetoed(st *momentumState, snap domain.MarketSnapshot) bool {
	reasons := m.exhaustionReasons(snap)
	if len(reasons) < m.cfg.Momentum.VetoMinReasons {
		st.vetoStreak = 0
		st.lastVetoSet = ""
		return false
	}

	set := strings.Join(reasons, ",")
	if set == st.lastVetoSet {
		st.vetoStreak++
	} else {
		st.lastVetoSet = set
		st.vetoStreak = 1
	}

	if st.vetoStreak < m.cfg.Momentum.VetoConsecutive {
		return false
	}

	st.cooldownUntil = snap.Now.Add(m.cfg.Momentum.VetoCooldown.Duration)
	st.vetoStreak = 0
	st.lastVetoSet = ""
	m.logger.Info("exhaustion veto",
		slog.String("symbol", snap.Symbol),
		slog.String("reasons", set))
	return true
}

// exhaustionReasons returns the sorted set of independent exhaustion signals
// present in the snapshot.
func (m *Momentum) exhaustionReasons(snap domain.MarketSnapshot) []string {
	var reasons []string
	cls := closes(snap.Klines)

	if indicator.Last(indicator.RSI(cls, m.cfg.RSIPeriod)) >= m.cfg.Momentum.ExhaustionRSI {
		reasons = append(reasons, "rsi")
	}

	last := snap.Klines[len(snap.Klines)-1]
	avgVol, avgBody := rollingAverages(snap.Klines, 20)
	if avgVol > 0 && last.Volume < avgVol*m.cfg.Momentum.VolumeCollapseRatio {
		reasons = append(reasons, "volume_collapse")
	}
	if avgBody > 0 && last.Body() > avgBody*m.cfg.Momentum.CandleExpansionRatio {
		reasons = append(reasons, "candle_expansion")
	}

	sort.Strings(reasons)
	return reasons
}

func (m *Momentum) symbolState(symbol string) *momentumState {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.state[symbol]
	if !ok {
		st = &momentumState{}
		m.state[symbol] = st
	}
	return st
}

func gradientPct(from, to float64) float64 {
	if from <= 0 {
		return 0
	}
	return (to - from) / from * 100
}

// rollingAverages returns the mean volume and mean candle body over the bars
// preceding the last one.
func rollingAverages(klines []domain.Kline, lookback int) (avgVol, avgBody float64) {
	n := len(klines) - 1
	if n <= 0 {
		return 0, 0
	}
	start := n - lookback
	if start < 0 {
		start = 0
	}
	count := float64(n - start)
	if count == 0 {
		return 0, 0
	}
	for _, k := range klines[start:n] {
		avgVol += k.Volume
		avgBody += k.Body()
	}
	return avgVol / count, avgBody / count
}
