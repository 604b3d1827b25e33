package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/indicator"
)

// Scalp emits on full intraday alignment: stacked rising EMAs, MACD and RSI
// confirmation, price above VWAP, significant volume, a higher-timeframe
// trend filter, an ADX regime filter, and spread/liquidity/session gates.
// TestMode relaxes strict comparisons to non-strict for diagnostic dry-runs.
type Scalp struct {
	cfg    config.StrategyConfig
	logger *slog.Logger
}

// NewScalp creates the scalp strategy.
func NewScalp(cfg config.StrategyConfig, logger *slog.Logger) *Scalp {
	return &Scalp{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "strategy_scalp")),
	}
}

func (s *Scalp) Name() string { return "scalp" }

// gt is a strict greater-than that TestMode relaxes to greater-or-equal.
func (s *Scalp) gt(a, b float64) bool {
	if s.cfg.Scalp.TestMode {
		return a >= b
	}
	return a > b
}

// Evaluate runs the scalp ladder for one symbol. Any failed rung returns nil.
func (s *Scalp) Evaluate(ctx context.Context, snap domain.MarketSnapshot) (*domain.Signal, error) {
	c := s.cfg.Scalp
	if len(snap.Klines) < c.WarmupBars || snap.LastPrice <= 0 {
		return nil, nil
	}
	if !s.inSession(snap) {
		return nil, nil
	}

	cls := closes(snap.Klines)
	price := snap.LastPrice

	emaFast := indicator.EMA(cls, c.EMAFast)
	emaMid := indicator.EMA(cls, c.EMAMid)
	emaSlow := indicator.EMA(cls, c.EMASlow)
	f, m, sl := indicator.Last(emaFast), indicator.Last(emaMid), indicator.Last(emaSlow)

	if !(s.gt(f, m) && s.gt(m, sl) && s.gt(price, f)) {
		return nil, nil
	}
	if !indicator.Rising(emaFast, 2) || !indicator.Rising(emaMid, 2) {
		return nil, nil
	}

	macd, signal := indicator.MACD(cls, 12, 26, 9)
	if !(s.gt(indicator.Last(macd), indicator.Last(signal)) && s.gt(indicator.Last(macd), 0)) {
		return nil, nil
	}

	if !s.gt(indicator.Last(indicator.RSI(cls, s.cfg.RSIPeriod)), c.RSIFloor) {
		return nil, nil
	}

	if !s.gt(price, indicator.VWAP(snap.Klines)) {
		return nil, nil
	}

	last := snap.Klines[len(snap.Klines)-1]
	if last.Volume <= 0 {
		return nil, nil
	}
	if indicator.RVOL(snap.Klines, 20) < c.VolRVOL || indicator.VolumeZScore(snap.Klines, 20) < c.VolZScore {
		return nil, nil
	}

	// Higher-timeframe trend filter.
	if len(snap.KlinesHTF) < c.HTFEMAPeriod {
		return nil, nil
	}
	htfEMA := indicator.Last(indicator.EMA(closes(snap.KlinesHTF), c.HTFEMAPeriod))
	if !s.gt(price, htfEMA) {
		return nil, nil
	}

	adx := indicator.Last(indicator.ADX(snap.Klines, c.ADXPeriod))
	if adx < c.ADXMin {
		return nil, nil
	}

	if spreadPct := snap.Book.Spread() * 100; spreadPct > c.MaxSpreadPct {
		return nil, nil
	}
	if lastTurnover(snap.Klines) < s.cfg.LiquidityFloorUSDT {
		return nil, nil
	}

	atr := indicator.Last(indicator.ATR(snap.Klines, c.ATRPeriod))
	if atr <= 0 {
		return nil, nil
	}
	stop := price - atr*c.ATRStopMult
	if stop <= 0 || stop >= price {
		return nil, nil
	}

	return &domain.Signal{
		Symbol:         snap.Symbol,
		Side:           domain.SideLong,
		Confidence:     clampConfidence(adx / c.ADXMin),
		ReferencePrice: price,
		StopPrice:      stop,
		Strategy:       s.Name(),
		Reason:         fmt.Sprintf("scalp alignment adx %.1f atr %.4f", adx, atr),
		GeneratedAt:    snap.Now,
	}, nil
}

// inSession reports whether the snapshot time falls in the configured UTC
// trading window. Start==End means always on; a window wrapping midnight is
// supported.
func (s *Scalp) inSession(snap domain.MarketSnapshot) bool {
	start, end := s.cfg.Scalp.SessionStartH, s.cfg.Scalp.SessionEndH
	if start == end {
		return true
	}
	h := snap.Now.UTC().Hour()
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}
