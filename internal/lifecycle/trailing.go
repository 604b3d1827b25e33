package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/registry"
)

// CheckTrailing runs one breakeven/trailing pass over every open position.
// The stop moves to entry exactly once at BreakevenRR multiples of initial
// risk; after that each candidate (tighter of percent-based and ATR-based)
// applies only when strictly better than the current stop. The ratchet is
// monotonic: a long's stop never decreases, a short's never increases.
func (m *Manager) CheckTrailing(ctx context.Context) error {
	if !m.cfg.Trailing.Enabled {
		return nil
	}

	open, err := m.trades.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: trailing: %w", err)
	}

	now := time.Now().UTC()
	for _, pos := range open {
		if pos.Status != domain.StatusOpen {
			continue
		}
		price, ts, err := m.prices.GetPrice(ctx, pos.Symbol)
		if err != nil || now.Sub(ts) > time.Minute {
			continue
		}
		if err := m.adjustStop(ctx, pos, price); err != nil {
			m.logger.Warn("trailing adjust failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Manager) adjustStop(ctx context.Context, pos domain.Position, price float64) error {
	dir := pos.Side.Direction()

	m.mu.Lock()
	initialStop, ok := m.initialStops[pos.OrderID]
	beDone := m.breakevenDone[pos.OrderID]
	m.mu.Unlock()
	if !ok {
		initialStop = pos.StopLossPrice
	}

	r := riskDistance(pos.EntryPrice, initialStop)
	if r <= 0 {
		return nil
	}
	profit := (price - pos.EntryPrice) * dir

	// Breakeven first, exactly once.
	if !beDone && profit >= m.cfg.Trailing.BreakevenRR*r {
		if better(pos.EntryPrice, pos.StopLossPrice, pos.Side) {
			if err := m.applyStop(ctx, pos, pos.EntryPrice, "breakeven"); err != nil {
				return err
			}
			pos.StopLossPrice = pos.EntryPrice
		}
		m.mu.Lock()
		m.breakevenDone[pos.OrderID] = true
		m.mu.Unlock()
	}

	m.mu.Lock()
	beDone = m.breakevenDone[pos.OrderID]
	m.mu.Unlock()
	if !beDone {
		return nil // trailing only starts after breakeven
	}

	candidate := m.trailingCandidate(pos, price)
	if candidate <= 0 {
		return nil
	}
	// Strictly better only, and always on the losing side of price.
	if !better(candidate, pos.StopLossPrice, pos.Side) {
		return nil
	}
	if (pos.Side == domain.SideLong && candidate >= price) ||
		(pos.Side == domain.SideShort && candidate <= price) {
		return nil
	}

	return m.applyStop(ctx, pos, candidate, "trailing")
}

// trailingCandidate returns the tighter of the percent-based and ATR-based
// stops: the one closer to the current price.
func (m *Manager) trailingCandidate(pos domain.Position, price float64) float64 {
	dir := pos.Side.Direction()
	pctStop := price * (1 - dir*m.cfg.Trailing.TrailPct/100)

	var atrStop float64
	if m.atrFn != nil && m.cfg.Trailing.ATRMult > 0 {
		if atr := m.atrFn(pos.Symbol); atr > 0 {
			atrStop = price - dir*atr*m.cfg.Trailing.ATRMult
		}
	}
	if atrStop <= 0 {
		return pctStop
	}
	if better(atrStop, pctStop, pos.Side) {
		return atrStop
	}
	return pctStop
}

// better reports whether a is a strictly tighter stop than b for the side.
func better(a, b float64, side domain.Side) bool {
	if side == domain.SideLong {
		return a > b
	}
	return a < b
}

// applyStop persists the new stop and propagates it to the watch and, when
// the stop lives exchange-side, to the position's trading stop.
func (m *Manager) applyStop(ctx context.Context, pos domain.Position, stop float64, reason string) error {
	filters, err := m.registry.Filters(ctx, pos.Symbol)
	if err == nil {
		stop = registry.RoundToTick(stop, filters)
	}
	if !better(stop, pos.StopLossPrice, pos.Side) {
		return nil
	}

	if err := m.trades.UpdateStop(ctx, pos.OrderID, stop); err != nil {
		return fmt.Errorf("lifecycle: update stop %s: %w", pos.OrderID, err)
	}

	m.mu.Lock()
	if w, ok := m.watches[pos.OrderID]; ok {
		w.TriggerPrice = stop
	}
	m.mu.Unlock()

	if m.cfg.ExchangeStopEnabled || pos.Bracket {
		if err := m.gateway.PlaceBracket(ctx, pos.Symbol, domain.BracketParams{StopLoss: stop}); err != nil {
			m.logger.Warn("exchange stop move failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()))
		}
	}

	m.logger.Info("stop adjusted",
		slog.String("symbol", pos.Symbol),
		slog.Float64("stop", stop),
		slog.String("reason", reason))
	m.notify(ctx, "trailing", "Stop adjusted",
		fmt.Sprintf("%s stop -> %.6g (%s)", pos.Symbol, stop, reason))
	return nil
}
