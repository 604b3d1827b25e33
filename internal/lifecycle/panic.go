package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// CheckPanic runs one pass of the fast adverse-move exit. A move against the
// entry beyond DropPct closes immediately; the looser DrawdownExitPct acts as
// a backstop. Both bypass the protective-stop sub-machine entirely.
func (m *Manager) CheckPanic(ctx context.Context) error {
	if !m.cfg.Panic.Enabled {
		return nil
	}

	open, err := m.trades.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: panic check: %w", err)
	}

	now := time.Now().UTC()
	for _, pos := range open {
		if pos.Status != domain.StatusOpen || pos.EntryPrice <= 0 {
			continue
		}
		price, ts, err := m.prices.GetPrice(ctx, pos.Symbol)
		if err != nil || now.Sub(ts) > time.Minute {
			continue
		}

		adversePct := (pos.EntryPrice - price) / pos.EntryPrice * 100 * pos.Side.Direction()
		var reason string
		switch {
		case adversePct >= m.cfg.Panic.DropPct:
			reason = "panic exit"
		case m.cfg.Panic.DrawdownExitPct > 0 && adversePct >= m.cfg.Panic.DrawdownExitPct:
			reason = "drawdown exit"
		default:
			continue
		}

		m.logger.Error("adverse move exit",
			slog.String("symbol", pos.Symbol),
			slog.Float64("adverse_pct", adversePct),
			slog.String("reason", reason))
		m.notify(ctx, "panic", "Adverse move exit",
			fmt.Sprintf("%s moved %.2f%% against entry, closing at market (%s)",
				pos.Symbol, adversePct, reason))

		if err := m.CloseAtMarket(ctx, pos, reason); err != nil {
			m.logger.Error("panic close failed",
				slog.String("symbol", pos.Symbol),
				slog.String("error", err.Error()))
		}
	}
	return nil
}
