package strategy

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
)

// Strategy turns one market snapshot into zero or one trade signal. Exactly
// one variant is selected at startup; the scanner never re-branches per call.
type Strategy interface {
	Name() string
	Evaluate(ctx context.Context, snap domain.MarketSnapshot) (*domain.Signal, error)
}

// New selects the configured strategy variant.
func New(cfg config.StrategyConfig, logger *slog.Logger) (Strategy, error) {
	switch cfg.Name {
	case "threshold":
		return NewThreshold(cfg, logger), nil
	case "momentum":
		return NewMomentum(cfg, logger), nil
	case "scalp":
		return NewScalp(cfg, logger), nil
	default:
		return nil, fmt.Errorf("strategy: unknown variant %q", cfg.Name)
	}
}

// --------------------------------------------------------------------------
// Shared helpers
// --------------------------------------------------------------------------

func closes(klines []domain.Kline) []float64 {
	out := make([]float64, len(klines))
	for i, k := range klines {
		out[i] = k.Close
	}
	return out
}

// stopFromPct derives a protective stop from a fixed percentage below (long)
// or above (short) the reference price.
func stopFromPct(price float64, side domain.Side, pct float64) float64 {
	if side == domain.SideLong {
		return price * (1 - pct/100)
	}
	return price * (1 + pct/100)
}

// clampConfidence keeps the sizing multiplier within its working range.
func clampConfidence(c float64) float64 {
	if c < 1 {
		return 1
	}
	if c > 2 {
		return 2
	}
	return c
}

// lastTurnover is the quote volume of the most recent bar, used for the
// absolute liquidity floor.
func lastTurnover(klines []domain.Kline) float64 {
	if len(klines) == 0 {
		return 0
	}
	return klines[len(klines)-1].Turnover
}
