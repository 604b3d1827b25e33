package risk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/notify"
)

// Governor converts signals into bounded order sizes and gates new entries on
// the process-wide risk state. Exits and protective monitoring are never
// gated.
type Governor struct {
	cfg      config.RiskConfig
	gateway  domain.ExchangeGateway
	trades   domain.TradeStore
	state    *domain.RiskState
	notifier *notify.Notifier
	logger   *slog.Logger
}

// NewGovernor creates a Governor around the shared risk state.
func NewGovernor(
	cfg config.RiskConfig,
	gateway domain.ExchangeGateway,
	trades domain.TradeStore,
	state *domain.RiskState,
	notifier *notify.Notifier,
	logger *slog.Logger,
) *Governor {
	return &Governor{
		cfg:      cfg,
		gateway:  gateway,
		trades:   trades,
		state:    state,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "risk")),
	}
}

// State exposes the shared risk state for the operator command handlers.
func (g *Governor) State() *domain.RiskState {
	return g.state
}

// Size converts a signal into an order quantity:
//
//	qty = min(RiskUSDT/|entry-stop|, BaseNotional*conf*winAdj*Lev/entry)
//
// capped at MaxPositionPct% of equity times leverage. Confidence is clamped
// to [1,2]; the winrate adjustment scales the base notional by the recent
// closed-trade record.
func (g *Governor) Size(ctx context.Context, sig domain.Signal) (float64, error) {
	entry := sig.ReferencePrice
	if entry <= 0 {
		return 0, fmt.Errorf("risk: size %s: non-positive entry price", sig.Symbol)
	}
	stopDist := math.Abs(entry - sig.StopPrice)
	if stopDist <= 0 {
		return 0, fmt.Errorf("risk: size %s: zero stop distance", sig.Symbol)
	}

	conf := sig.Confidence
	if conf < 1 {
		conf = 1
	} else if conf > 2 {
		conf = 2
	}

	winAdj, err := g.winrateAdjustment(ctx)
	if err != nil {
		return 0, err
	}

	riskQty := g.cfg.RiskUSDT / stopDist
	notionalQty := g.cfg.BaseNotionalUSDT * conf * winAdj * float64(g.cfg.Leverage) / entry
	qty := math.Min(riskQty, notionalQty)

	equity, err := g.gateway.GetEquity(ctx)
	if err != nil {
		return 0, fmt.Errorf("risk: size %s: equity: %w", sig.Symbol, err)
	}
	capQty := g.cfg.MaxPositionPct / 100 * equity * float64(g.cfg.Leverage) / entry
	if qty > capQty {
		qty = capQty
	}

	if qty <= 0 {
		return 0, fmt.Errorf("risk: size %s: computed zero quantity", sig.Symbol)
	}
	return qty, nil
}

// winrateAdjustment scales the base notional by the recent record: x1.25
// above 60% winrate, x0.6 below 40%, x1 otherwise or with no history.
func (g *Governor) winrateAdjustment(ctx context.Context) (float64, error) {
	window := g.cfg.WinrateWindow
	if window <= 0 {
		window = 20
	}
	pnls, err := g.trades.GetLastClosedPnls(ctx, window)
	if err != nil {
		return 0, fmt.Errorf("risk: winrate window: %w", err)
	}
	if len(pnls) == 0 {
		return 1, nil
	}

	wins := 0
	for _, p := range pnls {
		if p > 0 {
			wins++
		}
	}
	winrate := float64(wins) / float64(len(pnls))
	switch {
	case winrate > 0.6:
		return 1.25, nil
	case winrate < 0.4:
		return 0.6, nil
	default:
		return 1, nil
	}
}

// Gate reports whether a new entry is currently permitted. A nil return
// allows the entry; otherwise the error wraps domain.ErrEntryBlocked with
// the blocking reason.
func (g *Governor) Gate(ctx context.Context) error {
	now := time.Now().UTC()

	if g.state.Emergency() {
		return fmt.Errorf("risk: emergency stop active: %w", domain.ErrEntryBlocked)
	}
	if g.state.CircuitBreakerActive(now) {
		return fmt.Errorf("risk: circuit breaker until %s: %w",
			g.state.CircuitBreakerUntil().Format(time.RFC3339), domain.ErrEntryBlocked)
	}

	equity, err := g.gateway.GetEquity(ctx)
	if err != nil {
		return fmt.Errorf("risk: gate equity: %w", err)
	}
	todayPnl, err := g.trades.GetTodayPnl(ctx)
	if err != nil {
		return fmt.Errorf("risk: gate today pnl: %w", err)
	}
	if limit := equity * g.cfg.DailyLossLimitPct / 100; todayPnl <= -limit {
		return fmt.Errorf("risk: daily loss limit reached (%.2f <= -%.2f): %w",
			todayPnl, limit, domain.ErrEntryBlocked)
	}

	open, err := g.trades.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("risk: gate open trades: %w", err)
	}
	if g.cfg.MaxOpenPositions > 0 && len(open) >= g.cfg.MaxOpenPositions {
		return fmt.Errorf("risk: open position cap %d reached: %w",
			g.cfg.MaxOpenPositions, domain.ErrEntryBlocked)
	}

	return nil
}

// RecordClose feeds one closed-trade PnL into the state, arms the circuit
// breaker on a losing streak, and runs the loss-streak detector. Each
// transition alerts once per edge.
func (g *Governor) RecordClose(ctx context.Context, pnl float64) {
	g.state.RecordClose(pnl)

	if losses := g.state.ConsecutiveLosses(); losses >= g.cfg.MaxConsecutiveLosses {
		now := time.Now().UTC()
		if g.state.TripCircuitBreaker(now, g.cfg.CircuitCooldown.Duration) {
			g.logger.Warn("circuit breaker armed",
				slog.Int("consecutive_losses", losses),
				slog.Duration("cooldown", g.cfg.CircuitCooldown.Duration))
			g.notify(ctx, "circuit_breaker", "Circuit breaker armed",
				fmt.Sprintf("%d consecutive losses; new entries suspended for %s",
					losses, g.cfg.CircuitCooldown.Duration))
		}
	}

	if g.cfg.LossStreakGuard {
		g.checkLossStreak(ctx)
	}
}

// checkLossStreak inspects the last 50 closed trades; a losing rate above 50%
// with at least 10 trades, or 10 straight losses, raises the sticky
// emergency flag.
func (g *Governor) checkLossStreak(ctx context.Context) {
	pnls, err := g.trades.GetLastClosedPnls(ctx, 50)
	if err != nil {
		g.logger.Warn("loss streak check failed", slog.String("error", err.Error()))
		return
	}
	if len(pnls) < 10 {
		return
	}

	losses := 0
	for _, p := range pnls {
		if p < 0 {
			losses++
		}
	}
	straight := true
	for _, p := range pnls[:10] {
		if p >= 0 {
			straight = false
			break
		}
	}

	losingRate := float64(losses) / float64(len(pnls))
	if losingRate <= 0.5 && !straight {
		return
	}

	if g.state.SetEmergency(true) {
		g.logger.Error("loss streak detected, emergency stop raised",
			slog.Float64("losing_rate", losingRate),
			slog.Int("trades", len(pnls)))
		g.notify(ctx, "emergency", "Emergency stop raised",
			fmt.Sprintf("losing rate %.0f%% over last %d trades; send /resume to re-enable entries",
				losingRate*100, len(pnls)))
	}
}

// --------------------------------------------------------------------------
// Operator commands
// --------------------------------------------------------------------------

// Stop sets the sticky emergency flag. Alerted once per edge.
func (g *Governor) Stop(ctx context.Context) {
	if g.state.SetEmergency(true) {
		g.logger.Warn("emergency stop set by operator")
		g.notify(ctx, "emergency", "Emergency stop", "new entries halted until /resume")
	}
}

// Resume clears the sticky emergency flag.
func (g *Governor) Resume(ctx context.Context) {
	if g.state.SetEmergency(false) {
		g.logger.Info("emergency stop cleared by operator")
		g.notify(ctx, "emergency", "Resumed", "new entries re-enabled")
	}
}

// Status summarizes the current gating state for the operator.
func (g *Governor) Status(ctx context.Context) string {
	open, err := g.trades.ListOpen(ctx)
	openCount := len(open)
	if err != nil {
		openCount = -1
	}
	todayPnl, err := g.trades.GetTodayPnl(ctx)
	if err != nil {
		todayPnl = math.NaN()
	}

	now := time.Now().UTC()
	return fmt.Sprintf("open positions: %d\ntoday pnl: %.2f USDT\nemergency: %t\ncircuit breaker: %t\nconsecutive losses: %d",
		openCount, todayPnl, g.state.Emergency(), g.state.CircuitBreakerActive(now), g.state.ConsecutiveLosses())
}

func (g *Governor) notify(ctx context.Context, event, title, message string) {
	if g.notifier == nil {
		return
	}
	if err := g.notifier.Notify(ctx, event, title, message); err != nil {
		g.logger.Warn("notify failed", slog.String("error", err.Error()))
	}
}
