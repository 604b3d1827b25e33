package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/notify"
	"github.com/dkrylov/bybitbot/internal/registry"
	"github.com/dkrylov/bybitbot/internal/risk"
)

// fillPollInterval paces the wait-for-fill loop after order placement.
const fillPollInterval = time.Second

// ATRFunc supplies the current ATR for a symbol, used by trailing-stop
// candidates. A zero return disables the ATR leg for that cycle.
type ATRFunc func(symbol string) float64

// Manager owns the per-instrument position state machine: entry, exit
// placement, the software stop sub-machine, breakeven/trailing, panic exit,
// reconciliation, and unified close accounting. At most one open position
// exists per instrument; all shared maps are mutex-guarded and the lock is
// never held across a gateway call.
type Manager struct {
	cfg      config.ExecutionConfig
	feeRate  float64
	gateway  domain.ExchangeGateway
	trades   domain.TradeStore
	prices   domain.PriceCache
	registry *registry.Registry
	governor *risk.Governor
	notifier *notify.Notifier
	atrFn    ATRFunc
	logger   *slog.Logger

	mu sync.Mutex
	// watches holds the software stop state per entry order ID.
	watches map[string]*domain.ProtectiveWatch
	// initialStops preserves the entry-time stop so R stays fixed while the
	// live stop ratchets.
	initialStops map[string]float64
	// breakevenDone marks positions whose stop already moved to entry.
	breakevenDone map[string]bool
	// partialPnl accumulates realized PnL from partial TP fills until the
	// final close.
	partialPnl map[string]float64
}

// NewManager creates a lifecycle Manager.
func NewManager(
	cfg config.ExecutionConfig,
	feeRate float64,
	gateway domain.ExchangeGateway,
	trades domain.TradeStore,
	prices domain.PriceCache,
	reg *registry.Registry,
	governor *risk.Governor,
	notifier *notify.Notifier,
	atrFn ATRFunc,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		cfg:           cfg,
		feeRate:       feeRate,
		gateway:       gateway,
		trades:        trades,
		prices:        prices,
		registry:      reg,
		governor:      governor,
		notifier:      notifier,
		atrFn:         atrFn,
		logger:        logger.With(slog.String("component", "lifecycle")),
		watches:       make(map[string]*domain.ProtectiveWatch),
		initialStops:  make(map[string]float64),
		breakevenDone: make(map[string]bool),
		partialPnl:    make(map[string]float64),
	}
}

// Restore re-registers protective state for trades that were open before a
// restart. Called once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	open, err := m.trades.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: restore: %w", err)
	}
	for _, pos := range open {
		if pos.Status != domain.StatusOpen {
			continue
		}
		m.registerProtection(pos)
	}
	if len(open) > 0 {
		m.logger.Info("restored open positions", slog.Int("count", len(open)))
	}
	return nil
}

// --------------------------------------------------------------------------
// Entry
// --------------------------------------------------------------------------

// OpenPosition places the entry order for a sized signal, waits for the fill,
// persists the position with the actual filled quantity and price, and
// arranges the exits. Returns the recorded position.
func (m *Manager) OpenPosition(ctx context.Context, sig domain.Signal, qty float64) (domain.Position, error) {
	if m.hasOpenPosition(ctx, sig.Symbol) {
		return domain.Position{}, fmt.Errorf("lifecycle: open %s: %w", sig.Symbol, domain.ErrPositionOpen)
	}

	filters, err := m.registry.Filters(ctx, sig.Symbol)
	if err != nil {
		return domain.Position{}, err
	}
	qty = registry.SnapToStep(qty, filters)
	qty = registry.EnsureMinNotional(qty, sig.ReferencePrice, filters)
	if qty <= 0 {
		return domain.Position{}, fmt.Errorf("lifecycle: open %s: %w", sig.Symbol, domain.ErrMinNotional)
	}

	ack, fillQty, fillPrice, err := m.placeEntry(ctx, sig, qty, filters)
	if err != nil {
		return domain.Position{}, err
	}

	pos := domain.Position{
		OrderID:       ack.OrderID,
		Symbol:        sig.Symbol,
		Side:          sig.Side,
		Quantity:      fillQty,
		EntryPrice:    fillPrice,
		StopLossPrice: sig.StopPrice,
		Status:        domain.StatusOpen,
		FeesEntry:     legFee(fillPrice, fillQty, m.feeRate),
		Strategy:      sig.Strategy,
		CreatedAt:     time.Now().UTC(),
	}

	if err := m.trades.Insert(ctx, pos); err != nil {
		return domain.Position{}, err
	}

	if err := m.placeExits(ctx, &pos, filters); err != nil {
		// The position is live; exits failed. Protective monitoring still
		// covers it, so log and alert rather than unwind.
		m.logger.Error("exit placement failed",
			slog.String("symbol", pos.Symbol),
			slog.String("order_id", pos.OrderID),
			slog.String("error", err.Error()))
		m.notify(ctx, "order", "Exit placement failed",
			fmt.Sprintf("%s %s: %v", pos.Symbol, pos.OrderID, err))
	}

	m.registerProtection(pos)

	m.logger.Info("position opened",
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("qty", pos.Quantity),
		slog.Float64("entry", pos.EntryPrice),
		slog.Float64("stop", pos.StopLossPrice),
		slog.String("strategy", pos.Strategy))
	m.notify(ctx, "entry", "Position opened",
		fmt.Sprintf("%s %s qty %.6g @ %.6g stop %.6g (%s)",
			pos.Symbol, pos.Side, pos.Quantity, pos.EntryPrice, pos.StopLossPrice, pos.Strategy))

	return pos, nil
}

// placeEntry submits the entry per configuration: market, or an aggressive
// limit priced through the top of book with a bounded wait and market
// fallback. Returns the entry ack plus the confirmed fill quantity and price.
func (m *Manager) placeEntry(ctx context.Context, sig domain.Signal, qty float64, filters domain.InstrumentFilters) (domain.OrderAck, float64, float64, error) {
	if m.cfg.EntryMode == "limit" {
		book, err := m.gateway.GetBestBidAsk(ctx, sig.Symbol)
		if err == nil && book.Ask > 0 && book.Bid > 0 {
			var price float64
			if sig.Side == domain.SideLong {
				price = book.Ask * (1 + m.cfg.LimitOffsetPct/100)
			} else {
				price = book.Bid * (1 - m.cfg.LimitOffsetPct/100)
			}
			price = registry.RoundToTick(price, filters)

			ack, err := m.gateway.PlaceLimit(ctx, sig.Symbol, sig.Side, qty, price)
			if err != nil {
				return domain.OrderAck{}, 0, 0, fmt.Errorf("lifecycle: limit entry %s: %w", sig.Symbol, err)
			}

			fillQty, fillPrice, filled := m.waitForFill(ctx, sig.Symbol, ack.OrderID, m.cfg.LimitWait.Duration)
			if filled {
				return ack, fillQty, fillPrice, nil
			}

			// Bounded wait expired: cancel and fall through to market.
			if err := m.gateway.CancelOrder(ctx, sig.Symbol, ack.OrderID); err != nil && !errors.Is(err, domain.ErrNotFound) {
				m.logger.Warn("cancel unfilled limit entry failed",
					slog.String("symbol", sig.Symbol),
					slog.String("error", err.Error()))
			}
			m.logger.Info("limit entry timed out, falling back to market",
				slog.String("symbol", sig.Symbol))
		}
	}

	ack, err := m.gateway.PlaceMarket(ctx, sig.Symbol, sig.Side, qty, false)
	if err != nil {
		return domain.OrderAck{}, 0, 0, fmt.Errorf("lifecycle: market entry %s: %w", sig.Symbol, err)
	}

	fillQty, fillPrice, filled := m.waitForFill(ctx, sig.Symbol, ack.OrderID, m.cfg.LimitWait.Duration)
	if !filled {
		// A market order that never confirms is treated as filled at the
		// reference price; reconciliation corrects it next cycle.
		fillQty, fillPrice = qty, sig.ReferencePrice
	}
	return ack, fillQty, fillPrice, nil
}

// waitForFill polls order history and the exchange position until the order
// confirms or the wait expires.
func (m *Manager) waitForFill(ctx context.Context, symbol, orderID string, wait time.Duration) (qty, avgPrice float64, filled bool) {
	deadline := time.Now().Add(wait)
	for {
		rows, err := m.gateway.GetOrderHistory(ctx, symbol, 20)
		if err == nil {
			for _, row := range rows {
				if row.OrderID != orderID {
					continue
				}
				if row.Status == domain.OrderStatusFilled && row.FilledQty > 0 {
					return row.FilledQty, row.AvgPrice, true
				}
			}
		}

		if time.Now().After(deadline) {
			return 0, 0, false
		}
		select {
		case <-ctx.Done():
			return 0, 0, false
		case <-time.After(fillPollInterval):
		}
	}
}

// --------------------------------------------------------------------------
// Exits
// --------------------------------------------------------------------------

// placeExits arranges the configured exit structure for a freshly filled
// position: a bracket on the position itself, or split-target reduce-only
// limits with an optional exchange-side stop.
func (m *Manager) placeExits(ctx context.Context, pos *domain.Position, filters domain.InstrumentFilters) error {
	r := riskDistance(pos.EntryPrice, pos.StopLossPrice)
	if r <= 0 {
		return fmt.Errorf("lifecycle: exits %s: zero risk distance", pos.Symbol)
	}
	dir := pos.Side.Direction()

	if m.cfg.UseBracket {
		tp := registry.RoundToTick(pos.EntryPrice+dir*m.cfg.TP2RR*r, filters)
		sl := registry.RoundToTick(pos.StopLossPrice, filters)
		if err := m.gateway.PlaceBracket(ctx, pos.Symbol, domain.BracketParams{TakeProfit: tp, StopLoss: sl}); err != nil {
			return fmt.Errorf("lifecycle: bracket %s: %w", pos.Symbol, err)
		}
		pos.Bracket = true
		pos.TakeProfits = []float64{tp}
		return m.trades.LinkExitOrders(ctx, pos.OrderID, "", nil)
	}

	// Split-target mode: exchange-side stop first when enabled, then the
	// two reduce-only take profits.
	if m.cfg.ExchangeStopEnabled {
		sl := registry.RoundToTick(pos.StopLossPrice, filters)
		if err := m.gateway.PlaceBracket(ctx, pos.Symbol, domain.BracketParams{StopLoss: sl}); err != nil {
			return fmt.Errorf("lifecycle: exchange stop %s: %w", pos.Symbol, err)
		}
	}

	tp1 := registry.RoundToTick(pos.EntryPrice+dir*m.cfg.TP1RR*r, filters)
	tp2 := registry.RoundToTick(pos.EntryPrice+dir*m.cfg.TP2RR*r, filters)
	qty1, qty2 := SplitQuantities(pos.Quantity, m.cfg.TP1Part, filters)

	exitSide := pos.Side.Opposite()
	var tpIDs []string
	if qty1 > 0 {
		ack, err := m.gateway.PlaceReduceOnlyLimit(ctx, pos.Symbol, exitSide, qty1, tp1)
		if err != nil {
			return fmt.Errorf("lifecycle: tp1 %s: %w", pos.Symbol, err)
		}
		tpIDs = append(tpIDs, ack.OrderID)
	}
	if qty2 > 0 {
		ack, err := m.gateway.PlaceReduceOnlyLimit(ctx, pos.Symbol, exitSide, qty2, tp2)
		if err != nil {
			return fmt.Errorf("lifecycle: tp2 %s: %w", pos.Symbol, err)
		}
		tpIDs = append(tpIDs, ack.OrderID)
	}

	pos.TakeProfits = []float64{tp1, tp2}
	pos.TPOrderIDs = tpIDs
	return m.trades.LinkExitOrders(ctx, pos.OrderID, pos.StopOrderID, tpIDs)
}

// SplitQuantities divides a position across TP1/TP2 by the configured part,
// flooring each leg to the lot step. A leg that would fall below one step is
// merged into the other rather than placed as dust.
func SplitQuantities(total, tp1Part float64, filters domain.InstrumentFilters) (qty1, qty2 float64) {
	if tp1Part < 0 {
		tp1Part = 0
	}
	if tp1Part > 1 {
		tp1Part = 1
	}

	qty1 = registry.SnapDownToStep(total*tp1Part, filters)
	qty2 = registry.SnapDownToStep(total-qty1, filters)

	if qty1 < filters.QtyStep {
		return 0, registry.SnapDownToStep(total, filters)
	}
	if qty2 < filters.QtyStep {
		return registry.SnapDownToStep(total, filters), 0
	}
	return qty1, qty2
}

// --------------------------------------------------------------------------
// Closing
// --------------------------------------------------------------------------

// CloseAtMarket unwinds a position immediately: cancels resting exits when
// permitted, places a reduce-only market order, and books the close.
func (m *Manager) CloseAtMarket(ctx context.Context, pos domain.Position, reason string) error {
	if m.cfg.CancelOrdersEnabled {
		m.cancelRestingExits(ctx, pos)
	}

	// The reduce-only close is the one order that must go through; transient
	// gateway failures are retried, rejections and fatal errors are not.
	var ack domain.OrderAck
	err := domain.Retry(ctx, 3, 500*time.Millisecond, func() error {
		var perr error
		ack, perr = m.gateway.PlaceMarket(ctx, pos.Symbol, pos.Side.Opposite(), pos.Quantity, true)
		return perr
	})
	if err != nil {
		return fmt.Errorf("lifecycle: market close %s: %w", pos.Symbol, err)
	}

	closePrice := pos.EntryPrice
	if fq, fp, ok := m.waitForFill(ctx, pos.Symbol, ack.OrderID, 10*time.Second); ok && fq > 0 {
		closePrice = fp
	} else if p, err := m.gateway.GetMarkPrice(ctx, pos.Symbol); err == nil {
		closePrice = p
	}

	return m.BookClose(ctx, pos, closePrice, reason)
}

// BookClose runs the unified close accounting exactly once per order ID:
// pnl = (close-entry)*qty*dir - (feeIn+feeOut), plus any realized partial
// legs. Removes protective state and feeds the risk governor. Safe to call
// repeatedly; only the first call takes effect.
func (m *Manager) BookClose(ctx context.Context, pos domain.Position, closePrice float64, reason string) error {
	feeExit := legFee(closePrice, pos.Quantity, m.feeRate)
	pnl := ClosePnl(pos.EntryPrice, closePrice, pos.Quantity, pos.Side, pos.FeesEntry, feeExit)

	m.mu.Lock()
	pnl += m.partialPnl[pos.OrderID]
	m.mu.Unlock()

	closed, err := m.trades.Close(ctx, pos.OrderID, closePrice, feeExit, pnl, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("lifecycle: close %s: %w", pos.OrderID, err)
	}
	if !closed {
		return nil // already closed; idempotent no-op
	}

	m.dropProtection(pos.OrderID)
	m.governor.RecordClose(ctx, pnl)

	m.logger.Info("position closed",
		slog.String("symbol", pos.Symbol),
		slog.String("order_id", pos.OrderID),
		slog.Float64("close", closePrice),
		slog.Float64("pnl", pnl),
		slog.String("reason", reason))
	m.notify(ctx, "exit", "Position closed",
		fmt.Sprintf("%s %s @ %.6g pnl %.2f USDT (%s)", pos.Symbol, pos.Side, closePrice, pnl, reason))
	return nil
}

// BookPartialClose realizes one TP leg: the leg's PnL accumulates toward the
// final close and the remaining quantity shrinks, keeping the position open.
func (m *Manager) BookPartialClose(ctx context.Context, pos domain.Position, fillPrice, fillQty float64) error {
	legPnl := ClosePnl(pos.EntryPrice, fillPrice, fillQty, pos.Side, 0, legFee(fillPrice, fillQty, m.feeRate))

	remaining := pos.Quantity - fillQty
	if remaining < 0 {
		remaining = 0
	}
	if err := m.trades.ReduceQuantity(ctx, pos.OrderID, remaining); err != nil {
		return fmt.Errorf("lifecycle: partial close %s: %w", pos.OrderID, err)
	}

	m.mu.Lock()
	m.partialPnl[pos.OrderID] += legPnl
	if w, ok := m.watches[pos.OrderID]; ok {
		w.Quantity = remaining
	}
	m.mu.Unlock()

	m.logger.Info("partial take profit",
		slog.String("symbol", pos.Symbol),
		slog.Float64("fill", fillPrice),
		slog.Float64("qty", fillQty),
		slog.Float64("leg_pnl", legPnl),
		slog.Float64("remaining", remaining))
	m.notify(ctx, "exit", "Partial take profit",
		fmt.Sprintf("%s filled %.6g @ %.6g, %.6g remaining", pos.Symbol, fillQty, fillPrice, remaining))
	return nil
}

// ClosePnl computes one leg's realized PnL net of both fees.
func ClosePnl(entry, exit, qty float64, side domain.Side, feeIn, feeOut float64) float64 {
	return (exit-entry)*qty*side.Direction() - (feeIn + feeOut)
}

func legFee(price, qty, feeRate float64) float64 {
	return price * qty * feeRate
}

func riskDistance(entry, stop float64) float64 {
	d := entry - stop
	if d < 0 {
		d = -d
	}
	return d
}

func (m *Manager) cancelRestingExits(ctx context.Context, pos domain.Position) {
	ids := make([]string, 0, len(pos.TPOrderIDs)+1)
	ids = append(ids, pos.TPOrderIDs...)
	if pos.StopOrderID != "" {
		ids = append(ids, pos.StopOrderID)
	}
	for _, id := range ids {
		if err := m.gateway.CancelOrder(ctx, pos.Symbol, id); err != nil && !errors.Is(err, domain.ErrNotFound) {
			m.logger.Warn("cancel resting exit failed",
				slog.String("symbol", pos.Symbol),
				slog.String("order_id", id),
				slog.String("error", err.Error()))
		}
	}
}

// --------------------------------------------------------------------------
// Shared state helpers
// --------------------------------------------------------------------------

// registerProtection creates the software stop watch and the trailing
// baseline for a filled position.
func (m *Manager) registerProtection(pos domain.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.initialStops[pos.OrderID] = pos.StopLossPrice

	if !m.cfg.SoftwareStop.Enabled {
		return
	}
	m.watches[pos.OrderID] = &domain.ProtectiveWatch{
		OrderID:       pos.OrderID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		Quantity:      pos.Quantity,
		TriggerPrice:  pos.StopLossPrice,
		HysteresisPct: m.cfg.SoftwareStop.HysteresisPct,
		ActivateAt:    time.Now().UTC().Add(m.cfg.SoftwareStop.ActivationDelay.Duration),
	}
}

func (m *Manager) dropProtection(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.watches, orderID)
	delete(m.initialStops, orderID)
	delete(m.breakevenDone, orderID)
	delete(m.partialPnl, orderID)
}

func (m *Manager) hasOpenPosition(ctx context.Context, symbol string) bool {
	open, err := m.trades.ListOpen(ctx)
	if err != nil {
		// Fail safe: an unreadable ledger blocks the entry.
		return true
	}
	for _, p := range open {
		if p.Symbol == symbol {
			return true
		}
	}
	return false
}

func (m *Manager) notify(ctx context.Context, event, title, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.Notify(ctx, event, title, message); err != nil {
		m.logger.Warn("notify failed", slog.String("error", err.Error()))
	}
}
