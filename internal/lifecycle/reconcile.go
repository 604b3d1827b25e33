package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// Reconcile diffs local state against the gateway's authoritative order and
// position lists, one symbol at a time. The resolution heuristics are
// deliberately biased toward keeping positions tracked: an entry order absent
// remotely is assumed filled unless the order history confirms it cancelled
// unfilled, because losing track of a live position is worse than tracking a
// phantom one for a cycle.
func (m *Manager) Reconcile(ctx context.Context) error {
	open, err := m.trades.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("lifecycle: reconcile: %w", err)
	}

	bySymbol := make(map[string][]domain.Position)
	for _, pos := range open {
		bySymbol[pos.Symbol] = append(bySymbol[pos.Symbol], pos)
	}

	for symbol, positions := range bySymbol {
		if err := m.reconcileSymbol(ctx, symbol, positions); err != nil {
			m.logger.Warn("reconcile symbol failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (m *Manager) reconcileSymbol(ctx context.Context, symbol string, positions []domain.Position) error {
	remote, err := m.gateway.GetOpenOrders(ctx, symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}
	remoteIDs := make(map[string]domain.OrderRow, len(remote))
	for _, row := range remote {
		remoteIDs[row.OrderID] = row
	}

	localIDs := make(map[string]struct{})
	for _, pos := range positions {
		localIDs[pos.OrderID] = struct{}{}
		for _, id := range pos.TPOrderIDs {
			localIDs[id] = struct{}{}
		}
		if pos.StopOrderID != "" {
			localIDs[pos.StopOrderID] = struct{}{}
		}

		if pos.Status == domain.StatusPendingEntry {
			if _, stillOpen := remoteIDs[pos.OrderID]; !stillOpen {
				m.resolveMissingEntry(ctx, pos)
			}
		}
		if pos.Status == domain.StatusOpen {
			m.resolveExitOrders(ctx, pos, remoteIDs)
			m.refreshFill(ctx, pos)
		}
	}

	// Remote orders nothing local claims are adopted rather than ignored.
	for id, row := range remoteIDs {
		if _, known := localIDs[id]; known {
			continue
		}
		m.adoptRemoteOrder(ctx, symbol, row, positions)
	}
	return nil
}

// resolveMissingEntry handles an entry order that disappeared from the remote
// open list. The default is to assume it filled; only an order history row
// that explicitly shows a cancellation or rejection with zero fill is
// authoritative enough to mark the entry cancelled.
func (m *Manager) resolveMissingEntry(ctx context.Context, pos domain.Position) {
	qty, price := pos.Quantity, pos.EntryPrice
	if rows, err := m.gateway.GetOrderHistory(ctx, pos.Symbol, 50); err == nil {
		for _, row := range rows {
			if row.OrderID != pos.OrderID {
				continue
			}
			if row.FilledQty > 0 {
				qty, price = row.FilledQty, row.AvgPrice
				break
			}
			if row.Status == domain.OrderStatusCancelled || row.Status == domain.OrderStatusRejected {
				if err := m.trades.SetStatus(ctx, pos.OrderID, domain.StatusCancelled); err != nil {
					m.logger.Warn("reconcile cancel update failed",
						slog.String("order_id", pos.OrderID),
						slog.String("error", err.Error()))
					return
				}
				m.logger.Info("entry confirmed cancelled",
					slog.String("symbol", pos.Symbol),
					slog.String("order_id", pos.OrderID))
				return
			}
			break
		}
	}

	if err := m.trades.UpdateFill(ctx, pos.OrderID, qty, price); err != nil {
		m.logger.Warn("reconcile fill update failed",
			slog.String("order_id", pos.OrderID),
			slog.String("error", err.Error()))
		return
	}
	pos.Quantity, pos.EntryPrice, pos.Status = qty, price, domain.StatusOpen
	m.registerProtection(pos)

	m.logger.Info("entry assumed filled",
		slog.String("symbol", pos.Symbol),
		slog.String("order_id", pos.OrderID),
		slog.Float64("qty", qty),
		slog.Float64("price", price))
}

// resolveExitOrders handles exit orders missing from the remote open list: a
// filled take profit books a partial or final close, anything else is marked
// cancelled locally.
func (m *Manager) resolveExitOrders(ctx context.Context, pos domain.Position, remoteIDs map[string]domain.OrderRow) {
	missing := make([]string, 0, len(pos.TPOrderIDs)+1)
	for _, id := range pos.TPOrderIDs {
		if _, stillOpen := remoteIDs[id]; !stillOpen {
			missing = append(missing, id)
		}
	}
	if pos.StopOrderID != "" {
		if _, stillOpen := remoteIDs[pos.StopOrderID]; !stillOpen {
			missing = append(missing, pos.StopOrderID)
		}
	}
	if len(missing) == 0 {
		return
	}

	history, err := m.gateway.GetOrderHistory(ctx, pos.Symbol, 50)
	if err != nil {
		return
	}
	byID := make(map[string]domain.OrderRow, len(history))
	for _, row := range history {
		byID[row.OrderID] = row
	}

	remainingTPs := pos.TPOrderIDs
	for _, id := range missing {
		row, found := byID[id]
		if found && row.Status == domain.OrderStatusFilled && row.FilledQty > 0 {
			if row.FilledQty >= pos.Quantity {
				if err := m.BookClose(ctx, pos, row.AvgPrice, "take profit"); err != nil {
					m.logger.Warn("reconcile close failed",
						slog.String("order_id", pos.OrderID),
						slog.String("error", err.Error()))
				}
				return
			}
			if err := m.BookPartialClose(ctx, pos, row.AvgPrice, row.FilledQty); err != nil {
				m.logger.Warn("reconcile partial close failed",
					slog.String("order_id", pos.OrderID),
					slog.String("error", err.Error()))
				continue
			}
			pos.Quantity -= row.FilledQty
		} else {
			// Exit orders, unlike entries, may be marked cancelled.
			m.logger.Info("exit order cancelled remotely",
				slog.String("symbol", pos.Symbol),
				slog.String("order_id", id))
		}
		remainingTPs = removeID(remainingTPs, id)
		if pos.StopOrderID == id {
			pos.StopOrderID = ""
		}
	}

	if err := m.trades.LinkExitOrders(ctx, pos.OrderID, pos.StopOrderID, remainingTPs); err != nil {
		m.logger.Warn("reconcile exit relink failed",
			slog.String("order_id", pos.OrderID),
			slog.String("error", err.Error()))
	}
}

// refreshFill aligns the recorded quantity and entry price with the
// exchange's authoritative position. A position the exchange no longer holds,
// with no resting exits left, is booked closed at the cached price.
func (m *Manager) refreshFill(ctx context.Context, pos domain.Position) {
	info, err := m.gateway.GetPosition(ctx, pos.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) && len(pos.TPOrderIDs) == 0 && pos.StopOrderID == "" {
			price, ts, perr := m.prices.GetPrice(ctx, pos.Symbol)
			if perr == nil && time.Now().UTC().Sub(ts) <= time.Minute {
				if cerr := m.BookClose(ctx, pos, price, "position gone on exchange"); cerr != nil {
					m.logger.Warn("reconcile vanished close failed",
						slog.String("order_id", pos.OrderID),
						slog.String("error", cerr.Error()))
				}
			}
		}
		return
	}

	if info.Size > 0 && info.EntryPrice > 0 &&
		(info.Size != pos.Quantity || info.EntryPrice != pos.EntryPrice) {
		if err := m.trades.UpdateFill(ctx, pos.OrderID, info.Size, info.EntryPrice); err != nil {
			m.logger.Warn("reconcile fill refresh failed",
				slog.String("order_id", pos.OrderID),
				slog.String("error", err.Error()))
		}
	}
}

// adoptRemoteOrder brings an unknown remote order under local tracking:
// reduce-only orders link as exits to the symbol's open entry; anything else
// is inserted as a newly discovered position.
func (m *Manager) adoptRemoteOrder(ctx context.Context, symbol string, row domain.OrderRow, positions []domain.Position) {
	if row.ReduceOnly {
		for _, pos := range positions {
			if pos.Status != domain.StatusOpen {
				continue
			}
			tps := append(append([]string(nil), pos.TPOrderIDs...), row.OrderID)
			if err := m.trades.LinkExitOrders(ctx, pos.OrderID, pos.StopOrderID, tps); err != nil {
				m.logger.Warn("adopt exit link failed",
					slog.String("order_id", row.OrderID),
					slog.String("error", err.Error()))
				return
			}
			m.logger.Info("adopted remote exit order",
				slog.String("symbol", symbol),
				slog.String("order_id", row.OrderID),
				slog.String("parent", pos.OrderID))
			return
		}
		m.logger.Warn("remote exit order has no local parent",
			slog.String("symbol", symbol),
			slog.String("order_id", row.OrderID))
		return
	}

	adopted := domain.Position{
		OrderID:    row.OrderID,
		Symbol:     symbol,
		Side:       row.Side,
		Quantity:   row.Quantity,
		EntryPrice: row.Price,
		Status:     domain.StatusPendingEntry,
		FeesEntry:  legFee(row.Price, row.Quantity, m.feeRate),
		Strategy:   "adopted",
		CreatedAt:  row.CreatedAt,
	}
	if err := m.trades.Insert(ctx, adopted); err != nil {
		m.logger.Warn("adopt entry insert failed",
			slog.String("order_id", row.OrderID),
			slog.String("error", err.Error()))
		return
	}
	m.logger.Info("adopted remote entry order",
		slog.String("symbol", symbol),
		slog.String("order_id", row.OrderID))
	m.notify(ctx, "reconcile", "Adopted remote order",
		fmt.Sprintf("%s %s qty %.6g was unknown locally", symbol, row.OrderID, row.Quantity))
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
