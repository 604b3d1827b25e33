package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `order_id, symbol, side, quantity, entry_price, stop_loss_price,
	take_profits, status, fees_entry, fees_exit, close_price, pnl, strategy,
	stop_order_id, tp_order_ids, bracket, created_at, closed_at`

func scanTrade(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var side, status string
	err := row.Scan(
		&p.OrderID, &p.Symbol, &side, &p.Quantity, &p.EntryPrice, &p.StopLossPrice,
		&p.TakeProfits, &status, &p.FeesEntry, &p.FeesExit, &p.ClosePrice, &p.PnL,
		&p.Strategy, &p.StopOrderID, &p.TPOrderIDs, &p.Bracket, &p.CreatedAt, &p.ClosedAt,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	return p, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Position, error) {
	var trades []domain.Position
	for rows.Next() {
		p, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, p)
	}
	return trades, rows.Err()
}

// Insert persists a new position record.
func (s *TradeStore) Insert(ctx context.Context, pos domain.Position) error {
	const query = `
		INSERT INTO trades (
			order_id, symbol, side, quantity, entry_price, stop_loss_price,
			take_profits, status, fees_entry, strategy, stop_order_id,
			tp_order_ids, bracket, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`
	_, err := s.pool.Exec(ctx, query,
		pos.OrderID, pos.Symbol, string(pos.Side), pos.Quantity, pos.EntryPrice,
		pos.StopLossPrice, pos.TakeProfits, string(pos.Status), pos.FeesEntry,
		pos.Strategy, pos.StopOrderID, pos.TPOrderIDs, pos.Bracket, pos.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert trade %s: %w", pos.OrderID, classify(err))
	}
	return nil
}

// ListOpen returns all trades with pending_entry or open status.
func (s *TradeStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status IN ('pending_entry', 'open') ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open trades: %w", classify(err))
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open trades: %w", classify(err))
	}
	return trades, nil
}

// GetByOrderID returns the trade for an entry order ID, or domain.ErrNotFound.
func (s *TradeStore) GetByOrderID(ctx context.Context, orderID string) (domain.Position, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE order_id = $1`
	p, err := scanTrade(s.pool.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get trade %s: %w", orderID, classify(err))
	}
	return p, nil
}

// Close marks a trade closed with final accounting. The WHERE clause skips
// trades that are already closed, making the call idempotent by order ID:
// the second invocation updates zero rows and returns false.
func (s *TradeStore) Close(ctx context.Context, orderID string, closePrice, feesExit, pnl float64, closedAt time.Time) (bool, error) {
	const query = `
		UPDATE trades
		SET status = 'closed', close_price = $2, fees_exit = $3, pnl = $4, closed_at = $5
		WHERE order_id = $1 AND status <> 'closed'`
	tag, err := s.pool.Exec(ctx, query, orderID, closePrice, feesExit, pnl, closedAt)
	if err != nil {
		return false, fmt.Errorf("postgres: close trade %s: %w", orderID, classify(err))
	}
	return tag.RowsAffected() > 0, nil
}

// SetStatus updates a trade's status.
func (s *TradeStore) SetStatus(ctx context.Context, orderID string, status domain.PositionStatus) error {
	const query = `UPDATE trades SET status = $2 WHERE order_id = $1`
	if _, err := s.pool.Exec(ctx, query, orderID, string(status)); err != nil {
		return fmt.Errorf("postgres: set trade status %s: %w", orderID, classify(err))
	}
	return nil
}

// UpdateStop persists a new stop-loss price (breakeven/trailing moves).
func (s *TradeStore) UpdateStop(ctx context.Context, orderID string, stopPrice float64) error {
	const query = `UPDATE trades SET stop_loss_price = $2 WHERE order_id = $1`
	if _, err := s.pool.Exec(ctx, query, orderID, stopPrice); err != nil {
		return fmt.Errorf("postgres: update trade stop %s: %w", orderID, classify(err))
	}
	return nil
}

// UpdateFill records the actual filled quantity and average price once the
// entry is confirmed.
func (s *TradeStore) UpdateFill(ctx context.Context, orderID string, qty, avgPrice float64) error {
	const query = `UPDATE trades SET quantity = $2, entry_price = $3, status = 'open' WHERE order_id = $1`
	if _, err := s.pool.Exec(ctx, query, orderID, qty, avgPrice); err != nil {
		return fmt.Errorf("postgres: update trade fill %s: %w", orderID, classify(err))
	}
	return nil
}

// ReduceQuantity records the remaining quantity after a partial exit fill.
func (s *TradeStore) ReduceQuantity(ctx context.Context, orderID string, newQty float64) error {
	const query = `UPDATE trades SET quantity = $2 WHERE order_id = $1`
	if _, err := s.pool.Exec(ctx, query, orderID, newQty); err != nil {
		return fmt.Errorf("postgres: reduce trade quantity %s: %w", orderID, classify(err))
	}
	return nil
}

// LinkExitOrders attaches protective/exit order IDs to the parent entry.
func (s *TradeStore) LinkExitOrders(ctx context.Context, orderID, stopOrderID string, tpOrderIDs []string) error {
	const query = `UPDATE trades SET stop_order_id = $2, tp_order_ids = $3 WHERE order_id = $1`
	if _, err := s.pool.Exec(ctx, query, orderID, stopOrderID, tpOrderIDs); err != nil {
		return fmt.Errorf("postgres: link exit orders %s: %w", orderID, classify(err))
	}
	return nil
}

// GetLastClosedPnls returns the PnL of the n most recently closed trades,
// newest first.
func (s *TradeStore) GetLastClosedPnls(ctx context.Context, n int) ([]float64, error) {
	const query = `
		SELECT pnl FROM trades
		WHERE status = 'closed' ORDER BY closed_at DESC LIMIT $1`
	rows, err := s.pool.Query(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("postgres: last closed pnls: %w", classify(err))
	}
	defer rows.Close()

	var pnls []float64
	for rows.Next() {
		var p float64
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("postgres: scan pnl: %w", classify(err))
		}
		pnls = append(pnls, p)
	}
	return pnls, rows.Err()
}

// GetTodayPnl returns the sum of PnL for trades closed since UTC midnight.
func (s *TradeStore) GetTodayPnl(ctx context.Context) (float64, error) {
	const query = `
		SELECT COALESCE(SUM(pnl), 0) FROM trades
		WHERE status = 'closed' AND closed_at >= date_trunc('day', NOW() AT TIME ZONE 'utc')`
	var pnl float64
	if err := s.pool.QueryRow(ctx, query).Scan(&pnl); err != nil {
		return 0, fmt.Errorf("postgres: today pnl: %w", classify(err))
	}
	return pnl, nil
}

// ListClosedBefore returns all closed trades with closed_at strictly before
// the given time (for archiving).
func (s *TradeStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE status = 'closed' AND closed_at < $1 ORDER BY closed_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list closed trades before: %w", classify(err))
	}
	defer rows.Close()
	return scanTradeRows(rows)
}

// DeleteClosedBefore deletes closed trades older than the given time. Returns
// the number deleted.
func (s *TradeStore) DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error) {
	const query = `DELETE FROM trades WHERE status = 'closed' AND closed_at < $1`
	tag, err := s.pool.Exec(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete closed trades before: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// LastEntryTime returns the created_at of the most recent trade for a symbol,
// or the zero time when none exists. Used for the per-symbol trade cooldown.
func (s *TradeStore) LastEntryTime(ctx context.Context, symbol string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(created_at) FROM trades WHERE symbol = $1`, symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last entry time %s: %w", symbol, classify(err))
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
