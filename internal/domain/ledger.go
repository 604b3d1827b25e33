package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// InstrumentStore persists the tradable-symbol set.
type InstrumentStore interface {
	Upsert(ctx context.Context, symbol string, active bool) error
	DeactivateMissing(ctx context.Context, present []string) (int64, error)
	Deactivate(ctx context.Context, symbol string) error
	ListActive(ctx context.Context) ([]Instrument, error)
}

// TradeStore persists positions and their lifecycle transitions.
type TradeStore interface {
	Insert(ctx context.Context, pos Position) error
	ListOpen(ctx context.Context) ([]Position, error)
	GetByOrderID(ctx context.Context, orderID string) (Position, error)
	// Close marks the trade closed with final accounting. It is a no-op
	// returning false when the trade is already closed (idempotent by
	// order ID).
	Close(ctx context.Context, orderID string, closePrice, feesExit, pnl float64, closedAt time.Time) (bool, error)
	SetStatus(ctx context.Context, orderID string, status PositionStatus) error
	UpdateStop(ctx context.Context, orderID string, stopPrice float64) error
	UpdateFill(ctx context.Context, orderID string, qty, avgPrice float64) error
	ReduceQuantity(ctx context.Context, orderID string, newQty float64) error
	LinkExitOrders(ctx context.Context, orderID, stopOrderID string, tpOrderIDs []string) error
	GetLastClosedPnls(ctx context.Context, n int) ([]float64, error)
	GetTodayPnl(ctx context.Context) (float64, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
	DeleteClosedBefore(ctx context.Context, before time.Time) (int64, error)
	LastEntryTime(ctx context.Context, symbol string) (time.Time, error)
}

// SignalAuditStore persists the append-only signal audit trail.
type SignalAuditStore interface {
	Insert(ctx context.Context, a SignalAudit) error
	LastSignalTime(ctx context.Context, symbol string) (time.Time, error)
	List(ctx context.Context, symbol string, opts ListOpts) ([]SignalAudit, error)
	ListBefore(ctx context.Context, before time.Time) ([]SignalAudit, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// OIStore persists open-interest samples collected by the poller.
type OIStore interface {
	Insert(ctx context.Context, s OISample) error
	RecentSeries(ctx context.Context, symbol string, window time.Duration) ([]OISample, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}
