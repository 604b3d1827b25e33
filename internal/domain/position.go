package domain

import "time"

// PositionStatus is the lifecycle state of a position record.
type PositionStatus string

const (
	StatusPendingEntry PositionStatus = "pending_entry"
	StatusOpen         PositionStatus = "open"
	StatusClosed       PositionStatus = "closed"
	StatusCancelled    PositionStatus = "cancelled"
)

// Position is a trade tracked by the lifecycle manager, keyed by the entry
// order ID. At most one open Position exists per instrument per engine
// instance. It transitions to closed exactly once; cancelled applies only to
// protective/exit sub-orders, never to a filled entry.
type Position struct {
	OrderID       string
	Symbol        string
	Side          Side
	Quantity      float64
	EntryPrice    float64
	StopLossPrice float64
	TakeProfits   []float64
	Status        PositionStatus
	FeesEntry     float64
	FeesExit      float64
	ClosePrice    float64
	PnL           float64
	Strategy      string
	// Protective/exit order IDs linked to this position.
	StopOrderID string
	TPOrderIDs  []string
	Bracket     bool
	CreatedAt   time.Time
	ClosedAt    *time.Time
}

// Remaining is the open quantity after partial reductions.
func (p *Position) Remaining() float64 {
	return p.Quantity
}

// ProtectiveWatch is the software stop-loss state for one position, created at
// entry fill time when exchange-native protection is disabled and removed when
// the position closes by any path.
type ProtectiveWatch struct {
	OrderID      string
	Symbol       string
	Side         Side
	Quantity     float64
	TriggerPrice float64
	// HysteresisPct widens the trigger so price noise cannot flap it.
	HysteresisPct float64
	ActivateAt    time.Time
	RetryCount    int
	PriceMisses   int
}

// Armed reports whether the activation grace period has elapsed.
func (w *ProtectiveWatch) Armed(now time.Time) bool {
	return !now.Before(w.ActivateAt)
}

// Triggered reports whether price has crossed the hysteresis-adjusted trigger.
// For a long the effective trigger sits below TriggerPrice, for a short above,
// so a price inside the band never fires.
func (w *ProtectiveWatch) Triggered(price float64) bool {
	band := w.TriggerPrice * w.HysteresisPct / 100.0
	if w.Side == SideLong {
		return price <= w.TriggerPrice-band
	}
	return price >= w.TriggerPrice+band
}
