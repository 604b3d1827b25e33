package domain

import "time"

// OrderStatus is the exchange-reported state of an order.
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "New"
	OrderStatusPartiallyFilled OrderStatus = "PartiallyFilled"
	OrderStatusFilled          OrderStatus = "Filled"
	OrderStatusCancelled       OrderStatus = "Cancelled"
	OrderStatusRejected        OrderStatus = "Rejected"
)

// OrderAck is the gateway's acknowledgement of a placed order.
type OrderAck struct {
	OrderID     string
	OrderLinkID string
}

// OrderRow is one order from the gateway's order history or open-order list.
type OrderRow struct {
	OrderID    string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	AvgPrice   float64
	FilledQty  float64
	Status     OrderStatus
	ReduceOnly bool
	CreatedAt  time.Time
}

// PositionInfo is the gateway's authoritative view of an open position.
type PositionInfo struct {
	Symbol     string
	Side       Side
	Size       float64
	EntryPrice float64
	MarkPrice  float64
}

// BracketParams carries the take-profit and stop-loss trigger prices attached
// to a position in bracket mode.
type BracketParams struct {
	TakeProfit float64
	StopLoss   float64
}
