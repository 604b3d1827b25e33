package domain

import "time"

// Side is the direction of a trade.
type Side string

const (
	SideLong  Side = "Buy"
	SideShort Side = "Sell"
)

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// Direction returns +1 for long, -1 for short.
func (s Side) Direction() float64 {
	if s == SideShort {
		return -1
	}
	return 1
}

// Signal is a qualifying trade intent produced by the evaluation pipeline.
// Signals are ephemeral: consumed at most once by the executor and persisted
// only as an audit row.
type Signal struct {
	Symbol         string
	Side           Side
	Confidence     float64
	ReferencePrice float64
	StopPrice      float64
	Strategy       string
	Reason         string
	GeneratedAt    time.Time
}

// SignalAudit is the persisted record of an emitted signal and what the
// executor did with it.
type SignalAudit struct {
	ID          int64
	Symbol      string
	Side        Side
	Strategy    string
	Price       float64
	Confidence  float64
	Action      string // queued | executed | skipped
	Reason      string
	GeneratedAt time.Time
}
