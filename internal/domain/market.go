package domain

import "time"

// Kline is a single OHLCV candle.
type Kline struct {
	Symbol   string
	Start    time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Turnover float64
	Closed   bool
}

// Body returns the absolute candle body size.
func (k Kline) Body() float64 {
	b := k.Close - k.Open
	if b < 0 {
		return -b
	}
	return b
}

// Ticker is a lightweight last-price update from the stream.
type Ticker struct {
	Symbol    string
	LastPrice float64
	MarkPrice float64
	Timestamp time.Time
}

// OISample is one open-interest observation for a symbol.
type OISample struct {
	Symbol    string
	Value     float64
	Timestamp time.Time
}

// BookTop is the best bid/ask of the orderbook.
type BookTop struct {
	Symbol  string
	Bid     float64
	BidSize float64
	Ask     float64
	AskSize float64
}

// Spread returns the bid-ask spread as a fraction of the mid price, or 0 when
// the book is empty.
func (b BookTop) Spread() float64 {
	if b.Bid <= 0 || b.Ask <= 0 {
		return 0
	}
	mid := (b.Bid + b.Ask) / 2
	return (b.Ask - b.Bid) / mid
}

// SideVolume is aggregated taker buy/sell volume over a recent window. Used by
// the momentum order-flow veto; Known is false when the feed does not carry
// per-side data, in which case the veto must fail open.
type SideVolume struct {
	Buy   float64
	Sell  float64
	Known bool
}

// MarketSnapshot is the per-symbol view the scanner hands to a strategy for
// one evaluation. Klines are ordered oldest first.
type MarketSnapshot struct {
	Symbol     string
	LastPrice  float64
	Book       BookTop
	Klines     []Kline   // evaluation timeframe (5m)
	KlinesHTF  []Kline   // higher timeframe (15m), scalp only
	OISeries   []OISample
	SideVolume SideVolume
	Now        time.Time
}
