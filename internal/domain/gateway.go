package domain

import (
	"context"
	"errors"
	"time"
)

// KlineHandler receives streamed candles.
type KlineHandler func(ctx context.Context, k Kline)

// TickerHandler receives streamed last-price updates.
type TickerHandler func(ctx context.Context, t Ticker)

// ExchangeGateway is the single exchange surface the engine trades against.
// Implementations own connection pooling, signing, and rate limiting; the
// core never issues unbounded concurrent calls through it.
type ExchangeGateway interface {
	// Orders
	PlaceMarket(ctx context.Context, symbol string, side Side, qty float64, reduceOnly bool) (OrderAck, error)
	PlaceLimit(ctx context.Context, symbol string, side Side, qty, price float64) (OrderAck, error)
	PlaceReduceOnlyLimit(ctx context.Context, symbol string, side Side, qty, price float64) (OrderAck, error)
	// PlaceBracket attaches TP/SL trigger prices to the open position.
	PlaceBracket(ctx context.Context, symbol string, params BracketParams) error
	CancelOrder(ctx context.Context, symbol, orderID string) error

	// State
	GetPosition(ctx context.Context, symbol string) (PositionInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetOrderHistory(ctx context.Context, symbol string, limit int) ([]OrderRow, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderRow, error)
	GetInstrumentFilters(ctx context.Context, symbol string) (InstrumentFilters, error)
	ListSymbols(ctx context.Context) ([]string, error)
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	GetBestBidAsk(ctx context.Context, symbol string) (BookTop, error)
	GetOpenInterest(ctx context.Context, symbol string) (OISample, error)
	GetEquity(ctx context.Context) (float64, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
}

// MarketStream is the push side of the gateway: kline and ticker callbacks
// delivered over a persistent connection with automatic reconnect.
type MarketStream interface {
	SubscribeKlines(symbols []string, interval string, h KlineHandler) error
	SubscribeTickers(symbols []string, h TickerHandler) error
	Run(ctx context.Context) error
}

// Retry invokes fn up to attempts times with exponential backoff
// (base, 2*base, 4*base, ...). It stops early when ctx is cancelled or when
// fn returns a rejection, which retrying blindly would only repeat.
func Retry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if errors.Is(err, ErrRejectedOrder) || errors.Is(err, ErrMinNotional) || errors.Is(err, ErrFatal) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := base << uint(i)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
