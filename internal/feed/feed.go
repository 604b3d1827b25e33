package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// MarketFeed bridges the public stream into the caches the rest of the
// system reads: tickers land in the shared price cache and candles in two
// in-memory bar caches, one per timeframe. It reconnects via the underlying
// stream and survives individual cache write failures.
type MarketFeed struct {
	stream      domain.MarketStream
	gateway     domain.ExchangeGateway
	prices      domain.PriceCache
	bars        *BarCache
	barsHTF     *BarCache
	symbols     []string
	interval    string
	intervalHTF string
	logger      *slog.Logger
}

// NewMarketFeed creates a feed for the given symbols and timeframes.
// interval is the evaluation timeframe, intervalHTF the confirmation
// timeframe used by the scalp checks.
func NewMarketFeed(
	stream domain.MarketStream,
	gateway domain.ExchangeGateway,
	prices domain.PriceCache,
	symbols []string,
	interval, intervalHTF string,
	logger *slog.Logger,
) *MarketFeed {
	return &MarketFeed{
		stream:      stream,
		gateway:     gateway,
		prices:      prices,
		bars:        NewBarCache(0),
		barsHTF:     NewBarCache(0),
		symbols:     symbols,
		interval:    interval,
		intervalHTF: intervalHTF,
		logger:      logger.With(slog.String("component", "market_feed")),
	}
}

// Backfill seeds both bar caches from REST history so strategies have a full
// lookback immediately instead of waiting for the stream to accumulate bars.
func (f *MarketFeed) Backfill(ctx context.Context) error {
	for _, symbol := range f.symbols {
		klines, err := f.gateway.GetKlines(ctx, symbol, f.interval, defaultMaxBars)
		if err != nil {
			return fmt.Errorf("feed: backfill %s %s: %w", symbol, f.interval, err)
		}
		f.bars.Seed(symbol, klines)

		htf, err := f.gateway.GetKlines(ctx, symbol, f.intervalHTF, defaultMaxBars)
		if err != nil {
			return fmt.Errorf("feed: backfill %s %s: %w", symbol, f.intervalHTF, err)
		}
		f.barsHTF.Seed(symbol, htf)
	}
	f.logger.Info("backfill complete", slog.Int("symbols", len(f.symbols)))
	return nil
}

// Run subscribes and pumps the stream until ctx is cancelled.
func (f *MarketFeed) Run(ctx context.Context) error {
	if len(f.symbols) == 0 {
		f.logger.Info("no symbols to subscribe, exiting")
		return nil
	}

	if err := f.stream.SubscribeKlines(f.symbols, f.interval, f.onKline(f.bars)); err != nil {
		return fmt.Errorf("feed: subscribe klines: %w", err)
	}
	if err := f.stream.SubscribeKlines(f.symbols, f.intervalHTF, f.onKline(f.barsHTF)); err != nil {
		return fmt.Errorf("feed: subscribe htf klines: %w", err)
	}
	if err := f.stream.SubscribeTickers(f.symbols, f.onTicker); err != nil {
		return fmt.Errorf("feed: subscribe tickers: %w", err)
	}

	f.logger.Info("market feed started",
		slog.Int("symbols", len(f.symbols)),
		slog.String("interval", f.interval),
		slog.String("htf_interval", f.intervalHTF))
	defer f.logger.Info("market feed stopped")

	return f.stream.Run(ctx)
}

// Klines returns the evaluation-timeframe series for a symbol, oldest first.
func (f *MarketFeed) Klines(symbol string) []domain.Kline {
	return f.bars.Series(symbol)
}

// KlinesHTF returns the higher-timeframe series for a symbol, oldest first.
func (f *MarketFeed) KlinesHTF(symbol string) []domain.Kline {
	return f.barsHTF.Series(symbol)
}

func (f *MarketFeed) onKline(cache *BarCache) domain.KlineHandler {
	return func(ctx context.Context, k domain.Kline) {
		cache.Apply(k)
	}
}

func (f *MarketFeed) onTicker(ctx context.Context, t domain.Ticker) {
	// The kline handler distinguishes timeframes; tickers all go to the
	// shared price cache. Protective loops read from there.
	writeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	price := t.MarkPrice
	if price <= 0 {
		price = t.LastPrice
	}
	if err := f.prices.SetPrice(writeCtx, t.Symbol, price, t.Timestamp); err != nil {
		f.logger.Warn("price cache write failed",
			slog.String("symbol", t.Symbol),
			slog.String("error", err.Error()))
	}
}
