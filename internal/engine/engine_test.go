package engine

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/executor"
	"github.com/dkrylov/bybitbot/internal/feed"
	"github.com/dkrylov/bybitbot/internal/risk"
)

type fakeGateway struct {
	domain.ExchangeGateway
	klines []domain.Kline
}

func (f *fakeGateway) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]domain.Kline, error) {
	return f.klines, nil
}

func (f *fakeGateway) GetBestBidAsk(ctx context.Context, symbol string) (domain.BookTop, error) {
	return domain.BookTop{Bid: 99.9, Ask: 100.1}, nil
}

type fakePrices struct {
	domain.PriceCache
	err   error
	batch map[string]float64
}

func (f *fakePrices) GetPrice(ctx context.Context, symbol string) (float64, time.Time, error) {
	if f.err != nil {
		return 0, time.Time{}, f.err
	}
	return 100.5, time.Now(), nil
}

func (f *fakePrices) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if f.err != nil && !errors.Is(f.err, domain.ErrPriceUnavailable) {
		return nil, f.err
	}
	return f.batch, nil
}

type fakeOIs struct {
	domain.OIStore
}

func (f *fakeOIs) RecentSeries(ctx context.Context, symbol string, window time.Duration) ([]domain.OISample, error) {
	return nil, nil
}

// captureStrategy records the snapshot it was handed and emits nothing.
type captureStrategy struct {
	snap domain.MarketSnapshot
}

func (c *captureStrategy) Name() string { return "capture" }

func (c *captureStrategy) Evaluate(ctx context.Context, snap domain.MarketSnapshot) (*domain.Signal, error) {
	c.snap = snap
	return nil, nil
}

func testBars(n int, close float64) []domain.Kline {
	start := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	bars := make([]domain.Kline, n)
	for i := range bars {
		bars[i] = domain.Kline{
			Symbol: "BTCUSDT",
			Start:  start.Add(time.Duration(i) * 5 * time.Minute),
			Open:   close,
			High:   close + 1,
			Low:    close - 1,
			Close:  close,
			Volume: 10,
			Closed: true,
		}
	}
	return bars
}

func newTestEngine(t *testing.T, prices domain.PriceCache, logBuf *bytes.Buffer) (*Engine, *captureStrategy) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(logBuf, nil))
	gw := &fakeGateway{klines: testBars(3, 250.0)}
	mf := feed.NewMarketFeed(nil, gw, prices, []string{"BTCUSDT"}, "5", "15", logger)
	require.NoError(t, mf.Backfill(context.Background()))

	strat := &captureStrategy{}
	cfg := config.EngineConfig{Symbols: []string{"BTCUSDT", "ETHUSDT"}}
	e := New(Params{
		Cfg:      cfg,
		Feed:     mf,
		Strategy: strat,
		Gateway:  gw,
		Prices:   prices,
		OIs:      &fakeOIs{},
		Queue:    executor.NewQueue(4),
		Governor: risk.NewGovernor(config.RiskConfig{}, gw, nil, &domain.RiskState{}, nil, logger),
		Logger:   logger,
	})
	return e, strat
}

// A cold price cache is the normal state right after startup. The scan must
// fall back to the last candle close quietly instead of warning on every
// symbol.
func TestEvaluateColdCacheFallsBackToClose(t *testing.T) {
	var buf bytes.Buffer
	e, strat := newTestEngine(t, &fakePrices{err: domain.ErrPriceUnavailable}, &buf)

	sig, err := e.evaluate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, sig)

	assert.InDelta(t, 250.0, strat.snap.LastPrice, 1e-9, "falls back to last close")
	assert.NotContains(t, buf.String(), "price cache read failed",
		"a cache miss is not a failure")
}

func TestEvaluateCacheErrorWarnsAndFallsBack(t *testing.T) {
	var buf bytes.Buffer
	e, strat := newTestEngine(t, &fakePrices{err: errors.New("connection refused")}, &buf)

	sig, err := e.evaluate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, sig)

	assert.InDelta(t, 250.0, strat.snap.LastPrice, 1e-9)
	assert.Contains(t, buf.String(), "price cache read failed",
		"a broken cache is worth a warning")
}

func TestEvaluateUsesCachedPrice(t *testing.T) {
	var buf bytes.Buffer
	e, strat := newTestEngine(t, &fakePrices{}, &buf)

	_, err := e.evaluate(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.InDelta(t, 100.5, strat.snap.LastPrice, 1e-9, "cached price wins over close")
}

func TestHeartbeatReportsCacheWarmth(t *testing.T) {
	var buf bytes.Buffer
	prices := &fakePrices{batch: map[string]float64{"BTCUSDT": 100.5}}
	e, _ := newTestEngine(t, prices, &buf)

	require.NoError(t, e.heartbeat(context.Background()))

	assert.Contains(t, buf.String(), "prices_cached=1",
		"one of two watched symbols has a live price")
}
