package executor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/lifecycle"
	"github.com/dkrylov/bybitbot/internal/registry"
	"github.com/dkrylov/bybitbot/internal/risk"
)

var testFilters = domain.InstrumentFilters{
	Symbol:      "BTCUSDT",
	QtyStep:     0.001,
	MinQty:      0.001,
	TickSize:    0.1,
	MinNotional: 5,
}

type fakeGateway struct {
	domain.ExchangeGateway
	mu sync.Mutex

	history   []domain.OrderRow
	marketErr error

	marketOrders []string
	tpOrders     int
}

func (f *fakeGateway) ListSymbols(ctx context.Context) ([]string, error) {
	return []string{"BTCUSDT"}, nil
}

func (f *fakeGateway) GetEquity(ctx context.Context) (float64, error) {
	return 1000, nil
}

func (f *fakeGateway) GetInstrumentFilters(ctx context.Context, symbol string) (domain.InstrumentFilters, error) {
	return testFilters, nil
}

func (f *fakeGateway) PlaceMarket(ctx context.Context, symbol string, side domain.Side, qty float64, reduceOnly bool) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.marketErr != nil {
		return domain.OrderAck{}, f.marketErr
	}
	f.marketOrders = append(f.marketOrders, symbol)
	return domain.OrderAck{OrderID: "mkt-1"}, nil
}

func (f *fakeGateway) PlaceReduceOnlyLimit(ctx context.Context, symbol string, side domain.Side, qty, price float64) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tpOrders++
	return domain.OrderAck{OrderID: "tp-1"}, nil
}

func (f *fakeGateway) GetOrderHistory(ctx context.Context, symbol string, limit int) ([]domain.OrderRow, error) {
	return f.history, nil
}

type fakeInstruments struct {
	domain.InstrumentStore
	mu          sync.Mutex
	deactivated []string
}

func (f *fakeInstruments) Upsert(ctx context.Context, symbol string, active bool) error {
	return nil
}

func (f *fakeInstruments) DeactivateMissing(ctx context.Context, present []string) (int64, error) {
	return 0, nil
}

func (f *fakeInstruments) Deactivate(ctx context.Context, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deactivated = append(f.deactivated, symbol)
	return nil
}

func (f *fakeInstruments) ListActive(ctx context.Context) ([]domain.Instrument, error) {
	return []domain.Instrument{{Symbol: "BTCUSDT", Active: true}}, nil
}

type fakeTrades struct {
	domain.TradeStore
	mu        sync.Mutex
	inserted  []domain.Position
	lastEntry time.Time
}

func (f *fakeTrades) Insert(ctx context.Context, pos domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, pos)
	return nil
}

func (f *fakeTrades) ListOpen(ctx context.Context) ([]domain.Position, error) {
	return nil, nil
}

func (f *fakeTrades) LastEntryTime(ctx context.Context, symbol string) (time.Time, error) {
	return f.lastEntry, nil
}

func (f *fakeTrades) GetLastClosedPnls(ctx context.Context, n int) ([]float64, error) {
	return nil, nil
}

func (f *fakeTrades) GetTodayPnl(ctx context.Context) (float64, error) {
	return 0, nil
}

func (f *fakeTrades) LinkExitOrders(ctx context.Context, orderID, stopOrderID string, tpOrderIDs []string) error {
	return nil
}

type fakeAudits struct {
	domain.SignalAuditStore
	mu   sync.Mutex
	rows []domain.SignalAudit
}

func (f *fakeAudits) Insert(ctx context.Context, a domain.SignalAudit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, a)
	return nil
}

func (f *fakeAudits) last(t *testing.T) domain.SignalAudit {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.rows)
	return f.rows[len(f.rows)-1]
}

type harness struct {
	exec     *Executor
	queue    *Queue
	gw       *fakeGateway
	trades   *fakeTrades
	audits   *fakeAudits
	insts    *fakeInstruments
	reg      *registry.Registry
	state    *domain.RiskState
	governor *risk.Governor
}

func newHarness(t *testing.T, cooldown time.Duration) *harness {
	t.Helper()
	logger := slog.Default()

	gw := &fakeGateway{
		history: []domain.OrderRow{{
			OrderID:   "mkt-1",
			Symbol:    "BTCUSDT",
			Status:    domain.OrderStatusFilled,
			FilledQty: 5,
			AvgPrice:  100.05,
		}},
	}
	trades := &fakeTrades{}
	audits := &fakeAudits{}
	insts := &fakeInstruments{}

	reg := registry.New(gw, insts, []string{"BTCUSDT"}, logger)
	require.NoError(t, reg.Sync(context.Background()))

	state := &domain.RiskState{}
	gov := risk.NewGovernor(config.RiskConfig{
		RiskUSDT:             10,
		BaseNotionalUSDT:     100,
		Leverage:             5,
		MaxPositionPct:       10,
		DailyLossLimitPct:    5,
		WinrateWindow:        20,
		MaxConsecutiveLosses: 5,
		MaxOpenPositions:     3,
	}, gw, trades, state, nil, logger)

	execCfg := config.ExecutionConfig{
		EntryMode: "market",
		TP1RR:     1.0,
		TP2RR:     1.5,
		TP1Part:   0.5,
	}
	execCfg.SoftwareStop.Enabled = true
	mgr := lifecycle.NewManager(execCfg, 0.00055, gw, trades, nil, reg, gov, nil, nil, logger)

	queue := NewQueue(8)
	return &harness{
		exec:     New(queue, gov, mgr, reg, trades, audits, cooldown, logger),
		queue:    queue,
		gw:       gw,
		trades:   trades,
		audits:   audits,
		insts:    insts,
		reg:      reg,
		state:    state,
		governor: gov,
	}
}

func testSignal() domain.Signal {
	return domain.Signal{
		Symbol:         "BTCUSDT",
		Side:           domain.SideLong,
		Confidence:     1.0,
		ReferencePrice: 100,
		StopPrice:      99,
		Strategy:       "threshold",
		Reason:         "price +2.5% oi +4.0%",
		GeneratedAt:    time.Now().UTC(),
	}
}

func TestTickEmptyQueue(t *testing.T) {
	h := newHarness(t, 0)
	require.NoError(t, h.exec.Tick(context.Background()))
	assert.Empty(t, h.audits.rows)
	assert.Empty(t, h.gw.marketOrders)
}

func TestTickExecutesSignal(t *testing.T) {
	h := newHarness(t, 0)
	require.True(t, h.queue.Push(testSignal()))

	require.NoError(t, h.exec.Tick(context.Background()))

	require.Len(t, h.gw.marketOrders, 1)
	require.Len(t, h.trades.inserted, 1)
	pos := h.trades.inserted[0]
	assert.Equal(t, "mkt-1", pos.OrderID)
	assert.InDelta(t, 5.0, pos.Quantity, 1e-9, "fill quantity from order history")
	assert.InDelta(t, 100.05, pos.EntryPrice, 1e-9)

	row := h.audits.last(t)
	assert.Equal(t, "executed", row.Action)
	assert.Equal(t, 2, h.gw.tpOrders, "both take-profit legs placed")
}

func TestTickCooldownSkips(t *testing.T) {
	h := newHarness(t, 2*time.Minute)
	h.trades.lastEntry = time.Now().Add(-30 * time.Second)
	require.True(t, h.queue.Push(testSignal()))

	require.NoError(t, h.exec.Tick(context.Background()))

	assert.Empty(t, h.gw.marketOrders)
	row := h.audits.last(t)
	assert.Equal(t, "skipped", row.Action)
	assert.Contains(t, row.Reason, "cooldown")
}

func TestTickGateBlockSkips(t *testing.T) {
	h := newHarness(t, 0)
	h.state.SetEmergency(true)
	require.True(t, h.queue.Push(testSignal()))

	require.NoError(t, h.exec.Tick(context.Background()))

	assert.Empty(t, h.gw.marketOrders)
	row := h.audits.last(t)
	assert.Equal(t, "skipped", row.Action)
	assert.Contains(t, row.Reason, "emergency")
}

func TestTickInactiveInstrumentSkips(t *testing.T) {
	h := newHarness(t, 0)
	sig := testSignal()
	sig.Symbol = "DOGEUSDT"
	require.True(t, h.queue.Push(sig))

	require.NoError(t, h.exec.Tick(context.Background()))

	assert.Empty(t, h.gw.marketOrders)
	row := h.audits.last(t)
	assert.Equal(t, "skipped", row.Action)
	assert.Contains(t, row.Reason, "inactive")
}

func TestTickMinNotionalDeactivates(t *testing.T) {
	h := newHarness(t, 0)
	h.gw.marketErr = domain.ErrMinNotional
	require.True(t, h.queue.Push(testSignal()))

	require.NoError(t, h.exec.Tick(context.Background()), "min notional rejection is not an engine error")

	assert.Equal(t, []string{"BTCUSDT"}, h.insts.deactivated)
	assert.False(t, h.reg.IsActive("BTCUSDT"))
	row := h.audits.last(t)
	assert.Equal(t, "skipped", row.Action)
	assert.Contains(t, row.Reason, "min notional")
}
