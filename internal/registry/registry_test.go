package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkrylov/bybitbot/internal/domain"
)

var btcFilters = domain.InstrumentFilters{
	Symbol:      "BTCUSDT",
	QtyStep:     0.001,
	MinQty:      0.001,
	TickSize:    0.1,
	MinNotional: 5,
}

func TestSnapToStepFloors(t *testing.T) {
	assert.InDelta(t, 0.123, SnapToStep(0.12399, btcFilters), 1e-9)
}

func TestSnapToStepRaisesToMinQty(t *testing.T) {
	assert.InDelta(t, 0.001, SnapToStep(0.0004, btcFilters), 1e-9)
}

func TestSnapDownToStepNoFloor(t *testing.T) {
	// Reduce-only partials must round down even below the minimum.
	assert.InDelta(t, 0.0, SnapDownToStep(0.0004, btcFilters), 1e-9)
	assert.InDelta(t, 0.005, SnapDownToStep(0.0059, btcFilters), 1e-9)
}

func TestSnapDownToStepZeroStepPassthrough(t *testing.T) {
	f := domain.InstrumentFilters{}
	assert.Equal(t, 0.1234, SnapDownToStep(0.1234, f))
}

func TestEnsureMinNotionalRaisesInWholeSteps(t *testing.T) {
	// 0.001 * 2000 = 2 USDT, below the 5 USDT floor. Needs 0.003.
	got := EnsureMinNotional(0.001, 2000, btcFilters)
	assert.InDelta(t, 0.003, got, 1e-9)
}

func TestEnsureMinNotionalNoChangeWhenAbove(t *testing.T) {
	got := EnsureMinNotional(1, 50000, btcFilters)
	assert.Equal(t, 1.0, got)
}

func TestRoundToTick(t *testing.T) {
	assert.InDelta(t, 100.1, RoundToTick(100.14, btcFilters), 1e-9)
	assert.InDelta(t, 100.2, RoundToTick(100.17, btcFilters), 1e-9)
}

func TestRoundToTickZeroTickPassthrough(t *testing.T) {
	assert.Equal(t, 100.14, RoundToTick(100.14, domain.InstrumentFilters{}))
}
