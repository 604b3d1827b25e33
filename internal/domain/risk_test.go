package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRiskStateRecordClose(t *testing.T) {
	var s RiskState
	s.RecordClose(-10)
	s.RecordClose(-5)
	assert.Equal(t, 2, s.ConsecutiveLosses())
	assert.InDelta(t, -15.0, s.DailyPnl(), 1e-9)

	// A win resets the streak but not the daily PnL.
	s.RecordClose(20)
	assert.Equal(t, 0, s.ConsecutiveLosses())
	assert.InDelta(t, 5.0, s.DailyPnl(), 1e-9)
}

func TestRiskStateResetDaily(t *testing.T) {
	var s RiskState
	s.RecordClose(-10)
	s.ResetDaily()
	assert.Zero(t, s.DailyPnl())
	// The loss streak survives the daily rollover.
	assert.Equal(t, 1, s.ConsecutiveLosses())
}

func TestRiskStateEmergencyEdgeTriggered(t *testing.T) {
	var s RiskState
	assert.True(t, s.SetEmergency(true), "first set changes state")
	assert.False(t, s.SetEmergency(true), "second set is a no-op")
	assert.True(t, s.Emergency())

	assert.True(t, s.SetEmergency(false))
	assert.False(t, s.SetEmergency(false))
	assert.False(t, s.Emergency())
}

func TestRiskStateCircuitBreaker(t *testing.T) {
	var s RiskState
	now := time.Now()

	assert.False(t, s.CircuitBreakerActive(now))
	assert.True(t, s.TripCircuitBreaker(now, time.Hour), "first trip changes state")
	assert.False(t, s.TripCircuitBreaker(now, time.Hour), "re-trip while active is a no-op")

	assert.True(t, s.CircuitBreakerActive(now.Add(30*time.Minute)))
	assert.False(t, s.CircuitBreakerActive(now.Add(2*time.Hour)), "expires after cooldown")
}
