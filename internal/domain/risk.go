package domain

import (
	"sync"
	"time"
)

// RiskState is the process-wide gating state, one instance per engine run.
// It is mutated only by the risk governor and read by the scanner and
// executor to gate new entries; it never gates exits or protective
// monitoring.
type RiskState struct {
	mu sync.Mutex

	dailyRealizedPnl    float64
	consecutiveLosses   int
	emergencyStop       bool
	circuitBreakerUntil time.Time
}

// RecordClose folds one closed-trade PnL into the state.
func (s *RiskState) RecordClose(pnl float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyRealizedPnl += pnl
	if pnl < 0 {
		s.consecutiveLosses++
	} else {
		s.consecutiveLosses = 0
	}
}

// DailyPnl returns today's realized PnL accumulated in this process.
func (s *RiskState) DailyPnl() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dailyRealizedPnl
}

// ResetDaily zeroes the daily PnL accumulator (called at UTC midnight).
func (s *RiskState) ResetDaily() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dailyRealizedPnl = 0
}

// ConsecutiveLosses returns the current losing streak length.
func (s *RiskState) ConsecutiveLosses() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consecutiveLosses
}

// SetEmergency sets or clears the sticky manual stop. It returns true when
// the call changed the flag, so callers can alert once per edge.
func (s *RiskState) SetEmergency(on bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.emergencyStop == on {
		return false
	}
	s.emergencyStop = on
	return true
}

// Emergency reports whether the manual stop is set.
func (s *RiskState) Emergency() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.emergencyStop
}

// TripCircuitBreaker arms the automatic breaker until now+cooldown.
// It returns true when the breaker was not already armed.
func (s *RiskState) TripCircuitBreaker(now time.Time, cooldown time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Before(s.circuitBreakerUntil) {
		return false
	}
	s.circuitBreakerUntil = now.Add(cooldown)
	return true
}

// CircuitBreakerActive reports whether the breaker window is still open.
func (s *RiskState) CircuitBreakerActive(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Before(s.circuitBreakerUntil)
}

// CircuitBreakerUntil returns the breaker expiry (zero when never armed).
func (s *RiskState) CircuitBreakerUntil() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.circuitBreakerUntil
}
