package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// CheckProtective runs one pass of the software stop sub-machine over every
// registered watch: SCHEDULED waits out the activation delay, ARMED polls the
// cached price, TRIGGERED closes at market with bounded retries. A watch that
// exhausts its retries stays registered and re-alerts, so a live position is
// never silently dropped.
func (m *Manager) CheckProtective(ctx context.Context) error {
	now := time.Now().UTC()

	m.mu.Lock()
	watches := make([]*domain.ProtectiveWatch, 0, len(m.watches))
	for _, w := range m.watches {
		watches = append(watches, w)
	}
	m.mu.Unlock()

	for _, w := range watches {
		if !w.Armed(now) {
			continue // still in the post-fill grace period
		}

		price, ts, err := m.prices.GetPrice(ctx, w.Symbol)
		if err != nil || now.Sub(ts) > time.Minute {
			m.notePriceMiss(ctx, w)
			continue
		}
		m.mu.Lock()
		w.PriceMisses = 0
		m.mu.Unlock()

		if !w.Triggered(price) {
			continue
		}

		m.logger.Warn("software stop triggered",
			slog.String("symbol", w.Symbol),
			slog.Float64("price", price),
			slog.Float64("trigger", w.TriggerPrice))

		if err := m.closeTriggered(ctx, w); err != nil {
			m.logger.Error("software stop close failed",
				slog.String("symbol", w.Symbol),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

// notePriceMiss counts consecutive cache misses and alerts once when the
// threshold is crossed; price gaps are expected and must not spam.
func (m *Manager) notePriceMiss(ctx context.Context, w *domain.ProtectiveWatch) {
	m.mu.Lock()
	w.PriceMisses++
	misses := w.PriceMisses
	m.mu.Unlock()

	if misses == m.cfg.SoftwareStop.PriceMissThreshold {
		m.logger.Warn("protective price feed stale",
			slog.String("symbol", w.Symbol),
			slog.Int("misses", misses))
		m.notify(ctx, "protective", "Protective price feed stale",
			fmt.Sprintf("%s: %d consecutive price misses while a stop is armed", w.Symbol, misses))
	}
}

// closeTriggered drives TRIGGERED -> CLOSING -> DONE | FAILED. Retries back
// off as base*2^(attempt-1); exhaustion emits a persistent alert and leaves
// the watch in place for the next pass.
func (m *Manager) closeTriggered(ctx context.Context, w *domain.ProtectiveWatch) error {
	pos, err := m.trades.GetByOrderID(ctx, w.OrderID)
	if err != nil {
		return fmt.Errorf("lifecycle: stop close %s: %w", w.OrderID, err)
	}
	if pos.Status != domain.StatusOpen {
		m.dropProtection(w.OrderID)
		return nil
	}

	retries := m.cfg.SoftwareStop.CloseRetries
	if retries <= 0 {
		retries = 1
	}
	base := m.cfg.SoftwareStop.CloseBackoffBase.Duration

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		lastErr = m.CloseAtMarket(ctx, pos, "software stop")
		if lastErr == nil {
			return nil
		}
		m.mu.Lock()
		w.RetryCount++
		m.mu.Unlock()

		if attempt == retries {
			break
		}
		wait := base << uint(attempt-1)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}

	m.notify(ctx, "protective", "STOP CLOSE FAILED",
		fmt.Sprintf("%s %s: market close failed after %d attempts: %v — position still live",
			pos.Symbol, pos.OrderID, retries, lastErr))
	return lastErr
}
