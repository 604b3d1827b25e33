package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/lifecycle"
	"github.com/dkrylov/bybitbot/internal/registry"
	"github.com/dkrylov/bybitbot/internal/risk"
)

// Executor consumes at most one pending signal per tick and drives it through
// the entry pipeline: activity check, risk gate, per-symbol cooldown, sizing,
// order placement. Every decision lands in the signal audit trail.
type Executor struct {
	queue    *Queue
	governor *risk.Governor
	manager  *lifecycle.Manager
	registry *registry.Registry
	trades   domain.TradeStore
	audits   domain.SignalAuditStore
	cooldown time.Duration
	logger   *slog.Logger
}

// New creates an Executor.
func New(
	queue *Queue,
	governor *risk.Governor,
	manager *lifecycle.Manager,
	reg *registry.Registry,
	trades domain.TradeStore,
	audits domain.SignalAuditStore,
	cooldown time.Duration,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		queue:    queue,
		governor: governor,
		manager:  manager,
		registry: reg,
		trades:   trades,
		audits:   audits,
		cooldown: cooldown,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// Tick processes at most one signal. The dequeue happens under the queue's
// lock; everything after, including the exchange round trips, runs unlocked
// so signal production is never blocked by a slow entry.
func (e *Executor) Tick(ctx context.Context) error {
	sig, ok := e.queue.Pop()
	if !ok {
		return nil
	}

	if reason := e.blocked(ctx, sig); reason != "" {
		e.audit(ctx, sig, "skipped", reason)
		e.logger.Debug("signal skipped",
			slog.String("symbol", sig.Symbol),
			slog.String("reason", reason))
		return nil
	}

	qty, err := e.governor.Size(ctx, sig)
	if err != nil {
		e.audit(ctx, sig, "skipped", "sizing: "+err.Error())
		return fmt.Errorf("executor: size %s: %w", sig.Symbol, err)
	}

	_, err = e.manager.OpenPosition(ctx, sig, qty)
	if err != nil {
		if errors.Is(err, domain.ErrMinNotional) {
			// The instrument cannot meet its own minimum; stop scanning it.
			if derr := e.registry.Deactivate(ctx, sig.Symbol); derr != nil {
				e.logger.Warn("deactivate after min notional failed",
					slog.String("symbol", sig.Symbol),
					slog.String("error", derr.Error()))
			}
			e.audit(ctx, sig, "skipped", "min notional unmet, instrument deactivated")
			return nil
		}
		e.audit(ctx, sig, "skipped", "entry: "+err.Error())
		return fmt.Errorf("executor: entry %s: %w", sig.Symbol, err)
	}

	e.audit(ctx, sig, "executed", sig.Reason)
	return nil
}

// blocked returns a non-empty reason when the signal must not trade.
func (e *Executor) blocked(ctx context.Context, sig domain.Signal) string {
	if !e.registry.IsActive(sig.Symbol) {
		return "instrument inactive"
	}
	if err := e.governor.Gate(ctx); err != nil {
		return err.Error()
	}
	if e.cooldown > 0 {
		last, err := e.trades.LastEntryTime(ctx, sig.Symbol)
		if err == nil && !last.IsZero() {
			if since := time.Since(last); since < e.cooldown {
				return fmt.Sprintf("cooldown, last entry %s ago", since.Round(time.Second))
			}
		}
	}
	return ""
}

func (e *Executor) audit(ctx context.Context, sig domain.Signal, action, reason string) {
	a := domain.SignalAudit{
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Strategy:    sig.Strategy,
		Price:       sig.ReferencePrice,
		Confidence:  sig.Confidence,
		Action:      action,
		Reason:      reason,
		GeneratedAt: sig.GeneratedAt,
	}
	if err := e.audits.Insert(ctx, a); err != nil {
		e.logger.Warn("signal audit failed",
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()))
	}
}
