// Package engine runs the daemon's worker loops: market feed, registry sync,
// open-interest polling, signal scanning, execution, protective monitoring,
// reconciliation, and housekeeping. Each loop is a named goroutine under a
// shared errgroup; per-iteration errors are logged and retried on the next
// tick, while fatal infrastructure errors cancel the whole group.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkrylov/bybitbot/internal/config"
	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/executor"
	"github.com/dkrylov/bybitbot/internal/feed"
	"github.com/dkrylov/bybitbot/internal/lifecycle"
	"github.com/dkrylov/bybitbot/internal/registry"
	"github.com/dkrylov/bybitbot/internal/risk"
	"github.com/dkrylov/bybitbot/internal/strategy"
)

// ArchiveRunner performs one archival pass. Satisfied by the S3 archiver.
type ArchiveRunner interface {
	Archive(ctx context.Context) error
}

// archiveInterval is how often the archival job wakes up. The retention
// cutoff makes repeated runs cheap when nothing has aged out.
const archiveInterval = 24 * time.Hour

// Params bundles everything the Engine needs. Monitor disables the loops
// that place or manage orders; the feed, scanner, and audit trail still run.
type Params struct {
	Cfg      config.EngineConfig
	OIWindow time.Duration
	Monitor  bool

	Feed     *feed.MarketFeed
	Strategy strategy.Strategy
	Registry *registry.Registry
	Gateway  domain.ExchangeGateway
	Prices   domain.PriceCache
	OIs      domain.OIStore
	Audits   domain.SignalAuditStore
	Queue    *executor.Queue
	Exec     *executor.Executor
	Manager  *lifecycle.Manager
	Governor *risk.Governor

	Locks    domain.LockManager
	LockKey  string
	LockTTL  time.Duration
	Archiver ArchiveRunner

	Logger *slog.Logger
}

// Engine owns the worker goroutines for one daemon instance.
type Engine struct {
	p      Params
	logger *slog.Logger
}

// New creates an Engine. It does not start any goroutines.
func New(p Params) *Engine {
	return &Engine{
		p:      p,
		logger: p.Logger.With(slog.String("component", "engine")),
	}
}

// Run backfills history, then starts all loops and blocks until the context
// is cancelled or a loop returns a fatal error.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.p.Feed.Backfill(ctx); err != nil {
		return fmt.Errorf("engine: backfill: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.p.Feed.Run(ctx) })

	e.loop(g, ctx, "registry_sync", e.p.Cfg.RegistrySync.Duration, e.p.Registry.Sync)
	e.loop(g, ctx, "oi_poll", e.p.Cfg.OIPollInterval.Duration, e.pollOpenInterest)
	e.loop(g, ctx, "scan", e.p.Cfg.ScanInterval.Duration, e.scan)
	e.loop(g, ctx, "heartbeat", e.p.Cfg.HeartbeatInterval.Duration, e.heartbeat)
	g.Go(func() error { return e.dailyReset(ctx) })

	if !e.p.Monitor {
		e.loop(g, ctx, "exec", e.p.Cfg.ExecInterval.Duration, e.p.Exec.Tick)
		e.loop(g, ctx, "protective", e.p.Cfg.ProtectInterval.Duration, e.p.Manager.CheckProtective)
		e.loop(g, ctx, "trailing", e.p.Cfg.ProtectInterval.Duration, e.p.Manager.CheckTrailing)
		e.loop(g, ctx, "panic", e.p.Cfg.PanicInterval.Duration, e.p.Manager.CheckPanic)
		e.loop(g, ctx, "reconcile", e.p.Cfg.ReconcileInterval.Duration, e.p.Manager.Reconcile)
		if e.p.Archiver != nil {
			e.loop(g, ctx, "archive", archiveInterval, e.p.Archiver.Archive)
		}
	}

	e.logger.Info("engine started",
		slog.Int("symbols", len(e.p.Cfg.Symbols)),
		slog.Bool("monitor", e.p.Monitor))

	return g.Wait()
}

// loop spawns a ticker-driven goroutine. Iteration errors are logged and the
// loop keeps going unless the error is fatal.
func (e *Engine) loop(g *errgroup.Group, ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	if interval <= 0 {
		e.logger.Warn("loop disabled, non-positive interval", slog.String("loop", name))
		return
	}
	logger := e.logger.With(slog.String("loop", name))
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := fn(ctx); err != nil {
					if errors.Is(err, domain.ErrFatal) {
						logger.Error("fatal error, stopping engine", slog.Any("error", err))
						return err
					}
					logger.Warn("iteration failed", slog.Any("error", err))
				}
			}
		}
	})
}

// pollOpenInterest samples open interest for every watched symbol and
// appends it to the series store. A failed symbol does not block the rest.
func (e *Engine) pollOpenInterest(ctx context.Context) error {
	for _, inst := range e.p.Registry.Active() {
		sample, err := e.p.Gateway.GetOpenInterest(ctx, inst.Symbol)
		if err != nil {
			e.logger.Warn("open interest fetch failed",
				slog.String("symbol", inst.Symbol), slog.Any("error", err))
			continue
		}
		if err := e.p.OIs.Insert(ctx, sample); err != nil {
			return fmt.Errorf("engine: store oi sample %s: %w", inst.Symbol, err)
		}
	}
	return nil
}

// scan evaluates the strategy against a fresh snapshot of every active
// symbol and queues the resulting signals.
func (e *Engine) scan(ctx context.Context) error {
	for _, inst := range e.p.Registry.Active() {
		sig, err := e.evaluate(ctx, inst.Symbol)
		if err != nil {
			if errors.Is(err, domain.ErrFatal) {
				return err
			}
			e.logger.Warn("evaluation failed",
				slog.String("symbol", inst.Symbol), slog.Any("error", err))
			continue
		}
		if sig == nil {
			continue
		}
		if !e.p.Queue.Push(*sig) {
			e.audit(ctx, *sig, "skipped", "queue full or duplicate")
			continue
		}
		e.audit(ctx, *sig, "queued", sig.Reason)
		e.logger.Info("signal queued",
			slog.String("symbol", sig.Symbol),
			slog.String("strategy", sig.Strategy),
			slog.Float64("confidence", sig.Confidence),
			slog.String("reason", sig.Reason))
	}
	return nil
}

// evaluate assembles a market snapshot and runs the strategy. A missing
// price or book is not an error; the snapshot simply carries less data and
// the strategy's own guards decide.
func (e *Engine) evaluate(ctx context.Context, symbol string) (*domain.Signal, error) {
	snap := domain.MarketSnapshot{
		Symbol:    symbol,
		Klines:    e.p.Feed.Klines(symbol),
		KlinesHTF: e.p.Feed.KlinesHTF(symbol),
		Now:       time.Now().UTC(),
	}
	if len(snap.Klines) == 0 {
		return nil, nil
	}

	if price, _, err := e.p.Prices.GetPrice(ctx, symbol); err == nil {
		snap.LastPrice = price
	} else if !errors.Is(err, domain.ErrPriceUnavailable) {
		e.logger.Warn("price cache read failed",
			slog.String("symbol", symbol), slog.Any("error", err))
	}
	if snap.LastPrice == 0 {
		snap.LastPrice = snap.Klines[len(snap.Klines)-1].Close
	}

	series, err := e.p.OIs.RecentSeries(ctx, symbol, e.p.OIWindow)
	if err != nil {
		return nil, fmt.Errorf("engine: oi series %s: %w", symbol, err)
	}
	snap.OISeries = series

	book, err := e.p.Gateway.GetBestBidAsk(ctx, symbol)
	if err != nil {
		e.logger.Warn("book fetch failed",
			slog.String("symbol", symbol), slog.Any("error", err))
	} else {
		snap.Book = book
	}

	// The public feed carries no per-side volume; vetoes that need it
	// treat the unknown flag as a pass.
	snap.SideVolume = domain.SideVolume{Known: false}

	return e.p.Strategy.Evaluate(ctx, snap)
}

// heartbeat refreshes the singleton lock and logs a liveness line.
func (e *Engine) heartbeat(ctx context.Context) error {
	if e.p.Locks != nil && e.p.LockKey != "" {
		if err := e.p.Locks.Refresh(ctx, e.p.LockKey, e.p.LockTTL); err != nil {
			return fmt.Errorf("engine: refresh lock: %w", err)
		}
	}
	// How many watched symbols have a live cached price. A number well below
	// the symbol count means the ticker stream is behind or down.
	cached := 0
	if prices, err := e.p.Prices.GetPrices(ctx, e.p.Cfg.Symbols); err == nil {
		cached = len(prices)
	} else {
		e.logger.Warn("price cache sweep failed", slog.Any("error", err))
	}

	state := e.p.Governor.State()
	e.logger.Info("heartbeat",
		slog.Int("queue", e.p.Queue.Len()),
		slog.Int("prices_cached", cached),
		slog.Float64("daily_pnl", state.DailyPnl()),
		slog.Bool("emergency", state.Emergency()),
		slog.Bool("circuit_breaker", state.CircuitBreakerActive(time.Now())))
	return nil
}

// dailyReset clears the daily PnL counter at every UTC midnight.
func (e *Engine) dailyReset(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next := now.Truncate(24 * time.Hour).Add(24 * time.Hour)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			e.p.Governor.State().ResetDaily()
			e.logger.Info("daily risk counters reset")
		}
	}
}

func (e *Engine) audit(ctx context.Context, sig domain.Signal, action, reason string) {
	rec := domain.SignalAudit{
		Symbol:      sig.Symbol,
		Side:        sig.Side,
		Strategy:    sig.Strategy,
		Price:       sig.ReferencePrice,
		Confidence:  sig.Confidence,
		Action:      action,
		Reason:      reason,
		GeneratedAt: sig.GeneratedAt,
	}
	if err := e.p.Audits.Insert(ctx, rec); err != nil {
		e.logger.Warn("audit insert failed",
			slog.String("symbol", sig.Symbol), slog.Any("error", err))
	}
}
