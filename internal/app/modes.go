package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dkrylov/bybitbot/internal/domain"
	"github.com/dkrylov/bybitbot/internal/engine"
	"github.com/dkrylov/bybitbot/internal/executor"
	"github.com/dkrylov/bybitbot/internal/feed"
	"github.com/dkrylov/bybitbot/internal/indicator"
	"github.com/dkrylov/bybitbot/internal/lifecycle"
	"github.com/dkrylov/bybitbot/internal/notify"
	"github.com/dkrylov/bybitbot/internal/registry"
	"github.com/dkrylov/bybitbot/internal/risk"
	"github.com/dkrylov/bybitbot/internal/strategy"
)

// TradeMode acquires the single-instance lock, restores protective state for
// positions that survived a restart, and runs the full worker set plus the
// operator command loop.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")

	lockTTL := a.cfg.Redis.LockTTL.Duration
	if lockTTL <= 0 {
		lockTTL = 3 * a.cfg.Engine.HeartbeatInterval.Duration
	}
	unlock, err := deps.Locks.Acquire(ctx, a.cfg.Redis.LockKey, lockTTL)
	if err != nil {
		return fmt.Errorf("app: acquire instance lock: %w", err)
	}
	defer unlock()

	eng, governor, manager, reg, err := a.buildEngine(deps, false, lockTTL)
	if err != nil {
		return err
	}

	if err := reg.Sync(ctx); err != nil {
		return fmt.Errorf("app: initial registry sync: %w", err)
	}
	for _, inst := range reg.Active() {
		if err := deps.Gateway.SetLeverage(ctx, inst.Symbol, a.cfg.Risk.Leverage); err != nil {
			a.logger.Warn("set leverage failed",
				slog.String("symbol", inst.Symbol), slog.Any("error", err))
		}
	}
	if err := manager.Restore(ctx); err != nil {
		return fmt.Errorf("app: restore open positions: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return eng.Run(ctx) })

	if a.cfg.Notify.TelegramToken != "" && a.cfg.Notify.TelegramChatID != "" {
		cmds := notify.NewCommandLoop(
			a.cfg.Notify.TelegramToken,
			a.cfg.Notify.TelegramChatID,
			a.cfg.Notify.CommandPoll.Duration,
			notify.CommandHooks{
				Stop:   governor.Stop,
				Resume: governor.Resume,
				Status: governor.Status,
			},
			a.logger,
		)
		g.Go(func() error { return cmds.Run(ctx) })
	}

	return g.Wait()
}

// MonitorMode runs the feed, scanner, and audit trail without placing any
// orders. Useful for strategy dry runs against live data.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	eng, _, _, reg, err := a.buildEngine(deps, true, 0)
	if err != nil {
		return err
	}
	if err := reg.Sync(ctx); err != nil {
		return fmt.Errorf("app: initial registry sync: %w", err)
	}
	return eng.Run(ctx)
}

// buildEngine assembles the strategy pipeline and worker loops shared by
// both modes.
func (a *App) buildEngine(deps *Dependencies, monitor bool, lockTTL time.Duration) (*engine.Engine, *risk.Governor, *lifecycle.Manager, *registry.Registry, error) {
	cfg := a.cfg
	logger := a.logger

	strat, err := strategy.New(cfg.Strategy, logger)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("app: build strategy: %w", err)
	}

	marketFeed := feed.NewMarketFeed(
		deps.Stream,
		deps.Gateway,
		deps.Prices,
		cfg.Engine.Symbols,
		cfg.Engine.KlineInterval,
		cfg.Engine.HTFInterval,
		logger,
	)

	reg := registry.New(deps.Gateway, deps.Instruments, cfg.Engine.Symbols, logger)

	governor := risk.NewGovernor(
		cfg.Risk,
		deps.Gateway,
		deps.Trades,
		&domain.RiskState{},
		deps.Notifier,
		logger,
	)

	atrPeriod := cfg.Execution.Trailing.ATRPeriod
	atrFn := func(symbol string) float64 {
		series := indicator.ATR(marketFeed.Klines(symbol), atrPeriod)
		if len(series) == 0 {
			return 0
		}
		return series[len(series)-1]
	}

	manager := lifecycle.NewManager(
		cfg.Execution,
		cfg.Risk.FeeRate,
		deps.Gateway,
		deps.Trades,
		deps.Prices,
		reg,
		governor,
		deps.Notifier,
		atrFn,
		logger,
	)

	queue := executor.NewQueue(cfg.Engine.SignalQueueSize)
	exec := executor.New(
		queue,
		governor,
		manager,
		reg,
		deps.Trades,
		deps.Audits,
		cfg.Execution.TradeCooldown.Duration,
		logger,
	)

	params := engine.Params{
		Cfg:      cfg.Engine,
		OIWindow: time.Duration(cfg.Strategy.WindowMinutes) * time.Minute,
		Monitor:  monitor,
		Feed:     marketFeed,
		Strategy: strat,
		Registry: reg,
		Gateway:  deps.Gateway,
		Prices:   deps.Prices,
		OIs:      deps.OIs,
		Audits:   deps.Audits,
		Queue:    queue,
		Exec:     exec,
		Manager:  manager,
		Governor: governor,
		Logger:   logger,
	}
	if !monitor {
		params.Locks = deps.Locks
		params.LockKey = cfg.Redis.LockKey
		params.LockTTL = lockTTL
		if deps.Archiver != nil {
			params.Archiver = deps.Archiver
		}
	}

	return engine.New(params), governor, manager, reg, nil
}
