package registry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// Registry maintains the tradable-symbol set and the per-symbol exchange
// filters. Sync refreshes both the Ledger and the in-memory view; a failed
// sync leaves the previous active set untouched so a flaky exchange call
// never blanks the universe mid-session.
type Registry struct {
	gateway domain.ExchangeGateway
	store   domain.InstrumentStore
	logger  *slog.Logger

	// Watched restricts the registry to a configured symbol list. Empty
	// means every listed linear perpetual.
	watched map[string]struct{}

	mu      sync.RWMutex
	active  map[string]domain.Instrument
	filters map[string]domain.InstrumentFilters
}

// New creates a Registry. symbols restricts the universe; pass nil to track
// everything the exchange lists.
func New(gateway domain.ExchangeGateway, store domain.InstrumentStore, symbols []string, logger *slog.Logger) *Registry {
	watched := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		watched[s] = struct{}{}
	}
	return &Registry{
		gateway: gateway,
		store:   store,
		logger:  logger.With(slog.String("component", "registry")),
		watched: watched,
		active:  make(map[string]domain.Instrument),
		filters: make(map[string]domain.InstrumentFilters),
	}
}

// Sync fetches the tradable symbol set from the exchange, upserts it into the
// Ledger, and deactivates rows the exchange no longer lists. On gateway error
// the previous in-memory set is kept and the error returned for the caller to
// log and retry next cycle.
func (r *Registry) Sync(ctx context.Context) error {
	listed, err := r.gateway.ListSymbols(ctx)
	if err != nil {
		return fmt.Errorf("registry: sync: %w", err)
	}

	present := make([]string, 0, len(listed))
	for _, symbol := range listed {
		if len(r.watched) > 0 {
			if _, ok := r.watched[symbol]; !ok {
				continue
			}
		}
		present = append(present, symbol)
		if err := r.store.Upsert(ctx, symbol, true); err != nil {
			return fmt.Errorf("registry: sync upsert %s: %w", symbol, err)
		}
	}

	deactivated, err := r.store.DeactivateMissing(ctx, present)
	if err != nil {
		return fmt.Errorf("registry: sync deactivate: %w", err)
	}
	if deactivated > 0 {
		r.logger.Info("instruments delisted", slog.Int64("count", deactivated))
	}

	instruments, err := r.store.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("registry: sync reload: %w", err)
	}

	next := make(map[string]domain.Instrument, len(instruments))
	for _, ins := range instruments {
		next[ins.Symbol] = ins
	}

	r.mu.Lock()
	r.active = next
	r.mu.Unlock()

	r.logger.Info("registry synced", slog.Int("active", len(next)))
	return nil
}

// IsActive reports whether a symbol is currently tradable.
func (r *Registry) IsActive(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.active[symbol]
	return ok
}

// Active returns the current active instrument set.
func (r *Registry) Active() []domain.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Instrument, 0, len(r.active))
	for _, ins := range r.active {
		out = append(out, ins)
	}
	return out
}

// Deactivate marks a symbol untradable in both the Ledger and the in-memory
// set. Invoked when orders are rejected for unmeetable minimum notional.
func (r *Registry) Deactivate(ctx context.Context, symbol string) error {
	if err := r.store.Deactivate(ctx, symbol); err != nil {
		return fmt.Errorf("registry: deactivate %s: %w", symbol, err)
	}

	r.mu.Lock()
	delete(r.active, symbol)
	r.mu.Unlock()

	r.logger.Warn("instrument deactivated", slog.String("symbol", symbol))
	return nil
}

// Filters returns the exchange precision limits for a symbol, fetched once
// and cached for the process lifetime. Filters change only on relisting.
func (r *Registry) Filters(ctx context.Context, symbol string) (domain.InstrumentFilters, error) {
	r.mu.RLock()
	f, ok := r.filters[symbol]
	r.mu.RUnlock()
	if ok {
		return f, nil
	}

	f, err := r.gateway.GetInstrumentFilters(ctx, symbol)
	if err != nil {
		return domain.InstrumentFilters{}, fmt.Errorf("registry: filters %s: %w", symbol, err)
	}
	f.Symbol = symbol

	r.mu.Lock()
	r.filters[symbol] = f
	r.mu.Unlock()
	return f, nil
}

// --------------------------------------------------------------------------
// Quantity and price snapping
// --------------------------------------------------------------------------

// SnapToStep floors qty to the lot step and raises it to MinQty when the
// floored value falls below the minimum. Used for entries, where a slightly
// larger order is preferable to a rejected one.
func SnapToStep(qty float64, f domain.InstrumentFilters) float64 {
	snapped := SnapDownToStep(qty, f)
	if snapped < f.MinQty {
		return f.MinQty
	}
	return snapped
}

// SnapDownToStep floors qty to the lot step without a minimum floor. Used
// for reduce-only partials, which must never exceed the remaining position.
func SnapDownToStep(qty float64, f domain.InstrumentFilters) float64 {
	if f.QtyStep <= 0 {
		return qty
	}
	steps := math.Floor(qty / f.QtyStep)
	return steps * f.QtyStep
}

// EnsureMinNotional raises qty in whole lot steps until qty*price clears the
// minimum order value.
func EnsureMinNotional(qty, price float64, f domain.InstrumentFilters) float64 {
	if f.MinNotional <= 0 || price <= 0 || f.QtyStep <= 0 {
		return qty
	}
	for qty*price < f.MinNotional {
		qty += f.QtyStep
	}
	return qty
}

// RoundToTick rounds price to the nearest price tick.
func RoundToTick(price float64, f domain.InstrumentFilters) float64 {
	if f.TickSize <= 0 {
		return price
	}
	return math.Round(price/f.TickSize) * f.TickSize
}
