package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// InstrumentStore implements domain.InstrumentStore using PostgreSQL.
type InstrumentStore struct {
	pool *pgxpool.Pool
}

// NewInstrumentStore creates a new InstrumentStore backed by the given
// connection pool.
func NewInstrumentStore(pool *pgxpool.Pool) *InstrumentStore {
	return &InstrumentStore{pool: pool}
}

// Upsert inserts or reactivates an instrument row for the symbol.
func (s *InstrumentStore) Upsert(ctx context.Context, symbol string, active bool) error {
	const query = `
		INSERT INTO instruments (symbol, active)
		VALUES ($1, $2)
		ON CONFLICT (symbol) DO UPDATE
		SET active = EXCLUDED.active, updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, symbol, active); err != nil {
		return fmt.Errorf("postgres: upsert instrument %s: %w", symbol, classify(err))
	}
	return nil
}

// DeactivateMissing flips active to false for every instrument whose symbol
// is not in the present set. Returns the number of rows deactivated.
func (s *InstrumentStore) DeactivateMissing(ctx context.Context, present []string) (int64, error) {
	const query = `
		UPDATE instruments
		SET active = FALSE, updated_at = NOW()
		WHERE active AND NOT (symbol = ANY($1))`
	tag, err := s.pool.Exec(ctx, query, present)
	if err != nil {
		return 0, fmt.Errorf("postgres: deactivate missing instruments: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// Deactivate flips a single instrument inactive (e.g. after a min-notional
// rejection).
func (s *InstrumentStore) Deactivate(ctx context.Context, symbol string) error {
	const query = `UPDATE instruments SET active = FALSE, updated_at = NOW() WHERE symbol = $1`
	if _, err := s.pool.Exec(ctx, query, symbol); err != nil {
		return fmt.Errorf("postgres: deactivate instrument %s: %w", symbol, classify(err))
	}
	return nil
}

// ListActive returns all active instruments ordered by symbol.
func (s *InstrumentStore) ListActive(ctx context.Context) ([]domain.Instrument, error) {
	const query = `
		SELECT id, symbol, active, created_at, updated_at
		FROM instruments WHERE active ORDER BY symbol`
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active instruments: %w", classify(err))
	}
	defer rows.Close()

	var out []domain.Instrument
	for rows.Next() {
		var in domain.Instrument
		if err := rows.Scan(&in.ID, &in.Symbol, &in.Active, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan instrument: %w", classify(err))
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// Compile-time interface check.
var _ domain.InstrumentStore = (*InstrumentStore)(nil)
