package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// OIStore implements domain.OIStore using PostgreSQL.
type OIStore struct {
	pool *pgxpool.Pool
}

// NewOIStore creates a new OIStore backed by the given connection pool.
func NewOIStore(pool *pgxpool.Pool) *OIStore {
	return &OIStore{pool: pool}
}

// Insert persists one open-interest observation.
func (s *OIStore) Insert(ctx context.Context, sample domain.OISample) error {
	const query = `INSERT INTO oi_samples (symbol, value, ts) VALUES ($1, $2, $3)`
	if _, err := s.pool.Exec(ctx, query, sample.Symbol, sample.Value, sample.Timestamp); err != nil {
		return fmt.Errorf("postgres: insert oi sample %s: %w", sample.Symbol, classify(err))
	}
	return nil
}

// RecentSeries returns samples for a symbol within the trailing window,
// oldest first.
func (s *OIStore) RecentSeries(ctx context.Context, symbol string, window time.Duration) ([]domain.OISample, error) {
	const query = `
		SELECT symbol, value, ts FROM oi_samples
		WHERE symbol = $1 AND ts >= $2 ORDER BY ts ASC`
	rows, err := s.pool.Query(ctx, query, symbol, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("postgres: oi series %s: %w", symbol, classify(err))
	}
	defer rows.Close()

	var series []domain.OISample
	for rows.Next() {
		var sample domain.OISample
		if err := rows.Scan(&sample.Symbol, &sample.Value, &sample.Timestamp); err != nil {
			return nil, fmt.Errorf("postgres: scan oi sample: %w", classify(err))
		}
		series = append(series, sample)
	}
	return series, rows.Err()
}

// DeleteBefore deletes samples older than the given time. Returns the number
// deleted.
func (s *OIStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM oi_samples WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete oi samples before: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.OIStore = (*OIStore)(nil)
