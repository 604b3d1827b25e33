package postgres

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// SignalStore implements domain.SignalAuditStore using PostgreSQL.
type SignalStore struct {
	pool *pgxpool.Pool
}

// NewSignalStore creates a new SignalStore backed by the given connection pool.
func NewSignalStore(pool *pgxpool.Pool) *SignalStore {
	return &SignalStore{pool: pool}
}

// Insert appends a signal audit row.
func (s *SignalStore) Insert(ctx context.Context, a domain.SignalAudit) error {
	const query = `
		INSERT INTO signal_audits (symbol, side, strategy, price, confidence, action, reason, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := s.pool.Exec(ctx, query,
		a.Symbol, string(a.Side), a.Strategy, a.Price, a.Confidence, a.Action, a.Reason, a.GeneratedAt)
	if err != nil {
		return fmt.Errorf("postgres: insert signal audit %s: %w", a.Symbol, classify(err))
	}
	return nil
}

// LastSignalTime returns the generated_at of the most recent audit row for a
// symbol, or the zero time when none exists.
func (s *SignalStore) LastSignalTime(ctx context.Context, symbol string) (time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(generated_at) FROM signal_audits WHERE symbol = $1`, symbol).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("postgres: last signal time %s: %w", symbol, classify(err))
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return *ts, nil
}

// List returns audit rows for a symbol, newest first, honoring the list options.
func (s *SignalStore) List(ctx context.Context, symbol string, opts domain.ListOpts) ([]domain.SignalAudit, error) {
	query := `SELECT id, symbol, side, strategy, price, confidence, action, reason, generated_at
		FROM signal_audits WHERE symbol = $1`
	args := []any{symbol}
	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += ` AND generated_at >= $` + strconv.Itoa(len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += ` AND generated_at < $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY generated_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += ` LIMIT $` + strconv.Itoa(len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signal audits %s: %w", symbol, classify(err))
	}
	defer rows.Close()

	var audits []domain.SignalAudit
	for rows.Next() {
		var a domain.SignalAudit
		var side string
		if err := rows.Scan(&a.ID, &a.Symbol, &side, &a.Strategy, &a.Price,
			&a.Confidence, &a.Action, &a.Reason, &a.GeneratedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan signal audit: %w", classify(err))
		}
		a.Side = domain.Side(side)
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// ListBefore returns all audit rows generated strictly before the given time,
// oldest first (for archiving).
func (s *SignalStore) ListBefore(ctx context.Context, before time.Time) ([]domain.SignalAudit, error) {
	const query = `
		SELECT id, symbol, side, strategy, price, confidence, action, reason, generated_at
		FROM signal_audits WHERE generated_at < $1 ORDER BY generated_at ASC`
	rows, err := s.pool.Query(ctx, query, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list signal audits before: %w", classify(err))
	}
	defer rows.Close()

	var audits []domain.SignalAudit
	for rows.Next() {
		var a domain.SignalAudit
		var side string
		if err := rows.Scan(&a.ID, &a.Symbol, &side, &a.Strategy, &a.Price,
			&a.Confidence, &a.Action, &a.Reason, &a.GeneratedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan signal audit: %w", classify(err))
		}
		a.Side = domain.Side(side)
		audits = append(audits, a)
	}
	return audits, rows.Err()
}

// DeleteBefore deletes audit rows older than the given time. Returns the
// number deleted.
func (s *SignalStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM signal_audits WHERE generated_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete signal audits before: %w", classify(err))
	}
	return tag.RowsAffected(), nil
}

// Compile-time interface check.
var _ domain.SignalAuditStore = (*SignalStore)(nil)
