package domain

import (
	"context"
	"time"
)

// PriceCache provides fast access to the latest mark prices. Entries carry a
// short TTL so stale prices surface as ErrPriceUnavailable rather than
// triggering protective logic on old data.
type PriceCache interface {
	SetPrice(ctx context.Context, symbol string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, symbol string) (float64, time.Time, error)
	GetPrices(ctx context.Context, symbols []string) (map[string]float64, error)
}

// LockManager provides distributed locking. The engine uses it to enforce a
// single running instance per deployment.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
	Refresh(ctx context.Context, key string, ttl time.Duration) error
}

// RateLimiter provides distributed rate limiting for gateway calls. Allow is
// the non-blocking check; Wait blocks until the window admits the call.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string, limit int, window time.Duration) error
}

// BlobWriter stores archive payloads in object storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, body []byte, contentType string) error
}
