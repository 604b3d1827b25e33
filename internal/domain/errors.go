package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrTransient        = errors.New("transient gateway error")
	ErrRejectedOrder    = errors.New("order rejected")
	ErrMinNotional      = errors.New("minimum notional unmet")
	ErrPriceUnavailable = errors.New("price unavailable")
	ErrEntryBlocked     = errors.New("entry blocked by risk state")
	ErrPositionOpen     = errors.New("position already open")
	ErrWSDisconnect     = errors.New("websocket disconnected")
	ErrLockHeld         = errors.New("lock already held")
	ErrFatal            = errors.New("fatal infrastructure error")

	// ErrAuth wraps ErrFatal: a rejected key or signature never recovers
	// by retrying, so supervisors halt instead of spinning.
	ErrAuth = fmt.Errorf("exchange authentication failed: %w", ErrFatal)
)
