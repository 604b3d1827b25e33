package bybit

import (
	"errors"
	"fmt"

	"github.com/dkrylov/bybitbot/internal/domain"
)

// V5 retCode values the client reacts to specifically.
const (
	retCodeOK                = 0
	retCodeTimestampInvalid  = 10002
	retCodeInvalidAPIKey     = 10003
	retCodeInvalidSignature  = 10004
	retCodeRateLimited       = 10006
	retCodeServerError       = 10016
	retCodeIPRateLimited     = 10018
	retCodeAPIKeyExpired     = 33004
	retCodeOrderNotExists    = 110001
	retCodePriceOutOfRange   = 110003
	retCodeInsufficientFunds = 110007
	retCodeReduceOnlyError   = 110017
	retCodeLeverageUnchanged = 110043
	retCodeBelowMinNotional  = 110094
)

// apiError is a non-zero retCode from the V5 envelope. It wraps the matching
// domain sentinel so callers can branch with errors.Is.
type apiError struct {
	Code int
	Msg  string
	kind error
}

func (e *apiError) Error() string {
	return fmt.Sprintf("retCode %d: %s", e.Code, e.Msg)
}

func (e *apiError) Unwrap() error {
	return e.kind
}

// asAPIError extracts an *apiError from an error chain.
func asAPIError(err error, target **apiError) bool {
	return errors.As(err, target)
}

// mapRetCode converts a V5 retCode into an error. Transient codes wrap
// domain.ErrTransient so the retry helper keeps going; rejection codes wrap
// domain.ErrRejectedOrder or domain.ErrMinNotional so it stops immediately;
// credential codes wrap domain.ErrAuth so the engine halts.
func mapRetCode(code int, msg string) error {
	if code == retCodeOK {
		return nil
	}

	var kind error
	switch code {
	case retCodeTimestampInvalid, retCodeRateLimited, retCodeServerError, retCodeIPRateLimited:
		kind = domain.ErrTransient
	case retCodeInvalidAPIKey, retCodeInvalidSignature, retCodeAPIKeyExpired:
		kind = domain.ErrAuth
	case retCodeOrderNotExists:
		kind = domain.ErrNotFound
	case retCodeBelowMinNotional:
		kind = domain.ErrMinNotional
	case retCodePriceOutOfRange, retCodeInsufficientFunds, retCodeReduceOnlyError:
		kind = domain.ErrRejectedOrder
	}
	return &apiError{Code: code, Msg: msg, kind: kind}
}
