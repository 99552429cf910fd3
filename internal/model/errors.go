package model

import (
	"errors"
	"fmt"

	"github.com/ktex/exchange-engine/internal/fixed"
)

// Error kinds. Every failure returned by the ledgers and the orchestrator
// wraps exactly one of these, so callers classify with errors.Is and show
// the wrapped message as the reason.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidState      = errors.New("invalid state")
	ErrOverflow          = fixed.ErrOverflow
	ErrUnderflow         = fixed.ErrUnderflow
	ErrInvalidInput      = errors.New("invalid input")
	ErrStaleQuote        = errors.New("stale or missing quote")
	ErrSlippageExceeded  = errors.New("slippage exceeded")
	ErrPrecisionMismatch = errors.New("precision mismatch")
	ErrLimitExceeded     = errors.New("limit exceeded")
	ErrUnauthorized      = errors.New("unauthorized")

	// ErrAlreadyExists is an InvalidState failure for duplicate keys.
	ErrAlreadyExists = fmt.Errorf("%w: already exists", ErrInvalidState)
)
