package engine

import "errors"

var (
	ErrNotFound               = errors.New("bank engine: not found")
	ErrInsufficientCollateral = errors.New("bank engine: insufficient collateral")
	ErrPaused                 = errors.New("bank engine: operation paused")
	ErrInvalidAmount          = errors.New("bank engine: invalid amount")
	ErrUnauthorized           = errors.New("bank engine: unauthorized")
	ErrStalePrice             = errors.New("bank engine: stale price")
	ErrRateLimited            = errors.New("bank engine: rate limited")
	ErrSlippage               = errors.New("bank engine: slippage bound exceeded")
	ErrConflict               = errors.New("bank engine: conflicting state")
	ErrInternal               = errors.New("bank engine: internal error")
)
