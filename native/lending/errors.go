package lending

import "errors"

var (
	ErrNilState               = errors.New("bank: state not configured")
	ErrNilPoolManager         = errors.New("bank: pool manager not configured")
	ErrPoolNotInitialized     = errors.New("bank: pool not initialised")
	ErrPoolAlreadyInitialized = errors.New("bank: pool already initialised")
	ErrInvalidAmount          = errors.New("bank: amount must be positive")
	ErrInsufficientDeposits   = errors.New("bank: insufficient deposits")
	ErrHealthCheckFailed      = errors.New("bank: health factor below 1")
	ErrUtilizationCeiling     = errors.New("bank: utilization ceiling exceeded")
	ErrNoDebtToRepay          = errors.New("bank: no outstanding debt")
	ErrNotLiquidatable        = errors.New("bank: position not eligible for liquidation")
	ErrDebtAmountExceedsDebt  = errors.New("bank: debt amount exceeds outstanding debt")
	ErrStalePrice             = errors.New("bank: oracle price is stale")
	ErrRateLimited            = errors.New("bank: borrow rate limit exceeded")
	ErrHoldTime               = errors.New("bank: minimum hold time not elapsed")
	ErrNotAuthorized          = errors.New("bank: caller not authorized")
	ErrNotPoolManager         = errors.New("bank: caller is not the pool manager")
	ErrHookNotImplemented     = errors.New("bank: hook not implemented")
	ErrHookAddressMismatch    = errors.New("bank: pool key hooks address mismatch")
	ErrZeroAddress            = errors.New("bank: zero address")
	ErrAlreadyPaused          = errors.New("bank: already paused")
	ErrNotPaused              = errors.New("bank: not paused")
	ErrObservationIndex       = errors.New("bank: observation index out of range")
)
