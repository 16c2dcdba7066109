package lending

import (
	"errors"
	"math/big"
)

// Params groups the governance controlled constants of the bank. Basis point
// values use 10_000 as 100%; periods are in seconds.
type Params struct {
	// LiquidationThresholdBps scales collateral value in the health factor.
	LiquidationThresholdBps uint64
	// LiquidationBonusBps is the extra collateral awarded to liquidators.
	LiquidationBonusBps uint64
	// MaxBorrowPerWindow caps the debt a user may open within one window.
	MaxBorrowPerWindow *big.Int
	// RateLimitWindow is the length of the rolling borrow window.
	RateLimitWindow uint64
	// MinHoldTime blocks withdrawals for this long after a borrow.
	MinHoldTime uint64
	// StalenessPeriod is the maximum age of the newest observation before
	// the price is considered stale.
	StalenessPeriod uint32
	// TwapPeriod is the averaging window of the oracle price.
	TwapPeriod uint32
	// MaxUtilizationBps bounds total borrows against collateral value.
	MaxUtilizationBps uint64
	// DefaultCardinalityNext sizes the observation ring at initialisation.
	DefaultCardinalityNext uint16
	// ReserveFactorBps is withheld from the supply rate quoted to depositors.
	ReserveFactorBps uint64
}

var errInvalidParams = errors.New("bank params: invalid")

// DefaultParams returns the production defaults.
func DefaultParams() Params {
	return Params{
		LiquidationThresholdBps: 8_000,
		LiquidationBonusBps:     500,
		MaxBorrowPerWindow:      new(big.Int).Mul(big.NewInt(100_000), wad),
		RateLimitWindow:         3_600,
		MinHoldTime:             300,
		StalenessPeriod:         3_600,
		TwapPeriod:              1_800,
		MaxUtilizationBps:       9_000,
		DefaultCardinalityNext:  64,
		ReserveFactorBps:        1_000,
	}
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	out := p
	out.MaxBorrowPerWindow = cloneOptionalInt(p.MaxBorrowPerWindow)
	return out
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	switch {
	case p.LiquidationThresholdBps == 0 || p.LiquidationThresholdBps > 10_000:
		return errors.Join(errInvalidParams, errors.New("liquidation threshold must be within (0, 10000]"))
	case p.LiquidationBonusBps > 10_000:
		return errors.Join(errInvalidParams, errors.New("liquidation bonus must not exceed 10000"))
	case p.MaxUtilizationBps == 0 || p.MaxUtilizationBps > 10_000:
		return errors.Join(errInvalidParams, errors.New("max utilization must be within (0, 10000]"))
	case p.MaxBorrowPerWindow != nil && p.MaxBorrowPerWindow.Sign() < 0:
		return errors.Join(errInvalidParams, errors.New("max borrow per window must not be negative"))
	case p.TwapPeriod == 0:
		return errors.Join(errInvalidParams, errors.New("twap period must be positive"))
	case p.StalenessPeriod == 0:
		return errors.Join(errInvalidParams, errors.New("staleness period must be positive"))
	case p.DefaultCardinalityNext == 0:
		return errors.Join(errInvalidParams, errors.New("default cardinality must be positive"))
	case p.ReserveFactorBps > 10_000:
		return errors.Join(errInvalidParams, errors.New("reserve factor must not exceed 10000"))
	}
	return nil
}
