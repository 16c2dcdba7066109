package lending

import "math/big"

// InterestModel encapsulates the parameters that shape how the borrow rate
// reacts to market utilisation.
type InterestModel struct {
	// BaseRate is the annual borrow rate applied at zero utilisation.
	BaseRate *big.Rat
	// Slope1 is the rate increase per unit of utilisation up to the kink.
	Slope1 *big.Rat
	// Slope2 applies to utilisation beyond the kink.
	Slope2 *big.Rat
	// Kink is the utilisation ratio where the slope changes.
	Kink *big.Rat
}

// Clone returns a deep copy of the interest model.
func (m *InterestModel) Clone() *InterestModel {
	if m == nil {
		return nil
	}
	return &InterestModel{
		BaseRate: cloneRat(m.BaseRate),
		Slope1:   cloneRat(m.Slope1),
		Slope2:   cloneRat(m.Slope2),
		Kink:     cloneRat(m.Kink),
	}
}

// NewInterestModel constructs an interest model from decimals, e.g. a 2% base
// rate is 0.02 and an 80% kink is 0.8.
func NewInterestModel(baseRate, slope1, slope2, kink float64) *InterestModel {
	model := &InterestModel{
		BaseRate: new(big.Rat),
		Slope1:   new(big.Rat),
		Slope2:   new(big.Rat),
		Kink:     new(big.Rat),
	}
	model.BaseRate.SetFloat64(baseRate)
	model.Slope1.SetFloat64(slope1)
	model.Slope2.SetFloat64(slope2)
	model.Kink.SetFloat64(kink)
	return model
}

// Utilisation computes U = totalBorrows / collateralValue, where the value is
// already expressed in the borrowed currency. Empty markets report zero; a
// market with debt but no collateral value reports one.
func Utilisation(totalBorrows, collateralValue *big.Int) *big.Rat {
	if totalBorrows == nil || totalBorrows.Sign() == 0 {
		return new(big.Rat)
	}
	if collateralValue == nil || collateralValue.Sign() == 0 {
		return big.NewRat(1, 1)
	}
	return new(big.Rat).SetFrac(totalBorrows, collateralValue)
}

// BorrowRate derives the annual borrow rate for the given utilisation.
func (m *InterestModel) BorrowRate(utilisation *big.Rat) *big.Rat {
	if m == nil {
		return new(big.Rat)
	}
	rate := cloneRat(m.BaseRate)
	if utilisation == nil || utilisation.Sign() == 0 {
		return rate
	}

	kink := cloneRat(m.Kink)
	if kink.Sign() == 0 || utilisation.Cmp(kink) <= 0 {
		return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), utilisation))
	}

	rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope1), kink))
	excess := new(big.Rat).Sub(utilisation, kink)
	return rate.Add(rate, new(big.Rat).Mul(cloneRat(m.Slope2), excess))
}

// SupplyRate derives the rate quoted to depositors from the borrow rate, the
// utilisation and the reserve factor in basis points.
func (m *InterestModel) SupplyRate(utilisation *big.Rat, reserveFactorBps uint64) *big.Rat {
	if m == nil || utilisation == nil || utilisation.Sign() == 0 {
		return new(big.Rat)
	}
	borrowRate := m.BorrowRate(utilisation)
	reserve := new(big.Rat).SetFrac(new(big.Int).SetUint64(reserveFactorBps), basisPoints)
	oneMinus := new(big.Rat).Sub(big.NewRat(1, 1), reserve)
	if oneMinus.Sign() < 0 {
		oneMinus.SetInt64(0)
	}
	out := new(big.Rat).Mul(borrowRate, utilisation)
	return out.Mul(out, oneMinus)
}

func cloneRat(r *big.Rat) *big.Rat {
	if r == nil {
		return new(big.Rat)
	}
	return new(big.Rat).Set(r)
}

// DefaultInterestModel is a kinked curve with a modest base rate.
var DefaultInterestModel = NewInterestModel(0.02, 0.15, 0.6, 0.8)
