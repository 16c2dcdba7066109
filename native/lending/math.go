package lending

import (
	"math/big"

	"github.com/holiman/uint256"
)

const secondsPerYear = 31_536_000

var (
	basisPoints = big.NewInt(10_000)
	wad         = mustBigInt("1000000000000000000")          // 1e18
	ray         = mustBigInt("1000000000000000000000000000") // 1e27
	halfRay     = new(big.Int).Rsh(ray, 1)

	// MaxHealthFactor is reported for positions without debt.
	MaxHealthFactor = new(uint256.Int).SetAllOne().ToBig()
	// HealthFactorOne is the 1.0 threshold in 1e18 precision.
	HealthFactorOne = new(big.Int).Set(wad)
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

func rayMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	product.Add(product, halfRay)
	return product.Quo(product, ray)
}

func ratToRay(r *big.Rat) *big.Int {
	if r == nil {
		return big.NewInt(0)
	}
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(ray))
	num := scaled.Num()
	den := scaled.Denom()
	return new(big.Int).Quo(new(big.Int).Add(num, halfUp(den)), den)
}

// rateFactor is the linear growth factor ray*(1 + rate*delta/year) for a ray
// annual rate.
func rateFactor(rateRay *big.Int, delta uint64) *big.Int {
	if rateRay == nil || rateRay.Sign() == 0 || delta == 0 {
		return new(big.Int).Set(ray)
	}
	growth := new(big.Int).Mul(rateRay, new(big.Int).SetUint64(delta))
	growth.Quo(growth, big.NewInt(secondsPerYear))
	return growth.Add(growth, ray)
}

// valueOf converts a currency0 amount to currency1 at a 1e18 price.
func valueOf(amount, price *big.Int) *big.Int {
	if amount == nil || price == nil {
		return big.NewInt(0)
	}
	out := new(big.Int).Mul(amount, price)
	return out.Quo(out, wad)
}

func bps(amount *big.Int, points uint64) *big.Int {
	out := new(big.Int).Mul(amount, new(big.Int).SetUint64(points))
	return out.Quo(out, basisPoints)
}

func scaledDebtFromAmount(amount, index *big.Int) *big.Int {
	if amount == nil || amount.Sign() <= 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	scaled := new(big.Int).Mul(amount, ray)
	scaled.Add(scaled, halfUp(index))
	scaled.Quo(scaled, index)
	if scaled.Sign() == 0 {
		return big.NewInt(1)
	}
	return scaled
}

func debtFromScaled(scaled, index *big.Int) *big.Int {
	if scaled == nil || scaled.Sign() == 0 || index == nil || index.Sign() == 0 {
		return big.NewInt(0)
	}
	actual := new(big.Int).Mul(scaled, index)
	actual.Add(actual, halfRay)
	return actual.Quo(actual, ray)
}

func halfUp(x *big.Int) *big.Int {
	if x == nil || x.Sign() <= 0 {
		return big.NewInt(0)
	}
	half := new(big.Int).Add(x, big.NewInt(1))
	return half.Rsh(half, 1)
}

func minInt(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}
